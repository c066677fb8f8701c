package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	stdErrors "errors"
	"time"

	nats "github.com/nats-io/nats.go"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

// takeover attempts before SetNX gives up on a key that keeps changing
// under it.
const maxNATSAttempts = 3

type natsRecord struct {
	Owner   string `json:"o"`
	Expires int64  `json:"e"` // UnixNano
}

func (r natsRecord) live(now time.Time) bool {
	return now.UnixNano() < r.Expires
}

// NATS implements Store on top of a JetStream key-value bucket.
//
// JetStream buckets have no per-key expiry, so each record carries its own
// deadline and every write is guarded by the bucket revision. Expired
// records stay in the bucket until the next contender replaces them. All
// instances must have reasonably synchronised clocks.
//
// The key-value API takes no context: ctx is checked before each request,
// but a request already sent runs until the MaxWait of the JetStream
// context passed to OpenNATS elapses, whatever ctx does.
type NATS struct {
	kv  nats.KeyValue
	now func() time.Time
}

// NATSOption configures a NATS store.
type NATSOption func(*NATS)

// WithNATSClock replaces the time source used to stamp and evaluate
// record deadlines.
func WithNATSClock(now func() time.Time) NATSOption {
	return func(s *NATS) {
		if now != nil {
			s.now = now
		}
	}
}

// NewNATS returns a store backed by an existing bucket.
func NewNATS(kv nats.KeyValue, opts ...NATSOption) *NATS {
	s := &NATS{kv: kv, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenNATS binds to bucket, creating it when it does not exist yet.
func OpenNATS(js nats.JetStreamContext, bucket string, opts ...NATSOption) (*NATS, error) {
	kv, err := js.KeyValue(bucket)
	if stdErrors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      bucket,
			Description: "go-latch lock records",
			History:     1,
		})
	}
	if err != nil {
		return nil, mapNATSErr(err)
	}
	return NewNATS(kv, opts...), nil
}

// NATS keys may not contain ':' or spaces, lock keys usually do.
func natsKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func (s *NATS) load(key string) (nats.KeyValueEntry, natsRecord, error) {
	entry, err := s.kv.Get(key)
	if err != nil {
		return nil, natsRecord{}, err
	}
	var rec natsRecord
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return nil, natsRecord{}, err
	}
	return entry, rec, nil
}

func (s *NATS) encode(owner string, ttl time.Duration) ([]byte, error) {
	return json.Marshal(natsRecord{Owner: owner, Expires: s.now().Add(ttl).UnixNano()})
}

// SetNX implements Store.SetNX.
func (s *NATS) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	k := natsKey(key)
	data, err := s.encode(value, ttl)
	if err != nil {
		return false, err
	}
	for attempt := 0; attempt < maxNATSAttempts; attempt++ {
		_, err := s.kv.Create(k, data)
		if err == nil {
			return true, nil
		}
		if !isRevisionConflict(err) {
			return false, mapNATSErr(err)
		}
		entry, rec, err := s.load(k)
		if stdErrors.Is(err, nats.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return false, mapNATSErr(err)
		}
		if rec.live(s.now()) {
			return false, nil
		}
		_, err = s.kv.Update(k, data, entry.Revision())
		if err == nil {
			return true, nil
		}
		if isRevisionConflict(err) {
			return false, nil
		}
		return false, mapNATSErr(err)
	}
	return false, nil
}

// CompareAndDelete implements Store.CompareAndDelete.
func (s *NATS) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	k := natsKey(key)
	entry, rec, err := s.load(k)
	if stdErrors.Is(err, nats.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, mapNATSErr(err)
	}
	if rec.Owner != value || !rec.live(s.now()) {
		return false, nil
	}
	if err := s.kv.Delete(k, nats.LastRevision(entry.Revision())); err != nil {
		if isRevisionConflict(err) {
			return false, nil
		}
		return false, mapNATSErr(err)
	}
	return true, nil
}

// CompareAndExpire implements Store.CompareAndExpire.
func (s *NATS) CompareAndExpire(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	k := natsKey(key)
	entry, rec, err := s.load(k)
	if stdErrors.Is(err, nats.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, mapNATSErr(err)
	}
	if rec.Owner != value || !rec.live(s.now()) {
		return false, nil
	}
	data, err := s.encode(value, ttl)
	if err != nil {
		return false, err
	}
	if _, err := s.kv.Update(k, data, entry.Revision()); err != nil {
		if isRevisionConflict(err) {
			return false, nil
		}
		return false, mapNATSErr(err)
	}
	return true, nil
}

// Get implements Store.Get.
func (s *NATS) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	_, rec, err := s.load(natsKey(key))
	if stdErrors.Is(err, nats.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, mapNATSErr(err)
	}
	if !rec.live(s.now()) {
		return "", false, nil
	}
	return rec.Owner, true, nil
}

func isRevisionConflict(err error) bool {
	if stdErrors.Is(err, nats.ErrKeyExists) {
		return true
	}
	var apiErr *nats.APIError
	return stdErrors.As(err, &apiErr) && apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence
}

func mapNATSErr(err error) error {
	switch {
	case stdErrors.Is(err, nats.ErrTimeout), stdErrors.Is(err, context.DeadlineExceeded):
		return latcherrors.Unavailable(latcherrors.ErrTimeout, err)
	case stdErrors.Is(err, nats.ErrConnectionClosed):
		return latcherrors.Unavailable(latcherrors.ErrConnectionClosed, err)
	}
	return latcherrors.Unavailable(nil, err)
}
