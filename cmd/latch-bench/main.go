// Command latch-bench measures acquire/release throughput and contention
// against a lock backend.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-latch/v1/lock"
	"github.com/mirkobrombin/go-latch/v1/presets"
)

var (
	backend     = flag.String("backend", "memory", "Backend: memory, redis or nats")
	redisAddr   = flag.String("redis", "127.0.0.1:6379", "Redis address")
	natsURL     = flag.String("nats", "nats://127.0.0.1:4222", "NATS URL")
	concurrency = flag.Int("c", 50, "Number of concurrent workers")
	requests    = flag.Int("n", 10000, "Total number of lock cycles")
	hotKeys     = flag.Int("keys", 10, "Number of contended keys")
	ttl         = flag.Duration("ttl", 5*time.Second, "Lock TTL")
	wait        = flag.Duration("wait", 0, "Max wait per acquisition (0 = fail fast)")
)

type result struct {
	ok        atomic.Int64
	held      atomic.Int64
	failed    atomic.Int64
	mu        sync.Mutex
	latencies []time.Duration
}

func (r *result) observe(d time.Duration) {
	r.mu.Lock()
	r.latencies = append(r.latencies, d)
	r.mu.Unlock()
}

func (r *result) percentile(p float64) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.latencies) == 0 {
		return 0
	}
	sort.Slice(r.latencies, func(i, j int) bool { return r.latencies[i] < r.latencies[j] })
	idx := int(float64(len(r.latencies)-1) * p)
	return r.latencies[idx]
}

func open() (*presets.Locker, error) {
	ns := lock.WithNamespace("bench:" + uuid.NewString() + ":")
	switch *backend {
	case "memory":
		return presets.NewInMemory(ns), nil
	case "redis":
		return presets.NewRedis(presets.RedisOptions{Addr: *redisAddr}, ns), nil
	case "nats":
		return presets.NewNATS(presets.NATSOptions{URL: *natsURL}, ns)
	}
	return nil, fmt.Errorf("unknown backend %q", *backend)
}

func main() {
	flag.Parse()

	l, err := open()
	if err != nil {
		log.Fatalf("Setup failed: %v", err)
	}
	defer l.Close()

	log.Printf("Starting benchmark: backend=%s cycles=%d concurrency=%d keys=%d", *backend, *requests, *concurrency, *hotKeys)

	keys := make([]string, *hotKeys)
	for i := range keys {
		keys[i] = fmt.Sprintf("seat:bench:%d", i)
	}

	var res result
	var next atomic.Int64
	g, ctx := errgroup.WithContext(context.Background())
	start := time.Now()
	for w := 0; w < *concurrency; w++ {
		g.Go(func() error {
			for {
				n := next.Add(1)
				if n > int64(*requests) {
					return nil
				}
				key := keys[int(n)%len(keys)]
				t0 := time.Now()
				tok, err := l.AcquireWait(ctx, key, *ttl, *wait)
				switch {
				case lock.IsAlreadyHeld(err):
					res.held.Add(1)
					continue
				case err != nil:
					res.failed.Add(1)
					if lock.IsStoreUnavailable(err) {
						continue
					}
					return err
				}
				if _, err := l.Release(ctx, tok); err != nil {
					res.failed.Add(1)
					continue
				}
				res.observe(time.Since(t0))
				res.ok.Add(1)
			}
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("Benchmark aborted: %v", err)
	}
	elapsed := time.Since(start)

	total := res.ok.Load() + res.held.Load() + res.failed.Load()
	log.Printf("Finished in %v", elapsed)
	log.Printf("Throughput: %.2f cycles/s", float64(total)/elapsed.Seconds())
	log.Printf("Acquired: %d  Held: %d  Failed: %d", res.ok.Load(), res.held.Load(), res.failed.Load())
	log.Printf("Cycle latency p50=%v p99=%v", res.percentile(0.50), res.percentile(0.99))
}
