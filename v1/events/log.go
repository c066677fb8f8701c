package events

import (
	"context"
	"log/slog"
)

// LogSink writes events to a structured logger.
type LogSink struct {
	logger *slog.Logger
	level  slog.Level
}

// NewLogSink returns a sink logging at level. A nil logger uses slog.Default.
func NewLogSink(logger *slog.Logger, level slog.Level) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger, level: level}
}

// Emit implements Sink.
func (s *LogSink) Emit(ctx context.Context, ev Event) error {
	level := s.level
	if ev.Type == Lost || ev.Type == Expired {
		level = slog.LevelWarn
	}
	s.logger.LogAttrs(ctx, level, "latch: lock "+string(ev.Type),
		slog.String("key", ev.Key),
		slog.String("owner", ev.Owner),
		slog.Duration("ttl", ev.TTL),
		slog.String("event_id", ev.ID),
	)
	return nil
}
