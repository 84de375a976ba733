// Package audit records state-changing engine operations to one or more
// sinks. Sinks are written after the owning transaction commits; a sink
// failure never rolls back the operation that produced the event.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/weldqual/model"
)

// Sink receives audit events.
type Sink interface {
	Name() string
	Record(ctx context.Context, event model.AuditEvent) error
}

// --- LogSink ---

// LogSink writes each event as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink that logs events at info level.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("audit")}
}

// Name implements Sink.
func (s *LogSink) Name() string { return "log" }

// Record implements Sink.
func (s *LogSink) Record(_ context.Context, event model.AuditEvent) error {
	fields := []zap.Field{
		zap.String("entity", event.Entity),
		zap.String("entity_id", event.EntityID),
		zap.String("action", event.Action),
		zap.String("actor", event.Actor),
		zap.Time("at", event.At),
	}
	if event.CorrelationID != "" {
		fields = append(fields, zap.String("correlation_id", event.CorrelationID))
	}
	if len(event.Diff) > 0 {
		fields = append(fields, zap.Any("diff", event.Diff))
	}
	s.logger.Info("audit", fields...)
	return nil
}

// --- RedisStreamSink ---

// RedisStreamSink appends events to a capped Redis stream.
type RedisStreamSink struct {
	client redis.Cmdable
	stream string
	maxLen int64
}

// NewRedisStreamSink creates a sink that XADDs to stream, trimming it to
// approximately maxLen entries. A maxLen of zero disables trimming.
func NewRedisStreamSink(client redis.Cmdable, stream string, maxLen int64) *RedisStreamSink {
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen}
}

// Name implements Sink.
func (s *RedisStreamSink) Name() string { return "redis" }

// Record implements Sink.
func (s *RedisStreamSink) Record(ctx context.Context, event model.AuditEvent) error {
	diff, err := json.Marshal(event.Diff)
	if err != nil {
		return fmt.Errorf("audit: marshal diff: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"entity":         event.Entity,
			"entity_id":      event.EntityID,
			"action":         event.Action,
			"actor":          event.Actor,
			"correlation_id": event.CorrelationID,
			"at":             strconv.FormatInt(event.At.UnixMilli(), 10),
			"diff":           string(diff),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}

	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("audit: xadd %q: %w", s.stream, err)
	}
	return nil
}

// HealthCheck pings the Redis server.
func (s *RedisStreamSink) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// --- Multi ---

// Multi fans each event out to every sink. All sinks are attempted; the
// returned error joins the individual failures.
type Multi []Sink

// Name implements Sink.
func (m Multi) Name() string { return "multi" }

// Record implements Sink.
func (m Multi) Record(ctx context.Context, event model.AuditEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// HealthCheck checks every sink that can check itself.
func (m Multi) HealthCheck(ctx context.Context) error {
	var errs []error
	for _, s := range m {
		if hc, ok := s.(interface{ HealthCheck(context.Context) error }); ok {
			if err := hc.HealthCheck(ctx); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}
