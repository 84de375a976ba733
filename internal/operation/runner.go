// Package operation runs the engine's state-changing operations. Each run
// gets one span, one store transaction and one metrics sample; audit events
// collected during the run are emitted only after the transaction commits.
package operation

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/pitabwire/weldqual/internal/audit"
	"github.com/pitabwire/weldqual/internal/observability"
	"github.com/pitabwire/weldqual/internal/store"
	"github.com/pitabwire/weldqual/model"
)

// Runner executes operations against a store.
type Runner struct {
	store   store.Store
	logger  *zap.Logger
	sink    audit.Sink
	metrics *observability.Metrics
	now     func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the fallback logger used when the context carries none.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithAuditSink sets where committed operations are reported.
func WithAuditSink(s audit.Sink) Option {
	return func(r *Runner) { r.sink = s }
}

// WithMetrics enables operation metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// NewRunner creates a Runner over s.
func NewRunner(s store.Store, opts ...Option) *Runner {
	r := &Runner{
		store:  s,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Now returns the current time in UTC.
func (r *Runner) Now() time.Time {
	return r.now().UTC()
}

// Logger returns the request-scoped logger.
func (r *Runner) Logger(ctx context.Context) *zap.Logger {
	return observability.RequestLogger(ctx, r.logger)
}

// Metrics returns the metrics instruments, possibly nil.
func (r *Runner) Metrics() *observability.Metrics {
	return r.metrics
}

// Store returns the underlying store.
func (r *Runner) Store() store.Store {
	return r.store
}

// Events collects the audit events of one run.
type Events struct {
	list []model.AuditEvent
}

// Add queues an event for emission after commit.
func (e *Events) Add(ev model.AuditEvent) {
	e.list = append(e.list, ev)
}

// Len returns the number of queued events.
func (e *Events) Len() int {
	return len(e.list)
}

// Func is the body of an operation.
type Func func(ctx context.Context, tx store.Tx, events *Events) error

// Run executes fn inside one transaction named op.
func (r *Runner) Run(ctx context.Context, op string, fn Func, attrs ...attribute.KeyValue) error {
	ctx, span := observability.StartSpan(ctx, op, append(attrs, observability.AttrOperation.String(op))...)
	start := time.Now()

	var events Events
	err := r.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		events = Events{}
		return fn(ctx, tx, &events)
	})

	r.metrics.RecordOperation(op, outcome(err), time.Since(start))
	observability.EndSpanWithError(span, err)

	if err != nil {
		logger := r.Logger(ctx).With(zap.String("operation", op))
		if model.CodeOf(err) != "" {
			logger.Warn("operation rejected", observability.DomainError(err)...)
		} else {
			logger.Error("operation failed", zap.Error(err))
		}
		return err
	}

	r.emit(ctx, events.list)
	return nil
}

// Read executes fn inside a transaction without metrics or audit.
func (r *Runner) Read(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return r.store.InTx(ctx, fn)
}

func (r *Runner) emit(ctx context.Context, events []model.AuditEvent) {
	if r.sink == nil || len(events) == 0 {
		return
	}
	correlationID := ""
	if rctx := model.RequestContextFrom(ctx); rctx != nil {
		correlationID = rctx.CorrelationID
	}
	for _, ev := range events {
		if ev.CorrelationID == "" {
			ev.CorrelationID = correlationID
		}
		if ev.At.IsZero() {
			ev.At = r.Now()
		}
		if err := r.sink.Record(ctx, ev); err != nil {
			r.metrics.RecordAuditSinkFailure(r.sink.Name())
			r.Logger(ctx).Warn("audit sink failed",
				zap.String("entity", ev.Entity),
				zap.String("entity_id", ev.EntityID),
				zap.String("action", ev.Action),
				zap.Error(err),
			)
		}
	}
}

func outcome(err error) string {
	if err == nil {
		return "OK"
	}
	if code := model.CodeOf(err); code != "" {
		return code
	}
	return model.ErrInternalError
}

// RequireActor rejects an empty actor id.
func RequireActor(actor string) error {
	if actor == "" {
		return model.NewBadRequestError("actor is required")
	}
	return nil
}
