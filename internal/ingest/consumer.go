// Package ingest drives the log consumer: validate, persist, project, then commit.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mohammad-safakhou/satlog/internal/envelope"
	"github.com/mohammad-safakhou/satlog/internal/eventlog"
	"github.com/mohammad-safakhou/satlog/internal/projection"
	"github.com/mohammad-safakhou/satlog/internal/runtime"
	"github.com/mohammad-safakhou/satlog/internal/store"
)

// Outcome labels for satlog_events_consumed_total.
const (
	ResultPersisted         = "persisted"
	ResultDuplicate         = "duplicate"
	ResultMalformed         = "malformed"
	ResultProjected         = "projected"
	ResultProjectionSkipped = "projection_skipped"
	ResultPersistError      = "persist_error"
)

// EventStore is the subset of the store the consumer writes to.
type EventStore interface {
	InsertEvent(ctx context.Context, rec envelope.Record) (envelope.Record, bool, error)
}

// Projector applies a persisted record to the workspace state.
type Projector interface {
	Apply(ctx context.Context, rec envelope.Record) (projection.Result, error)
}

// Consumer is the single logical consumer of the event log in this process.
type Consumer struct {
	log          eventlog.Consumer
	store        EventStore
	projector    Projector
	validator    *envelope.Validator
	health       *Health
	logger       *log.Logger
	tracer       trace.Tracer
	retryInitial time.Duration
	retryMax     time.Duration
	now          func() time.Time
}

// Option configures a Consumer.
type Option func(*Consumer)

func WithLogger(l *log.Logger) Option {
	return func(c *Consumer) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(c *Consumer) {
		if t != nil {
			c.tracer = t
		}
	}
}

// WithRetry sets the storage retry backoff bounds.
func WithRetry(initial, max time.Duration) Option {
	return func(c *Consumer) {
		if initial > 0 {
			c.retryInitial = initial
		}
		if max >= c.retryInitial {
			c.retryMax = max
		}
	}
}

// WithHealth shares a health tracker with the HTTP probe.
func WithHealth(h *Health) Option {
	return func(c *Consumer) {
		if h != nil {
			c.health = h
		}
	}
}

func NewConsumer(lc eventlog.Consumer, st EventStore, p Projector, v *envelope.Validator, opts ...Option) *Consumer {
	c := &Consumer{
		log:          lc,
		store:        st,
		projector:    p,
		validator:    v,
		health:       NewHealth(5),
		logger:       log.Default(),
		tracer:       otel.Tracer("satlog/ingest"),
		retryInitial: 200 * time.Millisecond,
		retryMax:     10 * time.Second,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Health returns the tracker updated by Run.
func (c *Consumer) Health() *Health { return c.health }

// Run consumes until ctx is cancelled or the log is closed. Both end the loop without error.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("ingest consumer starting")
	for {
		msg, err := c.log.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, eventlog.ErrClosed) {
				c.logger.Info("ingest consumer stopping", "reason", err)
				return nil
			}
			c.health.failure(err)
			c.logger.Error("fetch failed", "err", err)
			if !sleep(ctx, c.retryInitial) {
				return nil
			}
			continue
		}
		if err := c.Handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// Handle processes one message and commits it. Storage failures are retried until
// they succeed or ctx ends, so the offset is never committed ahead of persistence.
func (c *Consumer) Handle(ctx context.Context, msg eventlog.Message) error {
	ctx, span := c.tracer.Start(ctx, "ingest.handle", trace.WithAttributes(
		attribute.String("log.key", msg.Key),
		attribute.Int("log.partition", msg.Partition),
		attribute.Int64("log.offset", msg.Offset),
	))
	defer span.End()

	env, err := c.validator.Accept(msg.Value)
	if err != nil {
		var verr *envelope.ValidationError
		if !errors.As(err, &verr) {
			span.RecordError(err)
			return err
		}
		runtime.EventsConsumed.WithLabelValues(ResultMalformed).Inc()
		span.SetAttributes(attribute.String("ingest.rejected", verr.Reason))
		c.logger.Warn("rejected message", "partition", msg.Partition, "offset", msg.Offset, "reason", verr.Reason, "field", verr.Field)
		return c.commit(ctx, msg)
	}
	span.SetAttributes(
		attribute.String("event.id", env.EventID),
		attribute.String("event.type", env.Type),
		attribute.String("workspace.id", env.WorkspaceID),
	)

	rec := envelope.Record{Envelope: env, Partition: msg.Partition, Offset: msg.Offset, IngestedAt: c.now().UTC()}
	var inserted bool
	err = c.retry(ctx, "persist", func() error {
		stored, ok, err := c.store.InsertEvent(ctx, rec)
		if err != nil {
			return err
		}
		rec, inserted = stored, ok
		return nil
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if inserted {
		runtime.EventsConsumed.WithLabelValues(ResultPersisted).Inc()
	} else {
		runtime.EventsConsumed.WithLabelValues(ResultDuplicate).Inc()
	}

	var res projection.Result
	err = c.retry(ctx, "project", func() error {
		r, err := c.projector.Apply(ctx, rec)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if res.Skipped {
		runtime.EventsConsumed.WithLabelValues(ResultProjectionSkipped).Inc()
	} else {
		runtime.EventsConsumed.WithLabelValues(ResultProjected).Inc()
	}
	span.SetAttributes(attribute.Int64("event.seq", rec.Seq), attribute.Bool("projection.skipped", res.Skipped))

	if err := c.commit(ctx, msg); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	c.health.success()
	return nil
}

func (c *Consumer) commit(ctx context.Context, msg eventlog.Message) error {
	return c.retry(ctx, "commit", func() error {
		if err := c.log.Commit(ctx, msg); err != nil {
			return fmt.Errorf("%w: %w", store.ErrStorage, err)
		}
		return nil
	})
}

// retry runs op with exponential backoff while it fails with a storage error.
// Any other error is returned immediately.
func (c *Consumer) retry(ctx context.Context, stage string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInitial
	b.MaxInterval = c.retryMax
	b.MaxElapsedTime = 0
	b.Reset()

	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !store.IsStorage(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		runtime.EventsConsumed.WithLabelValues(ResultPersistError).Inc()
		c.health.failure(err)
		c.logger.Error("storage failure, retrying", "stage", stage, "err", err, "wait", wait, "health", c.health.Snapshot().Status)
	}
	if err := backoff.RetryNotify(wrapped, backoff.WithContext(b, ctx), notify); err != nil {
		return fmt.Errorf("%s: %w", stage, err)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
