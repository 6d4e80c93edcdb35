package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mohammad-safakhou/satlog/internal/envelope"
	"github.com/mohammad-safakhou/satlog/internal/eventlog"
	"github.com/mohammad-safakhou/satlog/internal/projection"
	"github.com/mohammad-safakhou/satlog/internal/store"
	"github.com/mohammad-safakhou/satlog/internal/store/memstore"
)

const ws = "ws-ingest"

type fixture struct {
	log      *eventlog.Memory
	store    *memstore.Store
	engine   *projection.Engine
	consumer *Consumer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg, err := envelope.DefaultRegistry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	mlog := eventlog.NewMemory()
	st := memstore.New()
	eng := projection.NewEngine(st, projection.WithRegistry(reg))
	c := NewConsumer(mlog, st, eng, envelope.NewValidator("redact", 0),
		WithRetry(time.Millisecond, 2*time.Millisecond),
		WithHealth(NewHealth(3)),
	)
	return &fixture{log: mlog, store: st, engine: eng, consumer: c}
}

func decisionEnvelope(title string) envelope.Envelope {
	return envelope.Envelope{
		EventID:       uuid.NewString(),
		SchemaVersion: envelope.SchemaVersion,
		TS:            time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		WorkspaceID:   ws,
		SatelliteID:   "sat-1",
		TraceID:       uuid.NewString(),
		Type:          envelope.TypeDecisionRecorded,
		Severity:      envelope.SeverityLow,
		Confidence:    0.9,
		Payload:       []byte(`{"title":"` + title + `"}`),
	}
}

func (f *fixture) publish(t *testing.T, env envelope.Envelope) {
	t.Helper()
	if _, err := f.log.Publish(context.Background(), env); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func (f *fixture) next(t *testing.T) eventlog.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := f.log.Fetch(ctx)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	return msg
}

func TestHandlePersistsProjectsAndCommits(t *testing.T) {
	f := newFixture(t)
	env := decisionEnvelope("use kafka")
	f.publish(t, env)

	if err := f.consumer.Handle(context.Background(), f.next(t)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := f.log.Committed(); got != 1 {
		t.Fatalf("expected committed offset 1, got %d", got)
	}
	events, err := f.store.WorkspaceEvents(context.Background(), ws)
	if err != nil || len(events) != 1 {
		t.Fatalf("expected 1 stored event, got %d (%v)", len(events), err)
	}
	if events[0].EventID != env.EventID || events[0].Offset != 0 {
		t.Fatalf("unexpected stored record %+v", events[0])
	}
	decisions, err := f.store.Decisions(context.Background(), projection.ListQuery{WorkspaceID: ws})
	if err != nil || len(decisions) != 1 {
		t.Fatalf("expected 1 decision, got %d (%v)", len(decisions), err)
	}
	cur, _ := f.store.CursorOf(context.Background(), ws)
	if cur.LastEventID != env.EventID {
		t.Fatalf("cursor not advanced: %+v", cur)
	}
	if s := f.consumer.Health().Snapshot(); s.Status != StateOK || s.Processed != 1 {
		t.Fatalf("unexpected health %+v", s)
	}
}

func TestHandleCommitsMalformedWithoutStoring(t *testing.T) {
	f := newFixture(t)
	if _, err := f.log.Append(ws, []byte(`{"event_id":"nope"`)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := f.consumer.Handle(context.Background(), f.next(t)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := f.log.Committed(); got != 1 {
		t.Fatalf("malformed message should be committed, got offset %d", got)
	}
	events, _ := f.store.QueryEvents(context.Background(), store.EventQuery{})
	if len(events) != 0 {
		t.Fatalf("malformed message must not be stored, got %d", len(events))
	}
}

func TestHandleRetriesStorageFailures(t *testing.T) {
	f := newFixture(t)
	f.publish(t, decisionEnvelope("retry me"))
	// one failed insert, one failed projection update
	f.store.FailNext(2)

	if err := f.consumer.Handle(context.Background(), f.next(t)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := f.log.Committed(); got != 1 {
		t.Fatalf("expected commit after recovery, got %d", got)
	}
	events, _ := f.store.WorkspaceEvents(context.Background(), ws)
	if len(events) != 1 {
		t.Fatalf("expected a single stored event, got %d", len(events))
	}
	if s := f.consumer.Health().Snapshot(); s.Status != StateOK {
		t.Fatalf("expected health to recover, got %+v", s)
	}
}

func TestHandleDoesNotCommitWhenStorageNeverRecovers(t *testing.T) {
	f := newFixture(t)
	f.publish(t, decisionEnvelope("stuck"))
	f.store.FailNext(1000)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := f.consumer.Handle(ctx, f.next(t))
	if err == nil {
		t.Fatalf("expected error once the context expires")
	}
	if got := f.log.Committed(); got != 0 {
		t.Fatalf("offset must not be committed before persistence, got %d", got)
	}
	if s := f.consumer.Health().Snapshot(); s.Status != StateDown {
		t.Fatalf("expected down after repeated failures, got %+v", s)
	}
}

func TestRedeliveryAfterCrashIsIdempotent(t *testing.T) {
	f := newFixture(t)
	env := decisionEnvelope("at least once")
	f.publish(t, env)
	msg := f.next(t)

	// a previous process persisted and projected the message but died before committing
	accepted, err := envelope.NewValidator("redact", 0).Accept(msg.Value)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	rec, _, err := f.store.InsertEvent(context.Background(), envelope.Record{Envelope: accepted})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := f.engine.Apply(context.Background(), rec); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if err := f.consumer.Handle(context.Background(), msg); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if got := f.log.Committed(); got != 1 {
		t.Fatalf("redelivered message should be committed, got %d", got)
	}
	events, _ := f.store.WorkspaceEvents(context.Background(), ws)
	if len(events) != 1 {
		t.Fatalf("redelivery duplicated the event: %d", len(events))
	}
	decisions, _ := f.store.Decisions(context.Background(), projection.ListQuery{WorkspaceID: ws})
	if len(decisions) != 1 {
		t.Fatalf("redelivery duplicated derived state: %d", len(decisions))
	}
	cur, _ := f.store.CursorOf(context.Background(), ws)
	if cur.EventsApplied != 1 {
		t.Fatalf("event applied twice: %+v", cur)
	}
}

func TestRunStopsOnCancelAndClose(t *testing.T) {
	f := newFixture(t)
	f.publish(t, decisionEnvelope("one"))
	f.publish(t, decisionEnvelope("two"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.consumer.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for f.log.Committed() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("consumer did not drain the log")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("run did not stop on cancel")
	}

	_ = f.log.Close()
	if err := f.consumer.Run(context.Background()); err != nil {
		t.Fatalf("run on closed log returned %v", err)
	}
}

type brokenProjector struct{}

func (brokenProjector) Apply(context.Context, envelope.Record) (projection.Result, error) {
	return projection.Result{}, errors.New("record has no sequence")
}

func TestHandleReturnsNonStorageErrors(t *testing.T) {
	f := newFixture(t)
	f.consumer.projector = brokenProjector{}
	f.publish(t, decisionEnvelope("bad"))
	if err := f.consumer.Handle(context.Background(), f.next(t)); err == nil {
		t.Fatalf("expected projection error")
	}
	if got := f.log.Committed(); got != 0 {
		t.Fatalf("offset committed despite failure: %d", got)
	}
}

func TestHealthStates(t *testing.T) {
	h := NewHealth(2)
	if h.Snapshot().Status != StateOK {
		t.Fatalf("new health should be ok")
	}
	h.failure(errors.New("boom"))
	if s := h.Snapshot(); s.Status != StateDegraded || s.LastError != "boom" {
		t.Fatalf("expected degraded, got %+v", s)
	}
	h.failure(errors.New("boom"))
	if h.Snapshot().Status != StateDown {
		t.Fatalf("expected down")
	}
	h.success()
	if s := h.Snapshot(); s.Status != StateOK || s.ConsecutiveFailures != 0 {
		t.Fatalf("expected recovery, got %+v", s)
	}
}
