package projection_test

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mohammad-safakhou/satlog/internal/envelope"
	"github.com/mohammad-safakhou/satlog/internal/projection"
	"github.com/mohammad-safakhou/satlog/internal/store/memstore"
)

const ws = "ws-alpha"

var base = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type harness struct {
	t      *testing.T
	store  *memstore.Store
	engine *projection.Engine
	trace  string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg, err := envelope.DefaultRegistry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	st := memstore.New()
	return &harness{
		t:      t,
		store:  st,
		engine: projection.NewEngine(st, projection.WithRegistry(reg)),
		trace:  uuid.NewString(),
	}
}

type emitOpt func(*envelope.Envelope)

func withTrace(id string) emitOpt { return func(e *envelope.Envelope) { e.TraceID = id } }

func withSatellite(id string) emitOpt { return func(e *envelope.Envelope) { e.SatelliteID = id } }

func withWorkspace(id string) emitOpt { return func(e *envelope.Envelope) { e.WorkspaceID = id } }

func withConfidence(c float64) emitOpt { return func(e *envelope.Envelope) { e.Confidence = c } }

func (h *harness) emit(typ string, at time.Time, payload map[string]interface{}, opts ...emitOpt) (envelope.Record, projection.Result) {
	h.t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		h.t.Fatalf("marshal payload: %v", err)
	}
	env := envelope.Envelope{
		EventID:       uuid.NewString(),
		SchemaVersion: envelope.SchemaVersion,
		TS:            at,
		WorkspaceID:   ws,
		SatelliteID:   "sat-1",
		TraceID:       h.trace,
		Type:          typ,
		Severity:      envelope.SeverityMedium,
		Confidence:    0.5,
		Payload:       raw,
	}
	for _, opt := range opts {
		opt(&env)
	}
	env, err = envelope.NewValidator("redact", 0).AcceptEnvelope(env)
	if err != nil {
		h.t.Fatalf("accept: %v", err)
	}
	rec, _, err := h.store.InsertEvent(context.Background(), envelope.Record{Envelope: env})
	if err != nil {
		h.t.Fatalf("insert: %v", err)
	}
	res, err := h.engine.Apply(context.Background(), rec)
	if err != nil {
		h.t.Fatalf("apply %s: %v", typ, err)
	}
	return rec, res
}

func (h *harness) entry(id string) projection.MemoryEntry {
	h.t.Helper()
	entries, err := h.store.Entries(context.Background(), projection.MemoryQuery{WorkspaceID: ws, IncludeExpired: true})
	if err != nil {
		h.t.Fatalf("entries: %v", err)
	}
	for _, e := range entries {
		if e.EntryID == id {
			return e
		}
	}
	h.t.Fatalf("entry %s not found", id)
	return projection.MemoryEntry{}
}

func TestCandidatePromotedByTwoReferences(t *testing.T) {
	h := newHarness(t)
	cand, _ := h.emit(envelope.TypeMemoryCandidate, base, map[string]interface{}{"key": "deploy.window", "value": "tuesdays"},
		withConfidence(0.80), withTrace(uuid.NewString()))

	h.emit(envelope.TypeFindingLogged, base.Add(time.Hour), map[string]interface{}{"key": "deploy.window"}, withTrace(uuid.NewString()))
	if got := h.entry(cand.EventID).Status; got != projection.StatusCandidate {
		t.Fatalf("expected candidate after one reference, got %s", got)
	}

	at := base.Add(2 * time.Hour)
	_, res := h.emit(envelope.TypeProposalCreated, at, map[string]interface{}{"references": []string{"deploy.window"}}, withTrace(uuid.NewString()))
	e := h.entry(cand.EventID)
	if e.Status != projection.StatusPromoted {
		t.Fatalf("expected promoted after two references, got %s", e.Status)
	}
	if e.PromotedAt == nil || !e.PromotedAt.Equal(at) {
		t.Fatalf("promoted_at should equal the triggering event ts, got %v", e.PromotedAt)
	}
	if !reflect.DeepEqual(res.Promoted, []string{cand.EventID}) {
		t.Fatalf("unexpected promotions %v", res.Promoted)
	}
}

func TestCandidateWithOneReferenceStaysCandidate(t *testing.T) {
	h := newHarness(t)
	cand, _ := h.emit(envelope.TypeMemoryCandidate, base, map[string]interface{}{"key": "k"},
		withConfidence(0.80), withTrace(uuid.NewString()))
	h.emit(envelope.TypeRiskDetected, base.Add(time.Minute), map[string]interface{}{"key": "k"}, withTrace(uuid.NewString()))
	if got := h.entry(cand.EventID).Status; got != projection.StatusCandidate {
		t.Fatalf("expected candidate, got %s", got)
	}
}

func TestLowConfidenceNeverPromotes(t *testing.T) {
	h := newHarness(t)
	cand, _ := h.emit(envelope.TypeMemoryCandidate, base, map[string]interface{}{"key": "k"},
		withConfidence(0.70), withTrace(uuid.NewString()))
	for i := 1; i <= 3; i++ {
		h.emit(envelope.TypeFindingLogged, base.Add(time.Duration(i)*time.Hour), map[string]interface{}{"key": "k"}, withTrace(uuid.NewString()))
	}
	if got := h.entry(cand.EventID).Status; got != projection.StatusCandidate {
		t.Fatalf("expected candidate, got %s", got)
	}
}

func TestReferencesOutsideWindowDoNotCount(t *testing.T) {
	h := newHarness(t)
	cand, _ := h.emit(envelope.TypeMemoryCandidate, base, map[string]interface{}{"key": "k"},
		withConfidence(0.9), withTrace(uuid.NewString()))
	h.emit(envelope.TypeFindingLogged, base.Add(time.Hour), map[string]interface{}{"key": "k"}, withTrace(uuid.NewString()))
	h.emit(envelope.TypeFindingLogged, base.Add(8*24*time.Hour), map[string]interface{}{"key": "k"}, withTrace(uuid.NewString()))
	if got := h.entry(cand.EventID).Status; got != projection.StatusCandidate {
		t.Fatalf("expected candidate when references span more than the window, got %s", got)
	}
}

func TestSameSatelliteReferencesCountIndependently(t *testing.T) {
	h := newHarness(t)
	cand, _ := h.emit(envelope.TypeMemoryCandidate, base, map[string]interface{}{"key": "k"},
		withConfidence(0.9), withTrace(uuid.NewString()))
	h.emit(envelope.TypeFindingLogged, base.Add(time.Hour), map[string]interface{}{"key": "k"}, withSatellite("sat-9"), withTrace(uuid.NewString()))
	h.emit(envelope.TypeFindingLogged, base.Add(2*time.Hour), map[string]interface{}{"key": "k"}, withSatellite("sat-9"), withTrace(uuid.NewString()))
	if got := h.entry(cand.EventID).Status; got != projection.StatusPromoted {
		t.Fatalf("expected promoted, got %s", got)
	}
}

func TestDecisionCitingKeyPromotesAndRetractionIsTerminal(t *testing.T) {
	h := newHarness(t)
	cand, _ := h.emit(envelope.TypeMemoryCandidate, base, map[string]interface{}{"key": "shipping.address_format", "value": map[string]interface{}{"style": "iso"}},
		withConfidence(0.83), withTrace(uuid.NewString()))
	h.emit(envelope.TypeDecisionRecorded, base.Add(time.Minute), map[string]interface{}{"title": "use iso addresses", "keys": []string{"shipping.address_format"}},
		withTrace(uuid.NewString()))

	e := h.entry(cand.EventID)
	if e.Status != projection.StatusPromoted || !e.DecisionLineage {
		t.Fatalf("expected promoted with decision lineage, got %+v", e)
	}
	if e.Confidence != 0.83 || e.SourceEventID != cand.EventID {
		t.Fatalf("unexpected provenance %+v", e)
	}

	_, res := h.emit(envelope.TypeMemoryRetracted, base.Add(2*time.Minute), map[string]interface{}{"entry_id": cand.EventID})
	if len(res.Retracted) != 1 {
		t.Fatalf("expected one retraction, got %v", res.Retracted)
	}
	_, res = h.emit(envelope.TypeMemoryPromoted, base.Add(3*time.Minute), map[string]interface{}{"entry_id": cand.EventID})
	if len(res.Issues) != 1 || res.Issues[0].Kind != projection.IssueTerminalState {
		t.Fatalf("expected terminal_state issue, got %+v", res.Issues)
	}
	e = h.entry(cand.EventID)
	if e.Status != projection.StatusRetracted || e.PromotedAt == nil || !e.PromotedAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("retracted row must keep its promotion audit trail, got %+v", e)
	}
}

func TestDecisionInSameTraceGivesLineage(t *testing.T) {
	h := newHarness(t)
	h.emit(envelope.TypeDecisionRecorded, base, map[string]interface{}{"decision_id": "d-1", "title": "adopt"})
	cand, res := h.emit(envelope.TypeMemoryCandidate, base.Add(time.Second), map[string]interface{}{"key": "adopted"}, withConfidence(0.9))
	if len(res.Promoted) != 1 || h.entry(cand.EventID).Status != projection.StatusPromoted {
		t.Fatalf("expected immediate promotion through lineage, got %+v", res)
	}
}

func TestExplicitPromotionAndOrphans(t *testing.T) {
	h := newHarness(t)
	cand, _ := h.emit(envelope.TypeMemoryCandidate, base, map[string]interface{}{"key": "k"}, withConfidence(0.1), withTrace(uuid.NewString()))
	_, res := h.emit(envelope.TypeMemoryPromoted, base.Add(time.Minute), map[string]interface{}{"entry_id": cand.EventID})
	if len(res.Promoted) != 1 {
		t.Fatalf("explicit promotion ignored: %+v", res)
	}
	_, res = h.emit(envelope.TypeMemoryPromoted, base.Add(2*time.Minute), map[string]interface{}{"entry_id": "missing"})
	if len(res.Issues) != 1 || res.Issues[0].Kind != projection.IssueOrphanReference {
		t.Fatalf("expected orphan_reference, got %+v", res.Issues)
	}
}

func TestTaskUpdateRequiresExistingTask(t *testing.T) {
	h := newHarness(t)
	_, res := h.emit(envelope.TypeTaskUpdated, base, map[string]interface{}{"task_id": "t-404", "status": "done"})
	if len(res.Issues) != 1 || res.Issues[0].Kind != projection.IssueOrphanReference {
		t.Fatalf("expected orphan issue, got %+v", res.Issues)
	}

	h.emit(envelope.TypeTaskCreated, base.Add(time.Minute), map[string]interface{}{"task_id": "t-1", "title": "write docs"})
	h.emit(envelope.TypeTaskUpdated, base.Add(2*time.Minute), map[string]interface{}{"task_id": "t-1", "status": "Done"})
	tasks, err := h.store.Tasks(context.Background(), projection.ListQuery{WorkspaceID: ws}, false)
	if err != nil {
		t.Fatalf("tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Status != "done" || !tasks[0].Terminal() || tasks[0].Title != "write docs" {
		t.Fatalf("unexpected tasks %+v", tasks)
	}
	active, _ := h.store.Tasks(context.Background(), projection.ListQuery{WorkspaceID: ws}, true)
	if len(active) != 0 {
		t.Fatalf("terminal task listed as active: %+v", active)
	}
}

func TestMalformedPayloadRecordedAndCursorAdvances(t *testing.T) {
	h := newHarness(t)
	rec, res := h.emit(envelope.TypeMemoryCandidate, base, map[string]interface{}{"bucket": "forever"})
	if len(res.Issues) != 1 || res.Issues[0].Kind != projection.IssueMalformedPayload {
		t.Fatalf("expected malformed_payload issue, got %+v", res.Issues)
	}
	cur, _ := h.store.CursorOf(context.Background(), ws)
	if cur.LastSeq != rec.Seq {
		t.Fatalf("cursor should advance past malformed events, got %+v", cur)
	}
}

func TestUnknownTypeIgnored(t *testing.T) {
	h := newHarness(t)
	rec, res := h.emit("custom.signal", base, map[string]interface{}{"key": "k"})
	if !res.Ignored {
		t.Fatalf("expected unknown type to be ignored")
	}
	cur, _ := h.store.CursorOf(context.Background(), ws)
	if cur.LastEventID != rec.EventID {
		t.Fatalf("cursor did not advance: %+v", cur)
	}
}

func TestDuplicateSourceRecordsIssue(t *testing.T) {
	h := newHarness(t)
	h.emit(envelope.TypeMemoryCandidate, base, map[string]interface{}{"key": "a", "source_event_id": "src-1"})
	_, res := h.emit(envelope.TypeMemoryCandidate, base.Add(time.Second), map[string]interface{}{"key": "b", "source_event_id": "src-1"})
	if len(res.Created) != 0 || len(res.Issues) != 1 || res.Issues[0].Kind != projection.IssueDuplicateSource {
		t.Fatalf("expected duplicate_source, got %+v", res)
	}
}

func TestEphemeralExpiry(t *testing.T) {
	h := newHarness(t)
	cand, _ := h.emit(envelope.TypeMemoryCandidate, base, map[string]interface{}{"key": "scratch", "bucket": "ephemeral", "ttl_hours": 2})
	e := h.entry(cand.EventID)
	if e.ExpiresAt == nil || !e.ExpiresAt.Equal(base.Add(2*time.Hour)) {
		t.Fatalf("unexpected expiry %v", e.ExpiresAt)
	}
	live, _ := h.store.Entries(context.Background(), projection.MemoryQuery{WorkspaceID: ws, Now: base.Add(3 * time.Hour)})
	if len(live) != 0 {
		t.Fatalf("expired entry returned: %+v", live)
	}
}

func TestRedeliveryIsSkipped(t *testing.T) {
	h := newHarness(t)
	rec, _ := h.emit(envelope.TypeTaskCreated, base, map[string]interface{}{"task_id": "t-1"})
	res, err := h.engine.Apply(context.Background(), rec)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !res.Skipped {
		t.Fatalf("expected redelivered event to be skipped")
	}
	cur, _ := h.store.CursorOf(context.Background(), ws)
	if cur.EventsApplied != 1 {
		t.Fatalf("events applied counted twice: %+v", cur)
	}
}

func TestApplyIsAllOrNothing(t *testing.T) {
	h := newHarness(t)
	env := envelope.Envelope{
		EventID: uuid.NewString(), SchemaVersion: 1, TS: base, WorkspaceID: ws, SatelliteID: "s",
		TraceID: uuid.NewString(), Type: envelope.TypeTaskCreated, Severity: envelope.SeverityLow,
		Payload: json.RawMessage(`{"task_id":"t-1"}`),
	}
	rec, _, err := h.store.InsertEvent(context.Background(), envelope.Record{Envelope: env})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	h.store.FailNext(1)
	if _, err := h.engine.Apply(context.Background(), rec); err == nil {
		t.Fatalf("expected storage failure")
	}
	cur, _ := h.store.CursorOf(context.Background(), ws)
	if cur.LastSeq != 0 {
		t.Fatalf("cursor moved on failed apply: %+v", cur)
	}
	if _, err := h.engine.Apply(context.Background(), rec); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func snapshot(t *testing.T, st *memstore.Store) map[string]interface{} {
	t.Helper()
	return snapshotOf(t, st, ws)
}

func snapshotOf(t *testing.T, st *memstore.Store, ws string) map[string]interface{} {
	t.Helper()
	ctx := context.Background()
	q := projection.ListQuery{WorkspaceID: ws}
	entries, _ := st.Entries(ctx, projection.MemoryQuery{WorkspaceID: ws, IncludeExpired: true})
	decisions, _ := st.Decisions(ctx, q)
	tasks, _ := st.Tasks(ctx, q, false)
	risks, _ := st.Risks(ctx, q)
	proposals, _ := st.Proposals(ctx, q)
	issues, _ := st.Issues(ctx, q)
	cur, _ := st.CursorOf(ctx, ws)
	return map[string]interface{}{
		"entries": entries, "decisions": decisions, "tasks": tasks, "risks": risks,
		"proposals": proposals, "issues": issues, "cursor": cur,
	}
}

func TestReplayMatchesIncrementalApply(t *testing.T) {
	h := newHarness(t)
	cand, _ := h.emit(envelope.TypeMemoryCandidate, base, map[string]interface{}{"key": "k1", "value": []int{1, 2}}, withConfidence(0.9), withTrace(uuid.NewString()))
	h.emit(envelope.TypeMemoryCandidate, base.Add(time.Minute), map[string]interface{}{"key": "k2", "bucket": "ephemeral"}, withTrace(uuid.NewString()))
	h.emit(envelope.TypeFindingLogged, base.Add(2*time.Minute), map[string]interface{}{"key": "k1", "severity": "high"}, withTrace(uuid.NewString()))
	h.emit(envelope.TypeRiskDetected, base.Add(3*time.Minute), map[string]interface{}{"keys": []string{"k1"}}, withTrace(uuid.NewString()))
	h.emit(envelope.TypeTaskCreated, base.Add(4*time.Minute), map[string]interface{}{"task_id": "t-1"})
	h.emit(envelope.TypeTaskUpdated, base.Add(5*time.Minute), map[string]interface{}{"task_id": "t-1", "status": "blocked"})
	h.emit(envelope.TypeTaskUpdated, base.Add(6*time.Minute), map[string]interface{}{"task_id": "t-2"})
	h.emit(envelope.TypeProposalCreated, base.Add(7*time.Minute), map[string]interface{}{"proposal_id": "p-1"})
	h.emit(envelope.TypeMemoryRetracted, base.Add(8*time.Minute), map[string]interface{}{"entry_id": cand.EventID})
	h.emit("custom.signal", base.Add(9*time.Minute), map[string]interface{}{})

	before := snapshot(t, h.store)
	out, err := h.engine.Replay(context.Background(), ws)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if out.EventsReplayed != 10 || out.EntriesDeleted != 2 || out.EntriesCreated != 2 || out.Promotions != 1 {
		t.Fatalf("unexpected replay result %+v", out)
	}
	after := snapshot(t, h.store)
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("replay diverged from incremental state\nbefore: %+v\nafter:  %+v", before, after)
	}
}

func TestReplayLeavesOtherWorkspacesAlone(t *testing.T) {
	const other = "ws-beta"
	h := newHarness(t)
	h.emit(envelope.TypeMemoryCandidate, base, map[string]interface{}{"key": "k1"})
	h.emit(envelope.TypeTaskCreated, base.Add(time.Minute), map[string]interface{}{"task_id": "t-1"})
	h.emit(envelope.TypeMemoryCandidate, base, map[string]interface{}{"key": "k1"}, withWorkspace(other))
	h.emit(envelope.TypeDecisionRecorded, base.Add(time.Minute), map[string]interface{}{"title": "ship"}, withWorkspace(other))
	h.emit(envelope.TypeRiskDetected, base.Add(2*time.Minute), map[string]interface{}{"risk_id": "r-1"}, withWorkspace(other))

	before := snapshotOf(t, h.store, other)
	out, err := h.engine.Replay(context.Background(), ws)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if out.EventsReplayed != 2 || out.EntriesDeleted != 1 {
		t.Fatalf("replay should only see its own workspace: %+v", out)
	}
	if after := snapshotOf(t, h.store, other); !reflect.DeepEqual(before, after) {
		t.Fatalf("replay touched %s\nbefore: %+v\nafter:  %+v", other, before, after)
	}
	cur, _ := h.store.CursorOf(context.Background(), other)
	if cur.EventsApplied != 3 {
		t.Fatalf("expected %s cursor untouched at 3 events, got %+v", other, cur)
	}
}

func TestReplayConflict(t *testing.T) {
	st := memstore.New()
	locker := projection.NewLocalLocker()
	release, err := locker.TryLock(context.Background(), ws)
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	defer release()
	eng := projection.NewEngine(st, projection.WithLocker(locker))
	if _, err := eng.Replay(context.Background(), ws); !errors.Is(err, projection.ErrReplayConflict) {
		t.Fatalf("expected ErrReplayConflict, got %v", err)
	}
}
