package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/mohammad-safakhou/satlog/internal/envelope"
	"github.com/mohammad-safakhou/satlog/internal/projection"
)

// tx mutates a private copy of one workspace's state. The parent store's lock is
// held for the whole unit of work.
type tx struct {
	store *Store
	ws    string
	st    *state
}

func (t *tx) Cursor(context.Context) (projection.Cursor, error) { return t.st.cursor, nil }

func (t *tx) SaveCursor(_ context.Context, c projection.Cursor) error {
	c.WorkspaceID = t.ws
	t.st.cursor = c
	return nil
}

func (t *tx) Reset(context.Context) (int64, error) {
	n := int64(len(t.st.entries))
	t.st = newState(t.ws)
	return n, nil
}

func (t *tx) Events(context.Context) ([]envelope.Record, error) {
	return t.store.workspaceEvents(t.ws), nil
}

func (t *tx) Entry(_ context.Context, entryID string) (projection.MemoryEntry, bool, error) {
	e, ok := t.st.entries[entryID]
	return e, ok, nil
}

func (t *tx) SourceExists(_ context.Context, sourceEventID string) (bool, error) {
	for _, e := range t.st.entries {
		if e.SourceEventID == sourceEventID {
			return true, nil
		}
	}
	return false, nil
}

func (t *tx) MatchingEntries(_ context.Context, keys, entryIDs []string) ([]projection.MemoryEntry, error) {
	want := map[string]bool{}
	for _, k := range keys {
		want["k:"+k] = true
	}
	for _, id := range entryIDs {
		want["i:"+id] = true
	}
	var out []projection.MemoryEntry
	for _, e := range t.st.entries {
		if (e.Key != "" && want["k:"+e.Key]) || want["i:"+e.EntryID] {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryID < out[j].EntryID })
	return out, nil
}

func (t *tx) PutEntry(_ context.Context, e projection.MemoryEntry) error {
	t.st.entries[e.EntryID] = e
	return nil
}

func (t *tx) AddReference(_ context.Context, r projection.Reference) error {
	m, ok := t.st.refs[r.EntryID]
	if !ok {
		m = map[string]projection.Reference{}
		t.st.refs[r.EntryID] = m
	}
	m[r.EventID] = r
	return nil
}

func (t *tx) CountReferences(_ context.Context, entryID string, after, upTo time.Time) (int, error) {
	n := 0
	for _, r := range t.st.refs[entryID] {
		if r.TS.After(after) && !r.TS.After(upTo) {
			n++
		}
	}
	return n, nil
}

func (t *tx) DecisionByEvent(_ context.Context, eventID string) (bool, error) {
	for _, d := range t.st.decisions {
		if d.EventID == eventID {
			return true, nil
		}
	}
	return false, nil
}

func (t *tx) DecisionInTrace(_ context.Context, traceID string) (bool, error) {
	for _, d := range t.st.decisions {
		if d.TraceID == traceID {
			return true, nil
		}
	}
	return false, nil
}

func (t *tx) PutDecision(_ context.Context, d projection.Decision) error {
	t.st.decisions[d.DecisionID] = d
	return nil
}

func (t *tx) Task(_ context.Context, taskID string) (projection.Task, bool, error) {
	task, ok := t.st.tasks[taskID]
	return task, ok, nil
}

func (t *tx) PutTask(_ context.Context, task projection.Task) error {
	t.st.tasks[task.TaskID] = task
	return nil
}

func (t *tx) PutRisk(_ context.Context, r projection.Risk) error {
	t.st.risks[r.RiskID] = r
	return nil
}

func (t *tx) PutProposal(_ context.Context, p projection.Proposal) error {
	t.st.proposals[p.ProposalID] = p
	return nil
}

func (t *tx) RecordIssue(_ context.Context, is projection.Issue) error {
	t.st.issues = append(t.st.issues, is)
	return nil
}
