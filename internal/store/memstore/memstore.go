// Package memstore is an in-process implementation of the event store and the
// projection store. It backs tests and storage.driver=memory.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mohammad-safakhou/satlog/internal/envelope"
	"github.com/mohammad-safakhou/satlog/internal/projection"
	"github.com/mohammad-safakhou/satlog/internal/store"
)

// Store keeps all history and derived state in memory.
type Store struct {
	mu       sync.RWMutex
	seq      int64
	events   []envelope.Record
	byID     map[string]int
	ws       map[string]*state
	now      func() time.Time
	failNext int
}

type state struct {
	cursor    projection.Cursor
	entries   map[string]projection.MemoryEntry
	refs      map[string]map[string]projection.Reference
	decisions map[string]projection.Decision
	tasks     map[string]projection.Task
	risks     map[string]projection.Risk
	proposals map[string]projection.Proposal
	issues    []projection.Issue
}

func newState(ws string) *state {
	return &state{
		cursor:    projection.Cursor{WorkspaceID: ws},
		entries:   map[string]projection.MemoryEntry{},
		refs:      map[string]map[string]projection.Reference{},
		decisions: map[string]projection.Decision{},
		tasks:     map[string]projection.Task{},
		risks:     map[string]projection.Risk{},
		proposals: map[string]projection.Proposal{},
	}
}

func (s *state) clone() *state {
	c := &state{
		cursor:    s.cursor,
		entries:   make(map[string]projection.MemoryEntry, len(s.entries)),
		refs:      make(map[string]map[string]projection.Reference, len(s.refs)),
		decisions: make(map[string]projection.Decision, len(s.decisions)),
		tasks:     make(map[string]projection.Task, len(s.tasks)),
		risks:     make(map[string]projection.Risk, len(s.risks)),
		proposals: make(map[string]projection.Proposal, len(s.proposals)),
		issues:    append([]projection.Issue(nil), s.issues...),
	}
	for k, v := range s.entries {
		c.entries[k] = v
	}
	for k, m := range s.refs {
		cm := make(map[string]projection.Reference, len(m))
		for ek, r := range m {
			cm[ek] = r
		}
		c.refs[k] = cm
	}
	for k, v := range s.decisions {
		c.decisions[k] = v
	}
	for k, v := range s.tasks {
		c.tasks[k] = v
	}
	for k, v := range s.risks {
		c.risks[k] = v
	}
	for k, v := range s.proposals {
		c.proposals[k] = v
	}
	return c
}

// New returns an empty store.
func New() *Store {
	return &Store{
		byID: map[string]int{},
		ws:   map[string]*state{},
		now:  time.Now,
	}
}

// FailNext makes the next n store operations return store.ErrStorage.
func (s *Store) FailNext(n int) {
	s.mu.Lock()
	s.failNext = n
	s.mu.Unlock()
}

// fail consumes one injected failure. Callers hold s.mu for writing.
func (s *Store) fail(op string) error {
	if s.failNext > 0 {
		s.failNext--
		return &failure{op: op}
	}
	return nil
}

type failure struct{ op string }

func (f *failure) Error() string { return f.op + ": " + store.ErrStorage.Error() }
func (f *failure) Unwrap() error { return store.ErrStorage }

func (s *Store) InsertEvent(_ context.Context, rec envelope.Record) (envelope.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("insert event"); err != nil {
		return envelope.Record{}, false, err
	}
	if i, ok := s.byID[rec.EventID]; ok {
		return s.events[i], false, nil
	}
	s.seq++
	rec.Seq = s.seq
	if rec.IngestedAt.IsZero() {
		rec.IngestedAt = s.now().UTC().Truncate(time.Microsecond)
	}
	s.byID[rec.EventID] = len(s.events)
	s.events = append(s.events, rec)
	return rec, true, nil
}

func (s *Store) QueryEvents(_ context.Context, q store.EventQuery) ([]envelope.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit := q.Limit
	if limit <= 0 {
		limit = store.DefaultQueryLimit
	}
	var out []envelope.Record
	skipped := 0
	for _, rec := range s.events {
		if q.WorkspaceID != "" && rec.WorkspaceID != q.WorkspaceID {
			continue
		}
		if q.Type != "" && rec.Type != q.Type {
			continue
		}
		if !q.After.IsZero() && rec.TS.Before(q.After) {
			continue
		}
		if !q.Before.IsZero() && !rec.TS.Before(q.Before) {
			continue
		}
		if skipped < q.Offset {
			skipped++
			continue
		}
		out = append(out, rec)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) WorkspaceEvents(_ context.Context, workspaceID string) ([]envelope.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workspaceEvents(workspaceID), nil
}

func (s *Store) workspaceEvents(workspaceID string) []envelope.Record {
	var out []envelope.Record
	for _, rec := range s.events {
		if rec.WorkspaceID == workspaceID {
			out = append(out, rec)
		}
	}
	return out
}

func (s *Store) Ping(context.Context) error { return nil }

// Update runs fn against a copy of the workspace state and installs the copy only if fn succeeds.
func (s *Store) Update(ctx context.Context, workspaceID string, fn func(projection.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("update"); err != nil {
		return err
	}
	cur, ok := s.ws[workspaceID]
	if !ok {
		cur = newState(workspaceID)
	}
	t := &tx{store: s, ws: workspaceID, st: cur.clone()}
	if err := fn(t); err != nil {
		return err
	}
	s.ws[workspaceID] = t.st
	return nil
}

func (s *Store) snapshot(workspaceID string) *state {
	if st, ok := s.ws[workspaceID]; ok {
		return st
	}
	return newState(workspaceID)
}

func (s *Store) Entries(_ context.Context, q projection.MemoryQuery) ([]projection.MemoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.snapshot(q.WorkspaceID)
	var out []projection.MemoryEntry
	for _, e := range st.entries {
		if q.Bucket != "" && e.Bucket != q.Bucket {
			continue
		}
		if q.Status != "" && e.Status != q.Status {
			continue
		}
		if !q.IncludeExpired && e.Expired(q.Now) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].EntryID < out[j].EntryID
	})
	return limit(out, q.Limit), nil
}

func (s *Store) Decisions(_ context.Context, q projection.ListQuery) ([]projection.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []projection.Decision
	for _, d := range s.snapshot(q.WorkspaceID).decisions {
		if !q.Since.IsZero() && d.TS.Before(q.Since) {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].TS.Equal(out[j].TS) {
			return out[i].TS.After(out[j].TS)
		}
		return out[i].DecisionID < out[j].DecisionID
	})
	return limit(out, q.Limit), nil
}

func (s *Store) Tasks(_ context.Context, q projection.ListQuery, activeOnly bool) ([]projection.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []projection.Task
	for _, t := range s.snapshot(q.WorkspaceID).tasks {
		if activeOnly && t.Terminal() {
			continue
		}
		if !q.Since.IsZero() && t.UpdatedAt.Before(q.Since) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].TaskID < out[j].TaskID
	})
	return limit(out, q.Limit), nil
}

func (s *Store) Risks(_ context.Context, q projection.ListQuery, severities ...envelope.Severity) ([]projection.Risk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	allowed := map[envelope.Severity]bool{}
	for _, sev := range severities {
		allowed[sev] = true
	}
	var out []projection.Risk
	for _, r := range s.snapshot(q.WorkspaceID).risks {
		if len(allowed) > 0 && !allowed[r.Severity] {
			continue
		}
		if !q.Since.IsZero() && r.TS.Before(q.Since) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].TS.Equal(out[j].TS) {
			return out[i].TS.After(out[j].TS)
		}
		return out[i].RiskID < out[j].RiskID
	})
	return limit(out, q.Limit), nil
}

func (s *Store) Proposals(_ context.Context, q projection.ListQuery) ([]projection.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []projection.Proposal
	for _, p := range s.snapshot(q.WorkspaceID).proposals {
		if !q.Since.IsZero() && p.TS.Before(q.Since) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].TS.Equal(out[j].TS) {
			return out[i].TS.After(out[j].TS)
		}
		return out[i].ProposalID < out[j].ProposalID
	})
	return limit(out, q.Limit), nil
}

func (s *Store) Issues(_ context.Context, q projection.ListQuery) ([]projection.Issue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []projection.Issue
	for _, is := range s.snapshot(q.WorkspaceID).issues {
		if !q.Since.IsZero() && is.TS.Before(q.Since) {
			continue
		}
		out = append(out, is)
	}
	return limit(out, q.Limit), nil
}

func (s *Store) CursorOf(_ context.Context, workspaceID string) (projection.Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot(workspaceID).cursor, nil
}

// References returns the stored references of one entry ordered by event id.
func (s *Store) References(workspaceID, entryID string) []projection.Reference {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []projection.Reference
	for _, r := range s.snapshot(workspaceID).refs[entryID] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventID < out[j].EventID })
	return out
}

func limit[T any](items []T, n int) []T {
	if n > 0 && len(items) > n {
		return items[:n]
	}
	return items
}
