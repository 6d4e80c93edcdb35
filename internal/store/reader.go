package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/lib/pq"

	"github.com/mohammad-safakhou/satlog/internal/envelope"
	"github.com/mohammad-safakhou/satlog/internal/projection"
)

const (
	taskColumns     = `task_id, workspace_id, title, status, payload, created_event_id, updated_event_id, created_at, updated_at`
	riskColumns     = `risk_id, workspace_id, kind, event_id, title, severity, confidence, payload, ts`
	decisionColumns = `decision_id, workspace_id, event_id, trace_id, title, severity, confidence, payload, ts`
)

func scanTask(row rowScanner) (projection.Task, error) {
	var (
		t       projection.Task
		payload []byte
	)
	if err := row.Scan(&t.TaskID, &t.WorkspaceID, &t.Title, &t.Status, &payload, &t.CreatedEventID, &t.UpdatedEventID,
		&t.CreatedAt, &t.UpdatedAt); err != nil {
		return projection.Task{}, err
	}
	t.Payload = json.RawMessage(append([]byte(nil), payload...))
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return t, nil
}

// collect runs query and scans every row with scan.
func collect[T any](ctx context.Context, db *sql.DB, op, query string, args []interface{}, scan func(rowScanner) (T, error)) ([]T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, storageErr(op, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}
	return out, nil
}

func (s *Store) Entries(ctx context.Context, q projection.MemoryQuery) ([]projection.MemoryEntry, error) {
	var f filter
	f.add("workspace_id=$%d", q.WorkspaceID)
	if q.Bucket != "" {
		f.add("bucket=$%d", string(q.Bucket))
	}
	if q.Status != "" {
		f.add("status=$%d", string(q.Status))
	}
	if !q.IncludeExpired && !q.Now.IsZero() {
		f.add("(expires_at IS NULL OR expires_at > $%d)", q.Now.UTC())
	}
	query, args := f.build(`SELECT `+entryColumns+` FROM memory_entries`, "created_at, entry_id", q.Limit, 0)
	return collect(ctx, s.DB, "list entries", query, args, scanEntry)
}

func (s *Store) Decisions(ctx context.Context, q projection.ListQuery) ([]projection.Decision, error) {
	var f filter
	f.add("workspace_id=$%d", q.WorkspaceID)
	if !q.Since.IsZero() {
		f.add("ts >= $%d", q.Since.UTC())
	}
	query, args := f.build(`SELECT `+decisionColumns+` FROM decisions`, "ts DESC, decision_id", q.Limit, 0)
	return collect(ctx, s.DB, "list decisions", query, args, func(row rowScanner) (projection.Decision, error) {
		var (
			d        projection.Decision
			severity string
			payload  []byte
		)
		if err := row.Scan(&d.DecisionID, &d.WorkspaceID, &d.EventID, &d.TraceID, &d.Title, &severity, &d.Confidence, &payload, &d.TS); err != nil {
			return projection.Decision{}, err
		}
		d.Severity = envelope.Severity(severity)
		d.Payload = json.RawMessage(append([]byte(nil), payload...))
		d.TS = d.TS.UTC()
		return d, nil
	})
}

func (s *Store) Tasks(ctx context.Context, q projection.ListQuery, activeOnly bool) ([]projection.Task, error) {
	var f filter
	f.add("workspace_id=$%d", q.WorkspaceID)
	if activeOnly {
		f.add("status <> ALL($%d)", pq.Array(projection.TerminalTaskStatuses()))
	}
	if !q.Since.IsZero() {
		f.add("updated_at >= $%d", q.Since.UTC())
	}
	query, args := f.build(`SELECT `+taskColumns+` FROM tasks`, "updated_at DESC, task_id", q.Limit, 0)
	return collect(ctx, s.DB, "list tasks", query, args, scanTask)
}

func (s *Store) Risks(ctx context.Context, q projection.ListQuery, severities ...envelope.Severity) ([]projection.Risk, error) {
	var f filter
	f.add("workspace_id=$%d", q.WorkspaceID)
	if len(severities) > 0 {
		sev := make([]string, len(severities))
		for i, v := range severities {
			sev[i] = string(v)
		}
		f.add("severity = ANY($%d)", pq.Array(sev))
	}
	if !q.Since.IsZero() {
		f.add("ts >= $%d", q.Since.UTC())
	}
	query, args := f.build(`SELECT `+riskColumns+` FROM risks`, "ts DESC, risk_id", q.Limit, 0)
	return collect(ctx, s.DB, "list risks", query, args, func(row rowScanner) (projection.Risk, error) {
		var (
			r        projection.Risk
			severity string
			payload  []byte
		)
		if err := row.Scan(&r.RiskID, &r.WorkspaceID, &r.Kind, &r.EventID, &r.Title, &severity, &r.Confidence, &payload, &r.TS); err != nil {
			return projection.Risk{}, err
		}
		r.Severity = envelope.Severity(severity)
		r.Payload = json.RawMessage(append([]byte(nil), payload...))
		r.TS = r.TS.UTC()
		return r, nil
	})
}

func (s *Store) Proposals(ctx context.Context, q projection.ListQuery) ([]projection.Proposal, error) {
	var f filter
	f.add("workspace_id=$%d", q.WorkspaceID)
	if !q.Since.IsZero() {
		f.add("ts >= $%d", q.Since.UTC())
	}
	query, args := f.build(`SELECT proposal_id, workspace_id, event_id, title, payload, ts FROM proposals`, "ts DESC, proposal_id", q.Limit, 0)
	return collect(ctx, s.DB, "list proposals", query, args, func(row rowScanner) (projection.Proposal, error) {
		var (
			p       projection.Proposal
			payload []byte
		)
		if err := row.Scan(&p.ProposalID, &p.WorkspaceID, &p.EventID, &p.Title, &payload, &p.TS); err != nil {
			return projection.Proposal{}, err
		}
		p.Payload = json.RawMessage(append([]byte(nil), payload...))
		p.TS = p.TS.UTC()
		return p, nil
	})
}

func (s *Store) Issues(ctx context.Context, q projection.ListQuery) ([]projection.Issue, error) {
	var f filter
	f.add("workspace_id=$%d", q.WorkspaceID)
	if !q.Since.IsZero() {
		f.add("ts >= $%d", q.Since.UTC())
	}
	query, args := f.build(`SELECT workspace_id, event_id, event_type, kind, detail, ts FROM projection_issues`, "id", q.Limit, 0)
	return collect(ctx, s.DB, "list issues", query, args, func(row rowScanner) (projection.Issue, error) {
		var is projection.Issue
		if err := row.Scan(&is.WorkspaceID, &is.EventID, &is.EventType, &is.Kind, &is.Detail, &is.TS); err != nil {
			return projection.Issue{}, err
		}
		is.TS = is.TS.UTC()
		return is, nil
	})
}

// CursorOf reads a workspace cursor without locking it. A workspace never applied to is at the origin.
func (s *Store) CursorOf(ctx context.Context, workspaceID string) (projection.Cursor, error) {
	c := projection.Cursor{WorkspaceID: workspaceID}
	var ts sql.NullTime
	err := s.DB.QueryRowContext(ctx, `
SELECT last_seq, last_event_id, last_event_ts, events_applied
FROM projection_cursors
WHERE workspace_id=$1
`, workspaceID).Scan(&c.LastSeq, &c.LastEventID, &ts, &c.EventsApplied)
	if errors.Is(err, sql.ErrNoRows) {
		return c, nil
	}
	if err != nil {
		return projection.Cursor{}, storageErr("read cursor", err)
	}
	if ts.Valid {
		c.LastEventTS = ts.Time.UTC()
	}
	return c, nil
}
