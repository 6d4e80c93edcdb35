package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/mohammad-safakhou/satlog/internal/envelope"
	"github.com/mohammad-safakhou/satlog/internal/projection"
)

var _ projection.Store = (*Store)(nil)

const entryColumns = `entry_id, workspace_id, bucket, key, value, status, confidence, source_event_id, trace_id, decision_lineage,
promoted_at, promoted_by, retracted_at, retracted_by, expires_at, created_at, updated_at`

func scanEntry(row rowScanner) (projection.MemoryEntry, error) {
	var (
		e                                 projection.MemoryEntry
		bucket, status                    string
		value                             []byte
		promotedAt, retractedAt, expireAt sql.NullTime
	)
	if err := row.Scan(&e.EntryID, &e.WorkspaceID, &bucket, &e.Key, &value, &status, &e.Confidence, &e.SourceEventID,
		&e.TraceID, &e.DecisionLineage, &promotedAt, &e.PromotedBy, &retractedAt, &e.RetractedBy, &expireAt,
		&e.CreatedAt, &e.UpdatedAt); err != nil {
		return projection.MemoryEntry{}, err
	}
	e.Bucket = projection.Bucket(bucket)
	e.Status = projection.Status(status)
	e.Value = json.RawMessage(append([]byte(nil), value...))
	e.PromotedAt = timePtr(promotedAt)
	e.RetractedAt = timePtr(retractedAt)
	e.ExpiresAt = timePtr(expireAt)
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return e, nil
}

// Update runs fn in one database transaction. The workspace cursor row is
// created on demand so Tx.Cursor can lock it.
func (s *Store) Update(ctx context.Context, workspaceID string, fn func(projection.Tx) error) (err error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, `INSERT INTO projection_cursors (workspace_id) VALUES ($1) ON CONFLICT (workspace_id) DO NOTHING`, workspaceID); err != nil {
		return storageErr("ensure cursor", err)
	}
	if err = fn(&pgTx{tx: tx, ws: workspaceID}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return storageErr("commit", err)
	}
	return nil
}

type pgTx struct {
	tx *sql.Tx
	ws string
}

func (p *pgTx) exec(ctx context.Context, op, query string, args ...interface{}) error {
	if _, err := p.tx.ExecContext(ctx, query, args...); err != nil {
		return storageErr(op, err)
	}
	return nil
}

func (p *pgTx) exists(ctx context.Context, op, query string, args ...interface{}) (bool, error) {
	var ok bool
	if err := p.tx.QueryRowContext(ctx, query, args...).Scan(&ok); err != nil {
		return false, storageErr(op, err)
	}
	return ok, nil
}

func (p *pgTx) Cursor(ctx context.Context) (projection.Cursor, error) {
	c := projection.Cursor{WorkspaceID: p.ws}
	var ts sql.NullTime
	err := p.tx.QueryRowContext(ctx, `
SELECT last_seq, last_event_id, last_event_ts, events_applied
FROM projection_cursors
WHERE workspace_id=$1
FOR UPDATE
`, p.ws).Scan(&c.LastSeq, &c.LastEventID, &ts, &c.EventsApplied)
	if err != nil {
		return projection.Cursor{}, storageErr("lock cursor", err)
	}
	if ts.Valid {
		c.LastEventTS = ts.Time.UTC()
	}
	return c, nil
}

func (p *pgTx) SaveCursor(ctx context.Context, c projection.Cursor) error {
	var ts interface{}
	if !c.LastEventTS.IsZero() {
		ts = c.LastEventTS.UTC()
	}
	return p.exec(ctx, "save cursor", `
UPDATE projection_cursors
SET last_seq=$2, last_event_id=$3, last_event_ts=$4, events_applied=$5, updated_at=NOW()
WHERE workspace_id=$1
`, p.ws, c.LastSeq, c.LastEventID, ts, c.EventsApplied)
}

func (p *pgTx) Reset(ctx context.Context) (int64, error) {
	for _, table := range []string{"memory_references", "decisions", "tasks", "risks", "proposals", "projection_issues"} {
		if err := p.exec(ctx, "reset "+table, `DELETE FROM `+table+` WHERE workspace_id=$1`, p.ws); err != nil {
			return 0, err
		}
	}
	res, err := p.tx.ExecContext(ctx, `DELETE FROM memory_entries WHERE workspace_id=$1`, p.ws)
	if err != nil {
		return 0, storageErr("reset memory_entries", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("reset memory_entries", err)
	}
	if err := p.SaveCursor(ctx, projection.Cursor{WorkspaceID: p.ws}); err != nil {
		return 0, err
	}
	return n, nil
}

func (p *pgTx) Events(ctx context.Context) ([]envelope.Record, error) {
	return queryRecords(ctx, p.tx, "workspace events", `SELECT `+eventColumns+` FROM events WHERE workspace_id=$1 ORDER BY seq`, p.ws)
}

func (p *pgTx) Entry(ctx context.Context, entryID string) (projection.MemoryEntry, bool, error) {
	e, err := scanEntry(p.tx.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM memory_entries WHERE workspace_id=$1 AND entry_id=$2`, p.ws, entryID))
	if errors.Is(err, sql.ErrNoRows) {
		return projection.MemoryEntry{}, false, nil
	}
	if err != nil {
		return projection.MemoryEntry{}, false, storageErr("load entry", err)
	}
	return e, true, nil
}

func (p *pgTx) SourceExists(ctx context.Context, sourceEventID string) (bool, error) {
	return p.exists(ctx, "source exists",
		`SELECT EXISTS (SELECT 1 FROM memory_entries WHERE workspace_id=$1 AND source_event_id=$2)`, p.ws, sourceEventID)
}

func (p *pgTx) MatchingEntries(ctx context.Context, keys, entryIDs []string) ([]projection.MemoryEntry, error) {
	rows, err := p.tx.QueryContext(ctx, `
SELECT `+entryColumns+`
FROM memory_entries
WHERE workspace_id=$1 AND ((key <> '' AND key = ANY($2)) OR entry_id = ANY($3))
ORDER BY entry_id
`, p.ws, pq.Array(keys), pq.Array(entryIDs))
	if err != nil {
		return nil, storageErr("matching entries", err)
	}
	defer rows.Close()
	var out []projection.MemoryEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, storageErr("matching entries", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("matching entries", err)
	}
	return out, nil
}

func (p *pgTx) PutEntry(ctx context.Context, e projection.MemoryEntry) error {
	return p.exec(ctx, "put entry", `
INSERT INTO memory_entries (`+entryColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
ON CONFLICT (workspace_id, entry_id) DO UPDATE SET
  bucket = EXCLUDED.bucket,
  key = EXCLUDED.key,
  value = EXCLUDED.value,
  status = EXCLUDED.status,
  confidence = EXCLUDED.confidence,
  decision_lineage = EXCLUDED.decision_lineage,
  promoted_at = EXCLUDED.promoted_at,
  promoted_by = EXCLUDED.promoted_by,
  retracted_at = EXCLUDED.retracted_at,
  retracted_by = EXCLUDED.retracted_by,
  expires_at = EXCLUDED.expires_at,
  updated_at = EXCLUDED.updated_at
`, e.EntryID, p.ws, string(e.Bucket), e.Key, []byte(e.Value), string(e.Status), e.Confidence, e.SourceEventID, e.TraceID,
		e.DecisionLineage, nullTime(e.PromotedAt), e.PromotedBy, nullTime(e.RetractedAt), e.RetractedBy, nullTime(e.ExpiresAt),
		e.CreatedAt.UTC(), e.UpdatedAt.UTC())
}

func (p *pgTx) AddReference(ctx context.Context, r projection.Reference) error {
	return p.exec(ctx, "add reference", `
INSERT INTO memory_references (workspace_id, entry_id, event_id, event_type, satellite_id, ts)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (workspace_id, entry_id, event_id) DO NOTHING
`, p.ws, r.EntryID, r.EventID, r.EventType, r.SatelliteID, r.TS.UTC())
}

func (p *pgTx) CountReferences(ctx context.Context, entryID string, after, upTo time.Time) (int, error) {
	var n int
	err := p.tx.QueryRowContext(ctx, `
SELECT COUNT(DISTINCT event_id) FROM memory_references
WHERE workspace_id=$1 AND entry_id=$2 AND ts > $3 AND ts <= $4
`, p.ws, entryID, after.UTC(), upTo.UTC()).Scan(&n)
	if err != nil {
		return 0, storageErr("count references", err)
	}
	return n, nil
}

func (p *pgTx) DecisionByEvent(ctx context.Context, eventID string) (bool, error) {
	return p.exists(ctx, "decision by event",
		`SELECT EXISTS (SELECT 1 FROM decisions WHERE workspace_id=$1 AND event_id=$2)`, p.ws, eventID)
}

func (p *pgTx) DecisionInTrace(ctx context.Context, traceID string) (bool, error) {
	return p.exists(ctx, "decision in trace",
		`SELECT EXISTS (SELECT 1 FROM decisions WHERE workspace_id=$1 AND trace_id=$2)`, p.ws, traceID)
}

func (p *pgTx) PutDecision(ctx context.Context, d projection.Decision) error {
	return p.exec(ctx, "put decision", `
INSERT INTO decisions (workspace_id, decision_id, event_id, trace_id, title, severity, confidence, payload, ts)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (workspace_id, decision_id) DO UPDATE SET
  event_id = EXCLUDED.event_id,
  trace_id = EXCLUDED.trace_id,
  title = EXCLUDED.title,
  severity = EXCLUDED.severity,
  confidence = EXCLUDED.confidence,
  payload = EXCLUDED.payload,
  ts = EXCLUDED.ts
`, p.ws, d.DecisionID, d.EventID, d.TraceID, d.Title, string(d.Severity), d.Confidence, []byte(d.Payload), d.TS.UTC())
}

func (p *pgTx) Task(ctx context.Context, taskID string) (projection.Task, bool, error) {
	t, err := scanTask(p.tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE workspace_id=$1 AND task_id=$2`, p.ws, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return projection.Task{}, false, nil
	}
	if err != nil {
		return projection.Task{}, false, storageErr("load task", err)
	}
	return t, true, nil
}

func (p *pgTx) PutTask(ctx context.Context, t projection.Task) error {
	return p.exec(ctx, "put task", `
INSERT INTO tasks (`+taskColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (workspace_id, task_id) DO UPDATE SET
  title = EXCLUDED.title,
  status = EXCLUDED.status,
  payload = EXCLUDED.payload,
  updated_event_id = EXCLUDED.updated_event_id,
  updated_at = EXCLUDED.updated_at
`, t.TaskID, p.ws, t.Title, t.Status, []byte(t.Payload), t.CreatedEventID, t.UpdatedEventID, t.CreatedAt.UTC(), t.UpdatedAt.UTC())
}

func (p *pgTx) PutRisk(ctx context.Context, r projection.Risk) error {
	return p.exec(ctx, "put risk", `
INSERT INTO risks (`+riskColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (workspace_id, risk_id) DO UPDATE SET
  kind = EXCLUDED.kind,
  event_id = EXCLUDED.event_id,
  title = EXCLUDED.title,
  severity = EXCLUDED.severity,
  confidence = EXCLUDED.confidence,
  payload = EXCLUDED.payload,
  ts = EXCLUDED.ts
`, r.RiskID, p.ws, r.Kind, r.EventID, r.Title, string(r.Severity), r.Confidence, []byte(r.Payload), r.TS.UTC())
}

func (p *pgTx) PutProposal(ctx context.Context, pr projection.Proposal) error {
	return p.exec(ctx, "put proposal", `
INSERT INTO proposals (proposal_id, workspace_id, event_id, title, payload, ts)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (workspace_id, proposal_id) DO UPDATE SET
  event_id = EXCLUDED.event_id,
  title = EXCLUDED.title,
  payload = EXCLUDED.payload,
  ts = EXCLUDED.ts
`, pr.ProposalID, p.ws, pr.EventID, pr.Title, []byte(pr.Payload), pr.TS.UTC())
}

func (p *pgTx) RecordIssue(ctx context.Context, is projection.Issue) error {
	return p.exec(ctx, "record issue", `
INSERT INTO projection_issues (workspace_id, event_id, event_type, kind, detail, ts)
VALUES ($1,$2,$3,$4,$5,$6)
`, p.ws, is.EventID, is.EventType, is.Kind, is.Detail, is.TS.UTC())
}
