package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/mohammad-safakhou/satlog/internal/envelope"
)

const eventColumns = `seq, event_id, schema_version, ts, workspace_id, satellite_id, trace_id, type, severity, confidence, payload, log_partition, log_offset, ingested_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (envelope.Record, error) {
	var (
		rec      envelope.Record
		severity string
		payload  []byte
	)
	if err := row.Scan(&rec.Seq, &rec.EventID, &rec.SchemaVersion, &rec.TS, &rec.WorkspaceID, &rec.SatelliteID,
		&rec.TraceID, &rec.Type, &severity, &rec.Confidence, &payload, &rec.Partition, &rec.Offset, &rec.IngestedAt); err != nil {
		return envelope.Record{}, err
	}
	rec.Severity = envelope.Severity(severity)
	rec.Payload = json.RawMessage(append([]byte(nil), payload...))
	rec.TS = rec.TS.UTC()
	rec.IngestedAt = rec.IngestedAt.UTC()
	return rec, nil
}

// InsertEvent stores rec unless its event id is already present.
func (s *Store) InsertEvent(ctx context.Context, rec envelope.Record) (envelope.Record, bool, error) {
	payload := []byte(rec.Payload)
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO events (event_id, schema_version, ts, workspace_id, satellite_id, trace_id, type, severity, confidence, payload, log_partition, log_offset)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (event_id) DO NOTHING
RETURNING seq, ingested_at
`, rec.EventID, rec.SchemaVersion, rec.TS.UTC(), rec.WorkspaceID, rec.SatelliteID, rec.TraceID, rec.Type,
		string(rec.Severity), rec.Confidence, payload, rec.Partition, rec.Offset).Scan(&rec.Seq, &rec.IngestedAt)
	switch {
	case err == nil:
		rec.IngestedAt = rec.IngestedAt.UTC()
		rec.Payload = payload
		return rec, true, nil
	case errors.Is(err, sql.ErrNoRows):
		existing, err := scanRecord(s.DB.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE event_id=$1`, rec.EventID))
		if err != nil {
			return envelope.Record{}, false, storageErr("load duplicate event", err)
		}
		return existing, false, nil
	default:
		return envelope.Record{}, false, storageErr("insert event", err)
	}
}

// QueryEvents returns events matching q ordered by seq.
func (s *Store) QueryEvents(ctx context.Context, q EventQuery) ([]envelope.Record, error) {
	var f filter
	if q.WorkspaceID != "" {
		f.add("workspace_id=$%d", q.WorkspaceID)
	}
	if q.Type != "" {
		f.add("type=$%d", q.Type)
	}
	if !q.After.IsZero() {
		f.add("ts>=$%d", q.After.UTC())
	}
	if !q.Before.IsZero() {
		f.add("ts<$%d", q.Before.UTC())
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	query, args := f.build(`SELECT `+eventColumns+` FROM events`, "seq", limit, q.Offset)
	return s.queryRecords(ctx, "query events", query, args...)
}

// WorkspaceEvents returns the full history of one workspace in seq order.
func (s *Store) WorkspaceEvents(ctx context.Context, workspaceID string) ([]envelope.Record, error) {
	return s.queryRecords(ctx, "workspace events", `SELECT `+eventColumns+` FROM events WHERE workspace_id=$1 ORDER BY seq`, workspaceID)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func (s *Store) queryRecords(ctx context.Context, op, query string, args ...interface{}) ([]envelope.Record, error) {
	return queryRecords(ctx, s.DB, op, query, args...)
}

func queryRecords(ctx context.Context, q queryer, op, query string, args ...interface{}) ([]envelope.Record, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()
	var out []envelope.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, storageErr(op, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}
	return out, nil
}
