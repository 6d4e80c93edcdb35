package store

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/mohammad-safakhou/satlog/internal/envelope"
)

var eventRowColumns = []string{"seq", "event_id", "schema_version", "ts", "workspace_id", "satellite_id", "trace_id", "type", "severity", "confidence", "payload", "log_partition", "log_offset", "ingested_at"}

func sampleRecord() envelope.Record {
	return envelope.Record{
		Envelope: envelope.Envelope{
			EventID:       "6f1c1e5e-2b1e-4d53-9f5e-1f1d1c3f9a10",
			SchemaVersion: 1,
			TS:            time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
			WorkspaceID:   "ws-alpha",
			SatelliteID:   "sat-1",
			TraceID:       "0b7b7f3c-7a8e-4a47-8f21-1a2b3c4d5e6f",
			Type:          envelope.TypeTaskCreated,
			Severity:      envelope.SeverityLow,
			Confidence:    0.5,
			Payload:       json.RawMessage(`{"task_id":"t-1"}`),
		},
		Partition: 2,
		Offset:    41,
	}
}

func TestInsertEventNew(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	rec := sampleRecord()
	ingested := time.Date(2026, 3, 1, 10, 0, 1, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta(`ON CONFLICT (event_id) DO NOTHING
RETURNING seq, ingested_at`)).
		WithArgs(rec.EventID, 1, rec.TS, rec.WorkspaceID, rec.SatelliteID, rec.TraceID, rec.Type, "low", 0.5, []byte(rec.Payload), 2, int64(41)).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "ingested_at"}).AddRow(int64(7), ingested))

	stored, inserted, err := st.InsertEvent(context.Background(), rec)
	if err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}
	if !inserted || stored.Seq != 7 || !stored.IngestedAt.Equal(ingested) {
		t.Fatalf("unexpected result inserted=%v rec=%+v", inserted, stored)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestInsertEventDuplicateReturnsStoredRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	rec := sampleRecord()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO events`)).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "ingested_at"}))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM events WHERE event_id=$1`)).
		WithArgs(rec.EventID).
		WillReturnRows(sqlmock.NewRows(eventRowColumns).AddRow(
			int64(3), rec.EventID, 1, rec.TS, rec.WorkspaceID, rec.SatelliteID, rec.TraceID, rec.Type, "low", 0.5,
			[]byte(`{"task_id":"t-1"}`), 0, int64(0), rec.TS))

	stored, inserted, err := st.InsertEvent(context.Background(), rec)
	if err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}
	if inserted {
		t.Fatalf("duplicate reported as inserted")
	}
	if stored.Seq != 3 || string(stored.Payload) != `{"task_id":"t-1"}` {
		t.Fatalf("unexpected stored record %+v", stored)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestInsertEventFailureIsStorageError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO events`)).WillReturnError(errors.New("connection refused"))
	_, _, err = st.InsertEvent(context.Background(), sampleRecord())
	if !IsStorage(err) {
		t.Fatalf("expected storage error, got %v", err)
	}
}

func TestQueryEventsBuildsFilters(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	after := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	before := after.Add(24 * time.Hour)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM events WHERE workspace_id=$1 AND type=$2 AND ts>=$3 AND ts<$4 ORDER BY seq LIMIT $5 OFFSET $6`)).
		WithArgs("ws-alpha", envelope.TypeTaskCreated, after, before, 25, 50).
		WillReturnRows(sqlmock.NewRows(eventRowColumns))

	out, err := st.QueryEvents(context.Background(), EventQuery{
		WorkspaceID: "ws-alpha", Type: envelope.TypeTaskCreated, After: after, Before: before, Limit: 25, Offset: 50,
	})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected no rows, got %d", len(out))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestQueryEventsDefaultLimit(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	mock.ExpectQuery(regexp.QuoteMeta(`FROM events ORDER BY seq LIMIT $1`)).
		WithArgs(DefaultQueryLimit).
		WillReturnRows(sqlmock.NewRows(eventRowColumns))
	if _, err := st.QueryEvents(context.Background(), EventQuery{}); err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
