package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/mohammad-safakhou/satlog/internal/envelope"
)

// Store is the Postgres-backed event store and projection store.
type Store struct {
	DB *sql.DB
}

// ErrStorage marks failures of the durable store. Callers retry these.
var ErrStorage = errors.New("storage failure")

// EventQuery filters stored events. After is inclusive and Before exclusive; zero
// values leave the bound open. Results are ordered by seq.
type EventQuery struct {
	WorkspaceID string
	Type        string
	After       time.Time
	Before      time.Time
	Limit       int
	Offset      int
}

// EventStore is the append-only, idempotent history.
type EventStore interface {
	// InsertEvent stores rec once. A repeated event id returns the stored row and inserted=false.
	InsertEvent(ctx context.Context, rec envelope.Record) (stored envelope.Record, inserted bool, err error)
	QueryEvents(ctx context.Context, q EventQuery) ([]envelope.Record, error)
	WorkspaceEvents(ctx context.Context, workspaceID string) ([]envelope.Record, error)
	Ping(ctx context.Context) error
}

// DefaultQueryLimit applies when an EventQuery carries no limit.
const DefaultQueryLimit = 100

// NewWithDSN constructs the Store using an explicit Postgres DSN
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{DB: db}, nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.DB.PingContext(ctx); err != nil {
		return storageErr("ping", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.DB.Close() }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorage) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}

// IsStorage reports whether err came from the durable store.
func IsStorage(err error) bool { return errors.Is(err, ErrStorage) }
