package store

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/mohammad-safakhou/satlog/internal/projection"
)

var _ projection.Locker = (*AdvisoryLocker)(nil)

// AdvisoryLocker coordinates replays across processes sharing one Postgres
// with session-level advisory locks. Each held lock pins a pooled connection
// until release.
type AdvisoryLocker struct {
	db     *sql.DB
	prefix string
}

func NewAdvisoryLocker(db *sql.DB) *AdvisoryLocker {
	return &AdvisoryLocker{db: db, prefix: "satlog:replay:"}
}

// Locker returns an advisory locker over the store's pool.
func (s *Store) Locker() *AdvisoryLocker { return NewAdvisoryLocker(s.DB) }

func (l *AdvisoryLocker) TryLock(ctx context.Context, workspaceID string) (func(), error) {
	key := l.prefix + workspaceID
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, storageErr("replay lock", err)
	}
	var ok bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, key).Scan(&ok); err != nil {
		_ = conn.Close()
		return nil, storageErr("replay lock", err)
	}
	if !ok {
		_ = conn.Close()
		return nil, projection.ErrReplayConflict
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_, _ = conn.ExecContext(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, key)
			_ = conn.Close()
		})
	}, nil
}
