package projection

import (
	"context"
	"time"

	"github.com/mohammad-safakhou/satlog/internal/envelope"
)

// Tx is a unit of work scoped to one workspace. Every change made through a Tx
// commits together or not at all.
type Tx interface {
	// Cursor returns the workspace cursor, holding it exclusively until the Tx ends.
	Cursor(ctx context.Context) (Cursor, error)
	SaveCursor(ctx context.Context, c Cursor) error
	// Reset deletes every derived row of the workspace and returns the number of memory entries removed.
	Reset(ctx context.Context) (int64, error)
	// Events returns the workspace's stored events in log order.
	Events(ctx context.Context) ([]envelope.Record, error)

	Entry(ctx context.Context, entryID string) (MemoryEntry, bool, error)
	SourceExists(ctx context.Context, sourceEventID string) (bool, error)
	// MatchingEntries returns entries whose key is in keys or whose id is in entryIDs, ordered by entry id.
	MatchingEntries(ctx context.Context, keys, entryIDs []string) ([]MemoryEntry, error)
	PutEntry(ctx context.Context, e MemoryEntry) error

	AddReference(ctx context.Context, r Reference) error
	// CountReferences counts distinct referencing events with after < ts <= upTo.
	CountReferences(ctx context.Context, entryID string, after, upTo time.Time) (int, error)

	DecisionByEvent(ctx context.Context, eventID string) (bool, error)
	DecisionInTrace(ctx context.Context, traceID string) (bool, error)
	PutDecision(ctx context.Context, d Decision) error

	Task(ctx context.Context, taskID string) (Task, bool, error)
	PutTask(ctx context.Context, t Task) error
	PutRisk(ctx context.Context, r Risk) error
	PutProposal(ctx context.Context, p Proposal) error
	RecordIssue(ctx context.Context, i Issue) error
}

// MemoryQuery filters memory entries for reads. Zero-valued filters match everything.
type MemoryQuery struct {
	WorkspaceID    string
	Bucket         Bucket
	Status         Status
	IncludeExpired bool
	Now            time.Time
	Limit          int
}

// ListQuery bounds a read of decisions, tasks, risks, proposals or issues.
type ListQuery struct {
	WorkspaceID string
	Since       time.Time
	Limit       int
}

// Reader exposes point-in-time reads of derived state.
type Reader interface {
	Entries(ctx context.Context, q MemoryQuery) ([]MemoryEntry, error)
	Decisions(ctx context.Context, q ListQuery) ([]Decision, error)
	Tasks(ctx context.Context, q ListQuery, activeOnly bool) ([]Task, error)
	Risks(ctx context.Context, q ListQuery, severities ...envelope.Severity) ([]Risk, error)
	Proposals(ctx context.Context, q ListQuery) ([]Proposal, error)
	Issues(ctx context.Context, q ListQuery) ([]Issue, error)
	CursorOf(ctx context.Context, workspaceID string) (Cursor, error)
}

// Store owns the derived tables.
type Store interface {
	Reader
	// Update runs fn inside one all-or-nothing unit of work for workspaceID.
	Update(ctx context.Context, workspaceID string, fn func(Tx) error) error
}
