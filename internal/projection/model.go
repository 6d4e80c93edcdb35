package projection

import (
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/mohammad-safakhou/satlog/internal/envelope"
)

// Bucket classifies a memory entry's scope and lifetime.
type Bucket string

const (
	BucketGlobal    Bucket = "global"
	BucketWorkspace Bucket = "workspace"
	BucketEphemeral Bucket = "ephemeral"
)

// Valid reports whether b is a known bucket.
func (b Bucket) Valid() bool {
	return b == BucketGlobal || b == BucketWorkspace || b == BucketEphemeral
}

// Precedence orders buckets for context assembly: workspace before global before ephemeral.
func (b Bucket) Precedence() int {
	switch b {
	case BucketWorkspace:
		return 0
	case BucketGlobal:
		return 1
	default:
		return 2
	}
}

// Status is a memory entry's governance state.
type Status string

const (
	StatusCandidate Status = "candidate"
	StatusPromoted  Status = "promoted"
	StatusRetracted Status = "retracted"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusCandidate || s == StatusPromoted || s == StatusRetracted
}

// MemoryEntry is one governed fact derived from a memory.candidate event.
type MemoryEntry struct {
	EntryID         string          `json:"entry_id"`
	WorkspaceID     string          `json:"workspace_id"`
	Bucket          Bucket          `json:"bucket"`
	Key             string          `json:"key,omitempty"`
	Value           json.RawMessage `json:"value"`
	Status          Status          `json:"status"`
	Confidence      float64         `json:"confidence"`
	SourceEventID   string          `json:"source_event_id"`
	TraceID         string          `json:"trace_id"`
	DecisionLineage bool            `json:"decision_lineage"`
	PromotedAt      *time.Time      `json:"promoted_at,omitempty"`
	PromotedBy      string          `json:"promoted_by,omitempty"`
	RetractedAt     *time.Time      `json:"retracted_at,omitempty"`
	RetractedBy     string          `json:"retracted_by,omitempty"`
	ExpiresAt       *time.Time      `json:"expires_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// SortKey is the key used for ordering rendered memory; entries without a key use their id.
func (m MemoryEntry) SortKey() string {
	if m.Key != "" {
		return m.Key
	}
	return m.EntryID
}

// Expired reports whether an ephemeral entry has passed its expiry at now.
func (m MemoryEntry) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && !m.ExpiresAt.After(now)
}

// Reference records that an event cited a memory entry.
type Reference struct {
	WorkspaceID string    `json:"workspace_id"`
	EntryID     string    `json:"entry_id"`
	EventID     string    `json:"event_id"`
	EventType   string    `json:"event_type"`
	SatelliteID string    `json:"satellite_id"`
	TS          time.Time `json:"ts"`
}

// Decision is the projection of a decision.recorded event.
type Decision struct {
	DecisionID  string            `json:"decision_id"`
	WorkspaceID string            `json:"workspace_id"`
	EventID     string            `json:"event_id"`
	TraceID     string            `json:"trace_id"`
	Title       string            `json:"title"`
	Severity    envelope.Severity `json:"severity"`
	Confidence  float64           `json:"confidence"`
	Payload     json.RawMessage   `json:"payload"`
	TS          time.Time         `json:"ts"`
}

// Task is the projection of task.created and task.updated events.
type Task struct {
	TaskID         string          `json:"task_id"`
	WorkspaceID    string          `json:"workspace_id"`
	Title          string          `json:"title"`
	Status         string          `json:"status"`
	Payload        json.RawMessage `json:"payload"`
	CreatedEventID string          `json:"created_event_id"`
	UpdatedEventID string          `json:"updated_event_id"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

var terminalTaskStatuses = map[string]struct{}{
	"done":      {},
	"completed": {},
	"closed":    {},
	"cancelled": {},
	"canceled":  {},
	"failed":    {},
}

// TerminalTaskStatuses lists the statuses that end a task, sorted.
func TerminalTaskStatuses() []string {
	out := make([]string, 0, len(terminalTaskStatuses))
	for s := range terminalTaskStatuses {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Terminal reports whether the task has reached a final status.
func (t Task) Terminal() bool {
	_, ok := terminalTaskStatuses[t.Status]
	return ok
}

// Risk kinds.
const (
	RiskKindRisk    = "risk"
	RiskKindFinding = "finding"
)

// Risk is the projection of risk.detected and finding.logged events.
type Risk struct {
	RiskID      string            `json:"risk_id"`
	WorkspaceID string            `json:"workspace_id"`
	Kind        string            `json:"kind"`
	EventID     string            `json:"event_id"`
	Title       string            `json:"title"`
	Severity    envelope.Severity `json:"severity"`
	Confidence  float64           `json:"confidence"`
	Payload     json.RawMessage   `json:"payload"`
	TS          time.Time         `json:"ts"`
}

// Proposal is the projection of a proposal.created event.
type Proposal struct {
	ProposalID  string          `json:"proposal_id"`
	WorkspaceID string          `json:"workspace_id"`
	EventID     string          `json:"event_id"`
	Title       string          `json:"title"`
	Payload     json.RawMessage `json:"payload"`
	TS          time.Time       `json:"ts"`
}

// Issue kinds recorded against events.
const (
	IssueMalformedPayload = "malformed_payload"
	IssueOrphanReference  = "orphan_reference"
	IssueDuplicateSource  = "duplicate_source"
	IssueTerminalState    = "terminal_state"
)

// Issue is a non-fatal projection problem attached to the event that caused it.
type Issue struct {
	WorkspaceID string    `json:"workspace_id"`
	EventID     string    `json:"event_id"`
	EventType   string    `json:"event_type"`
	Kind        string    `json:"kind"`
	Detail      string    `json:"detail"`
	TS          time.Time `json:"ts"`
}

// Cursor is the persisted position of projection for one workspace.
type Cursor struct {
	WorkspaceID   string    `json:"workspace_id"`
	LastSeq       int64     `json:"last_seq"`
	LastEventID   string    `json:"last_event_id,omitempty"`
	LastEventTS   time.Time `json:"last_event_ts"`
	EventsApplied int64     `json:"events_applied"`
}

// Advance returns the cursor moved past rec. Cursors never move backwards.
func (c Cursor) Advance(rec envelope.Record) Cursor {
	if rec.Seq <= c.LastSeq {
		return c
	}
	c.LastSeq = rec.Seq
	c.LastEventID = rec.EventID
	c.LastEventTS = rec.TS
	c.EventsApplied++
	return c
}

// Origin reports whether no event has been applied yet.
func (c Cursor) Origin() bool { return c.LastSeq == 0 }

// ErrReplayConflict is returned when a replay already holds the workspace.
var ErrReplayConflict = errors.New("replay already running for workspace")
