// Package contextpack assembles the bounded summary of a workspace handed to agents.
package contextpack

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mohammad-safakhou/satlog/internal/envelope"
	"github.com/mohammad-safakhou/satlog/internal/projection"
)

const (
	DefaultLimit = 10
	MaxLimit     = 100
)

// ErrInvalidLimit is returned for a negative limit or one above MaxLimit.
var ErrInvalidLimit = errors.New("limit must be between 1 and 100")

// Request selects what to assemble. A zero Since means no lower bound.
// EventsSince bounds only decisions, tasks and risks, and only when Since is zero;
// memory is never filtered by it.
type Request struct {
	WorkspaceID string
	Limit       int
	Since       time.Time
	EventsSince time.Time
	Query       string
}

// MemoryItem is a promoted entry with its keyword score when a query was given.
type MemoryItem struct {
	projection.MemoryEntry
	Score      float64  `json:"score,omitempty"`
	MatchTerms []string `json:"match_terms,omitempty"`
}

// Pack is computed on demand and never stored.
type Pack struct {
	WorkspaceID string                `json:"workspace_id"`
	AsOf        projection.Cursor     `json:"as_of"`
	Limit       int                   `json:"limit"`
	Since       *time.Time            `json:"since,omitempty"`
	EventsSince *time.Time            `json:"events_since,omitempty"`
	Query       string                `json:"query,omitempty"`
	Memory      []MemoryItem          `json:"memory"`
	Decisions   []projection.Decision `json:"decisions"`
	Tasks       []projection.Task     `json:"tasks"`
	Risks       []projection.Risk     `json:"risks"`
	Counts      map[string]int        `json:"counts"`
}

// Assembler reads the projection. It never writes.
type Assembler struct {
	reader projection.Reader
	now    func() time.Time
}

func NewAssembler(r projection.Reader) *Assembler {
	return &Assembler{reader: r, now: time.Now}
}

// Assemble builds the pack for req.WorkspaceID as of the cursor read first.
func (a *Assembler) Assemble(ctx context.Context, req Request) (Pack, error) {
	limit, err := normalizeLimit(req.Limit)
	if err != nil {
		return Pack{}, err
	}
	cur, err := a.reader.CursorOf(ctx, req.WorkspaceID)
	if err != nil {
		return Pack{}, fmt.Errorf("read cursor: %w", err)
	}
	pack := Pack{
		WorkspaceID: req.WorkspaceID,
		AsOf:        cur,
		Limit:       limit,
		Query:       strings.TrimSpace(req.Query),
	}
	if !req.Since.IsZero() {
		since := req.Since.UTC()
		pack.Since = &since
	}
	eventsSince := req.Since
	if eventsSince.IsZero() {
		eventsSince = req.EventsSince
	}
	if !eventsSince.IsZero() {
		es := eventsSince.UTC()
		pack.EventsSince = &es
	}

	entries, err := a.reader.Entries(ctx, projection.MemoryQuery{
		WorkspaceID: req.WorkspaceID,
		Status:      projection.StatusPromoted,
		Now:         a.now().UTC(),
	})
	if err != nil {
		return Pack{}, fmt.Errorf("read memory: %w", err)
	}
	pack.Memory = selectMemory(entries, req.Since, pack.Query, limit)

	lq := projection.ListQuery{WorkspaceID: req.WorkspaceID, Since: eventsSince, Limit: limit}
	if pack.Decisions, err = a.reader.Decisions(ctx, lq); err != nil {
		return Pack{}, fmt.Errorf("read decisions: %w", err)
	}
	if pack.Tasks, err = a.reader.Tasks(ctx, lq, true); err != nil {
		return Pack{}, fmt.Errorf("read tasks: %w", err)
	}
	if pack.Risks, err = a.reader.Risks(ctx, lq, envelope.SeverityHigh, envelope.SeverityMedium); err != nil {
		return Pack{}, fmt.Errorf("read risks: %w", err)
	}
	pack.ensureSlices()
	pack.Counts = map[string]int{
		"memory":    len(pack.Memory),
		"decisions": len(pack.Decisions),
		"tasks":     len(pack.Tasks),
		"risks":     len(pack.Risks),
	}
	return pack, nil
}

func normalizeLimit(n int) (int, error) {
	switch {
	case n == 0:
		return DefaultLimit, nil
	case n < 0 || n > MaxLimit:
		return 0, ErrInvalidLimit
	default:
		return n, nil
	}
}

// selectMemory keeps promoted workspace and global entries, orders them by bucket
// precedence then newest promotion, and applies the optional keyword ranking.
func selectMemory(entries []projection.MemoryEntry, since time.Time, query string, limit int) []MemoryItem {
	items := make([]MemoryItem, 0, len(entries))
	for _, e := range entries {
		if e.Status != projection.StatusPromoted || e.Bucket == projection.BucketEphemeral {
			continue
		}
		if !since.IsZero() && (e.PromotedAt == nil || e.PromotedAt.Before(since)) {
			continue
		}
		items = append(items, MemoryItem{MemoryEntry: e})
	}
	sort.Slice(items, func(i, j int) bool { return defaultLess(items[i].MemoryEntry, items[j].MemoryEntry) })

	if terms := queryTerms(query); len(terms) > 0 {
		ranked := items[:0]
		for _, it := range items {
			matched := matchTerms(it.MemoryEntry, terms)
			if len(matched) == 0 {
				continue
			}
			it.MatchTerms = matched
			it.Score = float64(len(matched)) / float64(len(terms))
			ranked = append(ranked, it)
		}
		sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
		items = ranked
	}
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}

func defaultLess(a, b projection.MemoryEntry) bool {
	if pa, pb := a.Bucket.Precedence(), b.Bucket.Precedence(); pa != pb {
		return pa < pb
	}
	ta, tb := promotedAt(a), promotedAt(b)
	if !ta.Equal(tb) {
		return ta.After(tb)
	}
	return a.EntryID < b.EntryID
}

func promotedAt(e projection.MemoryEntry) time.Time {
	if e.PromotedAt == nil {
		return time.Time{}
	}
	return *e.PromotedAt
}

// queryTerms returns the distinct lowercase terms of q, sorted.
func queryTerms(q string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, t := range strings.Fields(strings.ToLower(q)) {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func matchTerms(e projection.MemoryEntry, terms []string) []string {
	haystack := strings.ToLower(e.Key + " " + string(e.Value))
	var matched []string
	for _, t := range terms {
		if strings.Contains(haystack, t) {
			matched = append(matched, t)
		}
	}
	return matched
}

func (p *Pack) ensureSlices() {
	if p.Memory == nil {
		p.Memory = []MemoryItem{}
	}
	if p.Decisions == nil {
		p.Decisions = []projection.Decision{}
	}
	if p.Tasks == nil {
		p.Tasks = []projection.Task{}
	}
	if p.Risks == nil {
		p.Risks = []projection.Risk{}
	}
}
