package memsync

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mohammad-safakhou/satlog/internal/helpers"
	"github.com/mohammad-safakhou/satlog/internal/projection"
)

const generatedNotice = "<!-- generated by satlog from the event history; edits are overwritten -->"

// snapshot is everything one sync renders, read as of a single cursor.
type snapshot struct {
	WorkspaceID string
	AsOf        projection.Cursor
	Memory      []projection.MemoryEntry
	Ephemeral   []projection.MemoryEntry
	Decisions   []projection.Decision
	Tasks       []projection.Task
	Risks       []projection.Risk
}

// sortMemory orders entries by (key or entry id, promoted_at, entry id).
func sortMemory(entries []projection.MemoryEntry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if ka, kb := a.SortKey(), b.SortKey(); ka != kb {
			return ka < kb
		}
		ta, tb := promotedAt(a), promotedAt(b)
		if !ta.Equal(tb) {
			return ta.Before(tb)
		}
		return a.EntryID < b.EntryID
	})
}

func promotedAt(e projection.MemoryEntry) time.Time {
	if e.PromotedAt == nil {
		return time.Time{}
	}
	return *e.PromotedAt
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func stampPtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return stamp(*t)
}

func confidence(c float64) string {
	return strconv.FormatFloat(c, 'f', -1, 64)
}

type doc struct{ lines []string }

func (d *doc) add(format string, args ...interface{}) {
	d.lines = append(d.lines, fmt.Sprintf(format, args...))
}

func (d *doc) blank() { d.lines = append(d.lines, "") }

// bytes joins the lines with LF, strips trailing whitespace and ends with exactly one newline.
func (d *doc) bytes() []byte {
	var buf bytes.Buffer
	for _, l := range d.lines {
		buf.WriteString(strings.TrimRight(l, " \t\r"))
		buf.WriteByte('\n')
	}
	out := bytes.TrimRight(buf.Bytes(), "\n")
	return append(out, '\n')
}

func (d *doc) header(title string, s snapshot) {
	d.add("# %s: %s", title, s.WorkspaceID)
	d.blank()
	d.add("%s", generatedNotice)
	d.blank()
	d.add("- workspace_id: %s", helpers.CodeSpan(s.WorkspaceID))
	d.add("- as_of_event_id: %s", helpers.CodeSpan(orDash(s.AsOf.LastEventID)))
	d.add("- as_of_ts: %s", helpers.CodeSpan(stamp(s.AsOf.LastEventTS)))
	d.add("- events_applied: %d", s.AsOf.EventsApplied)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func memoryLine(e projection.MemoryEntry) string {
	label := helpers.PlainText(e.Key)
	if label == "" {
		label = e.EntryID
	}
	return fmt.Sprintf("- **%s** [%s] %s (entry_id: %s, source_event_id: %s, promoted_at: %s, confidence: %s)",
		label, e.Bucket, helpers.CodeSpan(string(e.Value)),
		helpers.CodeSpan(e.EntryID), helpers.CodeSpan(e.SourceEventID),
		helpers.CodeSpan(stampPtr(e.PromotedAt)), confidence(e.Confidence))
}

func (d *doc) memory(title string, entries []projection.MemoryEntry) {
	d.add("## %s", title)
	d.blank()
	if len(entries) == 0 {
		d.add("_none_")
		return
	}
	for _, e := range entries {
		d.add("%s", memoryLine(e))
	}
}

func (d *doc) decisions(ds []projection.Decision) {
	d.add("## Decisions")
	d.blank()
	if len(ds) == 0 {
		d.add("_none_")
		return
	}
	for _, x := range ds {
		d.add("- %s **%s** (decision_id: %s, confidence: %s)",
			stamp(x.TS), orDash(helpers.PlainText(x.Title)), helpers.CodeSpan(x.DecisionID), confidence(x.Confidence))
	}
}

func (d *doc) tasks(ts []projection.Task) {
	d.add("## Tasks")
	d.blank()
	if len(ts) == 0 {
		d.add("_none_")
		return
	}
	for _, x := range ts {
		d.add("- [%s] %s (task_id: %s, updated_at: %s)",
			helpers.PlainText(x.Status), orDash(helpers.PlainText(x.Title)), helpers.CodeSpan(x.TaskID), stamp(x.UpdatedAt))
	}
}

func (d *doc) risks(rs []projection.Risk) {
	d.add("## Risks")
	d.blank()
	if len(rs) == 0 {
		d.add("_none_")
		return
	}
	for _, x := range rs {
		d.add("- [%s] %s (%s_id: %s, ts: %s)",
			x.Severity, orDash(helpers.PlainText(x.Title)), x.Kind, helpers.CodeSpan(x.RiskID), stamp(x.TS))
	}
}

func (d *doc) footer(s snapshot) {
	d.add("---")
	d.blank()
	d.add("_%d memory entries, %d decisions, %d tasks, %d risks_",
		len(s.Memory), len(s.Decisions), len(s.Tasks), len(s.Risks))
}

// renderMemory produces MEMORY.generated.md. Section order is fixed.
func renderMemory(s snapshot) []byte {
	var d doc
	d.header("Memory", s)
	d.blank()
	d.memory("Memory", s.Memory)
	d.blank()
	d.decisions(s.Decisions)
	d.blank()
	d.tasks(s.Tasks)
	d.blank()
	d.risks(s.Risks)
	d.blank()
	d.footer(s)
	return d.bytes()
}

// renderDaily produces the daily snapshot, which also lists live ephemeral entries
// and embeds the canonical context pack.
func renderDaily(s snapshot, pack []byte) []byte {
	var d doc
	d.header("Daily snapshot", s)
	d.blank()
	d.memory("Memory", s.Memory)
	d.blank()
	d.memory("Ephemeral", s.Ephemeral)
	d.blank()
	d.decisions(s.Decisions)
	d.blank()
	d.tasks(s.Tasks)
	d.blank()
	d.risks(s.Risks)
	d.blank()
	d.add("## Context pack")
	d.blank()
	fence := "```"
	for bytes.Contains(pack, []byte(fence)) {
		fence += "`"
	}
	d.add("%sjson", fence)
	d.add("%s", pack)
	d.add("%s", fence)
	d.blank()
	d.footer(s)
	return d.bytes()
}

// renderIndex lists the generated files relative to the workspace directory.
func renderIndex(s snapshot, files []string) []byte {
	var d doc
	d.header("Index", s)
	d.blank()
	d.add("## Files")
	d.blank()
	sorted := append([]string(nil), files...)
	sort.Strings(sorted)
	for _, f := range sorted {
		d.add("- [%s](%s)", f, f)
	}
	return d.bytes()
}

// renderBlock is the content placed between markers in foreign files.
func renderBlock(s snapshot) []byte {
	var d doc
	d.add("_satlog memory for %s as of %s_", helpers.CodeSpan(s.WorkspaceID), helpers.CodeSpan(stamp(s.AsOf.LastEventTS)))
	d.blank()
	if len(s.Memory) == 0 {
		d.add("_none_")
	}
	for _, e := range s.Memory {
		d.add("%s", memoryLine(e))
	}
	return d.bytes()
}
