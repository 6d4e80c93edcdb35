package projection

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mohammad-safakhou/satlog/internal/envelope"
)

// Rules holds the memory governance thresholds. Evaluation is a pure function of
// an entry, its reference count and the triggering event's ts.
type Rules struct {
	ConfidenceThreshold float64
	MinReferences       int
	Window              time.Duration
	EphemeralTTL        time.Duration
}

// DefaultRules returns the standard governance thresholds.
func DefaultRules() Rules {
	return Rules{
		ConfidenceThreshold: 0.75,
		MinReferences:       2,
		Window:              7 * 24 * time.Hour,
		EphemeralTTL:        24 * time.Hour,
	}
}

// withDefaults fills zero fields from DefaultRules.
func (r Rules) withDefaults() Rules {
	d := DefaultRules()
	if r.ConfidenceThreshold <= 0 {
		r.ConfidenceThreshold = d.ConfidenceThreshold
	}
	if r.MinReferences <= 0 {
		r.MinReferences = d.MinReferences
	}
	if r.Window <= 0 {
		r.Window = d.Window
	}
	if r.EphemeralTTL <= 0 {
		r.EphemeralTTL = d.EphemeralTTL
	}
	return r
}

// Eligible reports whether a candidate with refs in-window references qualifies for promotion.
func (r Rules) Eligible(e MemoryEntry, refs int) bool {
	if e.Status != StatusCandidate {
		return false
	}
	if e.Confidence < r.ConfidenceThreshold {
		return false
	}
	return refs >= r.MinReferences || e.DecisionLineage
}

// WindowStart is the exclusive lower bound of the reference window ending at ts.
func (r Rules) WindowStart(ts time.Time) time.Time {
	return ts.Add(-r.Window)
}

// ExpiresAt computes an ephemeral entry's expiry. A positive ttl_hours overrides the default.
func (r Rules) ExpiresAt(ts time.Time, ttlHours float64) time.Time {
	ttl := r.EphemeralTTL
	if ttlHours > 0 {
		ttl = time.Duration(ttlHours * float64(time.Hour))
	}
	return ts.Add(ttl)
}

// Citations extracts the memory keys and entry ids an event payload refers to.
// Governance events never count as references. The result is sorted and deduplicated.
func Citations(eventType string, payload map[string]interface{}) (keys, entryIDs []string) {
	if eventType == envelope.TypeMemoryPromoted || eventType == envelope.TypeMemoryRetracted {
		return nil, nil
	}
	ks := map[string]struct{}{}
	ids := map[string]struct{}{}
	for _, f := range []string{"key", "memory_key", "keys", "memory_keys"} {
		for _, s := range stringsOf(payload[f]) {
			ks[s] = struct{}{}
		}
	}
	for _, f := range []string{"entry_id", "entry_ids"} {
		for _, s := range stringsOf(payload[f]) {
			ids[s] = struct{}{}
		}
	}
	// references may hold either keys or entry ids.
	for _, s := range stringsOf(payload["references"]) {
		ks[s] = struct{}{}
		ids[s] = struct{}{}
	}
	return sortedSet(ks), sortedSet(ids)
}

func stringsOf(v interface{}) []string {
	switch t := v.(type) {
	case string:
		if s := strings.TrimSpace(t); s != "" {
			return []string{s}
		}
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	}
	return nil
}

func sortedSet(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func str(p map[string]interface{}, fields ...string) string {
	for _, f := range fields {
		if s, ok := p[f].(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	return ""
}

func num(p map[string]interface{}, field string) (float64, bool) {
	switch t := p[field].(type) {
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}
