package envelope

import (
	"regexp"
	"strings"
)

// Redacted replaces every secret found in a payload.
const Redacted = "[REDACTED]"

// RedactionMode selects what happens when a payload contains a secret.
type RedactionMode string

const (
	RedactionRedact RedactionMode = "redact"
	RedactionReject RedactionMode = "reject"
)

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`),
	regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{16,}`),
	regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
	regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{30,}\b`),
	regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9\-._~+/]{16,}=*`),
	regexp.MustCompile(`\beyJ[A-Za-z0-9_\-]{8,}\.[A-Za-z0-9_\-]{8,}\.[A-Za-z0-9_\-]{8,}`),
}

var sensitiveKeys = map[string]struct{}{
	"password":      {},
	"passwd":        {},
	"secret":        {},
	"client_secret": {},
	"token":         {},
	"access_token":  {},
	"refresh_token": {},
	"api_key":       {},
	"apikey":        {},
	"authorization": {},
	"private_key":   {},
}

// Redactor strips secrets from decoded payloads.
type Redactor struct {
	Mode RedactionMode
}

// NewRedactor builds a redactor, defaulting to redact mode.
func NewRedactor(mode string) *Redactor {
	m := RedactionMode(strings.ToLower(strings.TrimSpace(mode)))
	if m != RedactionReject {
		m = RedactionRedact
	}
	return &Redactor{Mode: m}
}

// Redact walks v and replaces secret values in place. It returns the new value
// and the number of replacements made.
func (r *Redactor) Redact(v interface{}) (interface{}, int) {
	switch t := v.(type) {
	case map[string]interface{}:
		hits := 0
		for k, item := range t {
			if isSensitiveKey(k) {
				if s, ok := item.(string); ok && s == Redacted {
					continue
				}
				if item != nil {
					t[k] = Redacted
					hits++
				}
				continue
			}
			nv, n := r.Redact(item)
			t[k] = nv
			hits += n
		}
		return t, hits
	case []interface{}:
		hits := 0
		for i, item := range t {
			nv, n := r.Redact(item)
			t[i] = nv
			hits += n
		}
		return t, hits
	case string:
		return redactString(t)
	default:
		return v, 0
	}
}

func isSensitiveKey(k string) bool {
	k = strings.ToLower(strings.TrimSpace(k))
	k = strings.ReplaceAll(k, "-", "_")
	_, ok := sensitiveKeys[k]
	return ok
}

func redactString(s string) (string, int) {
	hits := 0
	for _, re := range secretPatterns {
		s = re.ReplaceAllStringFunc(s, func(string) string {
			hits++
			return Redacted
		})
	}
	return s, hits
}
