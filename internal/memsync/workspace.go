package memsync

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const hashSuffixLen = 8

// WorkspaceKey derives a filesystem- and workspace-safe identifier from an external
// session id. The result is lowercase and uses only [a-z0-9._-], starting with a letter
// or digit. When the input had to be altered or truncated, "-" plus the first 8 hex
// characters of its sha256 is appended so distinct inputs stay distinct.
func WorkspaceKey(external string, maxLen int) string {
	if maxLen < 16 {
		maxLen = 16
	}
	var b strings.Builder
	for _, r := range strings.ToLower(external) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	key := strings.TrimLeft(b.String(), "._-")
	if key == external && len(key) <= maxLen {
		return key
	}

	sum := sha256.Sum256([]byte(external))
	suffix := hex.EncodeToString(sum[:])[:hashSuffixLen]
	room := maxLen - hashSuffixLen - 1
	if len(key) > room {
		key = key[:room]
	}
	key = strings.TrimRight(key, "._-")
	if key == "" {
		return "ws-" + suffix
	}
	return key + "-" + suffix
}
