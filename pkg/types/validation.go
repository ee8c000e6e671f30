package types

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

// NormalizeWebsites sanitizes a client-supplied website list: trim, lowercase,
// drop empties. Order is preserved; duplicates are collapsed.
func NormalizeWebsites(websites []string) []string {
	seen := make(map[string]bool, len(websites))
	out := make([]string, 0, len(websites))
	for _, w := range websites {
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

// ValidSessionType reports whether t is one of the supported session types.
func ValidSessionType(t string) bool {
	switch t {
	case SessionBlockApps, SessionBlockAppsWebsites, SessionAllowWebsites:
		return true
	}
	return false
}

// ValidListKind reports whether k names a website list.
func ValidListKind(k ListKind) bool {
	return k == ListBlacklist || k == ListWhitelist
}

// NewSessionCode generates a 6-character uppercase hex session code.
func NewSessionCode() string {
	b := make([]byte, 3)
	if _, err := rand.Read(b); err != nil {
		panic("types: crypto/rand unavailable: " + err.Error())
	}
	return strings.ToUpper(hex.EncodeToString(b))
}

// NewStudentPC generates a random physical identifier for students that
// joined without supplying one.
func NewStudentPC() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		panic("types: crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(b)
}
