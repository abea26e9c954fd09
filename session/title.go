package session

import "strings"

const UntitledDocument = "Untitled document"

// NormalizeTitle trims s and falls back to UntitledDocument when nothing is
// left.
func NormalizeTitle(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return UntitledDocument
	}
	return s
}
