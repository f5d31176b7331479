package ingest

import (
	"path"
	"strings"
)

const (
	fallbackName  = "image"
	maxNameLength = 100
	stagedSuffix  = ".upload"
)

// NormalizeFilename derives the on-disk stem from a client-supplied filename:
// directory and extension dropped, lowercased, whitespace runs become one
// hyphen, anything outside [a-z0-9._-] removed.
func NormalizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, `\`, "/"))
	name = strings.TrimSuffix(name, path.Ext(name))
	name = strings.Join(strings.Fields(strings.ToLower(name)), "-")

	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		}
	}
	out := strings.Trim(b.String(), ".-_")
	if len(out) > maxNameLength {
		out = strings.TrimRight(out[:maxNameLength], ".-_")
	}
	if out == "" {
		return fallbackName
	}
	return out
}

func stagedName(assetID string) string {
	return assetID + stagedSuffix
}
