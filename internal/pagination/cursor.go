// Package pagination provides opaque cursors over ID-ordered listings.
package pagination

import (
	"encoding/base64"
	"fmt"
)

// DefaultLimit and MaxLimit bound page sizes on listing endpoints.
const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// Encode returns an opaque cursor marking the given ID as the last item seen.
func Encode(id string) string {
	return base64.URLEncoding.EncodeToString([]byte(id))
}

// Decode parses an opaque cursor. Empty input means start from the beginning.
func Decode(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("invalid cursor")
	}
	return string(raw), nil
}

// ClampLimit normalizes a requested page size.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// Page slices an ID-sorted result set. It skips everything at or before the
// cursor position, returns at most limit items, and hands back the cursor for
// the next page plus a has-more flag.
func Page[T any](items []T, after string, limit int, idOf func(T) string) ([]T, string, bool) {
	start := 0
	if after != "" {
		for i, item := range items {
			if idOf(item) > after {
				break
			}
			start = i + 1
		}
	}
	items = items[start:]

	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	return items, Encode(idOf(items[len(items)-1])), true
}
