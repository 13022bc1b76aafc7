// Package equipment derives equipment identifiers from recording storage paths.
//
// The recorder uploads to "<prefix>/<equipment>/rec-<ms>.<ext>", so the parent
// segment of the object key names the equipment. This is a naming convention,
// not a protocol; callers take a Deriver so other layouts can be plugged in.
package equipment

import "strings"

// Deriver maps an object key to an equipment identifier, or "" if none applies.
type Deriver func(objectKey string) string

// FromKey returns the second-to-last non-empty "/" segment of key.
func FromKey(key string) string {
	parts := segments(key)
	if len(parts) < 2 {
		return ""
	}
	return parts[len(parts)-2]
}

// FromPrefix returns the last non-empty segment of a storage prefix.
func FromPrefix(prefix string) string {
	parts := segments(prefix)
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1]
}

// Resolve returns explicit when set, otherwise derive(key).
func Resolve(explicit, key string, derive Deriver) string {
	if explicit != "" {
		return explicit
	}
	if derive == nil {
		derive = FromKey
	}
	return derive(key)
}

func segments(path string) []string {
	var parts []string
	for p := range strings.SplitSeq(path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}
