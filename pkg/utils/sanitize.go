// Copyright (c) 2024-2026 Soundcast Labs
//
// Licensed under the MIT License.
// See LICENSE.md for details.

package utils

import "strings"

// maxSanitizedLen caps sanitized path components so recording folder
// names stay filesystem-friendly.
const maxSanitizedLen = 50

// SanitizeName replaces every character outside [A-Za-z0-9_-] with an
// underscore and truncates the result to 50 characters. Used for channel
// and producer names when they become file or folder names.
func SanitizeName(name string) string {
	var sb strings.Builder
	sb.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	s := sb.String()
	if len(s) > maxSanitizedLen {
		s = s[:maxSanitizedLen]
	}
	return s
}

// IsEmpty reports whether s contains no non-whitespace characters.
func IsEmpty(s string) bool {
	return strings.TrimSpace(s) == ""
}
