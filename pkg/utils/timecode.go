// Copyright (c) 2024-2026 Soundcast Labs
//
// Licensed under the MIT License.
// See LICENSE.md for details.

package utils

import (
	"fmt"
	"time"
)

// FormatTimecode renders a duration since the start of a recording as
// HH:MM:SS.mmm (VTT / plain-text flavor).
func FormatTimecode(d time.Duration) string {
	return formatTimecode(d, '.')
}

// FormatTimecodeSRT renders a duration as HH:MM:SS,mmm (SRT flavor).
func FormatTimecodeSRT(d time.Duration) string {
	return formatTimecode(d, ',')
}

func formatTimecode(d time.Duration, msSep byte) string {
	if d < 0 {
		d = 0
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	ms := int(d.Milliseconds()) % 1000
	return fmt.Sprintf("%02d:%02d:%02d%c%03d", h, m, s, msSep, ms)
}

// FolderTimestamp renders t in UTC as YYYYMMDDTHHMMSS for recording
// folder names.
func FolderTimestamp(t time.Time) string {
	return t.UTC().Format("20060102T150405")
}
