// Copyright (c) 2024-2026 Soundcast Labs
//
// Licensed under the MIT License.
// See LICENSE.md for details.

// Package fork creates plain-RTP side-cars for producers and pipes their
// audio through an external converter into recording or transcription sinks.
package fork

import (
	"fmt"
	"strings"

	"github.com/soundcast/soundcast/internal/sfu"
)

// BuildSDP renders the converter-facing session description for a fork
// listening on 127.0.0.1:port. Lines are CRLF-terminated, including the
// last one. The a=ssrc line is emitted only when the SSRC is known.
func BuildSDP(port int, codec sfu.ForkCodec) string {
	var b strings.Builder

	writeLine := func(format string, args ...interface{}) {
		fmt.Fprintf(&b, format, args...)
		b.WriteString("\r\n")
	}

	writeLine("v=0")
	writeLine("o=- 0 0 IN IP4 127.0.0.1")
	writeLine("s=Soundcast")
	writeLine("c=IN IP4 127.0.0.1")
	writeLine("t=0 0")
	writeLine("m=audio %d RTP/AVP %d", port, codec.PayloadType)
	writeLine("a=rtpmap:%d opus/%d/%d", codec.PayloadType, codec.ClockRate, codec.Channels)
	writeLine("a=fmtp:%d sprop-stereo=1; stereo=1; useinbandfec=1", codec.PayloadType)
	if codec.SSRC != 0 {
		writeLine("a=ssrc:%d cname:recording", codec.SSRC)
	}

	return b.String()
}
