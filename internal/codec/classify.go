// SPDX-License-Identifier: MIT

package codec

import "strings"

// ErrorClass buckets a decoder/encoder stderr line by its effect on the
// pipeline.
type ErrorClass int

const (
	// ClassNoise is chatter that means nothing for stream health.
	ClassNoise ErrorClass = iota
	// ClassTransient is recoverable codec noise: counted, never propagated.
	ClassTransient
	// ClassFatal ends the current pipeline run and triggers a reconnect.
	ClassFatal
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassFatal:
		return "fatal"
	default:
		return "noise"
	}
}

// transientPatterns are decode hiccups that lossy RTSP links produce
// constantly. They are tallied into the grabber's ignored-error counter and
// swallowed; an elevated rate is logged but never triggers a reconnect on
// its own.
var transientPatterns = []string{
	"no frame",
	"missing picture",
	"Could not find reference",
	"error while decoding MB",
	"corrupted frame",
	"bytestream",
	"concealing",
	"RTP: missed",
	"left block unavailable",
	"non-existing PPS",
}

// fatalPatterns mean the source or encoder is gone and the run must end.
var fatalPatterns = []string{
	"Connection refused",
	"Connection reset",
	"Connection timed out",
	"Network is unreachable",
	"No route to host",
	"Immediate exit requested",
	"Broken pipe",
	"Failed to open segment",
	"Error writing trailer",
	"Invalid data found when processing input",
	"401 Unauthorized",
	"404 Not Found",
	"Server returned 5",
}

// Classify buckets one stderr line. Substring matching happens only here;
// everything above this package sees typed errors.
func Classify(line string) ErrorClass {
	for _, p := range fatalPatterns {
		if strings.Contains(line, p) {
			return ClassFatal
		}
	}
	for _, p := range transientPatterns {
		if strings.Contains(line, p) {
			return ClassTransient
		}
	}
	return ClassNoise
}
