// SPDX-License-Identifier: MIT

// Package stream implements the per-stream supervisor: the state machine
// that wraps one pipeline in admission, reconnect, and stop semantics.
package stream

import (
	"fmt"
	"time"
)

const (
	// MaxNameLength is the longest accepted stream name after sanitization.
	MaxNameLength = 64

	// maxRawInputLength bounds how much raw input is processed at all.
	maxRawInputLength = 1024
)

// SanitizeName maps an arbitrary requested stream name onto the safe
// alphabet [A-Za-z0-9_-].
//
// Rules:
//  1. Empty, oversized, or control-character input gets a timestamped
//     fallback name.
//  2. Input is truncated to 64 characters.
//  3. Every character outside the safe alphabet becomes an underscore.
//
// The sanitized name is used verbatim in filesystem paths and the public
// playlist URL, so nothing outside the alphabet may survive.
func SanitizeName(name string) string {
	if name == "" || len(name) > maxRawInputLength {
		return timestampFallback()
	}

	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return timestampFallback()
		}
	}

	if len(name) > MaxNameLength {
		name = name[:MaxNameLength]
	}

	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z',
			c >= 'A' && c <= 'Z',
			c >= '0' && c <= '9',
			c == '_', c == '-':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}

	return string(out)
}

func timestampFallback() string {
	return fmt.Sprintf("unnamed_stream_%d", time.Now().Unix())
}
