// SPDX-License-Identifier: MIT

package codec

import "strings"

// candidateURLs derives the ordered list of connection attempts for a source.
//
// The original URL always comes first. When it carries no path (or only "/"),
// the common vendor defaults are appended: Hikvision-style channel paths and
// the generic /live endpoint. A URL that already names a path is tried as
// given plus the vendor fallbacks, since cameras behind NVRs frequently move
// between firmware revisions that change the path scheme.
func candidateURLs(url string) []string {
	candidates := []string{url}

	base := strings.TrimSuffix(url, "/")

	// Strip any existing path down to host for the fallback variants.
	host := base
	if i := strings.Index(base, "://"); i >= 0 {
		rest := base[i+3:]
		if j := strings.Index(rest, "/"); j >= 0 {
			host = base[:i+3] + rest[:j]
		}
	}

	for _, suffix := range []string{"/Streaming/Channels/101", "/live"} {
		c := host + suffix
		if c != url {
			candidates = append(candidates, c)
		}
	}

	return candidates
}
