// SPDX-License-Identifier: MIT

// Package streamid sanitizes stream identifiers before they are used to
// build filesystem paths (log files, thumbnail outputs). Most ids come
// from local provider configuration and are already safe, but the stats
// reconciler seeds the registry with names read straight out of the
// upstream server's statistics document — untrusted input that must not
// be allowed to escape the log or thumbnail directory via "..", "/", or
// shell metacharacters.
package streamid

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	// MaxLength is the maximum length of a sanitized id.
	MaxLength = 64

	// MaxRawInputLength is the maximum raw input length processed. Longer
	// inputs are rejected outright to avoid doing work on hostile input.
	MaxRawInputLength = 1024
)

// Sanitize returns a version of id that is safe to interpolate into a log
// or thumbnail file path: alphanumerics and underscores only, bounded
// length, never starting with a digit or dash.
//
// Empty input, oversized input, control characters, path traversal
// (".."), path separators, and shell metacharacters all fall back to a
// timestamped placeholder rather than being partially sanitized — an
// upstream reporting a hostile "name" is a schema violation, not a stream
// this daemon should quietly rename.
//
// Examples:
//
//	"camA" → "camA"
//	"front door" → "front_door"
//	"../../etc/passwd" → "stream_1753795200"
//	"5th-ave" → "id_5th_ave"
func Sanitize(id string) string {
	if id == "" {
		return fallback()
	}
	if len(id) > MaxRawInputLength {
		return fallback()
	}
	if hasControlChars(id) {
		return fallback()
	}
	if strings.Contains(id, "..") || strings.ContainsAny(id, "/$`;|&") || strings.HasPrefix(id, "-") {
		return fallback()
	}

	if len(id) > MaxLength {
		id = id[:MaxLength]
	}

	sanitized := collapseUnderscores(replaceUnsafe(id))
	sanitized = strings.Trim(sanitized, "_")

	if sanitized == "" {
		return fallback()
	}
	if isDigit(sanitized[0]) {
		sanitized = "id_" + sanitized
		if len(sanitized) > MaxLength {
			sanitized = sanitized[:MaxLength]
		}
	}

	return sanitized
}

func replaceUnsafe(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isAlphanumeric(c) {
			b.WriteByte(c)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

var underscoreRun = regexp.MustCompile(`_+`)

func collapseUnderscores(s string) string {
	return underscoreRun.ReplaceAllString(s, "_")
}

func isAlphanumeric(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func hasControlChars(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 0x20 && c != 0x09 && c != 0x0A && c != 0x0D {
			return true
		}
		if c == 0x7F {
			return true
		}
	}
	return false
}

func fallback() string {
	return fmt.Sprintf("stream_%d", time.Now().Unix())
}
