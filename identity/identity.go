// Package identity derives deterministic subject identifiers from external
// references. The same normalized input always yields the same id, which is
// what makes capture, routing, and projection replay-safe: every surface that
// sees the same URL converges on the same subject.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

// Subject kinds known to the pipeline. The set is extensible; projections
// upsert subjects lazily so a new kind needs no registration step.
const (
	KindLink       = "link"
	KindSensor     = "sensor"
	KindTodo       = "todo"
	KindAnnotation = "annotation"
)

// NormalizeURL canonicalizes a URL so that equivalent captures collapse to one
// subject: scheme and host are lowercased, default ports and fragments are
// stripped, query parameters are sorted lexicographically, and a trailing
// slash is removed unless the path is root.
//
// Malformed input is returned unchanged; callers decide whether to reject it.
func NormalizeURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return raw
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	// Strip default ports
	if host, port, ok := strings.Cut(u.Host, ":"); ok {
		if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
			u.Host = host
		}
	}

	u.Fragment = ""
	u.RawFragment = ""

	if u.RawQuery != "" {
		u.RawQuery = sortQuery(u.RawQuery)
	}

	if len(u.Path) > 1 && strings.HasSuffix(u.Path, "/") {
		u.Path = strings.TrimSuffix(u.Path, "/")
		u.RawPath = ""
	}

	return u.String()
}

// sortQuery re-encodes a query string with keys (and values within a key)
// in lexicographic order.
func sortQuery(rawQuery string) string {
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return rawQuery
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		vs := values[k]
		sort.Strings(vs)
		for _, v := range vs {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

// SubjectIDForURL returns "link:" plus the first 16 hex characters of the
// SHA-256 of the normalized URL.
func SubjectIDForURL(raw string) string {
	norm := NormalizeURL(raw)
	sum := sha256.Sum256([]byte(norm))
	return KindLink + ":" + hex.EncodeToString(sum[:])[:16]
}

// SubjectIDForSensor returns "sensor:" plus a slug of the sensor location.
func SubjectIDForSensor(location string) string {
	return KindSensor + ":" + Slug(location)
}

// SubjectIDForTodo returns "todo:" plus the stable external todo id.
func SubjectIDForTodo(externalID string) string {
	return KindTodo + ":" + strings.TrimSpace(externalID)
}

// SubjectIDForAnnotation returns "annotation:" plus the stable annotation id.
func SubjectIDForAnnotation(annotationID string) string {
	return KindAnnotation + ":" + strings.TrimSpace(annotationID)
}

// Slug lowercases the input and collapses runs of non-alphanumeric characters
// into single dashes, trimming any leading or trailing dash.
func Slug(s string) string {
	var b strings.Builder
	lastDash := true // suppress leading dash
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
