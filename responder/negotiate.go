// Package responder implements the content-negotiated HTTP responders: the
// paginated OrderedCollection responder, the single-object actor/object
// responder, and the WebFinger/NodeInfo discovery endpoints, all driven by
// the registry's pluggable dispatchers.
package responder

import (
	"mime"
	"net/http"
	"strconv"
	"strings"
)

var acceptableTypes = map[string]bool{
	"application/activity+json": true,
	"application/ld+json":       true,
	"application/json":          true,
}

type acceptEntry struct {
	mediaType string
	q         float64
}

// Acceptable reports whether the Accept header names a JSON-LD-compatible
// type without a higher-q text/html alternative. A browser asking for HTML
// belongs on the application's own pages, not here.
func Acceptable(header string) bool {
	entries := parseAccept(header)
	if len(entries) == 0 {
		// No Accept header: treat as acceptable (JSON-LD is the default for
		// machine clients hitting these endpoints directly).
		return true
	}

	bestJSONLD, bestHTML := -1.0, -1.0
	for _, e := range entries {
		base := stripParams(e.mediaType)
		if acceptableTypes[base] && e.q > bestJSONLD {
			bestJSONLD = e.q
		}
		if base == "text/html" && e.q > bestHTML {
			bestHTML = e.q
		}
	}

	if bestJSONLD < 0 {
		return false
	}
	return bestHTML <= bestJSONLD
}

func stripParams(mediaType string) string {
	base, _, err := mime.ParseMediaType(mediaType)
	if err != nil {
		return strings.TrimSpace(strings.SplitN(mediaType, ";", 2)[0])
	}
	return base
}

func parseAccept(header string) []acceptEntry {
	if header == "" {
		return nil
	}
	var out []acceptEntry
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		q := 1.0
		segments := strings.Split(part, ";")
		mediaType := strings.TrimSpace(segments[0])
		for _, param := range segments[1:] {
			param = strings.TrimSpace(param)
			if strings.HasPrefix(param, "q=") {
				if v, err := strconv.ParseFloat(strings.TrimPrefix(param, "q="), 64); err == nil {
					q = v
				}
			}
		}
		out = append(out, acceptEntry{mediaType: mediaType, q: q})
	}
	return out
}

// WriteNotAcceptable writes the 406 response with the mandatory Vary header.
func WriteNotAcceptable(w http.ResponseWriter) {
	w.Header().Set("Vary", "Accept, Signature")
	w.WriteHeader(http.StatusNotAcceptable)
}

// WriteUnauthorized writes the 401 response with the mandatory Vary header.
func WriteUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Vary", "Accept, Signature")
	w.WriteHeader(http.StatusUnauthorized)
}
