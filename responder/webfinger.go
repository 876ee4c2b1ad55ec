package responder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/klppl/fedcore/ld"
)

// WebFingerJRD is the JSON Resource Descriptor response shape (RFC 7033).
type WebFingerJRD struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []WebFingerLink `json:"links"`
}

type WebFingerLink struct {
	Rel      string `json:"rel"`
	Type     string `json:"type,omitempty"`
	Href     string `json:"href,omitempty"`
	Template string `json:"template,omitempty"`
}

// ResolveHandleFunc turns a WebFinger "resource" param into a local handle,
// or ("", false) if it does not name a local actor.
type ResolveHandleFunc func(resource string, requestHost string) (handle string, ok bool)

// ServeWebFinger answers a WebFinger lookup with the JRD for the resolved
// local actor, or 404 when the resource names nobody here.
func ServeWebFinger(w http.ResponseWriter, r *http.Request, resolve ResolveHandleFunc, lookupActor func(ctx context.Context, handle string) (ld.Document, error), buildActorURL func(handle string) string) {
	resource := r.URL.Query().Get("resource")
	handle, ok := resolve(resource, r.Host)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	actor, err := lookupActor(r.Context(), handle)
	if err != nil {
		slog.Error("responder: webfinger actor lookup failed", "handle", handle, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if actor == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	actorURL := buildActorURL(handle)
	jrd := WebFingerJRD{
		Subject: resource,
		Aliases: []string{actorURL},
		Links: []WebFingerLink{
			{Rel: "self", Type: "application/activity+json", Href: actorURL},
		},
	}
	for _, u := range profileURLs(actor) {
		jrd.Links = append(jrd.Links, WebFingerLink{Rel: "http://webfinger.net/rel/profile-page", Href: u})
	}

	w.Header().Set("Content-Type", "application/jrd+json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(jrd); err != nil {
		slog.Error("responder: encode webfinger jrd failed", "error", err)
	}
}

func profileURLs(actor ld.Document) []string {
	switch v := actor["urls"].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{v}
	}
	return nil
}

// DefaultResolveHandle parses a WebFinger resource: accept acct:local@host
// where host matches requestHost, or an http(s) URL that parses via
// actorRoute to a handle.
func DefaultResolveHandle(actorRoute func(path string) (handle string, ok bool)) ResolveHandleFunc {
	return func(resource, requestHost string) (string, bool) {
		if strings.HasPrefix(resource, "acct:") {
			rest := strings.TrimPrefix(resource, "acct:")
			parts := strings.SplitN(rest, "@", 2)
			if len(parts) != 2 || parts[1] != requestHost {
				return "", false
			}
			return parts[0], true
		}

		u, err := url.Parse(resource)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return "", false
		}
		return actorRoute(u.Path)
	}
}

// ServeNodeInfoJRD answers /.well-known/nodeinfo with the link to the 2.1
// document.
func ServeNodeInfoJRD(w http.ResponseWriter, nodeInfoURL string) {
	body := map[string]any{
		"links": []map[string]any{
			{
				"rel":  "http://nodeinfo.diaspora.software/ns/schema/2.1",
				"href": nodeInfoURL,
				"type": `application/json;profile="http://nodeinfo.diaspora.software/ns/schema/2.1#"`,
			},
		},
	}
	w.Header().Set("Content-Type", fmt.Sprintf("application/json;profile=%q", "http://nodeinfo.diaspora.software/ns/schema/2.1#"))
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(body)
}

// ServeNodeInfo serializes the application's NodeInfo 2.1 document.
func ServeNodeInfo(w http.ResponseWriter, r *http.Request, dispatch func(ctx context.Context) (map[string]any, error)) {
	doc, err := dispatch(r.Context())
	if err != nil {
		slog.Error("responder: nodeinfo dispatcher failed", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", `application/json;profile="http://nodeinfo.diaspora.software/ns/schema/2.1#"`)
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(doc)
}
