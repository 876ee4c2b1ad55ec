package responder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/klppl/fedcore/ld"
	"github.com/klppl/fedcore/registry"
)

// CollectionRequest carries everything ServeCollection needs beyond the
// *http.Request itself.
type CollectionRequest struct {
	Handle        string
	CollectionURL string // the base URL used to build next/prev/first/last
	VerifiedKeyID string // "" if the request was unsigned
	// BaseURLFilter, when non-empty (FEP-8fcf followers sync), restricts
	// results to recipients whose id starts with this origin.
	BaseURLFilter string
}

// ServeCollection serves one OrderedCollection or OrderedCollectionPage
// request: content negotiation first, then the optional authorize gate,
// then cursor-driven paging against the registered dispatcher.
func ServeCollection(
	w http.ResponseWriter, r *http.Request,
	req CollectionRequest,
	dispatcher registry.CollectionDispatcher,
	counter registry.CollectionCounter,
	firstCursor, lastCursor registry.CollectionCursor,
	authorize registry.AuthorizePredicate,
	onUnauthorized func(ctx context.Context, path string),
	onNotAcceptable func(ctx context.Context, path string),
) {
	if !Acceptable(r.Header.Get("Accept")) {
		if onNotAcceptable != nil {
			onNotAcceptable(r.Context(), r.URL.Path)
		}
		WriteNotAcceptable(w)
		return
	}

	if authorize != nil && !authorize(r.Context(), req.VerifiedKeyID) {
		if onUnauthorized != nil {
			onUnauthorized(r.Context(), r.URL.Path)
		}
		WriteUnauthorized(w)
		return
	}

	cursor := r.URL.Query().Get("cursor")

	if cursor != "" {
		serveCollectionPage(w, r, req, dispatcher, cursor)
		return
	}

	if req.BaseURLFilter != "" {
		serveFilteredCollection(w, r, req, dispatcher)
		return
	}

	if counter != nil && firstCursor != nil && lastCursor != nil {
		serveIndexCollection(w, r, req, counter, firstCursor, lastCursor)
		return
	}

	servePlainCollection(w, r, req, dispatcher)
}

func servePlainCollection(w http.ResponseWriter, r *http.Request, req CollectionRequest, dispatcher registry.CollectionDispatcher) {
	page, err := dispatcher(r.Context(), req.Handle, "")
	if err != nil {
		slog.Error("responder: collection dispatcher failed", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]any{
		"@context":     defaultActivityStreamsContext,
		"id":           req.CollectionURL,
		"type":         "OrderedCollection",
		"orderedItems": docsAsAny(page.Items),
	})
}

func serveIndexCollection(w http.ResponseWriter, r *http.Request, req CollectionRequest, counter registry.CollectionCounter, first, last registry.CollectionCursor) {
	total, err := counter(r.Context(), req.Handle)
	if err != nil {
		slog.Error("responder: collection counter failed", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	firstCur, err := first(r.Context(), req.Handle)
	if err != nil {
		slog.Error("responder: firstCursor failed", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	lastCur, err := last(r.Context(), req.Handle)
	if err != nil {
		slog.Error("responder: lastCursor failed", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]any{
		"@context":   defaultActivityStreamsContext,
		"id":         req.CollectionURL,
		"type":       "OrderedCollection",
		"totalItems": total,
		"first":      withCursor(req.CollectionURL, firstCur),
		"last":       withCursor(req.CollectionURL, lastCur),
	})
}

func serveCollectionPage(w http.ResponseWriter, r *http.Request, req CollectionRequest, dispatcher registry.CollectionDispatcher, cursor string) {
	page, err := dispatcher(r.Context(), req.Handle, cursor)
	if err != nil {
		slog.Error("responder: collection dispatcher failed", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	body := map[string]any{
		"@context":     defaultActivityStreamsContext,
		"id":           withCursor(req.CollectionURL, cursor),
		"type":         "OrderedCollectionPage",
		"partOf":       req.CollectionURL,
		"orderedItems": docsAsAny(page.Items),
	}
	if page.HasNext && page.NextCursor != "" {
		body["next"] = withCursor(req.CollectionURL, page.NextCursor)
	}
	if page.HasPrev && page.PrevCursor != "" {
		body["prev"] = withCursor(req.CollectionURL, page.PrevCursor)
	}
	writeJSON(w, body)
}

// serveFilteredCollection supports FEP-8fcf: filters a followers page to
// recipients whose id starts with req.BaseURLFilter.
func serveFilteredCollection(w http.ResponseWriter, r *http.Request, req CollectionRequest, dispatcher registry.CollectionDispatcher) {
	page, err := dispatcher(r.Context(), req.Handle, "")
	if err != nil {
		slog.Error("responder: collection dispatcher failed", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	filtered := make([]ld.Document, 0, len(page.Items))
	for _, item := range page.Items {
		if strings.HasPrefix(item.ID(), req.BaseURLFilter) {
			filtered = append(filtered, item)
		}
	}

	writeJSON(w, map[string]any{
		"@context":     defaultActivityStreamsContext,
		"id":           req.CollectionURL,
		"type":         "OrderedCollection",
		"orderedItems": docsAsAny(filtered),
	})
}

const defaultActivityStreamsContext = "https://www.w3.org/ns/activitystreams"

func withCursor(base, cursor string) string {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%scursor=%s", base, sep, cursor)
}

func docsAsAny(docs []ld.Document) []any {
	out := make([]any, len(docs))
	for i, d := range docs {
		out[i] = map[string]any(d)
	}
	return out
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/activity+json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("responder: encode collection failed", "error", err)
	}
}
