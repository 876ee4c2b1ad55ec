package responder

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/klppl/fedcore/ld"
)

// NotFound is the hook called on a nil dispatcher result before the 404 is
// written.
type NotFound func(ctx context.Context, path string)

// NotAcceptable is the hook called before a 406 is written.
type NotAcceptable func(ctx context.Context, path string)

// ServeActor serves a single actor document with content negotiation.
func ServeActor(w http.ResponseWriter, r *http.Request, doc ld.Document, found bool, onNotFound NotFound, onNotAcceptable NotAcceptable) {
	serveObject(w, r, doc, found, onNotFound, onNotAcceptable)
}

// ServeObject serves a single object document with content negotiation.
func ServeObject(w http.ResponseWriter, r *http.Request, doc ld.Document, found bool, onNotFound NotFound, onNotAcceptable NotAcceptable) {
	serveObject(w, r, doc, found, onNotFound, onNotAcceptable)
}

func serveObject(w http.ResponseWriter, r *http.Request, doc ld.Document, found bool, onNotFound NotFound, onNotAcceptable NotAcceptable) {
	if !Acceptable(r.Header.Get("Accept")) {
		if onNotAcceptable != nil {
			onNotAcceptable(r.Context(), r.URL.Path)
		}
		WriteNotAcceptable(w)
		return
	}
	if !found || doc == nil {
		if onNotFound != nil {
			onNotFound(r.Context(), r.URL.Path)
		}
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/activity+json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]any(doc)); err != nil {
		slog.Error("responder: encode object failed", "error", err)
	}
}

// CheckActorConsistency emits warnings (never failures) when a dispatched
// actor lacks URIs expected given other registered dispatchers.
func CheckActorConsistency(actor ld.Document, hasInboxListener, hasFollowersDispatcher bool) {
	inbox, _ := actor["inbox"].(string)
	followers, _ := actor["followers"].(string)
	if hasInboxListener && inbox == "" {
		slog.Warn("responder: actor dispatched with no inbox but an inbox listener is registered", "actor", actor.ID())
	}
	if hasFollowersDispatcher && followers == "" {
		slog.Warn("responder: actor dispatched with no followers URL but a followers dispatcher is registered", "actor", actor.ID())
	}
}
