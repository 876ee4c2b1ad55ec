package federation

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/klppl/fedcore/httpsig"
	"github.com/klppl/fedcore/inbox"
	"github.com/klppl/fedcore/ld"
	"github.com/klppl/fedcore/responder"
	"github.com/klppl/fedcore/router"
)

const (
	maxConcurrentActivities = 50
	maxPerOriginConcurrency = 5
)

// inboxLimiter caps concurrent inbox processing both globally (a buffered
// channel semaphore) and per remote origin, so one chatty peer can't starve
// everyone else's deliveries.
type inboxLimiter struct {
	mu     sync.Mutex
	counts map[string]int
	global chan struct{}
}

func newInboxLimiter() *inboxLimiter {
	return &inboxLimiter{
		counts: make(map[string]int),
		global: make(chan struct{}, maxConcurrentActivities),
	}
}

func (l *inboxLimiter) acquire(origin string) bool {
	select {
	case l.global <- struct{}{}:
	default:
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[origin] >= maxPerOriginConcurrency {
		<-l.global
		return false
	}
	l.counts[origin]++
	return true
}

func (l *inboxLimiter) release(origin string) {
	l.mu.Lock()
	if l.counts[origin] > 0 {
		l.counts[origin]--
	}
	if l.counts[origin] == 0 {
		delete(l.counts, origin)
	}
	l.mu.Unlock()
	<-l.global
}

// ServeHTTP resolves the request path through the Router, then dispatches
// to the matching responder. Mount it behind any outer router (the demo
// binary mounts it under chi at "/"); Federation does its own route matching
// rather than depend on the outer framework's route table, since the Router
// is the single source of truth for URL shapes.
func (f *Federation) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	match, ok := f.router.Route(r.URL.Path)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	origin := f.requestOrigin(r)
	ctx := f.NewContext(r.Context(), origin)

	switch {
	case match.Name == "webfinger":
		f.serveWebFinger(w, r, ctx)
	case match.Name == "nodeInfoJrd":
		nodeInfoURL, _ := f.router.Build("nodeInfo", nil)
		responder.ServeNodeInfoJRD(w, origin+nodeInfoURL)
	case match.Name == "nodeInfo":
		responder.ServeNodeInfo(w, r, func(ctx context.Context) (map[string]any, error) {
			d, ok := f.registry.NodeInfoDispatcher()
			if !ok {
				return map[string]any{}, nil
			}
			return d(ctx)
		})
	case match.Name == "actor":
		f.serveActor(w, r, ctx, match)
	case strings.HasPrefix(match.Name, "object:"):
		f.serveObject(w, r, ctx, match, strings.TrimPrefix(match.Name, "object:"))
	case match.Name == "inbox" && r.Method == http.MethodPost:
		f.serveInboxPost(w, r, false)
	case match.Name == "sharedInbox" && r.Method == http.MethodPost:
		f.serveInboxPost(w, r, true)
	case match.Name == "inbox", match.Name == "outbox", match.Name == "following", match.Name == "followers":
		f.serveCollection(w, r, ctx, match)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// requestOrigin builds the scheme://host this request should be treated as
// arriving at, honoring X-Forwarded-Proto/X-Forwarded-Host only when
// trustForwardedHeaders is set.
func (f *Federation) requestOrigin(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}
	host := r.Host

	if f.trustForwardedHeaders {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}
		if fwdHost := r.Header.Get("X-Forwarded-Host"); fwdHost != "" {
			host = fwdHost
		}
	}
	return scheme + "://" + host
}

func (f *Federation) serveWebFinger(w http.ResponseWriter, r *http.Request, ctx *Context) {
	resolve := responder.DefaultResolveHandle(func(path string) (string, bool) {
		m, ok := f.router.Route(path)
		if !ok || m.Name != "actor" {
			return "", false
		}
		return m.Values["handle"], true
	})
	lookupActor := func(c context.Context, handle string) (ld.Document, error) {
		d, ok := f.registry.ActorDispatcher()
		if !ok {
			return nil, nil
		}
		return d(c, handle)
	}
	buildActorURL := func(handle string) string {
		return ctx.BuildURL("actor", map[string]string{"handle": handle})
	}
	responder.ServeWebFinger(w, r, resolve, lookupActor, buildActorURL)
}

func (f *Federation) serveActor(w http.ResponseWriter, r *http.Request, ctx *Context, match router.Match) {
	dispatcher, ok := f.registry.ActorDispatcher()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	doc, err := dispatcher(ctx.Context(), match.Values["handle"])
	if err != nil {
		slog.Error("federation: actor dispatcher failed", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if doc != nil {
		_, _, _, _, _, hasFollowers := f.registry.Collection("followers")
		responder.CheckActorConsistency(doc, f.registry.HasListeners(), hasFollowers)
	}
	responder.ServeActor(w, r, doc, doc != nil, f.onNotFoundHook(), f.onNotAcceptableHook())
}

func (f *Federation) serveObject(w http.ResponseWriter, r *http.Request, ctx *Context, match router.Match, typeIRI string) {
	dispatcher, ok := f.registry.ObjectDispatcher(typeIRI)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	doc, err := dispatcher(ctx.Context(), match.Values)
	if err != nil {
		slog.Error("federation: object dispatcher failed", "type", typeIRI, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	responder.ServeObject(w, r, doc, doc != nil, f.onNotFoundHook(), f.onNotAcceptableHook())
}

func (f *Federation) onNotFoundHook() responder.NotFound {
	return func(c context.Context, path string) {
		if h := f.registry.OnNotFound(); h != nil {
			h(c, path)
		}
	}
}

func (f *Federation) onNotAcceptableHook() responder.NotAcceptable {
	return func(c context.Context, path string) {
		if h := f.registry.OnNotAcceptable(); h != nil {
			h(c, path)
		}
	}
}

func (f *Federation) serveCollection(w http.ResponseWriter, r *http.Request, ctx *Context, match router.Match) {
	dispatcher, counter, first, last, authorize, ok := f.registry.Collection(match.Name)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	ctx.verifiedKeyID = f.tryVerifySignedGET(r)

	req := responder.CollectionRequest{
		Handle:        match.Values["handle"],
		CollectionURL: ctx.Origin() + r.URL.Path,
		VerifiedKeyID: ctx.VerifiedKeyID(),
		BaseURLFilter: r.URL.Query().Get("base-url"),
	}

	onUnauthorized := func(c context.Context, path string) {
		if h := f.registry.OnUnauthorized(); h != nil {
			h(c, path)
		}
	}
	onNotAcceptable := func(c context.Context, path string) {
		if h := f.registry.OnNotAcceptable(); h != nil {
			h(c, path)
		}
	}

	responder.ServeCollection(w, r, req, dispatcher, counter, first, last, authorize, onUnauthorized, onNotAcceptable)
}

func (f *Federation) serveInboxPost(w http.ResponseWriter, r *http.Request, shared bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	r.Body.Close()

	peer := r.RemoteAddr
	var parsed ld.Document
	if doc, perr := ld.Parse(body); perr == nil {
		parsed = doc
		if actorOrigin := originOf(doc.ActorID()); actorOrigin != "" {
			peer = actorOrigin
		}
	}

	if !f.limiter.acquire(peer) {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	defer f.limiter.release(peer)

	pipeline := f.inboxPipeline
	if shared && parsed != nil {
		if resolver, ok := f.sharedInboxKeyResolver(r.Context(), parsed.ActorID()); ok {
			scoped := *f.inboxPipeline
			scoped.KeyResolver = resolver
			pipeline = &scoped
		}
	}

	outcome, _, err := pipeline.Handle(r.Context(), r, body)
	switch outcome {
	case inbox.OutcomeBadRequest:
		slog.Debug("federation: inbox parse failed", "error", err)
		w.WriteHeader(http.StatusBadRequest)
	case inbox.OutcomeUnauthorized:
		w.Header().Set("Vary", "Accept, Signature")
		slog.Debug("federation: inbox verification failed", "error", err)
		w.WriteHeader(http.StatusUnauthorized)
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

// originOf returns the scheme://host of rawURL, or "" if it does not parse.
func originOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// tryVerifySignedGET attempts best-effort HTTP-signature verification of a
// bodyless GET request so a collection's authorizePredicate can see who's
// asking. Failure is not surfaced as an error here: most collection reads
// are public, and only a registered authorizePredicate turns an unverified
// request into a 401.
func (f *Federation) tryVerifySignedGET(r *http.Request) string {
	if r.Header.Get("Signature") == "" {
		return ""
	}
	result, err := httpsig.Verify(r.Context(), r, nil, f.keyCache, httpsig.Options{TimeWindow: f.signatureTimeWindow})
	if err != nil {
		slog.Debug("federation: collection request signature did not verify", "error", err)
		return ""
	}
	return result.KeyID
}
