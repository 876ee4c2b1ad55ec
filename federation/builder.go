// Package federation is the public API of the federation core: a Builder
// that closes into an immutable Federation owning the route table, the
// callback registry, the key cache, and the KV/MQ backends, plus a
// per-request/per-send Context that borrows from it.
package federation

import (
	"context"
	"fmt"
	"time"

	"github.com/klppl/fedcore/dataintegrity"
	"github.com/klppl/fedcore/inbox"
	"github.com/klppl/fedcore/keycache"
	"github.com/klppl/fedcore/kv"
	"github.com/klppl/fedcore/ld"
	"github.com/klppl/fedcore/mq"
	"github.com/klppl/fedcore/registry"
	"github.com/klppl/fedcore/router"
	"github.com/klppl/fedcore/sender"
)

// DocumentLoader fetches a remote JSON-LD document. Implementations must
// reject non-HTTP(S) URLs and private addresses unless explicitly permitted;
// NewKVDocumentLoader is the default and does both.
type DocumentLoader func(ctx context.Context, url string) (doc ld.Document, documentURL, contextURL string, err error)

// AuthenticatedDocumentLoaderFactory builds a DocumentLoader that signs its
// fetches as identity (an actor handle or id), for shared-inbox and proof
// verification flows that must dereference as a specific local actor.
type AuthenticatedDocumentLoaderFactory func(identity string) DocumentLoader

// KVPrefixes namespaces the KV keys the core writes directly: idempotence
// records for inbound activities and the remote-document fetch cache.
type KVPrefixes struct {
	ActivityIdempotence kv.Key
	RemoteDocument      kv.Key
}

func defaultKVPrefixes() KVPrefixes {
	return KVPrefixes{
		ActivityIdempotence: kv.Key{"_fedcore", "activityIdempotence"},
		RemoteDocument:      kv.Key{"_fedcore", "remoteDocument"},
	}
}

// maxBackoffDelay bounds a single retry delay in the backoff schedule.
const maxBackoffDelay = 30 * 24 * time.Hour

// Builder assembles a Federation instance. Every field is a plain exported
// value: populate what's needed, then call Build once. Option functions
// exist for callers that prefer composing a Builder programmatically.
type Builder struct {
	Router   *router.Router
	Registry *registry.Registry

	KV    kv.Store
	Queue mq.Queue

	KVPrefixes KVPrefixes

	DocumentLoader                     DocumentLoader
	ContextLoader                      DocumentLoader
	AuthenticatedDocumentLoaderFactory AuthenticatedDocumentLoaderFactory

	OnOutboxError sender.OnOutboxError

	SignatureTimeWindow    time.Duration
	BackoffSchedule        []time.Duration
	ActivityIdempotenceTTL time.Duration
	TrustForwardedHeaders  bool
}

// Option mutates a Builder.
type Option func(*Builder)

func WithKV(store kv.Store) Option { return func(b *Builder) { b.KV = store } }

func WithQueue(q mq.Queue) Option { return func(b *Builder) { b.Queue = q } }

func WithDocumentLoader(l DocumentLoader) Option { return func(b *Builder) { b.DocumentLoader = l } }

func WithContextLoader(l DocumentLoader) Option { return func(b *Builder) { b.ContextLoader = l } }

func WithAuthenticatedDocumentLoaderFactory(f AuthenticatedDocumentLoaderFactory) Option {
	return func(b *Builder) { b.AuthenticatedDocumentLoaderFactory = f }
}

func WithOnOutboxError(h sender.OnOutboxError) Option {
	return func(b *Builder) { b.OnOutboxError = h }
}

// WithSignatureTimeWindow sets the allowed clock skew for inbound Date
// headers. Zero keeps the one-minute default; a negative value disables the
// check entirely.
func WithSignatureTimeWindow(d time.Duration) Option {
	return func(b *Builder) { b.SignatureTimeWindow = d }
}

func WithBackoffSchedule(schedule []time.Duration) Option {
	return func(b *Builder) { b.BackoffSchedule = schedule }
}

func WithActivityIdempotenceTTL(d time.Duration) Option {
	return func(b *Builder) { b.ActivityIdempotenceTTL = d }
}

func WithTrustForwardedHeaders(trust bool) Option {
	return func(b *Builder) { b.TrustForwardedHeaders = trust }
}

// NewBuilder returns a Builder with an empty Router and Registry ready for
// registration, with opts applied in order.
func NewBuilder(opts ...Option) *Builder {
	b := &Builder{
		Router:     router.New(),
		Registry:   registry.New(),
		KVPrefixes: defaultKVPrefixes(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build closes the Builder into an immutable Federation. KV is required and
// each backoff schedule entry must be at most thirty days; both are
// programming errors caught at setup time, so Build panics rather than
// returning an error the caller would have to thread through wiring code.
func (b *Builder) Build() *Federation {
	if b.KV == nil {
		panic("federation: Builder.KV is required")
	}
	for _, d := range b.BackoffSchedule {
		if d > maxBackoffDelay {
			panic(fmt.Sprintf("federation: backoff delay %v exceeds the %v maximum", d, maxBackoffDelay))
		}
	}
	if b.Router == nil {
		b.Router = router.New()
	}
	if b.Registry == nil {
		b.Registry = registry.New()
	}

	prefixes := b.KVPrefixes
	if prefixes.ActivityIdempotence == nil {
		prefixes = defaultKVPrefixes()
	}

	ttl := b.ActivityIdempotenceTTL
	if ttl <= 0 {
		ttl = inbox.DefaultIdempotenceTTL
	}

	f := &Federation{
		router:                 b.Router,
		registry:               b.Registry,
		kv:                     b.KV,
		queue:                  b.Queue,
		kvPrefixes:             prefixes,
		documentLoader:         b.DocumentLoader,
		contextLoader:          b.ContextLoader,
		authLoaderFactory:      b.AuthenticatedDocumentLoaderFactory,
		signatureTimeWindow:    b.SignatureTimeWindow,
		activityIdempotenceTTL: ttl,
		trustForwardedHeaders:  b.TrustForwardedHeaders,
		limiter:                newInboxLimiter(),
	}

	if f.documentLoader == nil {
		f.documentLoader = NewKVDocumentLoader(b.KV, prefixes.RemoteDocument, LoaderOptions{})
	}

	contextLoader := f.contextLoader
	if contextLoader == nil {
		contextLoader = f.documentLoader
	}
	f.proofSuite = &dataintegrity.Suite{ContextLoader: goldLoader{load: contextLoader}}

	f.keyCache = keycache.New(f.fetchVerificationKey, keycache.Options{})
	f.dispatcher = sender.NewDispatcher(b.Queue, b.OnOutboxError)
	f.dispatcher.Proofs = f.proofSuite
	if b.BackoffSchedule != nil {
		f.dispatcher.BackoffSchedule = b.BackoffSchedule
	}

	f.inboxPipeline = &inbox.Pipeline{
		KV:                  f.kv,
		IdempotencePrefix:   prefixes.ActivityIdempotence,
		IdempotenceTTL:      ttl,
		Listeners:           listenerRegistryAdapter{reg: f.registry},
		KeyResolver:         f.keyCache,
		ProofVerifier:       f.verifyProof,
		ErrorHandler:        f.handleListenerError,
		SignatureTimeWindow: f.signatureTimeWindow,
	}

	return f
}
