package federation

import (
	"context"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"time"

	"github.com/multiformats/go-multibase"

	"github.com/klppl/fedcore/dataintegrity"
	"github.com/klppl/fedcore/inbox"
	"github.com/klppl/fedcore/keycache"
	"github.com/klppl/fedcore/keys"
	"github.com/klppl/fedcore/kv"
	"github.com/klppl/fedcore/ld"
	"github.com/klppl/fedcore/mq"
	"github.com/klppl/fedcore/registry"
	"github.com/klppl/fedcore/router"
	"github.com/klppl/fedcore/sender"
)

// Federation owns the Router, the Registry, the key cache, and the KV/MQ
// backends for one federated application instance. It is immutable once
// built; Context values borrow from it for the lifetime of one request or
// one send call. Separate Federation instances share nothing.
type Federation struct {
	router   *router.Router
	registry *registry.Registry

	kv    kv.Store
	queue mq.Queue

	kvPrefixes KVPrefixes

	documentLoader    DocumentLoader
	contextLoader     DocumentLoader
	authLoaderFactory AuthenticatedDocumentLoaderFactory

	signatureTimeWindow    time.Duration
	activityIdempotenceTTL time.Duration
	trustForwardedHeaders  bool

	keyCache      *keycache.Cache
	proofSuite    *dataintegrity.Suite
	dispatcher    *sender.Dispatcher
	inboxPipeline *inbox.Pipeline
	limiter       *inboxLimiter
}

// Router exposes the route table so the application can register templates
// before the first request is served.
func (f *Federation) Router() *router.Router { return f.router }

// Registry exposes the callback registry so the application can register
// its actor/object/collection/listener callbacks before the first request.
func (f *Federation) Registry() *registry.Registry { return f.registry }

// NewContext builds a fresh, request/send-scoped Context borrowing from f.
// A Context is never shared across requests.
func (f *Federation) NewContext(ctx context.Context, requestOrigin string) *Context {
	return &Context{
		ctx:           ctx,
		federation:    f,
		requestOrigin: requestOrigin,
	}
}

// listenerRegistryAdapter bridges the registry's listener table to the
// inbox pipeline's ListenerRegistry seam; the two packages name the same
// listener signature independently so neither depends on the other.
type listenerRegistryAdapter struct {
	reg *registry.Registry
}

func (a listenerRegistryAdapter) Resolve(typeIRI string) (inbox.Listener, bool) {
	l, ok := a.reg.Resolve(typeIRI)
	if !ok {
		return nil, false
	}
	return inbox.Listener(l), true
}

// handleListenerError adapts the registry's InboxErrorHandler into
// inbox.ErrorHandler.
func (f *Federation) handleListenerError(ctx context.Context, activity ld.Document, err error) {
	if h := f.registry.InboxErrorHandler(); h != nil {
		h(ctx, activity, err)
		return
	}
	slog.Error("federation: inbox listener error", "activity", activity.ID(), "type", activity.Type(), "error", err)
}

// fetchVerificationKey resolves keyID to a VerificationKey via the
// configured document loader, understanding both an embedded PEM
// publicKeyPem and a Multikey publicKeyMultibase (FEP-521a).
func (f *Federation) fetchVerificationKey(ctx context.Context, keyID string) (keys.VerificationKey, error) {
	return f.fetchVerificationKeyVia(ctx, f.documentLoader, keyID)
}

// fetchVerificationKeyVia is fetchVerificationKey generalized over the
// document loader used to dereference keyID, so the shared-inbox path can
// supply an identity-scoped, authenticated loader instead of the anonymous
// default.
func (f *Federation) fetchVerificationKeyVia(ctx context.Context, loader DocumentLoader, keyID string) (keys.VerificationKey, error) {
	if loader == nil {
		return keys.VerificationKey{}, fmt.Errorf("federation: no document loader configured")
	}

	doc, _, _, err := loader(ctx, keyID)
	if err != nil {
		return keys.VerificationKey{}, fmt.Errorf("federation: fetch key %s: %w", keyID, err)
	}

	keyDoc := doc
	if embedded, ok := doc["publicKey"].(map[string]any); ok {
		keyDoc = ld.Document(embedded)
	} else if assertion, ok := doc["assertionMethod"].([]any); ok && len(assertion) > 0 {
		if first, ok := assertion[0].(map[string]any); ok {
			keyDoc = ld.Document(first)
		}
	}

	id := keyDoc.ID()
	if id == "" {
		id = keyID
	}
	owner := referenceOrString(keyDoc, "owner")
	if owner == "" {
		owner = referenceOrString(keyDoc, "controller")
	}
	if owner == "" {
		owner = doc.ID()
	}

	if pemStr, ok := keyDoc["publicKeyPem"].(string); ok && pemStr != "" {
		pub, err := parseRSAPublicKeyPEM([]byte(pemStr))
		if err != nil {
			return keys.VerificationKey{}, fmt.Errorf("federation: parse publicKeyPem for %s: %w", keyID, err)
		}
		return keys.VerificationKey{ID: id, Owner: owner, Algorithm: keys.AlgorithmRSA, RSAPublic: pub}, nil
	}

	if mb, ok := keyDoc["publicKeyMultibase"].(string); ok && mb != "" {
		pub, err := decodeEd25519Multikey(mb)
		if err != nil {
			return keys.VerificationKey{}, fmt.Errorf("federation: decode publicKeyMultibase for %s: %w", keyID, err)
		}
		return keys.VerificationKey{ID: id, Owner: owner, Algorithm: keys.AlgorithmEd25519, EdPublic: pub}, nil
	}

	return keys.VerificationKey{}, fmt.Errorf("federation: key document %s carries no recognized public key field", keyID)
}

// verifyProof implements inbox.ProofVerifier: it checks every object-level
// proof attached to activity and requires every attributedTo id plus the
// actor id to match the controller of at least one verifying key. An inbound
// activity authenticated this way is accepted even when its HTTP signature
// is absent or invalid.
func (f *Federation) verifyProof(ctx context.Context, activity ld.Document) (string, bool) {
	docContext := activity["@context"]
	if docContext == nil {
		docContext = "https://www.w3.org/ns/activitystreams"
	}

	attributionIDs := append(append([]string{}, activity.AttributedTo()...), activity.ActorID())
	resolve := func(verificationMethod string) (keys.VerificationKey, error) {
		return f.fetchVerificationKey(ctx, verificationMethod)
	}

	if err := f.proofSuite.VerifyObject(map[string]any(activity), docContext, attributionIDs, resolve); err != nil {
		slog.Debug("federation: data-integrity proof verification failed", "activity", activity.ID(), "error", err)
		return "", false
	}
	return activity.ActorID(), true
}

// identityKeyResolver is an uncached key resolver bound to one authenticated
// document loader, used only for the lifetime of a single shared-inbox
// request. It deliberately bypasses the shared keyCache: the loader it wraps
// signs its fetches as a specific local actor, so its results aren't safe to
// share across identities.
type identityKeyResolver struct {
	federation *Federation
	loader     DocumentLoader
}

func (r identityKeyResolver) Get(ctx context.Context, keyID string) (keys.VerificationKey, error) {
	return r.federation.fetchVerificationKeyVia(ctx, r.loader, keyID)
}

func (r identityKeyResolver) Refetch(ctx context.Context, keyID string) (keys.VerificationKey, error) {
	return r.federation.fetchVerificationKeyVia(ctx, r.loader, keyID)
}

// sharedInboxKeyResolver picks the identity the shared-inbox key dispatcher
// names for activityActorID and returns a KeyResolver scoped to it, or
// (nil, false) when no shared-inbox key dispatcher / authenticated loader
// factory is configured (callers fall back to the federation-wide cache).
func (f *Federation) sharedInboxKeyResolver(ctx context.Context, activityActorID string) (inbox.KeyResolver, bool) {
	dispatch, ok := f.registry.SharedInboxKeyDispatcher()
	if !ok || f.authLoaderFactory == nil {
		return nil, false
	}
	identity, err := dispatch(ctx, registry.SharedInboxRequest{ActivityActorID: activityActorID})
	if err != nil || identity == "" {
		slog.Debug("federation: shared inbox key dispatcher found no identity", "actor", activityActorID, "error", err)
		return nil, false
	}
	loader := f.authLoaderFactory(identity)
	if loader == nil {
		return nil, false
	}
	return identityKeyResolver{federation: f, loader: loader}, true
}

func parseRSAPublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse PKIX public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}
	return rsaPub, nil
}

// decodeEd25519Multikey decodes a publicKeyMultibase value: a multibase
// string whose decoded bytes are the 2-byte multicodec prefix for
// ed25519-pub (0xed, 0x01) followed by the raw 32-byte public key.
func decodeEd25519Multikey(encoded string) (ed25519.PublicKey, error) {
	_, data, err := multibase.Decode(encoded)
	if err != nil {
		return nil, fmt.Errorf("multibase decode: %w", err)
	}
	if len(data) < 2 || data[0] != 0xed || data[1] != 0x01 {
		return nil, fmt.Errorf("unrecognized multicodec prefix")
	}
	return ed25519.PublicKey(data[2:]), nil
}

// referenceOrString reads key off doc as either a bare IRI string or an
// embedded object's "id" field.
func referenceOrString(doc ld.Document, key string) string {
	switch v := doc[key].(type) {
	case string:
		return v
	case map[string]any:
		s, _ := v["id"].(string)
		return s
	}
	return ""
}
