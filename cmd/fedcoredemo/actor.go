package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/multiformats/go-multibase"

	"github.com/klppl/fedcore/config"
	"github.com/klppl/fedcore/federation"
	"github.com/klppl/fedcore/httpsig"
	"github.com/klppl/fedcore/keys"
	"github.com/klppl/fedcore/kv"
	"github.com/klppl/fedcore/ld"
	"github.com/klppl/fedcore/registry"
	"github.com/klppl/fedcore/router"
)

// registerRoutes binds the standard federation URL shapes to the
// single-actor demo's handle variable.
func registerRoutes(r *router.Router) {
	must := func(_ []string, err error) {
		if err != nil {
			slog.Error("fedcoredemo: route registration failed", "error", err)
			os.Exit(1)
		}
	}
	must(r.Add("webfinger", "/.well-known/webfinger"))
	must(r.Add("nodeInfoJrd", "/.well-known/nodeinfo"))
	must(r.Add("nodeInfo", "/nodeinfo/2.1"))
	must(r.Add("actor", "/users/{handle}"))
	must(r.Add("inbox", "/users/{handle}/inbox"))
	must(r.Add("sharedInbox", "/inbox"))
	must(r.Add("outbox", "/users/{handle}/outbox"))
	must(r.Add("following", "/users/{handle}/following"))
	must(r.Add("followers", "/users/{handle}/followers"))
	must(r.Add("object:Note", "/notes/{id}"))
}

// keyBundle holds one actor's RSA and Ed25519 material, covering both the
// HTTP-Signature (RSA) and object-proof (Ed25519) signing paths.
type keyBundle struct {
	rsaPriv      *rsa.PrivateKey
	rsaPublicPEM string
	edPriv       ed25519.PrivateKey
	edPublicMB   string // multibase-encoded, multicodec-prefixed public key (FEP-521a)
}

// loadOrGenerateKeys loads the RSA and Ed25519 key material named by cfg,
// generating and persisting both on first run.
func loadOrGenerateKeys(cfg *config.Config) (*keyBundle, error) {
	rsaPriv, rsaPubPEM, err := loadOrGenerateRSA(cfg.RSAPrivateKeyPath, cfg.RSAPublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("rsa key pair: %w", err)
	}
	edPriv, edPubMB, err := loadOrGenerateEd25519(cfg.Ed25519KeyPath)
	if err != nil {
		return nil, fmt.Errorf("ed25519 key pair: %w", err)
	}
	return &keyBundle{rsaPriv: rsaPriv, rsaPublicPEM: rsaPubPEM, edPriv: edPriv, edPublicMB: edPubMB}, nil
}

func loadOrGenerateRSA(privatePath, publicPath string) (*rsa.PrivateKey, string, error) {
	privPEM, err := os.ReadFile(privatePath)
	if err == nil {
		block, _ := pem.Decode(privPEM)
		if block == nil {
			return nil, "", fmt.Errorf("decode %s: no PEM block", privatePath)
		}
		priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, "", fmt.Errorf("parse %s: %w", privatePath, err)
		}
		pubPEM, err := os.ReadFile(publicPath)
		if err != nil {
			return nil, "", fmt.Errorf("read %s: %w", publicPath, err)
		}
		return priv, string(pubPEM), nil
	}
	if !os.IsNotExist(err) {
		return nil, "", err
	}

	slog.Info("generating new RSA key pair", "private", privatePath, "public", publicPath)
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, "", fmt.Errorf("generate RSA key: %w", err)
	}
	privBytes := x509.MarshalPKCS1PrivateKey(priv)
	privOut := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: privBytes})
	pubBytes, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, "", fmt.Errorf("marshal RSA public key: %w", err)
	}
	pubOut := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})

	if err := os.WriteFile(privatePath, privOut, 0o600); err != nil {
		return nil, "", fmt.Errorf("write %s: %w", privatePath, err)
	}
	if err := os.WriteFile(publicPath, pubOut, 0o644); err != nil {
		return nil, "", fmt.Errorf("write %s: %w", publicPath, err)
	}
	return priv, string(pubOut), nil
}

// ed25519Multicodec is the 2-byte varint prefix for ed25519-pub, matching
// federation.go's decodeEd25519Multikey.
var ed25519Multicodec = [2]byte{0xed, 0x01}

func loadOrGenerateEd25519(path string) (ed25519.PrivateKey, string, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		if len(raw) != ed25519.PrivateKeySize {
			return nil, "", fmt.Errorf("%s: unexpected key length %d", path, len(raw))
		}
		priv := ed25519.PrivateKey(raw)
		pub := priv.Public().(ed25519.PublicKey)
		mb, err := encodeEd25519Multikey(pub)
		if err != nil {
			return nil, "", err
		}
		return priv, mb, nil
	}
	if !os.IsNotExist(err) {
		return nil, "", err
	}

	slog.Info("generating new Ed25519 key pair", "path", path)
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("generate ed25519 key: %w", err)
	}
	if err := os.WriteFile(path, priv, 0o600); err != nil {
		return nil, "", fmt.Errorf("write %s: %w", path, err)
	}
	mb, err := encodeEd25519Multikey(pub)
	if err != nil {
		return nil, "", err
	}
	return priv, mb, nil
}

func encodeEd25519Multikey(pub ed25519.PublicKey) (string, error) {
	data := append(append([]byte{}, ed25519Multicodec[:]...), pub...)
	return multibase.Encode(multibase.Base58BTC, data)
}

func (b *keyBundle) senderPairs(keyID, multikeyID string) []keys.SenderKeyPair {
	return []keys.SenderKeyPair{
		{KeyID: keyID, Algorithm: keys.AlgorithmRSA, RSAPrivate: b.rsaPriv},
		{KeyID: multikeyID, Algorithm: keys.AlgorithmEd25519, EdPrivate: b.edPriv},
	}
}

// demoActor is the single local actor the demo serves: its actor document,
// inbox/outbox/following/followers state, and the key material used to
// sign outbound requests and proofs.
type demoActor struct {
	cfg        *config.Config
	kv         kv.Store
	handle     string
	keys       *keyBundle
	federation *federation.Federation

	actorURL     string
	inboxURL     string
	outboxURL    string
	followingURL string
	followersURL string
	keyID        string
	multikeyID   string

	httpClient *http.Client
}

func newDemoActor(cfg *config.Config, store kv.Store, handle string, pair *keyBundle) *demoActor {
	base := cfg.BaseURL("")
	actorURL := base + "/users/" + handle
	return &demoActor{
		cfg:          cfg,
		kv:           store,
		handle:       handle,
		keys:         pair,
		actorURL:     actorURL,
		inboxURL:     actorURL + "/inbox",
		outboxURL:    actorURL + "/outbox",
		followingURL: actorURL + "/following",
		followersURL: actorURL + "/followers",
		keyID:        actorURL + "#main-key",
		multikeyID:   actorURL + "#ed25519-key",
		httpClient:   &http.Client{},
	}
}

// document builds this actor's ActivityPub actor object, carrying both the
// legacy RSA publicKeyPem and a FEP-521a Multikey assertionMethod so peers
// on either side of the transition can verify it.
func (a *demoActor) document() ld.Document {
	return ld.Document{
		"@context": []any{
			"https://www.w3.org/ns/activitystreams",
			"https://w3id.org/security/v1",
			"https://w3id.org/security/multikey/v1",
		},
		"id":                a.actorURL,
		"type":              "Person",
		"preferredUsername": a.handle,
		"inbox":             a.inboxURL,
		"outbox":            a.outboxURL,
		"following":         a.followingURL,
		"followers":         a.followersURL,
		"publicKey": map[string]any{
			"id":           a.keyID,
			"owner":        a.actorURL,
			"publicKeyPem": a.keys.rsaPublicPEM,
		},
		"assertionMethod": []any{
			map[string]any{
				"id":                 a.multikeyID,
				"type":               "Multikey",
				"controller":         a.actorURL,
				"publicKeyMultibase": a.keys.edPublicMB,
			},
		},
	}
}

// register wires every registry slot the demo actor needs. Collections are
// single-page (no SetCollectionPaging); the sqlstore-backed lists would
// support cursors should an embedder add paging later.
func (a *demoActor) register(reg *registry.Registry) {
	must := func(err error) {
		if err != nil {
			slog.Error("fedcoredemo: registry setup failed", "error", err)
			os.Exit(1)
		}
	}

	must(reg.SetActorDispatcher(func(ctx context.Context, handle string) (ld.Document, error) {
		if handle != a.handle {
			return nil, nil
		}
		return a.document(), nil
	}))

	must(reg.SetObjectDispatcher("Note", func(ctx context.Context, values map[string]string) (ld.Document, error) {
		raw, ok, err := a.kv.Get(ctx, kv.Key{"fedcoredemo", "notes", values["id"]})
		if err != nil || !ok {
			return nil, err
		}
		return ld.Parse(raw)
	}))

	must(reg.SetCollectionDispatcher("following", a.listCollection("following")))
	must(reg.SetCollectionDispatcher("followers", a.listCollection("followers")))
	must(reg.SetCollectionDispatcher("outbox", a.listCollection("outbox")))

	must(reg.SetNodeInfoDispatcher(func(ctx context.Context) (map[string]any, error) {
		return map[string]any{
			"version": "2.1",
			"software": map[string]any{"name": "fedcoredemo", "version": "0.1.0"},
			"protocols": []string{"activitypub"},
			"usage":     map[string]any{"users": map[string]any{"total": 1}},
			"openRegistrations": false,
		}, nil
	}))

	must(reg.SetSharedInboxKeyDispatcher(func(ctx context.Context, req registry.SharedInboxRequest) (string, error) {
		return a.handle, nil
	}))

	reg.SetSupertype("Follow", "Activity")
	reg.SetSupertype("Undo", "Activity")
	reg.SetSupertype("Create", "Activity")

	must(reg.SetListener("Follow", a.handleFollow))
	must(reg.SetListener("Undo", a.handleUndo))
	must(reg.SetListener("Activity", a.handleGenericActivity))

	must(reg.SetInboxErrorHandler(func(ctx context.Context, activity ld.Document, err error) {
		slog.Error("fedcoredemo: inbox listener failed", "activity", activity.ID(), "type", activity.Type(), "error", err)
	}))
}

// listCollection returns a CollectionDispatcher over the string list stored
// at kv key {"fedcoredemo", name}, appended to by
// appendToCollection.
func (a *demoActor) listCollection(name string) registry.CollectionDispatcher {
	return func(ctx context.Context, handle string, cursor string) (registry.CollectionPage, error) {
		ids, err := a.loadIDList(ctx, name)
		if err != nil {
			return registry.CollectionPage{}, err
		}
		items := make([]ld.Document, 0, len(ids))
		for _, id := range ids {
			items = append(items, ld.Document{"id": id})
		}
		return registry.CollectionPage{Items: items}, nil
	}
}

func (a *demoActor) fetchDocument(ctx context.Context, url string) (ld.Document, string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", "", err
	}
	req.Header.Set("Accept", `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`)

	if err := httpsig.Sign(req, a.keyID, a.keys.rsaPriv, nil); err != nil {
		return nil, "", "", fmt.Errorf("sign fetch request: %w", err)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, "", "", fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", "", err
	}
	doc, err := ld.Parse(body)
	if err != nil {
		return nil, "", "", err
	}
	return doc, url, "", nil
}
