package federation

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klppl/fedcore/httpsig"
	"github.com/klppl/fedcore/kv"
	"github.com/klppl/fedcore/ld"
	"github.com/klppl/fedcore/registry"
	"github.com/klppl/fedcore/router"
)

type memKV struct {
	mu sync.Mutex
	m  map[string][]byte
}

func newMemKV() *memKV { return &memKV{m: make(map[string][]byte)} }

func (s *memKV) Get(ctx context.Context, key kv.Key) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key.Join("\x1f")]
	return v, ok, nil
}

func (s *memKV) Set(ctx context.Context, key kv.Key, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key.Join("\x1f")] = value
	return nil
}

func (s *memKV) Delete(ctx context.Context, key kv.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key.Join("\x1f"))
	return nil
}

// testEnv is one fully wired Federation for an alice@example.com server,
// with a stub document loader serving a single remote actor's key document.
type testEnv struct {
	fed           *Federation
	listenerCalls *int

	remoteActorID string
	remoteKeyID   string
	remotePriv    *rsa.PrivateKey
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	remotePriv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pubDER, err := x509.MarshalPKIXPublicKey(&remotePriv.PublicKey)
	require.NoError(t, err)
	pubPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}))

	env := &testEnv{
		listenerCalls: new(int),
		remoteActorID: "https://remote.test/users/bob",
		remoteKeyID:   "https://remote.test/users/bob#main-key",
		remotePriv:    remotePriv,
	}

	loader := func(ctx context.Context, url string) (ld.Document, string, string, error) {
		if strings.HasPrefix(url, env.remoteActorID) {
			return ld.Document{
				"id":   env.remoteActorID,
				"type": "Person",
				"publicKey": map[string]any{
					"id":           env.remoteKeyID,
					"owner":        env.remoteActorID,
					"publicKeyPem": pubPEM,
				},
			}, url, "", nil
		}
		return nil, "", "", fmt.Errorf("unknown document %s", url)
	}

	b := NewBuilder(
		WithKV(newMemKV()),
		WithDocumentLoader(loader),
	)
	registerTestRoutes(t, b.Router)
	registerTestCallbacks(t, b.Registry, env.listenerCalls)

	env.fed = b.Build()
	return env
}

func registerTestRoutes(t *testing.T, r *router.Router) {
	t.Helper()
	for name, template := range map[string]string{
		"webfinger":   "/.well-known/webfinger",
		"nodeInfoJrd": "/.well-known/nodeinfo",
		"nodeInfo":    "/nodeinfo/2.1",
		"actor":       "/users/{handle}",
		"inbox":       "/users/{handle}/inbox",
		"outbox":      "/users/{handle}/outbox",
	} {
		_, err := r.Add(name, template)
		require.NoError(t, err)
	}
}

func registerTestCallbacks(t *testing.T, reg *registry.Registry, listenerCalls *int) {
	t.Helper()

	require.NoError(t, reg.SetActorDispatcher(func(ctx context.Context, handle string) (ld.Document, error) {
		if handle != "alice" {
			return nil, nil
		}
		return ld.Document{
			"id":     "http://example.com/users/alice",
			"type":   "Person",
			"inbox":  "http://example.com/users/alice/inbox",
			"outbox": "http://example.com/users/alice/outbox",
		}, nil
	}))

	items := []ld.Document{
		{"id": "http://example.com/activities/0", "type": "Create"},
		{"id": "http://example.com/activities/1", "type": "Create"},
		{"id": "http://example.com/activities/2", "type": "Create"},
	}
	require.NoError(t, reg.SetCollectionDispatcher("outbox", func(ctx context.Context, handle, cursor string) (registry.CollectionPage, error) {
		if cursor == "" {
			return registry.CollectionPage{Items: items}, nil
		}
		i, err := strconv.Atoi(cursor)
		if err != nil || i < 0 || i >= len(items) {
			return registry.CollectionPage{}, fmt.Errorf("bad cursor %q", cursor)
		}
		page := registry.CollectionPage{Items: items[i : i+1]}
		if i > 0 {
			page.PrevCursor, page.HasPrev = strconv.Itoa(i-1), true
		}
		if i < len(items)-1 {
			page.NextCursor, page.HasNext = strconv.Itoa(i+1), true
		}
		return page, nil
	}))
	require.NoError(t, reg.SetCollectionPaging("outbox",
		func(ctx context.Context, handle string) (int, error) { return len(items), nil },
		func(ctx context.Context, handle string) (string, error) { return "0", nil },
		func(ctx context.Context, handle string) (string, error) { return "2", nil },
	))

	reg.SetSupertype("Create", "Activity")
	require.NoError(t, reg.SetListener("Create", func(ctx context.Context, activity ld.Document) error {
		*listenerCalls++
		return nil
	}))
}

func TestFederation_WebFingerLookup(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest("GET", "http://example.com/.well-known/webfinger?resource=acct:alice@example.com", nil)
	rec := httptest.NewRecorder()
	env.fed.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	var jrd map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jrd))
	assert.Equal(t, "acct:alice@example.com", jrd["subject"])
	links := jrd["links"].([]any)
	require.NotEmpty(t, links)
	self := links[0].(map[string]any)
	assert.Equal(t, "self", self["rel"])
	assert.Equal(t, "application/activity+json", self["type"])
	assert.Equal(t, "http://example.com/users/alice", self["href"])

	req = httptest.NewRequest("GET", "http://example.com/.well-known/webfinger?resource=acct:bob@example.com", nil)
	rec = httptest.NewRecorder()
	env.fed.ServeHTTP(rec, req)
	assert.Equal(t, 404, rec.Code)
}

func TestFederation_ActorContentNegotiation(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest("GET", "http://example.com/users/alice", nil)
	req.Header.Set("Accept", "text/html")
	rec := httptest.NewRecorder()
	env.fed.ServeHTTP(rec, req)
	assert.Equal(t, 406, rec.Code)
	assert.Equal(t, "Accept, Signature", rec.Header().Get("Vary"))

	req = httptest.NewRequest("GET", "http://example.com/users/alice", nil)
	req.Header.Set("Accept", "application/activity+json")
	rec = httptest.NewRecorder()
	env.fed.ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `"Person"`)
	assert.Contains(t, rec.Body.String(), `"http://example.com/users/alice"`)

	req = httptest.NewRequest("GET", "http://example.com/users/nobody", nil)
	req.Header.Set("Accept", "application/activity+json")
	rec = httptest.NewRecorder()
	env.fed.ServeHTTP(rec, req)
	assert.Equal(t, 404, rec.Code)
}

func TestFederation_CollectionPaging(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest("GET", "http://example.com/users/alice/outbox", nil)
	req.Header.Set("Accept", "application/activity+json")
	rec := httptest.NewRecorder()
	env.fed.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "OrderedCollection", body["type"])
	assert.Equal(t, float64(3), body["totalItems"])
	assert.True(t, strings.HasSuffix(body["first"].(string), "?cursor=0"))
	assert.True(t, strings.HasSuffix(body["last"].(string), "?cursor=2"))

	req = httptest.NewRequest("GET", "http://example.com/users/alice/outbox?cursor=0", nil)
	req.Header.Set("Accept", "application/activity+json")
	rec = httptest.NewRecorder()
	env.fed.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body = map[string]any{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "OrderedCollectionPage", body["type"])
	assert.Len(t, body["orderedItems"], 1)
	assert.True(t, strings.HasSuffix(body["next"].(string), "?cursor=1"))
	assert.NotContains(t, body, "prev")
}

func (env *testEnv) inboxActivity() []byte {
	activity := ld.Document{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       "https://remote.test/activities/1",
		"type":     "Create",
		"actor":    env.remoteActorID,
		"object":   map[string]any{"type": "Note", "content": "hi"},
	}
	body, _ := activity.Bytes()
	return body
}

func TestFederation_InboxRequiresSignature(t *testing.T) {
	env := newTestEnv(t)
	body := env.inboxActivity()

	// Unsigned: rejected, listener untouched.
	req := httptest.NewRequest("POST", "http://example.com/users/alice/inbox", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	env.fed.ServeHTTP(rec, req)
	assert.Equal(t, 401, rec.Code)
	assert.Equal(t, "Accept, Signature", rec.Header().Get("Vary"))
	assert.Equal(t, 0, *env.listenerCalls)

	// Signed with the remote actor's key: accepted, dispatched once.
	req = httptest.NewRequest("POST", "http://example.com/users/alice/inbox", bytes.NewReader(body))
	require.NoError(t, httpsig.Sign(req, env.remoteKeyID, env.remotePriv, body))
	rec = httptest.NewRecorder()
	env.fed.ServeHTTP(rec, req)
	assert.Equal(t, 202, rec.Code)
	assert.Equal(t, 1, *env.listenerCalls)

	// Replay of the same activity id: accepted but not dispatched again.
	req = httptest.NewRequest("POST", "http://example.com/users/alice/inbox", bytes.NewReader(body))
	require.NoError(t, httpsig.Sign(req, env.remoteKeyID, env.remotePriv, body))
	rec = httptest.NewRecorder()
	env.fed.ServeHTTP(rec, req)
	assert.Equal(t, 202, rec.Code)
	assert.Equal(t, 1, *env.listenerCalls)
}

func TestFederation_InboxRejectsKeyOwnedBySomeoneElse(t *testing.T) {
	env := newTestEnv(t)

	activity := ld.Document{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       "https://remote.test/activities/2",
		"type":     "Create",
		"actor":    "https://remote.test/users/mallory",
	}
	body, err := activity.Bytes()
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "http://example.com/users/alice/inbox", bytes.NewReader(body))
	require.NoError(t, httpsig.Sign(req, env.remoteKeyID, env.remotePriv, body))
	rec := httptest.NewRecorder()
	env.fed.ServeHTTP(rec, req)

	assert.Equal(t, 401, rec.Code)
	assert.Equal(t, 0, *env.listenerCalls)
}

func TestFederation_MalformedInboxBody(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest("POST", "http://example.com/users/alice/inbox", strings.NewReader("not json"))
	rec := httptest.NewRecorder()
	env.fed.ServeHTTP(rec, req)
	assert.Equal(t, 400, rec.Code)
}

func TestFederation_UnknownRoute(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest("GET", "http://example.com/totally/elsewhere", nil)
	rec := httptest.NewRecorder()
	env.fed.ServeHTTP(rec, req)
	assert.Equal(t, 404, rec.Code)
}

func TestFederation_NodeInfoJRD(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest("GET", "http://example.com/.well-known/nodeinfo", nil)
	rec := httptest.NewRecorder()
	env.fed.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	links := body["links"].([]any)
	require.Len(t, links, 1)
	assert.Equal(t, "http://example.com/nodeinfo/2.1", links[0].(map[string]any)["href"])
}

func TestFederation_RouteBuildRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := env.fed.NewContext(context.Background(), "http://example.com")

	url := ctx.BuildURL("actor", map[string]string{"handle": "alice"})
	assert.Equal(t, "http://example.com/users/alice", url)

	match, ok := env.fed.Router().Route("/users/alice")
	require.True(t, ok)
	assert.Equal(t, "actor", match.Name)
	assert.Equal(t, "alice", match.Values["handle"])
}
