package inbox

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klppl/fedcore/httpsig"
	"github.com/klppl/fedcore/keys"
	"github.com/klppl/fedcore/kv"
	"github.com/klppl/fedcore/ld"
)

type memKV struct{ m map[string][]byte }

func newMemKV() *memKV { return &memKV{m: make(map[string][]byte)} }

func (m *memKV) Get(ctx context.Context, key kv.Key) ([]byte, bool, error) {
	v, ok := m.m[key.Join("\x1f")]
	return v, ok, nil
}
func (m *memKV) Set(ctx context.Context, key kv.Key, value []byte, ttl time.Duration) error {
	m.m[key.Join("\x1f")] = value
	return nil
}
func (m *memKV) Delete(ctx context.Context, key kv.Key) error {
	delete(m.m, key.Join("\x1f"))
	return nil
}

type mapListenerRegistry map[string]Listener

func (r mapListenerRegistry) Resolve(typeIRI string) (Listener, bool) {
	l, ok := r[typeIRI]
	return l, ok
}

type staticKeyResolver struct{ key keys.VerificationKey }

func (s staticKeyResolver) Get(ctx context.Context, keyID string) (keys.VerificationKey, error) {
	return s.key, nil
}
func (s staticKeyResolver) Refetch(ctx context.Context, keyID string) (keys.VerificationKey, error) {
	return s.key, nil
}

func TestPipeline_Handle_AcceptsWhenNoListenerRegistered(t *testing.T) {
	p := &Pipeline{KV: newMemKV(), IdempotencePrefix: kv.Key{"idem"}, SkipSignatureVerify: true}
	body := []byte(`{"id":"https://example.test/activities/1","type":"Like","actor":"https://example.test/actor"}`)
	req := httptest.NewRequest("POST", "https://local.test/inbox", nil)

	outcome, activity, err := p.Handle(context.Background(), req, body)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, outcome)
	assert.Equal(t, "https://example.test/activities/1", activity.ID())
}

func TestPipeline_Handle_DispatchesToRegisteredListener(t *testing.T) {
	var received ld.Document
	registry := mapListenerRegistry{
		"Follow": func(ctx context.Context, activity ld.Document) error {
			received = activity
			return nil
		},
	}
	p := &Pipeline{KV: newMemKV(), IdempotencePrefix: kv.Key{"idem"}, Listeners: registry, SkipSignatureVerify: true}
	body := []byte(`{"id":"https://example.test/activities/1","type":"Follow","actor":"https://example.test/actor"}`)
	req := httptest.NewRequest("POST", "https://local.test/inbox", nil)

	outcome, _, err := p.Handle(context.Background(), req, body)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, outcome)
	assert.Equal(t, "https://example.test/activities/1", received.ID())
}

func TestPipeline_Handle_ReplayIsDeduplicated(t *testing.T) {
	calls := 0
	registry := mapListenerRegistry{
		"Follow": func(ctx context.Context, activity ld.Document) error {
			calls++
			return nil
		},
	}
	p := &Pipeline{KV: newMemKV(), IdempotencePrefix: kv.Key{"idem"}, Listeners: registry, SkipSignatureVerify: true}
	body := []byte(`{"id":"https://example.test/activities/1","type":"Follow","actor":"https://example.test/actor"}`)

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("POST", "https://local.test/inbox", nil)
		outcome, _, err := p.Handle(context.Background(), req, body)
		require.NoError(t, err)
		assert.Equal(t, OutcomeAccepted, outcome)
	}
	assert.Equal(t, 1, calls, "a replayed activity id must only dispatch once")
}

func TestPipeline_Handle_BadBodyRejected(t *testing.T) {
	p := &Pipeline{KV: newMemKV(), SkipSignatureVerify: true}
	req := httptest.NewRequest("POST", "https://local.test/inbox", nil)

	outcome, _, err := p.Handle(context.Background(), req, []byte("not json"))
	assert.Equal(t, OutcomeBadRequest, outcome)
	assert.ErrorIs(t, err, ErrParseFailed)
}

func TestPipeline_Handle_RequiresValidSignatureWhenNotSkipped(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	p := &Pipeline{
		KV:                newMemKV(),
		IdempotencePrefix: kv.Key{"idem"},
		KeyResolver:       staticKeyResolver{key: keys.VerificationKey{Owner: "https://example.test/actor", Algorithm: keys.AlgorithmRSA, RSAPublic: &priv.PublicKey}},
	}
	body := []byte(`{"id":"https://example.test/activities/1","type":"Follow","actor":"https://example.test/actor"}`)
	req := httptest.NewRequest("POST", "https://local.test/inbox", nil) // unsigned

	outcome, _, err := p.Handle(context.Background(), req, body)
	assert.Equal(t, OutcomeUnauthorized, outcome)
	assert.ErrorIs(t, err, httpsig.ErrMissingHeaders)
}

func TestPipeline_Handle_ProofVerifierAcceptsWhenSignatureMissing(t *testing.T) {
	var received ld.Document
	registry := mapListenerRegistry{
		"Follow": func(ctx context.Context, activity ld.Document) error {
			received = activity
			return nil
		},
	}
	p := &Pipeline{
		KV:                newMemKV(),
		IdempotencePrefix: kv.Key{"idem"},
		Listeners:         registry,
		ProofVerifier: func(ctx context.Context, activity ld.Document) (string, bool) {
			return activity.ActorID(), true
		},
	}
	body := []byte(`{"id":"https://example.test/activities/1","type":"Follow","actor":"https://example.test/actor"}`)
	req := httptest.NewRequest("POST", "https://local.test/inbox", nil) // unsigned, no HTTP signature

	outcome, _, err := p.Handle(context.Background(), req, body)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, outcome)
	assert.Equal(t, "https://example.test/activities/1", received.ID())
}

func TestPipeline_Handle_ProofVerifierRejectedFallsBackToUnauthorized(t *testing.T) {
	p := &Pipeline{
		KV:                newMemKV(),
		IdempotencePrefix: kv.Key{"idem"},
		ProofVerifier: func(ctx context.Context, activity ld.Document) (string, bool) {
			return "", false
		},
	}
	body := []byte(`{"id":"https://example.test/activities/1","type":"Follow","actor":"https://example.test/actor"}`)
	req := httptest.NewRequest("POST", "https://local.test/inbox", nil)

	outcome, _, err := p.Handle(context.Background(), req, body)
	assert.Equal(t, OutcomeUnauthorized, outcome)
	assert.ErrorIs(t, err, httpsig.ErrMissingHeaders)
}

func TestPipeline_Handle_SignedRequestDispatchedOnceAcrossReplays(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	calls := 0
	registry := mapListenerRegistry{
		"Follow": func(ctx context.Context, activity ld.Document) error {
			calls++
			return nil
		},
	}
	p := &Pipeline{
		KV:                newMemKV(),
		IdempotencePrefix: kv.Key{"idem"},
		Listeners:         registry,
		KeyResolver:       staticKeyResolver{key: keys.VerificationKey{ID: "https://example.test/actor#main-key", Owner: "https://example.test/actor", Algorithm: keys.AlgorithmRSA, RSAPublic: &priv.PublicKey}},
	}
	body := []byte(`{"id":"https://example.test/activities/9","type":"Follow","actor":"https://example.test/actor"}`)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("POST", "https://local.test/inbox", nil)
		require.NoError(t, httpsig.Sign(req, "https://example.test/actor#main-key", priv, body))

		outcome, _, err := p.Handle(context.Background(), req, body)
		require.NoError(t, err)
		assert.Equal(t, OutcomeAccepted, outcome)
	}
	assert.Equal(t, 1, calls, "the replayed activity must not dispatch a second time")
}

func TestPipeline_Handle_OwnershipMismatchRejected(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	p := &Pipeline{
		KV:                newMemKV(),
		IdempotencePrefix: kv.Key{"idem"},
		KeyResolver:       staticKeyResolver{key: keys.VerificationKey{Owner: "https://example.test/someone-else", Algorithm: keys.AlgorithmRSA, RSAPublic: &priv.PublicKey}},
	}
	body := []byte(`{"id":"https://example.test/activities/1","type":"Follow","actor":"https://example.test/actor"}`)

	req := httptest.NewRequest("POST", "https://local.test/inbox", nil)
	require.NoError(t, httpsig.Sign(req, "https://example.test/someone-else#main-key", priv, body))

	outcome, _, err := p.Handle(context.Background(), req, body)
	assert.Equal(t, OutcomeUnauthorized, outcome)
	assert.Error(t, err)
}
