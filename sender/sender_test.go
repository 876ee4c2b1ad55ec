package sender

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klppl/fedcore/keys"
	"github.com/klppl/fedcore/ld"
	"github.com/klppl/fedcore/mq"
)

func TestExtractInboxes_GroupsByEffectiveInbox(t *testing.T) {
	recipients := []Recipient{
		{ID: "alice", Inbox: "https://a.test/inbox"},
		{ID: "bob", Inbox: "https://a.test/inbox"},
		{ID: "carol", Inbox: "https://b.test/inbox"},
	}
	out := ExtractInboxes(recipients, ExtractInboxesOptions{})
	assert.ElementsMatch(t, []string{"alice", "bob"}, out["https://a.test/inbox"])
	assert.ElementsMatch(t, []string{"carol"}, out["https://b.test/inbox"])
}

func TestExtractInboxes_PrefersSharedInbox(t *testing.T) {
	recipients := []Recipient{
		{ID: "alice", Inbox: "https://a.test/users/alice/inbox", SharedInbox: "https://a.test/inbox"},
		{ID: "bob", Inbox: "https://a.test/users/bob/inbox", SharedInbox: "https://a.test/inbox"},
	}
	out := ExtractInboxes(recipients, ExtractInboxesOptions{PreferSharedInbox: true})
	require.Len(t, out, 1)
	assert.ElementsMatch(t, []string{"alice", "bob"}, out["https://a.test/inbox"])
}

func TestExtractInboxes_ExcludesSelfOrigin(t *testing.T) {
	recipients := []Recipient{
		{ID: "alice", Inbox: "https://self.test/inbox"},
		{ID: "bob", Inbox: "https://remote.test/inbox"},
	}
	out := ExtractInboxes(recipients, ExtractInboxesOptions{ExcludeBaseURIs: []string{"https://self.test"}})
	assert.NotContains(t, out, "https://self.test/inbox")
	assert.Contains(t, out, "https://remote.test/inbox")
}

func TestExtractInboxes_SkipsRecipientWithNoInbox(t *testing.T) {
	out := ExtractInboxes([]Recipient{{ID: "alice"}}, ExtractInboxesOptions{})
	assert.Empty(t, out)
}

func TestWireKeys_RoundTrip(t *testing.T) {
	rsaPriv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	edPub, edPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_ = edPub

	pairs := []keys.SenderKeyPair{
		{KeyID: "https://example.test/actor#main-key", Algorithm: keys.AlgorithmRSA, RSAPrivate: rsaPriv},
		{KeyID: "https://example.test/actor#ed25519-key", Algorithm: keys.AlgorithmEd25519, EdPrivate: edPriv},
	}

	wire := encodeWireKeys(pairs)
	decoded, err := decodeWireKeys(wire)
	require.NoError(t, err)
	require.Len(t, decoded, 2)

	rsaOut, ok := keys.RSAKeyPair(decoded)
	require.True(t, ok)
	assert.Equal(t, rsaPriv.D, rsaOut.RSAPrivate.D)

	edOut, ok := keys.Ed25519KeyPair(decoded)
	require.True(t, ok)
	assert.Equal(t, edPriv, edOut.EdPrivate)
}

func TestDispatcher_Send_QueuesOneMessagePerInbox(t *testing.T) {
	rsaPriv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pairs := []keys.SenderKeyPair{{KeyID: "k", Algorithm: keys.AlgorithmRSA, RSAPrivate: rsaPriv}}

	fq := newFakeQueue()
	d := NewDispatcher(fq, nil)

	activity := ld.Document{"id": "https://example.test/activities/1", "type": "Create", "actor": "https://example.test/actor"}
	recipients := []Recipient{
		{ID: "alice", Inbox: "https://a.test/inbox"},
		{ID: "bob", Inbox: "https://b.test/inbox"},
	}

	err = d.Send(context.Background(), pairs, recipients, activity, SendOptions{})
	require.NoError(t, err)

	fq.mu.Lock()
	defer fq.mu.Unlock()
	assert.Len(t, fq.enqueued, 2)
}

func TestDispatcher_Send_RejectsActivityWithNoActor(t *testing.T) {
	pairs := []keys.SenderKeyPair{{KeyID: "k", Algorithm: keys.AlgorithmRSA, RSAPrivate: mustRSAKey(t)}}
	d := NewDispatcher(newFakeQueue(), nil)
	activity := ld.Document{"id": "https://example.test/activities/1", "type": "Create"}

	err := d.Send(context.Background(), pairs, []Recipient{{ID: "alice", Inbox: "https://a.test/inbox"}}, activity, SendOptions{})
	assert.ErrorIs(t, err, ErrMissingActor)
}

func TestDispatcher_Send_InvalidKeysRejected(t *testing.T) {
	d := NewDispatcher(newFakeQueue(), nil)
	activity := ld.Document{"id": "https://example.test/activities/1", "type": "Create", "actor": "https://example.test/actor"}

	err := d.Send(context.Background(), nil, []Recipient{{ID: "alice", Inbox: "https://a.test/inbox"}}, activity, SendOptions{})
	assert.Error(t, err)
}

func TestWorkerShard_SameInboxSameShard(t *testing.T) {
	a := WorkerShard("https://a.test/inbox", 8)
	b := WorkerShard("https://a.test/inbox", 8)
	assert.Equal(t, a, b)
	assert.GreaterOrEqual(t, a, 0)
	assert.Less(t, a, 8)
}

func mustRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return priv
}

// fakeQueue is a minimal in-memory mq.Queue for exercising Dispatcher.Send
// without a real backend.
type fakeQueue struct {
	mu       sync.Mutex
	enqueued [][]byte
}

func newFakeQueue() *fakeQueue { return &fakeQueue{} }

func (f *fakeQueue) Enqueue(ctx context.Context, payload []byte, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, payload)
	return nil
}

func (f *fakeQueue) Listen(ctx context.Context, handler mq.Handler) error {
	<-ctx.Done()
	return nil
}
