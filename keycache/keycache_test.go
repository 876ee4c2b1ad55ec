package keycache

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klppl/fedcore/keys"
)

func TestCache_MemoizesPositiveResult(t *testing.T) {
	fetches := 0
	c := New(func(ctx context.Context, keyID string) (keys.VerificationKey, error) {
		fetches++
		return keys.VerificationKey{ID: keyID, Owner: "https://remote.test/users/bob"}, nil
	}, Options{})

	for i := 0; i < 3; i++ {
		key, err := c.Get(context.Background(), "https://remote.test/users/bob#main-key")
		require.NoError(t, err)
		assert.Equal(t, "https://remote.test/users/bob", key.Owner)
	}
	assert.Equal(t, 1, fetches)
}

func TestCache_NegativeCachesMisses(t *testing.T) {
	fetches := 0
	boom := errors.New("key document gone")
	c := New(func(ctx context.Context, keyID string) (keys.VerificationKey, error) {
		fetches++
		return keys.VerificationKey{}, boom
	}, Options{})

	_, err := c.Get(context.Background(), "https://remote.test/missing")
	assert.ErrorIs(t, err, boom)

	_, err = c.Get(context.Background(), "https://remote.test/missing")
	assert.ErrorIs(t, err, ErrNegativeCached)
	assert.Equal(t, 1, fetches, "a recent miss must not refetch")
}

func TestCache_RefetchBypassesBothCaches(t *testing.T) {
	fetches := 0
	c := New(func(ctx context.Context, keyID string) (keys.VerificationKey, error) {
		fetches++
		return keys.VerificationKey{ID: keyID}, nil
	}, Options{})

	_, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	_, err = c.Refetch(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, 2, fetches, "Refetch must hit the fetcher again")
}

func TestCache_EvictForcesFetch(t *testing.T) {
	fetches := 0
	c := New(func(ctx context.Context, keyID string) (keys.VerificationKey, error) {
		fetches++
		return keys.VerificationKey{ID: keyID}, nil
	}, Options{})

	_, _ = c.Get(context.Background(), "k")
	c.Evict("k")
	_, _ = c.Get(context.Background(), "k")
	assert.Equal(t, 2, fetches)
}
