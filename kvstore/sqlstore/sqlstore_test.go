package sqlstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klppl/fedcore/kv"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "kv.db"), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_SetGetDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := kv.Key{"_fedcore", "activityIdempotence", "https://remote.test/activities/1"}

	_, found, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Set(ctx, key, []byte("1"), 0))
	v, found, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("1"), v)

	require.NoError(t, s.Delete(ctx, key))
	_, found, err = s.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_SetOverwrites(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := kv.Key{"k"}

	require.NoError(t, s.Set(ctx, key, []byte("a"), 0))
	require.NoError(t, s.Set(ctx, key, []byte("b"), 0))

	v, found, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("b"), v)
}

func TestStore_TTLExpiry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := kv.Key{"expiring"}

	require.NoError(t, s.Set(ctx, key, []byte("v"), time.Second))

	_, found, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, found, "fresh entry must be readable")

	// Expiry is tracked at second granularity; move past it.
	time.Sleep(2100 * time.Millisecond)
	_, found, err = s.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, found, "expired entry must read as absent")
}

func TestStore_DeleteAbsentKeyIsNoError(t *testing.T) {
	s := openTestStore(t)
	assert.NoError(t, s.Delete(context.Background(), kv.Key{"never", "set"}))
}

func TestDetectDriver(t *testing.T) {
	for _, tt := range []struct{ url, driver, dsn string }{
		{"postgres://u:p@h/db", "postgres", "postgres://u:p@h/db"},
		{"postgresql://u:p@h/db", "postgres", "postgresql://u:p@h/db"},
		{"sqlite:///tmp/x.db", "sqlite", "/tmp/x.db"},
		{"data/kv.db", "sqlite", "data/kv.db"},
	} {
		driver, dsn := detectDriver(tt.url)
		assert.Equal(t, tt.driver, driver)
		assert.Equal(t, tt.dsn, dsn)
	}
}
