// Package keycache memoizes fetched public keys and negative-caches misses,
// so repeated inbound verifications for the same remote actor don't refetch
// its key document every time. Backed by bluele/gcache LRU caches with
// per-entry expiry; a benign write race can at worst cost one extra fetch.
package keycache

import (
	"context"
	"errors"
	"time"

	"github.com/bluele/gcache"

	"github.com/klppl/fedcore/keys"
)

// ErrNegativeCached is returned when key is known to be unfetchable because
// a prior fetch attempt failed and the miss is still within its TTL.
var ErrNegativeCached = errors.New("keycache: negative-cached miss")

// Fetcher retrieves a VerificationKey given its IRI. It is supplied by the
// embedding application's document loader; the cache never reaches the
// network itself.
type Fetcher func(ctx context.Context, keyID string) (keys.VerificationKey, error)

// negativeEntry marks keyID as a recent miss.
type negativeEntry struct{}

// Cache wraps a Fetcher with positive and negative memoization.
type Cache struct {
	fetch    Fetcher
	positive gcache.Cache
	negative gcache.Cache
}

// Options configures cache sizing and TTLs.
type Options struct {
	Size        int           // default 4096
	PositiveTTL time.Duration // default 1h
	NegativeTTL time.Duration // default 5m
}

// New builds a Cache backed by fetch.
func New(fetch Fetcher, opts Options) *Cache {
	if opts.Size <= 0 {
		opts.Size = 4096
	}
	if opts.PositiveTTL <= 0 {
		opts.PositiveTTL = time.Hour
	}
	if opts.NegativeTTL <= 0 {
		opts.NegativeTTL = 5 * time.Minute
	}

	return &Cache{
		fetch:    fetch,
		positive: gcache.New(opts.Size).LRU().Expiration(opts.PositiveTTL).Build(),
		negative: gcache.New(opts.Size).LRU().Expiration(opts.NegativeTTL).Build(),
	}
}

// Get returns the cached key for keyID, fetching it on a cache miss. A
// recent negative result short-circuits to ErrNegativeCached without
// invoking fetch again.
func (c *Cache) Get(ctx context.Context, keyID string) (keys.VerificationKey, error) {
	if v, err := c.positive.Get(keyID); err == nil {
		return v.(keys.VerificationKey), nil
	}
	if _, err := c.negative.Get(keyID); err == nil {
		return keys.VerificationKey{}, ErrNegativeCached
	}

	key, err := c.fetch(ctx, keyID)
	if err != nil {
		_ = c.negative.Set(keyID, negativeEntry{})
		return keys.VerificationKey{}, err
	}

	_ = c.positive.Set(keyID, key)
	return key, nil
}

// Evict drops keyID from the positive cache, used to force a refetch after a
// verification failure so a rotated key gets one more chance.
func (c *Cache) Evict(keyID string) {
	c.positive.Remove(keyID)
}

// Refetch evicts keyID and immediately fetches it again.
func (c *Cache) Refetch(ctx context.Context, keyID string) (keys.VerificationKey, error) {
	c.Evict(keyID)
	c.negative.Remove(keyID)
	return c.Get(ctx, keyID)
}
