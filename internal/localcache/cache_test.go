package localcache_test

import (
	"context"
	"crypto/rand"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qutemail/qkms/internal/domain/models"
	"github.com/qutemail/qkms/internal/infrastructure/monitoring"
	"github.com/qutemail/qkms/internal/kmclient"
	"github.com/qutemail/qkms/internal/localcache"
	"github.com/qutemail/qkms/pkg/errors"
	"github.com/qutemail/qkms/pkg/logger"
)

// fakeRemote counts calls to the key management service and can be switched
// into an unreachable state.
type fakeRemote struct {
	requestCalls int
	consumeCalls int
	down         bool
	serial       int
	consumed     map[string]bool
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{consumed: make(map[string]bool)}
}

func (f *fakeRemote) RequestKeys(ctx context.Context, requester, recipient string, sizeBits, count int) ([]*kmclient.Key, error) {
	f.requestCalls++
	if f.down {
		return nil, errors.ErrServiceUnavailable("key management service unreachable")
	}

	keys := make([]*kmclient.Key, 0, count)
	for i := 0; i < count; i++ {
		material := make([]byte, sizeBits/8)
		if _, err := rand.Read(material); err != nil {
			return nil, err
		}
		f.serial++
		keys = append(keys, &kmclient.Key{
			KeyID:     fmt.Sprintf("remote-key-%d", f.serial),
			Requester: requester,
			Recipient: recipient,
			SizeBits:  sizeBits,
			Algorithm: "BB84",
			Material:  material,
			State:     "served",
			ExpiresAt: time.Now().UTC().Add(time.Hour),
		})
	}
	return keys, nil
}

func (f *fakeRemote) GetKey(ctx context.Context, caller, keyID string) (*kmclient.Key, error) {
	if f.down {
		return nil, errors.ErrServiceUnavailable("key management service unreachable")
	}
	return nil, errors.ErrKeyNotFound(keyID)
}

func (f *fakeRemote) ConsumeKey(ctx context.Context, caller, keyID string) error {
	f.consumeCalls++
	if f.down {
		return errors.ErrServiceUnavailable("key management service unreachable")
	}
	f.consumed[keyID] = true
	return nil
}

func newTestCache(t *testing.T, remote *fakeRemote, prefetch int) (*localcache.Cache, *localcache.Store) {
	t.Helper()
	store, err := localcache.OpenStore(context.Background(), "file:"+t.Name()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	metrics := monitoring.NewMetricsWithRegistry(prometheus.NewRegistry())
	return localcache.New(store, remote, metrics, logger.NewNoopLogger(), prefetch), store
}

func TestCache_MissFetchesPrefetchBatch(t *testing.T) {
	remote := newFakeRemote()
	cache, _ := newTestCache(t, remote, 1)
	ctx := context.Background()

	// First request misses and fetches two keys: one served, one banked.
	k1, err := cache.RequestKey(ctx, "alice", "bob", 256)
	require.NoError(t, err)
	assert.Equal(t, 1, remote.requestCalls)
	assert.Len(t, k1.Material, 32)

	// Second request is served from the banked key without a remote call.
	k2, err := cache.RequestKey(ctx, "alice", "bob", 256)
	require.NoError(t, err)
	assert.Equal(t, 1, remote.requestCalls)
	assert.NotEqual(t, k1.KeyID, k2.KeyID)

	size, err := cache.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), size)
}

func TestCache_ConsumedKeysForceRefetch(t *testing.T) {
	remote := newFakeRemote()
	cache, _ := newTestCache(t, remote, 1)
	ctx := context.Background()

	k1, err := cache.RequestKey(ctx, "alice", "bob", 256)
	require.NoError(t, err)
	k2, err := cache.RequestKey(ctx, "alice", "bob", 256)
	require.NoError(t, err)
	require.Equal(t, 1, remote.requestCalls)

	require.NoError(t, cache.ConsumeKey(ctx, "alice", k1.KeyID))
	require.NoError(t, cache.ConsumeKey(ctx, "alice", k2.KeyID))

	// The pool is spent; the next request must go remote again.
	_, err = cache.RequestKey(ctx, "alice", "bob", 256)
	require.NoError(t, err)
	assert.Equal(t, 2, remote.requestCalls)
}

func TestCache_PairingsAreIsolated(t *testing.T) {
	remote := newFakeRemote()
	cache, _ := newTestCache(t, remote, 1)
	ctx := context.Background()

	_, err := cache.RequestKey(ctx, "alice", "bob", 256)
	require.NoError(t, err)

	// A different recipient cannot be served from alice/bob's pool.
	_, err = cache.RequestKey(ctx, "alice", "carol", 256)
	require.NoError(t, err)
	assert.Equal(t, 2, remote.requestCalls)
}

func TestCache_SizeMismatchGoesRemote(t *testing.T) {
	remote := newFakeRemote()
	cache, _ := newTestCache(t, remote, 1)
	ctx := context.Background()

	_, err := cache.RequestKey(ctx, "alice", "bob", 512)
	require.NoError(t, err)

	// The banked 512-bit key is not an exact match for a 256-bit request.
	_, err = cache.RequestKey(ctx, "alice", "bob", 256)
	require.NoError(t, err)
	assert.Equal(t, 2, remote.requestCalls)
}

func TestCache_FallbackWhenRemoteDown(t *testing.T) {
	remote := newFakeRemote()
	cache, store := newTestCache(t, remote, 1)
	ctx := context.Background()

	// Bank a 512-bit key, then take the remote down.
	_, err := cache.RequestKey(ctx, "alice", "bob", 512)
	require.NoError(t, err)
	remote.down = true

	// No exact 256-bit entry exists, the remote is unreachable, but the
	// oversized banked key still has enough material.
	key, err := cache.RequestKey(ctx, "alice", "bob", 256)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, key.SizeBits, 256)

	// The fallback delivery is a real serve, reflected in local state.
	entry, err := store.Get(ctx, key.KeyID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, models.KeyStateServed, entry.State)
}

func TestCache_RemoteDownNoFallback(t *testing.T) {
	remote := newFakeRemote()
	remote.down = true
	cache, _ := newTestCache(t, remote, 1)
	ctx := context.Background()

	_, err := cache.RequestKey(ctx, "alice", "bob", 256)
	require.Error(t, err)
	assert.True(t, errors.IsServiceUnavailable(err))
}

func TestCache_ExpiredEntriesArePurged(t *testing.T) {
	remote := newFakeRemote()
	cache, store := newTestCache(t, remote, 0)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.Insert(ctx, &models.LocalCacheEntry{
		KeyID:     "stale",
		Requester: "alice",
		Recipient: "bob",
		SizeBits:  256,
		Material:  make([]byte, 32),
		State:     models.KeyStateStored,
		CreatedAt: now.Add(-2 * time.Hour),
		ExpiresAt: now.Add(-time.Hour),
	}))

	key, err := cache.RequestKey(ctx, "alice", "bob", 256)
	require.NoError(t, err)
	assert.NotEqual(t, "stale", key.KeyID, "an expired entry must never be served")
	assert.Equal(t, 1, remote.requestCalls)

	got, err := store.Get(ctx, "stale")
	require.NoError(t, err)
	assert.Nil(t, got, "the expired entry is purged on the way to the remote")
}

func TestCache_ConsumeRetiresLocallyWhenRemoteDown(t *testing.T) {
	remote := newFakeRemote()
	cache, store := newTestCache(t, remote, 0)
	ctx := context.Background()

	key, err := cache.RequestKey(ctx, "alice", "bob", 256)
	require.NoError(t, err)

	remote.down = true
	require.NoError(t, cache.ConsumeKey(ctx, "alice", key.KeyID),
		"a locally retired key must not fail on remote outage")

	entry, err := store.Get(ctx, key.KeyID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, models.KeyStateConsumed, entry.State)
}

func TestCache_ConsumeUnknownKeyFailsWhenRemoteDown(t *testing.T) {
	remote := newFakeRemote()
	remote.down = true
	cache, _ := newTestCache(t, remote, 0)

	err := cache.ConsumeKey(context.Background(), "alice", "nowhere")
	require.Error(t, err)
	assert.True(t, errors.IsServiceUnavailable(err))
}
