package localcache

import (
	"context"
	"sync"
	"time"

	"github.com/qutemail/qkms/internal/domain/models"
	"github.com/qutemail/qkms/internal/infrastructure/monitoring"
	"github.com/qutemail/qkms/internal/kmclient"
	"github.com/qutemail/qkms/pkg/errors"
	"github.com/qutemail/qkms/pkg/logger"
)

// RemoteKeyService is the slice of the key management API the cache needs.
// *kmclient.Client satisfies it.
type RemoteKeyService interface {
	RequestKeys(ctx context.Context, requester, recipient string, sizeBits, count int) ([]*kmclient.Key, error)
	GetKey(ctx context.Context, caller, keyID string) (*kmclient.Key, error)
	ConsumeKey(ctx context.Context, caller, keyID string) error
}

// Cache serves key requests from the local pool first, prefetching ahead of
// demand and falling back to still-valid local keys when the remote service
// is down.
type Cache struct {
	store    *Store
	remote   RemoteKeyService
	metrics  *monitoring.Metrics
	logger   logger.Logger
	prefetch int

	mu sync.Mutex
}

// New creates a Cache. prefetch is how many extra keys each miss fetches
// beyond the one being served.
func New(store *Store, remote RemoteKeyService, metrics *monitoring.Metrics, log logger.Logger, prefetch int) *Cache {
	if prefetch < 0 {
		prefetch = 0
	}
	return &Cache{
		store:    store,
		remote:   remote,
		metrics:  metrics,
		logger:   log.WithFields(logger.Fields{"component": "local_cache"}),
		prefetch: prefetch,
	}
}

// RequestKey returns a key for the pairing at sizeBits. Local preference
// order: exact-size stored (oldest first), then exact-size already-served. A
// hit needs no remote call. On a miss the cache fetches prefetch+1 keys and
// serves the first; if the remote is unreachable it falls back to any
// still-valid entry with at least sizeBits, marking it served, before
// giving up.
func (c *Cache) RequestKey(ctx context.Context, requester, recipient string, sizeBits int) (*kmclient.Key, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UTC()

	if entry, err := c.store.FindExact(ctx, requester, recipient, sizeBits, models.KeyStateStored, now); err != nil {
		return nil, err
	} else if entry != nil {
		if err := c.store.UpdateState(ctx, entry.KeyID, models.KeyStateServed); err != nil {
			return nil, err
		}
		c.metrics.RecordCacheLookup("hit")
		return entryKey(entry), nil
	}

	if entry, err := c.store.FindExact(ctx, requester, recipient, sizeBits, models.KeyStateServed, now); err != nil {
		return nil, err
	} else if entry != nil {
		c.metrics.RecordCacheLookup("hit")
		return entryKey(entry), nil
	}

	// Miss. Housekeep, then go remote for this key plus the prefetch batch.
	if purged, err := c.store.PurgeExpired(ctx, now); err == nil && purged > 0 {
		c.logger.Debug(ctx, "purged expired cache entries", logger.Fields{"purged": purged})
	}

	keys, err := c.remote.RequestKeys(ctx, requester, recipient, sizeBits, c.prefetch+1)
	if err != nil {
		if errors.IsServiceUnavailable(err) {
			if fallback, ferr := c.store.FindAtLeast(ctx, requester, recipient, sizeBits, now); ferr == nil && fallback != nil {
				if serr := c.store.UpdateState(ctx, fallback.KeyID, models.KeyStateServed); serr != nil {
					return nil, serr
				}
				fallback.State = models.KeyStateServed
				c.logger.Warn(ctx, "remote service unavailable, serving cached key",
					logger.Fields{"key_id": fallback.KeyID})
				c.metrics.RecordCacheLookup("fallback")
				return entryKey(fallback), nil
			}
		}
		c.metrics.RecordCacheLookup("miss_failed")
		return nil, err
	}
	if len(keys) == 0 {
		c.metrics.RecordCacheLookup("miss_failed")
		return nil, errors.ErrInternal("remote service returned no keys")
	}

	for i, k := range keys {
		state := models.KeyStateStored
		if i == 0 {
			state = models.KeyStateServed
		}
		entry := &models.LocalCacheEntry{
			KeyID:     k.KeyID,
			Requester: k.Requester,
			Recipient: k.Recipient,
			SizeBits:  k.SizeBits,
			Algorithm: k.Algorithm,
			Material:  k.Material,
			State:     state,
			CreatedAt: now,
			ExpiresAt: k.ExpiresAt,
		}
		if err := c.store.Insert(ctx, entry); err != nil {
			return nil, err
		}
	}

	c.metrics.RecordCacheLookup("miss")
	return keys[0], nil
}

// GetKey is a pass-through to the remote service. Recipient-side keys are
// never pooled locally; the peer fetches them once, by id.
func (c *Cache) GetKey(ctx context.Context, caller, keyID string) (*kmclient.Key, error) {
	return c.remote.GetKey(ctx, caller, keyID)
}

// ConsumeKey retires the key locally and remotely. It succeeds when either
// side acknowledges, so a remote outage cannot resurrect a locally spent key.
func (c *Cache) ConsumeKey(ctx context.Context, caller, keyID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	localOK := false
	if entry, err := c.store.Get(ctx, keyID); err == nil && entry != nil {
		if err := c.store.UpdateState(ctx, keyID, models.KeyStateConsumed); err == nil {
			localOK = true
		}
	}

	remoteErr := c.remote.ConsumeKey(ctx, caller, keyID)
	if remoteErr == nil {
		return nil
	}
	if localOK {
		c.logger.Warn(ctx, "remote consume failed, key retired locally",
			logger.Fields{"key_id": keyID, "error": remoteErr.Error()})
		return nil
	}
	return remoteErr
}

// Size returns the number of unconsumed entries in the pool.
func (c *Cache) Size(ctx context.Context) (int64, error) {
	return c.store.Count(ctx)
}

func entryKey(e *models.LocalCacheEntry) *kmclient.Key {
	return &kmclient.Key{
		KeyID:     e.KeyID,
		Requester: e.Requester,
		Recipient: e.Recipient,
		SizeBits:  e.SizeBits,
		Algorithm: e.Algorithm,
		Material:  e.Material,
		State:     string(e.State),
		ExpiresAt: e.ExpiresAt,
	}
}
