// Package localcache keeps a requester-side pool of pre-fetched keys so
// encryption does not pay a remote round trip per message, and keeps working
// through short outages of the key management service.
package localcache

import (
	"context"
	stderrors "errors"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/qutemail/qkms/internal/domain/models"
	"github.com/qutemail/qkms/pkg/errors"
)

// Store persists cache entries in a local SQLite database.
type Store struct {
	db *gorm.DB
}

// OpenStore opens (and migrates) the cache database at path. An empty path
// opens an in-memory database.
func OpenStore(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		path = "file::memory:?cache=shared"
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, errors.ErrInternal("failed to open cache database").WithCause(err)
	}
	if err := db.WithContext(ctx).AutoMigrate(&models.LocalCacheEntry{}); err != nil {
		return nil, errors.ErrInternal("failed to migrate cache schema").WithCause(err)
	}
	return &Store{db: db}, nil
}

// NewStore wraps an existing gorm handle. Used by tests.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Insert persists a new cache entry.
func (s *Store) Insert(ctx context.Context, entry *models.LocalCacheEntry) error {
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return errors.ErrInternal("failed to insert cache entry").WithCause(err)
	}
	return nil
}

// FindExact returns the oldest entry in the given state matching the pairing
// at the exact size, or nil.
func (s *Store) FindExact(ctx context.Context, requester, recipient string, sizeBits int, state models.KeyState, now time.Time) (*models.LocalCacheEntry, error) {
	var entry models.LocalCacheEntry
	err := s.db.WithContext(ctx).
		Where("requester = ? AND recipient = ? AND size_bits = ? AND state = ? AND expires_at > ?",
			requester, recipient, sizeBits, state, now).
		Order("created_at asc").
		First(&entry).Error
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.ErrInternal("failed to query cache").WithCause(err)
	}
	return &entry, nil
}

// FindAtLeast returns the oldest unconsumed entry for the pairing with at
// least sizeBits of material, or nil.
func (s *Store) FindAtLeast(ctx context.Context, requester, recipient string, sizeBits int, now time.Time) (*models.LocalCacheEntry, error) {
	var entry models.LocalCacheEntry
	err := s.db.WithContext(ctx).
		Where("requester = ? AND recipient = ? AND size_bits >= ? AND state != ? AND expires_at > ?",
			requester, recipient, sizeBits, models.KeyStateConsumed, now).
		Order("created_at asc").
		First(&entry).Error
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.ErrInternal("failed to query cache").WithCause(err)
	}
	return &entry, nil
}

// UpdateState transitions an entry.
func (s *Store) UpdateState(ctx context.Context, keyID string, state models.KeyState) error {
	res := s.db.WithContext(ctx).Model(&models.LocalCacheEntry{}).
		Where("key_id = ?", keyID).
		Update("state", state)
	if res.Error != nil {
		return errors.ErrInternal("failed to update cache entry").WithCause(res.Error)
	}
	if res.RowsAffected == 0 {
		return errors.ErrKeyNotFound(keyID)
	}
	return nil
}

// Get returns an entry by key id, or nil.
func (s *Store) Get(ctx context.Context, keyID string) (*models.LocalCacheEntry, error) {
	var entry models.LocalCacheEntry
	err := s.db.WithContext(ctx).Where("key_id = ?", keyID).First(&entry).Error
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.ErrInternal("failed to load cache entry").WithCause(err)
	}
	return &entry, nil
}

// PurgeExpired removes expired entries and returns the count.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("expires_at <= ?", now).
		Delete(&models.LocalCacheEntry{})
	if res.Error != nil {
		return 0, errors.ErrInternal("failed to purge cache").WithCause(res.Error)
	}
	return res.RowsAffected, nil
}

// Count returns the number of unconsumed entries.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.LocalCacheEntry{}).
		Where("state != ?", models.KeyStateConsumed).
		Count(&n).Error
	if err != nil {
		return 0, errors.ErrInternal("failed to count cache entries").WithCause(err)
	}
	return n, nil
}
