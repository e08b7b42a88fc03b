package repository

import (
	"context"
	"time"

	"github.com/qutemail/qkms/internal/domain/models"
)

// KeyRepository defines the interface for quantum key persistence.
type KeyRepository interface {
	// CreateKeyPair atomically persists both sides of one key agreement.
	CreateKeyPair(ctx context.Context, requesterCopy, recipientCopy *models.KeyRecord) error

	// GetKeyByID fetches a record by key id regardless of instance.
	GetKeyByID(ctx context.Context, keyID string) (*models.KeyRecord, error)

	// GetPairedKey fetches the record sharing pairingID in the given instance.
	GetPairedKey(ctx context.Context, pairingID string, instance models.KMInstance) (*models.KeyRecord, error)

	// FindReusableKey returns the oldest available (stored or cached),
	// unexpired key matching the pairing and exact size, or nil when the pool
	// is empty.
	FindReusableKey(ctx context.Context, requester, recipient string, sizeBits int, now time.Time) (*models.KeyRecord, error)

	// UpdateState transitions a record to the given state, recording served_at
	// on the first transition into served.
	UpdateState(ctx context.Context, keyID string, state models.KeyState) error

	// MarkConsumed transitions a record (and its pair) to consumed at the given instant.
	MarkConsumed(ctx context.Context, keyID string, at time.Time) error

	// DeleteExpired removes all records past their expiry and returns the count.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)

	// ListKeys returns up to limit records ordered newest first, material omitted.
	ListKeys(ctx context.Context, limit int) ([]*models.KeyRecord, error)

	// CountByState returns the number of records per lifecycle state.
	CountByState(ctx context.Context) (map[models.KeyState]int64, error)
}

// PQCIdentityRepository defines the interface for post-quantum identity persistence.
type PQCIdentityRepository interface {
	// Create persists a new identity. Fails if the principal already has one.
	Create(ctx context.Context, identity *models.PQCIdentity) error

	// GetByPrincipal fetches the identity for a principal.
	GetByPrincipal(ctx context.Context, principal string) (*models.PQCIdentity, error)
}
