package gormstore

import (
	"context"
	stderrors "errors"
	"time"

	"gorm.io/gorm"

	"github.com/qutemail/qkms/internal/domain/models"
	"github.com/qutemail/qkms/internal/domain/repository"
	"github.com/qutemail/qkms/pkg/errors"
)

// KeyRepository is a GORM implementation of the KeyRepository interface.
type KeyRepository struct {
	db *gorm.DB
}

// NewKeyRepository creates a new KeyRepository.
func NewKeyRepository(db *gorm.DB) repository.KeyRepository {
	return &KeyRepository{db: db}
}

// CreateKeyPair persists both sides of one key agreement in a single transaction.
func (r *KeyRepository) CreateKeyPair(ctx context.Context, requesterCopy, recipientCopy *models.KeyRecord) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(requesterCopy).Error; err != nil {
			return err
		}
		return tx.Create(recipientCopy).Error
	})
	if err != nil {
		return errors.ErrInternal("failed to persist key pair").WithCause(err)
	}
	return nil
}

// GetKeyByID retrieves a record by key id.
func (r *KeyRepository) GetKeyByID(ctx context.Context, keyID string) (*models.KeyRecord, error) {
	var key models.KeyRecord
	err := r.db.WithContext(ctx).Where("key_id = ?", keyID).First(&key).Error
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.ErrKeyNotFound(keyID)
		}
		return nil, errors.ErrInternal("failed to load key").WithCause(err)
	}
	return &key, nil
}

// GetPairedKey retrieves the record sharing pairingID in the given instance.
func (r *KeyRepository) GetPairedKey(ctx context.Context, pairingID string, instance models.KMInstance) (*models.KeyRecord, error) {
	var key models.KeyRecord
	err := r.db.WithContext(ctx).
		Where("pairing_id = ? AND instance = ?", pairingID, instance).
		First(&key).Error
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.ErrNotFound("no paired key for pairing id").
				WithMetadata("pairing_id", pairingID)
		}
		return nil, errors.ErrInternal("failed to load paired key").WithCause(err)
	}
	return &key, nil
}

// FindReusableKey returns the oldest available (stored or cached), unexpired
// requester-side key for the pairing at the exact size, or nil when none exists.
func (r *KeyRepository) FindReusableKey(ctx context.Context, requester, recipient string, sizeBits int, now time.Time) (*models.KeyRecord, error) {
	var key models.KeyRecord
	err := r.db.WithContext(ctx).
		Where("requester = ? AND recipient = ? AND size_bits = ? AND state IN ? AND role = ? AND expires_at > ?",
			requester, recipient, sizeBits,
			[]models.KeyState{models.KeyStateStored, models.KeyStateCached},
			models.KeyRoleRequester, now).
		Order("created_at asc").
		First(&key).Error
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.ErrInternal("failed to query key pool").WithCause(err)
	}
	return &key, nil
}

// UpdateState transitions a record to the given state. The first transition
// into served also records served_at.
func (r *KeyRepository) UpdateState(ctx context.Context, keyID string, state models.KeyState) error {
	updates := map[string]interface{}{"state": state}
	if state == models.KeyStateServed {
		updates["served_at"] = gorm.Expr("COALESCE(served_at, ?)", time.Now().UTC())
	}
	res := r.db.WithContext(ctx).Model(&models.KeyRecord{}).
		Where("key_id = ?", keyID).
		Updates(updates)
	if res.Error != nil {
		return errors.ErrInternal("failed to update key state").WithCause(res.Error)
	}
	if res.RowsAffected == 0 {
		return errors.ErrKeyNotFound(keyID)
	}
	return nil
}

// MarkConsumed transitions the record and its paired counterpart to consumed.
func (r *KeyRepository) MarkConsumed(ctx context.Context, keyID string, at time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var key models.KeyRecord
		if err := tx.Where("key_id = ?", keyID).First(&key).Error; err != nil {
			if stderrors.Is(err, gorm.ErrRecordNotFound) {
				return errors.ErrKeyNotFound(keyID)
			}
			return errors.ErrInternal("failed to load key").WithCause(err)
		}
		err := tx.Model(&models.KeyRecord{}).
			Where("pairing_id = ?", key.PairingID).
			Updates(map[string]interface{}{
				"state":       models.KeyStateConsumed,
				"consumed_at": at,
			}).Error
		if err != nil {
			return errors.ErrInternal("failed to mark key consumed").WithCause(err)
		}
		return nil
	})
}

// DeleteExpired removes all records past their expiry.
func (r *KeyRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("expires_at <= ?", now).
		Delete(&models.KeyRecord{})
	if res.Error != nil {
		return 0, errors.ErrInternal("failed to delete expired keys").WithCause(res.Error)
	}
	return res.RowsAffected, nil
}

// ListKeys returns up to limit records ordered newest first, with material omitted.
func (r *KeyRepository) ListKeys(ctx context.Context, limit int) ([]*models.KeyRecord, error) {
	var keys []*models.KeyRecord
	err := r.db.WithContext(ctx).
		Omit("material_encrypted").
		Order("created_at desc").
		Limit(limit).
		Find(&keys).Error
	if err != nil {
		return nil, errors.ErrInternal("failed to list keys").WithCause(err)
	}
	return keys, nil
}

// CountByState returns the number of records per lifecycle state.
func (r *KeyRepository) CountByState(ctx context.Context) (map[models.KeyState]int64, error) {
	type row struct {
		State models.KeyState
		N     int64
	}
	var rows []row
	err := r.db.WithContext(ctx).Model(&models.KeyRecord{}).
		Select("state, count(*) as n").
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, errors.ErrInternal("failed to count keys").WithCause(err)
	}
	counts := make(map[models.KeyState]int64, len(rows))
	for _, r := range rows {
		counts[r.State] = r.N
	}
	return counts, nil
}
