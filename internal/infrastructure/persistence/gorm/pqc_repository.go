package gormstore

import (
	"context"
	stderrors "errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/qutemail/qkms/internal/domain/models"
	"github.com/qutemail/qkms/internal/domain/repository"
	"github.com/qutemail/qkms/pkg/errors"
)

// PQCIdentityRepository is a GORM implementation of the PQCIdentityRepository interface.
type PQCIdentityRepository struct {
	db *gorm.DB
}

// NewPQCIdentityRepository creates a new PQCIdentityRepository.
func NewPQCIdentityRepository(db *gorm.DB) repository.PQCIdentityRepository {
	return &PQCIdentityRepository{db: db}
}

// Create persists a new identity. A concurrent create for the same principal
// loses quietly; callers re-read to get the winner.
func (r *PQCIdentityRepository) Create(ctx context.Context, identity *models.PQCIdentity) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(identity).Error
	if err != nil {
		return errors.ErrInternal("failed to persist pqc identity").WithCause(err)
	}
	return nil
}

// GetByPrincipal retrieves the identity for a principal.
func (r *PQCIdentityRepository) GetByPrincipal(ctx context.Context, principal string) (*models.PQCIdentity, error) {
	var identity models.PQCIdentity
	err := r.db.WithContext(ctx).Where("principal = ?", principal).First(&identity).Error
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.ErrNotFound("no pqc identity for principal").
				WithMetadata("principal", principal)
		}
		return nil, errors.ErrInternal("failed to load pqc identity").WithCause(err)
	}
	return &identity, nil
}
