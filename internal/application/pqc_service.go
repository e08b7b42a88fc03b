package application

import (
	"context"
	"time"

	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"golang.org/x/sync/singleflight"

	"github.com/qutemail/qkms/internal/domain/models"
	"github.com/qutemail/qkms/internal/domain/repository"
	infracrypto "github.com/qutemail/qkms/internal/infrastructure/crypto"
	"github.com/qutemail/qkms/pkg/constants"
	"github.com/qutemail/qkms/pkg/errors"
	"github.com/qutemail/qkms/pkg/logger"
)

// PQCService manages ML-KEM-768 identities: one keypair per principal, public
// key served to anyone, private key only to its owner.
type PQCService struct {
	identities repository.PQCIdentityRepository
	cipher     *infracrypto.MaterialCipher
	logger     logger.Logger

	// ensureGroup collapses concurrent keypair creation for the same
	// principal into one generation.
	ensureGroup singleflight.Group
}

// NewPQCService wires the identity service.
func NewPQCService(identities repository.PQCIdentityRepository, cipher *infracrypto.MaterialCipher, log logger.Logger) *PQCService {
	return &PQCService{
		identities: identities,
		cipher:     cipher,
		logger:     log.WithFields(logger.Fields{"component": "pqc_service"}),
	}
}

type ensureResult struct {
	publicKey []byte
	isNew     bool
}

// EnsureKeypair returns the principal's public key, generating and persisting
// a keypair first if none exists. Idempotent: repeated calls return the same
// public key with isNew false.
func (s *PQCService) EnsureKeypair(ctx context.Context, principal string) (publicKey []byte, isNew bool, err error) {
	if principal == "" {
		return nil, false, errors.ErrMissingField("principal")
	}

	v, err, _ := s.ensureGroup.Do(principal, func() (interface{}, error) {
		existing, err := s.identities.GetByPrincipal(ctx, principal)
		if err == nil {
			return &ensureResult{publicKey: existing.PublicKey}, nil
		}
		if !errors.IsNotFound(err) {
			return nil, err
		}

		pk, sk, err := mlkem768.Scheme().GenerateKeyPair()
		if err != nil {
			return nil, errors.ErrInternal("failed to generate kem keypair").WithCause(err)
		}
		pkBytes, err := pk.MarshalBinary()
		if err != nil {
			return nil, errors.ErrInternal("failed to pack kem public key").WithCause(err)
		}
		skBytes, err := sk.MarshalBinary()
		if err != nil {
			return nil, errors.ErrInternal("failed to pack kem private key").WithCause(err)
		}
		sealedSK, err := s.cipher.Seal(skBytes)
		if err != nil {
			return nil, err
		}

		identity := &models.PQCIdentity{
			Principal:           principal,
			Algorithm:           constants.AlgorithmMLKEM768,
			PublicKey:           pkBytes,
			PrivateKeyEncrypted: sealedSK,
			CreatedAt:           time.Now().UTC(),
		}
		if err := s.identities.Create(ctx, identity); err != nil {
			return nil, err
		}

		// A racing create on another node may have won; re-read so every
		// caller sees one consistent keypair.
		winner, err := s.identities.GetByPrincipal(ctx, principal)
		if err != nil {
			return nil, err
		}
		s.logger.Info(ctx, "pqc identity ready", logger.Fields{"principal": principal})
		return &ensureResult{publicKey: winner.PublicKey, isNew: true}, nil
	})
	if err != nil {
		return nil, false, err
	}

	res := v.(*ensureResult)
	return res.publicKey, res.isNew, nil
}

// GetPublicKey returns a principal's packed public key. Any caller may ask.
func (s *PQCService) GetPublicKey(ctx context.Context, principal string) ([]byte, error) {
	if principal == "" {
		return nil, errors.ErrMissingField("principal")
	}
	identity, err := s.identities.GetByPrincipal(ctx, principal)
	if err != nil {
		return nil, err
	}
	return identity.PublicKey, nil
}

// GetPrivateKey returns a principal's packed private key. Only the owner may ask.
func (s *PQCService) GetPrivateKey(ctx context.Context, caller, principal string) ([]byte, error) {
	if principal == "" {
		return nil, errors.ErrMissingField("principal")
	}
	if caller != principal {
		return nil, errors.ErrUnauthorized("private keys are served only to their owner").
			WithMetadata("principal", principal)
	}
	identity, err := s.identities.GetByPrincipal(ctx, principal)
	if err != nil {
		return nil, err
	}
	return s.cipher.Open(identity.PrivateKeyEncrypted)
}
