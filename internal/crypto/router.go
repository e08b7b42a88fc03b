package crypto

import (
	"context"

	"github.com/qutemail/qkms/internal/infrastructure/monitoring"
	"github.com/qutemail/qkms/pkg/errors"
	"github.com/qutemail/qkms/pkg/logger"
)

// Router dispatches encryption and decryption to the requested security
// level. Every result is stamped with the level it passed through, and
// unknown levels are rejected up front.
type Router struct {
	levels  map[Level]securityLevel
	metrics *monitoring.Metrics
	logger  logger.Logger
}

// NewRouter builds a Router with all five levels wired.
func NewRouter(keys KeyProvider, directory IdentityDirectory, metrics *monitoring.Metrics, log logger.Logger) *Router {
	return &Router{
		levels: map[Level]securityLevel{
			LevelPassthrough: passthroughLevel{},
			LevelAES:         aesLevel{},
			LevelQKD:         &qkdLevel{keys: keys},
			LevelOTP:         &otpLevel{keys: keys},
			LevelHybrid:      newHybridLevel(keys, directory),
		},
		metrics: metrics,
		logger:  log.WithFields(logger.Fields{"component": "crypto_router"}),
	}
}

// Encrypt runs plaintext through the named level.
func (r *Router) Encrypt(ctx context.Context, level Level, plaintext []byte, opts Options) (*Result, error) {
	impl, ok := r.levels[level]
	if !ok {
		return nil, errors.ErrValidation("unknown security level").
			WithMetadata("level", string(level))
	}

	res, err := impl.Encrypt(ctx, plaintext, opts)
	if err != nil {
		r.metrics.RecordCryptoOperation(string(level), "encrypt", "failure")
		return nil, err
	}

	if res.Metadata == nil {
		res.Metadata = make(map[string]string)
	}
	res.Metadata[MetaSecurityLevel] = string(level)

	r.metrics.RecordCryptoOperation(string(level), "encrypt", "success")
	return res, nil
}

// Decrypt runs ciphertext back through the named level.
func (r *Router) Decrypt(ctx context.Context, level Level, ciphertext []byte, opts Options) ([]byte, error) {
	impl, ok := r.levels[level]
	if !ok {
		return nil, errors.ErrValidation("unknown security level").
			WithMetadata("level", string(level))
	}

	plaintext, err := impl.Decrypt(ctx, ciphertext, opts)
	if err != nil {
		r.metrics.RecordCryptoOperation(string(level), "decrypt", "failure")
		return nil, err
	}

	r.metrics.RecordCryptoOperation(string(level), "decrypt", "success")
	return plaintext, nil
}

// Levels lists the supported levels.
func (r *Router) Levels() []Level {
	return []Level{LevelPassthrough, LevelAES, LevelQKD, LevelOTP, LevelHybrid}
}
