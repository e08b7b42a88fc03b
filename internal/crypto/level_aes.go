package crypto

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"github.com/qutemail/qkms/pkg/constants"
	"github.com/qutemail/qkms/pkg/errors"
)

const (
	pbkdf2Iterations = 100_000
	pbkdf2SaltSize   = 16
)

// aesLevel is local AES-256-GCM. Key resolution order: caller key,
// passphrase via PBKDF2, freshly generated key (returned in metadata).
type aesLevel struct{}

func (aesLevel) Encrypt(ctx context.Context, plaintext []byte, opts Options) (*Result, error) {
	meta := map[string]string{MetaAlgorithm: constants.AlgorithmAESGCM}

	key := opts.Key
	switch {
	case len(key) == aesKeySize:
		// caller key, nothing to record
	case len(key) != 0:
		return nil, errors.ErrValidation("aes key must be 32 bytes").
			WithMetadata("length", len(key))
	case opts.Passphrase != "":
		salt := opts.Salt
		if len(salt) == 0 {
			salt = make([]byte, pbkdf2SaltSize)
			if _, err := io.ReadFull(rand.Reader, salt); err != nil {
				return nil, errors.ErrInternal("failed to generate salt").WithCause(err)
			}
		}
		key = pbkdf2.Key([]byte(opts.Passphrase), salt, pbkdf2Iterations, aesKeySize, sha256.New)
		meta[MetaSalt] = base64.StdEncoding.EncodeToString(salt)
	default:
		key = make([]byte, aesKeySize)
		if _, err := io.ReadFull(rand.Reader, key); err != nil {
			return nil, errors.ErrInternal("failed to generate key").WithCause(err)
		}
		meta[MetaGeneratedKey] = base64.StdEncoding.EncodeToString(key)
	}

	blob, err := sealGCM(key, plaintext, opts.AssociatedData)
	if err != nil {
		return nil, err
	}
	return &Result{Ciphertext: blob, Metadata: meta}, nil
}

func (aesLevel) Decrypt(ctx context.Context, ciphertext []byte, opts Options) ([]byte, error) {
	var key []byte
	switch {
	case len(opts.Key) == aesKeySize:
		key = opts.Key
	case len(opts.Key) != 0:
		return nil, errors.ErrValidation("aes key must be 32 bytes").
			WithMetadata("length", len(opts.Key))
	case opts.Passphrase != "":
		if len(opts.Salt) == 0 {
			return nil, errors.ErrMissingField("salt")
		}
		key = pbkdf2.Key([]byte(opts.Passphrase), opts.Salt, pbkdf2Iterations, aesKeySize, sha256.New)
	default:
		return nil, errors.ErrValidation("decryption needs a key or a passphrase with salt")
	}

	return openGCM(key, ciphertext, opts.AssociatedData)
}
