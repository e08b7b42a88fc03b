package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/qutemail/qkms/pkg/errors"
)

const (
	aesKeySize   = 32
	gcmNonceSize = 12
)

// sealGCM encrypts plaintext under key. Blob layout: nonce || ciphertext || tag.
func sealGCM(key, plaintext, aad []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errors.ErrInternal("failed to generate nonce").WithCause(err)
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

// openGCM decrypts a blob produced by sealGCM. A tag mismatch is an
// encryption failure, never fatal to the underlying key.
func openGCM(key, blob, aad []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(blob) < gcmNonceSize {
		return nil, errors.ErrEncryptionFailure("ciphertext too short")
	}
	plaintext, err := aead.Open(nil, blob[:gcmNonceSize], blob[gcmNonceSize:], aad)
	if err != nil {
		return nil, errors.ErrEncryptionFailure("authentication failed").WithCause(err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.ErrInternal("invalid aes key").WithCause(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.ErrInternal("failed to initialize gcm").WithCause(err)
	}
	return aead, nil
}

// deriveKey runs HKDF-SHA256 over ikm with the given salt and context info,
// producing one AES-256 key. Distinct info strings keep levels from ever
// deriving the same key from the same material.
func deriveKey(ikm, salt []byte, info string) ([]byte, error) {
	key := make([]byte, aesKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, salt, []byte(info)), key); err != nil {
		return nil, errors.ErrInternal("key derivation failed").WithCause(err)
	}
	return key, nil
}

// derivationSalt binds a derivation to one message between two parties.
func derivationSalt(opts Options) []byte {
	return []byte(opts.MessageID + ":" + opts.Requester + ":" + opts.Recipient)
}
