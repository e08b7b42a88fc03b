// Package crypto provides at-rest protection for stored key material. Every
// byte of quantum-derived material and every PQC private key is sealed with
// AES-256-GCM under a master key before it touches the database.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"io"

	"github.com/qutemail/qkms/pkg/errors"
)

const (
	masterKeySize = 32
	nonceSize     = 12
)

// MasterKeyProvider supplies the master key that seals material at rest.
type MasterKeyProvider interface {
	MasterKey() ([]byte, error)
}

// StaticKeyProvider serves a fixed master key from configuration.
type StaticKeyProvider struct {
	key []byte
}

// NewStaticKeyProvider decodes a base64-encoded 32-byte master key.
func NewStaticKeyProvider(encoded string) (*StaticKeyProvider, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.ErrValidation("master key is not valid base64").WithCause(err)
	}
	if len(key) != masterKeySize {
		return nil, errors.ErrValidation("master key must be 32 bytes").
			WithMetadata("length", len(key))
	}
	return &StaticKeyProvider{key: key}, nil
}

// NewRandomKeyProvider generates an ephemeral master key. Material sealed with
// it is unreadable after restart; suitable only for demos and tests.
func NewRandomKeyProvider() (*StaticKeyProvider, error) {
	key := make([]byte, masterKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, errors.ErrInternal("failed to generate master key").WithCause(err)
	}
	return &StaticKeyProvider{key: key}, nil
}

// MasterKey returns the configured key.
func (p *StaticKeyProvider) MasterKey() ([]byte, error) {
	return p.key, nil
}

// MaterialCipher seals and opens key material with AES-256-GCM.
type MaterialCipher struct {
	aead cipher.AEAD
}

// NewMaterialCipher builds a cipher over the provider's master key.
func NewMaterialCipher(provider MasterKeyProvider) (*MaterialCipher, error) {
	key, err := provider.MasterKey()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.ErrInternal("failed to initialize material cipher").WithCause(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.ErrInternal("failed to initialize material cipher").WithCause(err)
	}
	return &MaterialCipher{aead: aead}, nil
}

// Seal encrypts material. The blob layout is nonce || ciphertext || tag.
func (c *MaterialCipher) Seal(material []byte) ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errors.ErrInternal("failed to generate nonce").WithCause(err)
	}
	return c.aead.Seal(nonce, nonce, material, nil), nil
}

// Open decrypts a blob produced by Seal.
func (c *MaterialCipher) Open(blob []byte) ([]byte, error) {
	if len(blob) < nonceSize {
		return nil, errors.ErrEncryptionFailure("sealed material too short")
	}
	material, err := c.aead.Open(nil, blob[:nonceSize], blob[nonceSize:], nil)
	if err != nil {
		return nil, errors.ErrEncryptionFailure("failed to open sealed material").WithCause(err)
	}
	return material, nil
}
