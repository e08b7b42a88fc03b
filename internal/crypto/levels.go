// Package crypto dispatches encryption and decryption across the configured
// security levels, from plain passthrough up to hybrid post-quantum. All
// levels share one Options/Result shape; each level reads the fields it
// needs and records what the peer needs in the result metadata.
package crypto

import (
	"context"

	"github.com/qutemail/qkms/internal/kmclient"
)

// Level identifies a security level. The set is closed; the router rejects
// anything else.
type Level string

const (
	// LevelPassthrough applies no protection. Exists so callers can exercise
	// the full pipeline without key material.
	LevelPassthrough Level = "regular"
	// LevelAES is local AES-256-GCM with a caller key, a passphrase, or a
	// generated key. No quantum material involved.
	LevelAES Level = "aes"
	// LevelQKD derives an AES-256-GCM key from quantum-agreed material.
	LevelQKD Level = "qkd"
	// LevelOTP is a true one-time pad over quantum-agreed material.
	LevelOTP Level = "qs-otp"
	// LevelHybrid mixes an ML-KEM-768 shared secret with quantum material
	// before AEAD encryption.
	LevelHybrid Level = "qkd-pqc"
)

// Options carries the per-operation parameters. Encryption acts as Requester;
// decryption acts as Recipient.
type Options struct {
	// Requester and Recipient identify the communicating parties.
	Requester string
	Recipient string
	// MessageID scopes key derivation to one message.
	MessageID string

	// Key is a caller-provided 32-byte AES key (aes level).
	Key []byte
	// Passphrase derives an AES key via PBKDF2 when Key is absent (aes level).
	Passphrase string
	// Salt is the PBKDF2 salt. Generated on encrypt when empty; required with
	// Passphrase on decrypt.
	Salt []byte

	// KeyID names the quantum key to decrypt with (qkd, qs-otp, qkd-pqc).
	KeyID string
	// EncapsulatedKey is the KEM ciphertext from encryption (qkd-pqc decrypt).
	EncapsulatedKey []byte

	// AssociatedData is bound into the AEAD but not encrypted.
	AssociatedData []byte

	// OneBitPerChar selects the reduced one-bit-per-character pad encoding
	// (qs-otp). The default spends eight key bits per plaintext byte.
	OneBitPerChar bool
}

// Metadata keys stamped into results.
const (
	MetaSecurityLevel   = "security_level"
	MetaAlgorithm       = "algorithm"
	MetaKeyID           = "key_id"
	MetaEncapsulatedKey = "encapsulated_key"
	MetaSalt            = "salt"
	MetaGeneratedKey    = "generated_key"
)

// Result is the outcome of an encryption.
type Result struct {
	Ciphertext []byte
	Metadata   map[string]string
}

// KeyProvider is the slice of the key management surface the quantum levels
// need. *localcache.Cache satisfies it.
type KeyProvider interface {
	RequestKey(ctx context.Context, requester, recipient string, sizeBits int) (*kmclient.Key, error)
	GetKey(ctx context.Context, caller, keyID string) (*kmclient.Key, error)
	ConsumeKey(ctx context.Context, caller, keyID string) error
}

// IdentityDirectory resolves post-quantum identities for the hybrid level.
type IdentityDirectory interface {
	PublicKey(ctx context.Context, principal string) ([]byte, error)
	PrivateKey(ctx context.Context, principal string) ([]byte, error)
}

// securityLevel is the internal interface every level implements.
type securityLevel interface {
	Encrypt(ctx context.Context, plaintext []byte, opts Options) (*Result, error)
	Decrypt(ctx context.Context, ciphertext []byte, opts Options) ([]byte, error)
}
