package crypto

import (
	"context"

	"github.com/qutemail/qkms/pkg/constants"
	"github.com/qutemail/qkms/pkg/errors"
)

const qkdKeySizeBits = 256

// qkdLevel encrypts with AES-256-GCM under a key derived from quantum-agreed
// material. The quantum key is consumed only after the recipient opens the
// message successfully; a tampered ciphertext leaves it usable for a retry.
type qkdLevel struct {
	keys KeyProvider
}

func (l *qkdLevel) Encrypt(ctx context.Context, plaintext []byte, opts Options) (*Result, error) {
	if err := requireParties(opts); err != nil {
		return nil, err
	}

	qk, err := l.keys.RequestKey(ctx, opts.Requester, opts.Recipient, qkdKeySizeBits)
	if err != nil {
		return nil, err
	}

	key, err := deriveKey(qk.Material, derivationSalt(opts), "qkd-aead:"+qk.KeyID)
	if err != nil {
		return nil, err
	}

	blob, err := sealGCM(key, plaintext, aadFor(qk.KeyID, opts))
	if err != nil {
		return nil, err
	}

	return &Result{
		Ciphertext: blob,
		Metadata: map[string]string{
			MetaAlgorithm: constants.AlgorithmQKDAES,
			MetaKeyID:     qk.KeyID,
		},
	}, nil
}

func (l *qkdLevel) Decrypt(ctx context.Context, ciphertext []byte, opts Options) ([]byte, error) {
	if err := requireParties(opts); err != nil {
		return nil, err
	}
	if opts.KeyID == "" {
		return nil, errors.ErrMissingField("key_id")
	}

	qk, err := l.keys.GetKey(ctx, opts.Recipient, opts.KeyID)
	if err != nil {
		return nil, err
	}

	key, err := deriveKey(qk.Material, derivationSalt(opts), "qkd-aead:"+opts.KeyID)
	if err != nil {
		return nil, err
	}

	plaintext, err := openGCM(key, ciphertext, aadFor(opts.KeyID, opts))
	if err != nil {
		return nil, err
	}

	// Open succeeded; the one-time guarantee now requires retiring the key.
	// A failed remote consume is the cache's problem to reconcile, not a
	// reason to withhold the plaintext.
	if cerr := l.keys.ConsumeKey(ctx, opts.Recipient, opts.KeyID); cerr != nil && !errors.IsConsumed(cerr) {
		return nil, cerr
	}

	return plaintext, nil
}

// aadFor binds the key id and any caller data into the AEAD tag. Swapping in
// a different key id fails authentication instead of yielding garbage.
func aadFor(keyID string, opts Options) []byte {
	aad := []byte(keyID)
	return append(aad, opts.AssociatedData...)
}

func requireParties(opts Options) error {
	if opts.Requester == "" {
		return errors.ErrMissingField("requester")
	}
	if opts.Recipient == "" {
		return errors.ErrMissingField("recipient")
	}
	return nil
}
