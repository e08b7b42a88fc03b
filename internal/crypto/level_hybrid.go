package crypto

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	gocache "github.com/patrickmn/go-cache"

	"github.com/qutemail/qkms/pkg/constants"
	"github.com/qutemail/qkms/pkg/errors"
)

// hybridDerivationInfo domain-separates the hybrid derivation from the plain
// qkd level even if both ever saw the same inputs.
const hybridDerivationInfo = "qkd-pqc-hybrid:"

// hybridLevel mixes an ML-KEM-768 encapsulated secret with quantum-agreed
// material. An attacker must break both the KEM and the quantum channel to
// recover the AEAD key.
type hybridLevel struct {
	keys      KeyProvider
	directory IdentityDirectory

	// pubKeys memoizes fetched public keys; identities are effectively
	// immutable once created.
	pubKeys *gocache.Cache
}

func newHybridLevel(keys KeyProvider, directory IdentityDirectory) *hybridLevel {
	return &hybridLevel{
		keys:      keys,
		directory: directory,
		pubKeys:   gocache.New(10*time.Minute, 30*time.Minute),
	}
}

func (l *hybridLevel) Encrypt(ctx context.Context, plaintext []byte, opts Options) (*Result, error) {
	if err := requireParties(opts); err != nil {
		return nil, err
	}

	pkBytes, err := l.recipientPublicKey(ctx, opts.Recipient)
	if err != nil {
		return nil, err
	}
	pk, err := mlkem768.Scheme().UnmarshalBinaryPublicKey(pkBytes)
	if err != nil {
		return nil, errors.ErrInternal("invalid recipient public key").WithCause(err)
	}

	encapsulated, sharedSecret, err := mlkem768.Scheme().Encapsulate(pk)
	if err != nil {
		return nil, errors.ErrInternal("kem encapsulation failed").WithCause(err)
	}

	qk, err := l.keys.RequestKey(ctx, opts.Requester, opts.Recipient, qkdKeySizeBits)
	if err != nil {
		return nil, err
	}

	// Both secrets feed one derivation; neither alone reproduces the key.
	ikm := append(append([]byte{}, sharedSecret...), qk.Material...)
	key, err := deriveKey(ikm, derivationSalt(opts), hybridDerivationInfo+qk.KeyID)
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
			MetaAlgorithm:       constants.AlgorithmHybridPQC,
			MetaKeyID:           qk.KeyID,
			MetaEncapsulatedKey: base64.StdEncoding.EncodeToString(encapsulated),
		},
	}, nil
}

func (l *hybridLevel) Decrypt(ctx context.Context, ciphertext []byte, opts Options) ([]byte, error) {
	if err := requireParties(opts); err != nil {
		return nil, err
	}
	if opts.KeyID == "" {
		return nil, errors.ErrMissingField("key_id")
	}
	if len(opts.EncapsulatedKey) == 0 {
		return nil, errors.ErrMissingField("encapsulated_key")
	}

	skBytes, err := l.directory.PrivateKey(ctx, opts.Recipient)
	if err != nil {
		return nil, err
	}
	sk, err := mlkem768.Scheme().UnmarshalBinaryPrivateKey(skBytes)
	if err != nil {
		return nil, errors.ErrInternal("invalid recipient private key").WithCause(err)
	}

	sharedSecret, err := mlkem768.Scheme().Decapsulate(sk, opts.EncapsulatedKey)
	if err != nil {
		return nil, errors.ErrEncryptionFailure("kem decapsulation failed").WithCause(err)
	}

	qk, err := l.keys.GetKey(ctx, opts.Recipient, opts.KeyID)
	if err != nil {
		return nil, err
	}

	ikm := append(append([]byte{}, sharedSecret...), qk.Material...)
	key, err := deriveKey(ikm, derivationSalt(opts), hybridDerivationInfo+opts.KeyID)
	if err != nil {
		return nil, err
	}

	plaintext, err := openGCM(key, ciphertext, aadFor(opts.KeyID, opts))
	if err != nil {
		return nil, err
	}

	if cerr := l.keys.ConsumeKey(ctx, opts.Recipient, opts.KeyID); cerr != nil && !errors.IsConsumed(cerr) {
		return nil, cerr
	}

	return plaintext, nil
}

func (l *hybridLevel) recipientPublicKey(ctx context.Context, principal string) ([]byte, error) {
	if cached, ok := l.pubKeys.Get(principal); ok {
		return cached.([]byte), nil
	}
	pk, err := l.directory.PublicKey(ctx, principal)
	if err != nil {
		return nil, err
	}
	l.pubKeys.SetDefault(principal, pk)
	return pk, nil
}
