package application_test

import (
	"context"
	"sync"
	"testing"

	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qutemail/qkms/internal/application"
	infracrypto "github.com/qutemail/qkms/internal/infrastructure/crypto"
	gormstore "github.com/qutemail/qkms/internal/infrastructure/persistence/gorm"
	"github.com/qutemail/qkms/pkg/errors"
	"github.com/qutemail/qkms/pkg/logger"
)

func newPQCService(t *testing.T) *application.PQCService {
	t.Helper()
	ctx := context.Background()

	db, err := gormstore.OpenInMemory(ctx)
	require.NoError(t, err)

	provider, err := infracrypto.NewRandomKeyProvider()
	require.NoError(t, err)
	cipher, err := infracrypto.NewMaterialCipher(provider)
	require.NoError(t, err)

	return application.NewPQCService(gormstore.NewPQCIdentityRepository(db), cipher, logger.NewNoopLogger())
}

func TestPQCService_EnsureKeypair(t *testing.T) {
	svc := newPQCService(t)
	ctx := context.Background()

	pub, isNew, err := svc.EnsureKeypair(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.True(t, isNew)

	// The packed public key must parse back into a usable KEM key.
	_, err = mlkem768.Scheme().UnmarshalBinaryPublicKey(pub)
	require.NoError(t, err)
}

func TestPQCService_EnsureKeypairIsIdempotent(t *testing.T) {
	svc := newPQCService(t)
	ctx := context.Background()

	first, isNew, err := svc.EnsureKeypair(ctx, "alice@example.com")
	require.NoError(t, err)
	require.True(t, isNew)

	second, isNew, err := svc.EnsureKeypair(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, first, second, "repeated calls must return the same keypair")
}

func TestPQCService_ConcurrentEnsureYieldsOneKeypair(t *testing.T) {
	svc := newPQCService(t)
	ctx := context.Background()

	const callers = 8
	results := make([][]byte, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _, errs[i] = svc.EnsureKeypair(ctx, "bob@example.com")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0], results[i], "caller %d saw a different keypair", i)
	}
}

func TestPQCService_KeypairsAreUsableForKEM(t *testing.T) {
	svc := newPQCService(t)
	ctx := context.Background()

	pubBytes, _, err := svc.EnsureKeypair(ctx, "carol@example.com")
	require.NoError(t, err)
	privBytes, err := svc.GetPrivateKey(ctx, "carol@example.com", "carol@example.com")
	require.NoError(t, err)

	pk, err := mlkem768.Scheme().UnmarshalBinaryPublicKey(pubBytes)
	require.NoError(t, err)
	sk, err := mlkem768.Scheme().UnmarshalBinaryPrivateKey(privBytes)
	require.NoError(t, err)

	ct, ssEnc, err := mlkem768.Scheme().Encapsulate(pk)
	require.NoError(t, err)
	ssDec, err := mlkem768.Scheme().Decapsulate(sk, ct)
	require.NoError(t, err)
	assert.Equal(t, ssEnc, ssDec, "the stored keypair must round-trip a shared secret")
}

func TestPQCService_PublicKeyIsOpenPrivateKeyIsNot(t *testing.T) {
	svc := newPQCService(t)
	ctx := context.Background()

	_, _, err := svc.EnsureKeypair(ctx, "alice@example.com")
	require.NoError(t, err)

	_, err = svc.GetPublicKey(ctx, "alice@example.com")
	assert.NoError(t, err, "anyone may fetch a public key")

	_, err = svc.GetPrivateKey(ctx, "mallory@example.com", "alice@example.com")
	require.Error(t, err)
	assert.True(t, errors.IsUnauthorized(err))
}

func TestPQCService_UnknownPrincipal(t *testing.T) {
	svc := newPQCService(t)
	ctx := context.Background()

	_, err := svc.GetPublicKey(ctx, "nobody@example.com")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}
