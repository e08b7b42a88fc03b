package crypto_test

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	infracrypto "github.com/qutemail/qkms/internal/infrastructure/crypto"
	"github.com/qutemail/qkms/pkg/errors"
)

func newCipher(t *testing.T) *infracrypto.MaterialCipher {
	t.Helper()
	provider, err := infracrypto.NewRandomKeyProvider()
	require.NoError(t, err)
	cipher, err := infracrypto.NewMaterialCipher(provider)
	require.NoError(t, err)
	return cipher
}

func TestMaterialCipher_RoundTrip(t *testing.T) {
	cipher := newCipher(t)

	material := []byte("quantum key material, 32 bytes!!")
	blob, err := cipher.Seal(material)
	require.NoError(t, err)
	assert.NotEqual(t, material, blob)

	opened, err := cipher.Open(blob)
	require.NoError(t, err)
	assert.Equal(t, material, opened)
}

func TestMaterialCipher_NonceIsFresh(t *testing.T) {
	cipher := newCipher(t)

	material := []byte("same input")
	blob1, err := cipher.Seal(material)
	require.NoError(t, err)
	blob2, err := cipher.Seal(material)
	require.NoError(t, err)

	assert.NotEqual(t, blob1, blob2, "two seals of the same material must differ")
}

func TestMaterialCipher_TamperDetected(t *testing.T) {
	cipher := newCipher(t)

	blob, err := cipher.Seal([]byte("sensitive"))
	require.NoError(t, err)

	blob[len(blob)-1] ^= 0x01
	_, err = cipher.Open(blob)
	require.Error(t, err)
	assert.True(t, errors.IsEncryptionFailure(err))
}

func TestMaterialCipher_TruncatedBlob(t *testing.T) {
	cipher := newCipher(t)

	_, err := cipher.Open([]byte{0x01, 0x02})
	require.Error(t, err)
	assert.True(t, errors.IsEncryptionFailure(err))
}

func TestMaterialCipher_DifferentMasterKeysCannotOpen(t *testing.T) {
	c1 := newCipher(t)
	c2 := newCipher(t)

	blob, err := c1.Seal([]byte("material"))
	require.NoError(t, err)

	_, err = c2.Open(blob)
	assert.Error(t, err)
}

func TestStaticKeyProvider(t *testing.T) {
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = byte(i)
	}
	provider, err := infracrypto.NewStaticKeyProvider(base64.StdEncoding.EncodeToString(raw))
	require.NoError(t, err)

	key, err := provider.MasterKey()
	require.NoError(t, err)
	assert.Equal(t, raw, key)
}

func TestStaticKeyProvider_Invalid(t *testing.T) {
	_, err := infracrypto.NewStaticKeyProvider("not base64 at all!!!")
	assert.Error(t, err)

	short := base64.StdEncoding.EncodeToString([]byte("too short"))
	_, err = infracrypto.NewStaticKeyProvider(short)
	assert.Error(t, err)
}
