package application_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qutemail/qkms/internal/application"
	"github.com/qutemail/qkms/internal/domain/models"
	"github.com/qutemail/qkms/internal/domain/repository"
	"github.com/qutemail/qkms/internal/infrastructure/audit"
	infracrypto "github.com/qutemail/qkms/internal/infrastructure/crypto"
	"github.com/qutemail/qkms/internal/infrastructure/monitoring"
	gormstore "github.com/qutemail/qkms/internal/infrastructure/persistence/gorm"
	"github.com/qutemail/qkms/internal/qkd"
	"github.com/qutemail/qkms/pkg/errors"
	"github.com/qutemail/qkms/pkg/logger"
)

type keyServiceHarness struct {
	svc    *application.KeyService
	keys   repository.KeyRepository
	cipher *infracrypto.MaterialCipher
}

func newHarness(t *testing.T) *keyServiceHarness {
	t.Helper()
	ctx := context.Background()

	db, err := gormstore.OpenInMemory(ctx)
	require.NoError(t, err)

	provider, err := infracrypto.NewRandomKeyProvider()
	require.NoError(t, err)
	cipher, err := infracrypto.NewMaterialCipher(provider)
	require.NoError(t, err)

	sim := qkd.NewSimulator(qkd.Options{ErrorRate: 0.02})
	orchestrator := qkd.NewOrchestrator(sim, logger.NewNoopLogger())

	keys := gormstore.NewKeyRepository(db)
	svc := application.NewKeyService(
		keys,
		orchestrator,
		cipher,
		audit.NewNoopService(),
		monitoring.NewMetricsWithRegistry(prometheus.NewRegistry()),
		logger.NewNoopLogger(),
		256,
		time.Hour,
		func(ctx context.Context) error { return gormstore.Ping(ctx, db) },
	)
	return &keyServiceHarness{svc: svc, keys: keys, cipher: cipher}
}

func newKeyService(t *testing.T) *application.KeyService {
	t.Helper()
	return newHarness(t).svc
}

func requestOne(t *testing.T, svc *application.KeyService, requester, recipient string) *application.KeyDescriptor {
	t.Helper()
	descs, err := svc.RequestKey(context.Background(), application.RequestKeyParams{
		Requester: requester,
		Recipient: recipient,
	})
	require.NoError(t, err)
	require.Len(t, descs, 1)
	return descs[0]
}

func TestKeyService_RequestKeyDefaults(t *testing.T) {
	svc := newKeyService(t)
	desc := requestOne(t, svc, "alice", "bob")

	assert.NotEmpty(t, desc.KeyID)
	assert.NotEmpty(t, desc.PairingID)
	assert.Equal(t, 256, desc.SizeBits)
	assert.Equal(t, "BB84", desc.Algorithm)
	assert.Len(t, desc.Material, 32)
	assert.Equal(t, models.KeyStateServed, desc.State, "the delivered requester copy is served")
	assert.True(t, desc.ExpiresAt.After(desc.CreatedAt))
}

func TestKeyService_RequestKeyValidation(t *testing.T) {
	svc := newKeyService(t)
	ctx := context.Background()

	testCases := []struct {
		name   string
		params application.RequestKeyParams
	}{
		{"missing requester", application.RequestKeyParams{Recipient: "bob"}},
		{"missing recipient", application.RequestKeyParams{Requester: "alice"}},
		{"same party", application.RequestKeyParams{Requester: "alice", Recipient: "alice"}},
		{"odd size", application.RequestKeyParams{Requester: "alice", Recipient: "bob", SizeBits: 100}},
		{"negative size", application.RequestKeyParams{Requester: "alice", Recipient: "bob", SizeBits: -8}},
		{"count too high", application.RequestKeyParams{Requester: "alice", Recipient: "bob", Count: 65}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.RequestKey(ctx, tc.params)
			require.Error(t, err)
			assert.Equal(t, errors.CodeValidation, errors.CodeOf(err))
		})
	}
}

func TestKeyService_RequestMultipleKeys(t *testing.T) {
	svc := newKeyService(t)

	descs, err := svc.RequestKey(context.Background(), application.RequestKeyParams{
		Requester: "alice",
		Recipient: "bob",
		SizeBits:  128,
		Count:     3,
	})
	require.NoError(t, err)
	require.Len(t, descs, 3)

	seen := make(map[string]bool)
	for _, d := range descs {
		assert.Len(t, d.Material, 16)
		assert.False(t, seen[d.KeyID])
		seen[d.KeyID] = true
	}
}

// The requester received its material at request time; retrieval is for the
// recipient only, so the requester must not be able to re-fetch its own record.
func TestKeyService_RequesterCannotFetchOwnRecord(t *testing.T) {
	svc := newKeyService(t)
	desc := requestOne(t, svc, "alice", "bob")

	_, err := svc.GetKey(context.Background(), "alice", desc.KeyID)
	require.Error(t, err)
	assert.True(t, errors.IsUnauthorized(err))
}

// The recipient knows only the requester-side key id; the service must resolve
// and serve the paired recipient-side record, which carries the same material.
func TestKeyService_RecipientAutoMapping(t *testing.T) {
	svc := newKeyService(t)
	ctx := context.Background()
	desc := requestOne(t, svc, "alice", "bob")

	got, err := svc.GetKey(ctx, "bob", desc.KeyID)
	require.NoError(t, err)

	assert.NotEqual(t, desc.KeyID, got.KeyID, "the recipient is served the paired record, not the requester copy")
	assert.Equal(t, desc.PairingID, got.PairingID)
	assert.Equal(t, desc.Material, got.Material, "both sides of the pairing hold identical material")
	assert.Equal(t, models.KeyStateServed, got.State)
}

// Serving stamps served_at on the recipient copy; the requester copy carries
// it from creation.
func TestKeyService_ServedAtStamped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	desc := requestOne(t, h.svc, "alice", "bob")

	requesterRec, err := h.keys.GetKeyByID(ctx, desc.KeyID)
	require.NoError(t, err)
	require.NotNil(t, requesterRec.ServedAt)

	got, err := h.svc.GetKey(ctx, "bob", desc.KeyID)
	require.NoError(t, err)

	recipientRec, err := h.keys.GetKeyByID(ctx, got.KeyID)
	require.NoError(t, err)
	require.NotNil(t, recipientRec.ServedAt)
	assert.Equal(t, "BB84", recipientRec.Algorithm)
}

func TestKeyService_GetKeyUnauthorized(t *testing.T) {
	svc := newKeyService(t)
	ctx := context.Background()
	desc := requestOne(t, svc, "alice", "bob")

	_, err := svc.GetKey(ctx, "mallory", desc.KeyID)
	require.Error(t, err)
	assert.True(t, errors.IsUnauthorized(err))
}

func TestKeyService_GetKeyNotFound(t *testing.T) {
	svc := newKeyService(t)

	_, err := svc.GetKey(context.Background(), "alice", "no-such-key")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

// A record that resolves to the wrong deployment side reads as absent, not as
// a serveable key.
func TestKeyService_WrongInstanceIsNotFound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := time.Now().UTC()

	sealed, err := h.cipher.Seal(make([]byte, 32))
	require.NoError(t, err)

	pairingID := uuid.New().String()
	strayID := uuid.New().String()
	require.NoError(t, h.keys.CreateKeyPair(ctx,
		&models.KeyRecord{
			KeyID: strayID, Requester: "alice", Recipient: "bob", SizeBits: 256,
			MaterialEncrypted: sealed, State: models.KeyStateStored,
			Instance: models.KMInstance1, Role: models.KeyRoleRecipient,
			PairingID: pairingID, CreatedAt: now, ExpiresAt: now.Add(time.Hour),
		},
		&models.KeyRecord{
			KeyID: uuid.New().String(), Requester: "alice", Recipient: "bob", SizeBits: 256,
			MaterialEncrypted: sealed, State: models.KeyStateStored,
			Instance: models.KMInstance2, Role: models.KeyRoleRecipient,
			PairingID: pairingID, CreatedAt: now, ExpiresAt: now.Add(time.Hour),
		},
	))

	_, err = h.svc.GetKey(ctx, "bob", strayID)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestKeyService_GetKeyExpired(t *testing.T) {
	svc := newKeyService(t)
	ctx := context.Background()

	descs, err := svc.RequestKey(ctx, application.RequestKeyParams{
		Requester: "alice",
		Recipient: "bob",
		TTL:       10 * time.Millisecond,
	})
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	_, err = svc.GetKey(ctx, "bob", descs[0].KeyID)
	require.Error(t, err)
	assert.True(t, errors.IsExpired(err))
}

func TestKeyService_ConsumeRetiresBothCopies(t *testing.T) {
	svc := newKeyService(t)
	ctx := context.Background()
	desc := requestOne(t, svc, "alice", "bob")

	// Serve the recipient side first so both records are live.
	paired, err := svc.GetKey(ctx, "bob", desc.KeyID)
	require.NoError(t, err)

	require.NoError(t, svc.ConsumeKey(ctx, "bob", paired.KeyID))

	_, err = svc.GetKey(ctx, "bob", desc.KeyID)
	require.Error(t, err)
	assert.True(t, errors.IsConsumed(err), "consuming one copy must retire the pairing")

	_, err = svc.GetKey(ctx, "bob", paired.KeyID)
	require.Error(t, err)
	assert.True(t, errors.IsConsumed(err))
}

func TestKeyService_ConsumeIsIdempotent(t *testing.T) {
	svc := newKeyService(t)
	ctx := context.Background()
	desc := requestOne(t, svc, "alice", "bob")

	require.NoError(t, svc.ConsumeKey(ctx, "bob", desc.KeyID))
	require.NoError(t, svc.ConsumeKey(ctx, "bob", desc.KeyID))
}

func TestKeyService_ConsumeUnauthorized(t *testing.T) {
	svc := newKeyService(t)
	ctx := context.Background()
	desc := requestOne(t, svc, "alice", "bob")

	err := svc.ConsumeKey(ctx, "mallory", desc.KeyID)
	require.Error(t, err)
	assert.True(t, errors.IsUnauthorized(err))
}

// Consumption authorization mirrors retrieval: the requester is not the
// recorded recipient and must be rejected.
func TestKeyService_ConsumeByRequesterUnauthorized(t *testing.T) {
	svc := newKeyService(t)
	ctx := context.Background()
	desc := requestOne(t, svc, "alice", "bob")

	err := svc.ConsumeKey(ctx, "alice", desc.KeyID)
	require.Error(t, err)
	assert.True(t, errors.IsUnauthorized(err))

	// The pairing is untouched; the recipient can still fetch.
	_, err = svc.GetKey(ctx, "bob", desc.KeyID)
	assert.NoError(t, err)
}

func TestKeyService_ConcurrentConsume(t *testing.T) {
	svc := newKeyService(t)
	ctx := context.Background()
	desc := requestOne(t, svc, "alice", "bob")

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < len(errs); i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = svc.ConsumeKey(ctx, "bob", desc.KeyID)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "consume %d", i)
	}

	_, err := svc.GetKey(ctx, "bob", desc.KeyID)
	assert.True(t, errors.IsConsumed(err))
}

// An expired key reports expiry even when it was also consumed.
func TestKeyService_ExpiredBeatsConsumed(t *testing.T) {
	svc := newKeyService(t)
	ctx := context.Background()

	descs, err := svc.RequestKey(ctx, application.RequestKeyParams{
		Requester: "alice",
		Recipient: "bob",
		TTL:       50 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, svc.ConsumeKey(ctx, "bob", descs[0].KeyID))

	time.Sleep(80 * time.Millisecond)

	_, err = svc.GetKey(ctx, "bob", descs[0].KeyID)
	require.Error(t, err)
	assert.True(t, errors.IsExpired(err))
}

func TestKeyService_CleanupExpired(t *testing.T) {
	svc := newKeyService(t)
	ctx := context.Background()

	_, err := svc.RequestKey(ctx, application.RequestKeyParams{
		Requester: "alice",
		Recipient: "bob",
		TTL:       10 * time.Millisecond,
	})
	require.NoError(t, err)
	requestOne(t, svc, "alice", "carol")

	time.Sleep(30 * time.Millisecond)

	deleted, err := svc.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted, "both copies of the expired pairing are removed")

	records, err := svc.ListKeys(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, records, 2, "the unexpired pairing survives")
}

func TestKeyService_ListKeysOmitsMaterial(t *testing.T) {
	svc := newKeyService(t)
	requestOne(t, svc, "alice", "bob")

	records, err := svc.ListKeys(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, records, 2)

	for _, r := range records {
		assert.Empty(t, r.MaterialEncrypted, "listing must never expose sealed material")
		assert.NotEmpty(t, r.PairingID)
	}
}

// A stored, undelivered pool key for the same pairing and size must be handed
// out instead of running a new agreement.
func TestKeyService_PoolReuse(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := time.Now().UTC()

	material := []byte("pooled key material 32 bytes!!!!")
	sealed, err := h.cipher.Seal(material)
	require.NoError(t, err)

	pairingID := uuid.New().String()
	pooledID := uuid.New().String()
	requesterCopy := &models.KeyRecord{
		KeyID:             pooledID,
		Requester:         "alice",
		Recipient:         "bob",
		SizeBits:          256,
		MaterialEncrypted: sealed,
		State:             models.KeyStateStored,
		Instance:          models.KMInstance1,
		Role:              models.KeyRoleRequester,
		PairingID:         pairingID,
		CreatedAt:         now,
		ExpiresAt:         now.Add(time.Hour),
	}
	recipientCopy := &models.KeyRecord{
		KeyID:             uuid.New().String(),
		Requester:         "alice",
		Recipient:         "bob",
		SizeBits:          256,
		MaterialEncrypted: sealed,
		State:             models.KeyStateStored,
		Instance:          models.KMInstance2,
		Role:              models.KeyRoleRecipient,
		PairingID:         pairingID,
		CreatedAt:         now,
		ExpiresAt:         now.Add(time.Hour),
	}
	require.NoError(t, h.keys.CreateKeyPair(ctx, requesterCopy, recipientCopy))

	descs, err := h.svc.RequestKey(ctx, application.RequestKeyParams{
		Requester: "alice",
		Recipient: "bob",
		SizeBits:  256,
	})
	require.NoError(t, err)
	require.Len(t, descs, 1)

	assert.Equal(t, pooledID, descs[0].KeyID, "the stored pool key is reused")
	assert.Equal(t, material, descs[0].Material)
	assert.Equal(t, models.KeyStateServed, descs[0].State)

	// The pool key is now delivered; a second request must agree a fresh key.
	descs, err = h.svc.RequestKey(ctx, application.RequestKeyParams{
		Requester: "alice",
		Recipient: "bob",
		SizeBits:  256,
	})
	require.NoError(t, err)
	assert.NotEqual(t, pooledID, descs[0].KeyID)
}

// Cached requester-side keys are as reusable as stored ones.
func TestKeyService_PoolReuseAcceptsCached(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := time.Now().UTC()

	sealed, err := h.cipher.Seal(make([]byte, 32))
	require.NoError(t, err)

	pooledID := uuid.New().String()
	pairingID := uuid.New().String()
	require.NoError(t, h.keys.CreateKeyPair(ctx,
		&models.KeyRecord{
			KeyID: pooledID, Requester: "alice", Recipient: "bob", SizeBits: 256,
			MaterialEncrypted: sealed, State: models.KeyStateCached,
			Instance: models.KMInstance1, Role: models.KeyRoleRequester,
			PairingID: pairingID, CreatedAt: now, ExpiresAt: now.Add(time.Hour),
		},
		&models.KeyRecord{
			KeyID: uuid.New().String(), Requester: "alice", Recipient: "bob", SizeBits: 256,
			MaterialEncrypted: sealed, State: models.KeyStateStored,
			Instance: models.KMInstance2, Role: models.KeyRoleRecipient,
			PairingID: pairingID, CreatedAt: now, ExpiresAt: now.Add(time.Hour),
		},
	))

	descs, err := h.svc.RequestKey(ctx, application.RequestKeyParams{
		Requester: "alice",
		Recipient: "bob",
		SizeBits:  256,
	})
	require.NoError(t, err)
	assert.Equal(t, pooledID, descs[0].KeyID, "the cached pool key is reused")
	assert.Equal(t, models.KeyStateServed, descs[0].State)
}

// A pool key for a different size must not satisfy the request.
func TestKeyService_PoolReuseRespectsSize(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := time.Now().UTC()

	sealed, err := h.cipher.Seal(make([]byte, 16))
	require.NoError(t, err)

	pooledID := uuid.New().String()
	pairingID := uuid.New().String()
	require.NoError(t, h.keys.CreateKeyPair(ctx,
		&models.KeyRecord{
			KeyID: pooledID, Requester: "alice", Recipient: "bob", SizeBits: 128,
			MaterialEncrypted: sealed, State: models.KeyStateStored,
			Instance: models.KMInstance1, Role: models.KeyRoleRequester,
			PairingID: pairingID, CreatedAt: now, ExpiresAt: now.Add(time.Hour),
		},
		&models.KeyRecord{
			KeyID: uuid.New().String(), Requester: "alice", Recipient: "bob", SizeBits: 128,
			MaterialEncrypted: sealed, State: models.KeyStateStored,
			Instance: models.KMInstance2, Role: models.KeyRoleRecipient,
			PairingID: pairingID, CreatedAt: now, ExpiresAt: now.Add(time.Hour),
		},
	))

	descs, err := h.svc.RequestKey(ctx, application.RequestKeyParams{
		Requester: "alice",
		Recipient: "bob",
		SizeBits:  256,
	})
	require.NoError(t, err)
	assert.NotEqual(t, pooledID, descs[0].KeyID)
	assert.Len(t, descs[0].Material, 32)
}

func TestKeyService_Stats(t *testing.T) {
	svc := newKeyService(t)
	ctx := context.Background()
	requestOne(t, svc, "alice", "bob")

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)

	assert.Equal(t, "healthy", stats.Database)
	assert.Equal(t, int64(1), stats.KeysByState[models.KeyStateServed])
	assert.Equal(t, int64(1), stats.KeysByState[models.KeyStateStored])
	assert.GreaterOrEqual(t, stats.Orchestrator.TotalSessions, int64(1))
}
