// Package application contains the use-case services of the key management
// core: key lifecycle orchestration and post-quantum identity management.
package application

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qutemail/qkms/internal/domain/models"
	"github.com/qutemail/qkms/internal/domain/repository"
	"github.com/qutemail/qkms/internal/infrastructure/audit"
	infracrypto "github.com/qutemail/qkms/internal/infrastructure/crypto"
	"github.com/qutemail/qkms/internal/infrastructure/monitoring"
	"github.com/qutemail/qkms/internal/qkd"
	"github.com/qutemail/qkms/pkg/constants"
	"github.com/qutemail/qkms/pkg/errors"
	"github.com/qutemail/qkms/pkg/logger"
)

// keyLockStripes bounds the number of distinct key mutexes. Lookup, state
// check, and persist for one key id must be serialized or a key could be
// served twice past consumption.
const keyLockStripes = 256

// RequestKeyParams carries one key request.
type RequestKeyParams struct {
	Requester string
	Recipient string
	SizeBits  int
	Count     int
	TTL       time.Duration
}

// KeyDescriptor is the material-bearing view of a key returned to callers.
type KeyDescriptor struct {
	KeyID     string
	Requester string
	Recipient string
	SizeBits  int
	Algorithm string
	Material  []byte
	State     models.KeyState
	PairingID string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// ServiceStats is the snapshot returned by Stats.
type ServiceStats struct {
	Orchestrator qkd.Stats                 `json:"orchestrator"`
	KeysByState  map[models.KeyState]int64 `json:"keys_by_state"`
	Database     string                    `json:"database"`
}

// KeyService implements the key lifecycle: agreement, pairing, serving,
// one-time consumption, and expiry.
type KeyService struct {
	keys         repository.KeyRepository
	orchestrator *qkd.Orchestrator
	cipher       *infracrypto.MaterialCipher
	auditor      audit.Service
	metrics      *monitoring.Metrics
	logger       logger.Logger

	defaultSizeBits int
	defaultTTL      time.Duration

	keyLocks [keyLockStripes]sync.Mutex

	// pingDB reports persistence health for Stats; nil means unknown.
	pingDB func(context.Context) error
}

// NewKeyService wires the key lifecycle service.
func NewKeyService(
	keys repository.KeyRepository,
	orchestrator *qkd.Orchestrator,
	cipher *infracrypto.MaterialCipher,
	auditor audit.Service,
	metrics *monitoring.Metrics,
	log logger.Logger,
	defaultSizeBits int,
	defaultTTL time.Duration,
	pingDB func(context.Context) error,
) *KeyService {
	return &KeyService{
		keys:            keys,
		orchestrator:    orchestrator,
		cipher:          cipher,
		auditor:         auditor,
		metrics:         metrics,
		logger:          log.WithFields(logger.Fields{"component": "key_service"}),
		defaultSizeBits: defaultSizeBits,
		defaultTTL:      defaultTTL,
		pingDB:          pingDB,
	}
}

// RequestKey agrees Count keys between requester and recipient and returns
// the requester-side copies with material. Available pool keys for the same
// pairing and size are reused before new agreements are run. Returned copies
// transition to served: the material now lives outside this service.
func (s *KeyService) RequestKey(ctx context.Context, params RequestKeyParams) ([]*KeyDescriptor, error) {
	if err := s.validateRequest(&params); err != nil {
		return nil, err
	}

	out := make([]*KeyDescriptor, 0, params.Count)
	for i := 0; i < params.Count; i++ {
		desc, err := s.provisionOne(ctx, params)
		if err != nil {
			return nil, err
		}
		out = append(out, desc)
	}
	return out, nil
}

func (s *KeyService) validateRequest(params *RequestKeyParams) error {
	if params.Requester == "" {
		return errors.ErrMissingField("requester")
	}
	if params.Recipient == "" {
		return errors.ErrMissingField("recipient")
	}
	if params.Requester == params.Recipient {
		return errors.ErrValidation("requester and recipient must differ")
	}
	if params.SizeBits == 0 {
		params.SizeBits = s.defaultSizeBits
	}
	if params.SizeBits < 0 || params.SizeBits%8 != 0 {
		return errors.ErrValidation("key size must be a positive multiple of 8 bits").
			WithMetadata("size_bits", params.SizeBits)
	}
	if params.Count == 0 {
		params.Count = 1
	}
	if params.Count < 0 || params.Count > 64 {
		return errors.ErrValidation("count must be between 1 and 64").
			WithMetadata("count", params.Count)
	}
	if params.TTL <= 0 {
		params.TTL = s.defaultTTL
	}
	return nil
}

func (s *KeyService) provisionOne(ctx context.Context, params RequestKeyParams) (*KeyDescriptor, error) {
	start := time.Now()
	now := start.UTC()

	// Pool reuse: an undelivered stored or cached key for the same pairing
	// and size serves the request without a new agreement.
	pooled, err := s.keys.FindReusableKey(ctx, params.Requester, params.Recipient, params.SizeBits, now)
	if err != nil {
		return nil, err
	}
	if pooled != nil {
		desc, err := s.deliverPooled(ctx, pooled)
		if err == nil {
			s.metrics.RecordKeyRequest("pool", "success", time.Since(start))
			return desc, nil
		}
		// A concurrent caller may have taken the pooled key; fall through to
		// a fresh agreement.
		s.logger.Warn(ctx, "pooled key delivery failed, agreeing a new key",
			logger.Fields{"key_id": pooled.KeyID, "error": err.Error()})
	}

	agreed, err := s.orchestrator.GenerateKey(ctx, params.Requester, params.Recipient, params.SizeBits)
	if err != nil {
		s.metrics.RecordKeyRequest("agreement", "failure", time.Since(start))
		return nil, err
	}
	s.metrics.RecordKeyAgreement(agreed.Diag.QBER, agreed.Diag.Attempts)

	sealed, err := s.cipher.Seal(agreed.Material)
	if err != nil {
		return nil, err
	}

	pairingID := uuid.New().String()
	expiresAt := now.Add(params.TTL)

	requesterCopy := &models.KeyRecord{
		KeyID:             agreed.KeyID,
		Requester:         params.Requester,
		Recipient:         params.Recipient,
		SizeBits:          params.SizeBits,
		Algorithm:         constants.AlgorithmBB84,
		MaterialEncrypted: sealed,
		State:             models.KeyStateServed,
		Instance:          models.KMInstance1,
		Role:              models.KeyRoleRequester,
		PairingID:         pairingID,
		CreatedAt:         now,
		ExpiresAt:         expiresAt,
		ServedAt:          &now,
	}
	recipientCopy := &models.KeyRecord{
		KeyID:             uuid.New().String(),
		Requester:         params.Requester,
		Recipient:         params.Recipient,
		SizeBits:          params.SizeBits,
		Algorithm:         constants.AlgorithmBB84,
		MaterialEncrypted: sealed,
		State:             models.KeyStateStored,
		Instance:          models.KMInstance2,
		Role:              models.KeyRoleRecipient,
		PairingID:         pairingID,
		CreatedAt:         now,
		ExpiresAt:         expiresAt,
	}

	if err := s.keys.CreateKeyPair(ctx, requesterCopy, recipientCopy); err != nil {
		s.metrics.RecordKeyRequest("agreement", "failure", time.Since(start))
		return nil, err
	}

	s.audit(ctx, models.AuditEvent{
		EventType: models.AuditEventKeyCreated,
		KeyID:     requesterCopy.KeyID,
		PairingID: pairingID,
		Requester: params.Requester,
		Recipient: params.Recipient,
		Details: map[string]interface{}{
			"size_bits": params.SizeBits,
			"qber":      agreed.Diag.QBER,
			"attempts":  agreed.Diag.Attempts,
		},
	})
	s.metrics.RecordKeyRequest("agreement", "success", time.Since(start))

	return &KeyDescriptor{
		KeyID:     requesterCopy.KeyID,
		Requester: params.Requester,
		Recipient: params.Recipient,
		SizeBits:  params.SizeBits,
		Algorithm: requesterCopy.Algorithm,
		Material:  agreed.Material,
		State:     requesterCopy.State,
		PairingID: pairingID,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}, nil
}

// deliverPooled hands out an available pool key, transitioning it to served.
func (s *KeyService) deliverPooled(ctx context.Context, rec *models.KeyRecord) (*KeyDescriptor, error) {
	lock := s.lockFor(rec.KeyID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock; the pool query ran without it.
	fresh, err := s.keys.GetKeyByID(ctx, rec.KeyID)
	if err != nil {
		return nil, err
	}
	if fresh.State != models.KeyStateStored && fresh.State != models.KeyStateCached {
		return nil, errors.ErrKeyConsumed(rec.KeyID)
	}

	material, err := s.cipher.Open(fresh.MaterialEncrypted)
	if err != nil {
		return nil, err
	}
	if err := s.keys.UpdateState(ctx, fresh.KeyID, models.KeyStateServed); err != nil {
		return nil, err
	}

	return &KeyDescriptor{
		KeyID:     fresh.KeyID,
		Requester: fresh.Requester,
		Recipient: fresh.Recipient,
		SizeBits:  fresh.SizeBits,
		Algorithm: fresh.Algorithm,
		Material:  material,
		State:     models.KeyStateServed,
		PairingID: fresh.PairingID,
		CreatedAt: fresh.CreatedAt,
		ExpiresAt: fresh.ExpiresAt,
	}, nil
}

// GetKey serves key material to the key's recipient and marks the served
// copy. When the recipient asks with the requester's key id, the paired
// recipient-side record is resolved and served instead. Only the recipient
// may fetch: the requester already received its material at request time.
func (s *KeyService) GetKey(ctx context.Context, caller, keyID string) (*KeyDescriptor, error) {
	if caller == "" {
		return nil, errors.ErrMissingField("caller")
	}
	if keyID == "" {
		return nil, errors.ErrMissingField("key_id")
	}

	lock := s.lockFor(keyID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.resolveForRecipient(ctx, caller, keyID)
	if err != nil {
		return nil, err
	}
	if rec.IsExpired(time.Now().UTC()) {
		return nil, errors.ErrKeyExpired(keyID)
	}
	if rec.IsConsumed() {
		return nil, errors.ErrKeyConsumed(keyID)
	}

	material, err := s.cipher.Open(rec.MaterialEncrypted)
	if err != nil {
		return nil, err
	}

	if rec.State != models.KeyStateServed {
		if err := s.keys.UpdateState(ctx, rec.KeyID, models.KeyStateServed); err != nil {
			return nil, err
		}
		rec.State = models.KeyStateServed
	}

	s.audit(ctx, models.AuditEvent{
		EventType: models.AuditEventKeyServed,
		KeyID:     rec.KeyID,
		PairingID: rec.PairingID,
		Caller:    caller,
	})

	return &KeyDescriptor{
		KeyID:     rec.KeyID,
		Requester: rec.Requester,
		Recipient: rec.Recipient,
		SizeBits:  rec.SizeBits,
		Algorithm: rec.Algorithm,
		Material:  material,
		State:     rec.State,
		PairingID: rec.PairingID,
		CreatedAt: rec.CreatedAt,
		ExpiresAt: rec.ExpiresAt,
	}, nil
}

// resolveForRecipient looks up a key, maps a requester-side id to its paired
// recipient-side record, and enforces recipient-only access. A requester can
// never retrieve material through this path; it was handed its copy when the
// key was requested.
func (s *KeyService) resolveForRecipient(ctx context.Context, caller, keyID string) (*models.KeyRecord, error) {
	rec, err := s.keys.GetKeyByID(ctx, keyID)
	if err != nil {
		return nil, err
	}

	// Recipient auto-mapping: the peer knows only the requester-side key id.
	if rec.Role == models.KeyRoleRequester && caller == rec.Recipient {
		paired, err := s.keys.GetPairedKey(ctx, rec.PairingID, models.KMInstance2)
		if err != nil {
			return nil, err
		}
		rec = paired
	}

	if caller != rec.Recipient {
		s.audit(ctx, models.AuditEvent{
			EventType: models.AuditEventAccessDenied,
			KeyID:     keyID,
			Caller:    caller,
		})
		return nil, errors.ErrUnauthorized("caller is not the recipient of this key").
			WithMetadata("key_id", keyID)
	}
	if rec.Instance != models.KMInstance2 {
		return nil, errors.ErrKeyNotFound(keyID)
	}
	return rec, nil
}

// ConsumeKey permanently retires a key and its paired copy. Authorization
// mirrors GetKey: only the recipient may consume. Consuming an
// already-consumed key is not an error; the operation is idempotent.
func (s *KeyService) ConsumeKey(ctx context.Context, caller, keyID string) error {
	if caller == "" {
		return errors.ErrMissingField("caller")
	}
	if keyID == "" {
		return errors.ErrMissingField("key_id")
	}

	lock := s.lockFor(keyID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.resolveForRecipient(ctx, caller, keyID)
	if err != nil {
		if errors.IsUnauthorized(err) {
			s.metrics.RecordKeyConsumption("unauthorized")
		}
		return err
	}
	if rec.IsConsumed() {
		s.metrics.RecordKeyConsumption("already_consumed")
		return nil
	}

	if err := s.keys.MarkConsumed(ctx, rec.KeyID, time.Now().UTC()); err != nil {
		s.metrics.RecordKeyConsumption("failure")
		return err
	}

	s.audit(ctx, models.AuditEvent{
		EventType: models.AuditEventKeyConsumed,
		KeyID:     rec.KeyID,
		PairingID: rec.PairingID,
		Caller:    caller,
	})
	s.metrics.RecordKeyConsumption("success")
	return nil
}

// CleanupExpired removes all expired records and returns how many were deleted.
func (s *KeyService) CleanupExpired(ctx context.Context) (int64, error) {
	deleted, err := s.keys.DeleteExpired(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		s.audit(ctx, models.AuditEvent{
			EventType: models.AuditEventCleanupRun,
			Details:   map[string]interface{}{"deleted": deleted},
		})
		s.logger.Info(ctx, "expired keys removed", logger.Fields{"deleted": deleted})
	}
	return deleted, nil
}

// ListKeys returns metadata for up to limit records, newest first. Material
// is never included.
func (s *KeyService) ListKeys(ctx context.Context, limit int) ([]*models.KeyRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return s.keys.ListKeys(ctx, limit)
}

// Stats reports orchestrator counters, per-state record counts, and
// persistence health.
func (s *KeyService) Stats(ctx context.Context) (*ServiceStats, error) {
	counts, err := s.keys.CountByState(ctx)
	if err != nil {
		return nil, err
	}

	gauge := make(map[string]int64, len(counts))
	for state, n := range counts {
		gauge[string(state)] = n
	}
	s.metrics.SetKeysByState(gauge)

	dbStatus := "unknown"
	if s.pingDB != nil {
		if err := s.pingDB(ctx); err != nil {
			dbStatus = "unavailable"
		} else {
			dbStatus = "healthy"
		}
	}

	return &ServiceStats{
		Orchestrator: s.orchestrator.Stats(),
		KeysByState:  counts,
		Database:     dbStatus,
	}, nil
}

func (s *KeyService) lockFor(keyID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(keyID))
	return &s.keyLocks[h.Sum32()%keyLockStripes]
}

// audit publishes best-effort; failures are logged inside the producer and
// never fail the key operation.
func (s *KeyService) audit(ctx context.Context, event models.AuditEvent) {
	_ = s.auditor.LogEvent(ctx, event)
}
