package qkd

import (
	"bytes"
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/qutemail/qkms/pkg/errors"
	"github.com/qutemail/qkms/pkg/logger"
)

// AgreedKey is the outcome of one key agreement session: identical material
// held by both parties plus protocol diagnostics.
type AgreedKey struct {
	KeyID     string
	Requester string
	Recipient string
	SizeBits  int
	Material  []byte
	Diag      Diagnostics
	CreatedAt time.Time
}

// Orchestrator drives the channel simulator, verifies the two copies agree,
// and tracks session statistics.
type Orchestrator struct {
	sim      *Simulator
	logger   logger.Logger
	sessions atomic.Int64

	// store holds agreed keys for the non-persistent demo path only; the key
	// management service keeps its own durable records.
	store *gocache.Cache
}

// NewOrchestrator creates an Orchestrator around the given simulator.
func NewOrchestrator(sim *Simulator, log logger.Logger) *Orchestrator {
	return &Orchestrator{
		sim:    sim,
		logger: log.WithFields(logger.Fields{"component": "qkd_orchestrator"}),
		store:  gocache.New(time.Hour, 10*time.Minute),
	}
}

// GenerateKey runs one key agreement session between requester and recipient.
// Both simulated parties must end up with byte-identical material; divergence
// means reconciliation failed and the session is unusable.
func (o *Orchestrator) GenerateKey(ctx context.Context, requester, recipient string, sizeBits int) (*AgreedKey, error) {
	session := o.sessions.Add(1)

	alice, bob, diag, err := o.sim.GenerateKeyPair(sizeBits)
	if err != nil {
		o.logger.Error(ctx, "key agreement failed", err, logger.Fields{
			"session":   session,
			"requester": requester,
			"recipient": recipient,
			"size_bits": sizeBits,
			"attempts":  diag.Attempts,
		})
		return nil, err
	}

	if !bytes.Equal(alice, bob) {
		// Not retryable: a reconciliation pass that produced divergent copies
		// indicates a defect, not bad channel luck.
		return nil, errors.ErrKeyAgreement("reconciled key copies diverge").
			WithMetadata("session", session)
	}

	key := &AgreedKey{
		KeyID:     uuid.New().String(),
		Requester: requester,
		Recipient: recipient,
		SizeBits:  sizeBits,
		Material:  alice,
		Diag:      diag,
		CreatedAt: time.Now().UTC(),
	}

	o.logger.Debug(ctx, "key agreement completed", logger.Fields{
		"session":     session,
		"key_id":      key.KeyID,
		"size_bits":   sizeBits,
		"qber":        diag.QBER,
		"sifted_bits": diag.SiftedBits,
		"attempts":    diag.Attempts,
	})

	return key, nil
}

// GenerateEphemeralKey agrees a key and parks it in the in-memory store under
// its key id. Serves demo and test flows that bypass persistence.
func (o *Orchestrator) GenerateEphemeralKey(ctx context.Context, requester, recipient string, sizeBits int, ttl time.Duration) (*AgreedKey, error) {
	key, err := o.GenerateKey(ctx, requester, recipient, sizeBits)
	if err != nil {
		return nil, err
	}
	o.store.Set(key.KeyID, key, ttl)
	return key, nil
}

// LookupEphemeralKey fetches a key from the in-memory store.
func (o *Orchestrator) LookupEphemeralKey(keyID string) (*AgreedKey, bool) {
	v, ok := o.store.Get(keyID)
	if !ok {
		return nil, false
	}
	return v.(*AgreedKey), true
}

// Stats reports orchestrator counters.
type Stats struct {
	TotalSessions int64   `json:"total_sessions"`
	ErrorRate     float64 `json:"channel_error_rate"`
	EphemeralKeys int     `json:"ephemeral_keys"`
}

// Stats returns a snapshot of session statistics.
func (o *Orchestrator) Stats() Stats {
	return Stats{
		TotalSessions: o.sessions.Load(),
		ErrorRate:     o.sim.opts.ErrorRate,
		EphemeralKeys: o.store.ItemCount(),
	}
}
