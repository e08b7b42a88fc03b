// Package constants defines shared constants for the QKMS key management service.
package constants

import "time"

// Service identity.
const (
	ServiceName    = "qkms"
	ServiceVersion = "2.0.0"
)

// Key agreement defaults.
const (
	// DefaultKeySizeBits is the key size used when a request does not specify one.
	DefaultKeySizeBits = 256
	// DefaultKeyTTL is the lifetime of a key pair when a request does not specify one.
	DefaultKeyTTL = time.Hour
	// AlgorithmBB84 tags key material produced by the BB84 channel simulator.
	AlgorithmBB84 = "BB84"
)

// Cryptographic algorithm tags as they appear in ciphertext metadata.
const (
	AlgorithmAESGCM    = "AES-256-GCM"
	AlgorithmQKDAES    = "QKD+AES-256-GCM"
	AlgorithmQKDOTP    = "QKD+OTP"
	AlgorithmHybridPQC = "ML-KEM-768+AES-256-GCM"
	AlgorithmMLKEM768  = "ML-KEM-768"
)

// ContextKey is the type used for context value keys owned by this module.
type ContextKey string

const (
	// ContextKeyRequestID carries the per-request id assigned by the HTTP layer.
	ContextKeyRequestID ContextKey = "request_id"
	// ContextKeyPrincipal carries the authenticated caller identity, when auth is enabled.
	ContextKeyPrincipal ContextKey = "principal"
	// ContextKeyTraceID carries the trace id extracted by the observability middleware.
	ContextKeyTraceID ContextKey = "trace_id"
	// ContextKeyLogger carries a request-scoped logger.
	ContextKeyLogger ContextKey = "logger"
)
