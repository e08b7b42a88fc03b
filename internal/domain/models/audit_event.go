package models

import "time"

// AuditEventType classifies key lifecycle audit events.
type AuditEventType string

const (
	AuditEventKeyCreated   AuditEventType = "key.created"
	AuditEventKeyServed    AuditEventType = "key.served"
	AuditEventKeyConsumed  AuditEventType = "key.consumed"
	AuditEventKeyExpired   AuditEventType = "key.expired"
	AuditEventCleanupRun   AuditEventType = "cleanup.run"
	AuditEventAccessDenied AuditEventType = "access.denied"
)

// AuditEvent records one key lifecycle transition for the audit trail.
// AuditEvent 记录一次密钥生命周期转换，用于审计跟踪。
type AuditEvent struct {
	EventType AuditEventType         `json:"event_type"`
	KeyID     string                 `json:"key_id,omitempty"`
	PairingID string                 `json:"pairing_id,omitempty"`
	Requester string                 `json:"requester,omitempty"`
	Recipient string                 `json:"recipient,omitempty"`
	Caller    string                 `json:"caller,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
}
