package models

import (
	"time"
)

// KeyState represents the lifecycle state of a quantum-derived key.
// KeyState 表示量子派生密钥的生命周期状态。
type KeyState string

const (
	// KeyStateStored means the key is at rest and has never been handed out.
	// KeyStateStored 表示密钥处于静止状态，从未被分发过。
	KeyStateStored KeyState = "stored"
	// KeyStateCached means the key has been copied into a requester-side local cache.
	// KeyStateCached 表示密钥已被复制到请求方的本地缓存中。
	KeyStateCached KeyState = "cached"
	// KeyStateServed means the key material has been handed to a caller at least once.
	// KeyStateServed 表示密钥材料已至少被分发给调用方一次。
	KeyStateServed KeyState = "served"
	// KeyStateConsumed means the key has been used and is permanently unusable.
	// KeyStateConsumed 表示密钥已被使用，永久不可再用。
	KeyStateConsumed KeyState = "consumed"
)

// KMInstance identifies which side of the paired key management deployment
// a record belongs to.
// KMInstance 标识记录属于成对密钥管理部署的哪一侧。
type KMInstance string

const (
	// KMInstance1 holds the requester-side copy of each agreed key.
	// KMInstance1 保存每个协商密钥的请求方副本。
	KMInstance1 KMInstance = "KM1"
	// KMInstance2 holds the recipient-side copy of each agreed key.
	// KMInstance2 保存每个协商密钥的接收方副本。
	KMInstance2 KMInstance = "KM2"
)

// KeyRole indicates which party a record serves.
// KeyRole 指示记录服务于哪一方。
type KeyRole string

const (
	// KeyRoleRequester marks the copy owned by the party that requested the key.
	// KeyRoleRequester 标记请求密钥一方所拥有的副本。
	KeyRoleRequester KeyRole = "requester"
	// KeyRoleRecipient marks the copy owned by the intended communication peer.
	// KeyRoleRecipient 标记预期通信对端所拥有的副本。
	KeyRoleRecipient KeyRole = "recipient"
)

// KeyRecord represents one side of an agreed quantum key pair. Every key
// agreement produces two records sharing a PairingID: a requester copy in KM1
// and a recipient copy in KM2, with byte-identical material.
// KeyRecord 表示已协商量子密钥对的一侧。每次密钥协商会产生两条共享
// PairingID 的记录：KM1 中的请求方副本和 KM2 中的接收方副本，其密钥材料
// 逐字节相同。
type KeyRecord struct {
	// KeyID is the unique identifier of this record.
	// KeyID 是此记录的唯一标识符。
	KeyID string `gorm:"primaryKey;column:key_id"`
	// Requester is the identity of the party that requested the key.
	// Requester 是请求密钥一方的身份。
	Requester string `gorm:"index:idx_pair_lookup"`
	// Recipient is the identity of the intended communication peer.
	// Recipient 是预期通信对端的身份。
	Recipient string `gorm:"index:idx_pair_lookup"`
	// SizeBits is the key length in bits.
	// SizeBits 是以位为单位的密钥长度。
	SizeBits int `gorm:"index:idx_pair_lookup"`
	// Algorithm tags the agreement method that produced the material.
	// Algorithm 标记产生密钥材料的协商方法。
	Algorithm string
	// MaterialEncrypted is the key material encrypted under the service master key.
	// MaterialEncrypted 是在服务主密钥下加密的密钥材料。
	MaterialEncrypted []byte
	// State is the current lifecycle state.
	// State 是当前生命周期状态。
	State KeyState `gorm:"index"`
	// Instance is the KM deployment side this record lives in.
	// Instance 是此记录所在的 KM 部署侧。
	Instance KMInstance `gorm:"index"`
	// Role indicates whether this is the requester or recipient copy.
	// Role 指示这是请求方副本还是接收方副本。
	Role KeyRole
	// PairingID links the two records produced by one key agreement.
	// PairingID 关联一次密钥协商产生的两条记录。
	PairingID string `gorm:"index"`
	// CreatedAt is when the key agreement completed.
	// CreatedAt 是密钥协商完成的时间。
	CreatedAt time.Time
	// ExpiresAt is when the key becomes permanently unusable.
	// ExpiresAt 是密钥变为永久不可用的时间。
	ExpiresAt time.Time `gorm:"index"`
	// ServedAt is when the material was first handed out. Nil until served.
	// ServedAt 是密钥材料首次被分发的时间。在分发前为 Nil。
	ServedAt *time.Time
	// ConsumedAt is when the key was consumed. Nil while still usable.
	// ConsumedAt 是密钥被消耗的时间。在仍可用时为 Nil。
	ConsumedAt *time.Time
}

// TableName sets the table name for GORM.
func (KeyRecord) TableName() string { return "qkd_keys" }

// IsExpired reports whether the key is past its expiry at the given instant.
func (k *KeyRecord) IsExpired(now time.Time) bool {
	return !now.Before(k.ExpiresAt)
}

// IsConsumed reports whether the key has been consumed.
func (k *KeyRecord) IsConsumed() bool {
	return k.State == KeyStateConsumed
}

// IsServable reports whether material may still be handed out.
func (k *KeyRecord) IsServable(now time.Time) bool {
	return !k.IsConsumed() && !k.IsExpired(now)
}
