package models

import "time"

// LocalCacheEntry is a requester-side copy of a key fetched ahead of need.
// Entries mirror the remote record's identity and expiry so the cache can
// serve and consume without a round trip.
// LocalCacheEntry 是提前获取的请求方密钥副本。条目镜像远端记录的身份和
// 过期时间，使缓存无需往返即可提供和消耗密钥。
type LocalCacheEntry struct {
	// KeyID matches the remote record's key id.
	// KeyID 与远端记录的密钥 ID 一致。
	KeyID string `gorm:"primaryKey;column:key_id"`
	// Requester and Recipient mirror the remote pairing.
	// Requester 和 Recipient 镜像远端的配对关系。
	Requester string `gorm:"index:idx_cache_lookup"`
	Recipient string `gorm:"index:idx_cache_lookup"`
	// SizeBits is the key length in bits.
	// SizeBits 是以位为单位的密钥长度。
	SizeBits int `gorm:"index:idx_cache_lookup"`
	// Algorithm mirrors the remote record's agreement method tag.
	// Algorithm 镜像远端记录的协商方法标记。
	Algorithm string
	// Material is the raw key material.
	// Material 是原始密钥材料。
	Material []byte
	// State tracks the local lifecycle (stored, served, consumed).
	// State 跟踪本地生命周期（stored、served、consumed）。
	State KeyState `gorm:"index"`
	// CreatedAt is when the entry was fetched from the remote service.
	// CreatedAt 是从远端服务获取条目的时间。
	CreatedAt time.Time
	// ExpiresAt mirrors the remote record's expiry.
	// ExpiresAt 镜像远端记录的过期时间。
	ExpiresAt time.Time `gorm:"index"`
}

// TableName sets the table name for GORM.
func (LocalCacheEntry) TableName() string { return "local_key_cache" }

// IsUsable reports whether the entry may still be served at the given instant.
func (e *LocalCacheEntry) IsUsable(now time.Time) bool {
	return e.State != KeyStateConsumed && now.Before(e.ExpiresAt)
}
