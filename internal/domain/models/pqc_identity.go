package models

import "time"

// PQCIdentity is a post-quantum KEM keypair bound to a principal. The public
// key is served to anyone; the private key only to its owner.
// PQCIdentity 是绑定到主体的后量子 KEM 密钥对。公钥对任何人提供；私钥
// 仅提供给其所有者。
type PQCIdentity struct {
	// Principal is the owner identity, typically an address-like string.
	// Principal 是所有者身份，通常是类似地址的字符串。
	Principal string `gorm:"primaryKey"`
	// Algorithm names the KEM scheme, currently always ML-KEM-768.
	// Algorithm 命名 KEM 方案，目前始终为 ML-KEM-768。
	Algorithm string
	// PublicKey is the packed KEM public key.
	// PublicKey 是打包的 KEM 公钥。
	PublicKey []byte
	// PrivateKeyEncrypted is the packed private key encrypted under the
	// service master key.
	// PrivateKeyEncrypted 是在服务主密钥下加密的打包私钥。
	PrivateKeyEncrypted []byte
	// CreatedAt is when the keypair was generated.
	// CreatedAt 是密钥对生成的时间。
	CreatedAt time.Time
}

// TableName sets the table name for GORM.
func (PQCIdentity) TableName() string { return "pqc_identities" }
