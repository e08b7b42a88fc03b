// Package kms provides a HashiCorp Vault backed master-key provider for
// at-rest encryption of stored key material.
package kms

import (
	"encoding/base64"
	"fmt"

	vault "github.com/hashicorp/vault/api"

	"github.com/qutemail/qkms/internal/config"
	"github.com/qutemail/qkms/pkg/errors"
	"github.com/qutemail/qkms/pkg/logger"
)

// VaultKeyProvider reads the at-rest master key from a Vault KV v2 secret.
// The secret is expected to hold a base64-encoded 32-byte key under the
// "master_key" field.
type VaultKeyProvider struct {
	client *vault.Client
	cfg    config.VaultConfig
	logger logger.Logger
}

// NewVaultKeyProvider creates a VaultKeyProvider from configuration.
func NewVaultKeyProvider(cfg config.VaultConfig, log logger.Logger) (*VaultKeyProvider, error) {
	vaultCfg := vault.DefaultConfig()
	vaultCfg.Address = cfg.Address

	client, err := vault.NewClient(vaultCfg)
	if err != nil {
		return nil, errors.ErrServiceUnavailable("failed to create vault client").WithCause(err)
	}
	client.SetToken(cfg.Token)

	return &VaultKeyProvider{
		client: client,
		cfg:    cfg,
		logger: log.WithFields(logger.Fields{"component": "vault_key_provider"}),
	}, nil
}

// MasterKey fetches and decodes the master key from Vault.
func (p *VaultKeyProvider) MasterKey() ([]byte, error) {
	path := fmt.Sprintf("%s/data/%s", p.cfg.MountPath, p.cfg.KeyName)

	secret, err := p.client.Logical().Read(path)
	if err != nil {
		return nil, errors.ErrServiceUnavailable("could not read master key from vault").WithCause(err)
	}
	if secret == nil || secret.Data["data"] == nil {
		return nil, errors.ErrNotFound("master key not found in vault").
			WithMetadata("path", path)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, errors.ErrInternal("invalid secret format in vault")
	}

	encoded, ok := data["master_key"].(string)
	if !ok {
		return nil, errors.ErrInternal("master_key field missing or not a string in vault secret")
	}

	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.ErrInternal("master key in vault is not valid base64").WithCause(err)
	}
	if len(key) != 32 {
		return nil, errors.ErrInternal("master key in vault must be 32 bytes").
			WithMetadata("length", len(key))
	}

	return key, nil
}
