package kms

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"

	vault "github.com/hashicorp/vault/api"
)

// VaultProvider re-encrypts EDEKs using HashiCorp Vault Transit's rewrap
// endpoint, Vault's own "re-wrap under the key's current version" primitive
// (it takes an existing ciphertext and rewraps it without decrypting to the
// caller, exactly like a zone key version rotation needs).
type VaultProvider struct {
	client    *vault.Client
	mountPath string
}

// NewVaultProvider creates a new Vault Transit provider.
func NewVaultProvider(ctx context.Context, cfg VaultConfig) (*VaultProvider, error) {
	if cfg.MountPath == "" {
		cfg.MountPath = "transit"
	}

	vaultCfg := vault.DefaultConfig()
	vaultCfg.Address = cfg.Address

	if cfg.TLSInsecure {
		vaultCfg.HttpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	} else if cfg.TLSCACert != "" {
		if err := vaultCfg.ConfigureTLS(&vault.TLSConfig{CACert: cfg.TLSCACert}); err != nil {
			return nil, fmt.Errorf("kms: configure Vault TLS: %w", err)
		}
	}

	client, err := vault.NewClient(vaultCfg)
	if err != nil {
		return nil, fmt.Errorf("kms: create Vault client: %w", err)
	}

	token := cfg.Token
	if token == "" {
		token = os.Getenv("VAULT_TOKEN")
	}
	if token != "" {
		client.SetToken(token)
	}
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	return &VaultProvider{client: client, mountPath: cfg.MountPath}, nil
}

func (p *VaultProvider) Name() string { return "vault" }

func (p *VaultProvider) rewrapPath(keyName string) string {
	return fmt.Sprintf("%s/rewrap/%s", p.mountPath, keyName)
}

// ReencryptEncryptedKeys calls transit/rewrap/<targetKeyVersionName> once
// per entry. As with the AWS provider, any single failure fails the batch.
func (p *VaultProvider) ReencryptEncryptedKeys(ctx context.Context, targetKeyVersionName string, entries []Entry) ([][]byte, error) {
	out := make([][]byte, len(entries))
	path := p.rewrapPath(targetKeyVersionName)
	for i, e := range entries {
		secret, err := p.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
			"ciphertext": string(e.EDEK),
		})
		if err != nil {
			return nil, fmt.Errorf("kms: Vault Transit rewrap failed: %w", err)
		}
		ciphertext, ok := secret.Data["ciphertext"].(string)
		if !ok {
			return nil, fmt.Errorf("kms: Vault Transit rewrap: invalid response")
		}
		out[i] = []byte(ciphertext)
	}
	return out, nil
}

func (p *VaultProvider) Close() error { return nil }

var _ Provider = (*VaultProvider)(nil)
