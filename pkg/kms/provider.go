// Package kms provides the external Key Management Service dependency the
// re-encryption coordinator calls to re-wrap EDEKs under a new zone key
// version (spec.md §6, outbound: "KMS: reencryptEncryptedKeys(list)").
//
// The package mirrors zapfs's own enterprise/kms: a Provider interface with
// AWS KMS and HashiCorp Vault Transit implementations, selected by Config.
// Unlike zapfs's KMS package (which wraps/unwraps data keys for SSE-KMS),
// every provider here exposes exactly one domain operation -
// ReencryptEncryptedKeys - because that is the only call the coordinator
// makes; the coordinator never generates or decrypts a DEK itself.
package kms

import (
	"context"
	"errors"
)

// Sentinel errors for KMS failures. The AWS and Vault providers in this
// package wrap their client errors instead of returning these, and the
// rezone worker pool counts any provider error as a failed batch whatever
// its kind.
var (
	ErrKeyNotFound  = errors.New("kms: key not found")
	ErrUnauthorized = errors.New("kms: unauthorized")
	ErrUnavailable  = errors.New("kms: unavailable")
)

// Entry is one EDEK submitted for re-encryption.
type Entry struct {
	// EDEK is the existing encrypted data encryption key, wrapped under
	// the key version that produced it.
	EDEK []byte
}

// Provider re-wraps batches of EDEKs under a target key version. A single
// ReencryptEncryptedKeys call is atomic from the coordinator's point of
// view: either every entry in the batch comes back re-wrapped, or the whole
// call fails and the batch is counted as entirely failed (spec.md §4.2).
type Provider interface {
	// Name identifies the provider ("aws", "vault", "mock").
	Name() string

	// ReencryptEncryptedKeys re-wraps every entry's EDEK under
	// targetKeyVersionName, returning the new EDEKs in the same order as
	// entries. The namespace's read/write locks are never held across this
	// call (spec.md §5).
	ReencryptEncryptedKeys(ctx context.Context, targetKeyVersionName string, entries []Entry) ([][]byte, error)

	// Close releases provider resources (client connections, etc).
	Close() error
}

// Config selects and configures a Provider.
type Config struct {
	Provider string // "aws" or "vault"
	AWS      *AWSConfig
	Vault    *VaultConfig
}

// AWSConfig configures the AWS KMS provider.
type AWSConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string // LocalStack/testing
	RoleARN         string
}

// VaultConfig configures the HashiCorp Vault Transit provider.
type VaultConfig struct {
	Address     string
	Token       string
	MountPath   string // default: transit
	Namespace   string
	TLSCACert   string
	TLSInsecure bool
}

// NewProvider constructs a Provider from Config.
func NewProvider(ctx context.Context, cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "aws":
		if cfg.AWS == nil {
			return nil, errors.New("kms: AWS configuration required")
		}
		return NewAWSProvider(ctx, *cfg.AWS)
	case "vault":
		if cfg.Vault == nil {
			return nil, errors.New("kms: Vault configuration required")
		}
		return NewVaultProvider(ctx, *cfg.Vault)
	default:
		return nil, errors.New("kms: unsupported provider: " + cfg.Provider)
	}
}
