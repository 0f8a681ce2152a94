package kms

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// AWSProvider re-encrypts EDEKs with AWS KMS's ReEncrypt operation, which is
// the literal production primitive for "re-wrap under a new key version":
// it moves a ciphertext from whatever CMK produced it to DestinationKeyId in
// one service call, without ever exposing the plaintext DEK to the caller.
type AWSProvider struct {
	client *kms.Client
}

// NewAWSProvider creates a new AWS KMS provider.
func NewAWSProvider(ctx context.Context, cfg AWSConfig) (*AWSProvider, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("kms: load AWS config: %w", err)
	}

	var kmsOpts []func(*kms.Options)
	if cfg.Endpoint != "" {
		kmsOpts = append(kmsOpts, func(o *kms.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	if cfg.RoleARN != "" {
		stsClient := sts.NewFromConfig(awsCfg)
		creds := stscreds.NewAssumeRoleProvider(stsClient, cfg.RoleARN)
		awsCfg.Credentials = aws.NewCredentialsCache(creds)
	}

	return &AWSProvider{client: kms.NewFromConfig(awsCfg, kmsOpts...)}, nil
}

func (p *AWSProvider) Name() string { return "aws" }

// ReencryptEncryptedKeys calls ReEncrypt once per entry. If any call fails
// the whole batch is reported failed: the coordinator never partially
// applies a batch (spec.md §4.2).
func (p *AWSProvider) ReencryptEncryptedKeys(ctx context.Context, targetKeyVersionName string, entries []Entry) ([][]byte, error) {
	out := make([][]byte, len(entries))
	for i, e := range entries {
		resp, err := p.client.ReEncrypt(ctx, &kms.ReEncryptInput{
			CiphertextBlob:   e.EDEK,
			DestinationKeyId: aws.String(targetKeyVersionName),
		})
		if err != nil {
			return nil, fmt.Errorf("kms: AWS ReEncrypt failed: %w", err)
		}
		out[i] = resp.CiphertextBlob
	}
	return out, nil
}

func (p *AWSProvider) Close() error { return nil }

var _ Provider = (*AWSProvider)(nil)
