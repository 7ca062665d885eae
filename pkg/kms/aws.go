package kms

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awskms "github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
)

// AWSProvider implements Provider on AWS KMS.
type AWSProvider struct {
	client *awskms.Client
}

// NewAWSProvider loads the default AWS config chain and builds a KMS client.
func NewAWSProvider(ctx context.Context, region string) (*AWSProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("kms: load aws config: %w", err)
	}
	return &AWSProvider{client: awskms.NewFromConfig(cfg)}, nil
}

// GenerateDataKey requests an AES-256 data key under keyID.
func (p *AWSProvider) GenerateDataKey(ctx context.Context, keyID string) (*DataKey, error) {
	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	out, err := p.client.GenerateDataKey(ctx, &awskms.GenerateDataKeyInput{
		KeyId:   &keyID,
		KeySpec: types.DataKeySpecAes256,
	})
	if err != nil {
		return nil, fmt.Errorf("kms: generate data key: %w", err)
	}
	return &DataKey{
		Plaintext:  out.Plaintext,
		Ciphertext: out.CiphertextBlob,
		KeyID:      keyID,
	}, nil
}

// DecryptDataKey recovers a data key from its KMS-encrypted form.
func (p *AWSProvider) DecryptDataKey(ctx context.Context, keyID string, ciphertext []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	out, err := p.client.Decrypt(ctx, &awskms.DecryptInput{
		KeyId:          &keyID,
		CiphertextBlob: ciphertext,
	})
	if err != nil {
		return nil, fmt.Errorf("kms: decrypt data key: %w", err)
	}
	return out.Plaintext, nil
}
