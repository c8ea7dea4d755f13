package store

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// KMSClient wraps the AWS KMS SDK to mint and unwrap the local data keys
// that envelope-encrypt everything RedisStore persists. The kernel itself
// never calls KMS per-entity; it amortizes one GenerateDataKey call into a
// single plaintext data key cached in enclave memory, re-wrapping it only
// when the process restarts.
type KMSClient struct {
	kms   *kms.Client
	keyID string
}

// NewKMSClient creates a KMSClient bound to a CMK. If localStackEndpoint
// is non-empty, the client targets that endpoint with dummy credentials
// (for local development); otherwise it uses the AWS default credential
// chain (IAM roles in production).
func NewKMSClient(ctx context.Context, region, keyID, localStackEndpoint string) (*KMSClient, error) {
	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(region))

	if localStackEndpoint != "" {
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "test")),
		)
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("store: kms: load aws config: %w", err)
	}

	var kmsOpts []func(*kms.Options)
	if localStackEndpoint != "" {
		kmsOpts = append(kmsOpts, func(o *kms.Options) {
			o.BaseEndpoint = aws.String(localStackEndpoint)
		})
	}

	return &KMSClient{
		kms:   kms.NewFromConfig(cfg, kmsOpts...),
		keyID: keyID,
	}, nil
}

// GenerateDataKey asks KMS to mint a new 256-bit data key, returning both
// the plaintext (used immediately to seal entities, then held only in
// enclave memory) and the KMS-wrapped ciphertext (persisted alongside the
// sealed entities so a new process can unwrap it on restart).
func (c *KMSClient) GenerateDataKey(ctx context.Context) (plaintext, wrapped []byte, err error) {
	out, err := c.kms.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   aws.String(c.keyID),
		KeySpec: "AES_256",
	})
	if err != nil {
		return nil, nil, fmt.Errorf("store: kms: generate data key: %w", err)
	}
	return out.Plaintext, out.CiphertextBlob, nil
}

// Decrypt unwraps a previously-wrapped data key (or any other ciphertext
// blob encrypted under the same CMK).
func (c *KMSClient) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	out, err := c.kms.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: ciphertext})
	if err != nil {
		return nil, fmt.Errorf("store: kms: decrypt: %w", err)
	}
	return out.Plaintext, nil
}
