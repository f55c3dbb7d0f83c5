// Package s3 implements a storage Backend that writes records to an S3 (or
// S3-compatible) bucket using the same relative layout as the disk backend.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Config holds the configuration for creating a Backend.
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
}

// PutObjectAPI is the subset of the S3 client the backend needs.
// Used for testing with mock implementations.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Backend stores record artifacts as objects.
type Backend struct {
	bucket string
	prefix string
	client PutObjectAPI
}

// New creates a Backend from the default AWS credential chain, optionally
// overridden by static credentials and a custom endpoint (MinIO, LocalStack).
func New(ctx context.Context, cfg Config) (*Backend, error) {
	var opts []func(*awsconfig.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return NewWithClient(cfg.Bucket, cfg.Prefix, client), nil
}

// NewWithClient creates a Backend with a custom client, used for testing.
func NewWithClient(bucket, prefix string, client PutObjectAPI) *Backend {
	return &Backend{
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		client: client,
	}
}

// MkdirAll is a no-op: object stores have no directories.
func (b *Backend) MkdirAll(_ context.Context, _ string) error {
	return nil
}

// WriteFile uploads data under the prefixed key for name.
func (b *Backend) WriteFile(ctx context.Context, name string, data []byte) error {
	key := b.Key(name)

	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentTypeFor(name)),
	})
	if err != nil {
		return fmt.Errorf("failed to upload s3://%s/%s: %w", b.bucket, key, err)
	}
	return nil
}

// Key returns the object key a relative artifact path is stored under.
func (b *Backend) Key(name string) string {
	if b.prefix == "" {
		return name
	}
	return path.Join(b.prefix, name)
}

// Name returns the backend name.
func (b *Backend) Name() string {
	return "s3"
}

func contentTypeFor(name string) string {
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
