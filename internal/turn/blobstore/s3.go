// Package blobstore provides ctxmgr.BlobStore implementations: an
// S3-compatible store for production and a filesystem store for local/dev
// use. Both are content-addressed, keying each blob by the hex SHA-256 of
// its bytes so identical uploads dedupe to the same id. Grounded on
// internal/artifacts' S3Store/LocalStore, generalized from artifact ids to
// content hashes and from io.Reader to []byte (ctxmgr.BlobStore's
// contract).
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/haasonsaas/nexus/pkg/models"
)

// S3Config configures an S3-compatible blob store.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// DefaultS3Config mirrors internal/artifacts.DefaultS3StoreConfig.
func DefaultS3Config() S3Config {
	return S3Config{Region: "us-east-1"}
}

// S3Store implements ctxmgr.BlobStore over an S3-compatible bucket.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Store mirrors internal/artifacts.NewS3Store's config-loading shape.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("blobstore: s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	loadOptions := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("blobstore: load aws config: %w", err)
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})

	return &S3Store{client: client, bucket: bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

// Store implements ctxmgr.BlobStore. The returned uri is "@blob:<sha256>"
// regardless of backend, so callers never see storage-specific URIs.
func (s *S3Store) Store(ctx context.Context, data []byte, mime, originalName, source string) (string, error) {
	id := contentHash(data)
	key := s.objectKey(id)

	input := &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &key,
		Body:        strings.NewReader(string(data)),
		ContentType: aws.String(mime),
		Metadata: map[string]string{
			"original-name": originalName,
			"source":        source,
		},
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("blobstore: s3 put object: %w", err)
	}
	return models.BlobRefPrefix + id, nil
}

// Read implements ctxmgr.BlobStore.
func (s *S3Store) Read(ctx context.Context, uri string) ([]byte, string, error) {
	id := strings.TrimPrefix(uri, models.BlobRefPrefix)
	key := s.objectKey(id)

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &key})
	if err != nil {
		return nil, "", fmt.Errorf("blobstore: s3 get object: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, "", fmt.Errorf("blobstore: read object body: %w", err)
	}

	mime := ""
	if out.ContentType != nil {
		mime = *out.ContentType
	}
	return data, mime, nil
}

func (s *S3Store) objectKey(id string) string {
	if s.prefix == "" {
		return id
	}
	return s.prefix + "/" + id
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
