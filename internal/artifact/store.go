// Package artifact stores snapshot bodies produced by job handlers, either on
// S3 (or any S3-compatible endpoint) or a local directory for development.
package artifact

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Uploader persists one artifact under a key and returns its location.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// S3Options configure the S3-backed store. Endpoint/PathStyle support
// MinIO-style local stacks.
type S3Options struct {
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
}

// S3Store uploads artifacts with PutObject.
type S3Store struct {
	client *s3.Client
	bucket string
}

func NewS3Store(ctx context.Context, opts S3Options) (*S3Store, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               opts.Endpoint,
					HostnameImmutable: opts.PathStyle,
					SigningRegion:     opts.Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		loadOpts = append(loadOpts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = opts.PathStyle
	})
	return &S3Store{client: client, bucket: opts.Bucket}, nil
}

func (s *S3Store) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	key = sanitizeKey(key)
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("put s3://%s/%s: %w", s.bucket, key, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// DirStore writes artifacts under a base directory.
type DirStore struct {
	baseDir string
}

func NewDirStore(baseDir string) *DirStore {
	if baseDir == "" {
		baseDir = "./artifacts"
	}
	return &DirStore{baseDir: baseDir}
}

func (d *DirStore) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	key = sanitizeKey(key)
	path := filepath.Join(d.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("mkdir for %s: %w", key, err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

// sanitizeKey strips path escapes so a hostile key cannot climb out of the
// store.
func sanitizeKey(key string) string {
	key = strings.ReplaceAll(key, "\\", "/")
	parts := strings.Split(key, "/")
	clean := parts[:0]
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			continue
		}
		clean = append(clean, p)
	}
	return strings.Join(clean, "/")
}
