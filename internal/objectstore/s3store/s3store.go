// Package s3store stores objects in an S3 (or S3-compatible) bucket.
package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/bitloss-labs/bitloss/internal/objectstore"
	"github.com/bitloss-labs/bitloss/internal/retry"
)

// API is the subset of the S3 client the store uses.
type API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Uploader is the subset of the multipart upload manager the store uses.
type Uploader interface {
	Upload(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Config locates the bucket.
type Config struct {
	Bucket    string
	Region    string
	Prefix    string
	Endpoint  string
	AccessKey string
	SecretKey string
	// PublicBaseURL is prepended to keys to form public URLs. Defaults to
	// the virtual-hosted bucket URL.
	PublicBaseURL string
}

// Store is an objectstore.Store backed by S3.
type Store struct {
	api      API
	uploader Uploader
	bucket   string
	prefix   string
	baseURL  string
	policy   retry.Policy
}

var _ objectstore.Store = (*Store)(nil)

// New builds a store from the default AWS credential chain, or from static
// keys when both are configured.
func New(ctx context.Context, cfg Config, policy retry.Policy) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// one retry layer: ours
		o.RetryMaxAttempts = 1
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	baseURL := cfg.PublicBaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, awsCfg.Region)
	}
	return NewWithAPI(client, manager.NewUploader(client), cfg.Bucket, cfg.Prefix, baseURL, policy), nil
}

// NewWithAPI wires a store around existing clients.
func NewWithAPI(api API, uploader Uploader, bucket, prefix, baseURL string, policy retry.Policy) *Store {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	policy.Retryable = func(err error) bool { return !isNotFound(err) }
	return &Store{
		api:      api,
		uploader: uploader,
		bucket:   bucket,
		prefix:   prefix,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		policy:   policy,
	}
}

func (s *Store) key(key string) string {
	return s.prefix + key
}

func (s *Store) Put(ctx context.Context, key string, data []byte, contentType string) error {
	err := s.policy.Do(ctx, func(ctx context.Context) error {
		_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(s.key(key)),
			Body:        bytes.NewReader(data),
			ContentType: aws.String(contentType),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("s3 put %s: %w", key, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := retry.Value(ctx, s.policy, func(ctx context.Context) ([]byte, error) {
		out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(key)),
		})
		if err != nil {
			return nil, err
		}
		defer out.Body.Close()
		return io.ReadAll(out.Body)
	})
	if isNotFound(err) {
		return nil, fmt.Errorf("%s: %w", key, objectstore.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("s3 get %s: %w", key, err)
	}
	return data, nil
}

// Delete removes key. S3 reports success for missing keys.
func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.policy.Do(ctx, func(ctx context.Context) error {
		_, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(key)),
		})
		return err
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("s3 delete %s: %w", key, err)
	}
	return nil
}

func (s *Store) URL(key string) string {
	return s.baseURL + "/" + s.key(key)
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}
