// Package s3 implements the object store on Amazon S3 or S3-compatible
// storage (MinIO, Ceph RGW).
package s3

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Metrics collects S3 operation telemetry. A nil Metrics disables collection
// with zero overhead.
type Metrics interface {
	// ObserveOperation records an S3 call with its duration and outcome.
	ObserveOperation(operation string, duration time.Duration, err error)

	// RecordBytes records bytes transferred by an operation.
	RecordBytes(operation string, bytes int64)
}

// Config contains settings for the S3-backed store.
type Config struct {
	// Client is the configured S3 client.
	Client *s3.Client

	// Bucket must already exist; it is not created here.
	Bucket string

	// KeyPrefix is an optional prefix for all object keys.
	KeyPrefix string

	// PresignTTL is the lifetime of generated GET URLs (default: 1h).
	PresignTTL time.Duration

	// Metrics is an optional telemetry collector.
	Metrics Metrics
}

// Store implements objectstore.Store on S3.
type Store struct {
	client     *s3.Client
	presigner  *s3.PresignClient
	bucket     string
	keyPrefix  string
	presignTTL time.Duration
	metrics    Metrics
}

// NewClientFromConfig creates an S3 client from flat configuration values.
// An empty endpoint uses AWS; forcePathStyle is required for most
// S3-compatible servers.
func NewClientFromConfig(ctx context.Context, endpoint, region, accessKeyID, secretAccessKey string, forcePathStyle bool) (*s3.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKeyID,
			secretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = &endpoint
		}
		o.UsePathStyle = forcePathStyle
	})

	return client, nil
}

// New creates a Store and verifies bucket access.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("S3 client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	presignTTL := cfg.PresignTTL
	if presignTTL == 0 {
		presignTTL = time.Hour
	}

	if _, err := cfg.Client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(cfg.Bucket),
	}); err != nil {
		return nil, fmt.Errorf("failed to access bucket %q: %w", cfg.Bucket, err)
	}

	return &Store{
		client:     cfg.Client,
		presigner:  s3.NewPresignClient(cfg.Client),
		bucket:     cfg.Bucket,
		keyPrefix:  cfg.KeyPrefix,
		presignTTL: presignTTL,
		metrics:    cfg.Metrics,
	}, nil
}

func (s *Store) Bucket() string {
	return s.bucket
}

func (s *Store) fullKey(objectKey string) string {
	return s.keyPrefix + objectKey
}

// Upload stores the file at localPath under objectKey. The head-then-put
// sequence makes racing uploads of the same key converge on one object: both
// producers write identical bytes, so skipping the second write is safe.
func (s *Store) Upload(ctx context.Context, objectKey, localPath string) (err error) {
	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.ObserveOperation("Upload", time.Since(start), err)
		}
	}()

	exists, err := s.Exists(ctx, objectKey)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s for upload: %w", localPath, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", localPath, err)
	}

	contentType := mime.TypeByExtension(filepath.Ext(objectKey))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.fullKey(objectKey)),
		Body:          file,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", objectKey, err)
	}

	if s.metrics != nil {
		s.metrics.RecordBytes("Upload", info.Size())
	}
	return nil
}

// Exists reports whether objectKey is present in the bucket.
func (s *Store) Exists(ctx context.Context, objectKey string) (exists bool, err error) {
	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.ObserveOperation("HeadObject", time.Since(start), err)
		}
	}()

	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(objectKey)),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check %s: %w", objectKey, err)
	}
	return true, nil
}

// Presign returns a GET URL for objectKey valid for the configured TTL.
func (s *Store) Presign(ctx context.Context, objectKey string) (string, time.Time, error) {
	start := time.Now()

	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(objectKey)),
	}, s3.WithPresignExpires(s.presignTTL))

	if s.metrics != nil {
		s.metrics.ObserveOperation("PresignGetObject", time.Since(start), err)
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to presign %s: %w", objectKey, err)
	}

	return req.URL, time.Now().Add(s.presignTTL), nil
}
