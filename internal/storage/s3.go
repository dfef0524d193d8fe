package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Storage implements ObjectStorage for S3-compatible services such as MinIO.
// Requests are not retried; a failed call surfaces to the caller.
type S3Storage struct {
	client *s3.Client
	config S3Config
}

// S3Config holds configuration for S3 storage.
type S3Config struct {
	// Region is the signing region. MinIO accepts any value.
	Region string
	// Endpoint is the service endpoint, e.g. http://minio:9000.
	Endpoint string
	// AccessKey and SecretKey are static credentials. When both are empty
	// the default AWS credential chain is used.
	AccessKey string
	SecretKey string
	// UsePathStyle enables path-style addressing (required for MinIO).
	UsePathStyle bool
}

// DefaultS3Config returns the default S3 configuration.
func DefaultS3Config() S3Config {
	return S3Config{
		Region:       "us-east-1",
		UsePathStyle: true,
	}
}

// NewS3Storage creates a new S3 storage client.
func NewS3Storage(ctx context.Context, cfg S3Config) (*S3Storage, error) {
	var opts []func(*config.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" || cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	opts = append(opts, config.WithRetryMaxAttempts(1))

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return NewS3StorageWithClient(s3.NewFromConfig(awsCfg, s3Opts...), cfg), nil
}

// NewS3StorageWithClient creates a new S3 storage with a pre-configured client.
func NewS3StorageWithClient(client *s3.Client, cfg S3Config) *S3Storage {
	return &S3Storage{
		client: client,
		config: cfg,
	}
}

// PutObject uploads data to bucket/key.
func (s *S3Storage) PutObject(ctx context.Context, bucket, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("%w: s3://%s/%s: %v", ErrUploadFailed, bucket, key, err)
	}
	return nil
}

// GetObject downloads the object at bucket/key.
func (s *S3Storage) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("%w: s3://%s/%s", ErrObjectNotFound, bucket, key)
		}
		return nil, fmt.Errorf("%w: s3://%s/%s: %v", ErrDownloadFailed, bucket, key, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: s3://%s/%s: %v", ErrDownloadFailed, bucket, key, err)
	}
	return data, nil
}

// EnsureBucket creates bucket unless it already exists.
func (s *S3Storage) EnsureBucket(ctx context.Context, bucket string) (bool, error) {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err == nil {
		return false, nil
	}
	if !isS3NotFound(err) {
		return false, fmt.Errorf("%w: head %s: %v", ErrBucketFailed, bucket, err)
	}

	_, err = s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)})
	if err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		var exists *types.BucketAlreadyExists
		if errors.As(err, &owned) || errors.As(err, &exists) {
			return false, nil
		}
		return false, fmt.Errorf("%w: create %s: %v", ErrBucketFailed, bucket, err)
	}
	return true, nil
}

// ListBuckets returns all bucket names visible to the credentials.
func (s *S3Storage) ListBuckets(ctx context.Context) ([]string, error) {
	var names []string
	paginator := s3.NewListBucketsPaginator(s.client, &s3.ListBucketsInput{})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: list buckets: %v", ErrBucketFailed, err)
		}
		for _, b := range page.Buckets {
			names = append(names, aws.ToString(b.Name))
		}
	}

	return names, nil
}

// Close is a no-op; the S3 client holds no releasable resources.
func (s *S3Storage) Close() error {
	return nil
}

// isS3NotFound reports whether err means the bucket or key does not exist.
func isS3NotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var noSuchBucket *types.NoSuchBucket
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &noSuchBucket) || errors.As(err, &notFound) {
		return true
	}

	// HEAD responses carry no body, so the SDK only sees the status code.
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NoSuchBucket", "NotFound":
			return true
		}
	}
	return false
}
