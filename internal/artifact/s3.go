package artifact

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/auditchain/internal/tracing"
)

// DefaultURLExpiry is used when S3Config.URLExpiry is zero.
const DefaultURLExpiry = 15 * time.Minute

// S3Config holds configuration for the S3 store.
type S3Config struct {
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
	// Region defaults to "auto", which is what R2 expects.
	Region    string
	URLExpiry time.Duration
	Logger    *slog.Logger
}

// S3Store writes artifacts to an S3-compatible bucket.
type S3Store struct {
	client        *s3.Client
	presignClient *s3.PresignClient
	bucket        string
	urlExpiry     time.Duration
	logger        *slog.Logger
	timeNow       func() time.Time // For testability
}

// NewS3Store creates a store with path-style addressing against cfg.Endpoint.
func NewS3Store(cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, ErrMissingBucket
	}
	if cfg.AccessKeyID == "" {
		return nil, ErrMissingKeyID
	}
	if cfg.SecretAccessKey == "" {
		return nil, ErrMissingSecret
	}
	if cfg.Endpoint == "" {
		return nil, ErrMissingEndpoint
	}
	if cfg.Region == "" {
		cfg.Region = "auto"
	}
	if cfg.URLExpiry <= 0 {
		cfg.URLExpiry = DefaultURLExpiry
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	client := s3.New(s3.Options{
		Region: cfg.Region,
		Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		BaseEndpoint: aws.String(cfg.Endpoint),
		UsePathStyle: true,
	})

	return &S3Store{
		client:        client,
		presignClient: s3.NewPresignClient(client),
		bucket:        cfg.Bucket,
		urlExpiry:     cfg.URLExpiry,
		logger:        cfg.Logger,
		timeNow:       time.Now,
	}, nil
}

// Put uploads obj.
func (s *S3Store) Put(ctx context.Context, obj Object) (err error) {
	if obj.Key == "" {
		return ErrInvalidKey
	}
	ctx, endSpan := tracing.StartSpan(ctx, "artifact.put")
	defer func() { endSpan(err) }()
	tracing.SetAttributes(ctx, attribute.String("artifact.key", obj.Key))

	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(obj.Key),
		Body:          bytes.NewReader(obj.Body),
		ContentLength: aws.Int64(int64(len(obj.Body))),
		Metadata:      obj.Metadata,
	}
	if obj.ContentType != "" {
		input.ContentType = aws.String(obj.ContentType)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		s.logger.ErrorContext(ctx, "failed to upload artifact",
			slog.String("key", obj.Key),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to upload %s: %w", obj.Key, err)
	}
	s.logger.InfoContext(ctx, "artifact uploaded",
		slog.String("key", obj.Key),
		slog.Int("size_bytes", len(obj.Body)))
	return nil
}

// PresignGet returns a GET URL valid for the configured expiry.
func (s *S3Store) PresignGet(ctx context.Context, key string) (*SignedURL, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}
	req, err := s.presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = s.urlExpiry
	})
	if err != nil {
		return nil, fmt.Errorf("failed to presign request: %w", err)
	}
	return &SignedURL{
		URL:       req.URL,
		Key:       key,
		ExpiresAt: s.timeNow().Add(s.urlExpiry),
	}, nil
}

// Bucket returns the bucket name used by the store.
func (s *S3Store) Bucket() string {
	return s.bucket
}
