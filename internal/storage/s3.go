// Package storage uploads generated images to S3-compatible object storage.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/robalyx/fitroom/internal/imagecodec"
	"github.com/robalyx/fitroom/internal/setup/config"
	"github.com/robalyx/fitroom/pkg/utils"
	"go.uber.org/zap"
)

var (
	ErrBucketMissing    = errors.New("s3 bucket is not configured")
	ErrPublicURLMissing = errors.New("s3 public base URL is not configured")
	ErrEmptyArtifact    = errors.New("artifact has no data")
)

// ObjectPutter is the subset of the S3 client used for uploads.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store saves generated images as public objects.
type S3Store struct {
	client        ObjectPutter
	bucket        string
	prefix        string
	publicBaseURL string
	retry         utils.RetryOptions
	logger        *zap.Logger
}

// NewS3Client builds an S3 client from the storage configuration. Static
// credentials and a custom endpoint are used when configured.
func NewS3Client(ctx context.Context, cfg *config.Storage) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// NewS3Store creates an S3Store.
func NewS3Store(client ObjectPutter, cfg *config.Storage, logger *zap.Logger) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, ErrBucketMissing
	}
	if cfg.PublicBaseURL == "" {
		return nil, ErrPublicURLMissing
	}

	return &S3Store{
		client:        client,
		bucket:        cfg.Bucket,
		prefix:        strings.Trim(cfg.Prefix, "/"),
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
		retry:         utils.GetUploadRetryOptions(),
		logger:        logger.Named("s3_store"),
	}, nil
}

// Save uploads img under a random key and returns its public URL. Failed
// uploads are retried unless the service rejected the request.
func (s *S3Store) Save(ctx context.Context, img imagecodec.Image) (string, error) {
	if len(img.Data) == 0 {
		return "", ErrEmptyArtifact
	}

	key := s.objectKey(img.MIMEType)

	_, err := utils.WithRetry(ctx, func() (*s3.PutObjectOutput, error) {
		out, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(img.Data),
			ContentType: aws.String(img.MIMEType),
		})
		if err != nil && isRejected(err) {
			return nil, backoff.Permanent(err)
		}
		return out, err
	}, s.retry)
	if err != nil {
		return "", fmt.Errorf("failed to upload artifact to S3: %w", err)
	}

	s.logger.Debug("Uploaded artifact",
		zap.String("key", key),
		zap.Int("bytes", len(img.Data)))

	return s.publicBaseURL + "/" + key, nil
}

// isRejected reports whether S3 answered with a client error such as
// AccessDenied or NoSuchBucket.
func isRejected(err error) bool {
	var respErr *awshttp.ResponseError
	if !errors.As(err, &respErr) {
		return false
	}

	status := respErr.HTTPStatusCode()
	return status >= 400 && status < 500 && status != 429
}

func (s *S3Store) objectKey(mimeType string) string {
	name := uuid.NewString() + extension(mimeType)
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

func extension(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ""
	}
}
