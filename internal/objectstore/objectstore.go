// Package objectstore implements the content-addressed blob store (spec
// C1) against S3-compatible storage via aws-sdk-go-v2. All operations
// retry transient failures with exponential backoff and jitter, and
// classify errors into apperr's transient/fatal taxonomy so callers never
// have to inspect AWS error codes directly.
package objectstore

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/blacklake-io/blacklake/internal/apperr"
)

const maxAttempts = 3

// Config configures the S3 client backing the store.
type Config struct {
	Endpoint        string // non-empty for a non-AWS S3-compatible endpoint (MinIO, etc.)
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	Logger          *zap.Logger

	// TieringDays and GlacierDays configure ensure_bucket's lifecycle rule
	// (N1/N2 from spec §4.1): objects transition to INTELLIGENT_TIERING
	// after TieringDays, then GLACIER after GlacierDays.
	TieringDays int32
	GlacierDays int32
}

// Metadata is the subset of object metadata HEAD exposes.
type Metadata struct {
	SizeBytes   int64
	ContentType string
	ETag        string
}

// Store is the C1 object store client.
type Store struct {
	client   *s3.Client
	presign  *s3.PresignClient
	uploader *manager.Uploader
	bucket   string
	tiering  int32
	glacier  int32
	logger   *zap.Logger
}

// New builds a Store, loading AWS config with the supplied credentials and
// (optional) custom endpoint for S3-compatible backends.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("objectstore: bucket is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	optFns := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithRetryMaxAttempts(maxAttempts),
	}
	if cfg.AccessKeyID != "" {
		optFns = append(optFns, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("objectstore: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	tiering, glacier := cfg.TieringDays, cfg.GlacierDays
	if tiering <= 0 {
		tiering = 30
	}
	if glacier <= 0 {
		glacier = 90
	}

	return &Store{
		client:   client,
		presign:  s3.NewPresignClient(client),
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
		tiering:  tiering,
		glacier:  glacier,
		logger:   cfg.Logger.Named("objectstore"),
	}, nil
}

// BlobKey computes the content-addressed key for a sha256 digest (spec
// §6 key layout): sha256/<byte0-hex>/<byte1-hex>/<full-hex>.
func BlobKey(digestHex string) string {
	if len(digestHex) < 4 {
		return "sha256/" + digestHex
	}
	return fmt.Sprintf("sha256/%s/%s/%s", digestHex[0:2], digestHex[2:4], digestHex)
}

// ExportKey computes the key for an export bundle.
func ExportKey(exportID string) string { return fmt.Sprintf("exports/%s.tar.gz", exportID) }

// SampleKey computes the key for a derived sample blob.
func SampleKey(digestHex string) string { return fmt.Sprintf("samples/%s", digestHex) }

// RDFKey computes the key for a derived RDF serialization.
func RDFKey(digestHex, format string) string { return fmt.Sprintf("rdf/%s.%s", digestHex, format) }

// PresignPut returns a single-use PUT URL for key, valid for ttl.
func (s *Store) PresignPut(ctx context.Context, key string, size int64, contentType string, ttl time.Duration) (string, error) {
	var out *s3.PresignedHTTPRequest
	err := withRetry(ctx, s.logger, func() error {
		var presignErr error
		out, presignErr = s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(key),
			ContentType:   aws.String(contentType),
			ContentLength: aws.Int64(size),
		}, s3.WithPresignExpires(ttl))
		return presignErr
	})
	if err != nil {
		return "", classify("presign_put", err)
	}
	return out.URL, nil
}

// PresignGet returns a single-use GET URL for key, valid for ttl.
func (s *Store) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	var out *s3.PresignedHTTPRequest
	err := withRetry(ctx, s.logger, func() error {
		var presignErr error
		out, presignErr = s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		}, s3.WithPresignExpires(ttl))
		return presignErr
	})
	if err != nil {
		return "", classify("presign_get", err)
	}
	return out.URL, nil
}

// Head returns the object's metadata, or apperr.NotFound if it does not
// exist. HEAD is authoritative for existence per spec §4.1.
func (s *Store) Head(ctx context.Context, key string) (*Metadata, error) {
	var out *s3.HeadObjectOutput
	err := withRetry(ctx, s.logger, func() error {
		var headErr error
		out, headErr = s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		return headErr
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return nil, apperr.NotFound
		}
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, apperr.NotFound
		}
		return nil, classify("head", err)
	}

	meta := &Metadata{}
	if out.ContentLength != nil {
		meta.SizeBytes = *out.ContentLength
	}
	if out.ContentType != nil {
		meta.ContentType = *out.ContentType
	}
	if out.ETag != nil {
		meta.ETag = *out.ETag
	}
	return meta, nil
}

// Exists is a convenience wrapper over Head that swallows NotFound.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Head(ctx, key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, apperr.NotFound) {
		return false, nil
	}
	return false, err
}

// Get downloads the full object body for key. Used by job handlers that
// need the blob's bytes (sampling, rdf_emit, antivirus) rather than a
// presigned URL to hand to a client.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := withRetry(ctx, s.logger, func() error {
		out, getErr := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if getErr != nil {
			return getErr
		}
		defer out.Body.Close()
		buf, readErr := io.ReadAll(out.Body)
		if readErr != nil {
			return readErr
		}
		data = buf
		return nil
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return nil, apperr.NotFound
		}
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, apperr.NotFound
		}
		return nil, classify("get", err)
	}
	return data, nil
}

// Put uploads data directly — used by job handlers writing derived
// artifacts (samples, RDF, exports), which do not go through the
// client-presigned upload path.
func (s *Store) Put(ctx context.Context, key string, contentType string, data []byte) error {
	err := withRetry(ctx, s.logger, func() error {
		_, uploadErr := s.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String(contentType),
		})
		return uploadErr
	})
	if err != nil {
		return classify("put", err)
	}
	return nil
}

// Delete removes key. A no-op if the key is already absent (spec §4.1).
func (s *Store) Delete(ctx context.Context, key string) error {
	err := withRetry(ctx, s.logger, func() error {
		_, delErr := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		return delErr
	})
	if err != nil {
		return classify("delete", err)
	}
	return nil
}

// EnsureBucket idempotently configures the bucket: creates it if absent,
// then enables versioning, server-side encryption, and a lifecycle rule
// transitioning objects to INTELLIGENT_TIERING then GLACIER. Failures
// reconfiguring a bucket that already exists with different settings are
// logged, not returned, so they never fail process startup (spec §4.1).
func (s *Store) EnsureBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		var notFound *types.NotFound
		if !errors.As(err, &notFound) {
			return classify("ensure_bucket: head", err)
		}
		if _, createErr := s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.bucket)}); createErr != nil {
			return classify("ensure_bucket: create", createErr)
		}
	}

	if _, err := s.client.PutBucketVersioning(ctx, &s3.PutBucketVersioningInput{
		Bucket:                  aws.String(s.bucket),
		VersioningConfiguration: &types.VersioningConfiguration{Status: types.BucketVersioningStatusEnabled},
	}); err != nil {
		s.logger.Warn("ensure_bucket: versioning configuration failed, bucket may already have conflicting settings", zap.Error(err))
	}

	if _, err := s.client.PutBucketEncryption(ctx, &s3.PutBucketEncryptionInput{
		Bucket: aws.String(s.bucket),
		ServerSideEncryptionConfiguration: &types.ServerSideEncryptionConfiguration{
			Rules: []types.ServerSideEncryptionRule{{
				ApplyServerSideEncryptionByDefault: &types.ServerSideEncryptionByDefault{
					SSEAlgorithm: types.ServerSideEncryptionAes256,
				},
			}},
		},
	}); err != nil {
		s.logger.Warn("ensure_bucket: encryption configuration failed, bucket may already have conflicting settings", zap.Error(err))
	}

	if _, err := s.client.PutBucketLifecycleConfiguration(ctx, &s3.PutBucketLifecycleConfigurationInput{
		Bucket: aws.String(s.bucket),
		LifecycleConfiguration: &types.BucketLifecycleConfiguration{
			Rules: []types.LifecycleRule{{
				ID:     aws.String("blacklake-tiering"),
				Status: types.ExpirationStatusEnabled,
				Filter: &types.LifecycleRuleFilter{Prefix: aws.String("")},
				Transitions: []types.Transition{
					{Days: aws.Int32(s.tiering), StorageClass: types.TransitionStorageClassIntelligentTiering},
					{Days: aws.Int32(s.glacier), StorageClass: types.TransitionStorageClassGlacier},
				},
			}},
		},
	}); err != nil {
		s.logger.Warn("ensure_bucket: lifecycle configuration failed, bucket may already have conflicting settings", zap.Error(err))
	}

	return nil
}

// withRetry runs fn with exponential backoff + jitter, up to maxAttempts,
// stopping early on a permanent error or context cancellation.
func withRetry(ctx context.Context, logger *zap.Logger, fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if !isRetryable(err) {
			return err
		}
		if attempt == maxAttempts {
			break
		}
		delay := backoffWithJitter(attempt)
		logger.Warn("object store operation failed, retrying", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func backoffWithJitter(attempt int) time.Duration {
	base := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
	jitterMax := big.NewInt(int64(base / 2))
	if jitterMax.Sign() <= 0 {
		return base
	}
	jitter, err := rand.Int(rand.Reader, jitterMax)
	if err != nil {
		return base
	}
	return base + time.Duration(jitter.Int64())
}

// isRetryable classifies an AWS error as transient (network, throttling,
// 5xx) vs permanent (4xx auth/config, invalid key) via smithy's
// APIError code table, per spec §4.1's failure policy.
func isRetryable(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		// Not a structured API error at all (network/DNS/timeout) — retry.
		return true
	}
	switch apiErr.ErrorCode() {
	case "RequestTimeout", "RequestTimeoutException", "ThrottlingException",
		"SlowDown", "InternalError", "ServiceUnavailable":
		return true
	default:
		return false
	}
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if isRetryable(err) {
		return apperr.Wrap(apperr.KindTransient, fmt.Sprintf("objectstore: %s", op), err)
	}
	return apperr.Wrap(apperr.KindFatal, fmt.Sprintf("objectstore: %s", op), err)
}
