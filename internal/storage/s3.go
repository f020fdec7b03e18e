package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsmiddleware "github.com/aws/aws-sdk-go-v2/aws/middleware"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/strata/strata/pkg/types"
)

// S3Storage implements ObjectStorage for AWS S3 and S3-compatible stores.
type S3Storage struct {
	client     *s3.Client
	bucket     string
	config     S3Config
	maxRetries int
}

// S3Config holds configuration for S3 storage.
type S3Config struct {
	// Region is the AWS region for the S3 bucket.
	Region string
	// Endpoint is an optional custom endpoint (for MinIO, LocalStack, etc.).
	Endpoint string
	// UsePathStyle enables path-style addressing (required for MinIO).
	UsePathStyle bool
	// StorageClass is the class new archive objects are written with. Empty leaves
	// the bucket default. Colder classes are reached through lifecycle rules.
	StorageClass string
}

// DefaultS3Config returns the default S3 configuration.
func DefaultS3Config() S3Config {
	return S3Config{
		Region: "us-east-1",
	}
}

// NewS3Storage creates a new S3 storage client.
func NewS3Storage(ctx context.Context, bucket string, cfg S3Config) (*S3Storage, error) {
	var opts []func(*config.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}

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

	return NewS3StorageWithClient(s3.NewFromConfig(awsCfg, s3Opts...), bucket, cfg), nil
}

// NewS3StorageWithClient creates a new S3 storage with a pre-configured client.
func NewS3StorageWithClient(client *s3.Client, bucket string, cfg S3Config) *S3Storage {
	return &S3Storage{
		client:     client,
		bucket:     bucket,
		config:     cfg,
		maxRetries: 3,
	}
}

// Put uploads body to S3.
func (s *S3Storage) Put(ctx context.Context, key string, body io.ReadSeeker) error {
	err := s.retryWithBackoff(ctx, func() error {
		// Reset body position for retry
		if _, err := body.Seek(0, io.SeekStart); err != nil {
			return err
		}

		input := &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
			Body:   body,
		}
		if s.config.StorageClass != "" {
			input.StorageClass = s3types.StorageClass(s.config.StorageClass)
		}
		_, err := s.client.PutObject(ctx, input)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	return nil
}

// GetStream opens the object body. The body is not retried once streaming starts.
func (s *S3Storage) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	var resp *s3.GetObjectOutput
	err := s.retryWithBackoff(ctx, func() error {
		var getErr error
		resp, getErr = s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		return classifyS3Error(getErr)
	})

	if err != nil {
		if errors.Is(err, ErrObjectNotFound) || errors.Is(err, ErrObjectArchived) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	return resp.Body, nil
}

// Head returns object metadata.
func (s *S3Storage) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	resp, err := s.head(ctx, key)
	if err != nil {
		return nil, err
	}
	class := string(resp.StorageClass)
	if class == "" {
		class = string(s3types.StorageClassStandard)
	}
	return &ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(resp.ContentLength),
		ETag:         strings.Trim(aws.ToString(resp.ETag), `"`),
		StorageClass: class,
		LastModified: aws.ToTime(resp.LastModified),
	}, nil
}

func (s *S3Storage) head(ctx context.Context, key string) (*s3.HeadObjectOutput, error) {
	var resp *s3.HeadObjectOutput
	err := s.retryWithBackoff(ctx, func() error {
		var headErr error
		resp, headErr = s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		return classifyS3Error(headErr)
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// InitiateRestore issues RestoreObject for an archived object. The returned handle
// is the S3 request id of the accepted restore.
func (s *S3Storage) InitiateRestore(ctx context.Context, key string, tier types.RestoreTier, days int) (string, error) {
	s3Tier, err := s3Tier(tier)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRestoreFailed, err)
	}

	var out *s3.RestoreObjectOutput
	err = s.retryWithBackoff(ctx, func() error {
		var restoreErr error
		out, restoreErr = s.client.RestoreObject(ctx, &s3.RestoreObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
			RestoreRequest: &s3types.RestoreRequest{
				Days: aws.Int32(int32(days)),
				GlacierJobParameters: &s3types.GlacierJobParameters{
					Tier: s3Tier,
				},
			},
		})
		if isAPIError(restoreErr, "RestoreAlreadyInProgress") {
			return nil
		}
		return classifyS3Error(restoreErr)
	})
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrRestoreFailed, err)
	}

	if out != nil {
		if requestID, ok := awsmiddleware.GetRequestIDMetadata(out.ResultMetadata); ok && requestID != "" {
			return requestID, nil
		}
	}
	return fmt.Sprintf("s3-restore:%s:%d", key, time.Now().Unix()), nil
}

// restoreHeader parses the x-amz-restore header, e.g.
// ongoing-request="false", expiry-date="Fri, 21 Dec 2012 00:00:00 GMT".
var (
	restoreOngoingRe = regexp.MustCompile(`ongoing-request="(true|false)"`)
	restoreExpiryRe  = regexp.MustCompile(`expiry-date="([^"]+)"`)
)

// PollRestore derives restore progress from HeadObject. S3 has no per-request
// status API, so the handle is only used for bookkeeping.
func (s *S3Storage) PollRestore(ctx context.Context, key, handle string) (*RestoreStatus, error) {
	resp, err := s.head(ctx, key)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return &RestoreStatus{State: RestoreAbsent}, nil
		}
		return nil, err
	}
	return parseRestoreHeader(aws.ToString(resp.Restore), resp.StorageClass), nil
}

func parseRestoreHeader(header string, class s3types.StorageClass) *RestoreStatus {
	if header == "" {
		switch class {
		case s3types.StorageClassGlacier, s3types.StorageClassDeepArchive:
			return &RestoreStatus{State: RestoreAbsent}
		default:
			// Never transitioned (or already back in a readable class).
			return &RestoreStatus{State: RestoreDone}
		}
	}

	m := restoreOngoingRe.FindStringSubmatch(header)
	if m == nil || m[1] == "true" {
		return &RestoreStatus{State: RestorePending}
	}
	status := &RestoreStatus{State: RestoreDone}
	if e := restoreExpiryRe.FindStringSubmatch(header); e != nil {
		if t, err := time.Parse(http.TimeFormat, e[1]); err == nil {
			status.ExpiresAt = &t
		}
	}
	return status
}

// Delete removes an object from S3.
func (s *S3Storage) Delete(ctx context.Context, key string) error {
	err := s.retryWithBackoff(ctx, func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		return err
	})

	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeleteFailed, err)
	}

	return nil
}

// List returns all object keys under the given prefix.
func (s *S3Storage) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}

	return keys, nil
}

func s3Tier(tier types.RestoreTier) (s3types.Tier, error) {
	switch tier {
	case types.TierExpedited:
		return s3types.TierExpedited, nil
	case types.TierStandard:
		return s3types.TierStandard, nil
	case types.TierBulk:
		return s3types.TierBulk, nil
	default:
		return "", fmt.Errorf("unsupported restore tier %q", tier)
	}
}

// classifyS3Error maps S3 failures onto the package's sentinel errors.
func classifyS3Error(err error) error {
	if err == nil {
		return nil
	}
	var noSuchKey *s3types.NoSuchKey
	var notFound *s3types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return ErrObjectNotFound
	}
	var invalidState *s3types.InvalidObjectState
	if errors.As(err, &invalidState) || isAPIError(err, "InvalidObjectState") {
		return ErrObjectArchived
	}
	return err
}

func isAPIError(err error, code string) bool {
	var apiErr smithy.APIError
	return err != nil && errors.As(err, &apiErr) && apiErr.ErrorCode() == code
}

// retryWithBackoff executes the operation with exponential backoff retry.
func (s *S3Storage) retryWithBackoff(ctx context.Context, operation func() error) error {
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = operation()
		if lastErr == nil {
			return nil
		}

		// Don't retry on not found or archived objects
		if errors.Is(lastErr, ErrObjectNotFound) || errors.Is(lastErr, ErrObjectArchived) {
			return lastErr
		}

		if attempt < s.maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return lastErr
}
