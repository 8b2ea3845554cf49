package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"storyreel/internal/retry"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// S3Store implements the Store interface using AWS S3 (or R2)
type S3Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	baseURL string // For public URLs (e.g., R2 public URL)
}

// S3Config holds configuration for the S3 store
type S3Config struct {
	Region      string
	Bucket      string
	AccessKey   string
	SecretKey   string
	EndpointURL string // For R2: https://account-id.r2.cloudflarestorage.com
	BaseURL     string // For public URLs: https://pub-bucket.r2.dev
}

// NewS3Store creates a new S3-backed store
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	var awsCfg aws.Config
	var err error

	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKey, cfg.SecretKey, "",
			)),
			awsconfig.WithRegion(cfg.Region),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.Region),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			o.UsePathStyle = true // R2 requires path-style addressing
		}
	})

	st := &S3Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
	}

	_, err = client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(cfg.Bucket),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to access bucket %s: %w", cfg.Bucket, err)
	}

	slog.Info("S3/R2 store initialized", "bucket", cfg.Bucket, "endpoint", cfg.EndpointURL)
	return st, nil
}

// Exists checks if an object exists at path
func (s *S3Store) Exists(ctx context.Context, path string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		serr := classify(path, err)
		if IsNotFound(serr) {
			return false, nil
		}
		return false, serr
	}
	return true, nil
}

// Digest returns the MD5 hex digest of the object at path. Objects are
// uploaded with single-part PUTs, so the ETag is the content MD5.
func (s *S3Store) Digest(ctx context.Context, path string) (string, error) {
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		return "", classify(path, err)
	}
	etag := strings.Trim(aws.ToString(head.ETag), `"`)
	return etag, nil
}

// Download streams the object at path into the local file
func (s *S3Store) Download(ctx context.Context, path, local string) error {
	return retry.Do(ctx, 3, time.Second, IsTransient, func() error {
		result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(path),
		})
		if err != nil {
			return classify(path, err)
		}
		defer result.Body.Close()

		file, err := os.Create(local)
		if err != nil {
			return &Error{Kind: KindFatal, Path: path, Err: err}
		}
		defer file.Close()

		if _, err := io.Copy(file, result.Body); err != nil {
			return &Error{Kind: KindTransient, Path: path, Err: err}
		}
		return nil
	})
}

// Upload stores the local file at path with a single PUT
func (s *S3Store) Upload(ctx context.Context, local, path, contentType string) error {
	return retry.Do(ctx, 3, time.Second, IsTransient, func() error {
		file, err := os.Open(local)
		if err != nil {
			return &Error{Kind: KindFatal, Path: path, Err: err}
		}
		defer file.Close()

		input := &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(path),
			Body:   file,
		}
		if contentType != "" {
			input.ContentType = aws.String(contentType)
		}

		if _, err := s.client.PutObject(ctx, input); err != nil {
			return classify(path, err)
		}

		slog.Info("Object uploaded", "key", path, "bucket", s.bucket)
		return nil
	})
}

// Copy duplicates src to dst server-side
func (s *S3Store) Copy(ctx context.Context, src, dst string) error {
	return retry.Do(ctx, 3, time.Second, IsTransient, func() error {
		_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(s.bucket),
			CopySource: aws.String(s.bucket + "/" + src),
			Key:        aws.String(dst),
		})
		if err != nil {
			return classify(src, err)
		}
		return nil
	})
}

// SignedURL returns a presigned read URL for path
func (s *S3Store) SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	request, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = ttl
	})
	if err != nil {
		return "", classify(path, err)
	}
	return request.URL, nil
}

// Publish promotes path to public-read and returns its public URL
func (s *S3Store) Publish(ctx context.Context, path string) (string, error) {
	err := retry.Do(ctx, 3, time.Second, IsTransient, func() error {
		_, err := s.client.PutObjectAcl(ctx, &s3.PutObjectAclInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(path),
			ACL:    types.ObjectCannedACLPublicRead,
		})
		if err != nil {
			return classify(path, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	if s.baseURL != "" {
		return fmt.Sprintf("%s/%s", s.baseURL, path), nil
	}
	return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", s.bucket, path), nil
}

// classify maps an SDK error to a typed storage error
func classify(path string, err error) error {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return &Error{Kind: KindNotFound, Path: path, Err: err}
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case http.StatusNotFound:
			return &Error{Kind: KindNotFound, Path: path, Err: err}
		case http.StatusForbidden, http.StatusUnauthorized:
			return &Error{Kind: KindPermissionDenied, Path: path, Err: err}
		case http.StatusTooManyRequests, http.StatusInternalServerError,
			http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return &Error{Kind: KindTransient, Path: path, Err: err}
		}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return &Error{Kind: KindNotFound, Path: path, Err: err}
		case "AccessDenied":
			return &Error{Kind: KindPermissionDenied, Path: path, Err: err}
		case "SlowDown", "InternalError", "RequestTimeout":
			return &Error{Kind: KindTransient, Path: path, Err: err}
		}
	}

	return &Error{Kind: KindFatal, Path: path, Err: err}
}
