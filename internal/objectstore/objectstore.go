// Package objectstore wraps the S3 SDK with the typed get/put/conditional-
// put surface the storage engine and lease manager need, plus the retry
// and error-classification policy spec.md §4.2 requires.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsretry "github.com/aws/aws-sdk-go-v2/aws/retry"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"
)

// MaxRetryAttempts bounds S3 call retries per spec.md §4.2.
const MaxRetryAttempts = 5

// connectTimeout bounds dialing a connection; connectTimeout plus
// readTimeout is the deadline of a single logical S3 call.
const (
	connectTimeout = 5 * time.Second
	readTimeout    = 60 * time.Second
)

// ErrNotFound is returned by Get/Head when the object does not exist.
var ErrNotFound = errors.New("objectstore: not found")

// ErrPreconditionFailed is returned by PutIfAbsent/PutIfMatch when the
// conditional write lost the race.
var ErrPreconditionFailed = errors.New("objectstore: precondition failed")

// ErrUnavailable wraps a failure that survived the retry budget. Callers
// surface this as StorageUnavailable per spec.md §7.
type ErrUnavailable struct {
	Op  string
	Err error
}

func (e *ErrUnavailable) Error() string {
	return fmt.Sprintf("objectstore: %s unavailable: %v", e.Op, e.Err)
}

func (e *ErrUnavailable) Unwrap() error { return e.Err }

// Config configures the S3 client. Endpoint is optional and selects a
// non-AWS S3-compatible service (MinIO, Cubbit, etc.).
type Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	Insecure  bool
}

// Store is a typed facade over S3 GET/PUT/HEAD with conditional-write
// primitives and the server's retry policy baked in.
type Store struct {
	client *s3.Client
	bucket string
}

// New constructs a Store from Config, following the same credential and
// custom-endpoint wiring sa6mwa-lockd's aws.Store uses.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("objectstore: bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("objectstore: region is required")
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))
	opts = append(opts, awsconfig.WithHTTPClient(&http.Client{Transport: defaultTransport()}))
	opts = append(opts, awsconfig.WithRetryer(func() aws.Retryer {
		return awsretry.NewAdaptiveMode(func(o *awsretry.AdaptiveModeOptions) {
			o.StandardOptions = append(o.StandardOptions, func(so *awsretry.StandardOptions) {
				so.MaxAttempts = MaxRetryAttempts
			})
		})
	}))
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("objectstore: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			endpoint := cfg.Endpoint
			if !strings.Contains(endpoint, "://") {
				scheme := "https"
				if cfg.Insecure {
					scheme = "http"
				}
				endpoint = scheme + "://" + endpoint
			}
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return &Store{client: client, bucket: cfg.Bucket}, nil
}

func defaultTransport() http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := base.Clone()
	clone.DialContext = (&net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}).DialContext
	clone.MaxIdleConns = 256
	clone.MaxIdleConnsPerHost = 64
	clone.IdleConnTimeout = 90 * time.Second
	return clone
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, connectTimeout+readTimeout)
}

// Get fetches the full object body. Returns ErrNotFound if the key does
// not exist.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, &ErrUnavailable{Op: "get " + key, Err: err}
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, &ErrUnavailable{Op: "get " + key, Err: err}
	}
	return data, nil
}

// GetWithETag fetches the full object body together with the ETag of
// that same read, so a caller can perform a conditional write gated on
// exactly the version it observed rather than on a separate, later Head
// call that could race with another writer.
func (s *Store) GetWithETag(ctx context.Context, key string) ([]byte, string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, "", ErrNotFound
		}
		return nil, "", &ErrUnavailable{Op: "get " + key, Err: err}
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, "", &ErrUnavailable{Op: "get " + key, Err: err}
	}
	return data, stripETag(aws.ToString(out.ETag)), nil
}

// Head returns the object's current ETag, or ErrNotFound.
func (s *Store) Head(ctx context.Context, key string) (string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return "", ErrNotFound
		}
		return "", &ErrUnavailable{Op: "head " + key, Err: err}
	}
	return stripETag(aws.ToString(out.ETag)), nil
}

// Put writes body unconditionally, returning the new ETag.
func (s *Store) Put(ctx context.Context, key string, body []byte) (string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	out, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
	})
	if err != nil {
		return "", &ErrUnavailable{Op: "put " + key, Err: err}
	}
	return stripETag(aws.ToString(out.ETag)), nil
}

// PutIfAbsent writes body only if no object currently exists at key,
// using S3's If-None-Match: * conditional write. Returns the new ETag on
// success, ErrPreconditionFailed if the key already exists.
func (s *Store) PutIfAbsent(ctx context.Context, key string, body []byte) (string, error) {
	return s.conditionalPut(ctx, key, body, "", true)
}

// PutIfMatch writes body only if the current object's ETag equals
// expectedETag, using S3's If-Match conditional write. Returns the new
// ETag on success, ErrPreconditionFailed on an etag mismatch.
func (s *Store) PutIfMatch(ctx context.Context, key string, body []byte, expectedETag string) (string, error) {
	return s.conditionalPut(ctx, key, body, expectedETag, false)
}

func (s *Store) conditionalPut(ctx context.Context, key string, body []byte, expectedETag string, ifAbsent bool) (string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
	}
	if ifAbsent {
		input.IfNoneMatch = aws.String("*")
	} else {
		input.IfMatch = aws.String(expectedETag)
	}

	out, err := s.client.PutObject(ctx, input)
	if err != nil {
		if isPreconditionFailed(err) {
			return "", ErrPreconditionFailed
		}
		return "", &ErrUnavailable{Op: "put " + key, Err: err}
	}
	return stripETag(aws.ToString(out.ETag)), nil
}

// Delete removes the object at key. Deleting a missing key is not an
// error.
func (s *Store) Delete(ctx context.Context, key string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return &ErrUnavailable{Op: "delete " + key, Err: err}
	}
	return nil
}

func stripETag(etag string) string {
	return strings.Trim(etag, `"`)
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	if status, ok := httpStatusCode(err); ok && status == http.StatusNotFound {
		return true
	}
	return false
}

func isPreconditionFailed(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return true
		}
	}
	if status, ok := httpStatusCode(err); ok {
		if status == http.StatusPreconditionFailed || status == http.StatusConflict {
			return true
		}
	}
	return false
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

func httpStatusCode(err error) (int, bool) {
	var coder httpStatusCoder
	if errors.As(err, &coder) {
		return coder.HTTPStatusCode(), true
	}
	// aws-sdk-go-v2 wraps the status code on a *smithyhttp.ResponseError,
	// which implements this interface.
	return 0, false
}
