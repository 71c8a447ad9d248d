// Package s3 backs objectstore.Store with the AWS SDK. It works against AWS
// S3 and S3-compatible servers such as MinIO.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/dray-io/lsmttl/internal/objectstore"
)

const defaultRegion = "us-east-1"

var errClosed = errors.New("s3: store is closed")

// Config selects the bucket and how to reach it. Static credentials are used
// only when both keys are set; otherwise the SDK's default chain applies.
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	// UsePathStyle addresses objects as endpoint/bucket/key, which MinIO
	// needs.
	UsePathStyle bool
	// MaxAttempts bounds SDK retries per request. Zero keeps the SDK
	// default.
	MaxAttempts int
}

// Store is an objectstore.Store over one bucket.
type Store struct {
	client *s3.Client
	bucket string
	closed atomic.Bool
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket name is required")
	}
	region := cfg.Region
	if region == "" {
		region = defaultRegion
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
		loadOpts = append(loadOpts, config.WithCredentialsProvider(creds))
	}
	if cfg.MaxAttempts > 0 {
		loadOpts = append(loadOpts, config.WithRetryMaxAttempts(cfg.MaxAttempts))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// Manifest reads are ranged; S3 sends no checksum for those.
		o.DisableLogOutputChecksumValidationSkipped = true
		o.UsePathStyle = cfg.UsePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &Store{client: client, bucket: cfg.Bucket}, nil
}

func (s *Store) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	return s.PutWithOptions(ctx, key, reader, size, contentType, objectstore.PutOptions{})
}

func (s *Store) PutWithOptions(ctx context.Context, key string, reader io.Reader, size int64, contentType string, opts objectstore.PutOptions) error {
	if s.closed.Load() {
		return errClosed
	}
	in := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          reader,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	}
	if len(opts.Metadata) > 0 {
		in.Metadata = opts.Metadata
	}
	if opts.CreateOnly {
		in.IfNoneMatch = aws.String("*")
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return classify("Put", key, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	return s.get(ctx, "Get", key, nil)
}

// GetRange reads [start, end]. A negative start reads the last -start
// bytes; a negative end reads to the end of the object.
func (s *Store) GetRange(ctx context.Context, key string, start, end int64) (io.ReadCloser, error) {
	var r string
	switch {
	case start < 0:
		r = fmt.Sprintf("bytes=%d", start)
	case end < 0:
		r = fmt.Sprintf("bytes=%d-", start)
	default:
		r = fmt.Sprintf("bytes=%d-%d", start, end)
	}
	return s.get(ctx, "GetRange", key, aws.String(r))
}

func (s *Store) get(ctx context.Context, op, key string, byteRange *string) (io.ReadCloser, error) {
	if s.closed.Load() {
		return nil, errClosed
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Range:  byteRange,
	})
	if err != nil {
		return nil, classify(op, key, err)
	}
	return out.Body, nil
}

func (s *Store) Head(ctx context.Context, key string) (objectstore.ObjectMeta, error) {
	if s.closed.Load() {
		return objectstore.ObjectMeta{}, errClosed
	}
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return objectstore.ObjectMeta{}, classify("Head", key, err)
	}
	meta := objectstore.ObjectMeta{
		Key:         key,
		Size:        aws.ToInt64(out.ContentLength),
		ContentType: aws.ToString(out.ContentType),
		ETag:        aws.ToString(out.ETag),
		Metadata:    out.Metadata,
	}
	if out.LastModified != nil {
		meta.LastModified = out.LastModified.UnixMilli()
	}
	return meta, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if s.closed.Load() {
		return errClosed
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err = classify("Delete", key, err); errors.Is(err, objectstore.ErrNotFound) {
		return nil
	}
	return err
}

func (s *Store) List(ctx context.Context, prefix string) ([]objectstore.ObjectMeta, error) {
	if s.closed.Load() {
		return nil, errClosed
	}
	var objs []objectstore.ObjectMeta
	pages := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, classify("List", prefix, err)
		}
		for _, o := range page.Contents {
			meta := objectstore.ObjectMeta{
				Key:  aws.ToString(o.Key),
				Size: aws.ToInt64(o.Size),
				ETag: aws.ToString(o.ETag),
			}
			if o.LastModified != nil {
				meta.LastModified = o.LastModified.UnixMilli()
			}
			objs = append(objs, meta)
		}
	}
	return objs, nil
}

// Close marks the store closed. The SDK client holds no resources that
// need releasing.
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

var statusSentinels = map[int]error{
	http.StatusNotFound:                     objectstore.ErrNotFound,
	http.StatusForbidden:                    objectstore.ErrAccessDenied,
	http.StatusPreconditionFailed:           objectstore.ErrPreconditionFailed,
	http.StatusRequestedRangeNotSatisfiable: objectstore.ErrInvalidRange,
}

// classify maps SDK errors onto the objectstore sentinels. A nil err stays
// nil.
func classify(op, key string, err error) error {
	if err == nil {
		return nil
	}
	wrap := func(e error) error { return &objectstore.ObjectError{Op: op, Key: key, Err: e} }

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		if sentinel, ok := statusSentinels[respErr.HTTPStatusCode()]; ok {
			return wrap(sentinel)
		}
	}
	var noBucket *types.NoSuchBucket
	if errors.As(err, &noBucket) {
		return wrap(objectstore.ErrBucketNotFound)
	}
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return wrap(objectstore.ErrNotFound)
	}
	return wrap(err)
}

var _ objectstore.Store = (*Store)(nil)
