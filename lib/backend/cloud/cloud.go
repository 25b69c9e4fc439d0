// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cloud

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/time/rate"

	"github.com/bureau-foundation/cmgr-artifact-server/lib/backend"
	"github.com/bureau-foundation/cmgr-artifact-server/lib/clock"
)

// deleteBatchSize is the DeleteObjects per-request key limit.
const deleteBatchSize = 1000

// S3API is the subset of the S3 client the backend uses.
type S3API interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// CloudFrontAPI is the subset of the CloudFront client the backend
// uses.
type CloudFrontAPI interface {
	CreateInvalidation(ctx context.Context, params *cloudfront.CreateInvalidationInput, optFns ...func(*cloudfront.Options)) (*cloudfront.CreateInvalidationOutput, error)
}

// Config configures a Backend.
type Config struct {
	// Bucket is the S3 bucket name. Required.
	Bucket string

	// PathPrefix scopes every object key. Normalized by New.
	PathPrefix string

	// Distribution is the CloudFront distribution id. Empty disables
	// invalidation.
	Distribution string

	// S3 is the object store client. Required.
	S3 S3API

	// CloudFront is required when Distribution is set.
	CloudFront CloudFrontAPI

	// RateLimit caps requests per second across all operations.
	// Zero means unlimited.
	RateLimit float64

	// Clock stamps invalidation caller references. Defaults to
	// clock.Real().
	Clock clock.Clock

	// Logger is the structured logger. Required.
	Logger *slog.Logger
}

// Backend stores published files in S3.
type Backend struct {
	bucket       string
	prefix       string
	distribution string
	s3           S3API
	cloudfront   CloudFrontAPI
	limiter      *rate.Limiter
	clock        clock.Clock
	logger       *slog.Logger
}

var _ backend.Backend = (*Backend)(nil)

// New creates a Backend from config.
func New(config Config) (*Backend, error) {
	if config.Logger == nil {
		panic("cloud.New: Logger is required")
	}
	if config.Bucket == "" {
		return nil, errors.New("cloud backend requires a bucket")
	}
	if config.S3 == nil {
		return nil, errors.New("cloud backend requires an S3 client")
	}
	if config.Distribution != "" && config.CloudFront == nil {
		return nil, errors.New("cloud backend has a distribution but no CloudFront client")
	}
	if config.RateLimit < 0 {
		return nil, fmt.Errorf("rate limit must not be negative, got %v", config.RateLimit)
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if config.RateLimit > 0 {
		burst := int(config.RateLimit)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}

	return &Backend{
		bucket:       config.Bucket,
		prefix:       NormalizePrefix(config.PathPrefix),
		distribution: config.Distribution,
		s3:           config.S3,
		cloudfront:   config.CloudFront,
		limiter:      limiter,
		clock:        config.Clock,
		logger:       config.Logger,
	}, nil
}

// NormalizePrefix strips leading slashes and ensures a trailing one.
// An empty or all-slash prefix is the bucket root.
func NormalizePrefix(prefix string) string {
	prefix = strings.TrimLeft(prefix, "/")
	if prefix == "" {
		return ""
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix
}

// Name implements backend.Backend.
func (b *Backend) Name() string { return "s3" }

// Prefix returns the normalized path prefix.
func (b *Backend) Prefix() string { return b.prefix }

// Put uploads one file, sending its MD5 so that S3 rejects a body
// corrupted in transit.
func (b *Backend) Put(ctx context.Context, upload backend.Upload) error {
	file, err := os.Open(upload.Path)
	if err != nil {
		return fmt.Errorf("opening %s for upload: %w", upload.Path, err)
	}
	defer file.Close()

	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.prefix + upload.Key),
		Body:          file,
		ContentLength: aws.Int64(upload.Size),
		ContentMD5:    aws.String(base64.StdEncoding.EncodeToString(upload.MD5[:])),
	}
	if contentType := mime.TypeByExtension(path.Ext(upload.Key)); contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := b.s3.PutObject(ctx, input); err != nil {
		return classify("PutObject "+upload.Key, err)
	}
	return nil
}

// Delete removes keys in batches of up to 1000.
func (b *Backend) Delete(ctx context.Context, keys ...string) error {
	for start := 0; start < len(keys); start += deleteBatchSize {
		end := min(start+deleteBatchSize, len(keys))
		if err := b.deleteBatch(ctx, keys[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) deleteBatch(ctx context.Context, keys []string) error {
	identifiers := make([]s3types.ObjectIdentifier, len(keys))
	for i, key := range keys {
		identifiers[i] = s3types.ObjectIdentifier{Key: aws.String(b.prefix + key)}
	}

	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	output, err := b.s3.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(b.bucket),
		Delete: &s3types.Delete{Objects: identifiers, Quiet: aws.Bool(true)},
	})
	if err != nil {
		return classify(fmt.Sprintf("DeleteObjects (%d keys)", len(keys)), err)
	}
	if len(output.Errors) == 0 {
		return nil
	}

	// Per-key failures arrive in a successful response. Report the
	// first; a retry re-sends the whole batch, which is idempotent.
	first := output.Errors[0]
	failure := fmt.Errorf("%d of %d deletes failed, first %s: %s %s",
		len(output.Errors), len(keys),
		aws.ToString(first.Key), aws.ToString(first.Code), aws.ToString(first.Message))
	if transientCodes[aws.ToString(first.Code)] {
		return &backend.TransientError{Op: "DeleteObjects", Err: failure}
	}
	return failure
}

// List pages through every object under the path prefix plus prefix
// and returns keys relative to the path prefix.
func (b *Backend) List(ctx context.Context, prefix string) ([]backend.Object, error) {
	paginator := s3.NewListObjectsV2Paginator(b.s3, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.prefix + prefix),
	})

	var objects []backend.Object
	for paginator.HasMorePages() {
		if err := b.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify("ListObjectsV2", err)
		}
		for _, object := range page.Contents {
			key := strings.TrimPrefix(aws.ToString(object.Key), b.prefix)
			objects = append(objects, backend.Object{
				Key:  key,
				Size: aws.ToInt64(object.Size),
				ETag: strings.Trim(aws.ToString(object.ETag), `"`),
			})
		}
	}
	return objects, nil
}
