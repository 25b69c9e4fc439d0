// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cloud

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/bureau-foundation/cmgr-artifact-server/lib/backend"
)

// checkKey is the object written and removed by Check, relative to
// the path prefix.
const checkKey = "iam_test"

var checkContent = []byte("iam_test")

// Check exercises list, put, get, delete, and (with a distribution)
// invalidate against the real bucket. The returned *backend.ConfigError
// names the permission that failed.
func (b *Backend) Check(ctx context.Context) error {
	key := aws.String(b.prefix + checkKey)

	if _, err := b.s3.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.bucket),
		Prefix:  aws.String(b.prefix),
		MaxKeys: aws.Int32(1),
	}); err != nil {
		return &backend.ConfigError{Check: "s3:ListBucket on " + b.bucket, Err: err}
	}

	if _, err := b.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           key,
		Body:          bytes.NewReader(checkContent),
		ContentLength: aws.Int64(int64(len(checkContent))),
	}); err != nil {
		return &backend.ConfigError{Check: "s3:PutObject on " + aws.ToString(key), Err: err}
	}

	output, err := b.s3.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(b.bucket), Key: key})
	if err != nil {
		return &backend.ConfigError{Check: "s3:GetObject on " + aws.ToString(key), Err: err}
	}
	content, err := io.ReadAll(output.Body)
	output.Body.Close()
	if err != nil {
		return &backend.ConfigError{Check: "s3:GetObject on " + aws.ToString(key), Err: err}
	}
	if !bytes.Equal(content, checkContent) {
		return &backend.ConfigError{
			Check: "s3:GetObject on " + aws.ToString(key),
			Err:   fmt.Errorf("read back %d bytes that differ from the %d written", len(content), len(checkContent)),
		}
	}

	if _, err := b.s3.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(b.bucket), Key: key}); err != nil {
		return &backend.ConfigError{Check: "s3:DeleteObject on " + aws.ToString(key), Err: err}
	}

	if b.distribution != "" {
		if err := b.createInvalidation(ctx, []string{"/" + b.prefix + checkKey}, 0); err != nil {
			return &backend.ConfigError{Check: "cloudfront:CreateInvalidation on " + b.distribution, Err: err}
		}
	}

	b.logger.Info("backend self-check passed",
		"bucket", b.bucket,
		"path_prefix", b.prefix,
		"distribution", b.distribution,
	)
	return nil
}
