// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cloud is the backend that mirrors published files into an
// S3 bucket and, optionally, invalidates a CloudFront distribution in
// front of it.
//
// Object keys are "<path-prefix><segment>/<path>". The path prefix is
// normalized once at construction: leading slashes are stripped, a
// trailing slash is added, and "/" alone means the bucket root.
//
// Invalidations cover whole builds ("/<path-prefix><segment>/*").
// Paths are deduplicated and sent in chunks of 15, the CloudFront
// limit on in-flight wildcard paths per request.
//
// [Backend.Check] exercises every permission the server needs before
// it starts: list, put, get (with a content comparison), delete, and
// invalidate when a distribution is configured. The self-check object is
// "<path-prefix>iam_test".
//
// The AWS SDK clients are consumed through the narrow [S3API] and
// [CloudFrontAPI] interfaces so tests can substitute fakes.
package cloud
