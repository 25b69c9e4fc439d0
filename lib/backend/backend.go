// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package backend defines the distribution target that published
// artifacts are pushed to.
//
// A Backend stores objects under keys of the form "<segment>/<path>",
// where segment is the build's externally visible segment (decimal id
// or obfuscated token) and path is the file's slash-separated path
// inside the build. Any deployment-specific prefix (an S3 path prefix,
// say) is the backend's business and never appears in keys exchanged
// with callers.
//
// Two implementations exist: selfhosted, which serves the extraction
// cache directly over HTTP and treats mutations as no-ops, and cloud,
// which mirrors files into S3 and invalidates CloudFront.
package backend

import (
	"context"
	"strings"
)

// Object is one stored file as reported by List.
type Object struct {
	Key  string
	Size int64

	// ETag is the backend's content tag without surrounding quotes.
	// For single-part uploads it is the hex MD5 of the content.
	ETag string
}

// Upload describes one file to store.
type Upload struct {
	// Key is "<segment>/<path>".
	Key string

	// Path is the local file holding the content.
	Path string

	Size int64

	// MD5 is the content digest, sent for integrity checking and
	// compared against ETags during reconciliation.
	MD5 [16]byte
}

// Backend is the capability set of a distribution target. All methods
// are safe for concurrent use.
type Backend interface {
	// Name identifies the implementation in logs.
	Name() string

	// Check exercises every permission the backend needs against the
	// real target. A failure is a *ConfigError and fatal at startup.
	Check(ctx context.Context) error

	// Put stores one file, replacing any previous object at its key.
	Put(ctx context.Context, upload Upload) error

	// Delete removes objects. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error

	// List returns every object whose key starts with prefix. An
	// empty prefix lists everything the backend holds.
	List(ctx context.Context, prefix string) ([]Object, error)

	// Invalidate asks the CDN in front of the backend to drop cached
	// copies of every object under the given build segments.
	Invalidate(ctx context.Context, segments []string) error
}

// Runner is implemented by backends that own a long-running surface,
// such as an HTTP server. Run blocks until ctx is cancelled.
type Runner interface {
	Run(ctx context.Context) error
}

// Key joins a build segment and a relative file path into an object
// key.
func Key(segment, relative string) string {
	return segment + "/" + relative
}

// SegmentPrefix returns the key prefix covering every object of one
// build.
func SegmentPrefix(segment string) string {
	return segment + "/"
}

// SplitKey splits a key into its build segment and relative path.
// Keys without a separator, or with an empty half, are not build
// objects.
func SplitKey(key string) (segment, relative string, ok bool) {
	segment, relative, found := strings.Cut(key, "/")
	if !found || segment == "" || relative == "" {
		return "", "", false
	}
	return segment, relative, true
}
