// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cloud

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// fakeS3 is an in-memory bucket. Operations can be failed by name
// through fail.
type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string][]byte
	pageSize int
	calls    []string

	// fail returns an error to inject for an operation, or nil.
	fail func(op, key string) error

	// deleteErrors are returned per key from DeleteObjects.
	deleteErrors map[string]string

	// corruptReads makes GetObject return different content.
	corruptReads bool
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte), pageSize: 1000}
}

func (f *fakeS3) record(op, key string) error {
	f.calls = append(f.calls, op)
	if f.fail != nil {
		return f.fail(op, key)
	}
	return nil
}

func (f *fakeS3) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.objects))
	for key := range f.objects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (f *fakeS3) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, call := range f.calls {
		if call == op {
			count++
		}
	}
	return count
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ListObjectsV2", aws.ToString(params.Prefix)); err != nil {
		return nil, err
	}

	var matching []string
	for key := range f.objects {
		if strings.HasPrefix(key, aws.ToString(params.Prefix)) {
			matching = append(matching, key)
		}
	}
	sort.Strings(matching)

	start := 0
	if token := aws.ToString(params.ContinuationToken); token != "" {
		start, _ = strconv.Atoi(token)
	}
	pageSize := f.pageSize
	if params.MaxKeys != nil && int(*params.MaxKeys) < pageSize {
		pageSize = int(*params.MaxKeys)
	}
	end := min(start+pageSize, len(matching))

	output := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(matching))}
	for _, key := range matching[start:end] {
		sum := md5.Sum(f.objects[key])
		output.Contents = append(output.Contents, s3types.Object{
			Key:  aws.String(key),
			Size: aws.Int64(int64(len(f.objects[key]))),
			ETag: aws.String(`"` + hex.EncodeToString(sum[:]) + `"`),
		})
	}
	if end < len(matching) {
		output.NextContinuationToken = aws.String(strconv.Itoa(end))
	}
	return output, nil
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(params.Key)
	if err := f.record("PutObject", key); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	if params.ContentMD5 != nil {
		sum := md5.Sum(data)
		if *params.ContentMD5 != base64.StdEncoding.EncodeToString(sum[:]) {
			return nil, fmt.Errorf("BadDigest: Content-MD5 mismatch for %s", key)
		}
	}
	if params.ContentLength != nil && *params.ContentLength != int64(len(data)) {
		return nil, fmt.Errorf("IncompleteBody: %s", key)
	}
	f.objects[key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(params.Key)
	if err := f.record("GetObject", key); err != nil {
		return nil, err
	}
	data, ok := f.objects[key]
	if !ok {
		return nil, &s3types.NoSuchKey{Message: aws.String(key)}
	}
	if f.corruptReads {
		data = append([]byte("corrupt-"), data...)
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(params.Key)
	if err := f.record("DeleteObject", key); err != nil {
		return nil, err
	}
	delete(f.objects, key)
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteObjects", ""); err != nil {
		return nil, err
	}
	if len(params.Delete.Objects) > deleteBatchSize {
		return nil, fmt.Errorf("MalformedXML: %d keys", len(params.Delete.Objects))
	}
	output := &s3.DeleteObjectsOutput{}
	for _, object := range params.Delete.Objects {
		key := aws.ToString(object.Key)
		if code, failing := f.deleteErrors[key]; failing {
			output.Errors = append(output.Errors, s3types.Error{
				Key:     aws.String(key),
				Code:    aws.String(code),
				Message: aws.String("injected"),
			})
			continue
		}
		delete(f.objects, key)
	}
	return output, nil
}

// fakeCloudFront records invalidation batches.
type fakeCloudFront struct {
	mu         sync.Mutex
	batches    []cftypes.InvalidationBatch
	references map[string]bool
	err        error
}

func newFakeCloudFront() *fakeCloudFront {
	return &fakeCloudFront{references: make(map[string]bool)}
}

func (f *fakeCloudFront) CreateInvalidation(ctx context.Context, params *cloudfront.CreateInvalidationInput, optFns ...func(*cloudfront.Options)) (*cloudfront.CreateInvalidationOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	batch := *params.InvalidationBatch
	reference := aws.ToString(batch.CallerReference)
	if f.references[reference] {
		return nil, fmt.Errorf("InvalidationBatchAlreadyExists: %s", reference)
	}
	f.references[reference] = true
	f.batches = append(f.batches, batch)
	id := fmt.Sprintf("I%d", len(f.batches))
	return &cloudfront.CreateInvalidationOutput{Invalidation: &cftypes.Invalidation{Id: aws.String(id)}}, nil
}

func (f *fakeCloudFront) paths() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result [][]string
	for _, batch := range f.batches {
		result = append(result, batch.Paths.Items)
	}
	return result
}
