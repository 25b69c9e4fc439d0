// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cloud

import (
	"context"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
)

// invalidationChunkSize is the CloudFront limit on wildcard paths in
// progress per distribution.
const invalidationChunkSize = 15

// InvalidationPaths returns the deduplicated, sorted wildcard paths
// covering segments.
func (b *Backend) InvalidationPaths(segments []string) []string {
	unique := make(map[string]struct{}, len(segments))
	for _, segment := range segments {
		unique["/"+b.prefix+segment+"/*"] = struct{}{}
	}
	paths := make([]string, 0, len(unique))
	for path := range unique {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// Invalidate implements backend.Backend. Without a distribution it
// does nothing.
func (b *Backend) Invalidate(ctx context.Context, segments []string) error {
	if b.distribution == "" || len(segments) == 0 {
		return nil
	}
	paths := b.InvalidationPaths(segments)
	for start := 0; start < len(paths); start += invalidationChunkSize {
		end := min(start+invalidationChunkSize, len(paths))
		if err := b.createInvalidation(ctx, paths[start:end], start/invalidationChunkSize); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) createInvalidation(ctx context.Context, paths []string, chunk int) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	// Caller references must be unique per distribution; a reused
	// reference returns the earlier invalidation instead of creating
	// one.
	reference := fmt.Sprintf("cmgr-artifact-server-%d-%d", b.clock.Now().UnixNano(), chunk)
	output, err := b.cloudfront.CreateInvalidation(ctx, &cloudfront.CreateInvalidationInput{
		DistributionId: aws.String(b.distribution),
		InvalidationBatch: &cftypes.InvalidationBatch{
			CallerReference: aws.String(reference),
			Paths: &cftypes.Paths{
				Quantity: aws.Int32(int32(len(paths))),
				Items:    paths,
			},
		},
	})
	if err != nil {
		return classify("CreateInvalidation", err)
	}

	var invalidationID string
	if output.Invalidation != nil {
		invalidationID = aws.ToString(output.Invalidation.Id)
	}
	b.logger.Info("cdn invalidation created",
		"distribution", b.distribution,
		"invalidation_id", invalidationID,
		"paths", len(paths),
	)
	return nil
}
