// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cloud

import (
	"context"
	"fmt"
	"log/slog"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/bureau-foundation/cmgr-artifact-server/lib/clock"
)

// Options are the deployment settings for NewFromEnvironment.
type Options struct {
	Bucket       string
	PathPrefix   string
	Distribution string

	// Region overrides the region from the AWS environment.
	Region string

	RateLimit float64
}

// NewFromEnvironment builds SDK clients from the standard AWS
// credential chain (environment, shared config, instance role) and
// returns a Backend using them.
func NewFromEnvironment(ctx context.Context, options Options, clk clock.Clock, logger *slog.Logger) (*Backend, error) {
	var loadOptions []func(*awsconfig.LoadOptions) error
	if options.Region != "" {
		loadOptions = append(loadOptions, awsconfig.WithRegion(options.Region))
	}
	awsConfig, err := awsconfig.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS configuration: %w", err)
	}

	config := Config{
		Bucket:       options.Bucket,
		PathPrefix:   options.PathPrefix,
		Distribution: options.Distribution,
		S3:           s3.NewFromConfig(awsConfig),
		RateLimit:    options.RateLimit,
		Clock:        clk,
		Logger:       logger,
	}
	if options.Distribution != "" {
		config.CloudFront = cloudfront.NewFromConfig(awsConfig)
	}
	return New(config)
}
