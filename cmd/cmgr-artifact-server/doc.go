// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// cmgr-artifact-server publishes build artifacts that cmgr writes to
// an artifact directory.
//
// Each build is a directory named by its decimal id holding a bundled
// tarball. The server extracts every tarball into a hidden cache under
// the artifact directory, watches the directory for new, rebuilt, and
// deleted builds, and keeps a backend in step:
//
//   - selfhosted (default) serves the cache over HTTP at
//     /<build>/<path>, with /health for health checks.
//   - s3 mirrors the cache into a bucket under an optional path prefix
//     and invalidates a CloudFront distribution after each change.
//     Credentials and region come from the standard AWS environment.
//
// At startup the backend is reconciled against the artifact directory:
// anything remote without a local counterpart is deleted.
//
// Usage:
//
//	cmgr-artifact-server [flags]
//
//	-b, --backend selfhosted|s3        distribution target
//	-o, --backend-option key=value     backend option, repeatable
//	-s, --salt string                  obfuscate build ids in URLs
//	-l, --log-level error|warn|info|debug
//	    --log-format json|text|auto
//	    --config path                  YAML or JSONC configuration file
//	    --artifact-dir path            defaults to $CMGR_ARTIFACT_DIR, then "."
//	    --version
//
// Backend options: address (selfhosted); bucket, path-prefix,
// cloudfront-distribution, region, rate-limit (s3); concurrency (both).
package main
