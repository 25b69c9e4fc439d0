// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cloud

import (
	"errors"
	"net"
	"net/http"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"

	"github.com/bureau-foundation/cmgr-artifact-server/lib/backend"
)

// transientCodes are AWS error codes that mean "try again later".
var transientCodes = map[string]bool{
	"InternalError":                  true,
	"RequestTimeout":                 true,
	"RequestTimeoutException":        true,
	"ServiceUnavailable":             true,
	"SlowDown":                       true,
	"Throttling":                     true,
	"ThrottlingException":            true,
	"TooManyRequestsException":       true,
	"RequestLimitExceeded":           true,
	"TooManyInvalidationsInProgress": true,
}

// classify wraps err in a backend.TransientError when a retry could
// succeed. Everything else is returned with the operation prefixed.
func classify(op string, err error) error {
	if isTransient(err) {
		return &backend.TransientError{Op: op, Err: err}
	}
	return &operationError{op: op, err: err}
}

func isTransient(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && transientCodes[apiErr.ErrorCode()] {
		return true
	}

	var responseErr *awshttp.ResponseError
	if errors.As(err, &responseErr) {
		status := responseErr.HTTPStatusCode()
		if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
			return true
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

type operationError struct {
	op  string
	err error
}

func (e *operationError) Error() string { return e.op + ": " + e.err.Error() }

func (e *operationError) Unwrap() error { return e.err }
