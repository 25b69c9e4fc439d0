// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package service provides the process scaffolding shared by the
// artifact server's entry points: logger construction and an HTTP
// server with a managed listener lifecycle.
//
// Callers compose these in their own main() rather than subclassing a
// framework. The package provides building blocks, not a runtime.
package service
