// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the artifact server's configuration.
//
// Configuration has four layers, each overriding the one before:
// [Default] values, an optional file named by --config (via
// [LoadFile]), the CMGR_ARTIFACT_DIR environment variable (via
// [Config.ApplyEnvironment]), and command-line flags applied by the
// caller, including repeated backend options (via
// [Config.ApplyBackendOptions]). There is no automatic file
// discovery.
//
// Files ending in .json or .jsonc are JSON with comments; anything
// else is YAML. Both use the same field names, and unknown fields are
// rejected. ${HOME} and ${VAR:-default} patterns in the artifact
// directory are expanded after loading.
//
// This package depends on no other packages of this module.
package config
