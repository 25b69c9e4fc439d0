// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package buildcache keeps an extracted mirror of every build's tarball
// under the artifact root's hidden cache directory.
//
// On-disk layout:
//
//	<root>/.artifact_server_cache/
//	    <id>/                  live extraction, swapped atomically
//	    .manifests/<id>.cbor   Entry: tarball fingerprint + file list
//	    .staging-<id>-*/       in-progress extraction (discarded on Open)
//	    .trash-<id>-*/         removed extraction awaiting deletion
//
// A Sync extracts into a staging directory and then exchanges it with
// the live directory in a single renameat2(RENAME_EXCHANGE), so a
// reader holding a path under <id>/ sees either the complete previous
// tree or the complete new one. A failed extraction leaves the live
// tree and its manifest untouched.
//
// The manifest records the published file set: every regular file in
// the extraction that is not matched by an exclude pattern and is not
// named like the bundle itself. Each file carries a BLAKE3 digest for
// local change detection and an MD5 digest, which is what S3 reports
// as the ETag of a single-part upload and therefore the fingerprint
// that can be compared against a remote listing.
//
// All operations on one build id are serialized by a per-build lock;
// different builds proceed independently.
package buildcache
