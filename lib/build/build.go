// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package build describes the artifact root written by cmgr: one
// subdirectory per build id, each holding the build's artifact files
// plus a single bundled tarball.
//
//	<root>/
//	    1/
//	        file.c
//	        artifacts.tar.gz
//	    2/
//	        ...
//	    .artifact_server_cache/   (owned by the server, never a build)
//
// Only directories whose names are canonical positive decimal integers
// are builds. Everything else under the root is ignored.
package build

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

// CacheDirName is the hidden directory under the artifact root that
// holds extracted tarballs and their manifests.
const CacheDirName = ".artifact_server_cache"

// DefaultTarballName is the bundle cmgr writes into each build
// directory.
const DefaultTarballName = "artifacts.tar.gz"

// ID is a cmgr build id. Valid ids are positive.
type ID uint64

// ParseID parses a canonical build id: a positive decimal integer
// without sign or leading zeros. Directory names like "007" are
// rejected so that every build maps to exactly one directory.
func ParseID(text string) (ID, error) {
	if text == "" {
		return 0, errors.New("empty build id")
	}
	if text[0] == '0' || text[0] == '+' {
		return 0, fmt.Errorf("build id %q is not canonical", text)
	}
	value, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("build id %q: %w", text, err)
	}
	return ID(value), nil
}

// String returns the decimal form of the id.
func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Layout resolves paths inside an artifact root.
type Layout struct {
	// Root is the absolute artifact directory.
	Root string

	// TarballName is the file name of the bundle inside each build
	// directory.
	TarballName string
}

// NewLayout returns a Layout for root. An empty tarballName selects
// DefaultTarballName.
func NewLayout(root, tarballName string) (Layout, error) {
	absolute, err := filepath.Abs(root)
	if err != nil {
		return Layout{}, fmt.Errorf("resolving artifact directory %s: %w", root, err)
	}
	if tarballName == "" {
		tarballName = DefaultTarballName
	}
	if tarballName != filepath.Base(tarballName) || tarballName == "." || tarballName == ".." {
		return Layout{}, fmt.Errorf("tarball name %q must be a plain file name", tarballName)
	}
	return Layout{Root: absolute, TarballName: tarballName}, nil
}

// CacheDir returns the hidden cache directory.
func (l Layout) CacheDir() string {
	return filepath.Join(l.Root, CacheDirName)
}

// BuildDir returns the directory cmgr writes for id.
func (l Layout) BuildDir(id ID) string {
	return filepath.Join(l.Root, id.String())
}

// TarballPath returns the bundle path for id.
func (l Layout) TarballPath(id ID) string {
	return filepath.Join(l.BuildDir(id), l.TarballName)
}

// HasTarball reports whether id currently has a regular tarball file.
func (l Layout) HasTarball(id ID) bool {
	info, err := os.Stat(l.TarballPath(id))
	return err == nil && info.Mode().IsRegular()
}

// Scan returns the ids of all builds under the root that currently
// have a tarball, in ascending order.
func (l Layout) Scan() ([]ID, error) {
	entries, err := os.ReadDir(l.Root)
	if err != nil {
		return nil, fmt.Errorf("reading artifact directory %s: %w", l.Root, err)
	}

	var ids []ID
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id, err := ParseID(entry.Name())
		if err != nil {
			continue
		}
		if l.HasTarball(id) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
