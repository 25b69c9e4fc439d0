// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package buildcache

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/cmgr-artifact-server/lib/build"
)

// File is one published artifact inside a build's extraction.
type File struct {
	// Path is slash-separated and relative to the extraction root.
	Path string `cbor:"path"`

	Size int64 `cbor:"size"`

	// Digest is the BLAKE3 hash of the content.
	Digest [32]byte `cbor:"digest"`

	// MD5 is the content MD5, comparable to an S3 single-part ETag.
	MD5 [16]byte `cbor:"md5"`
}

// ETag returns the hex MD5 as object stores report it (without quotes).
func (f File) ETag() string {
	return hex.EncodeToString(f.MD5[:])
}

// SameContent reports whether two files have identical content.
func (f File) SameContent(other File) bool {
	return f.Size == other.Size && f.Digest == other.Digest
}

// Diff is the change in a build's published file set produced by one
// Sync or Remove.
type Diff struct {
	Build    build.ID
	Added    []File
	Modified []File
	Removed  []File
}

// Empty reports whether the diff carries no change.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Modified) == 0 && len(d.Removed) == 0
}

// Upserts returns the files that must be (re)uploaded: added then
// modified.
func (d Diff) Upserts() []File {
	files := make([]File, 0, len(d.Added)+len(d.Modified))
	files = append(files, d.Added...)
	return append(files, d.Modified...)
}

// diffFiles compares two sorted file lists by path and content.
func diffFiles(id build.ID, previous, current []File) Diff {
	diff := Diff{Build: id}
	old := make(map[string]File, len(previous))
	for _, file := range previous {
		old[file.Path] = file
	}
	for _, file := range current {
		before, existed := old[file.Path]
		switch {
		case !existed:
			diff.Added = append(diff.Added, file)
		case !before.SameContent(file):
			diff.Modified = append(diff.Modified, file)
		}
		delete(old, file.Path)
	}
	for _, file := range previous {
		if _, gone := old[file.Path]; gone {
			diff.Removed = append(diff.Removed, file)
		}
	}
	return diff
}

// hashFile computes both digests of one file in a single read.
func hashFile(path string) (size int64, digest [32]byte, sum [16]byte, err error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, digest, sum, err
	}
	defer file.Close()

	b3 := blake3.New()
	md := md5.New()
	size, err = io.Copy(io.MultiWriter(b3, md), file)
	if err != nil {
		return 0, digest, sum, err
	}
	copy(digest[:], b3.Sum(nil))
	copy(sum[:], md.Sum(nil))
	return size, digest, sum, nil
}

// scanTree hashes every regular file under dir that the publish filter
// accepts, returning them sorted by path.
func scanTree(dir string, publish func(relative string) bool) ([]File, error) {
	var files []File
	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		relative, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		relative = filepath.ToSlash(relative)
		if !publish(relative) {
			return nil
		}
		size, digest, sum, err := hashFile(path)
		if err != nil {
			return fmt.Errorf("hashing %s: %w", relative, err)
		}
		files = append(files, File{Path: relative, Size: size, Digest: digest, MD5: sum})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}
