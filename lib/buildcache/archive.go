// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package buildcache

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// errUnsupportedArchive is returned for a tarball whose name does not
// identify a known compression.
var errUnsupportedArchive = errors.New("unsupported archive format")

// openArchive opens a tarball and wraps it in the decompressor selected
// by its file name suffix. The returned closer releases both.
func openArchive(tarballPath string) (*tar.Reader, io.Closer, error) {
	file, err := os.Open(tarballPath)
	if err != nil {
		return nil, nil, err
	}

	name := strings.ToLower(filepath.Base(tarballPath))
	switch {
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		decompressor, err := gzip.NewReader(file)
		if err != nil {
			file.Close()
			return nil, nil, fmt.Errorf("reading gzip header: %w", err)
		}
		return tar.NewReader(decompressor), multiCloser{decompressor, file}, nil

	case strings.HasSuffix(name, ".tar.zst"), strings.HasSuffix(name, ".tzst"):
		decoder, err := zstd.NewReader(file)
		if err != nil {
			file.Close()
			return nil, nil, fmt.Errorf("initializing zstd decoder: %w", err)
		}
		return tar.NewReader(decoder), multiCloser{decoder.IOReadCloser(), file}, nil

	case strings.HasSuffix(name, ".tar.lz4"):
		return tar.NewReader(lz4.NewReader(file)), file, nil

	case strings.HasSuffix(name, ".tar"):
		return tar.NewReader(file), file, nil

	default:
		file.Close()
		return nil, nil, fmt.Errorf("%w: %s", errUnsupportedArchive, name)
	}
}

type multiCloser []io.Closer

func (closers multiCloser) Close() error {
	var first error
	for _, closer := range closers {
		if err := closer.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// extractArchive unpacks every directory and regular file of the
// tarball into destination, which must already exist. Member paths
// are confined to destination: absolute paths and paths that climb
// out with ".." fail the whole extraction. Links, devices, and FIFOs
// are skipped and reported through skipped.
func extractArchive(ctx context.Context, tarballPath, destination string, skipped func(name string, kind byte)) error {
	reader, closer, err := openArchive(tarballPath)
	if err != nil {
		return err
	}
	defer closer.Close()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		header, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading archive: %w", err)
		}

		relative, err := memberPath(header.Name)
		if err != nil {
			return err
		}
		if relative == "" {
			continue
		}
		target := filepath.Join(destination, filepath.FromSlash(relative))

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}

		case tar.TypeReg:
			if err := writeMember(reader, target, header.FileInfo().Mode()); err != nil {
				return fmt.Errorf("writing %s: %w", relative, err)
			}

		default:
			if skipped != nil {
				skipped(relative, header.Typeflag)
			}
		}
	}
}

// memberPath normalizes a tar member name to a slash-separated path
// relative to the extraction root. The root itself maps to "".
func memberPath(name string) (string, error) {
	if path.IsAbs(name) || filepath.IsAbs(name) {
		return "", fmt.Errorf("archive member %q has an absolute path", name)
	}
	cleaned := path.Clean(strings.ReplaceAll(name, "\\", "/"))
	if cleaned == "." {
		return "", nil
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("archive member %q escapes the extraction root", name)
	}
	return cleaned, nil
}

// writeMember copies one regular file out of the archive. Only the
// executable bits of the recorded mode are honoured.
func writeMember(source io.Reader, target string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	permissions := os.FileMode(0o644)
	if mode&0o111 != 0 {
		permissions = 0o755
	}
	file, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, permissions)
	if err != nil {
		return err
	}
	if _, err := io.Copy(file, source); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
