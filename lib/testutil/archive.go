// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Member is one tarball entry for WriteTarballMembers. Entries with a
// Typeflag other than tar.TypeReg carry no content.
type Member struct {
	Name     string
	Typeflag byte
	Mode     int64
	Content  string
	Linkname string
}

// WriteTarball writes files (path -> content) as a tarball at path.
// Members are written in sorted order with mode 0644.
func WriteTarball(t *testing.T, path string, files map[string]string) {
	t.Helper()
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	members := make([]Member, 0, len(names))
	for _, name := range names {
		members = append(members, Member{Name: name, Typeflag: tar.TypeReg, Mode: 0o644, Content: files[name]})
	}
	WriteTarballMembers(t, path, members)
}

// WriteTarballMembers writes members verbatim as a tarball at path,
// compressed according to the path's suffix (.tar.gz, .tgz, .tar.zst,
// .tar.lz4, or plain .tar). The file is written to a temporary name
// and renamed into place so watchers see a single complete write.
func WriteTarballMembers(t *testing.T, path string, members []Member) {
	t.Helper()

	var archive bytes.Buffer
	writer := tar.NewWriter(&archive)
	for _, member := range members {
		header := &tar.Header{
			Name:     member.Name,
			Typeflag: member.Typeflag,
			Mode:     member.Mode,
			Linkname: member.Linkname,
			ModTime:  time.Unix(0, 0),
		}
		if member.Typeflag == tar.TypeReg {
			header.Size = int64(len(member.Content))
		}
		if err := writer.WriteHeader(header); err != nil {
			t.Fatalf("writing tar header %s: %v", member.Name, err)
		}
		if member.Typeflag == tar.TypeReg {
			if _, err := io.WriteString(writer, member.Content); err != nil {
				t.Fatalf("writing tar member %s: %v", member.Name, err)
			}
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("closing tar writer: %v", err)
	}

	var compressed bytes.Buffer
	name := strings.ToLower(filepath.Base(path))
	switch {
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		gz := gzip.NewWriter(&compressed)
		gz.Write(archive.Bytes())
		if err := gz.Close(); err != nil {
			t.Fatalf("gzip: %v", err)
		}
	case strings.HasSuffix(name, ".tar.zst"):
		encoder, err := zstd.NewWriter(&compressed)
		if err != nil {
			t.Fatalf("zstd: %v", err)
		}
		encoder.Write(archive.Bytes())
		if err := encoder.Close(); err != nil {
			t.Fatalf("zstd: %v", err)
		}
	case strings.HasSuffix(name, ".tar.lz4"):
		lz := lz4.NewWriter(&compressed)
		lz.Write(archive.Bytes())
		if err := lz.Close(); err != nil {
			t.Fatalf("lz4: %v", err)
		}
	default:
		compressed = archive
	}

	WriteFileAtomic(t, path, compressed.Bytes())
}

// WriteBuild creates <root>/<id>/ containing the loose files and a
// tarball named tarballName that bundles the same files.
func WriteBuild(t *testing.T, root, id, tarballName string, files map[string]string) {
	t.Helper()
	dir := filepath.Join(root, id)
	for name, content := range files {
		WriteFileAtomic(t, filepath.Join(dir, filepath.FromSlash(name)), []byte(content))
	}
	WriteTarball(t, filepath.Join(dir, tarballName), files)
}

// WriteFileAtomic writes data to a temporary sibling of path and
// renames it into place, creating parent directories as needed.
func WriteFileAtomic(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("creating %s: %v", filepath.Dir(path), err)
	}
	temporary := path + ".writing"
	if err := os.WriteFile(temporary, data, 0o644); err != nil {
		t.Fatalf("writing %s: %v", temporary, err)
	}
	if err := os.Rename(temporary, path); err != nil {
		t.Fatalf("renaming %s: %v", temporary, err)
	}
}
