// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package buildcache

import (
	"archive/tar"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bureau-foundation/cmgr-artifact-server/lib/build"
	"github.com/bureau-foundation/cmgr-artifact-server/lib/clock"
	"github.com/bureau-foundation/cmgr-artifact-server/lib/testutil"
)

func newTestCache(t *testing.T, root string, exclude ...string) *Cache {
	t.Helper()
	layout, err := build.NewLayout(root, "")
	if err != nil {
		t.Fatalf("NewLayout: %v", err)
	}
	cache, err := New(Config{
		Layout:  layout,
		Exclude: exclude,
		Clock:   clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		Logger:  testutil.Logger(t),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := cache.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	return cache
}

func tarballPath(root string, id build.ID) string {
	return filepath.Join(root, id.String(), build.DefaultTarballName)
}

func paths(files []File) []string {
	result := make([]string, len(files))
	for i, file := range files {
		result[i] = file.Path
	}
	return result
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSyncExtractsTarball(t *testing.T) {
	root := t.TempDir()
	testutil.WriteBuild(t, root, "1", build.DefaultTarballName, map[string]string{
		"file.c":      "int main() {}\n",
		"file.h":      "#pragma once\n",
		"docs/README": "readme\n",
	})
	cache := newTestCache(t, root)

	diff, err := cache.Sync(context.Background(), 1)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	want := []string{"docs/README", "file.c", "file.h"}
	if got := paths(diff.Added); !equalStrings(got, want) {
		t.Errorf("Added = %v, want %v", got, want)
	}
	if len(diff.Modified) != 0 || len(diff.Removed) != 0 {
		t.Errorf("unexpected Modified/Removed: %+v", diff)
	}

	path, file, ok := cache.Lookup(1, "file.c")
	if !ok {
		t.Fatal("Lookup(1, file.c) not found")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading extracted file: %v", err)
	}
	if string(content) != "int main() {}\n" {
		t.Errorf("extracted content = %q", content)
	}
	if file.Size != int64(len(content)) {
		t.Errorf("File.Size = %d, want %d", file.Size, len(content))
	}
	if file.ETag() != "f881137628fc8dd673b761eb7a1e2432" {
		t.Errorf("ETag = %q, want content MD5", file.ETag())
	}

	if got := cache.Builds(); len(got) != 1 || got[0] != 1 {
		t.Errorf("Builds() = %v, want [1]", got)
	}
}

func TestSyncUnchangedTarballIsNoop(t *testing.T) {
	root := t.TempDir()
	testutil.WriteBuild(t, root, "1", build.DefaultTarballName, map[string]string{"a": "1"})
	cache := newTestCache(t, root)

	if _, err := cache.Sync(context.Background(), 1); err != nil {
		t.Fatalf("first Sync: %v", err)
	}
	diff, err := cache.Sync(context.Background(), 1)
	if err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	if !diff.Empty() {
		t.Errorf("second Sync diff = %+v, want empty", diff)
	}
}

func TestSyncReportsDiff(t *testing.T) {
	root := t.TempDir()
	testutil.WriteBuild(t, root, "1", build.DefaultTarballName, map[string]string{
		"keep":   "same",
		"change": "before",
		"drop":   "gone soon",
	})
	cache := newTestCache(t, root)
	if _, err := cache.Sync(context.Background(), 1); err != nil {
		t.Fatalf("first Sync: %v", err)
	}

	path := tarballPath(root, 1)
	testutil.WriteTarball(t, path, map[string]string{
		"keep":   "same",
		"change": "after!",
		"new":    "fresh",
	})
	// Guarantee a fingerprint change even on coarse-mtime filesystems.
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	diff, err := cache.Sync(context.Background(), 1)
	if err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	if got := paths(diff.Added); !equalStrings(got, []string{"new"}) {
		t.Errorf("Added = %v, want [new]", got)
	}
	if got := paths(diff.Modified); !equalStrings(got, []string{"change"}) {
		t.Errorf("Modified = %v, want [change]", got)
	}
	if got := paths(diff.Removed); !equalStrings(got, []string{"drop"}) {
		t.Errorf("Removed = %v, want [drop]", got)
	}
	if _, _, ok := cache.Lookup(1, "drop"); ok {
		t.Error("removed file still resolves")
	}
}

func TestSyncCorruptArchiveKeepsPreviousExtraction(t *testing.T) {
	root := t.TempDir()
	testutil.WriteBuild(t, root, "1", build.DefaultTarballName, map[string]string{"a": "original"})
	cache := newTestCache(t, root)
	if _, err := cache.Sync(context.Background(), 1); err != nil {
		t.Fatalf("first Sync: %v", err)
	}

	testutil.WriteFileAtomic(t, tarballPath(root, 1), []byte("this is not gzip"))

	_, err := cache.Sync(context.Background(), 1)
	var extractionErr *ExtractionError
	if !errors.As(err, &extractionErr) {
		t.Fatalf("Sync error = %v, want ExtractionError", err)
	}
	if extractionErr.Build != 1 {
		t.Errorf("ExtractionError.Build = %d, want 1", extractionErr.Build)
	}

	path, _, ok := cache.Lookup(1, "a")
	if !ok {
		t.Fatal("previous extraction no longer resolves")
	}
	content, _ := os.ReadFile(path)
	if string(content) != "original" {
		t.Errorf("content = %q, want original", content)
	}
	assertNoStaging(t, cache)
}

func TestSyncRejectsPathTraversal(t *testing.T) {
	for _, name := range []string{"../escape", "a/../../escape", "/etc/passwd"} {
		t.Run(name, func(t *testing.T) {
			root := t.TempDir()
			testutil.WriteTarballMembers(t, tarballPath(root, 1), []testutil.Member{
				{Name: "fine", Typeflag: tar.TypeReg, Mode: 0o644, Content: "ok"},
				{Name: name, Typeflag: tar.TypeReg, Mode: 0o644, Content: "evil"},
			})
			cache := newTestCache(t, root)

			_, err := cache.Sync(context.Background(), 1)
			var extractionErr *ExtractionError
			if !errors.As(err, &extractionErr) {
				t.Fatalf("Sync error = %v, want ExtractionError", err)
			}
			if _, err := os.Stat(filepath.Join(root, "escape")); !os.IsNotExist(err) {
				t.Error("member escaped the extraction root")
			}
			if len(cache.Builds()) != 0 {
				t.Errorf("Builds() = %v after failed extraction", cache.Builds())
			}
			assertNoStaging(t, cache)
		})
	}
}

func TestSyncSkipsNonRegularMembers(t *testing.T) {
	root := t.TempDir()
	testutil.WriteTarballMembers(t, tarballPath(root, 1), []testutil.Member{
		{Name: "dir/", Typeflag: tar.TypeDir, Mode: 0o755},
		{Name: "dir/real", Typeflag: tar.TypeReg, Mode: 0o755, Content: "#!/bin/sh\n"},
		{Name: "dir/link", Typeflag: tar.TypeSymlink, Linkname: "/etc/passwd"},
	})
	cache := newTestCache(t, root)

	diff, err := cache.Sync(context.Background(), 1)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if got := paths(diff.Added); !equalStrings(got, []string{"dir/real"}) {
		t.Errorf("Added = %v, want [dir/real]", got)
	}
	path, _, _ := cache.Lookup(1, "dir/real")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm()&0o100 == 0 {
		t.Errorf("executable bit lost: %v", info.Mode())
	}
	if _, err := os.Lstat(filepath.Join(filepath.Dir(path), "link")); !os.IsNotExist(err) {
		t.Error("symlink member was extracted")
	}
}

func TestSyncExcludePatterns(t *testing.T) {
	root := t.TempDir()
	testutil.WriteBuild(t, root, "1", build.DefaultTarballName, map[string]string{
		"bin/tool":         "binary",
		"debug/tool.debug": "symbols",
		"notes.tmp":        "scratch",
		"keep.txt":         "keep",
	})
	cache := newTestCache(t, root, "*.tmp", "debug/")

	diff, err := cache.Sync(context.Background(), 1)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	want := []string{"bin/tool", "keep.txt"}
	if got := paths(diff.Added); !equalStrings(got, want) {
		t.Errorf("Added = %v, want %v", got, want)
	}
	if _, _, ok := cache.Lookup(1, "notes.tmp"); ok {
		t.Error("excluded file resolves")
	}
}

func TestSyncNeverPublishesNestedTarball(t *testing.T) {
	root := t.TempDir()
	testutil.WriteTarball(t, tarballPath(root, 1), map[string]string{
		build.DefaultTarballName:          "nested bundle",
		"sub/" + build.DefaultTarballName: "ordinary file",
	})
	cache := newTestCache(t, root)

	diff, err := cache.Sync(context.Background(), 1)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	want := []string{"sub/" + build.DefaultTarballName}
	if got := paths(diff.Added); !equalStrings(got, want) {
		t.Errorf("Added = %v, want %v", got, want)
	}
}

func TestSyncCompressionFormats(t *testing.T) {
	for _, name := range []string{"artifacts.tar.zst", "artifacts.tar.lz4", "artifacts.tar", "artifacts.tgz"} {
		t.Run(name, func(t *testing.T) {
			root := t.TempDir()
			layout, err := build.NewLayout(root, name)
			if err != nil {
				t.Fatalf("NewLayout: %v", err)
			}
			testutil.WriteBuild(t, root, "4", name, map[string]string{"out.bin": "payload"})
			cache, err := New(Config{Layout: layout, Logger: testutil.Logger(t)})
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if err := cache.Open(); err != nil {
				t.Fatalf("Open: %v", err)
			}
			diff, err := cache.Sync(context.Background(), 4)
			if err != nil {
				t.Fatalf("Sync: %v", err)
			}
			if got := paths(diff.Added); !equalStrings(got, []string{"out.bin"}) {
				t.Errorf("Added = %v, want [out.bin]", got)
			}
		})
	}
}

func TestSyncMissingTarballRemoves(t *testing.T) {
	root := t.TempDir()
	testutil.WriteBuild(t, root, "2", build.DefaultTarballName, map[string]string{"x": "1", "y": "2"})
	cache := newTestCache(t, root)
	if _, err := cache.Sync(context.Background(), 2); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if err := os.RemoveAll(filepath.Join(root, "2")); err != nil {
		t.Fatal(err)
	}
	diff, err := cache.Sync(context.Background(), 2)
	if err != nil {
		t.Fatalf("Sync after delete: %v", err)
	}
	if got := paths(diff.Removed); !equalStrings(got, []string{"x", "y"}) {
		t.Errorf("Removed = %v, want [x y]", got)
	}
	if _, err := os.Stat(filepath.Join(cache.layout.CacheDir(), "2")); !os.IsNotExist(err) {
		t.Error("extraction directory still exists")
	}
	if _, err := os.Stat(cache.manifestPath(2)); !os.IsNotExist(err) {
		t.Error("manifest still exists")
	}
}

func TestRemoveUnknownBuild(t *testing.T) {
	cache := newTestCache(t, t.TempDir())
	diff, err := cache.Remove(99)
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if !diff.Empty() {
		t.Errorf("Remove of unknown build diff = %+v, want empty", diff)
	}
}

func TestOpenRestoresAndCleans(t *testing.T) {
	root := t.TempDir()
	testutil.WriteBuild(t, root, "1", build.DefaultTarballName, map[string]string{"a": "1"})
	cache := newTestCache(t, root)
	if _, err := cache.Sync(context.Background(), 1); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	cacheDir := cache.layout.CacheDir()
	debris := []string{
		filepath.Join(cacheDir, stagingPrefix+"1-12345"),
		filepath.Join(cacheDir, trashPrefix+"1-999"),
		filepath.Join(cacheDir, "7"), // extraction without manifest
	}
	for _, dir := range debris {
		testutil.WriteFileAtomic(t, filepath.Join(dir, "junk"), []byte("x"))
	}
	testutil.WriteFileAtomic(t, filepath.Join(cacheDir, "stray.txt"), []byte("x"))
	testutil.WriteFileAtomic(t, filepath.Join(cacheDir, manifestDirName, "8.cbor"), []byte("not cbor at all"))
	testutil.WriteFileAtomic(t, filepath.Join(cacheDir, manifestDirName, "foreign"), []byte("x"))

	reopened := newTestCache(t, root)

	if got := reopened.Builds(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("Builds() after reopen = %v, want [1]", got)
	}
	for _, path := range append(debris,
		filepath.Join(cacheDir, "stray.txt"),
		filepath.Join(cacheDir, manifestDirName, "8.cbor"),
		filepath.Join(cacheDir, manifestDirName, "foreign"),
	) {
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Errorf("%s survived Open", path)
		}
	}

	// Unchanged tarball after restart: nothing to do.
	diff, err := reopened.Sync(context.Background(), 1)
	if err != nil {
		t.Fatalf("Sync after reopen: %v", err)
	}
	if !diff.Empty() {
		t.Errorf("Sync after reopen diff = %+v, want empty", diff)
	}
}

func TestOpenDropsManifestWithoutExtraction(t *testing.T) {
	root := t.TempDir()
	testutil.WriteBuild(t, root, "3", build.DefaultTarballName, map[string]string{"a": "1"})
	cache := newTestCache(t, root)
	if _, err := cache.Sync(context.Background(), 3); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := os.RemoveAll(filepath.Join(cache.layout.CacheDir(), "3")); err != nil {
		t.Fatal(err)
	}

	reopened := newTestCache(t, root)
	if got := reopened.Builds(); len(got) != 0 {
		t.Errorf("Builds() = %v, want none", got)
	}
	if _, err := os.Stat(reopened.manifestPath(3)); !os.IsNotExist(err) {
		t.Error("orphaned manifest survived Open")
	}
}

func TestLookupRejectsUnpublishedPaths(t *testing.T) {
	root := t.TempDir()
	testutil.WriteBuild(t, root, "1", build.DefaultTarballName, map[string]string{"dir/file": "1"})
	cache := newTestCache(t, root)
	if _, err := cache.Sync(context.Background(), 1); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	for _, relative := range []string{"", "dir", "dir/", "./dir/file", "../1/dir/file", "dir//file", build.DefaultTarballName, "missing"} {
		if _, _, ok := cache.Lookup(1, relative); ok {
			t.Errorf("Lookup(1, %q) resolved", relative)
		}
	}
	if _, _, ok := cache.Lookup(2, "dir/file"); ok {
		t.Error("Lookup on unknown build resolved")
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	root := t.TempDir()
	testutil.WriteBuild(t, root, "1", build.DefaultTarballName, map[string]string{"a": "1", "b": "2"})
	cache := newTestCache(t, root)
	if _, err := cache.Sync(context.Background(), 1); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	diff, err := cache.Verify(1)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !diff.Empty() {
		t.Fatalf("Verify on intact tree = %+v, want empty", diff)
	}

	path, _, _ := cache.Lookup(1, "a")
	if err := os.WriteFile(path, []byte("tampered"), 0o644); err != nil {
		t.Fatal(err)
	}
	diff, err = cache.Verify(1)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got := paths(diff.Modified); !equalStrings(got, []string{"a"}) {
		t.Errorf("Verify Modified = %v, want [a]", got)
	}
}

func assertNoStaging(t *testing.T, cache *Cache) {
	t.Helper()
	entries, err := os.ReadDir(cache.layout.CacheDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if len(name) > len(stagingPrefix) && name[:len(stagingPrefix)] == stagingPrefix {
			t.Errorf("staging directory %s left behind", name)
		}
	}
}
