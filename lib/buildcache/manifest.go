// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package buildcache

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/bureau-foundation/cmgr-artifact-server/lib/build"
)

const manifestDirName = ".manifests"

// Fingerprint is the cheap identity of a tarball: its size and
// modification time. A rewritten tarball changes at least one of them.
type Fingerprint struct {
	Size    int64 `cbor:"size"`
	ModTime int64 `cbor:"mod_time"` // Unix nanoseconds
}

func fingerprintOf(info os.FileInfo) Fingerprint {
	return Fingerprint{Size: info.Size(), ModTime: info.ModTime().UnixNano()}
}

// Entry is the cache's record of one build, persisted as a CBOR
// manifest next to the extractions.
type Entry struct {
	Build    build.ID    `cbor:"build"`
	Tarball  Fingerprint `cbor:"tarball"`
	Dir      string      `cbor:"dir"`
	Files    []File      `cbor:"files"`
	SyncedAt time.Time   `cbor:"synced_at"`
}

var (
	manifestEncoder cbor.EncMode
	manifestDecoder cbor.DecMode
)

func init() {
	var err error
	// Core Deterministic Encoding (RFC 8949 §4.2): sorted map keys,
	// smallest integer encoding.
	manifestEncoder, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("buildcache: CBOR encoder initialization failed: " + err.Error())
	}
	manifestDecoder, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("buildcache: CBOR decoder initialization failed: " + err.Error())
	}
}

func (c *Cache) manifestDir() string {
	return filepath.Join(c.layout.CacheDir(), manifestDirName)
}

func (c *Cache) manifestPath(id build.ID) string {
	return filepath.Join(c.manifestDir(), id.String()+".cbor")
}

// writeManifest atomically replaces the manifest for entry.Build.
func (c *Cache) writeManifest(entry *Entry) error {
	data, err := manifestEncoder.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding manifest for build %s: %w", entry.Build, err)
	}

	tmpFile, err := os.CreateTemp(c.manifestDir(), "manifest-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp manifest: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("writing manifest data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing temp manifest: %w", err)
	}
	if err := os.Rename(tmpPath, c.manifestPath(entry.Build)); err != nil {
		return fmt.Errorf("renaming manifest for build %s: %w", entry.Build, err)
	}

	success = true
	return nil
}

// readManifests loads every manifest in the manifest directory.
// Unreadable or foreign files are deleted: the build they describe is
// simply re-extracted on its next sync.
func (c *Cache) readManifests() (map[build.ID]*Entry, error) {
	entries, err := os.ReadDir(c.manifestDir())
	if err != nil {
		return nil, fmt.Errorf("reading manifest directory: %w", err)
	}

	manifests := make(map[build.ID]*Entry)
	for _, dirEntry := range entries {
		path := filepath.Join(c.manifestDir(), dirEntry.Name())
		id, err := build.ParseID(strings.TrimSuffix(dirEntry.Name(), ".cbor"))
		if err != nil || !strings.HasSuffix(dirEntry.Name(), ".cbor") {
			c.logger.Debug("removing unrecognized manifest file", "path", path)
			os.RemoveAll(path)
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading manifest %s: %w", path, err)
		}
		var entry Entry
		if err := manifestDecoder.Unmarshal(data, &entry); err != nil || entry.Build != id {
			c.logger.Warn("discarding corrupt manifest", "build_id", id, "path", path)
			os.Remove(path)
			continue
		}
		manifests[id] = &entry
	}
	return manifests, nil
}
