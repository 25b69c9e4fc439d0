// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package obfuscate maps build ids to the path segment used in every
// externally visible location: HTTP routes, object keys, and CDN
// invalidation paths.
//
// With a salt configured the segment is a token: the lowercase hex
// SHA-256 of "<id>:<salt>". Tokens are a pure function of (id, salt),
// so anyone holding the salt can compute a build's URL, and rotating
// the salt invalidates every URL previously handed out. Without a salt
// the segment is the decimal id.
//
// The reverse direction (token to id) cannot be computed. An
// [Obfuscator] remembers every token it has minted in memory; the
// sync coordinator mints a token for each build it publishes, so
// Resolve succeeds for exactly the builds currently on offer. The map
// is never persisted. It is rebuilt from the artifact root on every
// start.
package obfuscate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/bureau-foundation/cmgr-artifact-server/lib/build"
)

// TokenLength is the length of an obfuscated segment in characters.
const TokenLength = sha256.Size * 2

// Token returns the obfuscated segment for id under salt.
func Token(salt string, id build.ID) string {
	sum := sha256.Sum256([]byte(id.String() + ":" + salt))
	return hex.EncodeToString(sum[:])
}

// CollisionError reports two build ids that mint the same token. This
// is a configuration failure (or a broken hash) and is never resolved
// silently.
type CollisionError struct {
	Token    string
	Existing build.ID
	New      build.ID
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("obfuscation collision: builds %s and %s both map to token %s", e.Existing, e.New, e.Token)
}

// Obfuscator translates between build ids and path segments. The zero
// value is not usable; create with New. Safe for concurrent use.
type Obfuscator struct {
	salt    string
	enabled bool

	mu     sync.RWMutex
	tokens map[string]build.ID
	ids    map[build.ID]string
}

// New returns an Obfuscator. An empty salt disables obfuscation.
func New(salt string) *Obfuscator {
	return &Obfuscator{
		salt:    salt,
		enabled: salt != "",
		tokens:  make(map[string]build.ID),
		ids:     make(map[build.ID]string),
	}
}

// Enabled reports whether segments are tokens rather than raw ids.
func (o *Obfuscator) Enabled() bool {
	return o.enabled
}

// Segment returns the externally visible segment for id, recording
// the token for later Resolve calls when obfuscation is enabled.
func (o *Obfuscator) Segment(id build.ID) (string, error) {
	if !o.enabled {
		return id.String(), nil
	}

	o.mu.RLock()
	token, ok := o.ids[id]
	o.mu.RUnlock()
	if ok {
		return token, nil
	}

	token = Token(o.salt, id)

	o.mu.Lock()
	defer o.mu.Unlock()
	if existing, taken := o.tokens[token]; taken && existing != id {
		return "", &CollisionError{Token: token, Existing: existing, New: id}
	}
	o.tokens[token] = id
	o.ids[id] = token
	return token, nil
}

// Resolve maps an externally visible segment back to a build id. With
// obfuscation enabled only minted tokens resolve and raw decimal ids
// are refused. With it disabled only canonical decimal ids resolve.
func (o *Obfuscator) Resolve(segment string) (build.ID, bool) {
	if !o.enabled {
		id, err := build.ParseID(segment)
		return id, err == nil
	}
	if len(segment) != TokenLength {
		return 0, false
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	id, ok := o.tokens[segment]
	return id, ok
}

// Forget drops the token for id so that it no longer resolves. Calling
// Segment again re-mints the same token.
func (o *Obfuscator) Forget(id build.ID) {
	if !o.enabled {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if token, ok := o.ids[id]; ok {
		delete(o.ids, id)
		delete(o.tokens, token)
	}
}
