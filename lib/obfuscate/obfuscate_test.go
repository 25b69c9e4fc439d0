// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package obfuscate

import (
	"errors"
	"sync"
	"testing"

	"github.com/bureau-foundation/cmgr-artifact-server/lib/build"
)

func TestTokenKnownValues(t *testing.T) {
	tests := []struct {
		salt string
		id   build.ID
		want string
	}{
		{"salt", 1, "18a830980e6662458c04d7ebcae63012d46ab67c791b66a06a011b17d3ad32c0"},
		{"pepper", 1, "e60fb5fe6147ddefdaca8c335ea53d89b4b759c97b107d2eed91be732804b8fd"},
		{"salt", 42, "cecb21329daea6121e0471c52be8ea1d59028c2daf2efff4a59fefe03581c229"},
	}
	for _, test := range tests {
		if got := Token(test.salt, test.id); got != test.want {
			t.Errorf("Token(%q, %d) = %s, want %s", test.salt, test.id, got, test.want)
		}
	}
}

func TestTokenDeterministicAndSaltSensitive(t *testing.T) {
	first := New("constant-salt")
	second := New("constant-salt")
	rotated := New("rotated-salt")

	for id := build.ID(1); id <= 200; id++ {
		a, err := first.Segment(id)
		if err != nil {
			t.Fatalf("Segment(%d): %v", id, err)
		}
		b, _ := second.Segment(id)
		c, _ := rotated.Segment(id)
		if a != b {
			t.Fatalf("Segment(%d) not stable across instances: %s vs %s", id, a, b)
		}
		if a == c {
			t.Fatalf("Segment(%d) identical under different salts", id)
		}
		if len(a) != TokenLength {
			t.Fatalf("token length = %d, want %d", len(a), TokenLength)
		}
	}
}

func TestResolveEnabled(t *testing.T) {
	obfuscator := New("salt")
	token, err := obfuscator.Segment(7)
	if err != nil {
		t.Fatalf("Segment: %v", err)
	}

	if id, ok := obfuscator.Resolve(token); !ok || id != 7 {
		t.Errorf("Resolve(token) = %d, %v; want 7, true", id, ok)
	}
	if _, ok := obfuscator.Resolve("7"); ok {
		t.Error("raw id resolved while obfuscation is enabled")
	}
	if _, ok := obfuscator.Resolve(Token("salt", 8)); ok {
		t.Error("unminted token resolved")
	}

	obfuscator.Forget(7)
	if _, ok := obfuscator.Resolve(token); ok {
		t.Error("forgotten token still resolves")
	}
	again, _ := obfuscator.Segment(7)
	if again != token {
		t.Errorf("re-minted token = %s, want %s", again, token)
	}
}

func TestResolveDisabled(t *testing.T) {
	obfuscator := New("")
	if obfuscator.Enabled() {
		t.Fatal("empty salt enabled obfuscation")
	}
	segment, err := obfuscator.Segment(12)
	if err != nil || segment != "12" {
		t.Errorf("Segment(12) = %q, %v; want \"12\", nil", segment, err)
	}
	for _, test := range []struct {
		segment string
		want    build.ID
		ok      bool
	}{
		{"12", 12, true},
		{"012", 0, false},
		{"abc", 0, false},
		{Token("x", 12), 0, false},
	} {
		id, ok := obfuscator.Resolve(test.segment)
		if ok != test.ok || id != test.want {
			t.Errorf("Resolve(%q) = %d, %v; want %d, %v", test.segment, id, ok, test.want, test.ok)
		}
	}
}

func TestSegmentCollision(t *testing.T) {
	obfuscator := New("salt")
	// Plant a foreign owner for build 3's token.
	obfuscator.tokens[Token("salt", 3)] = 99

	_, err := obfuscator.Segment(3)
	var collision *CollisionError
	if !errors.As(err, &collision) {
		t.Fatalf("Segment error = %v, want CollisionError", err)
	}
	if collision.Existing != 99 || collision.New != 3 {
		t.Errorf("collision = %+v", collision)
	}
}

func TestSegmentConcurrent(t *testing.T) {
	obfuscator := New("salt")
	var wg sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := build.ID(1); id <= 100; id++ {
				if _, err := obfuscator.Segment(id); err != nil {
					t.Errorf("Segment(%d): %v", id, err)
					return
				}
			}
		}()
	}
	wg.Wait()
	for id := build.ID(1); id <= 100; id++ {
		if got, ok := obfuscator.Resolve(Token("salt", id)); !ok || got != id {
			t.Errorf("Resolve(token of %d) = %d, %v", id, got, ok)
		}
	}
}
