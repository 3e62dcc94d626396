package memory

import (
	"errors"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/untoldecay/engram/internal/enerr"
)

func TestParseURI(t *testing.T) {
	tests := []struct {
		uri    string
		domain string
		path   string
		ok     bool
	}{
		{"project://decisions/storage", "project", "decisions/storage", true},
		{"core://note", "core", "note", true},
		{"core:///leading/slash/", "core", "leading/slash", true},
		{"no-scheme", "", "", false},
		{"://missing-domain", "", "", false},
		{"core://", "", "", false},
	}
	for _, tt := range tests {
		domain, path, err := ParseURI(tt.uri)
		if tt.ok && err != nil {
			t.Errorf("ParseURI(%q) failed: %v", tt.uri, err)
			continue
		}
		if !tt.ok {
			if err == nil {
				t.Errorf("ParseURI(%q) expected an error", tt.uri)
			} else if !errors.Is(err, enerr.ErrValidation) {
				t.Errorf("ParseURI(%q) error is not a validation error: %v", tt.uri, err)
			}
			continue
		}
		if domain != tt.domain || path != tt.path {
			t.Errorf("ParseURI(%q) = (%q, %q), expected (%q, %q)", tt.uri, domain, path, tt.domain, tt.path)
		}
	}
}

func TestMakeURIRoundTrip(t *testing.T) {
	uri := MakeURI("project", "/decisions/storage/")
	if uri != "project://decisions/storage" {
		t.Errorf("Unexpected uri %q", uri)
	}
	domain, path, err := ParseURI(uri)
	if err != nil {
		t.Fatalf("Failed to parse generated uri: %v", err)
	}
	if domain != "project" || path != "decisions/storage" {
		t.Errorf("Round trip produced (%q, %q)", domain, path)
	}
}

func TestParentAndLastSegment(t *testing.T) {
	if got := ParentPath("a/b/c"); got != "a/b" {
		t.Errorf("ParentPath = %q, expected a/b", got)
	}
	if got := ParentPath("root"); got != "root" {
		t.Errorf("ParentPath at root = %q, expected root", got)
	}
	if got := LastSegment("a/b/c"); got != "c" {
		t.Errorf("LastSegment = %q, expected c", got)
	}
}

func TestContentHashIgnoresFormattingNoise(t *testing.T) {
	a := ContentHash("Hello   World")
	b := ContentHash("  hello world\n")
	if a != b {
		t.Error("Expected normalized variants to hash equal")
	}
	if a == ContentHash("hello there") {
		t.Error("Expected different content to hash differently")
	}
}

func TestStateHashMinuteBucket(t *testing.T) {
	base := time.Date(2026, 8, 24, 10, 30, 5, 0, time.UTC)
	drifted := base.Add(40 * time.Second)
	paths := []string{"core://b", "core://a"}

	h1 := StateHash(7, false, nil, 1.234, 3, &base, paths)
	h2 := StateHash(7, false, nil, 1.234, 3, &drifted, []string{"core://a", "core://b"})
	if h1 != h2 {
		t.Error("Expected equal hashes within the same minute bucket and path order")
	}

	nextMinute := base.Add(time.Minute)
	if h1 == StateHash(7, false, nil, 1.234, 3, &nextMinute, paths) {
		t.Error("Expected a different hash in the next minute bucket")
	}
	if h1 == StateHash(7, false, nil, 1.234, 4, &base, paths) {
		t.Error("Expected access count changes to change the hash")
	}
}

func TestSnippetCollapsesAndClips(t *testing.T) {
	if got := Snippet("one  two\nthree", 100); got != "one two three" {
		t.Errorf("Snippet = %q", got)
	}
	if got := Snippet("abcdef", 3); got != "abc" {
		t.Errorf("Clipped snippet = %q", got)
	}
	// Clipping counts characters, never splits a multibyte rune.
	if got := Snippet("café latte", 4); got != "café" {
		t.Errorf("Multibyte snippet = %q", got)
	}
	if got := Snippet("日本語のメモ", 3); got != "日本語" || !utf8.ValidString(got) {
		t.Errorf("CJK snippet = %q", got)
	}
}
