package audit

import (
	"strings"
	"testing"
	"unicode/utf8"

	"pgregory.net/rapid"
)

const truncationMarker = "\n... [truncated]"

func TestTruncateResponseProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := rapid.StringN(0, -1, 30000).Draw(t, "response")

		out, truncated := truncateResponse(s)

		if !utf8.ValidString(out) {
			t.Fatalf("truncation produced invalid UTF-8")
		}
		if len(s) <= responseLimit {
			if truncated {
				t.Fatalf("response of %d bytes wrongly flagged as truncated", len(s))
			}
			if out != s {
				t.Fatalf("short response must pass through unchanged")
			}
			return
		}
		if !truncated {
			t.Fatalf("response of %d bytes not flagged as truncated", len(s))
		}
		if len(out) > responseLimit+len(truncationMarker) {
			t.Fatalf("truncated response is %d bytes, over the limit", len(out))
		}
		kept := strings.TrimSuffix(out, truncationMarker)
		if kept == out {
			t.Fatalf("truncated response missing marker")
		}
		if !strings.HasPrefix(s, kept) {
			t.Fatalf("kept portion is not a prefix of the original")
		}
	})
}

func TestTruncateResponseCutsOnRuneBoundary(t *testing.T) {
	// A response of multibyte runes straddling the limit must not be
	// split mid-rune.
	s := strings.Repeat("日", responseLimit) // 3 bytes each
	out, truncated := truncateResponse(s)
	if !truncated {
		t.Fatal("oversized response not truncated")
	}
	if !utf8.ValidString(out) {
		t.Fatal("cut landed inside a rune")
	}
}
