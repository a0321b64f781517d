package msgstore

import "testing"

func TestTruncateText_ShortPassesThrough(t *testing.T) {
	got := TruncateText("hello world", 50)
	if got != "hello world" {
		t.Fatalf("expected passthrough, got %q", got)
	}
}

func TestTruncateText_CollapsesNewlines(t *testing.T) {
	got := TruncateText("line one\nline two", 50)
	if got != "line one line two" {
		t.Fatalf("expected newline collapsed, got %q", got)
	}
}

func TestTruncateText_ElidesMiddleWhenLong(t *testing.T) {
	long := "The quick brown fox jumped over the lazy dog and kept running far away"
	got := TruncateText(long, 30)
	if len(got) == 0 {
		t.Fatal("expected non-empty result")
	}
	if got == long {
		t.Fatal("expected text to be shortened")
	}
	if !contains(got, "...") {
		t.Fatalf("expected elision marker, got %q", got)
	}
}

func TestTruncateText_Empty(t *testing.T) {
	if got := TruncateText("", 50); got != "" {
		t.Fatalf("expected empty string, got %q", got)
	}
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
