package fingerprint

import "testing"

func TestContentDeterministic(t *testing.T) {
	a := Content("apply for a passport")
	b := Content("apply for a passport")
	if a != b {
		t.Fatalf("same input produced different hashes: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars for sha256, got %d", len(a))
	}
}

func TestContentDiffers(t *testing.T) {
	if Content("a") == Content("b") {
		t.Fatal("different inputs produced the same hash")
	}
}

func TestContentBytesMatchesString(t *testing.T) {
	if Content("visa guidance") != ContentBytes([]byte("visa guidance")) {
		t.Fatal("string and byte variants disagree")
	}
}

func TestCacheKeyLength(t *testing.T) {
	k := CacheKey("You are a plain-English translator.")
	if len(k) != 32 {
		t.Fatalf("expected 32 hex chars for md5, got %d", len(k))
	}
	if k != CacheKey("You are a plain-English translator.") {
		t.Fatal("cache key not deterministic")
	}
}
