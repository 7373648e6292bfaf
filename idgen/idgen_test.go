package idgen_test

import (
	"strings"
	"testing"

	"github.com/hazyhaar/inquest/idgen"
)

func TestUUIDv7Unique(t *testing.T) {
	gen := idgen.UUIDv7()
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := gen()
		if seen[id] {
			t.Fatalf("duplicate ID %q", id)
		}
		seen[id] = true
	}
}

func TestPrefixed(t *testing.T) {
	gen := idgen.Prefixed("inv_", idgen.Default)
	id := gen()
	if !strings.HasPrefix(id, "inv_") {
		t.Fatalf("got %q, want inv_ prefix", id)
	}
	if _, err := idgen.Parse(strings.TrimPrefix(id, "inv_")); err != nil {
		t.Fatalf("suffix is not a UUID: %v", err)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := idgen.Parse("not-a-uuid"); err == nil {
		t.Fatal("expected error")
	}
}
