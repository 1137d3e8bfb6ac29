package uuid

import (
	"strings"
	"testing"

	goUUID "github.com/google/uuid"
)

func TestGeneratorNewID(t *testing.T) {
	t.Parallel()

	gen := NewUUIDGenerator()
	id1, err := gen.NewID()
	if err != nil {
		t.Fatalf("NewID() error = %v", err)
	}
	id2, err := gen.NewID()
	if err != nil {
		t.Fatalf("NewID() error = %v", err)
	}
	if id1 == id2 {
		t.Fatalf("expected unique IDs, got %s and %s", id1, id2)
	}
	parsed, err := goUUID.Parse(id1)
	if err != nil {
		t.Fatalf("id1 not valid UUID: %v", err)
	}
	if parsed.Version() != 7 {
		t.Fatalf("expected version 7, got %d", parsed.Version())
	}
	if id2 < id1 {
		t.Fatalf("expected %s to sort after %s", id2, id1)
	}
}

func TestGeneratorNewHandle(t *testing.T) {
	t.Parallel()

	gen := NewUUIDGenerator()
	handle, err := gen.NewHandle("local")
	if err != nil {
		t.Fatalf("NewHandle() error = %v", err)
	}
	rest, ok := strings.CutPrefix(handle, "local-")
	if !ok {
		t.Fatalf("expected local- prefix, got %s", handle)
	}
	if _, err := goUUID.Parse(rest); err != nil {
		t.Fatalf("handle suffix not a UUID: %v", err)
	}
	if _, err := gen.NewHandle(" "); err == nil {
		t.Fatal("expected an error for a blank prefix")
	}
}
