package identity

import (
	"errors"
	"testing"
)

func TestResolvedRequiresPositiveID(t *testing.T) {
	if _, err := Resolved(0); !errors.Is(err, ErrInvalidUserID) {
		t.Fatalf("expected ErrInvalidUserID for zero id, got %v", err)
	}
	ref, err := Resolved(42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ref.IsResolved() {
		t.Fatalf("expected reference to be resolved")
	}
	id, err := ref.ID()
	if err != nil || id != 42 {
		t.Fatalf("expected id 42, got %d (%v)", id, err)
	}
}

func TestUnresolvedRejectsIDAccess(t *testing.T) {
	ref := Unresolved("  @ghost ")
	if ref.IsResolved() {
		t.Fatalf("expected unresolved reference")
	}
	if ref.DisplayName() != "@ghost" {
		t.Fatalf("expected trimmed display name, got %q", ref.DisplayName())
	}
	if _, err := ref.ID(); !errors.Is(err, ErrUnresolved) {
		t.Fatalf("expected ErrUnresolved, got %v", err)
	}
}
