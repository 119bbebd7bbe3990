package ids

import (
	"testing"
	"time"
)

func TestNewIsSortable(t *testing.T) {
	first := New()
	second := New()
	if len(first) != 26 {
		t.Fatalf("unexpected length %d", len(first))
	}
	if !(first < second) {
		t.Fatalf("expected %s < %s", first, second)
	}
}

func TestNewAtOrdersByTime(t *testing.T) {
	early := NewAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	late := NewAt(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	if !(early < late) {
		t.Fatalf("expected %s < %s", early, late)
	}
}

func TestDerivedUUIDStable(t *testing.T) {
	a := DerivedUUID("tenant|app.launch")
	b := DerivedUUID("tenant|app.launch")
	c := DerivedUUID("tenant|app.close")
	if a != b {
		t.Fatalf("expected stable id, got %s and %s", a, b)
	}
	if a == c {
		t.Fatal("expected distinct ids for distinct names")
	}
	if !ValidUUID(a) {
		t.Fatalf("invalid uuid %s", a)
	}
	if ValidUUID("not-a-uuid") {
		t.Fatal("expected invalid uuid to be rejected")
	}
}
