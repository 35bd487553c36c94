package idempotency

import (
	"strings"
	"testing"
)

func TestDeriveKey_StableAcrossKeyOrder(t *testing.T) {
	a, err := DeriveKey("add", map[string]any{"user": "u1", "product": "p1", "qty": 2})
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	b, err := DeriveKey("add", struct {
		Qty     int    `json:"qty"`
		User    string `json:"user"`
		Product string `json:"product"`
	}{Qty: 2, User: "u1", Product: "p1"})
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if a != b {
		t.Fatalf("expected identical keys, got %q and %q", a, b)
	}
	if !strings.HasPrefix(a, DerivedKeyPrefix) {
		t.Fatalf("expected %q prefix, got %q", DerivedKeyPrefix, a)
	}
}

func TestDeriveKey_ScopedByEndpoint(t *testing.T) {
	payload := map[string]any{"user": "u1", "product": "p1"}
	add, _ := DeriveKey("add", payload)
	remove, _ := DeriveKey("remove", payload)
	if add == remove {
		t.Fatalf("expected endpoint to change the derived key")
	}
}

func TestDeriveKey_RejectsUnencodablePayload(t *testing.T) {
	if _, err := DeriveKey("add", make(chan int)); err == nil {
		t.Fatalf("expected error for unencodable payload")
	}
	if Fingerprint(make(chan int)) != "" {
		t.Fatalf("expected empty fingerprint for unencodable payload")
	}
}

func TestFingerprint_TracksPayload(t *testing.T) {
	one := Fingerprint(map[string]int{"qty": 1})
	two := Fingerprint(map[string]int{"qty": 2})
	if one == "" || one == two {
		t.Fatalf("expected distinct non-empty fingerprints, got %q and %q", one, two)
	}
	if Fingerprint(map[string]int{"qty": 1}) != one {
		t.Fatalf("expected stable fingerprint")
	}
}
