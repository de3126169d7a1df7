package dedup

import (
	"testing"
	"time"

	"github.com/quillpost/mailroom/internal/extract"
	"github.com/quillpost/mailroom/internal/storage"
)

func newTestGuard(t *testing.T) *Guard {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewGuard(store, DefaultWindow, DefaultTTL)
}

func TestFingerprintWindowTruncation(t *testing.T) {
	g := newTestGuard(t)
	msg := extract.Message{Sender: "bob@example.com", Subject: "hi", MessageID: "a@x"}

	base := time.Date(2025, 3, 1, 10, 2, 17, 0, time.UTC)

	// Redeliveries inside the same window collapse onto one fingerprint.
	if g.Fingerprint(base, msg) != g.Fingerprint(base.Add(4*time.Minute), msg) {
		t.Error("timestamps inside one window produced distinct fingerprints")
	}

	// A delivery in the next window does not.
	if g.Fingerprint(base, msg) == g.Fingerprint(base.Add(15*time.Minute), msg) {
		t.Error("timestamps a window apart produced the same fingerprint")
	}
}

func TestFingerprintDistinguishesMessages(t *testing.T) {
	g := newTestGuard(t)
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	a := extract.Message{Sender: "bob@example.com", Subject: "hi", MessageID: "a@x"}
	b := extract.Message{Sender: "bob@example.com", Subject: "hi", MessageID: "b@x"}

	if g.Fingerprint(at, a) == g.Fingerprint(at, b) {
		t.Error("distinct message ids fingerprint identically")
	}
}

func TestDuplicateDetection(t *testing.T) {
	g := newTestGuard(t)
	at := time.Now().UTC()
	msg := extract.Message{Sender: "bob@example.com", Subject: "hi", MessageID: "a@x"}

	dup, err := g.IsDuplicate(at, msg)
	if err != nil {
		t.Fatalf("IsDuplicate: %v", err)
	}
	if dup {
		t.Error("unseen message reported as duplicate")
	}

	if err := g.Remember(at, msg); err != nil {
		t.Fatalf("Remember: %v", err)
	}

	dup, err = g.IsDuplicate(at.Add(2*time.Minute), msg)
	if err != nil {
		t.Fatalf("IsDuplicate: %v", err)
	}
	if !dup {
		t.Error("redelivery inside the window not flagged")
	}
}

func TestExpiredFingerprintForgotten(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	g := NewGuard(store, DefaultWindow, time.Hour)
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	msg := extract.Message{Sender: "bob@example.com", Subject: "hi", MessageID: "a@x"}

	clock := at
	g.now = func() time.Time { return clock }

	if err := g.Remember(at, msg); err != nil {
		t.Fatalf("Remember: %v", err)
	}

	dup, err := g.IsDuplicate(at, msg)
	if err != nil {
		t.Fatalf("IsDuplicate: %v", err)
	}
	if !dup {
		t.Fatal("remembered fingerprint not seen")
	}

	// After the TTL the fingerprint is gone, even for the same window key.
	clock = at.Add(2 * time.Hour)
	dup, err = g.IsDuplicate(at, msg)
	if err != nil {
		t.Fatalf("IsDuplicate: %v", err)
	}
	if dup {
		t.Error("expired fingerprint still reported as duplicate")
	}
}

func TestGuardDefaults(t *testing.T) {
	g := NewGuard(nil, 0, 0)
	if g.window != DefaultWindow {
		t.Errorf("window = %v, want %v", g.window, DefaultWindow)
	}
	if g.ttl != DefaultTTL {
		t.Errorf("ttl = %v, want %v", g.ttl, DefaultTTL)
	}
}
