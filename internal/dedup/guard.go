// Package dedup suppresses re-processing of the same physical message. The
// upstream relay delivers at-least-once, so the same mail can hit the
// webhook more than once; a duplicate is completed without downstream
// effects instead of producing a second journal entry or reply.
package dedup

import (
	"strings"
	"time"

	"github.com/quillpost/mailroom/internal/extract"
)

const (
	// DefaultWindow is the idempotency window the receipt timestamp is
	// truncated to, so redeliveries seconds apart collide on one fingerprint.
	DefaultWindow = 10 * time.Minute
	// DefaultTTL bounds how long fingerprints are kept.
	DefaultTTL = 24 * time.Hour
)

// FingerprintStore is the persistent, TTL-bounded fingerprint set. Backing
// it with the database keeps the idempotency window intact across restarts.
type FingerprintStore interface {
	SeenFingerprint(fp string, now time.Time) (bool, error)
	RememberFingerprint(fp string, expiresAt time.Time) error
}

type Guard struct {
	store  FingerprintStore
	window time.Duration
	ttl    time.Duration
	now    func() time.Time
}

// NewGuard creates a Guard. Non-positive window or ttl fall back to the
// defaults.
func NewGuard(store FingerprintStore, window, ttl time.Duration) *Guard {
	if window <= 0 {
		window = DefaultWindow
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{
		store:  store,
		window: window,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Fingerprint derives the dedup key: receipt time truncated to the
// idempotency window, sender, subject, and message id, joined with a
// delimiter. Missing components contribute empty segments so partially
// extracted messages still fingerprint consistently.
func (g *Guard) Fingerprint(receivedAt time.Time, msg extract.Message) string {
	return strings.Join([]string{
		receivedAt.UTC().Truncate(g.window).Format(time.RFC3339),
		msg.Sender,
		msg.Subject,
		msg.MessageID,
	}, "|")
}

// IsDuplicate reports whether the message was already processed inside the
// idempotency window.
func (g *Guard) IsDuplicate(receivedAt time.Time, msg extract.Message) (bool, error) {
	return g.store.SeenFingerprint(g.Fingerprint(receivedAt, msg), g.now())
}

// Remember records the message's fingerprint until the TTL elapses.
func (g *Guard) Remember(receivedAt time.Time, msg extract.Message) error {
	return g.store.RememberFingerprint(g.Fingerprint(receivedAt, msg), g.now().Add(g.ttl))
}
