package swarm

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// backoffBaseDuration is the initial backoff window after a single failure.
const backoffBaseDuration = 5 * time.Second

// backoffCap bounds the exponential growth.
const backoffCap = 1 * time.Hour

// backoffEntryExpiry is how long an entry survives with no activity before
// Cleanup reclaims it.
const backoffEntryExpiry = 24 * time.Hour

type backoffEntry struct {
	failures   int
	until      time.Time
	lastTouch  time.Time
}

// DialBackoff tracks per-peer dial failures and computes an exponential
// (base 2, capped) backoff window before the peer should be retried
//.
type DialBackoff struct {
	clock clock.Clock

	mu      sync.Mutex
	entries map[PeerID]*backoffEntry
}

// NewDialBackoff creates a DialBackoff. A nil clk selects the real wall clock.
func NewDialBackoff(clk clock.Clock) *DialBackoff {
	if clk == nil {
		clk = clock.New()
	}
	return &DialBackoff{clock: clk, entries: make(map[PeerID]*backoffEntry)}
}

// ShouldBackOff reports whether p is still inside its backoff window.
func (b *DialBackoff) ShouldBackOff(p PeerID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[p]
	if !ok {
		return false
	}
	return b.clock.Now().Before(e.until)
}

// RecordFailure doubles p's backoff window (base backoffBaseDuration,
// capped at backoffCap).
func (b *DialBackoff) RecordFailure(p PeerID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	e, ok := b.entries[p]
	if !ok {
		e = &backoffEntry{}
		b.entries[p] = e
	}
	e.failures++
	window := backoffBaseDuration << minInt(e.failures-1, 16)
	if window > backoffCap || window <= 0 {
		window = backoffCap
	}
	e.until = now.Add(window)
	e.lastTouch = now
}

// RecordSuccess clears p's backoff state entirely. Inbound connections count
// as success too, since they prove the peer is reachable.
func (b *DialBackoff) RecordSuccess(p PeerID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, p)
}

// Cleanup removes entries that have been quiescent past their expiry,
// bounding memory use for peers that are never retried again.
func (b *DialBackoff) Cleanup() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	for p, e := range b.entries {
		if now.Sub(e.lastTouch) > backoffEntryExpiry {
			delete(b.entries, p)
		}
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
