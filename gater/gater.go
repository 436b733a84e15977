// Package gater provides concrete swarm.ConnectionGater implementations.
// swarm.AllowAllGater (the permissive default) lives with the interface in
// the swarm package; this package holds policy gaters that restrict who may
// connect.
package gater

import (
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/shurlinet/swarmcore/swarm"
)

// DecisionFunc is called on every InterceptSecured decision with the peer
// and whether it was allowed, for metrics/audit logging without coupling
// this package to a specific observability stack.
type DecisionFunc func(peer swarm.PeerID, allowed bool)

// AuthorizedPeerGater blocks inbound connections from peers that are not in
// the authorized set, with an optional enrollment mode that admits unknown
// peers on probation (e.g. during first-contact pairing) up to a bound, and
// optional per-peer expiry.
type AuthorizedPeerGater struct {
	clock clock.Clock

	mu         sync.RWMutex
	authorized map[swarm.PeerID]struct{}
	expiry     map[swarm.PeerID]time.Time // zero = never expires
	onDecision DecisionFunc

	enrollmentEnabled bool
	probation         map[swarm.PeerID]time.Time // peer -> admitted time
	probationLimit    int
	probationTimeout  time.Duration
}

// NewAuthorizedPeerGater creates a gater that only admits the peers in
// authorized (a nil or empty set admits nobody until UpdateAuthorized or
// enrollment mode is used).
func NewAuthorizedPeerGater(authorized map[swarm.PeerID]struct{}, clk clock.Clock) *AuthorizedPeerGater {
	if clk == nil {
		clk = clock.New()
	}
	if authorized == nil {
		authorized = make(map[swarm.PeerID]struct{})
	}
	return &AuthorizedPeerGater{
		clock:            clk,
		authorized:       authorized,
		expiry:           make(map[swarm.PeerID]time.Time),
		probation:        make(map[swarm.PeerID]time.Time),
		probationLimit:   10,
		probationTimeout: 15 * time.Second,
	}
}

// InterceptDial always allows: outbound connections are the node's own
// choice, never gated.
func (g *AuthorizedPeerGater) InterceptDial(addr *swarm.Address) bool { return true }

// InterceptAccept always allows at the raw-connection stage; the real
// decision happens once the peer's identity is known, in InterceptSecured.
func (g *AuthorizedPeerGater) InterceptAccept(addr *swarm.Address) bool { return true }

// InterceptSecured is the primary authorization checkpoint: it runs only
// once the remote peer's identity is cryptographically established.
func (g *AuthorizedPeerGater) InterceptSecured(stage swarm.DialStage, peer swarm.PeerID, addr *swarm.Address) bool {
	if stage != swarm.StageAccept {
		return true // always allow our own outbound dials through
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.authorized[peer]; ok {
		if exp, ok := g.expiry[peer]; ok && !exp.IsZero() && g.clock.Now().After(exp) {
			g.decide(peer, false)
			return false
		}
		g.decide(peer, true)
		return true
	}

	if g.enrollmentEnabled && len(g.probation) < g.probationLimit {
		g.probation[peer] = g.clock.Now()
		g.decide(peer, true)
		return true
	}

	g.decide(peer, false)
	return false
}

func (g *AuthorizedPeerGater) decide(peer swarm.PeerID, allowed bool) {
	if allowed {
		slog.Info("gater: inbound connection allowed", "peer", peer)
	} else {
		slog.Warn("gater: inbound connection denied", "peer", peer)
	}
	if g.onDecision != nil {
		g.onDecision(peer, allowed)
	}
}

// SetDecisionCallback installs fn to observe every InterceptSecured
// decision.
func (g *AuthorizedPeerGater) SetDecisionCallback(fn DecisionFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onDecision = fn
}

// UpdateAuthorized replaces the authorized peer set (hot-reload).
func (g *AuthorizedPeerGater) UpdateAuthorized(authorized map[swarm.PeerID]struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.authorized = authorized
	slog.Info("gater: updated authorized peer set", "count", len(authorized))
}

// IsAuthorized reports whether peer is currently in the authorized set.
func (g *AuthorizedPeerGater) IsAuthorized(peer swarm.PeerID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.authorized[peer]
	return ok
}

// SetEnrollmentMode enables or disables probationary admission of unknown
// peers, bounded by limit concurrent probation slots and timeout per slot.
func (g *AuthorizedPeerGater) SetEnrollmentMode(enabled bool, limit int, timeout time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enrollmentEnabled = enabled
	if limit > 0 {
		g.probationLimit = limit
	}
	if timeout > 0 {
		g.probationTimeout = timeout
	}
	if !enabled {
		g.probation = make(map[swarm.PeerID]time.Time)
	}
}

// PromotePeer moves peer from probation into the authorized set permanently.
func (g *AuthorizedPeerGater) PromotePeer(peer swarm.PeerID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.probation, peer)
	g.authorized[peer] = struct{}{}
	slog.Info("gater: peer promoted from probation", "peer", peer)
}

// SetPeerExpiry sets peer's authorization expiry; a zero time clears it.
func (g *AuthorizedPeerGater) SetPeerExpiry(peer swarm.PeerID, expiresAt time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if expiresAt.IsZero() {
		delete(g.expiry, peer)
	} else {
		g.expiry[peer] = expiresAt
	}
}

// CleanupProbation evicts probation peers past their timeout, invoking
// disconnect (if non-nil) for each, outside the lock.
func (g *AuthorizedPeerGater) CleanupProbation(disconnect func(swarm.PeerID)) {
	g.mu.Lock()
	now := g.clock.Now()
	var evicted []swarm.PeerID
	for peer, admitted := range g.probation {
		if now.Sub(admitted) > g.probationTimeout {
			evicted = append(evicted, peer)
			delete(g.probation, peer)
		}
	}
	g.mu.Unlock()

	for _, peer := range evicted {
		slog.Info("gater: probation peer evicted", "peer", peer)
		if disconnect != nil {
			disconnect(peer)
		}
	}
}

// ProbationCount returns the number of peers currently on probation.
func (g *AuthorizedPeerGater) ProbationCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.probation)
}
