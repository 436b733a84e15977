package autonatv2

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/shurlinet/swarmcore/swarm"
)

// RateLimitConfig implements a combined gate: per-peer request/dial-back
// limits plus global ones.
type RateLimitConfig struct {
	PerPeerWindow          time.Duration
	PerPeerRequestsInWindow int
	PerPeerConcurrentDialBacks int
	PerPeerRejectBackoff   time.Duration

	GlobalConcurrentDialBacks int
	GlobalWindow              time.Duration
	GlobalRequestsInWindow    int
}

// DefaultRateLimitConfig returns conservative defaults for a busy relay.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		PerPeerWindow:              60 * time.Second,
		PerPeerRequestsInWindow:    10,
		PerPeerConcurrentDialBacks: 3,
		PerPeerRejectBackoff:       30 * time.Second,
		GlobalConcurrentDialBacks:  50,
		GlobalWindow:               60 * time.Second,
		GlobalRequestsInWindow:     500,
	}
}

type peerLimitState struct {
	limiter          *rate.Limiter
	concurrentDialBacks int
	rejectedUntil    time.Time
}

// RateLimiter enforces RateLimitConfig across all peers, via
// golang.org/x/time/rate token buckets for the windowed counters and plain
// counters for concurrency caps.
type RateLimiter struct {
	cfg RateLimitConfig

	mu            sync.Mutex
	perPeer       map[swarm.PeerID]*peerLimitState
	globalLimiter *rate.Limiter
	globalDialBacks int
}

// NewRateLimiter creates a RateLimiter from cfg.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	globalRate := rate.Limit(float64(cfg.GlobalRequestsInWindow) / cfg.GlobalWindow.Seconds())
	return &RateLimiter{
		cfg:           cfg,
		perPeer:       make(map[swarm.PeerID]*peerLimitState),
		globalLimiter: rate.NewLimiter(globalRate, cfg.GlobalRequestsInWindow),
	}
}

func (rl *RateLimiter) peerState(peer swarm.PeerID) *peerLimitState {
	s, ok := rl.perPeer[peer]
	if !ok {
		peerRate := rate.Limit(float64(rl.cfg.PerPeerRequestsInWindow) / rl.cfg.PerPeerWindow.Seconds())
		s = &peerLimitState{limiter: rate.NewLimiter(peerRate, rl.cfg.PerPeerRequestsInWindow)}
		rl.perPeer[peer] = s
	}
	return s
}

// AllowRequest reports whether a DialRequest from peer should be admitted,
// consuming quota if so. Every decision is the caller's responsibility to
// turn into an emitted event; rejected requests must never reach the
// dial-back step.
func (rl *RateLimiter) AllowRequest(peer swarm.PeerID, now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	s := rl.peerState(peer)
	if now.Before(s.rejectedUntil) {
		return false
	}
	if s.concurrentDialBacks >= rl.cfg.PerPeerConcurrentDialBacks {
		s.rejectedUntil = now.Add(rl.cfg.PerPeerRejectBackoff)
		return false
	}
	if rl.cfg.GlobalConcurrentDialBacks > 0 && rl.globalDialBacks >= rl.cfg.GlobalConcurrentDialBacks {
		return false
	}
	if !s.limiter.AllowN(now, 1) {
		s.rejectedUntil = now.Add(rl.cfg.PerPeerRejectBackoff)
		return false
	}
	if !rl.globalLimiter.AllowN(now, 1) {
		return false
	}
	return true
}

// BeginDialBack records a dial-back in flight for peer, counted against
// both the per-peer and global concurrency caps.
func (rl *RateLimiter) BeginDialBack(peer swarm.PeerID) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.peerState(peer).concurrentDialBacks++
	rl.globalDialBacks++
}

// EndDialBack releases the concurrency slot taken by BeginDialBack.
func (rl *RateLimiter) EndDialBack(peer swarm.PeerID) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if s, ok := rl.perPeer[peer]; ok && s.concurrentDialBacks > 0 {
		s.concurrentDialBacks--
	}
	if rl.globalDialBacks > 0 {
		rl.globalDialBacks--
	}
}
