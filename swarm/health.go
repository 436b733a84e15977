package swarm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// HealthPinger is the capability the Health Monitor needs from its owner
// (the Node), kept as an interface so the monitor never imports the Node
// type directly.
type HealthPinger interface {
	// PingPeer probes peer and reports whether it responded within ctx's
	// deadline. A non-nil error other than context cancellation indicates
	// a genuine health-check failure.
	PingPeer(ctx context.Context, peer PeerID) error
	// ConnectedPeers lists every currently-connected peer to probe.
	ConnectedPeers() []PeerID
}

// HealthMonitorConfig tunes probe cadence and timeout.
type HealthMonitorConfig struct {
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
}

// DefaultHealthMonitorConfig returns a conservative probe loop cadence.
func DefaultHealthMonitorConfig() HealthMonitorConfig {
	return HealthMonitorConfig{
		ProbeInterval: 30 * time.Second,
		ProbeTimeout:  10 * time.Second,
	}
}

// HealthMonitor periodically probes each connected peer and reports the
// unhealthy ones via unhealthy. Its back-reference to the
// pinger is held behind an atomic pointer so Clear can run concurrently with
// an in-flight probe round, making in-flight pings fail fast on shutdown
// rather than racing a freed Node.
type HealthMonitor struct {
	cfg       HealthMonitorConfig
	clock     clock.Clock
	unhealthy func(peer PeerID, err error)

	pinger atomic.Pointer[HealthPinger]

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewHealthMonitor creates a HealthMonitor. unhealthy is invoked (never
// concurrently) each time a probe fails; it must not block.
func NewHealthMonitor(cfg HealthMonitorConfig, clk clock.Clock, unhealthy func(peer PeerID, err error)) *HealthMonitor {
	if clk == nil {
		clk = clock.New()
	}
	return &HealthMonitor{cfg: cfg, clock: clk, unhealthy: unhealthy}
}

// Bind sets the back-reference used to actually perform pings. Must be
// called before Start.
func (h *HealthMonitor) Bind(pinger HealthPinger) {
	h.pinger.Store(&pinger)
}

// Clear drops the back-reference; any probe round already reading it
// completes against a stale copy and simply fails its remaining pings with
// ErrNodeNotRunning, it does not panic.
func (h *HealthMonitor) Clear() {
	h.pinger.Store(nil)
}

// Start launches the probe loop. Calling Start twice is a no-op.
func (h *HealthMonitor) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.running = true
	h.wg.Add(1)
	go h.loop(ctx)
}

// Stop cancels the probe loop and waits for it to exit.
func (h *HealthMonitor) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	cancel := h.cancel
	h.running = false
	h.mu.Unlock()
	cancel()
	h.wg.Wait()
}

func (h *HealthMonitor) loop(ctx context.Context) {
	defer h.wg.Done()
	ticker := h.clock.Ticker(h.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.probeRound(ctx)
		}
	}
}

func (h *HealthMonitor) probeRound(ctx context.Context) {
	pingerPtr := h.pinger.Load()
	if pingerPtr == nil {
		return
	}
	pinger := *pingerPtr
	for _, peer := range pinger.ConnectedPeers() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		probeCtx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
		err := pinger.PingPeer(probeCtx, peer)
		cancel()
		if err != nil {
			slog.Warn("healthmonitor: probe failed", "peer", peer, "error", err)
			if h.unhealthy != nil {
				h.unhealthy(peer, fmt.Errorf("healthmonitor: %w", err))
			}
		}
	}
}
