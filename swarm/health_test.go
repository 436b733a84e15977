package swarm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

type fakeHealthPinger struct {
	mu      sync.Mutex
	failing map[PeerID]bool
	peers   []PeerID
	calls   map[PeerID]int
}

func newFakeHealthPinger(peers ...PeerID) *fakeHealthPinger {
	return &fakeHealthPinger{failing: make(map[PeerID]bool), peers: peers, calls: make(map[PeerID]int)}
}

func (f *fakeHealthPinger) PingPeer(ctx context.Context, peer PeerID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[peer]++
	if f.failing[peer] {
		return errors.New("ping failed")
	}
	return nil
}

func (f *fakeHealthPinger) ConnectedPeers() []PeerID {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]PeerID, len(f.peers))
	copy(out, f.peers)
	return out
}

func (f *fakeHealthPinger) setFailing(peer PeerID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[peer] = true
}

func (f *fakeHealthPinger) callCount(peer PeerID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[peer]
}

func TestHealthMonitorProbesOnInterval(t *testing.T) {
	clk := clock.NewMock()
	pinger := newFakeHealthPinger("peerA")

	var mu sync.Mutex
	var unhealthyCalls int
	hm := NewHealthMonitor(HealthMonitorConfig{ProbeInterval: time.Second, ProbeTimeout: time.Second}, clk, func(peer PeerID, err error) {
		mu.Lock()
		unhealthyCalls++
		mu.Unlock()
	})
	hm.Bind(pinger)
	hm.Start(context.Background())
	defer hm.Stop()

	clk.Add(time.Second)
	waitForCondition(t, func() bool { return pinger.callCount("peerA") >= 1 })

	mu.Lock()
	defer mu.Unlock()
	if unhealthyCalls != 0 {
		t.Errorf("unhealthyCalls = %d, want 0 for a healthy peer", unhealthyCalls)
	}
}

func TestHealthMonitorReportsUnhealthyPeer(t *testing.T) {
	clk := clock.NewMock()
	pinger := newFakeHealthPinger("peerA")
	pinger.setFailing("peerA")

	unhealthy := make(chan PeerID, 1)
	hm := NewHealthMonitor(HealthMonitorConfig{ProbeInterval: time.Second, ProbeTimeout: time.Second}, clk, func(peer PeerID, err error) {
		unhealthy <- peer
	})
	hm.Bind(pinger)
	hm.Start(context.Background())
	defer hm.Stop()

	clk.Add(time.Second)
	select {
	case peer := <-unhealthy:
		if peer != "peerA" {
			t.Errorf("unhealthy peer = %v, want peerA", peer)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for unhealthy callback")
	}
}

func TestHealthMonitorClearStopsProbing(t *testing.T) {
	clk := clock.NewMock()
	pinger := newFakeHealthPinger("peerA")

	hm := NewHealthMonitor(HealthMonitorConfig{ProbeInterval: time.Second, ProbeTimeout: time.Second}, clk, nil)
	hm.Bind(pinger)
	hm.Start(context.Background())
	defer hm.Stop()

	hm.Clear()
	clk.Add(time.Second)
	time.Sleep(50 * time.Millisecond)
	if pinger.callCount("peerA") != 0 {
		t.Error("expected no probes after Clear")
	}
}

func TestHealthMonitorStartTwiceIsNoop(t *testing.T) {
	clk := clock.NewMock()
	hm := NewHealthMonitor(HealthMonitorConfig{ProbeInterval: time.Second, ProbeTimeout: time.Second}, clk, nil)
	hm.Start(context.Background())
	hm.Start(context.Background())
	hm.Stop()
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
