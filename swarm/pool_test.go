package swarm

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestPool(cfg PoolConfig) (*ConnectionPool, *clock.Mock) {
	clk := clock.NewMock()
	return NewConnectionPool(cfg, clk), clk
}

func TestPoolAddAndConnection(t *testing.T) {
	p, _ := newTestPool(PoolConfig{})
	id := p.Add(nil, "peerA", nil, DirectionOutbound, false)

	if !p.IsConnected("peerA") {
		t.Fatal("expected peerA to be connected")
	}
	entry, ok := p.Entry(id)
	if !ok || entry.Peer != "peerA" {
		t.Fatalf("Entry(%v) = %v, %v", id, entry, ok)
	}
}

func TestPoolMaxPerPeer(t *testing.T) {
	p, _ := newTestPool(PoolConfig{MaxPerPeer: 1})
	p.Add(nil, "peerA", nil, DirectionOutbound, false)

	if p.CanConnectTo("peerA") {
		t.Error("expected CanConnectTo to be false at the per-peer cap")
	}
	if !p.CanConnectTo("peerB") {
		t.Error("expected CanConnectTo(peerB) to be true")
	}
}

func TestPoolHighWatermark(t *testing.T) {
	p, _ := newTestPool(PoolConfig{HighWatermark: 1})
	p.Add(nil, "peerA", nil, DirectionOutbound, false)

	if p.CanDialOutbound("peerB") {
		t.Error("expected CanDialOutbound to be false above the high watermark")
	}
	if p.CanAcceptInbound() {
		t.Error("expected CanAcceptInbound to be false above the high watermark")
	}
}

func TestPoolTrimReportSelectsUntaggedOldest(t *testing.T) {
	p, clk := newTestPool(PoolConfig{HighWatermark: 2, LowWatermark: 1})

	id1 := p.Add(nil, "peerA", nil, DirectionOutbound, false)
	clk.Add(time.Second)
	p.Add(nil, "peerB", nil, DirectionOutbound, false)

	report := p.TrimReport()
	if report.TargetTrimCount != 1 {
		t.Fatalf("TargetTrimCount = %d, want 1", report.TargetTrimCount)
	}
	if report.SelectedCount != 1 {
		t.Fatalf("SelectedCount = %d, want 1", report.SelectedCount)
	}
	// peerA connected first, so it is the oldest and should be trimmed.
	found := false
	for _, c := range report.Candidates {
		if c.ID == id1 && c.SelectedForTrim {
			found = true
		}
	}
	if !found {
		t.Error("expected the oldest connection to be selected for trim")
	}
}

func TestPoolTrimReportNeverSelectsProtected(t *testing.T) {
	p, clk := newTestPool(PoolConfig{HighWatermark: 2, LowWatermark: 0})

	id1 := p.Add(nil, "peerA", nil, DirectionOutbound, false)
	p.Protect(id1)
	clk.Add(time.Second)
	p.Add(nil, "peerB", nil, DirectionOutbound, false)

	report, removed := p.TrimIfNeeded()
	if report.Constrained() {
		// Only one trimmable entry exists (peerB); target may exceed it.
	}
	for _, m := range removed {
		if m.ID == id1 {
			t.Fatal("protected entry must never be trimmed")
		}
	}
}

func TestPoolTrimReportConstrainedWhenAllProtected(t *testing.T) {
	p, _ := newTestPool(PoolConfig{HighWatermark: 1, LowWatermark: 0})

	id1 := p.Add(nil, "peerA", nil, DirectionOutbound, false)
	p.Protect(id1)
	p.Add(nil, "peerB", nil, DirectionOutbound, false)
	p.Protect(p.mustEntryID("peerB"))

	report := p.TrimReport()
	if !report.Constrained() {
		t.Error("expected trim to be constrained when every entry is protected")
	}
}

// mustEntryID is a test helper returning the single ConnectionID for peer.
func (p *ConnectionPool) mustEntryID(peer PeerID) ConnectionID {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id := range p.byPeer[peer] {
		return id
	}
	return ""
}

func TestPoolGracePeriodExemptsRecentConnections(t *testing.T) {
	p, _ := newTestPool(PoolConfig{HighWatermark: 1, LowWatermark: 0, GracePeriod: time.Minute})
	p.Add(nil, "peerA", nil, DirectionOutbound, false)

	report := p.TrimReport()
	if report.SelectedCount != 0 {
		t.Errorf("SelectedCount = %d, want 0 (within grace period)", report.SelectedCount)
	}
}

func TestPoolResolveSimultaneousConnectKeepsDirectionByPeerOrdering(t *testing.T) {
	p, _ := newTestPool(PoolConfig{})

	local := PeerID("aaa")
	remote := PeerID("zzz")

	outboundID := p.Add(nil, remote, nil, DirectionOutbound, false)
	inboundID := p.Add(nil, remote, nil, DirectionInbound, false)

	losers := p.ResolveSimultaneousConnect(local, remote)
	if len(losers) != 1 {
		t.Fatalf("expected exactly one loser, got %d", len(losers))
	}
	// local < remote means local keeps its outbound connection.
	if losers[0].ID != inboundID {
		t.Errorf("expected inbound entry to lose, got loser ID %v (outbound was %v)", losers[0].ID, outboundID)
	}
	if _, ok := p.Entry(outboundID); !ok {
		t.Error("expected outbound entry to survive")
	}
}

func TestPoolIdleConnections(t *testing.T) {
	p, clk := newTestPool(PoolConfig{})
	id := p.Add(nil, "peerA", nil, DirectionOutbound, false)

	if idle := p.IdleConnections(time.Second); len(idle) != 0 {
		t.Fatalf("expected no idle connections yet, got %d", len(idle))
	}

	clk.Add(2 * time.Second)
	idle := p.IdleConnections(time.Second)
	if len(idle) != 1 || idle[0].ID != id {
		t.Fatalf("expected peerA's connection to be idle, got %v", idle)
	}

	p.IncStreams(id)
	if idle := p.IdleConnections(time.Second); len(idle) != 0 {
		t.Error("expected connections with active streams to never be idle")
	}
}

func TestPoolPendingDialJoin(t *testing.T) {
	p, _ := newTestPool(PoolConfig{})

	pd1, joined1 := p.RegisterPendingDial("peerA")
	if joined1 {
		t.Fatal("first registration should not be a join")
	}
	pd2, joined2 := p.RegisterPendingDial("peerA")
	if !joined2 || pd2 != pd1 {
		t.Fatal("second registration should join the same PendingDial")
	}

	pd1.Resolve(nil, nil)
	<-pd2.Done
	if _, err := pd2.Result(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
