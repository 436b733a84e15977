package autonatv2

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/shurlinet/swarmcore/swarm"
)

// newServerOpener returns a StreamOpener that hands back a stream preloaded
// with an already-encoded DialResponse, standing in for a server that
// answers with respondWith.
func newServerOpener(t *testing.T, respondWith DialResponse) StreamOpener {
	t.Helper()
	return func(ctx context.Context, server swarm.PeerID, protocolID string) (swarm.Stream, error) {
		if protocolID != DialRequestProtocolID {
			t.Fatalf("protocolID = %q, want %q", protocolID, DialRequestProtocolID)
		}
		return newFakeStream(EncodeDialResponse(respondWith)), nil
	}
}

func TestClientRequestCheckPublicVerdict(t *testing.T) {
	clk := clock.NewMock()
	addr := mustAddr(t)
	opener := newServerOpener(t, DialResponse{Status: StatusOK, Address: addr})
	c := NewClient(DefaultClientConfig(), clk, opener, nil)

	verdict, err := c.RequestCheck(context.Background(), swarm.PeerID("server1"), addr)
	if err != nil {
		t.Fatalf("RequestCheck: %v", err)
	}
	if verdict != ReachabilityPublic {
		t.Fatalf("verdict = %v, want %v", verdict, ReachabilityPublic)
	}
}

func TestClientRequestCheckDialErrorVerdict(t *testing.T) {
	clk := clock.NewMock()
	addr := mustAddr(t)
	opener := newServerOpener(t, DialResponse{Status: StatusDialError})
	c := NewClient(DefaultClientConfig(), clk, opener, nil)

	verdict, err := c.RequestCheck(context.Background(), swarm.PeerID("server1"), addr)
	if err != nil {
		t.Fatalf("RequestCheck: %v", err)
	}
	if verdict != ReachabilityPrivateOnly {
		t.Fatalf("verdict = %v, want %v", verdict, ReachabilityPrivateOnly)
	}
}

func TestClientRequestCheckServerRejectionIsError(t *testing.T) {
	clk := clock.NewMock()
	addr := mustAddr(t)
	opener := newServerOpener(t, DialResponse{Status: StatusBadRequest})
	c := NewClient(DefaultClientConfig(), clk, opener, nil)

	if _, err := c.RequestCheck(context.Background(), swarm.PeerID("server1"), addr); err == nil {
		t.Fatal("expected an error when the server rejects the check")
	}
}

func TestClientRequestCheckRespectsCooldown(t *testing.T) {
	clk := clock.NewMock()
	addr := mustAddr(t)
	opener := newServerOpener(t, DialResponse{Status: StatusOK, Address: addr})
	cfg := DefaultClientConfig()
	cfg.Cooldown = time.Minute
	c := NewClient(cfg, clk, opener, nil)
	server := swarm.PeerID("server1")

	if _, err := c.RequestCheck(context.Background(), server, addr); err != nil {
		t.Fatalf("first RequestCheck: %v", err)
	}
	if _, err := c.RequestCheck(context.Background(), server, addr); err == nil {
		t.Fatal("expected the second request to be rejected by cooldown")
	}
}

func TestClientRecordSampleTriggersMajorityCallback(t *testing.T) {
	clk := clock.NewMock()
	addr := mustAddr(t)
	opener := newServerOpener(t, DialResponse{Status: StatusOK, Address: addr})
	cfg := DefaultClientConfig()
	cfg.Cooldown = 0

	var changedTo []Reachability
	c := NewClient(cfg, clk, opener, func(r Reachability) { changedTo = append(changedTo, r) })

	for i := 0; i < majorityThreshold; i++ {
		server := swarm.PeerID([]byte{byte(i)})
		if _, err := c.RequestCheck(context.Background(), server, addr); err != nil {
			t.Fatalf("RequestCheck %d: %v", i, err)
		}
	}

	if len(changedTo) != 1 || changedTo[0] != ReachabilityPublic {
		t.Fatalf("reachabilityChanged calls = %v, want a single ReachabilityPublic call", changedTo)
	}
	if c.Verdict() != ReachabilityPublic {
		t.Fatalf("Verdict() = %v, want %v", c.Verdict(), ReachabilityPublic)
	}
}

func TestClientDeliverDialBackUnknownNonceIsDropped(t *testing.T) {
	clk := clock.NewMock()
	opener := newServerOpener(t, DialResponse{Status: StatusOK})
	c := NewClient(DefaultClientConfig(), clk, opener, nil)

	// Must not panic or block when no pending check owns this nonce.
	c.DeliverDialBack(DialBack{Nonce: 999})
}

func TestClientCleanupExpiredChecksRemovesStale(t *testing.T) {
	clk := clock.NewMock()
	opener := newServerOpener(t, DialResponse{Status: StatusOK})
	cfg := DefaultClientConfig()
	cfg.CheckTimeout = time.Second
	c := NewClient(cfg, clk, opener, nil)

	c.mu.Lock()
	c.pendingByNonce[1] = &pendingCheck{timestamp: clk.Now().Add(-time.Hour), result: make(chan DialBack, 1)}
	c.mu.Unlock()

	c.CleanupExpiredChecks()

	c.mu.Lock()
	_, stillPending := c.pendingByNonce[1]
	c.mu.Unlock()
	if stillPending {
		t.Fatal("expected the stale pending check to be removed")
	}
}
