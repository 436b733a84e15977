package swarm

import (
	"testing"
	"time"

	"pgregory.net/rapid"
)

func TestRankDialsTierOrder(t *testing.T) {
	quic6, _ := ParseAddress("/ip6/::1/udp/1/quic-v1")
	quic4, _ := ParseAddress("/ip4/1.2.3.4/udp/1/quic-v1")
	tcp6, _ := ParseAddress("/ip6/::1/tcp/1")
	tcp4, _ := ParseAddress("/ip4/1.2.3.4/tcp/1")

	groups := RankDials([]*Address{tcp4, quic4, tcp6, quic6})
	if len(groups) != 4 {
		t.Fatalf("got %d groups, want 4", len(groups))
	}
	if groups[0].Delay != 0 {
		t.Errorf("first group delay = %v, want 0", groups[0].Delay)
	}
	if !groups[0].Addresses[0].Equal(quic6) {
		t.Errorf("first tier should be quic+ipv6, got %v", groups[0].Addresses[0])
	}
	for _, g := range groups[1:] {
		if g.Delay != defaultDialRankDelay {
			t.Errorf("non-first group delay = %v, want %v", g.Delay, defaultDialRankDelay)
		}
	}
}

func TestRankDialsRelayTierDelayed(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	tcp4, _ := ParseAddress("/ip4/1.2.3.4/tcp/1")
	// A relay address with no tcp/ip component of its own so it only matches
	// the IsRelay tier, not the tcp/ip4 tier.
	relay, err := ParseAddress("/p2p-circuit/p2p/" + kp.ID.String())
	if err != nil {
		t.Fatalf("ParseAddress(relay): %v", err)
	}
	if !relay.IsRelay() {
		t.Fatal("test address is not actually a relay address")
	}

	groups := RankDials([]*Address{tcp4, relay})
	if len(groups) != 2 {
		t.Fatalf("got %d groups, want 2", len(groups))
	}
	last := groups[len(groups)-1]
	if last.Delay != relayDialRankDelay {
		t.Errorf("relay tier delay = %v, want %v", last.Delay, relayDialRankDelay)
	}
}

func TestRankDialsSkipsEmptyTiers(t *testing.T) {
	tcp4, _ := ParseAddress("/ip4/1.2.3.4/tcp/1")
	groups := RankDials([]*Address{tcp4})
	if len(groups) != 1 {
		t.Fatalf("got %d groups, want 1", len(groups))
	}
}

// TestRankDialsStableWithinTier checks addresses belonging to the same tier
// keep their relative input order, regardless of how many tiers are present.
func TestRankDialsStableWithinTier(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 6).Draw(t, "n")
		var addrs []*Address
		for i := 0; i < n; i++ {
			ip := rapid.SliceOfN(rapid.Byte(), 4, 4).Draw(t, "ip")
			port := rapid.Uint16().Draw(t, "port")
			addr, err := NewAddress(
				Component{Code: codeIP4, Value: ip},
				Component{Code: codeTCP, Value: []byte{byte(port >> 8), byte(port)}},
			)
			if err != nil {
				t.Fatalf("NewAddress: %v", err)
			}
			addrs = append(addrs, addr)
		}

		groups := RankDials(addrs)
		var flattened []*Address
		for _, g := range groups {
			flattened = append(flattened, g.Addresses...)
		}
		if len(flattened) != len(addrs) {
			t.Fatalf("lost addresses: got %d, want %d", len(flattened), len(addrs))
		}
		// All inputs here are tcp+ipv4, i.e. a single tier, so order must be preserved exactly.
		for i := range addrs {
			if !flattened[i].Equal(addrs[i]) {
				t.Fatalf("order not stable at index %d", i)
			}
		}
	})
}

func TestRankDialsDelayConstantsPositive(t *testing.T) {
	if defaultDialRankDelay <= 0 || relayDialRankDelay <= 0 {
		t.Fatal("rank delay constants must be positive")
	}
	if relayDialRankDelay < defaultDialRankDelay {
		t.Error("relay tier should never start sooner than the default inter-tier delay")
	}
	_ = time.Millisecond
}
