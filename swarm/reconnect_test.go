package swarm

import (
	"testing"
	"time"
)

func TestDisconnectReasonRetriable(t *testing.T) {
	retriable := []DisconnectReason{ReasonRemoteClose, ReasonIdleTimeout, ReasonTransportError, ReasonProtocolError}
	for _, r := range retriable {
		if !r.Retriable() {
			t.Errorf("%v should be retriable", r)
		}
	}
	notRetriable := []DisconnectReason{ReasonLocalClose, ReasonGated, ReasonLimitExceeded, ReasonSelfDial, ReasonPeerIDMismatch}
	for _, r := range notRetriable {
		if r.Retriable() {
			t.Errorf("%v should not be retriable", r)
		}
	}
}

func TestReconnectionPolicyShouldReconnectHonorsMaxRetries(t *testing.T) {
	rp := NewReconnectionPolicy(ReconnectionPolicyConfig{MaxRetries: 3})
	if !rp.ShouldReconnect(3, ReasonRemoteClose) {
		t.Error("expected attempt 3 to be allowed at MaxRetries=3")
	}
	if rp.ShouldReconnect(4, ReasonRemoteClose) {
		t.Error("expected attempt 4 to be rejected at MaxRetries=3")
	}
	if rp.ShouldReconnect(1, ReasonLocalClose) {
		t.Error("expected a non-retriable reason to never reconnect")
	}
}

func TestReconnectionPolicyDelayGrowsAndCaps(t *testing.T) {
	rp := NewReconnectionPolicy(ReconnectionPolicyConfig{
		BaseDelay:  time.Second,
		Multiplier: 2,
		MaxDelay:   10 * time.Second,
	})
	d1 := rp.Delay(1)
	d2 := rp.Delay(2)
	d3 := rp.Delay(3)
	if d1 != time.Second {
		t.Errorf("Delay(1) = %v, want %v", d1, time.Second)
	}
	if d2 != 2*time.Second {
		t.Errorf("Delay(2) = %v, want %v", d2, 2*time.Second)
	}
	if d3 != 4*time.Second {
		t.Errorf("Delay(3) = %v, want %v", d3, 4*time.Second)
	}
	d10 := rp.Delay(10)
	if d10 != 10*time.Second {
		t.Errorf("Delay(10) = %v, want the cap %v", d10, 10*time.Second)
	}
}

func TestReconnectionPolicyJitterStaysNonNegative(t *testing.T) {
	rp := NewReconnectionPolicy(ReconnectionPolicyConfig{
		BaseDelay:      time.Second,
		Multiplier:     2,
		JitterFraction: 1.0,
		MaxDelay:       time.Minute,
	})
	for attempt := 1; attempt <= 5; attempt++ {
		if d := rp.Delay(attempt); d < 0 {
			t.Errorf("Delay(%d) = %v, must never be negative", attempt, d)
		}
	}
}

func TestReconnectionPolicyResetsRetryCount(t *testing.T) {
	rp := NewReconnectionPolicy(ReconnectionPolicyConfig{StableThreshold: 30 * time.Second})
	if rp.ResetsRetryCount(10 * time.Second) {
		t.Error("expected a short-lived connection not to reset the retry count")
	}
	if !rp.ResetsRetryCount(31 * time.Second) {
		t.Error("expected a connection that outlived the stable threshold to reset the retry count")
	}
}

func TestReconnectionPolicyMaxRetries(t *testing.T) {
	rp := NewReconnectionPolicy(ReconnectionPolicyConfig{MaxRetries: 7})
	if rp.MaxRetries() != 7 {
		t.Errorf("MaxRetries() = %d, want 7", rp.MaxRetries())
	}
}
