package autonatv2

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/shurlinet/swarmcore/swarm"
)

// defaultCooldown is the minimum spacing between requests to the same
// server.
const defaultCooldown = 30 * time.Second

// defaultCheckTimeout bounds how long a single dial-back check waits for
// either a DialResponse or a DialBack delivery.
const defaultCheckTimeout = 60 * time.Second

// majorityThreshold is the minimum sample count before a majority verdict
// is trusted.
const majorityThreshold = 3

// StreamOpener opens an outbound stream to server and negotiates
// protocolID, mirroring Node.NewStream without depending on swarm.Node
// directly (keeps this package testable against a fake peer).
type StreamOpener func(ctx context.Context, server swarm.PeerID, protocolID string) (swarm.Stream, error)

// ClientConfig tunes the AutoNAT v2 client.
type ClientConfig struct {
	Cooldown     time.Duration
	CheckTimeout time.Duration
}

// DefaultClientConfig returns conservative client-side defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{Cooldown: defaultCooldown, CheckTimeout: defaultCheckTimeout}
}

type pendingCheck struct {
	address   *swarm.Address
	nonce     uint64
	timestamp time.Time
	result    chan DialBack
}

// Client runs outbound reachability checks against AutoNAT v2 servers.
type Client struct {
	cfg   ClientConfig
	clock clock.Clock
	open  StreamOpener

	reachabilityChanged func(Reachability)

	mu            sync.Mutex
	cooldowns     map[swarm.PeerID]time.Time
	pendingByNonce map[uint64]*pendingCheck
	samplesPublic  int
	samplesOther   int
	verdict        Reachability
}

// NewClient creates a Client. reachabilityChanged, if non-nil, is invoked
// (never concurrently) whenever the majority verdict changes.
func NewClient(cfg ClientConfig, clk clock.Clock, open StreamOpener, reachabilityChanged func(Reachability)) *Client {
	if clk == nil {
		clk = clock.New()
	}
	return &Client{
		cfg:                  cfg,
		clock:                clk,
		open:                 open,
		reachabilityChanged:  reachabilityChanged,
		cooldowns:            make(map[swarm.PeerID]time.Time),
		pendingByNonce:       make(map[uint64]*pendingCheck),
	}
}

func randomNonce() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// RequestCheck asks server to dial address back, verifying the delivered
// nonce matches.
func (c *Client) RequestCheck(ctx context.Context, server swarm.PeerID, address *swarm.Address) (Reachability, error) {
	c.mu.Lock()
	if until, ok := c.cooldowns[server]; ok && c.clock.Now().Before(until) {
		c.mu.Unlock()
		return ReachabilityUnknown, fmt.Errorf("autonatv2: server %s is in cooldown", server)
	}
	c.cooldowns[server] = c.clock.Now().Add(c.cfg.Cooldown)
	c.mu.Unlock()

	nonce, err := randomNonce()
	if err != nil {
		return ReachabilityUnknown, err
	}
	pc := &pendingCheck{address: address, nonce: nonce, timestamp: c.clock.Now(), result: make(chan DialBack, 1)}
	c.mu.Lock()
	c.pendingByNonce[nonce] = pc
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pendingByNonce, nonce)
		c.mu.Unlock()
	}()

	checkCtx, cancel := context.WithTimeout(ctx, c.cfg.CheckTimeout)
	defer cancel()

	stream, err := c.open(checkCtx, server, DialRequestProtocolID)
	if err != nil {
		return ReachabilityUnknown, fmt.Errorf("autonatv2: opening dial-request stream: %w", err)
	}
	defer stream.Close()

	reqBytes := EncodeDialRequest(DialRequest{Address: address, Nonce: nonce})
	if _, err := stream.Write(reqBytes); err != nil {
		return ReachabilityUnknown, fmt.Errorf("autonatv2: sending dial request: %w", err)
	}

	respBytes := make([]byte, 4096)
	nRead, err := stream.Read(respBytes)
	if err != nil && nRead == 0 {
		return ReachabilityUnknown, fmt.Errorf("autonatv2: reading dial response: %w", err)
	}
	_, body, err := DecodeRecord(respBytes[:nRead])
	if err != nil {
		return ReachabilityUnknown, err
	}
	resp, err := DecodeDialResponse(body)
	if err != nil {
		return ReachabilityUnknown, err
	}

	var verdict Reachability
	switch resp.Status {
	case StatusOK:
		verdict = ReachabilityPublic
	case StatusDialError, StatusDialBackError:
		verdict = ReachabilityPrivateOnly
	default:
		slog.Warn("autonatv2: check failed", "server", server, "status", resp.Status)
		return ReachabilityUnknown, fmt.Errorf("autonatv2: server rejected check: %s", resp.Status)
	}

	select {
	case db := <-pc.result:
		if db.Nonce != nonce {
			return ReachabilityUnknown, fmt.Errorf("autonatv2: dial-back nonce mismatch")
		}
	case <-checkCtx.Done():
		// No dial-back delivered in time; still trust the DialResponse
		// status, since a genuine public dial-back races independently.
	default:
	}

	c.recordSample(verdict)
	return verdict, nil
}

// DeliverDialBack is called by the dial-back stream handler when a server
// connects back and sends a DialBack record. A nonce not in the pending set
// is silently dropped.
func (c *Client) DeliverDialBack(db DialBack) {
	c.mu.Lock()
	pc, ok := c.pendingByNonce[db.Nonce]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case pc.result <- db:
	default:
	}
}

// CleanupExpiredChecks removes pending checks older than CheckTimeout.
func (c *Client) CleanupExpiredChecks() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	for nonce, pc := range c.pendingByNonce {
		if now.Sub(pc.timestamp) > c.cfg.CheckTimeout {
			delete(c.pendingByNonce, nonce)
		}
	}
}

func (c *Client) recordSample(verdict Reachability) {
	c.mu.Lock()
	if verdict == ReachabilityPublic {
		c.samplesPublic++
	} else {
		c.samplesOther++
	}
	total := c.samplesPublic + c.samplesOther
	var newVerdict Reachability
	changed := false
	if total >= majorityThreshold {
		if c.samplesPublic > c.samplesOther {
			newVerdict = ReachabilityPublic
		} else {
			newVerdict = ReachabilityPrivateOnly
		}
		if newVerdict != c.verdict {
			c.verdict = newVerdict
			changed = true
		}
	}
	cb := c.reachabilityChanged
	c.mu.Unlock()

	if changed && cb != nil {
		cb(newVerdict)
	}
}

// Verdict returns the current majority reachability verdict.
func (c *Client) Verdict() Reachability {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.verdict
}
