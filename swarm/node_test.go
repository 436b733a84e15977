package swarm

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

// memStream adapts one net.Pipe half into a Stream.
type memStream struct {
	net.Conn
	mu       sync.Mutex
	protocol string
}

func (s *memStream) CloseWrite() error { return nil }
func (s *memStream) Protocol() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocol
}
func (s *memStream) SetProtocol(id string) {
	s.mu.Lock()
	s.protocol = id
	s.mu.Unlock()
}

// memMuxedConnection is a minimal, fully working MuxedConnection backed by
// net.Pipe-based streams, standing in for a real muxer/security stack so
// Node's own orchestration (pool admission, stream dispatch, reconnection,
// ping) can be exercised without a real transport.
type memMuxedConnection struct {
	local, remote         PeerID
	localAddr, remoteAddr *Address

	mu       sync.Mutex
	closed   bool
	incoming chan Stream
	peer     *memMuxedConnection
}

func (c *memMuxedConnection) LocalAddr() *Address  { return c.localAddr }
func (c *memMuxedConnection) RemoteAddr() *Address { return c.remoteAddr }
func (c *memMuxedConnection) LocalPeer() PeerID    { return c.local }
func (c *memMuxedConnection) RemotePeer() PeerID   { return c.remote }

func (c *memMuxedConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *memMuxedConnection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.incoming)
	c.mu.Unlock()
	return nil
}

func (c *memMuxedConnection) OpenStream(ctx context.Context) (Stream, error) {
	if c.IsClosed() {
		return nil, ErrStreamClosed
	}
	a, b := net.Pipe()
	local := &memStream{Conn: a}
	remote := &memStream{Conn: b}
	if c.peer.IsClosed() {
		local.Close()
		remote.Close()
		return nil, ErrStreamClosed
	}
	c.peer.incoming <- remote
	return local, nil
}

func (c *memMuxedConnection) AcceptStream() (Stream, error) {
	s, ok := <-c.incoming
	if !ok {
		return nil, ErrStreamClosed
	}
	return s, nil
}

// newMemMuxedPair builds two linked memMuxedConnections, as if dialer and
// listener sides of the same logical connection had each finished the
// upgrade pipeline.
func newMemMuxedPair(dialerPeer, listenerPeer PeerID, dialerAddr, listenerAddr *Address) (*memMuxedConnection, *memMuxedConnection) {
	a := &memMuxedConnection{
		local: dialerPeer, remote: listenerPeer,
		localAddr: dialerAddr, remoteAddr: listenerAddr,
		incoming: make(chan Stream, 8),
	}
	b := &memMuxedConnection{
		local: listenerPeer, remote: dialerPeer,
		localAddr: listenerAddr, remoteAddr: dialerAddr,
		incoming: make(chan Stream, 8),
	}
	a.peer, b.peer = b, a
	return a, b
}

type memListener struct {
	addr   *Address
	connCh chan RawConnection
	done   chan struct{}
	once   sync.Once
}

func (l *memListener) Accept() (RawConnection, error) {
	select {
	case c, ok := <-l.connCh:
		if !ok {
			return nil, ErrStreamClosed
		}
		return c, nil
	case <-l.done:
		return nil, ErrStreamClosed
	}
}

func (l *memListener) Addr() *Address { return l.addr }
func (l *memListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

// memRawConnection wraps a *memMuxedConnection so it also satisfies
// RawConnection, letting memTransport hand it straight to handleAccepted's
// "secured" fast path.
type memRawConnection struct {
	*memMuxedConnection
}

func (r *memRawConnection) Read(p []byte) (int, error)  { return 0, ErrStreamClosed }
func (r *memRawConnection) Write(p []byte) (int, error) { return 0, ErrStreamClosed }

// memTransport is an in-process, intrinsically-secured-and-muxed Transport:
// Dial locates the registered listener for addr's peer and hands both sides
// a ready-made MuxedConnection pair, skipping the security/muxer upgrade
// pipeline entirely (the same fast path transport/quic takes in production).
type memTransport struct {
	selfPeer PeerID
	selfAddr *Address

	mu        sync.Mutex
	listeners map[string]*memListener
}

var (
	memRegistryMu sync.Mutex
	memRegistry   = map[string]*memTransport{}
)

func newMemTransport(self PeerID, addr *Address) *memTransport {
	t := &memTransport{selfPeer: self, selfAddr: addr, listeners: make(map[string]*memListener)}
	memRegistryMu.Lock()
	memRegistry[addr.String()] = t
	memRegistryMu.Unlock()
	return t
}

func (t *memTransport) CanDial(addr *Address) bool {
	return addr.hasCode(codeMemory)
}

func (t *memTransport) Listen(addr *Address) (Listener, error) {
	l := &memListener{addr: addr, connCh: make(chan RawConnection, 4), done: make(chan struct{})}
	t.mu.Lock()
	t.listeners[addr.String()] = l
	t.mu.Unlock()
	return l, nil
}

func (t *memTransport) Dial(ctx context.Context, addr *Address) (RawConnection, error) {
	memRegistryMu.Lock()
	target, ok := memRegistry[addr.String()]
	memRegistryMu.Unlock()
	if !ok {
		return nil, NoSuitableTransport(addr)
	}
	target.mu.Lock()
	l, ok := target.listeners[addr.String()]
	target.mu.Unlock()
	if !ok {
		return nil, NoSuitableTransport(addr)
	}

	dialSide, listenSide := newMemMuxedPair(t.selfPeer, target.selfPeer, t.selfAddr, addr)
	select {
	case l.connCh <- &memRawConnection{listenSide}:
	case <-l.done:
		return nil, ErrStreamClosed
	}
	return &memRawConnection{dialSide}, nil
}

func (t *memTransport) IntrinsicallySecured() bool { return true }
func (t *memTransport) IntrinsicallyMuxed() bool   { return true }

var memAddrCounter int

func nextMemAddr(t *testing.T) *Address {
	t.Helper()
	memAddrCounter++
	addr, err := ParseAddress(fmt.Sprintf("/memory/node-%d", memAddrCounter))
	if err != nil {
		t.Fatalf("ParseAddress: %v", err)
	}
	return addr
}

// testNode builds a Node wired to an in-process memTransport, registered
// under its own listen address, with a ping handler installed.
func testNode(t *testing.T, clk clock.Clock) (*Node, *Address) {
	t.Helper()
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	addr := nextMemAddr(t)
	transport := newMemTransport(PeerIDFromPublicKeyMust(t, kp), addr)

	generous := ScopeLimits{
		InboundConnections: 64, OutboundConnections: 64,
		InboundStreams: 64, OutboundStreams: 64,
	}
	n, err := NewNode(NodeConfiguration{
		KeyPair:         kp,
		ListenAddresses: []*Address{addr},
		Transports:      []Transport{transport},
		Pool:            PoolConfig{HighWatermark: 64, MaxPerPeer: 4},
		ResourceManager: &ResourceManagerConfig{System: generous, DefaultPeer: generous, DefaultProto: generous},
		Services: map[string]StreamHandler{
			PingProtocolID: pingEchoHandler,
		},
		Clock: clk,
	})
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	return n, addr
}

func PeerIDFromPublicKeyMust(t *testing.T, kp *KeyPair) PeerID {
	t.Helper()
	id, err := PeerIDFromPublicKey(kp.Public)
	if err != nil {
		t.Fatalf("PeerIDFromPublicKey: %v", err)
	}
	return id
}

func pingEchoHandler(ctx context.Context, sc StreamContext) {
	buf := make([]byte, PingPayloadSize)
	if _, err := readFullStream(sc.Stream, buf); err != nil {
		return
	}
	sc.Stream.Write(buf)
}

func startNode(t *testing.T, n *Node) {
	t.Helper()
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		n.Shutdown(ctx)
	})
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met before timeout")
	}
}

func TestNodeConnectAddressEstablishesConnection(t *testing.T) {
	clk := clock.NewMock()
	a, _ := testNode(t, clk)
	b, bAddr := testNode(t, clk)
	startNode(t, a)
	startNode(t, b)

	mc, err := a.ConnectAddress(context.Background(), bAddr)
	if err != nil {
		t.Fatalf("ConnectAddress: %v", err)
	}
	if mc.Peer != b.LocalPeer() {
		t.Fatalf("connected peer = %v, want %v", mc.Peer, b.LocalPeer())
	}

	waitUntil(t, time.Second, func() bool { return b.pool.IsConnected(a.LocalPeer()) })
	if !a.pool.IsConnected(b.LocalPeer()) {
		t.Fatal("dialer's pool does not show the connection")
	}
}

func TestNodeConnectAddressRejectsSelfDial(t *testing.T) {
	clk := clock.NewMock()
	a, aAddr := testNode(t, clk)
	startNode(t, a)

	self := aAddr.String() + "/p2p/" + a.LocalPeer().String()
	selfAddr, err := ParseAddress(self)
	if err != nil {
		t.Fatalf("ParseAddress: %v", err)
	}
	if _, err := a.ConnectAddress(context.Background(), selfAddr); err != ErrSelfDialNotAllowed {
		t.Fatalf("expected ErrSelfDialNotAllowed, got %v", err)
	}
}

func TestNodePingPeerRoundTrips(t *testing.T) {
	clk := clock.NewMock()
	a, _ := testNode(t, clk)
	b, bAddr := testNode(t, clk)
	startNode(t, a)
	startNode(t, b)

	if _, err := a.ConnectAddress(context.Background(), bAddr); err != nil {
		t.Fatalf("ConnectAddress: %v", err)
	}
	waitUntil(t, time.Second, func() bool { return b.pool.IsConnected(a.LocalPeer()) })

	if err := a.PingPeer(context.Background(), b.LocalPeer()); err != nil {
		t.Fatalf("PingPeer: %v", err)
	}
}

func TestNodeNewStreamFailsWhenNotConnected(t *testing.T) {
	clk := clock.NewMock()
	a, _ := testNode(t, clk)
	startNode(t, a)

	other, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	otherPeer, err := PeerIDFromPublicKey(other.Public)
	if err != nil {
		t.Fatalf("PeerIDFromPublicKey: %v", err)
	}
	if _, err := a.NewStream(context.Background(), otherPeer, PingProtocolID); err == nil {
		t.Fatal("expected an error opening a stream to an unconnected peer")
	}
}

func TestNodeConnectedPeersReflectsPool(t *testing.T) {
	clk := clock.NewMock()
	a, _ := testNode(t, clk)
	b, bAddr := testNode(t, clk)
	startNode(t, a)
	startNode(t, b)

	if _, err := a.ConnectAddress(context.Background(), bAddr); err != nil {
		t.Fatalf("ConnectAddress: %v", err)
	}
	waitUntil(t, time.Second, func() bool { return len(a.ConnectedPeers()) == 1 })

	peers := a.ConnectedPeers()
	if len(peers) != 1 || peers[0] != b.LocalPeer() {
		t.Fatalf("ConnectedPeers() = %v, want [%v]", peers, b.LocalPeer())
	}
}

func TestNodeEventsEmitsPeerConnected(t *testing.T) {
	clk := clock.NewMock()
	a, _ := testNode(t, clk)
	b, bAddr := testNode(t, clk)
	events := a.Events()
	startNode(t, a)
	startNode(t, b)

	if _, err := a.ConnectAddress(context.Background(), bAddr); err != nil {
		t.Fatalf("ConnectAddress: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == EventPeerConnected && ev.Peer == b.LocalPeer() {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for EventPeerConnected")
		}
	}
}

func TestNodeShutdownIsIdempotentAndClosesConnections(t *testing.T) {
	clk := clock.NewMock()
	a, _ := testNode(t, clk)
	b, bAddr := testNode(t, clk)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := a.ConnectAddress(context.Background(), bAddr); err != nil {
		t.Fatalf("ConnectAddress: %v", err)
	}
	waitUntil(t, time.Second, func() bool { return b.pool.IsConnected(a.LocalPeer()) })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if a.pool.IsConnected(b.LocalPeer()) {
		t.Fatal("pool still reports the peer connected after Shutdown")
	}

	b.Shutdown(ctx)
}

func TestNodeStartTwiceIsNoop(t *testing.T) {
	clk := clock.NewMock()
	a, _ := testNode(t, clk)
	startNode(t, a)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
}
