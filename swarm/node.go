package swarm

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// StreamContext is handed to a registered protocol handler for each inbound
// stream after successful negotiation.
type StreamContext struct {
	Stream        Stream
	RemotePeer    PeerID
	RemoteAddress *Address
	LocalPeer     PeerID
	LocalAddress  *Address
}

// StreamHandler processes one negotiated inbound stream. The Node closes
// the stream if the handler returns; long-lived protocols should block for
// their own lifetime.
type StreamHandler func(ctx context.Context, sc StreamContext)

// NodeConfiguration is the Node's immutable construction input. Every field is read once at construction; nothing here is
// mutated afterwards.
type NodeConfiguration struct {
	KeyPair         *KeyPair
	ListenAddresses []*Address
	Transports      []Transport
	Security        []SecurityUpgrader
	Muxers          []Muxer

	Pool               PoolConfig
	HealthCheck        *HealthMonitorConfig
	Reconnection       *ReconnectionPolicyConfig
	ResourceManager    *ResourceManagerConfig
	Gater              ConnectionGater
	AddressBook        AddressBook

	IdleTimeout         time.Duration
	StaleEntryThreshold time.Duration
	MaxMessageSize      int

	Services map[string]StreamHandler

	Clock clock.Clock
}

type boundListener struct {
	listener Listener
	addr     *Address
	secured  bool // true when the owning transport is already secured+muxed
}

// Node is the public surface wiring every subsystem together: the
// Connection Pool, the Upgrade Pipeline, the Smart Dialer, the Dial
// Backoff, the Resource Manager, the Health Monitor, the Observed Address
// Manager, and the event stream.
type Node struct {
	cfg   NodeConfiguration
	clock clock.Clock

	localPeer PeerID
	pool      *ConnectionPool
	upgrader  *Upgrader
	dialer    *SmartDialer
	backoff   *DialBackoff
	resources *ResourceManager
	health    *HealthMonitor
	observed  *ObservedAddressManager
	events    *EventStream
	reconnect *ReconnectionPolicy
	gater     ConnectionGater
	addrBook  AddressBook

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	listeners []*boundListener
	advertise []*Address
}

// NewNode validates cfg and wires up every subsystem, but does not start
// any background task or bind any listener; call Start for that.
func NewNode(cfg NodeConfiguration) (*Node, error) {
	if cfg.KeyPair == nil {
		return nil, fmt.Errorf("swarm: NodeConfiguration.KeyPair is required")
	}
	if len(cfg.Transports) == 0 {
		return nil, fmt.Errorf("swarm: NodeConfiguration.Transports must be non-empty")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}

	gater := cfg.Gater
	if gater == nil {
		gater = AllowAllGater{}
	}
	upgrader, err := NewUpgrader(cfg.Security, cfg.Muxers, gater)
	if err != nil {
		// Transports that are intrinsically secured (e.g. QUIC) may mean no
		// security/muxer upgraders are configured at all; that's only an
		// error if at least one configured transport actually needs the
		// pipeline.
		needsUpgrade := false
		for _, t := range cfg.Transports {
			if st, ok := t.(SecuredTransport); !ok || !(st.IntrinsicallySecured() && st.IntrinsicallyMuxed()) {
				needsUpgrade = true
			}
		}
		if needsUpgrade {
			return nil, err
		}
	}

	addrBook := cfg.AddressBook
	if addrBook == nil {
		addrBook = newMemoryAddressBook()
	}

	rmCfg := ResourceManagerConfig{}
	if cfg.ResourceManager != nil {
		rmCfg = *cfg.ResourceManager
	}

	healthCfg := DefaultHealthMonitorConfig()
	if cfg.HealthCheck != nil {
		healthCfg = *cfg.HealthCheck
	}

	reconnectCfg := DefaultReconnectionPolicyConfig()
	if cfg.Reconnection != nil {
		reconnectCfg = *cfg.Reconnection
	}

	localPeer, err := PeerIDFromPublicKey(cfg.KeyPair.Public)
	if err != nil {
		return nil, fmt.Errorf("swarm: deriving local peer id: %w", err)
	}

	n := &Node{
		cfg:       cfg,
		clock:     clk,
		localPeer: localPeer,
		pool:      NewConnectionPool(cfg.Pool, clk),
		upgrader:  upgrader,
		dialer:    NewSmartDialer(DefaultSmartDialerConfig()),
		backoff:   NewDialBackoff(clk),
		resources: NewResourceManager(rmCfg),
		observed:  NewObservedAddressManager(0),
		events:    NewEventStream(),
		reconnect: NewReconnectionPolicy(reconnectCfg),
		gater:     gater,
		addrBook:  addrBook,
	}
	n.health = NewHealthMonitor(healthCfg, clk, n.onHealthCheckFailed)
	n.health.Bind(n)
	return n, nil
}

// LocalPeer returns this node's own PeerID.
func (n *Node) LocalPeer() PeerID { return n.localPeer }

// Events returns the subscription channel for this node's event stream.
func (n *Node) Events() <-chan Event { return n.events.Subscribe() }

func (n *Node) maxMessageSize() int {
	if n.cfg.MaxMessageSize > 0 {
		return n.cfg.MaxMessageSize
	}
	return defaultMaxMessageSize
}

// Start binds every configured listen address, launches the health monitor
// and the idle-check task, and begins accepting connections.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.running = true
	n.mu.Unlock()

	bound := 0
	for _, addr := range n.cfg.ListenAddresses {
		bl, err := n.bindListener(addr)
		if err != nil {
			slog.Warn("node: listen failed", "address", addr, "error", err)
			n.events.Emit(Event{Kind: EventListenError, Addr: addr, Err: err})
			continue
		}
		bound++
		n.mu.Lock()
		n.listeners = append(n.listeners, bl)
		n.mu.Unlock()
		n.wg.Add(1)
		go n.acceptLoop(ctx, bl)
	}
	if bound == 0 && len(n.cfg.ListenAddresses) > 0 {
		n.running = false
		cancel()
		return ErrNoListenersBound
	}

	n.advertise = resolveAdvertiseAddresses(n.listeners)

	n.health.Start(ctx)

	if n.cfg.IdleTimeout > 0 {
		n.wg.Add(1)
		go n.idleCheckLoop(ctx)
	}

	return nil
}

func (n *Node) bindListener(addr *Address) (*boundListener, error) {
	for _, t := range n.cfg.Transports {
		if !t.CanDial(addr) {
			continue
		}
		l, err := t.Listen(addr)
		if err != nil {
			return nil, err
		}
		secured := false
		if st, ok := t.(SecuredTransport); ok {
			secured = st.IntrinsicallySecured() && st.IntrinsicallyMuxed()
		}
		return &boundListener{listener: l, addr: addr, secured: secured}, nil
	}
	return nil, NoSuitableTransport(addr)
}

// resolveAdvertiseAddresses resolves unspecified listen IPs (0.0.0.0, ::) to
// concrete interface addresses usable for advertising this node.
func resolveAdvertiseAddresses(listeners []*boundListener) []*Address {
	var out []*Address
	for _, bl := range listeners {
		if !isUnspecifiedListenAddr(bl.addr) {
			out = append(out, bl.addr)
			continue
		}
		ifaceAddrs, err := discoverGlobalInterfaceAddresses(bl.addr.IsIPv6())
		if err != nil {
			continue
		}
		out = append(out, ifaceAddrs...)
	}
	return out
}

func isUnspecifiedListenAddr(addr *Address) bool {
	for _, c := range addr.Components() {
		if c.Code == codeIP4 {
			return len(c.Value) == 4 && c.Value[0] == 0 && c.Value[1] == 0 && c.Value[2] == 0 && c.Value[3] == 0
		}
		if c.Code == codeIP6 {
			for _, b := range c.Value {
				if b != 0 {
					return false
				}
			}
			return true
		}
	}
	return false
}

// discoverGlobalInterfaceAddresses lists this host's non-loopback, global
// unicast addresses of the requested family.
func discoverGlobalInterfaceAddresses(ipv6 bool) ([]*Address, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	var out []*Address
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || !ipNet.IP.IsGlobalUnicast() {
			continue
		}
		is4 := ipNet.IP.To4() != nil
		if ipv6 == is4 {
			continue
		}
		var comp Component
		if is4 {
			comp = Component{Code: codeIP4, Value: ipNet.IP.To4()}
		} else {
			comp = Component{Code: codeIP6, Value: ipNet.IP.To16()}
		}
		addr, err := NewAddress(comp)
		if err != nil {
			continue
		}
		out = append(out, addr)
	}
	return out, nil
}

// AdvertisedAddresses returns the set of addresses discovery should
// announce for this node.
func (n *Node) AdvertisedAddresses() []*Address {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*Address, len(n.advertise))
	copy(out, n.advertise)
	return out
}

func (n *Node) acceptLoop(ctx context.Context, bl *boundListener) {
	defer n.wg.Done()
	for {
		raw, err := bl.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			slog.Warn("node: accept failed", "address", bl.addr, "error", err)
			n.events.Emit(Event{Kind: EventListenError, Addr: bl.addr, Err: err})
			continue
		}
		n.wg.Add(1)
		go n.handleAccepted(ctx, raw, bl.secured)
	}
}

func (n *Node) handleAccepted(ctx context.Context, raw RawConnection, secured bool) {
	defer n.wg.Done()

	if !n.gater.InterceptAccept(raw.RemoteAddr()) {
		raw.Close()
		n.events.Emit(Event{Kind: EventConnection, ConnKind: ConnGated, Addr: raw.RemoteAddr()})
		return
	}
	if !n.pool.CanAcceptInbound() {
		raw.Close()
		return
	}

	if secured {
		muxed, ok := raw.(MuxedConnection)
		if !ok {
			raw.Close()
			n.events.Emit(Event{Kind: EventConnectionError, Err: ProtocolViolation("secured transport connection is not a MuxedConnection")})
			return
		}
		n.admitMuxedConnection(ctx, muxed, DirectionInbound, false, nil)
		return
	}

	muxed, err := n.upgrader.UpgradeInbound(ctx, raw)
	if err != nil {
		slog.Warn("node: inbound upgrade failed", "error", err)
		n.events.Emit(Event{Kind: EventConnectionError, Err: err})
		return
	}
	n.admitMuxedConnection(ctx, muxed, DirectionInbound, false, nil)
}

// admitMuxedConnection inserts a freshly upgraded connection into the pool,
// resolves simultaneous connects, starts the inbound stream dispatcher
// before emitting peerConnected, and records dial success.
func (n *Node) admitMuxedConnection(ctx context.Context, muxed MuxedConnection, dir Direction, isLimited bool, connectingID *ConnectionID) {
	remote := muxed.RemotePeer()

	if !n.gater.InterceptSecured(stageFor(dir), remote, muxed.RemoteAddr()) {
		muxed.Close()
		n.events.Emit(Event{Kind: EventConnection, ConnKind: ConnGated, Peer: remote})
		return
	}
	if !n.pool.CanConnectTo(remote) {
		muxed.Close()
		n.events.Emit(Event{Kind: EventConnectionError, Peer: remote, Err: ErrConnectionLimitReached})
		return
	}

	var resv *Reservation
	var err error
	if dir == DirectionInbound {
		resv, err = n.resources.ReserveInboundConnection(remote)
	} else {
		resv, err = n.resources.ReserveOutboundConnection(remote)
	}
	if err != nil {
		muxed.Close()
		n.events.Emit(Event{Kind: EventConnectionError, Peer: remote, Err: err})
		return
	}

	wasConnected := n.pool.IsConnected(remote)

	var id ConnectionID
	if connectingID != nil {
		id = *connectingID
		n.pool.UpdateConnection(id, muxed)
	} else {
		id = n.pool.Add(muxed, remote, muxed.RemoteAddr(), dir, isLimited)
	}

	for _, loser := range n.pool.ResolveSimultaneousConnect(n.localPeer, remote) {
		if loser.Connection != nil {
			loser.Connection.Close()
		}
	}

	n.backoff.RecordSuccess(remote)

	n.wg.Add(1)
	go n.streamDispatchLoop(ctx, id, muxed)

	if !wasConnected {
		n.events.Emit(Event{Kind: EventPeerConnected, Peer: remote})
		n.events.Emit(Event{Kind: EventConnection, ConnKind: ConnConnected, Peer: remote, ConnID: id})
	}

	_ = resv // released when the connection's managing goroutine tears it down
}

func stageFor(dir Direction) DialStage {
	if dir == DirectionInbound {
		return StageAccept
	}
	return StageDial
}

// ConnectAddress dials a single address directly, joining any already
// in-flight dial to the same embedded peer id.
func (n *Node) ConnectAddress(ctx context.Context, addr *Address) (*ManagedConnection, error) {
	targetPeer, hasPeer := addr.ExtractPeerID()
	if hasPeer && targetPeer == n.localPeer {
		return nil, ErrSelfDialNotAllowed
	}
	if !n.gater.InterceptDial(addr) {
		return nil, ConnectionGated(StageDial)
	}

	if hasPeer {
		if pd, joined := n.pool.RegisterPendingDial(targetPeer); joined {
			<-pd.Done
			return pd.Result()
		}
		defer n.pool.RemovePendingDial(targetPeer)
	}

	if hasPeer && !n.pool.CanDialOutbound(targetPeer) {
		return nil, ErrConnectionLimitReached
	}

	result, err := n.dialOne(ctx, addr, targetPeer)
	if hasPeer {
		if pd, ok := n.pool.PendingDialFor(targetPeer); ok {
			pd.Resolve(result, err)
		}
	}
	return result, err
}

func (n *Node) dialOne(ctx context.Context, addr *Address, expectedPeer PeerID) (*ManagedConnection, error) {
	var chosen Transport
	for _, t := range n.cfg.Transports {
		if t.CanDial(addr) {
			chosen = t
			break
		}
	}
	if chosen == nil {
		return nil, NoSuitableTransport(addr)
	}

	if st, ok := chosen.(SecuredTransport); ok && st.IntrinsicallySecured() && st.IntrinsicallyMuxed() {
		raw, err := st.Dial(ctx, addr)
		if err != nil {
			n.backoff.RecordFailure(expectedPeer)
			return nil, err
		}
		mc, ok := raw.(MuxedConnection)
		if !ok {
			raw.Close()
			return nil, ProtocolViolation("secured transport did not yield a muxed connection")
		}
		if expectedPeer != "" && mc.RemotePeer() != expectedPeer {
			mc.Close()
			return nil, ErrPeerIDMismatch
		}
		n.admitMuxedConnection(ctx, mc, DirectionOutbound, false, nil)
		return n.lookupJustAdmitted(mc.RemotePeer())
	}

	raw, err := chosen.Dial(ctx, addr)
	if err != nil {
		n.backoff.RecordFailure(expectedPeer)
		return nil, err
	}
	muxed, err := n.upgrader.UpgradeOutbound(ctx, raw, expectedPeer)
	if err != nil {
		n.backoff.RecordFailure(expectedPeer)
		return nil, err
	}
	n.admitMuxedConnection(ctx, muxed, DirectionOutbound, false, nil)
	return n.lookupJustAdmitted(muxed.RemotePeer())
}

func (n *Node) lookupJustAdmitted(peer PeerID) (*ManagedConnection, error) {
	for id := range n.pool.byPeerSnapshot(peer) {
		if m, ok := n.pool.Entry(id); ok && m.State == StateConnected {
			return m, nil
		}
	}
	return nil, NotConnected(peer)
}

// ConnectPeer resolves addresses for peer from the configured AddressBook
// and dials them in order, joining any in-flight dial.
func (n *Node) ConnectPeer(ctx context.Context, peer PeerID) (*ManagedConnection, error) {
	if peer == n.localPeer {
		return nil, ErrSelfDialNotAllowed
	}
	if n.pool.IsConnected(peer) {
		if mc, ok := n.pool.Connection(peer); ok {
			return n.lookupJustAdmitted(mc.RemotePeer())
		}
	}
	addrs := n.addrBook.SortedAddresses(peer)
	if len(addrs) == 0 {
		return nil, NoAddressesKnown(peer)
	}
	if n.backoff.ShouldBackOff(peer) {
		return nil, NotConnected(peer)
	}

	var lastErr error
	for _, addr := range addrs {
		mc, err := n.ConnectAddress(ctx, addr)
		if err == nil {
			n.addrBook.RecordSuccess(peer, addr)
			return mc, nil
		}
		n.addrBook.RecordFailure(peer, addr)
		lastErr = err
	}
	return nil, lastErr
}

// NewStream opens a fresh muxed stream to peer and negotiates protocolID on
// it.
func (n *Node) NewStream(ctx context.Context, peer PeerID, protocolID string) (Stream, error) {
	muxed, ok := n.pool.Connection(peer)
	if !ok {
		return nil, NotConnected(peer)
	}
	resv, err := n.resources.ReserveOutboundStream(peer, protocolID)
	if err != nil {
		return nil, err
	}
	stream, err := muxed.OpenStream(ctx)
	if err != nil {
		resv.Release()
		return nil, fmt.Errorf("swarm: opening stream: %w", err)
	}
	result, err := NegotiateInitiatorLazy(stream, []string{protocolID}, n.maxMessageSize())
	if err != nil {
		stream.Close()
		resv.Release()
		return nil, err
	}
	stream.SetProtocol(result.Protocol)
	return newReservedStream(stream, resv, result.Remainder), nil
}

func (n *Node) streamDispatchLoop(ctx context.Context, id ConnectionID, muxed MuxedConnection) {
	defer n.wg.Done()
	for {
		stream, err := muxed.AcceptStream()
		if err != nil {
			n.handleConnectionDown(id, muxed, ReasonRemoteClose)
			return
		}
		n.pool.IncStreams(id)
		n.wg.Add(1)
		go n.dispatchInboundStream(ctx, id, muxed, stream)
	}
}

func (n *Node) dispatchInboundStream(ctx context.Context, id ConnectionID, muxed MuxedConnection, stream Stream) {
	defer n.wg.Done()
	defer n.pool.DecStreams(id)

	remote := muxed.RemotePeer()
	protocolIDs := make([]string, 0, len(n.cfg.Services))
	for protoID := range n.cfg.Services {
		protocolIDs = append(protocolIDs, protoID)
	}

	resv, err := n.resources.ReserveInboundStream(remote, "")
	if err != nil {
		stream.Close()
		return
	}
	defer resv.Release()

	result, err := NegotiateResponder(stream, protocolIDs, n.maxMessageSize())
	if err != nil {
		stream.Close()
		return
	}
	handler, ok := n.cfg.Services[result.Protocol]
	if !ok {
		stream.Close()
		return
	}
	stream.SetProtocol(result.Protocol)
	wrapped := newReservedStream(stream, nil, result.Remainder)
	handler(ctx, StreamContext{
		Stream:        wrapped,
		RemotePeer:    remote,
		RemoteAddress: muxed.RemoteAddr(),
		LocalPeer:     n.localPeer,
		LocalAddress:  muxed.LocalAddr(),
	})
}

func (n *Node) handleConnectionDown(id ConnectionID, muxed MuxedConnection, reason DisconnectReason) {
	entry, ok := n.pool.Entry(id)
	if !ok {
		return
	}
	remote := entry.Peer
	wasConnected := n.pool.IsConnected(remote)
	n.pool.Remove(id)
	muxed.Close()

	stillConnected := n.pool.IsConnected(remote)
	if wasConnected && !stillConnected {
		n.events.Emit(Event{Kind: EventPeerDisconnected, Peer: remote})
	}
	n.events.Emit(Event{Kind: EventConnection, ConnKind: ConnDisconnected, Peer: remote, Reason: reason})

	if entry.ReconnectAddress != nil && n.localPeer.Less(remote) && reason.Retriable() {
		n.scheduleReconnect(remote, entry.ReconnectAddress, entry.RetryCount+1)
	}
}

func (n *Node) scheduleReconnect(peer PeerID, addr *Address, attempt int) {
	if !n.reconnect.ShouldReconnect(attempt, ReasonRemoteClose) {
		n.events.Emit(Event{Kind: EventConnection, ConnKind: ConnReconnectionFailed, Peer: peer, Attempt: attempt})
		return
	}
	delay := n.reconnect.Delay(attempt)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		timer := n.clock.Timer(delay)
		defer timer.Stop()
		<-timer.C
		n.events.Emit(Event{Kind: EventConnection, ConnKind: ConnReconnecting, Peer: peer, Attempt: attempt})
		ctx := context.Background()
		if _, err := n.ConnectAddress(ctx, addr); err != nil {
			n.events.Emit(Event{Kind: EventConnection, ConnKind: ConnReconnectionFailed, Peer: peer, Attempt: attempt})
			return
		}
		n.events.Emit(Event{Kind: EventConnection, ConnKind: ConnReconnected, Peer: peer, Attempt: attempt})
	}()
}

func (n *Node) idleCheckLoop(ctx context.Context) {
	defer n.wg.Done()
	ticker := n.clock.Ticker(n.cfg.IdleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.runIdleCheck()
		}
	}
}

func (n *Node) runIdleCheck() {
	for _, m := range n.pool.IdleConnections(n.cfg.IdleTimeout) {
		if m.Connection != nil {
			m.Connection.Close()
		}
		n.pool.Remove(m.ID)
		n.events.Emit(Event{Kind: EventConnection, ConnKind: ConnDisconnected, Peer: m.Peer, Reason: ReasonIdleTimeout})
		n.events.Emit(Event{Kind: EventPeerDisconnected, Peer: m.Peer})
	}

	report, removed := n.pool.TrimIfNeeded()
	if report.Constrained() {
		n.events.Emit(Event{Kind: EventConnection, ConnKind: ConnTrimConstrained, Report: report})
	}
	for _, m := range removed {
		if m.Connection != nil {
			m.Connection.Close()
		}
		n.events.Emit(Event{Kind: EventConnection, ConnKind: ConnTrimmedWithContext, Peer: m.Peer, ConnID: m.ID, Report: report})
	}

	if n.cfg.StaleEntryThreshold > 0 {
		n.pool.CleanupStaleEntries(n.cfg.StaleEntryThreshold)
	}
	n.backoff.Cleanup()
}

// PingPeer satisfies HealthPinger by opening a ping stream and round-tripping
// 32 random bytes.
func (n *Node) PingPeer(ctx context.Context, peer PeerID) error {
	stream, err := n.NewStream(ctx, peer, PingProtocolID)
	if err != nil {
		return err
	}
	defer stream.Close()

	payload := make([]byte, PingPayloadSize)
	if _, err := rand.Read(payload); err != nil {
		return err
	}
	if _, err := stream.Write(payload); err != nil {
		return err
	}
	echo := make([]byte, PingPayloadSize)
	if _, err := readFullStream(stream, echo); err != nil {
		return err
	}
	for i := range payload {
		if payload[i] != echo[i] {
			return ProtocolViolation("ping echo mismatch")
		}
	}
	return nil
}

func readFullStream(s Stream, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := s.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// ConnectedPeers satisfies HealthPinger.
func (n *Node) ConnectedPeers() []PeerID {
	return n.pool.connectedPeersSnapshot()
}

func (n *Node) onHealthCheckFailed(peer PeerID, err error) {
	n.events.Emit(Event{Kind: EventConnection, ConnKind: ConnHealthCheckFailed, Peer: peer, Err: err})
	for _, m := range n.pool.RemoveForPeer(peer) {
		if m.Connection != nil {
			m.Connection.Close()
		}
	}
	n.events.Emit(Event{Kind: EventPeerDisconnected, Peer: peer})
}

// Shutdown stops accepting, cancels every background task, closes and
// releases every pool entry, and finishes the event stream.
// Idempotent: a second call returns nil immediately.
func (n *Node) Shutdown(ctx context.Context) error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return nil
	}
	n.running = false
	cancel := n.cancel
	listeners := n.listeners
	n.listeners = nil
	n.mu.Unlock()

	cancel()
	for _, bl := range listeners {
		bl.listener.Close()
	}
	n.health.Stop()
	n.health.Clear()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	for id, m := range n.pool.snapshotAll() {
		if m.State == StateConnected && m.Connection != nil {
			m.Connection.Close()
		}
		n.pool.Remove(id)
	}

	n.events.Finish()
	return nil
}
