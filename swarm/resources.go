package swarm

import (
	"sync"
)

// ScopeLimits caps the five counters tracked in a ReservationLedger scope
//.
type ScopeLimits struct {
	InboundConnections  int
	OutboundConnections int
	InboundStreams      int
	OutboundStreams     int
	Memory              int64
}

// ResourceManagerConfig supplies limits for the system scope, a default
// applied to every peer/protocol scope, and optional per-peer or
// per-protocol overrides.
type ResourceManagerConfig struct {
	System         ScopeLimits
	DefaultPeer    ScopeLimits
	DefaultProto   ScopeLimits
	PeerOverrides  map[PeerID]ScopeLimits
	ProtoOverrides map[string]ScopeLimits
}

type scopeCounters struct {
	inboundConnections  int
	outboundConnections int
	inboundStreams      int
	outboundStreams     int
	memory              int64
}

// Reservation is a live grant from the ResourceManager; Release gives it back.
// Releasing twice is a no-op.
type Reservation struct {
	rm       *ResourceManager
	peer     PeerID
	protocol string
	kind     reservationKind
	memory   int64
	released bool
}

type reservationKind int

const (
	reserveInboundConn reservationKind = iota
	reserveOutboundConn
	reserveInboundStream
	reserveOutboundStream
)

// Release returns the reservation's resources to every scope it was taken
// from. Safe to call more than once.
func (r *Reservation) Release() {
	if r == nil || r.released {
		return
	}
	r.released = true
	r.rm.release(r)
}

// ResourceManager enforces the three-scope reservation model: system,
// per-peer, per-protocol. A reservation succeeds only if
// every relevant scope has room.
type ResourceManager struct {
	cfg ResourceManagerConfig

	mu       sync.Mutex
	system   scopeCounters
	peers    map[PeerID]*scopeCounters
	protocol map[string]*scopeCounters
}

// NewResourceManager creates a ResourceManager with the given limits.
func NewResourceManager(cfg ResourceManagerConfig) *ResourceManager {
	return &ResourceManager{
		cfg:      cfg,
		peers:    make(map[PeerID]*scopeCounters),
		protocol: make(map[string]*scopeCounters),
	}
}

func (rm *ResourceManager) peerCounters(p PeerID) *scopeCounters {
	c, ok := rm.peers[p]
	if !ok {
		c = &scopeCounters{}
		rm.peers[p] = c
	}
	return c
}

func (rm *ResourceManager) peerLimits(p PeerID) ScopeLimits {
	if l, ok := rm.cfg.PeerOverrides[p]; ok {
		return l
	}
	return rm.cfg.DefaultPeer
}

func (rm *ResourceManager) protoCounters(proto string) *scopeCounters {
	c, ok := rm.protocol[proto]
	if !ok {
		c = &scopeCounters{}
		rm.protocol[proto] = c
	}
	return c
}

func (rm *ResourceManager) protoLimits(proto string) ScopeLimits {
	if l, ok := rm.cfg.ProtoOverrides[proto]; ok {
		return l
	}
	return rm.cfg.DefaultProto
}

// ReserveInboundConnection reserves one inbound connection slot in the
// system and per-peer scopes.
func (rm *ResourceManager) ReserveInboundConnection(p PeerID) (*Reservation, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	pc := rm.peerCounters(p)
	if rm.system.inboundConnections+1 > rm.cfg.System.InboundConnections {
		return nil, ResourceLimitExceeded(ScopeSystem, "inboundConnections")
	}
	if pc.inboundConnections+1 > rm.peerLimits(p).InboundConnections {
		return nil, ResourceLimitExceeded(ScopePeer, "inboundConnections")
	}
	rm.system.inboundConnections++
	pc.inboundConnections++
	return &Reservation{rm: rm, peer: p, kind: reserveInboundConn}, nil
}

// ReserveOutboundConnection reserves one outbound connection slot in the
// system and per-peer scopes.
func (rm *ResourceManager) ReserveOutboundConnection(p PeerID) (*Reservation, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	pc := rm.peerCounters(p)
	if rm.system.outboundConnections+1 > rm.cfg.System.OutboundConnections {
		return nil, ResourceLimitExceeded(ScopeSystem, "outboundConnections")
	}
	if pc.outboundConnections+1 > rm.peerLimits(p).OutboundConnections {
		return nil, ResourceLimitExceeded(ScopePeer, "outboundConnections")
	}
	rm.system.outboundConnections++
	pc.outboundConnections++
	return &Reservation{rm: rm, peer: p, kind: reserveOutboundConn}, nil
}

// ReserveInboundStream reserves one inbound stream slot in the system,
// per-peer, and (once negotiated) per-protocol scopes.
func (rm *ResourceManager) ReserveInboundStream(p PeerID, proto string) (*Reservation, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	pc := rm.peerCounters(p)
	tc := rm.protoCounters(proto)
	if rm.system.inboundStreams+1 > rm.cfg.System.InboundStreams {
		return nil, ResourceLimitExceeded(ScopeSystem, "inboundStreams")
	}
	if pc.inboundStreams+1 > rm.peerLimits(p).InboundStreams {
		return nil, ResourceLimitExceeded(ScopePeer, "inboundStreams")
	}
	if tc.inboundStreams+1 > rm.protoLimits(proto).InboundStreams {
		return nil, ResourceLimitExceeded(ScopeProtocol, "inboundStreams")
	}
	rm.system.inboundStreams++
	pc.inboundStreams++
	tc.inboundStreams++
	return &Reservation{rm: rm, peer: p, protocol: proto, kind: reserveInboundStream}, nil
}

// ReserveOutboundStream reserves one outbound stream slot in the system,
// per-peer, and per-protocol scopes.
func (rm *ResourceManager) ReserveOutboundStream(p PeerID, proto string) (*Reservation, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	pc := rm.peerCounters(p)
	tc := rm.protoCounters(proto)
	if rm.system.outboundStreams+1 > rm.cfg.System.OutboundStreams {
		return nil, ResourceLimitExceeded(ScopeSystem, "outboundStreams")
	}
	if pc.outboundStreams+1 > rm.peerLimits(p).OutboundStreams {
		return nil, ResourceLimitExceeded(ScopePeer, "outboundStreams")
	}
	if tc.outboundStreams+1 > rm.protoLimits(proto).OutboundStreams {
		return nil, ResourceLimitExceeded(ScopeProtocol, "outboundStreams")
	}
	rm.system.outboundStreams++
	pc.outboundStreams++
	tc.outboundStreams++
	return &Reservation{rm: rm, peer: p, protocol: proto, kind: reserveOutboundStream}, nil
}

func (rm *ResourceManager) release(r *Reservation) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	pc := rm.peerCounters(r.peer)
	switch r.kind {
	case reserveInboundConn:
		rm.system.inboundConnections--
		pc.inboundConnections--
	case reserveOutboundConn:
		rm.system.outboundConnections--
		pc.outboundConnections--
	case reserveInboundStream:
		rm.system.inboundStreams--
		pc.inboundStreams--
		rm.protoCounters(r.protocol).inboundStreams--
	case reserveOutboundStream:
		rm.system.outboundStreams--
		pc.outboundStreams--
		rm.protoCounters(r.protocol).outboundStreams--
	}
}
