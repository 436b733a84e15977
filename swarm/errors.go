package swarm

import (
	"errors"
	"fmt"
)

// Configuration errors.
var (
	ErrNoListenersBound   = errors.New("swarm: no listen addresses could be bound")
	ErrNoSecurityUpgraders = errors.New("swarm: no security upgraders configured")
	ErrNoMuxers           = errors.New("swarm: no muxers configured")
)

// NoSuitableTransport reports that no configured transport can dial addr.
func NoSuitableTransport(addr *Address) error {
	return fmt.Errorf("swarm: no suitable transport for %s", addr)
}

// Policy errors.
var (
	ErrSelfDialNotAllowed   = errors.New("swarm: self dial is not allowed")
	ErrConnectionLimitReached = errors.New("swarm: connection limit reached")
)

// DialStage identifies where a connection gater rejected an attempt.
type DialStage int

const (
	StageDial DialStage = iota
	StageAccept
	StageSecured
)

func (s DialStage) String() string {
	switch s {
	case StageDial:
		return "dial"
	case StageAccept:
		return "accept"
	case StageSecured:
		return "secured"
	default:
		return "unknown"
	}
}

// ConnectionGated reports that stage gg rejected a connection attempt.
func ConnectionGated(stage DialStage) error {
	return fmt.Errorf("swarm: connection gated at %s stage", stage)
}

// ResourceScopeKind enumerates the three reservation scopes.
type ResourceScopeKind int

const (
	ScopeSystem ResourceScopeKind = iota
	ScopePeer
	ScopeProtocol
)

func (k ResourceScopeKind) String() string {
	switch k {
	case ScopeSystem:
		return "system"
	case ScopePeer:
		return "peer"
	case ScopeProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// ResourceLimitExceeded reports that scope has no remaining budget for resource.
func ResourceLimitExceeded(scope ResourceScopeKind, resource string) error {
	return fmt.Errorf("swarm: resource limit exceeded: scope=%s resource=%s", scope, resource)
}

// Protocol errors.
var (
	ErrProtocolNegotiationFailed = errors.New("swarm: protocol negotiation failed")
	ErrInvalidAddress            = errors.New("swarm: invalid address")
	ErrFieldTooLarge             = errors.New("swarm: field exceeds maximum size")
	ErrMissingValue              = errors.New("swarm: component is missing its value")
	ErrPeerIDMismatch            = errors.New("swarm: remote peer id does not match expected peer id")
	ErrInvalidVarint             = errors.New("swarm: invalid varint")
)

// UnknownProtocol reports an unrecognized multiaddr protocol code.
func UnknownProtocol(code int) error {
	return fmt.Errorf("swarm: unknown protocol code %d", code)
}

// MessageTooLarge reports a framed message exceeding the configured maximum.
func MessageTooLarge(size, max int) error {
	return fmt.Errorf("swarm: message too large: size=%d max=%d", size, max)
}

// ProtocolViolation wraps a free-form protocol-level complaint.
func ProtocolViolation(text string) error {
	return fmt.Errorf("swarm: protocol violation: %s", text)
}

// Transport / runtime errors.
var (
	ErrStreamClosed     = errors.New("swarm: stream closed")
	ErrConnectionClosed = errors.New("swarm: connection closed")
	ErrNodeNotRunning   = errors.New("swarm: node is not running")
	ErrTimeout          = errors.New("swarm: timed out")
	ErrAllDialsFailed   = errors.New("swarm: all dial attempts failed")
)

// NotConnected reports that no live connection exists to peer.
func NotConnected(p PeerID) error {
	return fmt.Errorf("swarm: not connected to peer %s", p)
}

// NoAddressesKnown reports that no dialable address is known for peer.
func NoAddressesKnown(p PeerID) error {
	return fmt.Errorf("swarm: no addresses known for peer %s", p)
}
