package swarm

import (
	"context"
	"io"
)

// RawConnection is an unencrypted, unmultiplexed byte pipe produced by a
// Transport dial or listener accept.
type RawConnection interface {
	ByteStream
	io.Closer
	LocalAddr() *Address
	RemoteAddr() *Address
}

// SecuredConnection is a RawConnection after the security handshake: bytes
// are now encrypted in transit and the remote peer's identity is known
//.
type SecuredConnection interface {
	ByteStream
	io.Closer
	LocalAddr() *Address
	RemoteAddr() *Address
	LocalPeer() PeerID
	RemotePeer() PeerID
}

// Stream is a single multiplexed logical channel inside a MuxedConnection.
// CloseWrite half-closes the local write side without affecting reads,
// matching the bidirectional proxy pattern protocol services use to
// propagate an upstream half-close.
type Stream interface {
	ByteStream
	io.Closer
	CloseWrite() error
	Protocol() string
	SetProtocol(id string)
}

// MuxedConnection is a SecuredConnection after muxer negotiation: it can
// open new outbound streams and hands inbound ones to AcceptStream
//.
type MuxedConnection interface {
	io.Closer
	LocalAddr() *Address
	RemoteAddr() *Address
	LocalPeer() PeerID
	RemotePeer() PeerID
	IsClosed() bool
	OpenStream(ctx context.Context) (Stream, error)
	AcceptStream() (Stream, error)
}

// Listener accepts inbound RawConnections on one bound Address.
type Listener interface {
	io.Closer
	Accept() (RawConnection, error)
	Addr() *Address
}

// Transport dials and listens for one or more address families. TCP, QUIC and
// similar concrete implementations live in their own packages.
type Transport interface {
	CanDial(addr *Address) bool
	Dial(ctx context.Context, addr *Address) (RawConnection, error)
	Listen(addr *Address) (Listener, error)
}

// SecuredTransport is a Transport whose Dial/Listen already produce
// SecuredConnection (and, in practice, MuxedConnection) values because
// security and multiplexing are built into the protocol itself — this is
// how transport/quic participates in the upgrade pipeline without a
// separate SecurityUpgrader or Muxer stage.
type SecuredTransport interface {
	Transport
	IntrinsicallySecured() bool
	IntrinsicallyMuxed() bool
}

// SecurityUpgrader authenticates and encrypts a RawConnection, verifying the
// remote peer's identity against expectedPeer when it is non-empty (outbound
// dials know who they expect; inbound accepts don't, so expectedPeer is "").
type SecurityUpgrader interface {
	ID() string
	SecureOutbound(ctx context.Context, conn RawConnection, expectedPeer PeerID) (SecuredConnection, error)
	SecureInbound(ctx context.Context, conn RawConnection) (SecuredConnection, error)
}

// Muxer wraps a SecuredConnection with stream multiplexing.
type Muxer interface {
	ID() string
	NewConn(ctx context.Context, conn SecuredConnection, isServer bool) (MuxedConnection, error)
}
