// Package yamux implements swarm.Muxer over github.com/libp2p/go-yamux/v5.
package yamux

import (
	"context"
	"fmt"

	ymx "github.com/libp2p/go-yamux/v5"

	"github.com/shurlinet/swarmcore/swarm"
)

// ID is this muxer's multistream protocol identifier.
const ID = "/yamux/1.0.0"

// Muxer is the yamux swarm.Muxer.
type Muxer struct {
	config *ymx.Config
}

// New creates a Muxer with yamux's default configuration.
func New() *Muxer {
	return &Muxer{config: ymx.DefaultConfig()}
}

// ID returns the multistream protocol id this muxer negotiates under.
func (m *Muxer) ID() string { return ID }

// NewConn wraps conn with a yamux session, client-side if isServer is false.
func (m *Muxer) NewConn(ctx context.Context, conn swarm.SecuredConnection, isServer bool) (swarm.MuxedConnection, error) {
	var session *ymx.Session
	var err error
	if isServer {
		session, err = ymx.Server(rwc{conn}, m.config)
	} else {
		session, err = ymx.Client(rwc{conn}, m.config)
	}
	if err != nil {
		return nil, fmt.Errorf("yamux: new session: %w", err)
	}
	return &muxedConn{session: session, secured: conn}, nil
}

// rwc adapts swarm.SecuredConnection (ByteStream + Closer) to io.ReadWriteCloser.
type rwc struct {
	swarm.SecuredConnection
}

type muxedConn struct {
	session *ymx.Session
	secured swarm.SecuredConnection
}

func (c *muxedConn) LocalAddr() *swarm.Address  { return c.secured.LocalAddr() }
func (c *muxedConn) RemoteAddr() *swarm.Address { return c.secured.RemoteAddr() }
func (c *muxedConn) LocalPeer() swarm.PeerID    { return c.secured.LocalPeer() }
func (c *muxedConn) RemotePeer() swarm.PeerID   { return c.secured.RemotePeer() }
func (c *muxedConn) IsClosed() bool             { return c.session.IsClosed() }
func (c *muxedConn) Close() error               { return c.session.Close() }

func (c *muxedConn) OpenStream(ctx context.Context) (swarm.Stream, error) {
	s, err := c.session.OpenStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("yamux: open stream: %w", err)
	}
	return &stream{Stream: s}, nil
}

func (c *muxedConn) AcceptStream() (swarm.Stream, error) {
	s, err := c.session.AcceptStream()
	if err != nil {
		return nil, fmt.Errorf("yamux: accept stream: %w", err)
	}
	return &stream{Stream: s}, nil
}

type stream struct {
	*ymx.Stream
	protocol string
}

func (s *stream) Protocol() string      { return s.protocol }
func (s *stream) SetProtocol(id string) { s.protocol = id }
