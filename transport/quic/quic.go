// Package quic implements swarm.SecuredTransport over QUIC: security and
// stream multiplexing are intrinsic to the protocol, so connections it
// produces satisfy swarm.MuxedConnection directly and skip the upgrade
// pipeline entirely.
package quic

import (
	"context"
	"crypto/x509"
	"fmt"
	"net"
	"time"

	quicgo "github.com/quic-go/quic-go"

	"github.com/shurlinet/swarmcore/swarm"
)

var config = &quicgo.Config{
	MaxIdleTimeout:  30 * time.Second,
	KeepAlivePeriod: 15 * time.Second,
}

// Transport dials and listens for /ip4|ip6/.../udp/.../quic-v1 addresses.
type Transport struct {
	keyPair *swarm.KeyPair
}

// New creates a QUIC Transport bound to kp's identity: every connection it
// makes or accepts carries kp's PeerID in its TLS certificate.
func New(kp *swarm.KeyPair) *Transport {
	return &Transport{keyPair: kp}
}

// IntrinsicallySecured reports true: QUIC's TLS 1.3 handshake is the
// security layer.
func (t *Transport) IntrinsicallySecured() bool { return true }

// IntrinsicallyMuxed reports true: QUIC streams are the multiplexing layer.
func (t *Transport) IntrinsicallyMuxed() bool { return true }

// CanDial reports whether addr is a bare UDP/quic-v1 address.
func (t *Transport) CanDial(addr *swarm.Address) bool {
	if !addr.IsQUIC() {
		return false
	}
	comps := addr.WithoutPeerID().Components()
	return len(comps) == 3 // ip, udp, quic-v1
}

func (t *Transport) udpAddrString(addr *swarm.Address) (string, error) {
	ip, ok := addr.IP()
	if !ok {
		return "", fmt.Errorf("quic: address has no ip component: %s", addr)
	}
	port, ok := addr.Port()
	if !ok {
		return "", fmt.Errorf("quic: address has no udp component: %s", addr)
	}
	return net.JoinHostPort(ip.String(), fmt.Sprintf("%d", port)), nil
}

// Dial opens a QUIC connection to addr, verifying the handshake's peer
// identity extension matches expectedPeer when addr embeds a /p2p component.
func (t *Transport) Dial(ctx context.Context, addr *swarm.Address) (swarm.RawConnection, error) {
	target, err := t.udpAddrString(addr)
	if err != nil {
		return nil, err
	}
	expectedPeer, hasExpected := addr.ExtractPeerID()

	tlsConf, err := identityTLSConfig(t.keyPair)
	if err != nil {
		return nil, err
	}
	var verifyErr error
	tlsConf.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		cert, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			verifyErr = err
			return err
		}
		remote, err := extractPeerID(cert)
		if err != nil {
			verifyErr = err
			return err
		}
		if hasExpected && remote != expectedPeer {
			verifyErr = swarm.ErrPeerIDMismatch
			return swarm.ErrPeerIDMismatch
		}
		return nil
	}

	qconn, err := quicgo.DialAddr(ctx, target, tlsConf, config)
	if err != nil {
		if verifyErr != nil {
			return nil, fmt.Errorf("quic: dial %s: %w", target, verifyErr)
		}
		return nil, fmt.Errorf("quic: dial %s: %w", target, err)
	}

	remote, err := remotePeerFromConn(qconn)
	if err != nil {
		qconn.CloseWithError(0, "")
		return nil, err
	}
	laddr, err := addrFromNetAddr(qconn.LocalAddr(), false)
	if err != nil {
		qconn.CloseWithError(0, "")
		return nil, err
	}
	raddr, err := addrFromNetAddr(qconn.RemoteAddr(), true)
	if err != nil {
		qconn.CloseWithError(0, "")
		return nil, err
	}

	return newConn(qconn, t.keyPair.ID, remote, laddr, raddr), nil
}

// Listen binds addr and returns a Listener.
func (t *Transport) Listen(addr *swarm.Address) (swarm.Listener, error) {
	target, err := t.udpAddrString(addr)
	if err != nil {
		return nil, err
	}
	udpAddr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return nil, fmt.Errorf("quic: resolve %s: %w", target, err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("quic: listen %s: %w", target, err)
	}
	tlsConf, err := identityTLSConfig(t.keyPair)
	if err != nil {
		udpConn.Close()
		return nil, err
	}
	tr := &quicgo.Transport{Conn: udpConn}
	ln, err := tr.Listen(tlsConf, config)
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("quic: listen %s: %w", target, err)
	}
	laddr, err := addrFromNetAddr(ln.Addr(), false)
	if err != nil {
		ln.Close()
		return nil, err
	}
	return &listener{ln: ln, tr: tr, addr: laddr, localPeer: t.keyPair.ID}, nil
}

type listener struct {
	ln        *quicgo.Listener
	tr        *quicgo.Transport
	addr      *swarm.Address
	localPeer swarm.PeerID
}

func (l *listener) Accept() (swarm.RawConnection, error) {
	qconn, err := l.ln.Accept(context.Background())
	if err != nil {
		return nil, err
	}
	remote, err := remotePeerFromConn(qconn)
	if err != nil {
		qconn.CloseWithError(0, "")
		return nil, err
	}
	laddr, err := addrFromNetAddr(qconn.LocalAddr(), false)
	if err != nil {
		qconn.CloseWithError(0, "")
		return nil, err
	}
	raddr, err := addrFromNetAddr(qconn.RemoteAddr(), true)
	if err != nil {
		qconn.CloseWithError(0, "")
		return nil, err
	}
	return newConn(qconn, l.localPeer, remote, laddr, raddr), nil
}

func (l *listener) Addr() *swarm.Address { return l.addr }

func (l *listener) Close() error {
	err := l.ln.Close()
	l.tr.Close()
	return err
}

func remotePeerFromConn(qconn *quicgo.Conn) (swarm.PeerID, error) {
	state := qconn.ConnectionState().TLS
	if len(state.PeerCertificates) == 0 {
		return "", fmt.Errorf("quic: handshake produced no peer certificate")
	}
	return extractPeerID(state.PeerCertificates[0])
}

func addrFromNetAddr(na net.Addr, withQUIC bool) (*swarm.Address, error) {
	host, portStr, err := net.SplitHostPort(na.String())
	if err != nil {
		return nil, fmt.Errorf("quic: parse address %q: %w", na.String(), err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("quic: parse address %q: not an ip", na.String())
	}
	family := "ip6"
	if ip4 := ip.To4(); ip4 != nil {
		family = "ip4"
		ip = ip4
	}
	text := fmt.Sprintf("/%s/%s/udp/%s/quic-v1", family, ip.String(), portStr)
	return swarm.ParseAddress(text)
}

// conn adapts a QUIC connection directly to swarm.MuxedConnection (and, by
// extension, swarm.RawConnection — callers type-assert intrinsically secured
// transports' connections straight to MuxedConnection).
type conn struct {
	qconn     *quicgo.Conn
	localPeer swarm.PeerID
	remote    swarm.PeerID
	local     *swarm.Address
	raddr     *swarm.Address
}

func newConn(qconn *quicgo.Conn, localPeer, remote swarm.PeerID, local, raddr *swarm.Address) *conn {
	return &conn{qconn: qconn, localPeer: localPeer, remote: remote, local: local, raddr: raddr}
}

func (c *conn) LocalAddr() *swarm.Address  { return c.local }
func (c *conn) RemoteAddr() *swarm.Address { return c.raddr }
func (c *conn) LocalPeer() swarm.PeerID    { return c.localPeer }
func (c *conn) RemotePeer() swarm.PeerID   { return c.remote }
func (c *conn) IsClosed() bool             { return c.qconn.Context().Err() != nil }
func (c *conn) Close() error               { return c.qconn.CloseWithError(0, "") }

func (c *conn) OpenStream(ctx context.Context) (swarm.Stream, error) {
	s, err := c.qconn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("quic: open stream: %w", err)
	}
	return &stream{Stream: s}, nil
}

func (c *conn) AcceptStream() (swarm.Stream, error) {
	s, err := c.qconn.AcceptStream(context.Background())
	if err != nil {
		return nil, fmt.Errorf("quic: accept stream: %w", err)
	}
	return &stream{Stream: s}, nil
}

type stream struct {
	*quicgo.Stream
	protocol string
}

func (s *stream) Protocol() string      { return s.protocol }
func (s *stream) SetProtocol(id string) { s.protocol = id }
func (s *stream) CloseWrite() error     { return s.Stream.Close() }
