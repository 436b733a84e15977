// Package tcp implements swarm.Transport over plain TCP sockets, using
// reuseport so a node can dial out from the same port it listens on
// (helpful for NAT traversal and AutoNAT v2 dial-backs).
package tcp

import (
	"context"
	"fmt"
	"net"
	"time"

	reuseport "github.com/libp2p/go-reuseport"

	"github.com/shurlinet/swarmcore/swarm"
)

// defaultConnectTimeout bounds a single Dial call when ctx carries no
// deadline of its own.
const defaultConnectTimeout = 30 * time.Second

// Transport dials and listens for /ip4|ip6/.../tcp/... addresses.
type Transport struct {
	DisableReuseport bool
}

// New creates a TCP Transport.
func New() *Transport {
	return &Transport{}
}

// CanDial reports whether addr is a bare IPv4/IPv6 TCP address (no ws/wss,
// no quic, nothing layered on top).
func (t *Transport) CanDial(addr *swarm.Address) bool {
	if !addr.IsTCP() {
		return false
	}
	if !addr.IsIPv4() && !addr.IsIPv6() {
		return false
	}
	return len(addr.WithoutPeerID().Components()) == 2
}

func (t *Transport) netAddrString(addr *swarm.Address) (string, error) {
	ip, ok := addr.IP()
	if !ok {
		return "", fmt.Errorf("tcp: address has no ip component: %s", addr)
	}
	port, ok := addr.Port()
	if !ok {
		return "", fmt.Errorf("tcp: address has no tcp component: %s", addr)
	}
	return net.JoinHostPort(ip.String(), fmt.Sprintf("%d", port)), nil
}

// Dial opens a raw TCP connection to addr.
func (t *Transport) Dial(ctx context.Context, addr *swarm.Address) (swarm.RawConnection, error) {
	target, err := t.netAddrString(addr)
	if err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultConnectTimeout)
		defer cancel()
	}

	var conn net.Conn
	if t.DisableReuseport {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", target)
	} else {
		conn, err = reuseport.Dial("tcp", "", target)
	}
	if err != nil {
		return nil, fmt.Errorf("tcp: dial %s: %w", target, err)
	}
	tryKeepAlive(conn)
	return newConn(conn)
}

// Listen binds addr and returns a Listener.
func (t *Transport) Listen(addr *swarm.Address) (swarm.Listener, error) {
	target, err := t.netAddrString(addr)
	if err != nil {
		return nil, err
	}
	var ln net.Listener
	if t.DisableReuseport {
		ln, err = net.Listen("tcp", target)
	} else {
		ln, err = reuseport.Listen("tcp", target)
	}
	if err != nil {
		return nil, fmt.Errorf("tcp: listen %s: %w", target, err)
	}
	laddr, err := addrFromNetAddr(ln.Addr())
	if err != nil {
		ln.Close()
		return nil, err
	}
	return &listener{ln: ln, addr: laddr}, nil
}

func tryKeepAlive(conn net.Conn) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tc.SetKeepAlive(true)
	_ = tc.SetKeepAlivePeriod(30 * time.Second)
}

type listener struct {
	ln   net.Listener
	addr *swarm.Address
}

func (l *listener) Accept() (swarm.RawConnection, error) {
	c, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	tryKeepAlive(c)
	return newConn(c)
}

func (l *listener) Addr() *swarm.Address { return l.addr }
func (l *listener) Close() error         { return l.ln.Close() }

// conn adapts a net.Conn to swarm.RawConnection.
type conn struct {
	net.Conn
	local  *swarm.Address
	remote *swarm.Address
}

func newConn(c net.Conn) (*conn, error) {
	local, err := addrFromNetAddr(c.LocalAddr())
	if err != nil {
		c.Close()
		return nil, err
	}
	remote, err := addrFromNetAddr(c.RemoteAddr())
	if err != nil {
		c.Close()
		return nil, err
	}
	return &conn{Conn: c, local: local, remote: remote}, nil
}

func (c *conn) LocalAddr() *swarm.Address  { return c.local }
func (c *conn) RemoteAddr() *swarm.Address { return c.remote }

func addrFromNetAddr(na net.Addr) (*swarm.Address, error) {
	host, portStr, err := net.SplitHostPort(na.String())
	if err != nil {
		return nil, fmt.Errorf("tcp: parse listen address %q: %w", na.String(), err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("tcp: parse listen address %q: not an ip", na.String())
	}
	var text string
	if ip4 := ip.To4(); ip4 != nil {
		text = fmt.Sprintf("/ip4/%s/tcp/%s", ip4.String(), portStr)
	} else {
		text = fmt.Sprintf("/ip6/%s/tcp/%s", ip.String(), portStr)
	}
	return swarm.ParseAddress(text)
}
