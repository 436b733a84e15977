package yamux

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/shurlinet/swarmcore/swarm"
)

// securedPipe adapts a net.Pipe half into swarm.SecuredConnection for tests.
type securedPipe struct {
	net.Conn
	local, remote swarm.PeerID
}

func (p securedPipe) LocalAddr() *swarm.Address  { return nil }
func (p securedPipe) RemoteAddr() *swarm.Address { return nil }
func (p securedPipe) LocalPeer() swarm.PeerID    { return p.local }
func (p securedPipe) RemotePeer() swarm.PeerID   { return p.remote }

func newSecuredPair() (swarm.SecuredConnection, swarm.SecuredConnection) {
	a, b := net.Pipe()
	return securedPipe{Conn: a, local: "client", remote: "server"},
		securedPipe{Conn: b, local: "server", remote: "client"}
}

func TestMuxerNewConnClientServerHandshake(t *testing.T) {
	m := New()
	clientRaw, serverRaw := newSecuredPair()

	type result struct {
		conn swarm.MuxedConnection
		err  error
	}
	clientCh := make(chan result, 1)
	serverCh := make(chan result, 1)

	go func() {
		c, err := m.NewConn(context.Background(), clientRaw, false)
		clientCh <- result{c, err}
	}()
	go func() {
		c, err := m.NewConn(context.Background(), serverRaw, true)
		serverCh <- result{c, err}
	}()

	clientRes := <-clientCh
	serverRes := <-serverCh
	if clientRes.err != nil {
		t.Fatalf("client NewConn: %v", clientRes.err)
	}
	if serverRes.err != nil {
		t.Fatalf("server NewConn: %v", serverRes.err)
	}
	defer clientRes.conn.Close()
	defer serverRes.conn.Close()

	if clientRes.conn.RemotePeer() != "server" {
		t.Fatalf("client's remote peer = %v, want server", clientRes.conn.RemotePeer())
	}
	if serverRes.conn.RemotePeer() != "client" {
		t.Fatalf("server's remote peer = %v, want client", serverRes.conn.RemotePeer())
	}
}

func TestMuxerOpenAcceptStreamRoundTrip(t *testing.T) {
	m := New()
	clientRaw, serverRaw := newSecuredPair()

	clientConn, err := m.NewConn(context.Background(), clientRaw, false)
	if err != nil {
		t.Fatalf("client NewConn: %v", err)
	}
	defer clientConn.Close()
	serverConn, err := m.NewConn(context.Background(), serverRaw, true)
	if err != nil {
		t.Fatalf("server NewConn: %v", err)
	}
	defer serverConn.Close()

	acceptedCh := make(chan swarm.Stream, 1)
	acceptErrCh := make(chan error, 1)
	go func() {
		s, err := serverConn.AcceptStream()
		if err != nil {
			acceptErrCh <- err
			return
		}
		acceptedCh <- s
	}()

	clientStream, err := clientConn.OpenStream(context.Background())
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer clientStream.Close()
	clientStream.SetProtocol("/ping/1.0.0")

	msg := []byte("hello over yamux")
	if _, err := clientStream.Write(msg); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var serverStream swarm.Stream
	select {
	case err := <-acceptErrCh:
		t.Fatalf("AcceptStream: %v", err)
	case serverStream = <-acceptedCh:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for AcceptStream")
	}
	defer serverStream.Close()

	buf := make([]byte, len(msg))
	n, err := serverStream.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != string(msg) {
		t.Fatalf("got %q, want %q", buf[:n], msg)
	}
	if clientStream.Protocol() != "/ping/1.0.0" {
		t.Fatalf("Protocol() = %q, want /ping/1.0.0", clientStream.Protocol())
	}
}

func TestMuxerIDIsStable(t *testing.T) {
	m := New()
	if m.ID() != ID {
		t.Fatalf("ID() = %q, want %q", m.ID(), ID)
	}
}

func TestMuxedConnectionIsClosedAfterClose(t *testing.T) {
	m := New()
	clientRaw, serverRaw := newSecuredPair()
	clientConn, err := m.NewConn(context.Background(), clientRaw, false)
	if err != nil {
		t.Fatalf("NewConn: %v", err)
	}
	go m.NewConn(context.Background(), serverRaw, true)

	if clientConn.IsClosed() {
		t.Fatal("expected a fresh connection to not be closed")
	}
	if err := clientConn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !clientConn.IsClosed() {
		t.Fatal("expected IsClosed to be true after Close")
	}
}
