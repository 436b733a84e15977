package plaintext

import (
	"net"
	"sync"
	"testing"

	"github.com/shurlinet/swarmcore/swarm"
)

// pipeConn adapts a net.Pipe half into swarm.RawConnection for testing.
type pipeConn struct {
	net.Conn
}

func (p pipeConn) LocalAddr() *swarm.Address  { return nil }
func (p pipeConn) RemoteAddr() *swarm.Address { return nil }

func newPipePair() (swarm.RawConnection, swarm.RawConnection) {
	a, b := net.Pipe()
	return pipeConn{a}, pipeConn{b}
}

func TestTransportSecureHandshakeEstablishesIdentities(t *testing.T) {
	kpA, err := swarm.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair A: %v", err)
	}
	kpB, err := swarm.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair B: %v", err)
	}

	connA, connB := newPipePair()
	tA := New(kpA)
	tB := New(kpB)

	var wg sync.WaitGroup
	var securedA, securedB swarm.SecuredConnection
	var errA, errB error
	wg.Add(2)
	go func() {
		defer wg.Done()
		securedA, errA = tA.SecureOutbound(nil, connA, kpB.ID)
	}()
	go func() {
		defer wg.Done()
		securedB, errB = tB.SecureInbound(nil, connB)
	}()
	wg.Wait()

	if errA != nil {
		t.Fatalf("SecureOutbound: %v", errA)
	}
	if errB != nil {
		t.Fatalf("SecureInbound: %v", errB)
	}
	if securedA.RemotePeer() != kpB.ID {
		t.Fatalf("initiator's remote peer = %v, want %v", securedA.RemotePeer(), kpB.ID)
	}
	if securedB.RemotePeer() != kpA.ID {
		t.Fatalf("responder's remote peer = %v, want %v", securedB.RemotePeer(), kpA.ID)
	}
	if securedA.LocalPeer() != kpA.ID {
		t.Fatalf("initiator's local peer = %v, want %v", securedA.LocalPeer(), kpA.ID)
	}
}

func TestTransportSecureOutboundRejectsPeerIDMismatch(t *testing.T) {
	kpA, _ := swarm.GenerateKeyPair()
	kpB, _ := swarm.GenerateKeyPair()
	kpWrong, _ := swarm.GenerateKeyPair()

	connA, connB := newPipePair()
	tA := New(kpA)
	tB := New(kpB)

	var wg sync.WaitGroup
	var errA error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errA = tA.SecureOutbound(nil, connA, kpWrong.ID)
	}()
	go func() {
		defer wg.Done()
		tB.SecureInbound(nil, connB)
	}()
	wg.Wait()

	if errA != swarm.ErrPeerIDMismatch {
		t.Fatalf("error = %v, want %v", errA, swarm.ErrPeerIDMismatch)
	}
}

func TestTransportIDIsStable(t *testing.T) {
	kp, _ := swarm.GenerateKeyPair()
	tr := New(kp)
	if tr.ID() != ID {
		t.Fatalf("ID() = %q, want %q", tr.ID(), ID)
	}
}
