package ping

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/shurlinet/swarmcore/swarm"
)

// pipeStream adapts a net.Conn half to swarm.Stream for testing the handler
// in isolation, without a real transport/muxer stack.
type pipeStream struct {
	net.Conn
	protocol string
}

func (p *pipeStream) CloseWrite() error {
	if cw, ok := p.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}
func (p *pipeStream) Protocol() string     { return p.protocol }
func (p *pipeStream) SetProtocol(id string) { p.protocol = id }

func TestHandlerEchoesPayload(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		Handler(context.Background(), swarm.StreamContext{
			Stream:     &pipeStream{Conn: server, protocol: swarm.PingProtocolID},
			RemotePeer: "test-peer",
		})
	}()

	payload := make([]byte, swarm.PingPayloadSize)
	for i := range payload {
		payload[i] = byte(i)
	}

	client.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := client.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	echo := make([]byte, swarm.PingPayloadSize)
	if _, err := io.ReadFull(client, echo); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	for i := range payload {
		if payload[i] != echo[i] {
			t.Fatalf("echo mismatch at byte %d: got %d want %d", i, echo[i], payload[i])
		}
	}

	client.Close()
	<-done
}

func TestHandlerMultipleRoundTrips(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		Handler(context.Background(), swarm.StreamContext{
			Stream:     &pipeStream{Conn: server, protocol: swarm.PingProtocolID},
			RemotePeer: "test-peer",
		})
	}()

	for round := 0; round < 3; round++ {
		payload := make([]byte, swarm.PingPayloadSize)
		payload[0] = byte(round)

		client.SetDeadline(time.Now().Add(5 * time.Second))
		if _, err := client.Write(payload); err != nil {
			t.Fatalf("round %d write: %v", round, err)
		}
		echo := make([]byte, swarm.PingPayloadSize)
		if _, err := io.ReadFull(client, echo); err != nil {
			t.Fatalf("round %d read: %v", round, err)
		}
		if echo[0] != byte(round) {
			t.Fatalf("round %d: got %d want %d", round, echo[0], round)
		}
	}

	client.Close()
	<-done
}
