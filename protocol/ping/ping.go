// Package ping provides the inbound handler for swarm's ping protocol. The
// outbound side (dialing a peer and round-tripping a payload) lives on
// swarm.Node itself as PingPeer; this package only supplies the
// swarm.StreamHandler a node registers to answer other peers' pings.
package ping

import (
	"context"
	"io"
	"log/slog"

	"github.com/shurlinet/swarmcore/swarm"
)

// Handler echoes every swarm.PingPayloadSize-byte chunk it reads back to the
// sender verbatim, until the stream closes or the context is cancelled.
// Register it under swarm.PingProtocolID in NodeConfiguration.Services.
func Handler(ctx context.Context, sc swarm.StreamContext) {
	buf := make([]byte, swarm.PingPayloadSize)
	for {
		if _, err := io.ReadFull(sc.Stream, buf); err != nil {
			if err != io.EOF && err != io.ErrUnexpectedEOF {
				slog.Debug("ping: read failed", "peer", sc.RemotePeer, "err", err)
			}
			return
		}
		if _, err := sc.Stream.Write(buf); err != nil {
			slog.Debug("ping: write failed", "peer", sc.RemotePeer, "err", err)
			return
		}
	}
}
