package swarm

// PingProtocolID and PingPayloadSize define the wire shape of the
// observable test protocol: 32 random bytes out, identical
// bytes back.
const (
	PingProtocolID  = "/ipfs/ping/1.0.0"
	PingPayloadSize = 32
)

// reservedStream wraps a Stream so that any buffered remainder bytes from
// negotiation are delivered first, and the resource reservation backing the
// stream is released exactly once, on Close.
type reservedStream struct {
	Stream
	resv      *Reservation
	remainder []byte
}

func newReservedStream(s Stream, resv *Reservation, remainder []byte) Stream {
	return &reservedStream{Stream: s, resv: resv, remainder: remainder}
}

func (r *reservedStream) Read(p []byte) (int, error) {
	if len(r.remainder) > 0 {
		n := copy(p, r.remainder)
		r.remainder = r.remainder[n:]
		return n, nil
	}
	return r.Stream.Read(p)
}

func (r *reservedStream) Close() error {
	err := r.Stream.Close()
	r.resv.Release()
	return err
}
