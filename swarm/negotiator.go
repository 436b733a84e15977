package swarm

import (
	"fmt"
)

// multistreamHeader is the fixed protocol identifier that opens every
// multistream-select exchange.
const multistreamHeader = "/multistream/1.0.0"

// naResponse is the literal 3-byte negative-response message.
const naResponse = "na"

// maxNegotiationRounds bounds the responder's proposal loop so a
// misbehaving or malicious initiator cannot keep it spinning forever.
const maxNegotiationRounds = 256

// NegotiationResult is the outcome of a successful multistream-select
// exchange: the agreed protocol id, plus any bytes the peer already sent
// past the handshake boundary.
type NegotiationResult struct {
	Protocol  string
	Remainder []byte
}

func writeMessage(w ByteStream, s string) error {
	msg := []byte(s + "\n")
	buf := putUvarint(nil, uint64(len(msg)))
	buf = append(buf, msg...)
	_, err := w.Write(buf)
	return err
}

func writeMessages(w ByteStream, msgs ...string) error {
	var buf []byte
	for _, s := range msgs {
		m := []byte(s + "\n")
		buf = putUvarint(buf, uint64(len(m)))
		buf = append(buf, m...)
	}
	_, err := w.Write(buf)
	return err
}

func readProtocolLine(f *Framer) (string, error) {
	msg, err := f.ReadMessage()
	if err != nil {
		return "", err
	}
	if len(msg) == 0 || msg[len(msg)-1] != '\n' {
		return "", ProtocolViolation("message missing trailing newline")
	}
	return string(msg[:len(msg)-1]), nil
}

// NegotiateInitiatorLazy runs the v1-lazy client side of multistream-select:
// the header and the single preferred protocol are piggybacked onto one
// write. On a "na" response it falls back to proposing the remaining
// candidates one at a time.
func NegotiateInitiatorLazy(stream ByteStream, candidates []string, maxMessage int) (*NegotiationResult, error) {
	if len(candidates) == 0 {
		return nil, ProtocolViolation("no candidate protocols offered")
	}
	f := NewFramer(stream, maxMessage)

	if err := writeMessages(stream, multistreamHeader, candidates[0]); err != nil {
		return nil, fmt.Errorf("swarm: negotiator write: %w", err)
	}

	echoedHeader, err := readProtocolLine(f)
	if err != nil {
		return nil, fmt.Errorf("swarm: negotiator read header: %w", err)
	}
	if echoedHeader != multistreamHeader {
		return nil, ProtocolViolation("peer does not speak " + multistreamHeader)
	}

	resp, err := readProtocolLine(f)
	if err != nil {
		return nil, fmt.Errorf("swarm: negotiator read response: %w", err)
	}
	if resp == candidates[0] {
		return &NegotiationResult{Protocol: resp, Remainder: f.DrainRemainder()}, nil
	}
	if resp != naResponse {
		return nil, ProtocolViolation("unexpected negotiator response " + resp)
	}

	// Fall back to proposing the rest one at a time, no longer lazy.
	for _, candidate := range candidates[1:] {
		if err := writeMessage(stream, candidate); err != nil {
			return nil, fmt.Errorf("swarm: negotiator write: %w", err)
		}
		resp, err := readProtocolLine(f)
		if err != nil {
			return nil, fmt.Errorf("swarm: negotiator read response: %w", err)
		}
		if resp == candidate {
			return &NegotiationResult{Protocol: resp, Remainder: f.DrainRemainder()}, nil
		}
		if resp != naResponse {
			return nil, ProtocolViolation("unexpected negotiator response " + resp)
		}
	}
	return nil, ErrProtocolNegotiationFailed
}

// NegotiateResponder runs the server side of multistream-select, accepting
// both v1 and v1-lazy initiators (the responder's algorithm is identical
// either way: read header, then read and answer proposals one at a time).
// On acceptance it returns immediately with any bytes buffered past the
// accepted proposal.
func NegotiateResponder(stream ByteStream, supported []string, maxMessage int) (*NegotiationResult, error) {
	supportedSet := make(map[string]bool, len(supported))
	for _, p := range supported {
		supportedSet[p] = true
	}

	f := NewFramer(stream, maxMessage)

	header, err := readProtocolLine(f)
	if err != nil {
		return nil, fmt.Errorf("swarm: negotiator read header: %w", err)
	}
	if header != multistreamHeader {
		return nil, ProtocolViolation("initiator does not speak " + multistreamHeader)
	}
	if err := writeMessage(stream, multistreamHeader); err != nil {
		return nil, fmt.Errorf("swarm: negotiator write header: %w", err)
	}

	for round := 0; round < maxNegotiationRounds; round++ {
		proposal, err := readProtocolLine(f)
		if err != nil {
			return nil, fmt.Errorf("swarm: negotiator read proposal: %w", err)
		}
		if supportedSet[proposal] {
			if err := writeMessage(stream, proposal); err != nil {
				return nil, fmt.Errorf("swarm: negotiator write accept: %w", err)
			}
			return &NegotiationResult{Protocol: proposal, Remainder: f.DrainRemainder()}, nil
		}
		if err := writeMessage(stream, naResponse); err != nil {
			return nil, fmt.Errorf("swarm: negotiator write na: %w", err)
		}
	}
	return nil, ErrProtocolNegotiationFailed
}
