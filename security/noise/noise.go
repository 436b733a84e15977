// Package noise implements swarm.SecurityUpgrader using the Noise XX
// handshake pattern (github.com/flynn/noise), the same pattern libp2p's own
// noise transport uses. A handshake-payload extension binds each side's
// ephemeral Noise static key to its long-term swarm.PeerID.
package noise

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/flynn/noise"

	"github.com/shurlinet/swarmcore/swarm"
)

// ID is this upgrader's multistream protocol identifier.
const ID = "/noise"

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// Transport is the Noise SecurityUpgrader.
type Transport struct {
	keyPair *swarm.KeyPair
}

// New creates a Noise Transport bound to kp's long-term identity.
func New(kp *swarm.KeyPair) *Transport {
	return &Transport{keyPair: kp}
}

// ID returns the multistream protocol id this upgrader negotiates under.
func (t *Transport) ID() string { return ID }

// SecureOutbound runs the initiator side of the XX handshake and verifies
// the remote's identity against expectedPeer (non-empty on a dial).
func (t *Transport) SecureOutbound(ctx context.Context, conn swarm.RawConnection, expectedPeer swarm.PeerID) (swarm.SecuredConnection, error) {
	return t.handshake(conn, true, expectedPeer)
}

// SecureInbound runs the responder side of the XX handshake. Accepted
// connections don't know who they expect in advance, so no identity check
// runs here beyond "the signature verifies".
func (t *Transport) SecureInbound(ctx context.Context, conn swarm.RawConnection) (swarm.SecuredConnection, error) {
	return t.handshake(conn, false, "")
}

func writeFrame(w io.Writer, msg []byte) error {
	var lenPrefix [2]byte
	binary.BigEndian.PutUint16(lenPrefix[:], uint16(len(msg)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err := w.Write(msg)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenPrefix [2]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(lenPrefix[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (t *Transport) handshake(conn swarm.RawConnection, initiator bool, expectedPeer swarm.PeerID) (swarm.SecuredConnection, error) {
	staticKeypair, err := cipherSuite.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("noise: generate static keypair: %w", err)
	}

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: staticKeypair,
	})
	if err != nil {
		return nil, fmt.Errorf("noise: new handshake state: %w", err)
	}

	identity := encodeIdentityPayload(t.keyPair, staticKeypair.Public)

	var remotePeer swarm.PeerID
	var encryptCS, decryptCS *noise.CipherState

	if initiator {
		// -> e
		msg1, _, _, err := hs.WriteMessage(nil, nil)
		if err != nil {
			return nil, fmt.Errorf("noise: write message 1: %w", err)
		}
		if err := writeFrame(conn, msg1); err != nil {
			return nil, fmt.Errorf("noise: send message 1: %w", err)
		}

		// <- e, ee, s, es
		raw2, err := readFrame(conn)
		if err != nil {
			return nil, fmt.Errorf("noise: read message 2: %w", err)
		}
		payload2, _, _, err := hs.ReadMessage(nil, raw2)
		if err != nil {
			return nil, fmt.Errorf("noise: process message 2: %w", err)
		}
		respIdentity, _, err := decodeIdentityPayload(payload2)
		if err != nil {
			return nil, err
		}
		remotePeer, err = verifyIdentity(respIdentity, hs.PeerStatic())
		if err != nil {
			return nil, fmt.Errorf("noise: verify responder identity: %w", err)
		}
		if expectedPeer != "" && remotePeer != expectedPeer {
			return nil, swarm.ErrPeerIDMismatch
		}

		// -> s, se (completes)
		msg3, cs1, cs2, err := hs.WriteMessage(nil, identity)
		if err != nil {
			return nil, fmt.Errorf("noise: write message 3: %w", err)
		}
		if err := writeFrame(conn, msg3); err != nil {
			return nil, fmt.Errorf("noise: send message 3: %w", err)
		}
		encryptCS, decryptCS = cs1, cs2
	} else {
		// -> e
		raw1, err := readFrame(conn)
		if err != nil {
			return nil, fmt.Errorf("noise: read message 1: %w", err)
		}
		if _, _, _, err := hs.ReadMessage(nil, raw1); err != nil {
			return nil, fmt.Errorf("noise: process message 1: %w", err)
		}

		// <- e, ee, s, es
		msg2, _, _, err := hs.WriteMessage(nil, identity)
		if err != nil {
			return nil, fmt.Errorf("noise: write message 2: %w", err)
		}
		if err := writeFrame(conn, msg2); err != nil {
			return nil, fmt.Errorf("noise: send message 2: %w", err)
		}

		// -> s, se (completes)
		raw3, err := readFrame(conn)
		if err != nil {
			return nil, fmt.Errorf("noise: read message 3: %w", err)
		}
		payload3, cs1, cs2, err := hs.ReadMessage(nil, raw3)
		if err != nil {
			return nil, fmt.Errorf("noise: process message 3: %w", err)
		}
		initIdentity, _, err := decodeIdentityPayload(payload3)
		if err != nil {
			return nil, err
		}
		remotePeer, err = verifyIdentity(initIdentity, hs.PeerStatic())
		if err != nil {
			return nil, fmt.Errorf("noise: verify initiator identity: %w", err)
		}
		// cs1 encrypts initiator->responder, cs2 encrypts responder->initiator.
		decryptCS, encryptCS = cs1, cs2
	}

	return &securedConn{
		RawConnection: conn,
		encrypt:       encryptCS,
		decrypt:       decryptCS,
		localPeer:     t.keyPair.ID,
		remotePeer:    remotePeer,
	}, nil
}
