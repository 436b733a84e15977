// Package plaintext implements swarm.SecurityUpgrader with no encryption at
// all: it exchanges and verifies identity but never encrypts the channel.
// It exists for tests and local loopback use only — never wire it into a
// NodeConfiguration that talks to the network.
package plaintext

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/shurlinet/swarmcore/swarm"
)

// ID is this upgrader's multistream protocol identifier.
const ID = "/plaintext/2.0.0"

// Transport is the no-op SecurityUpgrader.
type Transport struct {
	keyPair *swarm.KeyPair
}

// New creates a plaintext Transport bound to kp's identity.
func New(kp *swarm.KeyPair) *Transport {
	return &Transport{keyPair: kp}
}

// ID returns the multistream protocol id this upgrader negotiates under.
func (t *Transport) ID() string { return ID }

// SecureOutbound exchanges identity proofs in cleartext and verifies the
// remote matches expectedPeer when non-empty.
func (t *Transport) SecureOutbound(ctx context.Context, conn swarm.RawConnection, expectedPeer swarm.PeerID) (swarm.SecuredConnection, error) {
	remote, err := t.exchange(conn)
	if err != nil {
		return nil, err
	}
	if expectedPeer != "" && remote != expectedPeer {
		return nil, swarm.ErrPeerIDMismatch
	}
	return &conn2{RawConnection: conn, localPeer: t.keyPair.ID, remotePeer: remote}, nil
}

// SecureInbound exchanges identity proofs in cleartext with no expected peer.
func (t *Transport) SecureInbound(ctx context.Context, conn swarm.RawConnection) (swarm.SecuredConnection, error) {
	remote, err := t.exchange(conn)
	if err != nil {
		return nil, err
	}
	return &conn2{RawConnection: conn, localPeer: t.keyPair.ID, remotePeer: remote}, nil
}

// exchange sends a length-prefixed (nonce || pubkey || signature) proof of
// identity and reads the peer's, verifying the signature covers the nonce
// the peer sent (proof of possession, not secrecy).
func (t *Transport) exchange(conn swarm.RawConnection) (swarm.PeerID, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", err
	}
	sig := ed25519.Sign(t.keyPair.Private, nonce[:])
	out := make([]byte, 0, 4+len(nonce)+ed25519.PublicKeySize+ed25519.SignatureSize)
	out = append(out, nonce[:]...)
	out = append(out, t.keyPair.Public...)
	out = append(out, sig...)

	var lenPrefix [2]byte
	binary.BigEndian.PutUint16(lenPrefix[:], uint16(len(out)))
	if _, err := conn.Write(lenPrefix[:]); err != nil {
		return "", err
	}
	if _, err := conn.Write(out); err != nil {
		return "", err
	}

	if _, err := io.ReadFull(conn, lenPrefix[:]); err != nil {
		return "", fmt.Errorf("plaintext: reading peer proof length: %w", err)
	}
	n := binary.BigEndian.Uint16(lenPrefix[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return "", fmt.Errorf("plaintext: reading peer proof: %w", err)
	}
	if len(buf) < 32+ed25519.PublicKeySize+ed25519.SignatureSize {
		return "", fmt.Errorf("plaintext: peer proof too short")
	}
	peerNonce := buf[:32]
	peerPub := ed25519.PublicKey(buf[32 : 32+ed25519.PublicKeySize])
	peerSig := buf[32+ed25519.PublicKeySize:]
	if !ed25519.Verify(peerPub, peerNonce, peerSig) {
		return "", fmt.Errorf("plaintext: peer identity signature invalid")
	}
	return swarm.PeerIDFromPublicKey(peerPub)
}

type conn2 struct {
	swarm.RawConnection
	localPeer  swarm.PeerID
	remotePeer swarm.PeerID
}

func (c *conn2) LocalPeer() swarm.PeerID  { return c.localPeer }
func (c *conn2) RemotePeer() swarm.PeerID { return c.remotePeer }
