package swarm

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/multiformats/go-multihash"
)

// PeerID is a stable identity derived from a peer's public key. It is
// comparable and hashable, and displays as a base58-encoded multihash of the
// identity-encoded public key, matching the scheme real libp2p peer IDs use
// for small (Ed25519) keys.
type PeerID string

// KeyPair is an Ed25519 identity: a private key together with the PeerID
// derived from its public half.
type KeyPair struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
	ID      PeerID
}

// GenerateKeyPair creates a fresh random Ed25519 identity.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("swarm: generate keypair: %w", err)
	}
	id, err := PeerIDFromPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Private: priv, Public: pub, ID: id}, nil
}

// KeyPairFromPrivateKey rebuilds a KeyPair from raw Ed25519 private key bytes,
// the form persisted to disk by identity loaders.
func KeyPairFromPrivateKey(raw []byte) (*KeyPair, error) {
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("swarm: invalid ed25519 private key length %d", len(raw))
	}
	priv := ed25519.PrivateKey(raw)
	pub := priv.Public().(ed25519.PublicKey)
	id, err := PeerIDFromPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Private: priv, Public: pub, ID: id}, nil
}

// identityMultihashMaxSize is the libp2p convention: public keys (in their
// minimal encoded form) no larger than this are embedded directly in an
// "identity" multihash rather than hashed, so the peer ID round-trips back
// to the public key without a directory lookup.
const identityMultihashMaxSize = 42

// PeerIDFromPublicKey derives a PeerID from a raw Ed25519 public key.
func PeerIDFromPublicKey(pub ed25519.PublicKey) (PeerID, error) {
	var mh multihash.Multihash
	var err error
	if len(pub) <= identityMultihashMaxSize {
		mh, err = multihash.Sum(pub, multihash.IDENTITY, -1)
	} else {
		mh, err = multihash.Sum(pub, multihash.SHA2_256, -1)
	}
	if err != nil {
		return "", fmt.Errorf("swarm: derive peer id: %w", err)
	}
	return PeerID(mh), nil
}

// String renders the canonical base58btc text form, e.g. "12D3KooW...".
func (p PeerID) String() string {
	return base58.Encode([]byte(p))
}

// ParsePeerID parses a base58-encoded PeerID as produced by String.
func ParsePeerID(s string) (PeerID, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return "", fmt.Errorf("swarm: parse peer id %q: %w", s, err)
	}
	if _, _, err := multihash.MHFromBytes(raw); err != nil {
		return "", fmt.Errorf("swarm: parse peer id %q: %w", s, err)
	}
	return PeerID(raw), nil
}

// Less implements the deterministic ordering used by simultaneous-connect
// resolution and reconnection-gating: the textually smaller
// PeerID is considered "smaller".
func (p PeerID) Less(other PeerID) bool {
	return string(p) < string(other)
}

// MatchesPublicKey reports whether pub hashes to this PeerID.
func (p PeerID) MatchesPublicKey(pub ed25519.PublicKey) bool {
	want, err := PeerIDFromPublicKey(pub)
	if err != nil {
		return false
	}
	return want == p
}
