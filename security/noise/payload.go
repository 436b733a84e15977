package noise

import (
	"crypto/ed25519"
	"fmt"

	"github.com/shurlinet/swarmcore/swarm"
)

// identityPayload binds a Noise static public key to a swarm.PeerID: it is
// carried as handshake payload data (not encrypted on the first message,
// encrypted on the second and third) so each side can recover and verify
// the other's long-term identity once the ephemeral DH has run.
type identityPayload struct {
	publicKey []byte // raw ed25519 public key
	signature []byte // signature over the Noise static public key
}

// encodeIdentityPayload signs staticPub with kp's long-term identity key and
// length-prefix-encodes the result.
func encodeIdentityPayload(kp *swarm.KeyPair, staticPub []byte) []byte {
	sig := ed25519.Sign(kp.Private, staticPub)
	var buf []byte
	buf = putUvarint(buf, uint64(len(kp.Public)))
	buf = append(buf, kp.Public...)
	buf = putUvarint(buf, uint64(len(sig)))
	buf = append(buf, sig...)
	return buf
}

func decodeIdentityPayload(b []byte) (identityPayload, []byte, error) {
	pubLen, rest, err := readUvarintSlice(b)
	if err != nil {
		return identityPayload{}, nil, fmt.Errorf("noise: identity payload public key length: %w", err)
	}
	if uint64(len(rest)) < pubLen {
		return identityPayload{}, nil, fmt.Errorf("noise: identity payload truncated public key")
	}
	pub := rest[:pubLen]
	rest = rest[pubLen:]

	sigLen, rest, err := readUvarintSlice(rest)
	if err != nil {
		return identityPayload{}, nil, fmt.Errorf("noise: identity payload signature length: %w", err)
	}
	if uint64(len(rest)) < sigLen {
		return identityPayload{}, nil, fmt.Errorf("noise: identity payload truncated signature")
	}
	sig := rest[:sigLen]
	rest = rest[sigLen:]

	return identityPayload{publicKey: pub, signature: sig}, rest, nil
}

// verifyIdentity checks that payload's signature covers staticPub and
// derives the signer's PeerID.
func verifyIdentity(payload identityPayload, staticPub []byte) (swarm.PeerID, error) {
	pub := ed25519.PublicKey(payload.publicKey)
	if len(pub) != ed25519.PublicKeySize {
		return "", fmt.Errorf("noise: invalid identity public key size %d", len(pub))
	}
	if !ed25519.Verify(pub, staticPub, payload.signature) {
		return "", fmt.Errorf("noise: identity signature does not match static key")
	}
	return swarm.PeerIDFromPublicKey(pub)
}

func putUvarint(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

func readUvarintSlice(b []byte) (uint64, []byte, error) {
	var x uint64
	var shift uint
	for i := 0; i < len(b); i++ {
		c := b[i]
		if c < 0x80 {
			if shift >= 64 {
				return 0, nil, fmt.Errorf("noise: varint overflow")
			}
			x |= uint64(c) << shift
			return x, b[i+1:], nil
		}
		x |= uint64(c&0x7f) << shift
		shift += 7
	}
	return 0, nil, fmt.Errorf("noise: truncated varint")
}
