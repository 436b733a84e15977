package noise

import (
	"testing"

	"github.com/shurlinet/swarmcore/swarm"
)

func TestEncodeDecodeIdentityPayloadRoundTrip(t *testing.T) {
	kp, err := swarm.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	staticPub := []byte("a fake 32-byte noise static key!")

	encoded := encodeIdentityPayload(kp, staticPub)
	decoded, rest, err := decodeIdentityPayload(encoded)
	if err != nil {
		t.Fatalf("decodeIdentityPayload: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("unexpected trailing bytes: %d", len(rest))
	}

	peer, err := verifyIdentity(decoded, staticPub)
	if err != nil {
		t.Fatalf("verifyIdentity: %v", err)
	}
	if peer != kp.ID {
		t.Fatalf("recovered peer = %v, want %v", peer, kp.ID)
	}
}

func TestVerifyIdentityRejectsTamperedStaticKey(t *testing.T) {
	kp, err := swarm.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	encoded := encodeIdentityPayload(kp, []byte("original-static-key-bytes-here!"))
	decoded, _, err := decodeIdentityPayload(encoded)
	if err != nil {
		t.Fatalf("decodeIdentityPayload: %v", err)
	}

	if _, err := verifyIdentity(decoded, []byte("a-different-static-key-entirely")); err == nil {
		t.Fatal("expected verification to fail against a different static key")
	}
}

func TestDecodeIdentityPayloadRejectsTruncatedInput(t *testing.T) {
	if _, _, err := decodeIdentityPayload([]byte{0xFF}); err == nil {
		t.Fatal("expected an error decoding a truncated payload")
	}
}
