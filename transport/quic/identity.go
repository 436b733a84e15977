package quic

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"time"

	"github.com/shurlinet/swarmcore/swarm"
)

// peerIDExtensionOID carries the node's long-term Ed25519 public key plus a
// signature over the ephemeral TLS certificate's own public key, binding the
// short-lived QUIC handshake certificate to a stable swarm.PeerID the way
// go-libp2p-tls's libp2p extension does, so QUIC can be "intrinsically
// secured" without a separate SecurityUpgrader stage.
var peerIDExtensionOID = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 53594, 1, 1}

type peerIDExtensionValue struct {
	PublicKey []byte
	Signature []byte
}

// identityTLSConfig builds a self-signed TLS certificate for one QUIC
// connection (dial or listener), embedding kp's public key and a signature
// over the certificate's ephemeral public key.
func identityTLSConfig(kp *swarm.KeyPair) (*tls.Config, error) {
	certPub, certPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("quic: generate certificate key: %w", err)
	}

	// Sign the certificate's own public key so the signature is only valid
	// for this one ephemeral certificate.
	sig := ed25519.Sign(kp.Private, certPub)

	ext, err := asn1.Marshal(peerIDExtensionValue{PublicKey: kp.Public, Signature: sig})
	if err != nil {
		return nil, fmt.Errorf("quic: marshal peer id extension: %w", err)
	}

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: kp.ID.String()},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(100 * 365 * 24 * time.Hour),
		ExtraExtensions: []pkix.Extension{
			{Id: peerIDExtensionOID, Value: ext},
		},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, certPub, certPriv)
	if err != nil {
		return nil, fmt.Errorf("quic: create certificate: %w", err)
	}

	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  certPriv,
	}
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true, // identity is verified via the embedded extension, not the chain
		NextProtos:         []string{"libp2p"},
		MinVersion:         tls.VersionTLS13,
	}, nil
}

// extractPeerID parses the peer identity extension out of a verified QUIC
// TLS certificate and checks that its signature covers the certificate's
// own public key.
func extractPeerID(cert *x509.Certificate) (swarm.PeerID, error) {
	var raw []byte
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(peerIDExtensionOID) {
			raw = ext.Value
			break
		}
	}
	if raw == nil {
		return "", fmt.Errorf("quic: certificate carries no peer id extension")
	}
	var val peerIDExtensionValue
	if _, err := asn1.Unmarshal(raw, &val); err != nil {
		return "", fmt.Errorf("quic: malformed peer id extension: %w", err)
	}
	pub := ed25519.PublicKey(val.PublicKey)
	certPub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return "", fmt.Errorf("quic: certificate public key is not ed25519")
	}
	if !ed25519.Verify(pub, certPub, val.Signature) {
		return "", fmt.Errorf("quic: peer id extension signature invalid")
	}
	id, err := swarm.PeerIDFromPublicKey(pub)
	if err != nil {
		return "", err
	}
	return id, nil
}
