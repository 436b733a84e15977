package noise

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/flynn/noise"

	"github.com/shurlinet/swarmcore/swarm"
)

// maxPlaintextChunk keeps each transport message (plus its 16-byte Poly1305
// tag) under the 2-byte length prefix's 65535 ceiling.
const maxPlaintextChunk = 65519

// securedConn wraps a swarm.RawConnection with a completed Noise XX
// transport: every Write is chunked, encrypted and length-prefixed; every
// Read decrypts one frame at a time and buffers any leftover plaintext.
type securedConn struct {
	swarm.RawConnection

	writeMu sync.Mutex
	encrypt *noise.CipherState

	readMu  sync.Mutex
	decrypt *noise.CipherState
	readBuf []byte

	localPeer  swarm.PeerID
	remotePeer swarm.PeerID
}

func (c *securedConn) LocalPeer() swarm.PeerID  { return c.localPeer }
func (c *securedConn) RemotePeer() swarm.PeerID { return c.remotePeer }

func (c *securedConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	total := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxPlaintextChunk {
			chunk = chunk[:maxPlaintextChunk]
		}
		ciphertext := c.encrypt.Encrypt(nil, nil, chunk)
		var lenPrefix [2]byte
		binary.BigEndian.PutUint16(lenPrefix[:], uint16(len(ciphertext)))
		if _, err := c.RawConnection.Write(lenPrefix[:]); err != nil {
			return total, fmt.Errorf("noise: write frame length: %w", err)
		}
		if _, err := c.RawConnection.Write(ciphertext); err != nil {
			return total, fmt.Errorf("noise: write frame body: %w", err)
		}
		total += len(chunk)
		p = p[len(chunk):]
	}
	return total, nil
}

func (c *securedConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	if len(c.readBuf) == 0 {
		if err := c.fillReadBuf(); err != nil {
			return 0, err
		}
	}
	n := copy(p, c.readBuf)
	c.readBuf = c.readBuf[n:]
	return n, nil
}

func (c *securedConn) fillReadBuf() error {
	var lenPrefix [2]byte
	if _, err := io.ReadFull(c.RawConnection, lenPrefix[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint16(lenPrefix[:])
	ciphertext := make([]byte, n)
	if _, err := io.ReadFull(c.RawConnection, ciphertext); err != nil {
		return fmt.Errorf("noise: read frame body: %w", err)
	}
	plaintext, err := c.decrypt.Decrypt(nil, nil, ciphertext)
	if err != nil {
		return fmt.Errorf("noise: decrypt frame: %w", err)
	}
	c.readBuf = plaintext
	return nil
}
