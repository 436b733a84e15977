package swarm

import (
	"io"
)

// defaultMaxMessageSize is the default frame size guard: 64 KiB.
const defaultMaxMessageSize = 64 * 1024

// ByteStream is the minimal bidirectional byte pipe the framer and
// negotiator operate on; RawConnection and Stream both satisfy it.
type ByteStream interface {
	io.Reader
	io.Writer
}

// Framer reads unsigned-LEB128-length-prefixed messages from an underlying
// byte stream, preserving any bytes read past a message boundary so they can
// be handed to the next protocol layer.
type Framer struct {
	r          io.Reader
	maxMessage int
	buf        []byte // bytes read from r but not yet consumed by a Read*
}

// NewFramer wraps r. maxMessage <= 0 selects the default of 64 KiB.
func NewFramer(r io.Reader, maxMessage int) *Framer {
	if maxMessage <= 0 {
		maxMessage = defaultMaxMessageSize
	}
	return &Framer{r: r, maxMessage: maxMessage}
}

// ReadMessage reads and returns one complete length-prefixed message.
// A message (or its length prefix) exceeding maxMessage fails with
// MessageTooLarge before any body bytes are read. EOF from the underlying
// stream while a message is only partially buffered surfaces as
// ErrStreamClosed rather than io.EOF, since the framing is now desynchronized.
func (f *Framer) ReadMessage() ([]byte, error) {
	length, lenBytes, err := f.decodeLength()
	if err != nil {
		return nil, err
	}
	if length > f.maxMessage {
		return nil, MessageTooLarge(length, f.maxMessage)
	}
	// lenBytes already consumed from f.buf by decodeLength; now ensure the
	// body is buffered too.
	for len(f.buf) < length {
		if err := f.fill(); err != nil {
			if len(f.buf) > 0 {
				return nil, ErrStreamClosed
			}
			return nil, err
		}
	}
	_ = lenBytes
	msg := make([]byte, length)
	copy(msg, f.buf[:length])
	f.buf = f.buf[length:]
	return msg, nil
}

// decodeLength reads (and buffers) bytes until a full varint length prefix
// is available, validating overflow/oversize before any body byte is read.
func (f *Framer) decodeLength() (length int, consumed int, err error) {
	var value uint64
	var shift uint
	idx := 0
	for {
		for idx >= len(f.buf) {
			if ferr := f.fill(); ferr != nil {
				if idx > 0 {
					return 0, 0, ErrStreamClosed
				}
				return 0, 0, ferr
			}
		}
		b := f.buf[idx]
		idx++
		if idx == maxVarintBytes && b > 1 {
			return 0, 0, ErrInvalidVarint
		}
		value |= uint64(b&0x7f) << shift
		if b < 0x80 {
			break
		}
		shift += 7
		if idx >= maxVarintBytes+1 {
			return 0, 0, ErrInvalidVarint
		}
		if int(value) > f.maxMessage {
			return 0, 0, MessageTooLarge(int(value), f.maxMessage)
		}
	}
	if int(value) > f.maxMessage {
		return 0, 0, MessageTooLarge(int(value), f.maxMessage)
	}
	f.buf = f.buf[idx:]
	return int(value), idx, nil
}

// fill reads one chunk from the underlying stream into the buffer.
func (f *Framer) fill() error {
	chunk := make([]byte, 4096)
	n, err := f.r.Read(chunk)
	if n > 0 {
		f.buf = append(f.buf, chunk[:n]...)
	}
	if n == 0 && err != nil {
		return err
	}
	return nil
}

// DrainRemainder returns and clears any buffered bytes not yet consumed by
// ReadMessage, handing pre-read application data to the next layer down
//.
func (f *Framer) DrainRemainder() []byte {
	out := f.buf
	f.buf = nil
	return out
}
