// Package autonatv2 implements the AutoNAT v2 reachability protocol
//: a nonce-verified dial-back check that lets a peer
// learn whether it is publicly reachable, with rate limiting and
// amplification defenses on the server side.
package autonatv2

import (
	"encoding/binary"
	"fmt"

	"github.com/shurlinet/swarmcore/swarm"
)

// Protocol identifiers.
const (
	DialRequestProtocolID = "/libp2p/autonat/2/dial-request"
	DialBackProtocolID    = "/libp2p/autonat/2/dial-back"
)

// Status codes carried in a DialResponse.
type Status int

const (
	StatusOK            Status = 0
	StatusDialError     Status = 100
	StatusDialBackError Status = 101
	StatusBadRequest    Status = 200
	StatusInternalError Status = 300
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusDialError:
		return "dialError"
	case StatusDialBackError:
		return "dialBackError"
	case StatusBadRequest:
		return "badRequest"
	case StatusInternalError:
		return "internalError"
	default:
		return "unknown"
	}
}

// Record type tags.
const (
	recordTypeDialRequest  = 0
	recordTypeDialResponse = 1
	recordTypeDialBack     = 2
)

// Field tags, matching the protobuf-compatible byte layout on the wire.
const (
	tagRecordType = 0x08
	tagDialReq    = 0x12
	tagDialResp   = 0x1A
	tagDialBack   = 0x22

	tagReqAddress = 0x0A
	tagReqNonce   = 0x11

	tagRespStatus  = 0x08
	tagRespAddress = 0x12

	tagBackNonce = 0x09
)

// DialRequest asks the server to dial address back and deliver nonce.
type DialRequest struct {
	Address *swarm.Address
	Nonce   uint64
}

// DialResponse is the server's reply to a DialRequest.
type DialResponse struct {
	Status  Status
	Address *swarm.Address // only set when Status == StatusOK
}

// DialBack is delivered by the server over a fresh stream once it has
// genuinely dialed the client back.
type DialBack struct {
	Nonce uint64
}

func putVarint(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

func readVarint(b []byte) (uint64, int, error) {
	var v uint64
	var shift uint
	for i := 0; i < len(b); i++ {
		c := b[i]
		v |= uint64(c&0x7f) << shift
		if c < 0x80 {
			return v, i + 1, nil
		}
		shift += 7
		if shift >= 64 {
			return 0, 0, swarm.ErrInvalidVarint
		}
	}
	return 0, 0, fmt.Errorf("autonatv2: truncated varint")
}

func putFixed64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

// EncodeDialRequest serializes a DialRequest field (without the top-level
// record wrapper).
func EncodeDialRequest(req DialRequest) []byte {
	var body []byte
	addrBytes := req.Address.EncodeBinary()
	body = append(body, tagReqAddress)
	body = putVarint(body, uint64(len(addrBytes)))
	body = append(body, addrBytes...)
	body = append(body, tagReqNonce)
	body = putFixed64(body, req.Nonce)
	return wrapRecord(recordTypeDialRequest, tagDialReq, body)
}

// EncodeDialResponse serializes a DialResponse record.
func EncodeDialResponse(resp DialResponse) []byte {
	var body []byte
	body = append(body, tagRespStatus)
	body = putVarint(body, uint64(resp.Status))
	if resp.Address != nil {
		addrBytes := resp.Address.EncodeBinary()
		body = append(body, tagRespAddress)
		body = putVarint(body, uint64(len(addrBytes)))
		body = append(body, addrBytes...)
	}
	return wrapRecord(recordTypeDialResponse, tagDialResp, body)
}

// EncodeDialBack serializes a DialBack record.
func EncodeDialBack(db DialBack) []byte {
	var body []byte
	body = append(body, tagBackNonce)
	body = putFixed64(body, db.Nonce)
	return wrapRecord(recordTypeDialBack, tagDialBack, body)
}

func wrapRecord(recordType int, innerTag byte, body []byte) []byte {
	var out []byte
	out = append(out, tagRecordType)
	out = putVarint(out, uint64(recordType))
	out = append(out, innerTag)
	out = putVarint(out, uint64(len(body)))
	out = append(out, body...)
	return out
}

// DecodeRecord inspects the top-level record type without decoding the
// inner payload, so the caller can dispatch to the right Decode* function.
func DecodeRecord(b []byte) (recordType int, inner []byte, err error) {
	if len(b) < 2 || b[0] != tagRecordType {
		return 0, nil, swarm.ProtocolViolation("autonat v2: malformed record header")
	}
	rt, n, err := readVarint(b[1:])
	if err != nil {
		return 0, nil, err
	}
	rest := b[1+n:]
	if len(rest) < 1 {
		return 0, nil, swarm.ProtocolViolation("autonat v2: truncated record")
	}
	length, ln, err := readVarint(rest[1:])
	if err != nil {
		return 0, nil, err
	}
	body := rest[1+ln:]
	if uint64(len(body)) < length {
		return 0, nil, swarm.ProtocolViolation("autonat v2: truncated record body")
	}
	return int(rt), body[:length], nil
}

// DecodeDialRequest parses the inner body of a DialRequest record.
func DecodeDialRequest(body []byte) (DialRequest, error) {
	var req DialRequest
	for len(body) > 0 {
		tag := body[0]
		body = body[1:]
		switch tag {
		case tagReqAddress:
			l, n, err := readVarint(body)
			if err != nil {
				return req, err
			}
			body = body[n:]
			if uint64(len(body)) < l {
				return req, swarm.ProtocolViolation("autonat v2: truncated address field")
			}
			addr, err := swarm.DecodeAddress(body[:l])
			if err != nil {
				return req, err
			}
			req.Address = addr
			body = body[l:]
		case tagReqNonce:
			if len(body) < 8 {
				return req, swarm.ProtocolViolation("autonat v2: truncated nonce field")
			}
			req.Nonce = binary.LittleEndian.Uint64(body[:8])
			body = body[8:]
		default:
			return req, swarm.ProtocolViolation("autonat v2: unknown dial request field")
		}
	}
	if req.Address == nil {
		return req, swarm.ErrMissingValue
	}
	return req, nil
}

// DecodeDialResponse parses the inner body of a DialResponse record.
func DecodeDialResponse(body []byte) (DialResponse, error) {
	var resp DialResponse
	for len(body) > 0 {
		tag := body[0]
		body = body[1:]
		switch tag {
		case tagRespStatus:
			v, n, err := readVarint(body)
			if err != nil {
				return resp, err
			}
			resp.Status = Status(v)
			body = body[n:]
		case tagRespAddress:
			l, n, err := readVarint(body)
			if err != nil {
				return resp, err
			}
			body = body[n:]
			if uint64(len(body)) < l {
				return resp, swarm.ProtocolViolation("autonat v2: truncated address field")
			}
			addr, err := swarm.DecodeAddress(body[:l])
			if err != nil {
				return resp, err
			}
			resp.Address = addr
			body = body[l:]
		default:
			return resp, swarm.ProtocolViolation("autonat v2: unknown dial response field")
		}
	}
	return resp, nil
}

// DecodeDialBack parses the inner body of a DialBack record.
func DecodeDialBack(body []byte) (DialBack, error) {
	var db DialBack
	for len(body) > 0 {
		tag := body[0]
		body = body[1:]
		switch tag {
		case tagBackNonce:
			if len(body) < 8 {
				return db, swarm.ProtocolViolation("autonat v2: truncated nonce field")
			}
			db.Nonce = binary.LittleEndian.Uint64(body[:8])
			body = body[8:]
		default:
			return db, swarm.ProtocolViolation("autonat v2: unknown dial back field")
		}
	}
	return db, nil
}
