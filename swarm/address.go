package swarm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Protocol codes, matching the values the multiaddr protocol table assigns
// to the same names. Only the subset this node actually speaks is defined;
// an address containing any other code decodes successfully as an opaque
// component (so re-encoding is still lossless) but none of the predicates
// below recognize it.
const (
	codeIP4        = 4
	codeTCP        = 6
	codeUDP        = 273
	codeDNS        = 53
	codeDNS4       = 54
	codeDNS6       = 55
	codeDNSAddr    = 56
	codeIP6        = 41
	codeUnix       = 400
	codeP2P        = 421
	codeQUIC       = 460
	codeQUICV1     = 461
	codeCertHash   = 466
	codeWS         = 477
	codeWSS        = 478
	codeP2PCircuit = 290
	codeMemory     = 777
)

// componentKind classifies how a protocol's value is encoded.
type componentKind int

const (
	kindNoValue componentKind = iota
	kindFixed32                // 4 raw bytes (IPv4)
	kindFixed128               // 16 raw bytes (IPv6)
	kindFixed16                // 2 raw bytes, big-endian (TCP/UDP port)
	kindLengthPrefixed         // unsigned-LEB128 length + bytes
	kindOpaque                 // unknown code: keep raw bytes verbatim
)

type protoInfo struct {
	code int
	name string
	kind componentKind
	// maxSize bounds kindLengthPrefixed payloads.
	maxSize int
}

var protocolsByCode = map[int]protoInfo{
	codeIP4:        {codeIP4, "ip4", kindFixed32, 0},
	codeIP6:        {codeIP6, "ip6", kindFixed128, 0},
	codeTCP:        {codeTCP, "tcp", kindFixed16, 0},
	codeUDP:        {codeUDP, "udp", kindFixed16, 0},
	codeDNS:        {codeDNS, "dns", kindLengthPrefixed, 4096},
	codeDNS4:       {codeDNS4, "dns4", kindLengthPrefixed, 4096},
	codeDNS6:       {codeDNS6, "dns6", kindLengthPrefixed, 4096},
	codeDNSAddr:    {codeDNSAddr, "dnsaddr", kindLengthPrefixed, 4096},
	codeUnix:       {codeUnix, "unix", kindLengthPrefixed, 4096},
	codeP2P:        {codeP2P, "p2p", kindLengthPrefixed, 4096},
	codeQUIC:       {codeQUIC, "quic", kindNoValue, 0},
	codeQUICV1:     {codeQUICV1, "quic-v1", kindNoValue, 0},
	codeCertHash:   {codeCertHash, "certhash", kindLengthPrefixed, 1024},
	codeWS:         {codeWS, "ws", kindNoValue, 0},
	codeWSS:        {codeWSS, "wss", kindNoValue, 0},
	codeP2PCircuit: {codeP2PCircuit, "p2p-circuit", kindNoValue, 0},
	codeMemory:     {codeMemory, "memory", kindLengthPrefixed, 1024},
}

var protocolsByName = func() map[string]protoInfo {
	m := make(map[string]protoInfo, len(protocolsByCode))
	for _, p := range protocolsByCode {
		m[p.name] = p
	}
	// "ipfs" is accepted on input text as a legacy alias for "p2p".
	m["ipfs"] = protocolsByCode[codeP2P]
	return m
}()

// Component is one typed protocol element of an Address.
type Component struct {
	Code  int
	Value []byte // raw decoded value (not re-LEB128-length-prefixed)
}

// Name returns the protocol name for this component's code, or "" if it is
// not one of the protocols this node recognizes.
func (c Component) Name() string {
	if p, ok := protocolsByCode[c.Code]; ok {
		return p.name
	}
	return ""
}

// Address is an ordered, immutable sequence of typed protocol components.
// Two addresses are equal iff their component sequences are equal.
type Address struct {
	components []Component
}

// Components returns the address's components in order. The returned slice
// must not be mutated by the caller.
func (a *Address) Components() []Component {
	return a.components
}

// Equal reports whether a and other describe the same component sequence.
func (a *Address) Equal(other *Address) bool {
	if a == nil || other == nil {
		return a == other
	}
	if len(a.components) != len(other.components) {
		return false
	}
	for i, c := range a.components {
		o := other.components[i]
		if c.Code != o.Code || !bytes.Equal(c.Value, o.Value) {
			return false
		}
	}
	return true
}

// NewAddress builds an Address directly from components, validating each
// value's size against its protocol's maximum.
func NewAddress(components ...Component) (*Address, error) {
	for _, c := range components {
		if err := validateComponent(c); err != nil {
			return nil, err
		}
	}
	cp := make([]Component, len(components))
	copy(cp, components)
	return &Address{components: cp}, nil
}

func validateComponent(c Component) error {
	p, ok := protocolsByCode[c.Code]
	if !ok {
		return nil // opaque/unknown: anything goes, re-encoded verbatim
	}
	switch p.kind {
	case kindFixed32:
		if len(c.Value) != 4 {
			return fmt.Errorf("%w: %s expects 4 bytes, got %d", ErrInvalidAddress, p.name, len(c.Value))
		}
	case kindFixed128:
		if len(c.Value) != 16 {
			return fmt.Errorf("%w: %s expects 16 bytes, got %d", ErrInvalidAddress, p.name, len(c.Value))
		}
	case kindFixed16:
		if len(c.Value) != 2 {
			return fmt.Errorf("%w: %s expects 2 bytes, got %d", ErrInvalidAddress, p.name, len(c.Value))
		}
	case kindLengthPrefixed:
		if len(c.Value) > p.maxSize {
			return fmt.Errorf("%w: %s value %d bytes exceeds max %d", ErrFieldTooLarge, p.name, len(c.Value), p.maxSize)
		}
	case kindNoValue:
		if len(c.Value) != 0 {
			return fmt.Errorf("%w: %s takes no value", ErrInvalidAddress, p.name)
		}
	}
	return nil
}

// EncodeBinary produces the canonical binary form: a sequence of
// <varint code><value>, with length-prefixed values carrying their own
// unsigned-LEB128 length.
func (a *Address) EncodeBinary() []byte {
	var buf []byte
	for _, c := range a.components {
		buf = putUvarint(buf, uint64(c.Code))
		p, known := protocolsByCode[c.Code]
		if known && p.kind == kindLengthPrefixed {
			buf = putUvarint(buf, uint64(len(c.Value)))
		}
		buf = append(buf, c.Value...)
	}
	return buf
}

// DecodeAddress parses the canonical binary form produced by EncodeBinary.
func DecodeAddress(b []byte) (*Address, error) {
	r := bytes.NewReader(b)
	var components []Component
	for r.Len() > 0 {
		code64, err := readUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("%w: component code: %v", ErrInvalidAddress, err)
		}
		code := int(code64)
		p, known := protocolsByCode[code]

		var value []byte
		switch {
		case known && p.kind == kindFixed32:
			value = make([]byte, 4)
		case known && p.kind == kindFixed128:
			value = make([]byte, 16)
		case known && p.kind == kindFixed16:
			value = make([]byte, 2)
		case known && p.kind == kindNoValue:
			value = nil
		case known && p.kind == kindLengthPrefixed:
			length, err := readUvarint(r)
			if err != nil {
				return nil, fmt.Errorf("%w: %s length: %v", ErrInvalidAddress, p.name, err)
			}
			if length > uint64(p.maxSize) {
				return nil, MessageTooLarge(int(length), p.maxSize)
			}
			value = make([]byte, length)
		default:
			// Unknown protocol: without a declared shape we cannot know
			// where the value ends, so the rest of the address is lost.
			return nil, UnknownProtocol(code)
		}
		if len(value) > 0 {
			if _, err := readFull(r, value); err != nil {
				return nil, fmt.Errorf("%w: %s value: %v", ErrMissingValue, safeName(known, p), err)
			}
		}
		components = append(components, Component{Code: code, Value: value})
	}
	return &Address{components: components}, nil
}

func safeName(known bool, p protoInfo) string {
	if known {
		return p.name
	}
	return "unknown"
}

func readFull(r *bytes.Reader, buf []byte) (int, error) {
	n, err := r.Read(buf)
	if err != nil {
		return n, err
	}
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// ---- text form ----

// ParseAddress parses the slash-separated text form, e.g.
// "/ip4/1.2.3.4/tcp/4001/p2p/<peer-id>".
func ParseAddress(s string) (*Address, error) {
	parts := strings.Split(s, "/")
	if len(parts) < 2 || parts[0] != "" {
		return nil, fmt.Errorf("%w: %q must start with /", ErrInvalidAddress, s)
	}
	parts = parts[1:]

	var components []Component
	for i := 0; i < len(parts); {
		name := parts[i]
		i++
		p, ok := protocolsByName[name]
		if !ok {
			return nil, fmt.Errorf("%w: unknown protocol %q", ErrInvalidAddress, name)
		}
		var rawValue string
		needsValue := p.kind != kindNoValue
		if needsValue {
			if i >= len(parts) {
				return nil, fmt.Errorf("%w: %s: %v", ErrMissingValue, name, s)
			}
			rawValue = parts[i]
			i++
		}
		value, err := encodeTextValue(p, rawValue)
		if err != nil {
			return nil, err
		}
		components = append(components, Component{Code: p.code, Value: value})
	}
	return &Address{components: components}, nil
}

func encodeTextValue(p protoInfo, raw string) ([]byte, error) {
	switch p.kind {
	case kindNoValue:
		return nil, nil
	case kindFixed32:
		ip := net.ParseIP(raw).To4()
		if ip == nil {
			return nil, fmt.Errorf("%w: invalid ip4 %q", ErrInvalidAddress, raw)
		}
		return []byte(ip), nil
	case kindFixed128:
		ip, err := parseIPv6Text(raw)
		if err != nil {
			return nil, err
		}
		return ip, nil
	case kindFixed16:
		port, err := strconv.ParseUint(raw, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid port %q", ErrInvalidAddress, raw)
		}
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, uint16(port))
		return buf, nil
	case kindLengthPrefixed:
		if p.code == codeP2P {
			id, err := ParsePeerID(raw)
			if err != nil {
				return nil, err
			}
			if len(id) > p.maxSize {
				return nil, fmt.Errorf("%w: p2p id", ErrFieldTooLarge)
			}
			return []byte(id), nil
		}
		if len(raw) > p.maxSize {
			return nil, fmt.Errorf("%w: %s", ErrFieldTooLarge, p.name)
		}
		return []byte(raw), nil
	default:
		return nil, UnknownProtocol(p.code)
	}
}

// String renders the canonical text form.
func (a *Address) String() string {
	var sb strings.Builder
	for _, c := range a.components {
		p, known := protocolsByCode[c.Code]
		name := c.Name()
		if name == "" {
			name = strconv.Itoa(c.Code)
		}
		sb.WriteByte('/')
		sb.WriteString(name)
		if !known {
			if len(c.Value) > 0 {
				sb.WriteByte('/')
				sb.WriteString(fmt.Sprintf("%x", c.Value))
			}
			continue
		}
		switch p.kind {
		case kindNoValue:
			// nothing more to write
		case kindFixed32:
			sb.WriteByte('/')
			sb.WriteString(net.IP(c.Value).String())
		case kindFixed128:
			sb.WriteByte('/')
			sb.WriteString(formatIPv6(c.Value))
		case kindFixed16:
			sb.WriteByte('/')
			sb.WriteString(strconv.Itoa(int(binary.BigEndian.Uint16(c.Value))))
		case kindLengthPrefixed:
			sb.WriteByte('/')
			if p.code == codeP2P {
				sb.WriteString(PeerID(c.Value).String())
			} else {
				sb.WriteString(string(c.Value))
			}
		}
	}
	return sb.String()
}

// ---- predicates used by the dial ranker and resolvers ----

func (a *Address) hasCode(code int) bool {
	for _, c := range a.components {
		if c.Code == code {
			return true
		}
	}
	return false
}

// IsIPv6 reports whether the address's network-layer component is IPv6.
func (a *Address) IsIPv6() bool { return a.hasCode(codeIP6) }

// IsIPv4 reports whether the address's network-layer component is IPv4.
func (a *Address) IsIPv4() bool { return a.hasCode(codeIP4) }

// IsQUIC reports whether the address carries a quic or quic-v1 component.
func (a *Address) IsQUIC() bool { return a.hasCode(codeQUIC) || a.hasCode(codeQUICV1) }

// IsTCP reports whether the address carries a tcp component.
func (a *Address) IsTCP() bool { return a.hasCode(codeTCP) }

// HasDNSComponent reports whether the address resolves through a DNS name
// rather than a literal IP (dns, dns4, dns6, or dnsaddr).
func (a *Address) HasDNSComponent() bool {
	return a.hasCode(codeDNS) || a.hasCode(codeDNS4) || a.hasCode(codeDNS6) || a.hasCode(codeDNSAddr)
}

// IsRelay reports whether the address routes through a circuit relay.
func (a *Address) IsRelay() bool { return a.hasCode(codeP2PCircuit) }

// ExtractPeerID returns the trailing p2p component's PeerID, if present.
// Extraction is total: ok is false rather than an error when absent.
func (a *Address) ExtractPeerID() (id PeerID, ok bool) {
	for i := len(a.components) - 1; i >= 0; i-- {
		if a.components[i].Code == codeP2P {
			return PeerID(a.components[i].Value), true
		}
	}
	return "", false
}

// IP returns the address's network-layer IP, if it has an ip4 or ip6
// component.
func (a *Address) IP() (net.IP, bool) {
	for _, c := range a.components {
		if c.Code == codeIP4 || c.Code == codeIP6 {
			return net.IP(c.Value), true
		}
	}
	return nil, false
}

// Port returns the address's transport-layer port, if it has a tcp or udp
// component.
func (a *Address) Port() (uint16, bool) {
	for _, c := range a.components {
		if c.Code == codeTCP || c.Code == codeUDP {
			return binary.BigEndian.Uint16(c.Value), true
		}
	}
	return 0, false
}

// WithoutPeerID returns a copy of a with any trailing p2p component removed,
// e.g. to hand a transport the dialable prefix of a /.../p2p/<id> address.
func (a *Address) WithoutPeerID() *Address {
	out := make([]Component, 0, len(a.components))
	for _, c := range a.components {
		if c.Code == codeP2P {
			continue
		}
		out = append(out, c)
	}
	return &Address{components: out}
}
