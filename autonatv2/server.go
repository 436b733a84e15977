package autonatv2

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/shurlinet/swarmcore/swarm"
)

// DialBackFunc both connects to address and delivers nonce to the remote
// peer over a fresh dial-back stream, returning an error if either the dial
// or the notification failed.
type DialBackFunc func(ctx context.Context, address *swarm.Address, nonce uint64) error

// ServerConfig configures the server side of AutoNAT v2.
type ServerConfig struct {
	RateLimits RateLimitConfig

	// AllowedPortRange, if non-zero, restricts which ports the server will
	// dial back to. A zero value (both fields 0) disables the restriction.
	AllowedPortMin uint16
	AllowedPortMax uint16

	// RequirePeerIDMatch requires the request's embedded p2p component (if
	// any) to equal the authenticated remote peer.
	RequirePeerIDMatch bool
}

// DefaultServerConfig returns conservative server-side defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{RateLimits: DefaultRateLimitConfig()}
}

// Server answers AutoNAT v2 dial-request streams.
type Server struct {
	cfg      ServerConfig
	limiter  *RateLimiter
	dialBack DialBackFunc

	eventCh chan ServerEvent
}

// ServerEvent reports one accept/reject/outcome decision for observability.
type ServerEvent struct {
	Peer    swarm.PeerID
	Allowed bool
	Status  Status
	Reason  string
}

// NewServer creates a Server. dialBack performs the actual outbound dial
// and nonce delivery; it is the only place the server touches the network
// beyond reading/writing the request stream.
func NewServer(cfg ServerConfig, dialBack DialBackFunc) *Server {
	return &Server{
		cfg:      cfg,
		limiter:  NewRateLimiter(cfg.RateLimits),
		dialBack: dialBack,
		eventCh:  make(chan ServerEvent, 64),
	}
}

// Events returns the server's decision-event channel.
func (s *Server) Events() <-chan ServerEvent { return s.eventCh }

func (s *Server) emit(ev ServerEvent) {
	select {
	case s.eventCh <- ev:
	default:
	}
}

// HandleDialRequest reads one DialRequest from stream, applies rate limits
// and the amplification defense, invokes dialBack on success, and writes
// back a DialResponse.
func (s *Server) HandleDialRequest(ctx context.Context, stream swarm.Stream, remotePeer swarm.PeerID, observedIP net.IP) error {
	buf := make([]byte, 4096)
	n, err := stream.Read(buf)
	if err != nil && n == 0 {
		return fmt.Errorf("autonatv2: reading dial request: %w", err)
	}
	_, body, err := DecodeRecord(buf[:n])
	if err != nil {
		return s.reply(stream, DialResponse{Status: StatusBadRequest}, remotePeer, "malformed record")
	}
	req, err := DecodeDialRequest(body)
	if err != nil {
		return s.reply(stream, DialResponse{Status: StatusBadRequest}, remotePeer, "malformed dial request")
	}

	if !s.limiter.AllowRequest(remotePeer, time.Now()) {
		s.emit(ServerEvent{Peer: remotePeer, Allowed: false, Reason: "rate limited"})
		return s.reply(stream, DialResponse{Status: StatusBadRequest}, remotePeer, "rate limited")
	}

	if err := s.validateAmplification(req.Address, observedIP); err != nil {
		s.emit(ServerEvent{Peer: remotePeer, Allowed: false, Reason: err.Error()})
		return s.reply(stream, DialResponse{Status: StatusBadRequest}, remotePeer, err.Error())
	}

	if s.cfg.RequirePeerIDMatch {
		if embedded, ok := req.Address.ExtractPeerID(); ok && embedded != remotePeer {
			s.emit(ServerEvent{Peer: remotePeer, Allowed: false, Reason: "peer id mismatch"})
			return s.reply(stream, DialResponse{Status: StatusBadRequest}, remotePeer, "peer id mismatch")
		}
	}

	if !s.portAllowed(req.Address) {
		s.emit(ServerEvent{Peer: remotePeer, Allowed: false, Reason: "port not allowed"})
		return s.reply(stream, DialResponse{Status: StatusBadRequest}, remotePeer, "port not allowed")
	}

	s.emit(ServerEvent{Peer: remotePeer, Allowed: true})
	s.limiter.BeginDialBack(remotePeer)
	defer s.limiter.EndDialBack(remotePeer)

	if err := s.dialBack(ctx, req.Address, req.Nonce); err != nil {
		slog.Warn("autonatv2: dial-back failed", "peer", remotePeer, "error", err)
		return s.reply(stream, DialResponse{Status: StatusDialError}, remotePeer, err.Error())
	}

	return s.reply(stream, DialResponse{Status: StatusOK, Address: req.Address}, remotePeer, "")
}

func (s *Server) reply(stream swarm.Stream, resp DialResponse, peer swarm.PeerID, reason string) error {
	s.emit(ServerEvent{Peer: peer, Allowed: resp.Status == StatusOK, Status: resp.Status, Reason: reason})
	_, err := stream.Write(EncodeDialResponse(resp))
	return err
}

// validateAmplification enforces that the requested address's IP equals
// the observed IP of the requesting connection.
func (s *Server) validateAmplification(addr *swarm.Address, observedIP net.IP) error {
	ip, ok := addr.IP()
	if !ok {
		return fmt.Errorf("autonatv2: request address has no ip component")
	}
	if !ip.Equal(observedIP) {
		return fmt.Errorf("autonatv2: requested address ip does not match observed ip")
	}
	return nil
}

func (s *Server) portAllowed(addr *swarm.Address) bool {
	if s.cfg.AllowedPortMin == 0 && s.cfg.AllowedPortMax == 0 {
		return true
	}
	port, ok := addr.Port()
	if !ok {
		return false
	}
	return port >= s.cfg.AllowedPortMin && port <= s.cfg.AllowedPortMax
}
