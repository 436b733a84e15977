package swarm

import (
	"context"
	"fmt"
)

// upgradeMaxMessage bounds multistream-select frames exchanged during the
// security and muxer negotiation rounds of the upgrade pipeline.
const upgradeMaxMessage = 64 * 1024

// Upgrader drives a RawConnection through the three upgrade-pipeline stages
//: multistream-select a SecurityUpgrader, run its handshake,
// then multistream-select a Muxer and hand back a MuxedConnection. Remainder
// bytes from each negotiation round are not dropped; NegotiationResult's
// Remainder is only ever non-empty on the wire-format side (pre-encryption),
// so nothing is lost across the security boundary.
type Upgrader struct {
	securityUpgraders []SecurityUpgrader
	muxers            []Muxer
	gater             ConnectionGater
}

// NewUpgrader builds an Upgrader from the configured security upgraders and
// muxers, in preference order (first entry is offered first during
// negotiation). Both lists must be non-empty.
func NewUpgrader(securityUpgraders []SecurityUpgrader, muxers []Muxer, gater ConnectionGater) (*Upgrader, error) {
	if len(securityUpgraders) == 0 {
		return nil, ErrNoSecurityUpgraders
	}
	if len(muxers) == 0 {
		return nil, ErrNoMuxers
	}
	if gater == nil {
		gater = AllowAllGater{}
	}
	return &Upgrader{securityUpgraders: securityUpgraders, muxers: muxers, gater: gater}, nil
}

func (u *Upgrader) securityIDs() []string {
	ids := make([]string, len(u.securityUpgraders))
	for i, s := range u.securityUpgraders {
		ids[i] = s.ID()
	}
	return ids
}

func (u *Upgrader) muxerIDs() []string {
	ids := make([]string, len(u.muxers))
	for i, m := range u.muxers {
		ids[i] = m.ID()
	}
	return ids
}

func (u *Upgrader) securityByID(id string) SecurityUpgrader {
	for _, s := range u.securityUpgraders {
		if s.ID() == id {
			return s
		}
	}
	return nil
}

func (u *Upgrader) muxerByID(id string) Muxer {
	for _, m := range u.muxers {
		if m.ID() == id {
			return m
		}
	}
	return nil
}

// UpgradeOutbound drives the outbound (dialer) side of the pipeline against
// a freshly dialed RawConnection, verifying the remote peer matches expected.
func (u *Upgrader) UpgradeOutbound(ctx context.Context, raw RawConnection, expected PeerID) (MuxedConnection, error) {
	secResult, err := NegotiateInitiatorLazy(raw, u.securityIDs(), upgradeMaxMessage)
	if err != nil {
		return nil, fmt.Errorf("swarm: upgrade security negotiation: %w", err)
	}
	sec := u.securityByID(secResult.Protocol)
	if sec == nil {
		return nil, ProtocolViolation("negotiated unknown security protocol " + secResult.Protocol)
	}
	secured, err := sec.SecureOutbound(ctx, raw, expected)
	if err != nil {
		return nil, fmt.Errorf("swarm: security handshake: %w", err)
	}
	if expected != "" && secured.RemotePeer() != expected {
		secured.Close()
		return nil, ErrPeerIDMismatch
	}
	if !u.gater.InterceptSecured(StageDial, secured.RemotePeer(), secured.RemoteAddr()) {
		secured.Close()
		return nil, ConnectionGated(StageSecured)
	}

	muxResult, err := NegotiateInitiatorLazy(secured, u.muxerIDs(), upgradeMaxMessage)
	if err != nil {
		secured.Close()
		return nil, fmt.Errorf("swarm: upgrade muxer negotiation: %w", err)
	}
	mux := u.muxerByID(muxResult.Protocol)
	if mux == nil {
		secured.Close()
		return nil, ProtocolViolation("negotiated unknown muxer " + muxResult.Protocol)
	}
	muxed, err := mux.NewConn(ctx, secured, false)
	if err != nil {
		secured.Close()
		return nil, fmt.Errorf("swarm: muxer setup: %w", err)
	}
	return muxed, nil
}

// UpgradeInbound drives the responder side of the pipeline against an
// accepted RawConnection.
func (u *Upgrader) UpgradeInbound(ctx context.Context, raw RawConnection) (MuxedConnection, error) {
	if !u.gater.InterceptAccept(raw.RemoteAddr()) {
		raw.Close()
		return nil, ConnectionGated(StageAccept)
	}

	secResult, err := NegotiateResponder(raw, u.securityIDs(), upgradeMaxMessage)
	if err != nil {
		return nil, fmt.Errorf("swarm: upgrade security negotiation: %w", err)
	}
	sec := u.securityByID(secResult.Protocol)
	if sec == nil {
		return nil, ProtocolViolation("negotiated unknown security protocol " + secResult.Protocol)
	}
	secured, err := sec.SecureInbound(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("swarm: security handshake: %w", err)
	}
	if !u.gater.InterceptSecured(StageAccept, secured.RemotePeer(), secured.RemoteAddr()) {
		secured.Close()
		return nil, ConnectionGated(StageSecured)
	}

	muxResult, err := NegotiateResponder(secured, u.muxerIDs(), upgradeMaxMessage)
	if err != nil {
		secured.Close()
		return nil, fmt.Errorf("swarm: upgrade muxer negotiation: %w", err)
	}
	mux := u.muxerByID(muxResult.Protocol)
	if mux == nil {
		secured.Close()
		return nil, ProtocolViolation("negotiated unknown muxer " + muxResult.Protocol)
	}
	muxed, err := mux.NewConn(ctx, secured, true)
	if err != nil {
		secured.Close()
		return nil, fmt.Errorf("swarm: muxer setup: %w", err)
	}
	return muxed, nil
}
