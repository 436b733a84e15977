package swarm

// ConnectionGater lets a Node veto connection attempts at three points in
// their lifecycle. A nil ConnectionGater allows
// everything; Node treats it as optional exactly like its metrics and event
// collaborators.
type ConnectionGater interface {
	// InterceptDial is consulted before an outbound dial is attempted.
	InterceptDial(addr *Address) bool
	// InterceptAccept is consulted on an inbound RawConnection's remote
	// address before any handshake bytes are exchanged.
	InterceptAccept(remote *Address) bool
	// InterceptSecured is consulted once the remote peer identity is known,
	// for both inbound and outbound connections.
	InterceptSecured(stage DialStage, remote PeerID, addr *Address) bool
}

// AllowAllGater is a ConnectionGater that never rejects anything; useful as
// a default or in tests.
type AllowAllGater struct{}

func (AllowAllGater) InterceptDial(*Address) bool                          { return true }
func (AllowAllGater) InterceptAccept(*Address) bool                        { return true }
func (AllowAllGater) InterceptSecured(DialStage, PeerID, *Address) bool { return true }
