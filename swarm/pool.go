package swarm

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

var errUnknownConnectionID = errors.New("swarm: unknown connection id")

// ConnectionID identifies one ManagedConnection entry in the pool.
type ConnectionID string

func newConnectionID() ConnectionID {
	return ConnectionID(uuid.NewString())
}

// Direction is which side initiated a connection.
type Direction int

const (
	DirectionInbound Direction = iota
	DirectionOutbound
)

func (d Direction) String() string {
	if d == DirectionInbound {
		return "inbound"
	}
	return "outbound"
}

// ConnState is the ManagedConnection lifecycle state.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateConnected
	StateReconnecting
	StateDisconnected
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ManagedConnection is one pool entry.
type ManagedConnection struct {
	ID              ConnectionID
	Peer            PeerID
	Addr            *Address
	Direction       Direction
	IsLimited       bool
	State           ConnState
	Tags            map[string]int
	Protected       bool
	ConnectedAt     time.Time
	LastActivity    time.Time
	RetryCount      int
	ReconnectAddress *Address
	Connection      MuxedConnection

	activeStreams int
}

// PathType classifies a connection as direct or relayed, mirroring the
// teacher's connection-path classification for diagnostics and metrics.
func (m *ManagedConnection) PathType() string {
	if m.IsLimited {
		return "relayed"
	}
	return "direct"
}

func (m *ManagedConnection) tagCount() int {
	total := 0
	for _, n := range m.Tags {
		total += n
	}
	return total
}

// PendingDial is the shared task handle joined by concurrent connect(peer)
// calls to the same peer.
type PendingDial struct {
	Peer PeerID
	Done chan struct{}

	mu     sync.Mutex
	result *ManagedConnection
	err    error
}

func newPendingDial(peer PeerID) *PendingDial {
	return &PendingDial{Peer: peer, Done: make(chan struct{})}
}

// Resolve completes the pending dial for every joiner; safe to call once.
func (pd *PendingDial) Resolve(conn *ManagedConnection, err error) {
	pd.mu.Lock()
	pd.result = conn
	pd.err = err
	pd.mu.Unlock()
	close(pd.Done)
}

// Result returns the resolved outcome; callers must wait on Done first.
func (pd *PendingDial) Result() (*ManagedConnection, error) {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	return pd.result, pd.err
}

// PoolConfig bounds a ConnectionPool's admission and trim behavior
//.
type PoolConfig struct {
	HighWatermark int
	LowWatermark  int
	MaxPerPeer    int
	// GracePeriod is how long a connection is exempt from trimming after it
	// connects.
	GracePeriod time.Duration
}

// TrimCandidate is one row of a TrimReport.
type TrimCandidate struct {
	ID             ConnectionID
	Peer           PeerID
	Rank           int
	TagCount       int
	IdleDuration   time.Duration
	Direction      Direction
	SelectedForTrim bool
}

// TrimReport is the pure snapshot of a pool's trim decision, returned before
// any entry is actually removed.
type TrimReport struct {
	ActiveCount     int
	TargetTrimCount int
	Trimmable       int
	Candidates      []TrimCandidate
	SelectedCount   int
}

// Constrained reports whether the trim could not reach its target because
// too few non-protected entries were trimmable.
func (r TrimReport) Constrained() bool {
	return r.SelectedCount < r.TargetTrimCount
}

// ConnectionPool owns the ManagedConnection table, keyed by ConnectionID with
// a secondary PeerID index. All operations are atomic with
// respect to each other via a single mutex; no lock is held across I/O.
type ConnectionPool struct {
	cfg   PoolConfig
	clock clock.Clock

	mu      sync.Mutex
	byID    map[ConnectionID]*ManagedConnection
	byPeer  map[PeerID]map[ConnectionID]struct{}
	pending map[PeerID]*PendingDial
}

// NewConnectionPool creates a ConnectionPool. A nil clk selects the real
// wall clock.
func NewConnectionPool(cfg PoolConfig, clk clock.Clock) *ConnectionPool {
	if clk == nil {
		clk = clock.New()
	}
	return &ConnectionPool{
		cfg:     cfg,
		clock:   clk,
		byID:    make(map[ConnectionID]*ManagedConnection),
		byPeer:  make(map[PeerID]map[ConnectionID]struct{}),
		pending: make(map[PeerID]*PendingDial),
	}
}

func (p *ConnectionPool) indexPeer(id ConnectionID, peer PeerID) {
	set, ok := p.byPeer[peer]
	if !ok {
		set = make(map[ConnectionID]struct{})
		p.byPeer[peer] = set
	}
	set[id] = struct{}{}
}

func (p *ConnectionPool) unindexPeer(id ConnectionID, peer PeerID) {
	set, ok := p.byPeer[peer]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(p.byPeer, peer)
	}
}

// AddConnecting inserts a placeholder entry for a dial or accept in
// progress; UpdateConnection later promotes it to connected.
func (p *ConnectionPool) AddConnecting(peer PeerID, addr *Address, dir Direction, isLimited bool) ConnectionID {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := newConnectionID()
	now := p.clock.Now()
	m := &ManagedConnection{
		ID:           id,
		Peer:         peer,
		Addr:         addr,
		Direction:    dir,
		IsLimited:    isLimited,
		State:        StateConnecting,
		Tags:         make(map[string]int),
		LastActivity: now,
	}
	p.byID[id] = m
	p.indexPeer(id, peer)
	return id
}

// Add inserts an already-established connection directly into the
// connected state.
func (p *ConnectionPool) Add(conn MuxedConnection, peer PeerID, addr *Address, dir Direction, isLimited bool) ConnectionID {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := newConnectionID()
	now := p.clock.Now()
	m := &ManagedConnection{
		ID:           id,
		Peer:         peer,
		Addr:         addr,
		Direction:    dir,
		IsLimited:    isLimited,
		State:        StateConnected,
		Tags:         make(map[string]int),
		ConnectedAt:  now,
		LastActivity: now,
		Connection:   conn,
	}
	p.byID[id] = m
	p.indexPeer(id, peer)
	return id
}

// UpdateConnection promotes a connecting entry to connected once the upgrade
// pipeline completes.
func (p *ConnectionPool) UpdateConnection(id ConnectionID, conn MuxedConnection) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.byID[id]
	if !ok {
		return errUnknownConnectionID
	}
	now := p.clock.Now()
	m.Connection = conn
	m.State = StateConnected
	m.ConnectedAt = now
	m.LastActivity = now
	return nil
}

// Remove deletes one entry by id, returning it for caller cleanup.
func (p *ConnectionPool) Remove(id ConnectionID) (*ManagedConnection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.byID[id]
	if !ok {
		return nil, false
	}
	delete(p.byID, id)
	p.unindexPeer(id, m.Peer)
	return m, true
}

// RemoveForPeer deletes every entry for peer, returning them for cleanup.
func (p *ConnectionPool) RemoveForPeer(peer PeerID) []*ManagedConnection {
	p.mu.Lock()
	defer p.mu.Unlock()
	set := p.byPeer[peer]
	out := make([]*ManagedConnection, 0, len(set))
	for id := range set {
		out = append(out, p.byID[id])
		delete(p.byID, id)
	}
	delete(p.byPeer, peer)
	return out
}

// Connection returns the live muxed connection to peer, if any is in the
// connected state, refreshing its lastActivity as a side effect.
func (p *ConnectionPool) Connection(peer PeerID) (MuxedConnection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id := range p.byPeer[peer] {
		m := p.byID[id]
		if m.State == StateConnected {
			m.LastActivity = p.clock.Now()
			return m.Connection, true
		}
	}
	return nil, false
}

// Entry returns the ManagedConnection by id, if present.
func (p *ConnectionPool) Entry(id ConnectionID) (*ManagedConnection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.byID[id]
	return m, ok
}

// Tag adds one occurrence of tag to entry id.
func (p *ConnectionPool) Tag(id ConnectionID, tag string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.byID[id]; ok {
		m.Tags[tag]++
	}
}

// Untag removes one occurrence of tag from entry id.
func (p *ConnectionPool) Untag(id ConnectionID, tag string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.byID[id]
	if !ok {
		return
	}
	if m.Tags[tag] > 1 {
		m.Tags[tag]--
	} else {
		delete(m.Tags, tag)
	}
}

// Protect marks entry id as never eligible for trimming.
func (p *ConnectionPool) Protect(id ConnectionID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.byID[id]; ok {
		m.Protected = true
	}
}

// Unprotect clears id's protection.
func (p *ConnectionPool) Unprotect(id ConnectionID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.byID[id]; ok {
		m.Protected = false
	}
}

func (p *ConnectionPool) activeCountLocked() int {
	n := 0
	for _, m := range p.byID {
		if m.State == StateConnected || m.State == StateConnecting {
			n++
		}
	}
	return n
}

// CanDialOutbound reports whether starting one more outbound dial would
// respect the high watermark and per-peer cap.
func (p *ConnectionPool) CanDialOutbound(peer PeerID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cfg.HighWatermark > 0 && p.activeCountLocked()+1 > p.cfg.HighWatermark {
		return false
	}
	return p.canConnectToLocked(peer)
}

// CanAcceptInbound reports whether one more inbound connection would
// respect the high watermark.
func (p *ConnectionPool) CanAcceptInbound() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cfg.HighWatermark > 0 && p.activeCountLocked()+1 > p.cfg.HighWatermark {
		return false
	}
	return true
}

func (p *ConnectionPool) canConnectToLocked(peer PeerID) bool {
	if p.cfg.MaxPerPeer <= 0 {
		return true
	}
	return len(p.byPeer[peer]) < p.cfg.MaxPerPeer
}

// CanConnectTo reports whether peer is under its per-peer connection cap.
func (p *ConnectionPool) CanConnectTo(peer PeerID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.canConnectToLocked(peer)
}

// IsConnected reports whether any entry for peer is in the connected state.
func (p *ConnectionPool) IsConnected(peer PeerID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id := range p.byPeer[peer] {
		if p.byID[id].State == StateConnected {
			return true
		}
	}
	return false
}

// IdleConnections returns connected entries whose lastActivity is older
// than threshold and that have no active streams.
func (p *ConnectionPool) IdleConnections(threshold time.Duration) []*ManagedConnection {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()
	var out []*ManagedConnection
	for _, m := range p.byID {
		if m.State != StateConnected {
			continue
		}
		if m.activeStreams > 0 {
			continue
		}
		if now.Sub(m.LastActivity) >= threshold {
			out = append(out, m)
		}
	}
	return out
}

// TrimReport computes (without applying) the trim decision: sort connected
// entries by (protected desc, tagCount desc, connectedAt desc) and select a
// tail down to LowWatermark, never selecting a protected entry.
func (p *ConnectionPool) TrimReport() TrimReport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.trimReportLocked()
}

func (p *ConnectionPool) trimReportLocked() TrimReport {
	now := p.clock.Now()
	var connected []*ManagedConnection
	for _, m := range p.byID {
		if m.State == StateConnected {
			connected = append(connected, m)
		}
	}
	active := len(connected)
	target := 0
	if p.cfg.HighWatermark > 0 && active >= p.cfg.HighWatermark {
		target = active - p.cfg.LowWatermark
		if target < 0 {
			target = 0
		}
	}

	sort.SliceStable(connected, func(i, j int) bool {
		a, b := connected[i], connected[j]
		if a.Protected != b.Protected {
			return a.Protected // protected sorts first (desc)
		}
		if a.tagCount() != b.tagCount() {
			return a.tagCount() > b.tagCount()
		}
		return a.ConnectedAt.After(b.ConnectedAt)
	})

	candidates := make([]TrimCandidate, len(connected))
	for i, m := range connected {
		candidates[i] = TrimCandidate{
			ID:           m.ID,
			Peer:         m.Peer,
			Rank:         i,
			TagCount:     m.tagCount(),
			IdleDuration: now.Sub(m.LastActivity),
			Direction:    m.Direction,
		}
	}

	selected := 0
	if target > 0 {
		for i := len(candidates) - 1; i >= 0 && selected < target; i-- {
			m := connected[i]
			if m.Protected {
				continue
			}
			if p.cfg.GracePeriod > 0 && now.Sub(m.ConnectedAt) < p.cfg.GracePeriod {
				continue
			}
			candidates[i].SelectedForTrim = true
			selected++
		}
	}

	trimmable := 0
	for _, c := range candidates {
		if c.SelectedForTrim {
			trimmable++
		}
	}

	return TrimReport{
		ActiveCount:     active,
		TargetTrimCount: target,
		Trimmable:       trimmable,
		Candidates:      candidates,
		SelectedCount:   selected,
	}
}

// TrimIfNeeded computes a TrimReport and removes every selected candidate,
// returning the removed entries for caller cleanup (closing connections,
// emitting trimmedWithContext).
func (p *ConnectionPool) TrimIfNeeded() (TrimReport, []*ManagedConnection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	report := p.trimReportLocked()
	var removed []*ManagedConnection
	for _, c := range report.Candidates {
		if !c.SelectedForTrim {
			continue
		}
		m, ok := p.byID[c.ID]
		if !ok {
			continue
		}
		delete(p.byID, c.ID)
		p.unindexPeer(c.ID, m.Peer)
		removed = append(removed, m)
	}
	return report, removed
}

// CleanupStaleEntries removes terminal entries (disconnected/failed) older
// than threshold, in a collect-then-remove two-pass.
func (p *ConnectionPool) CleanupStaleEntries(threshold time.Duration) []*ManagedConnection {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()
	var stale []*ManagedConnection
	for _, m := range p.byID {
		if m.State != StateDisconnected && m.State != StateFailed {
			continue
		}
		if now.Sub(m.LastActivity) >= threshold {
			stale = append(stale, m)
		}
	}
	for _, m := range stale {
		delete(p.byID, m.ID)
		p.unindexPeer(m.ID, m.Peer)
	}
	return stale
}

// RegisterPendingDial records a pending dial for peer, or returns the
// already-registered one to join.
func (p *ConnectionPool) RegisterPendingDial(peer PeerID) (pd *PendingDial, joined bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.pending[peer]; ok {
		return existing, true
	}
	pd = newPendingDial(peer)
	p.pending[peer] = pd
	return pd, false
}

// RemovePendingDial clears the pending-dial entry for peer, regardless of
// outcome.
func (p *ConnectionPool) RemovePendingDial(peer PeerID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pending, peer)
}

// PendingDialFor returns the in-flight pending dial for peer, if any.
func (p *ConnectionPool) PendingDialFor(peer PeerID) (*PendingDial, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pd, ok := p.pending[peer]
	return pd, ok
}

// ResolveSimultaneousConnect applies the deterministic tie-break when two
// connected entries exist for the same peer: the side whose local peer id is
// smaller keeps its outbound entry, the other keeps its inbound entry; every
// other entry for peer is removed and returned for closing.
func (p *ConnectionPool) ResolveSimultaneousConnect(localPeer, remotePeer PeerID) []*ManagedConnection {
	p.mu.Lock()
	defer p.mu.Unlock()
	set := p.byPeer[remotePeer]
	if len(set) < 2 {
		return nil
	}
	var entries []*ManagedConnection
	for id := range set {
		m := p.byID[id]
		if m.State == StateConnected || m.State == StateConnecting {
			entries = append(entries, m)
		}
	}
	if len(entries) < 2 {
		return nil
	}

	keepDirection := DirectionInbound
	if localPeer.Less(remotePeer) {
		keepDirection = DirectionOutbound
	}

	var kept *ManagedConnection
	var losers []*ManagedConnection
	for _, m := range entries {
		if kept == nil && m.Direction == keepDirection {
			kept = m
			continue
		}
		losers = append(losers, m)
	}
	if kept == nil {
		// Nothing matches the keep-direction rule (e.g. two outbound
		// entries racing); keep the earliest and drop the rest.
		sort.Slice(entries, func(i, j int) bool { return entries[i].ConnectedAt.Before(entries[j].ConnectedAt) })
		kept = entries[0]
		losers = entries[1:]
	}
	for _, m := range losers {
		delete(p.byID, m.ID)
		p.unindexPeer(m.ID, m.Peer)
	}
	return losers
}

// byPeerSnapshot returns a copy of the connection-id set for peer, safe to
// range over without holding the pool lock.
func (p *ConnectionPool) byPeerSnapshot(peer PeerID) map[ConnectionID]struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[ConnectionID]struct{}, len(p.byPeer[peer]))
	for id := range p.byPeer[peer] {
		out[id] = struct{}{}
	}
	return out
}

// connectedPeersSnapshot lists every peer with at least one connected entry.
func (p *ConnectionPool) connectedPeersSnapshot() []PeerID {
	p.mu.Lock()
	defer p.mu.Unlock()
	seen := make(map[PeerID]struct{})
	var out []PeerID
	for _, m := range p.byID {
		if m.State != StateConnected {
			continue
		}
		if _, ok := seen[m.Peer]; ok {
			continue
		}
		seen[m.Peer] = struct{}{}
		out = append(out, m.Peer)
	}
	return out
}

// snapshotAll returns a copy of the full id->entry table, safe to range
// over and mutate the pool from concurrently (e.g. during Shutdown).
func (p *ConnectionPool) snapshotAll() map[ConnectionID]*ManagedConnection {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[ConnectionID]*ManagedConnection, len(p.byID))
	for id, m := range p.byID {
		out[id] = m
	}
	return out
}

// IncStreams/DecStreams track active-stream counts used by IdleConnections.
func (p *ConnectionPool) IncStreams(id ConnectionID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.byID[id]; ok {
		m.activeStreams++
	}
}

func (p *ConnectionPool) DecStreams(id ConnectionID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.byID[id]; ok && m.activeStreams > 0 {
		m.activeStreams--
	}
}
