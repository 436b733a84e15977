package swarm

import (
	"fmt"
	"sync"
)

// defaultConfirmationThreshold is the default number of distinct reporters
// required before an observed address is considered confirmed.
const defaultConfirmationThreshold = 4

// thinWaistKey groups observed addresses by IP family, IP value, and
// transport type, ignoring port (glossary: "Thin-waist key").
func thinWaistKey(addr *Address) (string, bool) {
	var family, ip, transport string
	for _, c := range addr.Components() {
		switch c.Code {
		case codeIP4:
			family, ip = "ip4", fmt.Sprintf("%x", c.Value)
		case codeIP6:
			family, ip = "ip6", fmt.Sprintf("%x", c.Value)
		case codeTCP:
			transport = "tcp"
		case codeUDP:
			if transport == "" {
				transport = "udp"
			}
		case codeQUIC, codeQUICV1:
			transport = "quic"
		}
	}
	if family == "" || transport == "" {
		return "", false
	}
	return family + "|" + ip + "|" + transport, true
}

type observationGroup struct {
	representative *Address
	reporters       map[PeerID]struct{}
	confirmed       bool
}

// ObservedAddressManager aggregates externally-observed local addresses —
// addresses remote peers say they saw us dial from — and confirms one once
// enough distinct peers report the same thin-waist key.
type ObservedAddressManager struct {
	threshold int

	mu     sync.Mutex
	groups map[string]*observationGroup
}

// NewObservedAddressManager creates a manager requiring threshold distinct
// reporters before confirming an address (<=0 selects the default).
func NewObservedAddressManager(threshold int) *ObservedAddressManager {
	if threshold <= 0 {
		threshold = defaultConfirmationThreshold
	}
	return &ObservedAddressManager{threshold: threshold, groups: make(map[string]*observationGroup)}
}

// RecordObservation records that reporter observed our local address as
// observed. Addresses lacking a recognizable thin-waist key (no IP or no
// transport component) are ignored.
func (m *ObservedAddressManager) RecordObservation(observed *Address, reporter PeerID) {
	key, ok := thinWaistKey(observed)
	if !ok {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[key]
	if !ok {
		g = &observationGroup{representative: observed, reporters: make(map[PeerID]struct{})}
		m.groups[key] = g
	}
	g.reporters[reporter] = struct{}{}
	if len(g.reporters) >= m.threshold {
		g.confirmed = true
	}
}

// ConfirmedAddresses returns the representative address of every group that
// has crossed the confirmation threshold.
func (m *ObservedAddressManager) ConfirmedAddresses() []*Address {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Address
	for _, g := range m.groups {
		if g.confirmed {
			out = append(out, g.representative)
		}
	}
	return out
}

// ReporterCount returns how many distinct peers have reported observed's
// thin-waist group, for diagnostics and tests.
func (m *ObservedAddressManager) ReporterCount(observed *Address) int {
	key, ok := thinWaistKey(observed)
	if !ok {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[key]
	if !ok {
		return 0
	}
	return len(g.reporters)
}
