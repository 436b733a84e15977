// Package dnsaddr resolves /dnsaddr/<domain> addresses by querying
// _dnsaddr.<domain> TXT records, each holding a "dnsaddr=<multiaddr>" entry,
// per the multiaddr dnsaddr convention.
package dnsaddr

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/shurlinet/swarmcore/swarm"
)

const dnsaddrPrefix = "dnsaddr="

// defaultServer is used when Resolver.Server is empty.
const defaultServer = "1.1.1.1:53"

// defaultTimeout bounds a single TXT lookup.
const defaultTimeout = 5 * time.Second

// Resolver looks up dnsaddr TXT records via a plain DNS client (no system
// resolver dependency, so behavior is identical in containers with a
// minimal or absent /etc/resolv.conf).
type Resolver struct {
	// Server is the DNS server to query, host:port. Defaults to
	// defaultServer.
	Server string
	// Timeout bounds each Exchange call. Defaults to defaultTimeout.
	Timeout time.Duration
}

// New creates a Resolver with default settings.
func New() *Resolver {
	return &Resolver{}
}

// Resolve looks up domain's dnsaddr TXT records and parses each
// "dnsaddr=<multiaddr>" entry as a swarm.Address. Entries that fail to
// parse are skipped rather than failing the whole lookup, since a zone
// administrator may list addresses for peers this node doesn't understand.
func (r *Resolver) Resolve(ctx context.Context, domain string) ([]*swarm.Address, error) {
	server := r.Server
	if server == "" {
		server = defaultServer
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	fqdn := dns.Fqdn("_dnsaddr." + strings.TrimPrefix(domain, "_dnsaddr."))

	msg := new(dns.Msg)
	msg.SetQuestion(fqdn, dns.TypeTXT)
	msg.RecursionDesired = true

	client := &dns.Client{Timeout: timeout}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			client.Timeout = remaining
		}
	}

	resp, _, err := client.Exchange(msg, server)
	if err != nil {
		return nil, fmt.Errorf("dnsaddr: query %s: %w", fqdn, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("dnsaddr: query %s: rcode %s", fqdn, dns.RcodeToString[resp.Rcode])
	}

	var addrs []*swarm.Address
	for _, rr := range resp.Answer {
		txt, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}
		for _, entry := range txt.Txt {
			if !strings.HasPrefix(entry, dnsaddrPrefix) {
				continue
			}
			text := strings.TrimPrefix(entry, dnsaddrPrefix)
			addr, err := swarm.ParseAddress(text)
			if err != nil {
				continue
			}
			addrs = append(addrs, addr)
		}
	}
	return addrs, nil
}
