// Package resolver maps a domain name and port to a concrete socket
// address, the server-side half of CONNECT requests that name a domain
// rather than an IP literal.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"
)

// ErrUnresolvedDomain is returned when a lookup's answer set is empty.
var ErrUnresolvedDomain = errors.New("resolver: domain did not resolve")

// Resolver maps a domain name to an IP address. Implementations must be
// cheap to clone and safe to share across goroutines -- a single resolver
// instance is shared by every dispatcher goroutine.
type Resolver interface {
	Lookup(ctx context.Context, domain string, port uint16) (*net.TCPAddr, error)
}

// exchangeFunc performs one DNS exchange against server. Swappable in tests
// to point at a loopback server instead of d.client.ExchangeContext.
type exchangeFunc func(ctx context.Context, msg *dns.Msg, server string) (*dns.Msg, error)

// DNSResolver resolves domains by querying the system's configured
// nameservers directly with miekg/dns, racing an A and an AAAA query. It
// holds only a *dns.Client and a read-only nameserver list, so a
// *DNSResolver is safe to share across every server dispatcher goroutine
// without locking.
type DNSResolver struct {
	client      *dns.Client
	nameservers []string
	exchange    exchangeFunc
}

// NewDNSResolver builds a resolver from the system's /etc/resolv.conf. On
// platforms or containers without one, it falls back to a public resolver
// so the server still starts.
func NewDNSResolver() (*DNSResolver, error) {
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(cfg.Servers) == 0 {
		return newDNSResolver([]string{"1.1.1.1:53", "8.8.8.8:53"}), nil
	}

	servers := make([]string, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		servers = append(servers, net.JoinHostPort(s, cfg.Port))
	}

	return newDNSResolver(servers), nil
}

func newDNSResolver(nameservers []string) *DNSResolver {
	client := &dns.Client{}
	return &DNSResolver{
		client:      client,
		nameservers: nameservers,
		exchange: func(ctx context.Context, msg *dns.Msg, server string) (*dns.Msg, error) {
			reply, _, err := client.ExchangeContext(ctx, msg, server)
			return reply, err
		},
	}
}

// Lookup returns the first A or AAAA answer for domain, paired with port.
func (d *DNSResolver) Lookup(ctx context.Context, domain string, port uint16) (*net.TCPAddr, error) {
	fqdn := dns.Fqdn(domain)

	var v4, v6 net.IP
	var errA, errAAAA error
	var group errgroup.Group

	group.Go(func() error {
		ip, err := d.query(ctx, fqdn, dns.TypeA)
		if err != nil {
			errA = err
			return err
		}
		v4 = ip
		return nil
	})
	group.Go(func() error {
		ip, err := d.query(ctx, fqdn, dns.TypeAAAA)
		if err != nil {
			errAAAA = err
			return err
		}
		v6 = ip
		return nil
	})

	// Both queries can independently fail to find an answer (empty answer
	// set, not a transport error); only a real query failure on both legs
	// is reported.
	_ = group.Wait()

	switch {
	case v4 != nil:
		return &net.TCPAddr{IP: v4, Port: int(port)}, nil
	case v6 != nil:
		return &net.TCPAddr{IP: v6, Port: int(port)}, nil
	case errA != nil && errAAAA != nil:
		return nil, fmt.Errorf("resolver: looking up %s: %w", domain, errA)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnresolvedDomain, domain)
	}
}

func (d *DNSResolver) query(ctx context.Context, fqdn string, qtype uint16) (net.IP, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(fqdn, qtype)
	msg.RecursionDesired = true

	var lastErr error
	for _, server := range d.nameservers {
		reply, err := d.exchange(ctx, msg, server)
		if err != nil {
			lastErr = err
			continue
		}
		for _, rr := range reply.Answer {
			switch record := rr.(type) {
			case *dns.A:
				return record.A, nil
			case *dns.AAAA:
				return record.AAAA, nil
			}
		}
		// Got a clean reply from this server with no matching records;
		// stop trying further servers for this query type.
		return nil, nil
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, nil
}
