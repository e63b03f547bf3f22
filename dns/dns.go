// Package dns provides SRV and address lookups used for SIP target resolution.
package dns

//go:generate go tool errtrace -w .

import (
	"cmp"
	"context"
	"net"
	"net/netip"
	"slices"
	"strings"
	"time"

	"braces.dev/errtrace"
	"github.com/miekg/dns"
)

// SRV is a service record.
type SRV = net.SRV

// Resolver wraps net.Resolver with direct DNS queries to a configured name server.
type Resolver struct {
	net.Resolver

	// NameServer specifies the DNS server address (e.g., "8.8.8.8:53").
	// If empty, lookups go through the embedded [net.Resolver].
	NameServer string
	// Timeout specifies the timeout for DNS queries.
	// If zero, defaults to 5 seconds.
	Timeout time.Duration
}

// LookupSRV returns service records of "_service._proto.host" sorted by
// priority ascending and weight descending.
func (r *Resolver) LookupSRV(ctx context.Context, service, proto, host string) ([]*SRV, error) {
	var (
		srvs []*SRV
		err  error
	)
	if r.NameServer == "" {
		_, srvs, err = r.Resolver.LookupSRV(ctx, service, proto, host)
	} else {
		srvs, err = r.querySRV(ctx, "_"+service+"._"+proto+"."+host)
	}
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	slices.SortStableFunc(srvs, func(a, b *SRV) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return cmp.Compare(b.Weight, a.Weight)
	})
	return srvs, nil
}

// LookupNetIP returns IPv4 and IPv6 addresses of the host.
// The network is "ip", "ip4" or "ip6".
func (r *Resolver) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	if r.NameServer == "" {
		addrs, err := r.Resolver.LookupNetIP(ctx, network, host)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		for i := range addrs {
			addrs[i] = addrs[i].Unmap()
		}
		return addrs, nil
	}

	var qtypes []uint16
	switch network {
	case "ip4":
		qtypes = []uint16{dns.TypeA}
	case "ip6":
		qtypes = []uint16{dns.TypeAAAA}
	default:
		qtypes = []uint16{dns.TypeA, dns.TypeAAAA}
	}

	var (
		addrs   []netip.Addr
		lastErr error
	)
	for _, qt := range qtypes {
		ans, err := r.query(ctx, host, qt)
		if err != nil {
			lastErr = err
			continue
		}
		for _, rr := range ans {
			switch rr := rr.(type) {
			case *dns.A:
				if a, ok := netip.AddrFromSlice(rr.A.To4()); ok {
					addrs = append(addrs, a)
				}
			case *dns.AAAA:
				if a, ok := netip.AddrFromSlice(rr.AAAA); ok {
					addrs = append(addrs, a.Unmap())
				}
			}
		}
	}
	if len(addrs) == 0 {
		if lastErr != nil {
			return nil, errtrace.Wrap(lastErr)
		}
		return nil, errtrace.Wrap(&net.DNSError{Err: "no such host", Name: host, IsNotFound: true})
	}
	return addrs, nil
}

func (r *Resolver) querySRV(ctx context.Context, name string) ([]*SRV, error) {
	ans, err := r.query(ctx, name, dns.TypeSRV)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	srvs := make([]*SRV, 0, len(ans))
	for _, rr := range ans {
		if rr, ok := rr.(*dns.SRV); ok {
			srvs = append(srvs, &SRV{
				Target:   strings.TrimSuffix(rr.Target, "."),
				Port:     rr.Port,
				Priority: rr.Priority,
				Weight:   rr.Weight,
			})
		}
	}
	if len(srvs) == 0 {
		return nil, errtrace.Wrap(&net.DNSError{Err: "no SRV records", Name: name, IsNotFound: true})
	}
	return srvs, nil
}

func (r *Resolver) query(ctx context.Context, name string, qtype uint16) ([]dns.RR, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	client := &dns.Client{Timeout: r.timeout()}
	resp, _, err := client.ExchangeContext(ctx, m, r.nameserver())
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, errtrace.Wrap(&net.DNSError{
			Err:        dns.RcodeToString[resp.Rcode],
			Name:       name,
			IsNotFound: resp.Rcode == dns.RcodeNameError,
		})
	}
	return resp.Answer, nil
}

func (r *Resolver) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return 5 * time.Second
}

func (r *Resolver) nameserver() string {
	if _, _, err := net.SplitHostPort(r.NameServer); err != nil {
		return net.JoinHostPort(r.NameServer, "53")
	}
	return r.NameServer
}

// SystemNameServer returns the first name server from /etc/resolv.conf.
func SystemNameServer() (string, error) {
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return "", errtrace.Wrap(err)
	}
	if len(conf.Servers) == 0 {
		return "", errtrace.Wrap(&net.DNSError{
			Err:  "no DNS servers configured",
			Name: "resolv.conf",
		})
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port), nil
}

var defResolver = &Resolver{}

// DefaultResolver returns the resolver backed by the system configuration.
func DefaultResolver() *Resolver { return defResolver }
