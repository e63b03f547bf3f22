package sip

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"slices"
	"strconv"
	"strings"

	"braces.dev/errtrace"
	"github.com/samber/lo"
	"golang.org/x/sync/singleflight"

	"github.com/ghettovoice/sipengine/dns"
	"github.com/ghettovoice/sipengine/internal/errorutil"
	"github.com/ghettovoice/sipengine/internal/log"
	"github.com/ghettovoice/sipengine/uri"
)

//go:generate go tool mockgen -destination=../internal/testutil/dnsmock/dnsmock.go -package=dnsmock . DNSResolver

// DNSResolver is used to resolve message targets.
type DNSResolver interface {
	// LookupNetIP looks up IP addresses of the host.
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
	// LookupSRV looks up SRV records of the service.
	LookupSRV(ctx context.Context, service, proto, host string) ([]*dns.SRV, error)
}

// ResolverOptions are options of [Resolver].
type ResolverOptions struct {
	// DNSResolver performs DNS queries.
	// If nil, [dns.DefaultResolver] is used.
	DNSResolver DNSResolver
	// Protocols is the candidate protocol order used when a URI has no transport parameter.
	// If empty, UDP is tried before TCP.
	Protocols []TransportProto
	// Log is the logger.
	// If nil, [log.Default] is used.
	Log *slog.Logger
}

func (o *ResolverOptions) dnsResolver() DNSResolver {
	if o == nil || o.DNSResolver == nil {
		return dns.DefaultResolver()
	}
	return o.DNSResolver
}

var defProtocols = []TransportProto{TransportUDP, TransportTCP}

func (o *ResolverOptions) protocols() []TransportProto {
	if o == nil || len(o.Protocols) == 0 {
		return defProtocols
	}
	return o.Protocols
}

func (o *ResolverOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// Resolver turns URIs into ordered candidate targets (RFC 3263).
// Concurrent resolutions of the same host share one set of DNS queries.
type Resolver struct {
	dns    DNSResolver
	protos []TransportProto
	log    *slog.Logger
	group  singleflight.Group
}

// NewResolver creates a new resolver.
// Options are optional and can be nil.
func NewResolver(opts *ResolverOptions) *Resolver {
	return &Resolver{
		dns:    opts.dnsResolver(),
		protos: slices.Clone(opts.protocols()),
		log:    opts.log(),
	}
}

// ResolveLiteral returns the single candidate of a URI whose host is an IP address.
// The transport parameter selects the protocol, UDP is used by default
// except for SIPS URIs which always use TCP.
func (r *Resolver) ResolveLiteral(u *uri.URI) (Target, bool) {
	if u == nil {
		return Target{}, false
	}
	addr, ok := u.Addr()
	if !ok {
		return Target{}, false
	}
	protos, ok := r.uriProtocols(u)
	if !ok {
		return Target{}, false
	}
	port := u.Port
	if port == 0 {
		port = DefaultPort
	}
	return Target{protos[0], netip.AddrPortFrom(addr, port)}, true
}

// Resolve returns candidate targets of the URI in the order they should be tried.
// Literal IP hosts never hit DNS.
func (r *Resolver) Resolve(ctx context.Context, u *uri.URI) ([]Target, error) {
	if u == nil || u.Host == "" {
		return nil, errtrace.Wrap(NewInvalidArgumentError("empty URI host"))
	}
	if t, ok := r.ResolveLiteral(u); ok {
		return []Target{t}, nil
	}
	protos, ok := r.uriProtocols(u)
	if !ok {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrNoTarget, "unsupported transport %q", u.Transport()))
	}

	key := resolveKey(u, protos)
	ch := r.group.DoChan(key, func() (any, error) {
		return r.lookup(context.WithoutCancel(ctx), u, protos) //errtrace:skip
	})
	select {
	case <-ctx.Done():
		return nil, errtrace.Wrap(ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, errtrace.Wrap(res.Err)
		}
		targets, _ := res.Val.([]Target)
		r.log.LogAttrs(ctx, slog.LevelDebug, "URI resolved",
			slog.Any("uri", u),
			slog.Any("targets", targets),
			slog.Bool("shared", res.Shared),
		)
		return slices.Clone(targets), nil
	}
}

func (r *Resolver) uriProtocols(u *uri.URI) ([]TransportProto, bool) {
	if tp := u.Transport(); tp != "" {
		proto, ok := ParseTransportProto(tp)
		if !ok {
			return nil, false
		}
		return []TransportProto{proto}, true
	}
	if u.Secure() {
		return []TransportProto{TransportTCP}, true
	}
	return r.protos, true
}

func resolveKey(u *uri.URI, protos []TransportProto) string {
	var sb strings.Builder
	sb.WriteString(u.Scheme)
	sb.WriteByte(':')
	sb.WriteString(strings.ToLower(u.Host))
	sb.WriteByte(':')
	sb.WriteString(strconv.Itoa(int(u.Port)))
	for _, p := range protos {
		sb.WriteByte(';')
		sb.WriteString(string(p))
	}
	return sb.String()
}

type srvCandidate struct {
	proto TransportProto
	srv   *dns.SRV
}

func (r *Resolver) lookup(ctx context.Context, u *uri.URI, protos []TransportProto) ([]Target, error) {
	var errs []error

	if u.Port != 0 {
		targets, err := r.lookupAddrs(ctx, u.Host, u.Port, protos)
		if err != nil {
			return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrNoTarget, err))
		}
		return targets, nil
	}

	service := "sip"
	if u.Secure() {
		service = "sips"
	}

	var cands []srvCandidate
	for _, proto := range protos {
		srvs, err := r.dns.LookupSRV(ctx, service, proto.Network(), u.Host)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		cands = append(cands, lo.Map(srvs, func(srv *dns.SRV, _ int) srvCandidate {
			return srvCandidate{proto, srv}
		})...)
	}
	slices.SortStableFunc(cands, func(a, b srvCandidate) int {
		if c := cmp.Compare(a.srv.Priority, b.srv.Priority); c != 0 {
			return c
		}
		if c := cmp.Compare(b.srv.Weight, a.srv.Weight); c != 0 {
			return c
		}
		return strings.Compare(a.srv.Target, b.srv.Target)
	})

	var targets []Target
	for _, c := range cands {
		addrs, err := r.dns.LookupNetIP(ctx, "ip", c.srv.Target)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		targets = append(targets, toTargets(c.proto, addrs, c.srv.Port)...)
	}
	if len(targets) > 0 {
		return lo.Uniq(targets), nil
	}

	targets, err := r.lookupAddrs(ctx, u.Host, DefaultPort, protos)
	if err != nil {
		errs = append(errs, err)
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrNoTarget, errors.Join(errs...)))
	}
	return targets, nil
}

func (r *Resolver) lookupAddrs(ctx context.Context, host string, port uint16, protos []TransportProto) ([]Target, error) {
	addrs, err := r.dns.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if len(addrs) == 0 {
		return nil, errtrace.Wrap(ErrNoTarget)
	}
	return lo.FlatMap(protos, func(proto TransportProto, _ int) []Target {
		return toTargets(proto, addrs, port)
	}), nil
}

func toTargets(proto TransportProto, addrs []netip.Addr, port uint16) []Target {
	return lo.FilterMap(addrs, func(addr netip.Addr, _ int) (Target, bool) {
		ap := netip.AddrPortFrom(addr.Unmap(), port)
		return Target{proto, ap}, ap.IsValid()
	})
}
