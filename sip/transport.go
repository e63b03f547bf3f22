package sip

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipengine/header"
	"github.com/ghettovoice/sipengine/internal/types"
	"github.com/ghettovoice/sipengine/uri"
)

// TransportProto is a transport protocol name as it appears in Via.
type TransportProto string

// Supported transport protocols.
const (
	TransportUDP TransportProto = "UDP"
	TransportTCP TransportProto = "TCP"
)

// ParseTransportProto parses a case-insensitive transport name.
func ParseTransportProto(s string) (TransportProto, bool) {
	switch TransportProto(strings.ToUpper(strings.TrimSpace(s))) {
	case TransportUDP:
		return TransportUDP, true
	case TransportTCP:
		return TransportTCP, true
	default:
		return "", false
	}
}

// Network returns the Go network name of the protocol.
func (p TransportProto) Network() string { return strings.ToLower(string(p)) }

// Reliable reports whether the protocol is connection-oriented.
func (p TransportProto) Reliable() bool { return p == TransportTCP }

// DefaultPort is the default port of both supported protocols.
const DefaultPort uint16 = 5060

// Target is a resolved message destination.
type Target struct {
	Proto TransportProto
	Addr  netip.AddrPort
}

func (t Target) String() string { return string(t.Proto) + " " + t.Addr.String() }

// IsValid reports whether the target has a protocol and a valid address.
func (t Target) IsValid() bool { return t.Proto != "" && t.Addr.IsValid() }

// LogValue implements [slog.LogValuer].
func (t Target) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("proto", string(t.Proto)),
		slog.String("addr", t.Addr.String()),
	)
}

// ConnDialer dials connections for connection-oriented transports.
type ConnDialer interface {
	DialConn(ctx context.Context, network string, raddr netip.AddrPort) (net.Conn, error)
}

// NetConnDialer is a connection dialer based on [net.Dialer].
type NetConnDialer struct {
	net.Dialer
}

// DialConn dials a connection to the specified remote address.
func (d *NetConnDialer) DialConn(ctx context.Context, network string, raddr netip.AddrPort) (net.Conn, error) {
	return errtrace.Wrap2(d.DialContext(ctx, network, raddr.String()))
}

var defConnDialer = &NetConnDialer{}

// DefaultConnDialer returns the default connection dialer.
func DefaultConnDialer() *NetConnDialer { return defConnDialer }

// ConnRef is a counted reference to a transport connection.
// Every reference obtained with Open must be released exactly once,
// extra Release calls are ignored.
type ConnRef struct {
	target  Target
	conn    refConn
	rmOnErr func()
	release sync.Once
}

type refConn interface {
	send(msg Message)
	localAddr() netip.AddrPort
	unref()
}

func newConnRef(target Target, conn refConn, rmOnErr func()) *ConnRef {
	return &ConnRef{target: target, conn: conn, rmOnErr: rmOnErr}
}

// Target returns the remote target of the connection.
func (c *ConnRef) Target() Target { return c.target }

// LocalAddr returns the local address of the connection.
// It is invalid while an outbound connection is being established.
func (c *ConnRef) LocalAddr() netip.AddrPort { return c.conn.localAddr() }

// Reliable reports whether the connection is connection-oriented.
func (c *ConnRef) Reliable() bool { return c.target.Proto.Reliable() }

// Send writes the message asynchronously.
// Outbound requests get the topmost Via stamped with the local address.
// Write failures are reported to the error callback given to Open.
func (c *ConnRef) Send(msg Message) { c.conn.send(msg) }

// Release drops the reference.
func (c *ConnRef) Release() {
	c.release.Do(func() {
		if c.rmOnErr != nil {
			c.rmOnErr()
		}
		c.conn.unref()
	})
}

// LogValue implements [slog.LogValuer].
func (c *ConnRef) LogValue() slog.Value {
	if c == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Any("target", c.target),
		slog.String("local_addr", c.conn.localAddr().String()),
	)
}

// transport is a protocol backend.
type transport interface {
	proto() TransportProto
	localAddr() netip.AddrPort
	open(raddr netip.AddrPort, onErr func(error)) (*ConnRef, error)
	serve()
	close() error
}

// transportConfig carries settings shared by all transport backends.
type transportConfig struct {
	sentBy         string
	disableRPort   bool
	idleTTL        time.Duration
	maxHeaderBytes int
	maxBodyBytes   int
	dialer         ConnDialer
	dialTimeout    time.Duration
	deliver        func(msg Message, from Target)
	onSent         func(msg Message, to Target)
	stats          *statsRecorder
	log            *slog.Logger
}

// errCallbacks keeps error callbacks of connection references.
type errCallbacks struct {
	types.Callbacks[func(error)]
}

func (cbs *errCallbacks) notify(err error) {
	for fn := range cbs.All() {
		fn(err)
	}
}

// stampVia returns the message to write for the given local address.
// Requests are cloned and their topmost Via gets the protocol and sent-by
// overwritten, UDP requests also get an empty rport unless disabled.
func stampVia(msg Message, proto TransportProto, local netip.AddrPort, cfg *transportConfig) Message {
	req, ok := msg.(*Request)
	if !ok || req.Headers.TopVia() == nil {
		return msg
	}

	req = req.CloneRequest()
	via := req.Headers.TopVia()
	if via.Proto == "" {
		via.Proto = "SIP"
	}
	if via.Version == "" {
		via.Version = Version
	}
	via.Transport = string(proto)
	via.Host, via.Port = sentByHostPort(local, cfg.sentBy)
	if proto == TransportUDP && !cfg.disableRPort && !via.Params.Has("rport") {
		via.Params.Set("rport", "")
	}
	return req
}

func sentByHostPort(local netip.AddrPort, sentBy string) (string, uint16) {
	if sentBy != "" {
		if host, port, err := uri.SplitHostPort(sentBy); err == nil {
			if port == 0 {
				port = local.Port()
			}
			return host, port
		}
	}
	if !local.IsValid() {
		return "127.0.0.1", DefaultPort
	}
	addr := local.Addr().Unmap()
	if addr.IsUnspecified() {
		addr = netip.AddrFrom4([4]byte{127, 0, 0, 1})
	}
	return addr.String(), local.Port()
}

// stampReceived records the observed source of an inbound request in the topmost Via.
func stampReceived(msg Message, from netip.AddrPort) {
	req, ok := msg.(*Request)
	if !ok {
		return
	}
	via := req.Headers.TopVia()
	if via == nil {
		return
	}
	via.Params.Set("received", from.Addr().Unmap().String())
	if _, ok := via.RPort(); ok {
		via.Params.Set("rport", strconv.Itoa(int(from.Port())))
	}
}

// responseTarget computes where a response is sent according to the topmost Via
// of the request it answers (RFC 3261 Section 18.2.2, RFC 3581 Section 4).
func responseTarget(via *header.Via) (Target, bool) {
	if via == nil {
		return Target{}, false
	}
	proto, ok := ParseTransportProto(via.Transport)
	if !ok {
		return Target{}, false
	}

	host := via.Received()
	if host == "" {
		host = via.Host
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return Target{}, false
	}

	port := via.Port
	if p, ok := via.RPort(); ok && p > 0 {
		port = p
	}
	if port == 0 {
		port = DefaultPort
	}
	return Target{proto, netip.AddrPortFrom(addr.Unmap(), port)}, true
}

func netAddrToAddrPort(addr net.Addr) netip.AddrPort {
	if addr == nil {
		return netip.AddrPort{}
	}
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.AddrPort()
	case *net.TCPAddr:
		return a.AddrPort()
	}
	ap, _ := netip.ParseAddrPort(addr.String())
	return ap
}

func normAddrPort(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
