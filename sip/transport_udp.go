package sip

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"syscall"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipengine/internal/errorutil"
)

const maxDatagramSize = 65535

type udpTransport struct {
	conn  net.PacketConn
	laddr netip.AddrPort
	// reusePort is set when per-remote sockets can share the listener port.
	reusePort bool
	cfg   *transportConfig
	stats *transpStats
	ctx   context.Context
	stop  context.CancelFunc

	mu      sync.Mutex
	entries map[netip.AddrPort]*udpEntry
	closed  bool

	wg sync.WaitGroup
}

func newUDPTransport(conn net.PacketConn, cfg *transportConfig) *udpTransport {
	tp := &udpTransport{
		conn:    newCloseOncePacketConn(conn),
		laddr:   normAddrPort(netAddrToAddrPort(conn.LocalAddr())),
		cfg:     cfg,
		entries: make(map[netip.AddrPort]*udpEntry),
	}
	tp.stats = cfg.stats.transport(TransportUDP, tp.laddr)
	if sc, ok := conn.(syscall.Conn); ok {
		if rc, err := sc.SyscallConn(); err == nil {
			tp.reusePort = setReusePort("", "", rc) == nil
		}
	}
	tp.ctx, tp.stop = context.WithCancel(context.Background())
	return tp
}

func (*udpTransport) proto() TransportProto { return TransportUDP }

func (tp *udpTransport) localAddr() netip.AddrPort { return tp.laddr }

func (tp *udpTransport) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("proto", string(TransportUDP)),
		slog.String("local_addr", tp.laddr.String()),
	)
}

// udpEntry is a cached per-remote association.
// It owns a socket connected to the remote and bound to the listener port,
// so ICMP errors come back as read errors. Without SO_REUSEPORT support
// the entry writes through the listener socket.
type udpEntry struct {
	tp    *udpTransport
	raddr netip.AddrPort
	laddr netip.AddrPort
	conn  *net.UDPConn
	refs  int
	idle  *time.Timer
	errCallbacks
}

func (tp *udpTransport) open(raddr netip.AddrPort, onErr func(error)) (*ConnRef, error) {
	raddr = normAddrPort(raddr)

	tp.mu.Lock()
	if tp.closed {
		tp.mu.Unlock()
		return nil, errtrace.Wrap(ErrTransportClosed)
	}
	e, ok := tp.entries[raddr]
	if !ok {
		e = tp.newEntry(raddr)
		tp.entries[raddr] = e
	}
	e.refs++
	if e.idle != nil {
		e.idle.Stop()
		e.idle = nil
	}
	tp.mu.Unlock()

	var rm func()
	if onErr != nil {
		rm = e.Add(onErr)
	}
	return newConnRef(Target{TransportUDP, raddr}, e, rm), nil
}

// newEntry must be called with tp.mu held.
func (tp *udpTransport) newEntry(raddr netip.AddrPort) *udpEntry {
	e := &udpEntry{tp: tp, raddr: raddr}
	c, err := tp.dial(raddr)
	if err != nil {
		if tp.reusePort {
			tp.cfg.log.LogAttrs(tp.ctx, slog.LevelDebug, "failed to connect UDP socket, using the listener socket",
				slog.Any("transport", tp),
				slog.Any("remote_addr", raddr),
				slog.Any("error", err),
			)
		}
		e.laddr = tp.observedLocalAddr(raddr)
	} else {
		e.conn = c
		e.laddr = normAddrPort(netAddrToAddrPort(c.LocalAddr()))
		tp.wg.Go(e.readLoop)
	}
	tp.cfg.log.LogAttrs(tp.ctx, slog.LevelDebug, "UDP association created",
		slog.Any("transport", tp),
		slog.Any("remote_addr", raddr),
		slog.Any("local_addr", e.laddr),
		slog.Bool("connected", e.conn != nil),
	)
	return e
}

// dial opens a socket bound to the listener address and connected to raddr.
func (tp *udpTransport) dial(raddr netip.AddrPort) (*net.UDPConn, error) {
	if !tp.reusePort {
		return nil, errtrace.Wrap(errors.ErrUnsupported)
	}
	d := net.Dialer{
		LocalAddr: net.UDPAddrFromAddrPort(tp.laddr),
		Control:   setReusePort,
	}
	c, err := d.DialContext(tp.ctx, "udp", raddr.String())
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return c.(*net.UDPConn), nil //nolint:forcetypeassert
}

// observedLocalAddr returns the local address used to reach raddr.
// The listener address is used unless it is unspecified, then the
// route lookup of a connected socket picks the outbound interface.
func (tp *udpTransport) observedLocalAddr(raddr netip.AddrPort) netip.AddrPort {
	if !tp.laddr.Addr().IsUnspecified() {
		return tp.laddr
	}
	c, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(raddr))
	if err != nil {
		return tp.laddr
	}
	defer c.Close()
	return netip.AddrPortFrom(normAddrPort(c.LocalAddr().(*net.UDPAddr).AddrPort()).Addr(), tp.laddr.Port()) //nolint:forcetypeassert
}

func (e *udpEntry) localAddr() netip.AddrPort { return e.laddr }

func (e *udpEntry) send(msg Message) {
	tp := e.tp
	out := stampVia(msg, TransportUDP, e.laddr, tp.cfg)
	data := out.Render(nil)
	if len(data) > maxDatagramSize {
		e.fail(errorutil.NewWrapperError(ErrFlood, "datagram of %d bytes", len(data)))
		return
	}
	var err error
	if e.conn != nil {
		_, err = e.conn.Write(data)
	} else {
		_, err = tp.conn.WriteTo(data, net.UDPAddrFromAddrPort(e.raddr))
	}
	if err != nil {
		e.fail(err)
		return
	}
	tp.stats.sent(out)
	if tp.cfg.onSent != nil {
		tp.cfg.onSent(out, Target{TransportUDP, e.raddr})
	}
	tp.cfg.log.LogAttrs(tp.ctx, slog.LevelDebug, "message sent",
		slog.Any("message", out),
		slog.Any("remote_addr", e.raddr),
	)
}

func (e *udpEntry) fail(err error) {
	e.tp.stats.errors.Add(1)
	e.tp.cfg.log.LogAttrs(e.tp.ctx, slog.LevelWarn, "UDP association failed",
		slog.Any("remote_addr", e.raddr),
		slog.Any("error", err),
	)
	e.notify(errtrace.Wrap(err))
}

// readLoop reads datagrams of the connected socket.
// A refused port is reported to the references and reading goes on.
func (e *udpEntry) readLoop() {
	tp := e.tp
	buf := make([]byte, maxDatagramSize)
	for {
		n, err := e.conn.Read(buf)
		if err != nil {
			switch {
			case errors.Is(err, net.ErrClosed) || tp.ctx.Err() != nil:
				return
			case errors.Is(err, syscall.ECONNREFUSED):
				e.fail(err)
				continue
			case errorutil.IsTemporaryErr(err) || errorutil.IsTimeoutErr(err):
				continue
			}
			e.fail(err)
			return
		}
		tp.handleDatagram(buf[:n], e.raddr)
	}
}

func (e *udpEntry) closeConn() {
	if e.conn != nil {
		_ = e.conn.Close()
	}
}

func (e *udpEntry) unref() {
	tp := e.tp
	tp.mu.Lock()
	defer tp.mu.Unlock()

	e.refs--
	if e.refs > 0 || tp.closed {
		return
	}
	e.idle = time.AfterFunc(tp.cfg.idleTTL, func() {
		tp.mu.Lock()
		defer tp.mu.Unlock()
		if e.refs == 0 && tp.entries[e.raddr] == e {
			delete(tp.entries, e.raddr)
			e.closeConn()
			tp.cfg.log.LogAttrs(tp.ctx, slog.LevelDebug, "UDP association evicted",
				slog.Any("transport", tp),
				slog.Any("remote_addr", e.raddr),
			)
		}
	})
}

func (tp *udpTransport) serve() {
	tp.wg.Go(func() {
		if err := tp.readLoop(); err != nil && !errors.Is(err, ErrTransportClosed) {
			tp.cfg.log.LogAttrs(tp.ctx, slog.LevelError, "UDP transport stopped", slog.Any("transport", tp), slog.Any("error", err))
		}
	})
}

func (tp *udpTransport) readLoop() error {
	tp.cfg.log.LogAttrs(tp.ctx, slog.LevelDebug, "begin serving the packet connection", slog.Any("connection", tp.conn))
	defer tp.cfg.log.LogAttrs(tp.ctx, slog.LevelDebug, "serving the packet connection finished", slog.Any("connection", tp.conn))

	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := tp.conn.ReadFrom(buf)
		if err != nil {
			if tp.ctx.Err() != nil {
				return errtrace.Wrap(ErrTransportClosed)
			}
			if errorutil.IsTemporaryErr(err) || errorutil.IsTimeoutErr(err) {
				continue
			}
			return errtrace.Wrap(err)
		}
		tp.handleDatagram(buf[:n], normAddrPort(netAddrToAddrPort(addr)))
	}
}

func (tp *udpTransport) handleDatagram(data []byte, from netip.AddrPort) {
	if isKeepAlive(data) {
		return
	}

	msg, err := Parse(data)
	if err == nil {
		err = msg.Validate()
	}
	if err != nil {
		tp.stats.dropped.Add(1)
		tp.cfg.log.LogAttrs(tp.ctx, slog.LevelWarn, "discarded malformed datagram",
			slog.Any("remote_addr", from),
			slog.Int("size", len(data)),
			slog.Any("error", err),
		)
		return
	}

	stampReceived(msg, from)
	tp.stats.recv(msg)
	tp.cfg.deliver(msg, Target{TransportUDP, from})
}

func isKeepAlive(data []byte) bool {
	for _, b := range data {
		if b != '\r' && b != '\n' {
			return false
		}
	}
	return true
}

func (tp *udpTransport) close() error {
	tp.mu.Lock()
	if tp.closed {
		tp.mu.Unlock()
		return nil
	}
	tp.closed = true
	for _, e := range tp.entries {
		if e.idle != nil {
			e.idle.Stop()
		}
		e.closeConn()
	}
	clear(tp.entries)
	tp.mu.Unlock()

	tp.stop()
	err := tp.conn.Close()
	tp.wg.Wait()
	return errtrace.Wrap(err)
}

type closeOncePacketConn struct {
	net.PacketConn
	closeOnce sync.Once
	closeErr  error
}

func newCloseOncePacketConn(c net.PacketConn) *closeOncePacketConn {
	if c, ok := c.(*closeOncePacketConn); ok {
		return c
	}
	return &closeOncePacketConn{PacketConn: c}
}

func (c *closeOncePacketConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.PacketConn.Close()
	})
	return errtrace.Wrap(c.closeErr)
}
