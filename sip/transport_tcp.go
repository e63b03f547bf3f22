package sip

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipengine/internal/errorutil"
	"github.com/ghettovoice/sipengine/internal/types"
)

type tcpTransport struct {
	ls    net.Listener
	laddr netip.AddrPort
	cfg   *transportConfig
	stats *transpStats
	ctx   context.Context
	stop  context.CancelFunc

	mu     sync.Mutex
	conns  map[netip.AddrPort]*tcpConn
	closed bool

	wg sync.WaitGroup
}

func newTCPTransport(ls net.Listener, cfg *transportConfig) *tcpTransport {
	tp := &tcpTransport{
		ls:    newCloseOnceListener(ls),
		laddr: normAddrPort(netAddrToAddrPort(ls.Addr())),
		cfg:   cfg,
		conns: make(map[netip.AddrPort]*tcpConn),
	}
	tp.stats = cfg.stats.transport(TransportTCP, tp.laddr)
	tp.ctx, tp.stop = context.WithCancel(context.Background())
	return tp
}

func (*tcpTransport) proto() TransportProto { return TransportTCP }

func (tp *tcpTransport) localAddr() netip.AddrPort { return tp.laddr }

func (tp *tcpTransport) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("proto", string(TransportTCP)),
		slog.String("local_addr", tp.laddr.String()),
	)
}

func (tp *tcpTransport) open(raddr netip.AddrPort, onErr func(error)) (*ConnRef, error) {
	raddr = normAddrPort(raddr)

	tp.mu.Lock()
	if tp.closed {
		tp.mu.Unlock()
		return nil, errtrace.Wrap(ErrTransportClosed)
	}
	c, ok := tp.conns[raddr]
	if !ok {
		c = newTCPConn(tp, raddr)
		tp.conns[raddr] = c
	}
	tp.mu.Unlock()

	c.ref()
	var rm func()
	if onErr != nil {
		rm = c.Add(onErr)
	}
	if !ok {
		tp.wg.Go(c.dial)
	}
	return newConnRef(Target{TransportTCP, raddr}, c, rm), nil
}

func (tp *tcpTransport) serve() {
	tp.wg.Go(func() {
		if err := tp.acceptLoop(); err != nil && !errors.Is(err, ErrTransportClosed) {
			tp.cfg.log.LogAttrs(tp.ctx, slog.LevelError, "TCP transport stopped", slog.Any("transport", tp), slog.Any("error", err))
		}
	})
}

func (tp *tcpTransport) acceptLoop() error {
	tp.cfg.log.LogAttrs(tp.ctx, slog.LevelDebug, "begin serving the listener", slog.Any("listener", tp.ls))
	defer tp.cfg.log.LogAttrs(tp.ctx, slog.LevelDebug, "serving the listener finished", slog.Any("listener", tp.ls))

	var tempDelay time.Duration
	for {
		conn, err := tp.ls.Accept()
		if err != nil {
			if tp.ctx.Err() != nil {
				return errtrace.Wrap(ErrTransportClosed)
			}
			if errorutil.IsTemporaryErr(err) {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				tempDelay = min(tempDelay, time.Minute)

				tp.cfg.log.LogAttrs(tp.ctx, slog.LevelDebug,
					"failed to accept connection due to the temporary error, continue serving after delay...",
					slog.Any("error", err),
					slog.Duration("delay", tempDelay),
				)

				tmr := time.NewTimer(tempDelay)
				select {
				case <-tp.ctx.Done():
					tmr.Stop()
					return errtrace.Wrap(ErrTransportClosed)
				case <-tmr.C:
				}
				continue
			}
			return errtrace.Wrap(err)
		}
		tempDelay = 0
		tp.accept(conn)
	}
}

func (tp *tcpTransport) accept(conn net.Conn) {
	raddr := normAddrPort(netAddrToAddrPort(conn.RemoteAddr()))
	c := newTCPConn(tp, raddr)

	tp.mu.Lock()
	if tp.closed {
		tp.mu.Unlock()
		conn.Close()
		return
	}
	tp.conns[raddr] = c
	tp.mu.Unlock()

	tp.cfg.log.LogAttrs(tp.ctx, slog.LevelDebug, "connection accepted", slog.Any("connection", conn))
	c.mu.Lock()
	c.establish(conn)
	c.mu.Unlock()
	c.resetIdle()
}

func (tp *tcpTransport) untrack(c *tcpConn) {
	tp.mu.Lock()
	if tp.conns[c.raddr] == c {
		delete(tp.conns, c.raddr)
	}
	tp.mu.Unlock()
}

func (tp *tcpTransport) close() error {
	tp.mu.Lock()
	if tp.closed {
		tp.mu.Unlock()
		return nil
	}
	tp.closed = true
	conns := make([]*tcpConn, 0, len(tp.conns))
	for _, c := range tp.conns {
		conns = append(conns, c)
	}
	tp.mu.Unlock()

	tp.stop()
	err := tp.ls.Close()
	for _, c := range conns {
		c.close(nil)
	}
	tp.wg.Wait()
	return errtrace.Wrap(err)
}

// tcpConn is a tracked stream connection.
// Writes issued while the connection is being dialed are queued and flushed in order.
type tcpConn struct {
	tp    *tcpTransport
	raddr netip.AddrPort

	mu      sync.Mutex
	conn    net.Conn
	laddr   netip.AddrPort
	pending []Message
	refs    int
	idle    *time.Timer
	closed  bool

	out  types.Queue[[]byte]
	done chan struct{}

	errCallbacks
}

func newTCPConn(tp *tcpTransport, raddr netip.AddrPort) *tcpConn {
	return &tcpConn{tp: tp, raddr: raddr, done: make(chan struct{})}
}

func (c *tcpConn) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("local_addr", c.localAddr().String()),
		slog.String("remote_addr", c.raddr.String()),
	)
}

func (c *tcpConn) dial() {
	tp := c.tp
	ctx, cancel := context.WithTimeout(tp.ctx, tp.cfg.dialTimeout)
	defer cancel()

	tp.cfg.log.LogAttrs(tp.ctx, slog.LevelDebug, "dialing connection", slog.Any("remote_addr", c.raddr))
	conn, err := tp.cfg.dialer.DialConn(ctx, "tcp", c.raddr)
	if err != nil {
		c.close(errtrace.Wrap(err))
		return
	}

	tp.cfg.log.LogAttrs(tp.ctx, slog.LevelDebug, "connection established", slog.Any("connection", conn))
	c.mu.Lock()
	c.establish(conn)
	c.mu.Unlock()
}

// establish starts serving conn and flushes queued messages.
// It must be called with c.mu held.
func (c *tcpConn) establish(conn net.Conn) {
	if c.closed {
		conn.Close()
		return
	}
	c.conn = conn
	c.laddr = normAddrPort(netAddrToAddrPort(conn.LocalAddr()))
	for _, msg := range c.pending {
		c.write(msg)
	}
	c.pending = nil

	c.tp.wg.Go(c.readLoop)
	c.tp.wg.Go(c.writeLoop)
}

func (c *tcpConn) localAddr() netip.AddrPort {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.laddr
}

func (c *tcpConn) send(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.closed:
		go c.notify(errtrace.Wrap(ErrTransportClosed))
	case c.conn == nil:
		c.pending = append(c.pending, msg)
	default:
		c.write(msg)
	}
}

// write renders the message into the write queue.
// It must be called with c.mu held.
func (c *tcpConn) write(msg Message) {
	out := stampVia(msg, TransportTCP, c.laddr, c.tp.cfg)
	c.out.Push(out.Render(nil))
	c.tp.stats.sent(out)
	if c.tp.cfg.onSent != nil {
		c.tp.cfg.onSent(out, Target{TransportTCP, c.raddr})
	}
	c.tp.cfg.log.LogAttrs(c.tp.ctx, slog.LevelDebug, "message sent",
		slog.Any("message", out),
		slog.Any("connection", c),
	)
}

func (c *tcpConn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.out.Ready():
			for _, data := range c.out.Drain() {
				if _, err := c.conn.Write(data); err != nil {
					c.close(errtrace.Wrap(err))
					return
				}
			}
		}
	}
}

func (c *tcpConn) readLoop() {
	tp := c.tp
	rdr := NewStreamReader(c.conn, &StreamReaderOptions{
		MaxHeaderBytes: tp.cfg.maxHeaderBytes,
		MaxBodyBytes:   tp.cfg.maxBodyBytes,
		OnKeepAlive: func() {
			c.out.Push([]byte("\r\n"))
			c.resetIdle()
		},
	})
	for {
		msg, err := rdr.Next()
		if err == nil {
			err = msg.Validate()
			if err != nil {
				msg = nil
			}
		}
		if err != nil {
			if IsMalformed(err) || errors.Is(err, ErrMissingHeaders) {
				tp.stats.dropped.Add(1)
				tp.cfg.log.LogAttrs(tp.ctx, slog.LevelWarn, "discarded malformed message",
					slog.Any("connection", c),
					slog.Any("error", err),
				)
				continue
			}
			if errors.Is(err, ErrFlood) {
				tp.stats.dropped.Add(1)
			}
			c.close(err)
			return
		}

		c.resetIdle()
		stampReceived(msg, c.raddr)
		tp.stats.recv(msg)
		tp.cfg.deliver(msg, Target{TransportTCP, c.raddr})
	}
}

func (c *tcpConn) ref() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.refs++
	if c.idle != nil {
		c.idle.Stop()
		c.idle = nil
	}
}

func (c *tcpConn) unref() {
	c.mu.Lock()
	c.refs--
	c.mu.Unlock()
	c.resetIdle()
}

// resetIdle restarts the idle timer if the connection has no references.
func (c *tcpConn) resetIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.refs > 0 {
		return
	}
	if c.idle != nil {
		c.idle.Stop()
	}
	c.idle = time.AfterFunc(c.tp.cfg.idleTTL, func() {
		c.tp.cfg.log.LogAttrs(c.tp.ctx, slog.LevelDebug, "closing idle connection", slog.Any("connection", c))
		c.close(nil)
	})
}

// close tears down the connection, err is reported to reference holders when non-nil.
func (c *tcpConn) close(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	if c.idle != nil {
		c.idle.Stop()
		c.idle = nil
	}
	conn := c.conn
	c.pending = nil
	c.mu.Unlock()

	c.tp.untrack(c)
	if conn != nil {
		conn.Close()
	}
	if err != nil && !errors.Is(err, net.ErrClosed) {
		c.tp.stats.errors.Add(1)
		c.tp.cfg.log.LogAttrs(c.tp.ctx, slog.LevelWarn, "connection failed",
			slog.Any("connection", c),
			slog.Any("error", err),
		)
		c.notify(err)
	}
}

type closeOnceListener struct {
	net.Listener
	closeOnce sync.Once
	closeErr  error
}

func newCloseOnceListener(ls net.Listener) *closeOnceListener {
	if ls, ok := ls.(*closeOnceListener); ok {
		return ls
	}
	return &closeOnceListener{Listener: ls}
}

func (l *closeOnceListener) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.Listener.Close()
	})
	return errtrace.Wrap(l.closeErr)
}
