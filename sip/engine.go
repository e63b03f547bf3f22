package sip

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipengine/internal/errorutil"
	"github.com/ghettovoice/sipengine/internal/log"
	"github.com/ghettovoice/sipengine/internal/types"
)

// Default engine settings.
const (
	DefaultConnIdleTTL = 5 * time.Minute
	DefaultUDPIdleTTL  = time.Minute
	DefaultDialTimeout = 10 * time.Second
	DefaultMaxForwards = 70
)

// ListenerSpec describes a listening socket.
type ListenerSpec struct {
	Proto TransportProto
	// Address is the local IP address, "0.0.0.0" is used when empty.
	Address string
	// Port is the local port, [DefaultPort] is used when zero.
	// Use -1 to pick an ephemeral port.
	Port int
}

func (s ListenerSpec) hostPort() string {
	host := s.Address
	if host == "" {
		host = "0.0.0.0"
	}
	port := s.Port
	switch {
	case port == 0:
		port = int(DefaultPort)
	case port < 0:
		port = 0
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// RequestHandler handles an inbound request.
// It runs on the engine loop and must not block.
type RequestHandler func(req *Request, from Target)

// ResponseHandler handles an inbound or synthesized response.
// Synthesized responses have a zero source target.
// It runs on the engine loop and must not block.
type ResponseHandler func(res *Response, from Target)

// EngineOptions are options of [Engine].
// The zero value is usable.
type EngineOptions struct {
	// Listeners are the listening sockets.
	// If empty, UDP and TCP listen on 0.0.0.0:5060.
	Listeners []ListenerSpec
	// DisableUDP disables the connectionless transport.
	DisableUDP bool
	// DisableTCP disables the connection-oriented transport.
	DisableTCP bool
	// SentBy overrides the host[:port] written into the topmost Via of outbound requests.
	SentBy string
	// DisableRPort disables adding an empty rport parameter to requests sent over UDP.
	DisableRPort bool
	// MaxHeaderBytes limits the header block of stream messages.
	// If zero, [DefaultMaxHeaderBytes] is used.
	MaxHeaderBytes int
	// MaxBodyBytes limits the body of stream messages.
	// If zero, [DefaultMaxBodyBytes] is used.
	MaxBodyBytes int
	// ConnIdleTTL is how long an unreferenced TCP connection stays open.
	// If zero, [DefaultConnIdleTTL] is used.
	ConnIdleTTL time.Duration
	// UDPIdleTTL is how long an unreferenced UDP association stays cached.
	// If zero, [DefaultUDPIdleTTL] is used.
	UDPIdleTTL time.Duration
	// DialTimeout limits outbound connection establishment.
	// If zero, [DefaultDialTimeout] is used.
	DialTimeout time.Duration
	// Timings overrides the protocol timers.
	Timings TimingConfig
	// DNSResolver resolves target host names.
	// If nil, the system resolver is used.
	DNSResolver DNSResolver
	// ConnDialer dials outbound TCP connections.
	// If nil, [DefaultConnDialer] is used.
	ConnDialer ConnDialer
	// Protocols is the candidate protocol order for URIs without transport parameter.
	Protocols []TransportProto
	// OnSend observes every written message. It must not modify the message.
	OnSend func(msg Message, to Target)
	// OnRecv observes every received message. It must not modify the message.
	OnRecv func(msg Message, from Target)
	// OnError receives failures that have no caller to return to.
	OnError func(err error)
	// Log is the logger.
	// If nil, [log.Default] is used.
	Log *slog.Logger
}

func (o *EngineOptions) listeners() []ListenerSpec {
	if o == nil || len(o.Listeners) == 0 {
		return []ListenerSpec{
			{Proto: TransportUDP},
			{Proto: TransportTCP},
		}
	}
	return o.Listeners
}

func (o *EngineOptions) enabled(proto TransportProto) bool {
	switch proto {
	case TransportUDP:
		return o == nil || !o.DisableUDP
	case TransportTCP:
		return o == nil || !o.DisableTCP
	default:
		return false
	}
}

func (o *EngineOptions) connIdleTTL() time.Duration {
	if o == nil || o.ConnIdleTTL <= 0 {
		return DefaultConnIdleTTL
	}
	return o.ConnIdleTTL
}

func (o *EngineOptions) udpIdleTTL() time.Duration {
	if o == nil || o.UDPIdleTTL <= 0 {
		return DefaultUDPIdleTTL
	}
	return o.UDPIdleTTL
}

func (o *EngineOptions) dialTimeout() time.Duration {
	if o == nil || o.DialTimeout <= 0 {
		return DefaultDialTimeout
	}
	return o.DialTimeout
}

func (o *EngineOptions) connDialer() ConnDialer {
	if o == nil || o.ConnDialer == nil {
		return DefaultConnDialer()
	}
	return o.ConnDialer
}

func (o *EngineOptions) protocols() []TransportProto {
	var protos []TransportProto
	if o != nil {
		protos = o.Protocols
	}
	if len(protos) == 0 {
		protos = defProtocols
	}
	out := make([]TransportProto, 0, len(protos))
	for _, p := range protos {
		if o.enabled(p) {
			out = append(out, p)
		}
	}
	return out
}

func (o *EngineOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// Engine is a SIP protocol engine: it owns transports, the resolver and
// the transaction tables.
//
// Transaction state is touched only from the engine loop goroutine,
// handlers registered on the engine run on that goroutine too.
type Engine struct {
	opts     EngineOptions
	timings  TimingConfig
	log      *slog.Logger
	loop     *eventLoop
	resolver *Resolver
	stats    *statsRecorder

	mu         sync.RWMutex
	transports []transport
	started    bool
	closed     bool

	// bg tracks resolution goroutines.
	bg sync.WaitGroup

	onReq types.Callbacks[RequestHandler]
	onRes types.Callbacks[ResponseHandler]

	// Accessed from the loop only.
	clientTxs map[txKey]*clientTx
	serverTxs map[txKey]*serverTx
	exchanges map[*Exchange]struct{}
}

// NewEngine creates a new engine.
// Options are optional and can be nil.
func NewEngine(opts *EngineOptions) *Engine {
	e := &Engine{
		loop:      newEventLoop(),
		stats:     &statsRecorder{},
		clientTxs: make(map[txKey]*clientTx),
		serverTxs: make(map[txKey]*serverTx),
		exchanges: make(map[*Exchange]struct{}),
	}
	if opts != nil {
		e.opts = *opts
	}
	e.timings = e.opts.Timings
	e.log = e.opts.log()
	e.resolver = NewResolver(&ResolverOptions{
		DNSResolver: e.opts.DNSResolver,
		Protocols:   e.opts.protocols(),
		Log:         e.log,
	})
	return e
}

// Start opens the listeners and starts the engine loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return errtrace.Wrap(ErrEngineClosed)
	}
	if e.started {
		return errtrace.Wrap(NewInvalidArgumentError("engine already started"))
	}

	var (
		lc   net.ListenConfig
		tps  []transport
		errs []error
	)
	for _, spec := range e.opts.listeners() {
		if !e.opts.enabled(spec.Proto) {
			continue
		}
		switch spec.Proto {
		case TransportUDP:
			conn, err := lc.ListenPacket(ctx, "udp", spec.hostPort())
			if err != nil {
				errs = append(errs, err)
				continue
			}
			tps = append(tps, newUDPTransport(conn, e.transportConfig(e.opts.udpIdleTTL())))
		case TransportTCP:
			ls, err := lc.Listen(ctx, "tcp", spec.hostPort())
			if err != nil {
				errs = append(errs, err)
				continue
			}
			tps = append(tps, newTCPTransport(ls, e.transportConfig(e.opts.connIdleTTL())))
		default:
			errs = append(errs, errorutil.NewWrapperError(ErrNoTransport, "%q", spec.Proto))
		}
	}
	if len(errs) > 0 || len(tps) == 0 {
		for _, tp := range tps {
			errs = append(errs, tp.close())
		}
		if len(errs) == 0 {
			errs = append(errs, ErrNoTransport)
		}
		return errtrace.Wrap(errorutil.JoinPrefix("start engine", errs...))
	}

	e.transports = tps
	e.started = true
	go e.loop.run()
	for _, tp := range tps {
		tp.serve()
		e.log.LogAttrs(ctx, slog.LevelInfo, "transport started",
			slog.String("proto", string(tp.proto())),
			slog.Any("local_addr", tp.localAddr()),
		)
	}
	return nil
}

func (e *Engine) transportConfig(idleTTL time.Duration) *transportConfig {
	return &transportConfig{
		sentBy:         e.opts.SentBy,
		disableRPort:   e.opts.DisableRPort,
		idleTTL:        idleTTL,
		maxHeaderBytes: e.opts.MaxHeaderBytes,
		maxBodyBytes:   e.opts.MaxBodyBytes,
		dialer:         e.opts.connDialer(),
		dialTimeout:    e.opts.dialTimeout(),
		deliver:        e.deliver,
		onSent:         e.opts.OnSend,
		stats:          e.stats,
		log:            e.log,
	}
}

// Close terminates all transactions and closes the transports.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	started := e.started
	tps := e.transports
	e.mu.Unlock()

	if started {
		e.loop.shutdown(e.terminateAll)
	}
	e.bg.Wait()

	errs := make([]error, 0, len(tps))
	for _, tp := range tps {
		errs = append(errs, tp.close())
	}
	e.onReq.Clear()
	e.onRes.Clear()
	return errtrace.Wrap(errorutil.JoinPrefix("close engine", errs...))
}

// terminateAll runs on the loop during shutdown.
func (e *Engine) terminateAll() {
	for _, tx := range e.clientTxs {
		tx.terminate()
	}
	for _, tx := range e.serverTxs {
		tx.terminate()
	}
	for x := range e.exchanges {
		x.abort(errtrace.Wrap(ErrEngineClosed))
	}
}

func (e *Engine) running() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.started && !e.closed
}

func (e *Engine) post(fn func()) { e.loop.post(fn) }

// OnRequest registers a handler of requests that start a new server transaction
// and of ACKs that match no transaction.
// A request received while no handler is registered is answered with 501.
func (e *Engine) OnRequest(fn RequestHandler) (remove func()) { return e.onReq.Add(fn) }

// OnResponse registers a handler of responses that match no client transaction.
func (e *Engine) OnResponse(fn ResponseHandler) (remove func()) { return e.onRes.Add(fn) }

// Listeners returns the protocols and local addresses the engine listens on.
func (e *Engine) Listeners() []Target {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Target, 0, len(e.transports))
	for _, tp := range e.transports {
		out = append(out, Target{tp.proto(), tp.localAddr()})
	}
	return out
}

// Resolver returns the resolver used for outbound requests.
func (e *Engine) Resolver() *Resolver { return e.resolver }

// Stats returns a snapshot of engine counters.
func (e *Engine) Stats() StatsReport { return e.stats.report() }

// Open returns a counted reference to a connection to the target.
// The reference must be released by the caller.
// Asynchronous write failures are passed to onErr which may be nil.
func (e *Engine) Open(ctx context.Context, target Target, onErr func(error)) (*ConnRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return errtrace.Wrap2(e.open(target, onErr))
}

// Send writes the message to the target through a short-lived connection reference.
func (e *Engine) Send(ctx context.Context, target Target, msg Message) error {
	if msg == nil {
		return errtrace.Wrap(NewInvalidArgumentError("nil message"))
	}
	conn, err := e.Open(ctx, target, func(err error) {
		e.reportError(fmt.Errorf("send %s to %s: %w", msgKind(msg), target, err))
	})
	if err != nil {
		return errtrace.Wrap(err)
	}
	conn.Send(msg)
	conn.Release()
	return nil
}

func (e *Engine) open(target Target, onErr func(error)) (*ConnRef, error) {
	if !target.IsValid() {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid target"))
	}

	e.mu.RLock()
	if !e.started || e.closed {
		e.mu.RUnlock()
		return nil, errtrace.Wrap(ErrEngineClosed)
	}
	tp := pickTransport(e.transports, target)
	e.mu.RUnlock()

	if tp == nil {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrNoTransport, "%q", target.Proto))
	}
	return errtrace.Wrap2(tp.open(target.Addr, onErr))
}

// pickTransport prefers a listener of the target address family.
func pickTransport(tps []transport, target Target) transport {
	var fallback transport
	for _, tp := range tps {
		if tp.proto() != target.Proto {
			continue
		}
		if addrFamilyMatch(tp.localAddr().Addr(), target.Addr.Addr()) {
			return tp
		}
		if fallback == nil {
			fallback = tp
		}
	}
	return fallback
}

// reportError passes the error to the OnError observer and logs it.
func (e *Engine) reportError(err error) {
	if err == nil {
		return
	}
	e.log.LogAttrs(context.Background(), slog.LevelError, "engine error", slog.Any("error", err))
	if e.opts.OnError != nil {
		e.opts.OnError(err)
	}
}

func msgKind(msg Message) string {
	switch m := msg.(type) {
	case *Request:
		return m.Method + " request"
	case *Response:
		return strconv.Itoa(m.Status) + " response"
	default:
		return "message"
	}
}

func addrFamilyMatch(a, b netip.Addr) bool { return a.Is4() == b.Is4() }
