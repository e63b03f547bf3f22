// Package proxy implements a stateful forwarding helper on top of [sip.Engine].
package proxy

import (
	"context"
	"crypto/md5" //nolint:gosec
	"encoding/hex"
	"log/slog"
	"strconv"
	"sync"

	"braces.dev/errtrace"
	"github.com/samber/lo"

	"github.com/ghettovoice/sipengine/header"
	"github.com/ghettovoice/sipengine/internal/errorutil"
	"github.com/ghettovoice/sipengine/internal/log"
	"github.com/ghettovoice/sipengine/sip"
	"github.com/ghettovoice/sipengine/uri"
)

//go:generate go tool errtrace -w .

const (
	// ErrTooManyHops is returned when the request has Max-Forwards exhausted.
	ErrTooManyHops errorutil.Error = "too many hops"
	// ErrNoTargets is returned when Forward is called without targets.
	ErrNoTargets errorutil.Error = "no forwarding targets"
)

// Options are options of [Proxy].
type Options struct {
	// Log is the logger.
	// If nil, [log.Default] is used.
	Log *slog.Logger
}

func (o *Options) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// Proxy forwards requests received by an engine and relays responses upstream.
type Proxy struct {
	eng *sip.Engine
	log *slog.Logger
}

// New creates a new proxy on top of the engine.
// Options are optional and can be nil.
func New(eng *sip.Engine, opts *Options) *Proxy {
	return &Proxy{eng: eng, log: opts.log()}
}

// Branch returns the branch for forwarding the request to the target.
// It is derived from the incoming transaction identity, so retransmissions
// map to the same downstream branch.
func Branch(req *sip.Request, target *uri.URI) string {
	h := md5.New() //nolint:gosec
	if via := req.Headers.TopVia(); via != nil {
		h.Write([]byte(via.Branch()))
	}
	if from := req.Headers.From(); from != nil {
		h.Write([]byte(from.Tag()))
	}
	if to := req.Headers.To(); to != nil {
		h.Write([]byte(to.Tag()))
	}
	h.Write([]byte(req.Headers.CallID()))
	if cseq := req.Headers.CSeq(); cseq != nil {
		h.Write([]byte(strconv.FormatUint(uint64(cseq.Seq), 10)))
	}
	if target != nil {
		h.Write([]byte(target.String()))
	} else if req.URI != nil {
		h.Write([]byte(req.URI.String()))
	}
	return sip.MagicCookie + hex.EncodeToString(h.Sum(nil))
}

// Forward sends the request to every target in parallel and relays
// provisional responses, every 2xx and the best final response upstream.
// A nil target keeps the Request-URI.
//
// Requests with Max-Forwards of zero are answered with 483.
// For INVITE a CANCEL received upstream cancels all pending branches.
// ACK is forwarded statelessly.
func (p *Proxy) Forward(ctx context.Context, req *sip.Request, targets ...*uri.URI) error {
	if len(targets) == 0 {
		return errtrace.Wrap(ErrNoTargets)
	}

	mf, ok := req.Headers.MaxForwards()
	if !ok {
		mf = sip.DefaultMaxForwards
	}
	if mf <= 0 {
		if req.Method != sip.MethodAck {
			if err := p.eng.Respond(ctx, sip.NewResponse(req, 483, "")); err != nil {
				return errtrace.Wrap(err)
			}
		}
		return errtrace.Wrap(ErrTooManyHops)
	}

	fwd := &forwarding{
		proxy:    p,
		req:      req,
		branches: make(map[*sip.Exchange]*branch, len(targets)),
	}
	if req.Method == sip.MethodInvite {
		fwd.rmCanceller = p.eng.OnCancel(req, fwd.cancel)
	}

	fwd.mu.Lock()
	defer fwd.mu.Unlock()

	var errs []error
	for _, target := range targets {
		out := req.CloneRequest()
		if target != nil {
			out.URI = target.Clone()
		}
		out.Headers.Set(header.NameMaxForwards, header.Generic(strconv.Itoa(mf-1)))
		via := &header.Via{Proto: "SIP", Version: sip.Version, Transport: string(sip.TransportUDP), Host: "127.0.0.1"}
		via.Params.Set("branch", Branch(req, target))
		out.Headers.PushVia(via)

		p.log.LogAttrs(ctx, slog.LevelDebug, "forward request",
			slog.Any("request", req),
			slog.Any("target", out.URI),
		)

		b := &branch{}
		x, err := p.eng.SendRequest(ctx, out, func(res *sip.Response, _ sip.Target) {
			fwd.onResponse(b, res)
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		b.x = x
		fwd.branches[x] = b
	}

	if len(fwd.branches) == 0 {
		fwd.finish()
		if req.Method != sip.MethodAck {
			p.eng.Respond(ctx, sip.NewResponse(req, 503, "")) //nolint:errcheck
		}
		return errtrace.Wrap(errorutil.JoinPrefix("forward request", errs...))
	}
	if req.Method == sip.MethodAck {
		fwd.finish()
	}
	return nil
}

type branch struct {
	x     *sip.Exchange
	final bool
}

// forwarding is the state of one forwarded request.
type forwarding struct {
	proxy       *Proxy
	req         *sip.Request
	rmCanceller func()

	mu        sync.Mutex
	branches  map[*sip.Exchange]*branch
	best      *sip.Response
	answered  bool
	cancelled bool
	done      bool
}

func (f *forwarding) onResponse(b *branch, res *sip.Response) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if b.final && !res.IsSuccess() {
		return
	}

	up := res.CloneResponse()
	up.Headers.PopVia()
	if len(up.Headers.Via()) == 0 {
		return
	}

	switch {
	case res.Status == 100:
		// hop-by-hop
	case res.IsProvisional():
		if !f.answered {
			f.relay(up)
		}
	case res.IsSuccess():
		b.final = true
		f.answered = true
		f.relay(up)
		f.cancelOthers(b)
	default:
		b.final = true
		if f.best == nil || better(up, f.best) {
			f.best = up
		}
		if res.Status >= 600 && !f.answered {
			f.cancelOthers(b)
		}
	}

	if f.done || lo.SomeBy(lo.Values(f.branches), func(b *branch) bool { return !b.final }) {
		return
	}
	if !f.answered && f.best != nil {
		f.answered = true
		f.relay(f.best)
	}
	f.finish()
}

// better reports whether a is preferred over b as the final response sent upstream.
// 6xx wins, otherwise the lowest class wins and the first response of a class is kept.
func better(a, b *sip.Response) bool {
	ac, bc := a.Status/100, b.Status/100
	switch {
	case bc == 6:
		return false
	case ac == 6:
		return true
	default:
		return ac < bc
	}
}

func (f *forwarding) relay(res *sip.Response) {
	f.proxy.log.LogAttrs(context.Background(), slog.LevelDebug, "relay response upstream", slog.Any("response", res))

	if err := f.proxy.eng.Respond(context.Background(), res); err != nil {
		f.proxy.log.LogAttrs(context.Background(), slog.LevelWarn, "failed to relay response",
			slog.Any("response", res),
			slog.Any("error", err),
		)
	}
}

func (f *forwarding) cancelOthers(except *branch) {
	for _, b := range f.branches {
		if b != except && !b.final {
			b.x.Cancel()
		}
	}
}

// cancel runs when CANCEL matches the upstream INVITE.
func (f *forwarding) cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.cancelled || f.done {
		return
	}
	f.cancelled = true

	f.proxy.log.LogAttrs(context.Background(), slog.LevelDebug, "cancel forwarded branches", slog.Any("request", f.req))

	f.cancelOthers(nil)
}

func (f *forwarding) finish() {
	if f.done {
		return
	}
	f.done = true
	if f.rmCanceller != nil {
		f.rmCanceller()
	}
}
