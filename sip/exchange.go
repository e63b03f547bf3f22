package sip

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipengine/header"
	"github.com/ghettovoice/sipengine/internal/errorutil"
	"github.com/ghettovoice/sipengine/uri"
)

// Exchange tracks an outbound request across resolution, candidate targets
// and the client transactions created for them.
type Exchange struct {
	eng     *Engine
	req     *Request
	handler ResponseHandler
	done    chan struct{}
	stopCtx func() bool

	mu    sync.Mutex
	final *Response
	err   error

	// Accessed from the loop only.
	targets   []Target
	attempts  int
	tx        *clientTx
	cancelled bool
	finished  bool
	lastCause error
}

// SendRequest sends the request and calls handler with every response.
//
// The request is cloned, a topmost Via with a new branch and Max-Forwards
// are added when missing. The target is taken from the topmost Route
// or the Request-URI. When a candidate fails with a transport error before
// any response, the next candidate is tried with a new branch.
// A timeout finishes the request with 503.
// Final outcomes of resolution and transport failures are delivered as
// synthesized responses: 404 when nothing resolves, 503 otherwise.
//
// ACK requests are sent without a transaction.
// Cancelling ctx cancels the request as [Exchange.Cancel] does.
func (e *Engine) SendRequest(ctx context.Context, req *Request, handler ResponseHandler) (*Exchange, error) {
	if req == nil || req.URI == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("request without URI"))
	}
	if err := ctx.Err(); err != nil {
		return nil, errtrace.Wrap(err)
	}
	if !e.running() {
		return nil, errtrace.Wrap(ErrEngineClosed)
	}

	req = req.CloneRequest()
	prepareRequest(req)
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}

	x := &Exchange{
		eng:     e,
		req:     req,
		handler: handler,
		done:    make(chan struct{}),
	}
	if req.Method != MethodAck {
		x.stopCtx = context.AfterFunc(ctx, x.Cancel)
	}
	e.post(func() { x.start(ctx) })
	return x, nil
}

func prepareRequest(req *Request) {
	via := req.Headers.TopVia()
	if via == nil {
		via = &header.Via{
			Proto:     "SIP",
			Version:   Version,
			Transport: string(TransportUDP),
			Host:      "127.0.0.1",
		}
		req.Headers.PushVia(via)
	}
	if via.Branch() == "" {
		via.Params.Set("branch", GenerateBranch())
	}
	if _, ok := req.Headers.MaxForwards(); !ok {
		req.Headers.Set(header.NameMaxForwards, header.Generic("70"))
	}
}

// Request returns the request as it is sent on the first attempt.
func (x *Exchange) Request() *Request { return x.req.CloneRequest() }

// Done is closed once the first final response is delivered.
func (x *Exchange) Done() <-chan struct{} { return x.done }

// Final returns the first final response or nil.
func (x *Exchange) Final() *Response {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.final
}

// Err returns the cause of a synthesized final response or nil.
func (x *Exchange) Err() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.err
}

// Wait blocks until the final response or context cancellation.
func (x *Exchange) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-ctx.Done():
		return nil, errtrace.Wrap(ctx.Err())
	case <-x.done:
		return x.Final(), x.Err()
	}
}

// Cancel cancels the request.
// An INVITE gets CANCEL sent after the first provisional response,
// other requests only stop trying further targets.
// Cancelling after a final response does nothing.
func (x *Exchange) Cancel() { x.eng.post(x.cancel) }

func (x *Exchange) cancel() {
	if x.finished || x.cancelled {
		return
	}
	x.cancelled = true

	x.eng.log.LogAttrs(context.Background(), slog.LevelDebug, "request cancelled", slog.Any("request", x.req))

	if x.tx == nil {
		x.complete(NewResponse(x.req, 487, ""), errtrace.Wrap(context.Canceled))
		return
	}
	if x.tx.cancel != nil {
		x.tx.cancel()
	}
}

func (x *Exchange) routeURI() *uri.URI {
	if routes := x.req.Headers.Route(); len(routes) > 0 && routes[0].URI != nil {
		return routes[0].URI
	}
	return x.req.URI
}

func (x *Exchange) start(ctx context.Context) {
	if x.finished {
		return
	}
	e := x.eng
	e.exchanges[x] = struct{}{}

	u := x.routeURI()
	if t, ok := e.resolver.ResolveLiteral(u); ok {
		x.resolved([]Target{t}, nil)
		return
	}
	e.bg.Go(func() {
		targets, err := e.resolver.Resolve(ctx, u)
		e.post(func() { x.resolved(targets, err) })
	})
}

func (x *Exchange) resolved(targets []Target, err error) {
	if x.finished {
		return
	}
	e := x.eng

	usable := targets[:0:0]
	for _, t := range targets {
		if e.hasTransport(t.Proto) {
			usable = append(usable, t)
		}
	}
	if len(usable) == 0 {
		if err == nil {
			err = ErrNoTarget
		}
		if x.cancelled {
			x.complete(NewResponse(x.req, 487, ""), errtrace.Wrap(context.Canceled))
			return
		}
		x.complete(NewResponse(x.req, 404, ""), errtrace.Wrap(errorutil.NewWrapperError(ErrNoTarget, err)))
		return
	}

	if x.req.Method == MethodAck {
		err := e.Send(context.Background(), usable[0], x.req)
		x.complete(nil, errtrace.Wrap(err))
		return
	}

	x.targets = usable
	x.tryNext()
}

func (x *Exchange) tryNext() {
	e := x.eng
	for len(x.targets) > 0 && !x.cancelled {
		target := x.targets[0]
		x.targets = x.targets[1:]

		req := x.req
		if x.attempts > 0 {
			req = req.CloneRequest()
			req.Headers.TopVia().Params.Set("branch", GenerateBranch())
		}
		x.attempts++

		e.log.LogAttrs(context.Background(), slog.LevelDebug, "trying target",
			slog.Any("request", req),
			slog.Any("target", target),
			slog.Int("attempt", x.attempts),
		)

		tx, err := e.startClientTx(req, target, x.onTxResponse)
		if err != nil {
			x.lastCause = err
			continue
		}
		x.tx = tx
		return
	}

	cause := x.lastCause
	if cause == nil {
		cause = ErrNoTarget
	}
	x.complete(NewResponse(x.req, 503, ""), errtrace.Wrap(cause))
}

func (x *Exchange) onTxResponse(tx *clientTx, res *Response, from Target, cause error) {
	if tx != x.tx {
		return
	}
	if cause != nil {
		x.lastCause = cause
		// a timed out candidate already used the whole transaction budget
		if !tx.gotRes && !x.cancelled && len(x.targets) > 0 && !errors.Is(cause, ErrTransactionTimedOut) {
			x.eng.log.LogAttrs(context.Background(), slog.LevelDebug, "target failed, trying next",
				slog.Any("transaction", tx),
				slog.Any("error", cause),
			)
			x.tryNext()
			return
		}
		x.complete(res, cause)
		return
	}

	if res.IsProvisional() || x.finished {
		x.handle(res, from)
		return
	}
	x.setFinal(res, nil)
	x.handle(res, from)
	x.finish()
}

// complete delivers a synthesized final response.
func (x *Exchange) complete(res *Response, cause error) {
	if x.finished {
		return
	}
	x.setFinal(res, cause)
	if res != nil {
		x.handle(res, Target{})
	}
	x.finish()
}

// abort finishes the exchange without a response.
func (x *Exchange) abort(cause error) {
	if x.finished {
		return
	}
	x.setFinal(nil, cause)
	x.finish()
}

func (x *Exchange) setFinal(res *Response, cause error) {
	x.mu.Lock()
	x.final = res
	x.err = cause
	x.mu.Unlock()
}

func (x *Exchange) finish() {
	x.finished = true
	delete(x.eng.exchanges, x)
	if x.stopCtx != nil {
		x.stopCtx()
	}
	close(x.done)
}

func (x *Exchange) handle(res *Response, from Target) {
	if x.handler == nil {
		return
	}
	if err := invokeHandler(func() { x.handler(res, from) }); err != nil {
		x.eng.reportError(err)
	}
}

func (e *Engine) hasTransport(proto TransportProto) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, tp := range e.transports {
		if tp.proto() == proto {
			return true
		}
	}
	return false
}

func (e *Engine) startClientTx(req *Request, target Target, onRes clientResponseFunc) (*clientTx, error) {
	var tx *clientTx
	conn, err := e.open(target, func(err error) {
		e.post(func() {
			if tx != nil {
				tx.fire(txEvtTranspErr, err)
			}
		})
	})
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	if req.IsInvite() {
		tx = newInviteClientTx(e, req, conn, onRes)
	} else {
		tx = newNonInviteClientTx(e, req, conn, onRes)
	}
	key := tx.key
	if old, ok := e.clientTxs[key]; ok && old != tx {
		e.log.LogAttrs(context.Background(), slog.LevelWarn, "client transaction key reused", slog.Any("transaction", old))
		old.terminate()
	}
	e.clientTxs[key] = tx
	tx.terminated = func() {
		if e.clientTxs[key] == tx {
			delete(e.clientTxs, key)
		}
	}
	return tx, nil
}

// sendCancel starts a client transaction for CANCEL of an INVITE sent to the target.
func (e *Engine) sendCancel(target Target, req *Request) {
	_, err := e.startClientTx(req, target, func(tx *clientTx, res *Response, _ Target, cause error) {
		e.log.LogAttrs(context.Background(), slog.LevelDebug, "CANCEL response",
			slog.Any("transaction", tx),
			slog.Any("response", res),
			slog.Any("cause", cause),
		)
	})
	if err != nil {
		e.reportError(errtrace.Wrap(err))
	}
}
