package sip

import (
	"context"
	"log/slog"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipengine/internal/errorutil"
)

// deliver is called by transports on their own goroutines.
func (e *Engine) deliver(msg Message, from Target) {
	if e.opts.OnRecv != nil {
		e.opts.OnRecv(msg, from)
	}
	e.post(func() {
		switch m := msg.(type) {
		case *Request:
			e.handleRequest(m, from)
		case *Response:
			e.handleResponse(m, from)
		}
	})
}

func (e *Engine) handleResponse(res *Response, from Target) {
	if tx, ok := e.clientTxs[responseKey(res)]; ok {
		tx.recvRes(res, from)
		return
	}

	if e.onRes.Len() == 0 {
		e.log.LogAttrs(context.Background(), slog.LevelDebug, "discarded response without receiver",
			slog.Any("response", res),
			slog.Any("from", from),
		)
		return
	}
	for fn := range e.onRes.All() {
		if err := invokeHandler(func() { fn(res, from) }); err != nil {
			e.reportError(err)
		}
	}
}

func (e *Engine) handleRequest(req *Request, from Target) {
	key := requestKey(req)
	if tx, ok := e.serverTxs[key]; ok {
		tx.recvReq(req)
		return
	}

	switch req.Method {
	case MethodAck:
		// ACK for 2xx or a stray ACK goes straight to the application.
		e.dispatchRequest(req, from, nil)
		return
	case MethodCancel:
		e.handleCancel(req, from, key)
		return
	}

	tx, err := e.startServerTx(req, from)
	if err != nil {
		e.reportError(errtrace.Wrap(err))
		return
	}
	e.dispatchRequest(req, from, tx)
}

// handleCancel answers CANCEL and cancels the matching INVITE server transaction
// (RFC 3261 Section 9.2).
func (e *Engine) handleCancel(req *Request, from Target, key txKey) {
	invKey := key
	invKey.method = MethodInvite
	inv, ok := e.serverTxs[invKey]
	if !ok || inv.State() == TransactionStateTerminated {
		e.log.LogAttrs(context.Background(), slog.LevelDebug, "CANCEL matches no transaction", slog.Any("request", req))
		e.respondStateless(req, from, 481)
		return
	}

	tx, err := e.startServerTx(req, from)
	if err != nil {
		e.reportError(errtrace.Wrap(err))
		return
	}
	tx.toTag = inv.toTag
	tx.respondStatus(200)

	if inv.cancellers.Len() > 0 {
		inv.runCancellers()
		return
	}
	if inv.State() == TransactionStateProceeding {
		inv.respondStatus(487)
	}
}

// dispatchRequest calls request handlers. Server transactions of requests
// nobody handles are answered with 501, panicking handlers produce 500.
func (e *Engine) dispatchRequest(req *Request, from Target, tx *serverTx) {
	if e.onReq.Len() == 0 {
		e.log.LogAttrs(context.Background(), slog.LevelDebug, "no request handler", slog.Any("request", req))
		if tx != nil {
			tx.respondStatus(501)
		}
		return
	}

	for fn := range e.onReq.All() {
		if err := invokeHandler(func() { fn(req, from) }); err != nil {
			if tx != nil {
				tx.respondStatus(500)
			}
			e.reportError(err)
			return
		}
	}
}

func invokeHandler(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errorutil.NewWrapperError(ErrHandlerPanic, "%v", r)
		}
	}()
	fn()
	return nil
}

func (e *Engine) startServerTx(req *Request, from Target) (*serverTx, error) {
	target := from
	if !from.Proto.Reliable() {
		if t, ok := responseTarget(req.Headers.TopVia()); ok {
			target = Target{from.Proto, t.Addr}
		}
	}

	var tx *serverTx
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
		tx = newInviteServerTx(e, req, conn, from)
	} else {
		tx = newNonInviteServerTx(e, req, conn, from)
	}
	key := tx.key
	e.serverTxs[key] = tx
	tx.terminated = func() {
		if e.serverTxs[key] == tx {
			delete(e.serverTxs, key)
		}
	}
	return tx, nil
}

// respondStateless sends a response outside of any transaction.
func (e *Engine) respondStateless(req *Request, from Target, status int) {
	res := NewResponse(req, status, "")
	if status > 100 {
		ensureToTag(res, "")
	}
	e.sendStateless(res, from)
}

func (e *Engine) sendStateless(res *Response, from Target) {
	target, ok := responseTarget(res.Headers.TopVia())
	if !ok {
		if !from.IsValid() {
			e.reportError(errorutil.NewWrapperError(ErrNoTarget, "response %d without usable Via", res.Status))
			return
		}
		target = from
	}
	if err := e.Send(context.Background(), target, res); err != nil {
		e.reportError(errtrace.Wrap(err))
	}
}

// Respond sends the response through the server transaction it belongs to.
// A response matching no transaction is sent statelessly to the address
// from its topmost Via.
func (e *Engine) Respond(ctx context.Context, res *Response) error {
	if res == nil {
		return errtrace.Wrap(NewInvalidArgumentError("nil response"))
	}
	if err := res.Validate(); err != nil {
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if err := ctx.Err(); err != nil {
		return errtrace.Wrap(err)
	}
	if !e.running() {
		return errtrace.Wrap(ErrEngineClosed)
	}

	res = res.CloneResponse()
	e.post(func() {
		if tx, ok := e.serverTxs[responseKey(res)]; ok {
			tx.respond(res)
			return
		}
		if res.Status > 100 {
			ensureToTag(res, "")
		}
		e.sendStateless(res, Target{})
	})
	return nil
}

// OnCancel registers fn to run when a CANCEL matches the INVITE server transaction
// of the request. While at least one canceller is registered the engine does not
// answer the INVITE with 487 on its own.
func (e *Engine) OnCancel(req *Request, fn func()) (remove func()) {
	key := requestKey(req)
	var rm func()
	e.post(func() {
		if tx, ok := e.serverTxs[key]; ok {
			rm = tx.cancellers.Add(fn)
		}
	})
	return func() {
		e.post(func() {
			if rm != nil {
				rm()
			}
		})
	}
}
