package sip

import (
	"context"
	"log/slog"
	"reflect"

	"braces.dev/errtrace"
)

// clientResponseFunc receives responses of a client transaction.
// Synthesized responses carry a non-nil cause and a zero source target.
type clientResponseFunc func(tx *clientTx, res *Response, from Target, cause error)

// clientTx is a client transaction created for an outbound request.
// The INVITE and non-INVITE variants configure its state machine.
type clientTx struct {
	*transact

	onResponse clientResponseFunc
	gotRes     bool
	gotFinal   bool
	// cancel is set by the INVITE variant.
	cancel func()
}

func newClientTx(eng *Engine, kind transactKind, req *Request, conn *ConnRef, onRes clientResponseFunc) *clientTx {
	tx := &clientTx{
		transact:   newTransact(eng, kind, req, conn),
		onResponse: onRes,
	}
	eng.stats.txCreated(kind)
	return tx
}

func (tx *clientTx) initFSM(start TransactionState) {
	tx.transact.initFSM(start)

	resType := reflect.TypeOf((*Response)(nil))
	srcType := reflect.TypeOf(Target{})
	tx.fsm.SetTriggerParameters(txEvtRecv1xx, resType, srcType)
	tx.fsm.SetTriggerParameters(txEvtRecv2xx, resType, srcType)
	tx.fsm.SetTriggerParameters(txEvtRecv300699, resType, srcType)
}

// recvRes passes a response matched to the transaction into the state machine.
func (tx *clientTx) recvRes(res *Response, from Target) {
	switch {
	case res.IsProvisional():
		tx.fire(txEvtRecv1xx, res, from)
	case res.IsSuccess():
		tx.fire(txEvtRecv2xx, res, from)
	default:
		tx.fire(txEvtRecv300699, res, from)
	}
}

func (tx *clientTx) terminate() { tx.fire(txEvtTerminate) }

func (tx *clientTx) actSendReq(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "send request", slog.Any("transaction", tx), slog.Any("request", tx.req))

	tx.send(tx.req)
	return nil
}

func (tx *clientTx) actPassRes(ctx context.Context, args ...any) error {
	res := args[0].(*Response) //nolint:forcetypeassert
	from := args[1].(Target)   //nolint:forcetypeassert

	tx.log.LogAttrs(ctx, slog.LevelDebug, "pass response", slog.Any("transaction", tx), slog.Any("response", res))

	tx.gotRes = true
	if res.IsFinal() {
		tx.gotFinal = true
	}
	if tx.onResponse != nil {
		tx.onResponse(tx, res, from, nil)
	}
	return nil
}

// synthesize delivers an engine generated final response when no real one was passed yet.
func (tx *clientTx) synthesize(ctx context.Context, status int, cause error) {
	if tx.gotFinal {
		return
	}
	tx.gotFinal = true

	res := NewResponse(tx.req, status, "")
	tx.log.LogAttrs(ctx, slog.LevelDebug, "pass synthesized response",
		slog.Any("transaction", tx),
		slog.Any("response", res),
		slog.Any("cause", cause),
	)

	if tx.onResponse != nil {
		tx.onResponse(tx, res, Target{}, cause)
	}
}

func (tx *clientTx) actTimedOut(ctx context.Context, _ ...any) error {
	tx.synthesize(ctx, 503, errtrace.Wrap(ErrTransactionTimedOut))
	return nil
}

func (tx *clientTx) actTranspErr(ctx context.Context, args ...any) error {
	var err error
	if len(args) > 0 {
		err, _ = args[0].(error)
	}
	if err == nil {
		err = ErrTransportClosed
	}

	tx.log.LogAttrs(ctx, slog.LevelWarn, "client transaction failed", slog.Any("transaction", tx), slog.Any("error", err))

	tx.synthesize(ctx, 503, errtrace.Wrap(err))
	return nil
}

func (tx *clientTx) LogValue() slog.Value {
	if tx == nil {
		return slog.Value{}
	}
	return tx.transact.LogValue()
}
