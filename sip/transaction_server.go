package sip

import (
	"context"
	"log/slog"
	"reflect"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipengine/internal/types"
)

// serverTx is a server transaction created for an inbound request.
// The INVITE and non-INVITE variants configure its state machine.
type serverTx struct {
	*transact

	source  Target
	toTag   string
	lastRes *Response
	// cancellers run when a CANCEL matches the transaction.
	cancellers types.Callbacks[func()]
}

func newServerTx(eng *Engine, kind transactKind, req *Request, conn *ConnRef, source Target) *serverTx {
	tx := &serverTx{
		transact: newTransact(eng, kind, req, conn),
		source:   source,
		toTag:    GenerateTag(),
	}
	eng.stats.txCreated(kind)
	return tx
}

func (tx *serverTx) initFSM(start TransactionState) {
	tx.transact.initFSM(start)

	resType := reflect.TypeOf((*Response)(nil))
	reqType := reflect.TypeOf((*Request)(nil))
	tx.fsm.SetTriggerParameters(txEvtRecvReq, reqType)
	tx.fsm.SetTriggerParameters(txEvtRecvAck, reqType)
	tx.fsm.SetTriggerParameters(txEvtSend1xx, resType)
	tx.fsm.SetTriggerParameters(txEvtSend2xx, resType)
	tx.fsm.SetTriggerParameters(txEvtSend300699, resType)
}

// recvReq handles a retransmitted request or ACK matched to the transaction.
func (tx *serverTx) recvReq(req *Request) {
	if req.Method == MethodAck {
		tx.fire(txEvtRecvAck, req)
		return
	}
	tx.fire(txEvtRecvReq, req)
}

// respond passes the response to the state machine.
// Responses sent in a state that does not allow them are dropped.
func (tx *serverTx) respond(res *Response) {
	if res.IsFinal() {
		ensureToTag(res, tx.toTag)
	}
	switch {
	case res.IsProvisional():
		tx.fire(txEvtSend1xx, res)
	case res.IsSuccess():
		tx.fire(txEvtSend2xx, res)
	default:
		tx.fire(txEvtSend300699, res)
	}
}

// respondStatus sends a response generated by the engine.
func (tx *serverTx) respondStatus(status int) {
	tx.respond(NewResponse(tx.req, status, ""))
}

func (tx *serverTx) terminate() { tx.fire(txEvtTerminate) }

func (tx *serverTx) actSendRes(ctx context.Context, args ...any) error {
	res := args[0].(*Response) //nolint:forcetypeassert

	tx.log.LogAttrs(ctx, slog.LevelDebug, "send response", slog.Any("transaction", tx), slog.Any("response", res))

	tx.lastRes = res
	tx.send(res)
	return nil
}

func (tx *serverTx) actResendRes(ctx context.Context, _ ...any) error {
	if tx.lastRes == nil {
		return nil
	}

	tx.log.LogAttrs(ctx, slog.LevelDebug, "re-send response", slog.Any("transaction", tx), slog.Any("response", tx.lastRes))

	tx.send(tx.lastRes)
	return nil
}

func (tx *serverTx) actTranspErr(ctx context.Context, args ...any) error {
	var err error
	if len(args) > 0 {
		err, _ = args[0].(error)
	}

	tx.log.LogAttrs(ctx, slog.LevelWarn, "server transaction failed", slog.Any("transaction", tx), slog.Any("error", err))

	if err != nil {
		tx.eng.reportError(errtrace.Wrap(err))
	}
	return nil
}

// runCancellers invokes and drops the registered cancellers.
func (tx *serverTx) runCancellers() {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "run transaction cancellers",
		slog.Any("transaction", tx),
		slog.Int("count", tx.cancellers.Len()),
	)

	for fn := range tx.cancellers.All() {
		fn()
	}
	tx.cancellers.Clear()
}

func (tx *serverTx) LogValue() slog.Value {
	if tx == nil {
		return slog.Value{}
	}
	return tx.transact.LogValue()
}
