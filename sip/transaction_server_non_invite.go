package sip

import (
	"context"
	"log/slog"

	"github.com/ghettovoice/sipengine/internal/timeutil"
)

// nonInviteServerTx implements the non-INVITE server transaction of RFC 3261 Section 17.2.2.
type nonInviteServerTx struct {
	*serverTx

	tmrJ *timeutil.Timer
}

func newNonInviteServerTx(eng *Engine, req *Request, conn *ConnRef, source Target) *serverTx {
	tx := &nonInviteServerTx{serverTx: newServerTx(eng, kindNonInviteServer, req, conn, source)}
	tx.initFSM()
	return tx.serverTx
}

func (tx *nonInviteServerTx) initFSM() {
	tx.serverTx.initFSM(TransactionStateTrying)

	tx.fsm.Configure(TransactionStateTrying).
		Ignore(txEvtRecvReq).
		Permit(txEvtSend1xx, TransactionStateProceeding).
		Permit(txEvtSend2xx, TransactionStateCompleted).
		Permit(txEvtSend300699, TransactionStateCompleted).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntryFrom(txEvtSend1xx, tx.actSendRes).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		InternalTransition(txEvtSend1xx, tx.actSendRes).
		Permit(txEvtSend2xx, TransactionStateCompleted).
		Permit(txEvtSend300699, TransactionStateCompleted).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntryFrom(txEvtSend2xx, tx.actSendRes).
		OnEntryFrom(txEvtSend300699, tx.actSendRes).
		OnEntry(tx.actCompleted).
		OnExit(tx.actLeaveCompleted).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		Permit(txEvtTimerJ, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntry(tx.actTerminated).
		OnEntryFrom(txEvtTranspErr, tx.actTranspErr)
}

func (tx *nonInviteServerTx) actCompleted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction completed", slog.Any("transaction", tx))

	tx.tmrJ = tx.startTimer("J", tx.timings.TimeJ(tx.reliable()), txEvtTimerJ)
	return nil
}

func (tx *nonInviteServerTx) actLeaveCompleted(context.Context, ...any) error {
	tx.stopTimer("J", &tx.tmrJ)
	return nil
}
