package sip

import (
	"context"
	"log/slog"

	"github.com/ghettovoice/sipengine/internal/timeutil"
)

// nonInviteClientTx implements the non-INVITE client transaction of RFC 3261 Section 17.1.2.
type nonInviteClientTx struct {
	*clientTx

	tmrE *timeutil.Timer
	tmrF *timeutil.Timer
	tmrK *timeutil.Timer
}

func newNonInviteClientTx(eng *Engine, req *Request, conn *ConnRef, onRes clientResponseFunc) *clientTx {
	tx := &nonInviteClientTx{clientTx: newClientTx(eng, kindNonInviteClient, req, conn, onRes)}
	tx.initFSM()
	tx.actTrying(tx.ctx) //nolint:errcheck
	return tx.clientTx
}

func (tx *nonInviteClientTx) initFSM() {
	tx.clientTx.initFSM(TransactionStateTrying)

	tx.fsm.Configure(TransactionStateTrying).
		InternalTransition(txEvtTimerE, tx.actRetransmit).
		Permit(txEvtRecv1xx, TransactionStateProceeding).
		Permit(txEvtRecv2xx, TransactionStateCompleted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerF, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntryFrom(txEvtRecv1xx, tx.actPassRes).
		InternalTransition(txEvtRecv1xx, tx.actPassRes).
		InternalTransition(txEvtTimerE, tx.actRetransmit).
		Permit(txEvtRecv2xx, TransactionStateCompleted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerF, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntryFrom(txEvtRecv2xx, tx.actPassRes).
		OnEntryFrom(txEvtRecv300699, tx.actPassRes).
		OnEntry(tx.actCompleted).
		OnExit(tx.actLeaveCompleted).
		Ignore(txEvtRecv1xx).
		Ignore(txEvtRecv2xx).
		Ignore(txEvtRecv300699).
		Ignore(txEvtTranspErr).
		Permit(txEvtTimerK, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntryFrom(txEvtTimerF, tx.actTimedOut).
		OnEntryFrom(txEvtTranspErr, tx.actTranspErr).
		OnEntry(tx.actStopRetransmits).
		OnEntry(tx.actTerminated)
}

func (tx *nonInviteClientTx) actTrying(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction trying", slog.Any("transaction", tx))

	tx.actSendReq(ctx) //nolint:errcheck
	if !tx.reliable() {
		tx.tmrE = tx.startTimer("E", tx.timings.TimeE(), txEvtTimerE)
	}
	tx.tmrF = tx.startTimer("F", tx.timings.TimeF(), txEvtTimerF)
	return nil
}

// actRetransmit re-sends the request doubling the interval up to T2,
// in Proceeding the interval is always T2.
func (tx *nonInviteClientTx) actRetransmit(ctx context.Context, _ ...any) error {
	tx.actSendReq(ctx) //nolint:errcheck

	if tx.tmrE == nil {
		return nil
	}
	next := tx.timings.NextInterval(tx.tmrE.Duration(), true)
	if tx.State() == TransactionStateProceeding {
		next = tx.timings.t2()
	}
	tx.tmrE.Reset(next)

	tx.log.LogAttrs(ctx, slog.LevelDebug, "timer E reset",
		slog.Any("transaction", tx),
		slog.Time("expires_at", tx.tmrE.ExpiresAt()),
	)
	return nil
}

func (tx *nonInviteClientTx) actStopRetransmits(context.Context, ...any) error {
	tx.stopTimer("E", &tx.tmrE)
	tx.stopTimer("F", &tx.tmrF)
	return nil
}

func (tx *nonInviteClientTx) actCompleted(ctx context.Context, args ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction completed", slog.Any("transaction", tx))

	tx.actStopRetransmits(ctx, args...) //nolint:errcheck
	tx.tmrK = tx.startTimer("K", tx.timings.TimeK(tx.reliable()), txEvtTimerK)
	return nil
}

func (tx *nonInviteClientTx) actLeaveCompleted(context.Context, ...any) error {
	tx.stopTimer("K", &tx.tmrK)
	return nil
}
