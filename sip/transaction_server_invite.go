package sip

import (
	"context"
	"log/slog"

	"github.com/ghettovoice/sipengine/internal/timeutil"
)

// inviteServerTx implements the INVITE server transaction of RFC 3261 Section 17.2.1
// with the Accepted state of RFC 6026.
type inviteServerTx struct {
	*serverTx

	tmr100 *timeutil.Timer
	tmrG   *timeutil.Timer
	tmrH   *timeutil.Timer
	tmrI   *timeutil.Timer
	tmrL   *timeutil.Timer
}

func newInviteServerTx(eng *Engine, req *Request, conn *ConnRef, source Target) *serverTx {
	tx := &inviteServerTx{serverTx: newServerTx(eng, kindInviteServer, req, conn, source)}
	tx.initFSM()
	tx.actProceeding(tx.ctx) //nolint:errcheck
	return tx.serverTx
}

func (tx *inviteServerTx) initFSM() {
	tx.serverTx.initFSM(TransactionStateProceeding)

	tx.fsm.Configure(TransactionStateProceeding).
		OnExit(tx.actLeaveProceeding).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		InternalTransition(txEvtSend1xx, tx.actSendProvisional).
		InternalTransition(txEvtTimer100, tx.actSend100).
		Permit(txEvtSend2xx, TransactionStateAccepted).
		Permit(txEvtSend300699, TransactionStateCompleted).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateAccepted).
		OnEntryFrom(txEvtSend2xx, tx.actSendRes).
		OnEntry(tx.actAccepted).
		OnExit(tx.actLeaveAccepted).
		Ignore(txEvtRecvReq).
		Ignore(txEvtRecvAck).
		InternalTransition(txEvtSend2xx, tx.actSendRes).
		Permit(txEvtTimerL, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntryFrom(txEvtSend300699, tx.actSendRes).
		OnEntry(tx.actCompleted).
		OnExit(tx.actLeaveCompleted).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		InternalTransition(txEvtTimerG, tx.actRetransmit).
		Permit(txEvtRecvAck, TransactionStateConfirmed).
		Permit(txEvtTimerH, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateConfirmed).
		OnEntry(tx.actConfirmed).
		OnExit(tx.actLeaveConfirmed).
		Ignore(txEvtRecvReq).
		Ignore(txEvtRecvAck).
		Permit(txEvtTimerI, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntry(tx.actTerminated).
		OnEntryFrom(txEvtTimerH, tx.actTimedOut).
		OnEntryFrom(txEvtTranspErr, tx.actTranspErr)
}

func (tx *inviteServerTx) actProceeding(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction proceeding", slog.Any("transaction", tx))

	tx.tmr100 = tx.startTimer("100", tx.timings.Time100(), txEvtTimer100)
	return nil
}

func (tx *inviteServerTx) actLeaveProceeding(context.Context, ...any) error {
	tx.stopTimer("100", &tx.tmr100)
	return nil
}

func (tx *inviteServerTx) actSendProvisional(ctx context.Context, args ...any) error {
	tx.stopTimer("100", &tx.tmr100)
	return tx.actSendRes(ctx, args...) //errtrace:skip
}

// actSend100 answers with 100 Trying unless the application already sent a provisional response.
func (tx *inviteServerTx) actSend100(ctx context.Context, _ ...any) error {
	tx.tmr100 = nil
	if tx.lastRes != nil {
		return nil
	}
	return tx.actSendRes(ctx, NewResponse(tx.req, 100, "")) //errtrace:skip
}

func (tx *inviteServerTx) actAccepted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction accepted", slog.Any("transaction", tx))

	tx.tmrL = tx.startTimer("L", tx.timings.TimeL(), txEvtTimerL)
	return nil
}

func (tx *inviteServerTx) actLeaveAccepted(context.Context, ...any) error {
	tx.stopTimer("L", &tx.tmrL)
	return nil
}

func (tx *inviteServerTx) actCompleted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction completed", slog.Any("transaction", tx))

	if !tx.reliable() {
		tx.tmrG = tx.startTimer("G", tx.timings.TimeG(), txEvtTimerG)
	}
	tx.tmrH = tx.startTimer("H", tx.timings.TimeH(), txEvtTimerH)
	return nil
}

func (tx *inviteServerTx) actRetransmit(ctx context.Context, args ...any) error {
	tx.actResendRes(ctx, args...) //nolint:errcheck

	if tx.tmrG != nil {
		tx.tmrG.Reset(tx.timings.NextInterval(tx.tmrG.Duration(), true))

		tx.log.LogAttrs(ctx, slog.LevelDebug, "timer G reset",
			slog.Any("transaction", tx),
			slog.Time("expires_at", tx.tmrG.ExpiresAt()),
		)
	}
	return nil
}

func (tx *inviteServerTx) actLeaveCompleted(context.Context, ...any) error {
	tx.stopTimer("G", &tx.tmrG)
	tx.stopTimer("H", &tx.tmrH)
	return nil
}

func (tx *inviteServerTx) actConfirmed(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction confirmed", slog.Any("transaction", tx))

	tx.tmrI = tx.startTimer("I", tx.timings.TimeI(tx.reliable()), txEvtTimerI)
	return nil
}

func (tx *inviteServerTx) actLeaveConfirmed(context.Context, ...any) error {
	tx.stopTimer("I", &tx.tmrI)
	return nil
}

func (tx *inviteServerTx) actTimedOut(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "ACK was not received in time", slog.Any("transaction", tx))
	return nil
}
