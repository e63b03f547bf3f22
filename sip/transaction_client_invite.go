package sip

import (
	"context"
	"log/slog"

	"github.com/ghettovoice/sipengine/header"
	"github.com/ghettovoice/sipengine/internal/timeutil"
)

// inviteClientTx implements the INVITE client transaction of RFC 3261 Section 17.1.1
// with the Accepted state of RFC 6026.
type inviteClientTx struct {
	*clientTx

	tmrA *timeutil.Timer
	tmrB *timeutil.Timer
	tmrD *timeutil.Timer
	tmrM *timeutil.Timer

	ack           *Request
	cancelPending bool
	cancelSent    bool
}

func newInviteClientTx(eng *Engine, req *Request, conn *ConnRef, onRes clientResponseFunc) *clientTx {
	tx := &inviteClientTx{clientTx: newClientTx(eng, kindInviteClient, req, conn, onRes)}
	tx.clientTx.cancel = tx.requestCancel
	tx.initFSM()
	tx.actCalling(tx.ctx) //nolint:errcheck
	return tx.clientTx
}

func (tx *inviteClientTx) initFSM() {
	tx.clientTx.initFSM(TransactionStateCalling)

	tx.fsm.Configure(TransactionStateCalling).
		OnExit(tx.actLeaveCalling).
		InternalTransition(txEvtTimerA, tx.actRetransmit).
		Permit(txEvtRecv1xx, TransactionStateProceeding).
		Permit(txEvtRecv2xx, TransactionStateAccepted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerB, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntryFrom(txEvtRecv1xx, tx.actPassRes).
		OnEntry(tx.actProceeding).
		InternalTransition(txEvtRecv1xx, tx.actPassRes).
		Permit(txEvtRecv2xx, TransactionStateAccepted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntryFrom(txEvtRecv300699, tx.actPassResSendAck).
		OnEntry(tx.actCompleted).
		OnExit(tx.actLeaveCompleted).
		InternalTransition(txEvtRecv300699, tx.actSendAck).
		Ignore(txEvtRecv1xx).
		Ignore(txEvtRecv2xx).
		Permit(txEvtTimerD, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateAccepted).
		OnEntryFrom(txEvtRecv2xx, tx.actPassRes).
		OnEntry(tx.actAccepted).
		OnExit(tx.actLeaveAccepted).
		InternalTransition(txEvtRecv2xx, tx.actPassRes).
		Ignore(txEvtRecv1xx).
		Ignore(txEvtRecv300699).
		Ignore(txEvtTranspErr).
		Permit(txEvtTimerM, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntryFrom(txEvtTimerB, tx.actTimedOut).
		OnEntryFrom(txEvtTranspErr, tx.actTranspErr).
		OnEntry(tx.actTerminated)
}

func (tx *inviteClientTx) actCalling(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction calling", slog.Any("transaction", tx))

	tx.actSendReq(ctx) //nolint:errcheck
	if !tx.reliable() {
		tx.tmrA = tx.startTimer("A", tx.timings.TimeA(), txEvtTimerA)
	}
	tx.tmrB = tx.startTimer("B", tx.timings.TimeB(), txEvtTimerB)
	return nil
}

func (tx *inviteClientTx) actRetransmit(ctx context.Context, _ ...any) error {
	tx.actSendReq(ctx) //nolint:errcheck

	if tx.tmrA != nil {
		tx.tmrA.Reset(tx.timings.NextInterval(tx.tmrA.Duration(), false))

		tx.log.LogAttrs(ctx, slog.LevelDebug, "timer A reset",
			slog.Any("transaction", tx),
			slog.Time("expires_at", tx.tmrA.ExpiresAt()),
		)
	}
	return nil
}

func (tx *inviteClientTx) actLeaveCalling(context.Context, ...any) error {
	tx.stopTimer("A", &tx.tmrA)
	tx.stopTimer("B", &tx.tmrB)
	return nil
}

func (tx *inviteClientTx) actProceeding(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction proceeding", slog.Any("transaction", tx))

	if tx.cancelPending {
		tx.sendCancel()
	}
	return nil
}

func (tx *inviteClientTx) actPassResSendAck(ctx context.Context, args ...any) error {
	tx.actPassRes(ctx, args...) //nolint:errcheck
	tx.actSendAck(ctx, args...) //nolint:errcheck
	return nil
}

// actSendAck sends the ACK for a non-2xx final response (RFC 3261 Section 17.1.1.3).
func (tx *inviteClientTx) actSendAck(ctx context.Context, args ...any) error {
	if tx.ack == nil {
		res := args[0].(*Response) //nolint:forcetypeassert
		tx.ack = tx.buildAck(res)
	}

	tx.log.LogAttrs(ctx, slog.LevelDebug, "send ACK", slog.Any("transaction", tx), slog.Any("ack", tx.ack))

	tx.send(tx.ack)
	return nil
}

func (tx *inviteClientTx) buildAck(res *Response) *Request {
	ack := tx.buildSibling(MethodAck)
	if to := res.Headers.To(); to != nil {
		ack.Headers.Set(header.NameTo, to.CloneNameAddr())
	}
	return ack
}

// buildSibling creates an ACK or CANCEL sharing the topmost Via, the routing and
// the dialog identifying headers of the INVITE (RFC 3261 Section 9.1).
func (tx *inviteClientTx) buildSibling(method string) *Request {
	req := &Request{
		Method:  method,
		URI:     tx.req.URI.Clone(),
		Version: tx.req.Version,
	}
	if via := tx.req.Headers.TopVia(); via != nil {
		req.Headers.Set(header.NameVia, via.CloneVia())
	}
	for _, name := range []string{header.NameFrom, header.NameTo, header.NameCallID, header.NameRoute} {
		if vals := tx.req.Headers.Get(name); len(vals) > 0 {
			cloned := make([]header.Value, len(vals))
			for i, v := range vals {
				cloned[i] = v.Clone()
			}
			req.Headers.Set(name, cloned...)
		}
	}
	var seq uint32
	if cseq := tx.req.Headers.CSeq(); cseq != nil {
		seq = cseq.Seq
	}
	req.Headers.Set(header.NameCSeq, &header.CSeq{Seq: seq, Method: method})
	req.Headers.Set(header.NameMaxForwards, header.Generic("70"))
	return req
}

func (tx *inviteClientTx) actCompleted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction completed", slog.Any("transaction", tx))

	tx.tmrD = tx.startTimer("D", tx.timings.TimeD(tx.reliable()), txEvtTimerD)
	return nil
}

func (tx *inviteClientTx) actLeaveCompleted(context.Context, ...any) error {
	tx.stopTimer("D", &tx.tmrD)
	return nil
}

func (tx *inviteClientTx) actAccepted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction accepted", slog.Any("transaction", tx))

	tx.tmrM = tx.startTimer("M", tx.timings.TimeM(), txEvtTimerM)
	return nil
}

func (tx *inviteClientTx) actLeaveAccepted(context.Context, ...any) error {
	tx.stopTimer("M", &tx.tmrM)
	return nil
}

// requestCancel sends CANCEL in Proceeding, remembers it in Calling
// to send on the first provisional response and does nothing later.
func (tx *inviteClientTx) requestCancel() {
	switch tx.State() {
	case TransactionStateCalling:
		tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "CANCEL queued until provisional response", slog.Any("transaction", tx))
		tx.cancelPending = true
	case TransactionStateProceeding:
		tx.sendCancel()
	default:
		tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "CANCEL skipped after final response", slog.Any("transaction", tx))
	}
}

func (tx *inviteClientTx) sendCancel() {
	if tx.cancelSent {
		return
	}
	tx.cancelSent = true
	tx.cancelPending = false

	tx.eng.sendCancel(tx.conn.Target(), tx.buildSibling(MethodCancel))
}
