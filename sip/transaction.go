package sip

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/qmuntal/stateless"

	"github.com/ghettovoice/sipengine/internal/timeutil"
)

// TransactionState is a state of a transaction state machine (RFC 3261 Section 17, RFC 6026).
type TransactionState string

// Transaction states.
const (
	TransactionStateCalling    TransactionState = "calling"
	TransactionStateTrying     TransactionState = "trying"
	TransactionStateProceeding TransactionState = "proceeding"
	TransactionStateCompleted  TransactionState = "completed"
	TransactionStateAccepted   TransactionState = "accepted"
	TransactionStateConfirmed  TransactionState = "confirmed"
	TransactionStateTerminated TransactionState = "terminated"
)

type transactKind int

const (
	kindInviteClient transactKind = iota + 1
	kindNonInviteClient
	kindInviteServer
	kindNonInviteServer
)

func (k transactKind) String() string {
	switch k {
	case kindInviteClient:
		return "client_invite"
	case kindNonInviteClient:
		return "client_non_invite"
	case kindInviteServer:
		return "server_invite"
	case kindNonInviteServer:
		return "server_non_invite"
	default:
		return "unknown"
	}
}

// txKey identifies a transaction: topmost Via branch, Call-ID and CSeq method,
// with ACK mapped to INVITE.
type txKey struct {
	branch string
	callID string
	method string
}

func (k txKey) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("branch", k.branch),
		slog.String("call_id", k.callID),
		slog.String("method", k.method),
	)
}

func requestKey(req *Request) txKey {
	var k txKey
	if via := req.Headers.TopVia(); via != nil {
		k.branch = via.Branch()
	}
	k.callID = req.Headers.CallID()
	k.method = req.Method
	if k.method == MethodAck {
		k.method = MethodInvite
	}
	return k
}

func responseKey(res *Response) txKey {
	var k txKey
	if via := res.Headers.TopVia(); via != nil {
		k.branch = via.Branch()
	}
	k.callID = res.Headers.CallID()
	if cseq := res.Headers.CSeq(); cseq != nil {
		k.method = cseq.Method
	}
	if k.method == MethodAck {
		k.method = MethodInvite
	}
	return k
}

// State machine triggers.
const (
	txEvtRecvReq    = "recv_req"
	txEvtRecvAck    = "recv_ack"
	txEvtRecv1xx    = "recv_1xx"
	txEvtRecv2xx    = "recv_2xx"
	txEvtRecv300699 = "recv_300-699"
	txEvtSend1xx    = "send_1xx"
	txEvtSend2xx    = "send_2xx"
	txEvtSend300699 = "send_300-699"
	txEvtTranspErr  = "transp_err"
	txEvtTerminate  = "terminate"
	txEvtTimer100   = "timer_100"
	txEvtTimerA     = "timer_a"
	txEvtTimerB     = "timer_b"
	txEvtTimerD     = "timer_d"
	txEvtTimerE     = "timer_e"
	txEvtTimerF     = "timer_f"
	txEvtTimerG     = "timer_g"
	txEvtTimerH     = "timer_h"
	txEvtTimerI     = "timer_i"
	txEvtTimerJ     = "timer_j"
	txEvtTimerK     = "timer_k"
	txEvtTimerL     = "timer_l"
	txEvtTimerM     = "timer_m"
)

// transact holds the parts shared by client and server transactions.
// It is accessed only from the engine loop.
type transact struct {
	kind    transactKind
	key     txKey
	req     *Request
	conn    *ConnRef
	eng     *Engine
	timings *TimingConfig
	log     *slog.Logger
	fsm     *stateless.StateMachine
	ctx     context.Context
	// terminated is called once the transaction reaches Terminated.
	terminated func()
	released   bool
}

func newTransact(eng *Engine, kind transactKind, req *Request, conn *ConnRef) *transact {
	return &transact{
		kind:    kind,
		key:     requestKey(req),
		req:     req,
		conn:    conn,
		eng:     eng,
		timings: &eng.timings,
		log:     eng.log,
		ctx:     context.Background(),
	}
}

func (tx *transact) initFSM(start TransactionState) {
	tx.fsm = stateless.NewStateMachineWithMode(start, stateless.FiringQueued)
	tx.fsm.OnUnhandledTrigger(func(ctx context.Context, state stateless.State, trigger stateless.Trigger, _ []string) error {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction event ignored",
			slog.Any("transaction", tx),
			slog.Any("event", trigger),
		)
		return nil
	})
	tx.fsm.OnTransitioned(func(ctx context.Context, t stateless.Transition) {
		if t.IsReentry() {
			return
		}
		tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction state changed",
			slog.Any("transaction", tx),
			slog.Any("from", t.Source),
			slog.Any("to", t.Destination),
			slog.Any("event", t.Trigger),
		)
	})
}

// State returns the current transaction state.
func (tx *transact) State() TransactionState {
	return tx.fsm.MustState().(TransactionState) //nolint:forcetypeassert
}

func (tx *transact) reliable() bool { return tx.conn != nil && tx.conn.Reliable() }

// fire feeds the trigger to the state machine.
// A failed transition is reported and the transaction is terminated.
func (tx *transact) fire(trigger string, args ...any) {
	if tx.released {
		return
	}
	err := tx.fsm.FireCtx(tx.ctx, trigger, args...)
	if err == nil {
		return
	}
	tx.eng.reportError(fmt.Errorf("%s transaction: fire %q in state %q: %w", tx.kind, trigger, tx.State(), err))
	if trigger != txEvtTerminate && tx.State() != TransactionStateTerminated {
		_ = tx.fsm.FireCtx(tx.ctx, txEvtTerminate)
	}
	if !tx.released {
		// the machine cannot leave its state, release resources directly
		_ = tx.actTerminated(tx.ctx)
	}
}

// startTimer starts a loop-dispatched timer firing the trigger.
func (tx *transact) startTimer(name string, d time.Duration, trigger string) *timeutil.Timer {
	tmr := timeutil.AfterFunc(d, tx.eng.loop.post, func() {
		tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer "+name+" expired", slog.Any("transaction", tx))
		tx.fire(trigger)
	})
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer "+name+" started",
		slog.Any("transaction", tx),
		slog.Time("expires_at", tmr.ExpiresAt()),
	)
	return tmr
}

func (tx *transact) stopTimer(name string, tmr **timeutil.Timer) {
	if *tmr == nil {
		return
	}
	if (*tmr).Stop() {
		tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer "+name+" stopped", slog.Any("transaction", tx))
	}
	*tmr = nil
}

func (tx *transact) send(msg Message) {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "transaction sends message",
		slog.Any("transaction", tx),
		slog.Any("message", msg),
	)
	tx.conn.Send(msg)
}

// actTerminated releases the connection reference and unregisters the transaction.
func (tx *transact) actTerminated(ctx context.Context, _ ...any) error {
	if tx.released {
		return nil
	}
	tx.released = true
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction terminated", slog.Any("transaction", tx))

	if tx.conn != nil {
		tx.conn.Release()
	}
	tx.eng.stats.txTerminated(tx.kind)
	if tx.terminated != nil {
		tx.terminated()
	}
	return nil
}

func (tx *transact) LogValue() slog.Value {
	if tx == nil {
		return slog.Value{}
	}
	attrs := []slog.Attr{
		slog.String("type", tx.kind.String()),
		slog.Any("key", tx.key),
	}
	if tx.fsm != nil {
		attrs = append(attrs, slog.Any("state", tx.fsm.MustState()))
	}
	return slog.GroupValue(attrs...)
}
