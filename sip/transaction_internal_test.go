package sip

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestTransact_FireFailure(t *testing.T) {
	t.Parallel()

	errEntry := errors.New("entry failed")

	var reported []error
	eng := NewEngine(&EngineOptions{OnError: func(err error) { reported = append(reported, err) }})

	var terminated int
	tx := newTransact(eng, kindNonInviteClient, &Request{Method: MethodOptions}, nil)
	tx.terminated = func() { terminated++ }
	tx.initFSM(TransactionStateTrying)
	tx.fsm.Configure(TransactionStateTrying).
		Permit(txEvtTimerE, TransactionStateProceeding).
		Permit(txEvtTerminate, TransactionStateTerminated)
	tx.fsm.Configure(TransactionStateProceeding).
		OnEntry(func(context.Context, ...any) error { return errEntry })
	tx.fsm.Configure(TransactionStateTerminated).
		OnEntry(tx.actTerminated)

	tx.fire(txEvtTimerE)
	// later timers of a released transaction are dropped
	tx.fire(txEvtTimerF)

	if len(reported) != 1 {
		t.Fatalf("reported errors = %v, want 1 error", reported)
	}
	if diff := cmp.Diff(errEntry, reported[0], cmpopts.EquateErrors()); diff != "" {
		t.Errorf("reported error mismatch (-want +got):\n%s", diff)
	}
	if terminated != 1 {
		t.Errorf("terminated callback calls = %d, want 1", terminated)
	}
	if !tx.released {
		t.Error("tx.released = false, want true")
	}
}
