package sip_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/voxlane/sipcore/sip"
)

func TestInviteClientTransaction_SendsRequest(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	invite := newInvite()

	tx, err := sip.NewInviteClientTransaction(invite, tp, &sip.ClientTransactionOptions{Timings: shortTimings()})
	if err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	defer tx.Terminate()

	sent := tp.awaitRequest(t, sip.RequestMethodInvite)
	if sent != invite {
		t.Error("expected the original INVITE to be sent")
	}
	if tx.State() != sip.TransactionStateCalling {
		t.Errorf("expected state %q, got %q", sip.TransactionStateCalling, tx.State())
	}

	branch, _ := invite.Via().Branch()
	if tx.Key().Branch != branch {
		t.Errorf("expected key branch %q, got %q", branch, tx.Key().Branch)
	}
}

func TestInviteClientTransaction_RetransmitsWhileCalling(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	tx, err := sip.NewInviteClientTransaction(newInvite(), tp, &sip.ClientTransactionOptions{Timings: shortTimings()})
	if err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	defer tx.Terminate()

	// initial send plus at least one timer A retransmission
	tp.awaitRequest(t, sip.RequestMethodInvite)
	tp.awaitRequest(t, sip.RequestMethodInvite)
}

func TestInviteClientTransaction_ReliableTransportSkipsRetransmits(t *testing.T) {
	t.Parallel()

	tp := newReliableStubTransport()
	tx, err := sip.NewInviteClientTransaction(newInvite(), tp, &sip.ClientTransactionOptions{Timings: shortTimings()})
	if err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	defer tx.Terminate()

	tp.awaitRequest(t, sip.RequestMethodInvite)
	time.Sleep(50 * time.Millisecond)
	if n := tp.sentCount(); n != 1 {
		t.Errorf("expected a single send on a reliable transport, got %d", n)
	}
}

func TestInviteClientTransaction_ProvisionalStopsRetransmits(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	invite := newInvite()
	tx, err := sip.NewInviteClientTransaction(invite, tp, &sip.ClientTransactionOptions{Timings: shortTimings()})
	if err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	defer tx.Terminate()

	got := make(chan *sip.Response, 4)
	tx.OnResponse(func(_ context.Context, _ sip.ClientTransaction, res *sip.Response) {
		got <- res
	})

	ringing := respondTo(t, invite, sip.ResponseStatusRinging, nil)
	if err := tx.RecvResponse(context.Background(), ringing); err != nil {
		t.Fatalf("receive 180: %v", err)
	}

	awaitState(t, tx, sip.TransactionStateProceeding)

	select {
	case res := <-got:
		if res.StatusCode != sip.ResponseStatusRinging {
			t.Errorf("expected 180, got %d", res.StatusCode)
		}
	case <-time.After(waitTimeout):
		t.Fatal("provisional response was not passed up")
	}
}

func TestInviteClientTransaction_TimerBTimesOut(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	tx, err := sip.NewInviteClientTransaction(newInvite(), tp, &sip.ClientTransactionOptions{Timings: shortTimings()})
	if err != nil {
		t.Fatalf("create transaction: %v", err)
	}

	errs := make(chan error, 1)
	tx.OnError(func(_ context.Context, _ sip.Transaction, err error) {
		select {
		case errs <- err:
		default:
		}
	})

	awaitState(t, tx, sip.TransactionStateTerminated)

	select {
	case err := <-errs:
		if !errors.Is(err, sip.ErrTransactionTimedOut) {
			t.Errorf("expected %v, got %v", sip.ErrTransactionTimedOut, err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("timeout error was not delivered")
	}
	if !errors.Is(tx.Err(), sip.ErrTransactionTimedOut) {
		t.Errorf("expected Err() to report the timeout, got %v", tx.Err())
	}
}

func TestInviteClientTransaction_RejectionSendsAck(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	invite := newInvite()
	tx, err := sip.NewInviteClientTransaction(invite, tp, &sip.ClientTransactionOptions{Timings: shortTimings()})
	if err != nil {
		t.Fatalf("create transaction: %v", err)
	}

	busy := respondTo(t, invite, sip.ResponseStatusBusyHere, nil)
	if err := tx.RecvResponse(context.Background(), busy); err != nil {
		t.Fatalf("receive 486: %v", err)
	}

	ack := tp.awaitRequest(t, sip.RequestMethodAck)
	ackBranch, _ := ack.Via().Branch()
	invBranch, _ := invite.Via().Branch()
	if ackBranch != invBranch {
		t.Errorf("ACK branch %q does not match INVITE branch %q", ackBranch, invBranch)
	}
	if ack.CSeq().SeqNo != invite.CSeq().SeqNo {
		t.Errorf("ACK CSeq %d does not match INVITE CSeq %d", ack.CSeq().SeqNo, invite.CSeq().SeqNo)
	}
	if tag, ok := ack.To().Tag(); !ok || tag == "" {
		t.Error("ACK must copy the tagged To of the response")
	}

	// a retransmitted final response triggers another ACK
	if err := tx.RecvResponse(context.Background(), busy); err != nil {
		t.Fatalf("receive retransmitted 486: %v", err)
	}
	tp.awaitRequest(t, sip.RequestMethodAck)

	// timer D fires on unreliable transports
	awaitState(t, tx, sip.TransactionStateTerminated)
}

func TestInviteClientTransaction_ReliableTransportSkipsTimerD(t *testing.T) {
	t.Parallel()

	tp := newReliableStubTransport()
	invite := newInvite()
	tx, err := sip.NewInviteClientTransaction(invite, tp, &sip.ClientTransactionOptions{Timings: shortTimings()})
	if err != nil {
		t.Fatalf("create transaction: %v", err)
	}

	if err := tx.RecvResponse(context.Background(), respondTo(t, invite, sip.ResponseStatusDeclined, nil)); err != nil {
		t.Fatalf("receive 603: %v", err)
	}
	awaitState(t, tx, sip.TransactionStateTerminated)
}

func TestInviteClientTransaction_AcceptedAbsorbs2xxRetransmits(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	invite := newInvite()
	tx, err := sip.NewInviteClientTransaction(invite, tp, &sip.ClientTransactionOptions{Timings: shortTimings()})
	if err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	defer tx.Terminate()

	got := make(chan *sip.Response, 4)
	tx.OnResponse(func(_ context.Context, _ sip.ClientTransaction, res *sip.Response) {
		got <- res
	})

	ok := respondTo(t, invite, sip.ResponseStatusOK, nil)
	if err := tx.RecvResponse(context.Background(), ok); err != nil {
		t.Fatalf("receive 200: %v", err)
	}
	awaitState(t, tx, sip.TransactionStateAccepted)

	select {
	case res := <-got:
		if res.StatusCode != sip.ResponseStatusOK {
			t.Fatalf("expected 200, got %d", res.StatusCode)
		}
	case <-time.After(waitTimeout):
		t.Fatal("first 2xx was not passed up")
	}

	// once the ACK is registered, a retransmitted 2xx resends it instead
	// of reaching the user again
	if err := tx.SetAck(ackFor(invite, ok)); err != nil {
		t.Fatalf("set ACK: %v", err)
	}
	if err := tx.RecvResponse(context.Background(), ok); err != nil {
		t.Fatalf("receive retransmitted 200: %v", err)
	}

	tp.awaitRequest(t, sip.RequestMethodAck)
	select {
	case res := <-got:
		t.Fatalf("retransmitted 2xx must be absorbed, got %d", res.StatusCode)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestInviteClientTransaction_Forked2xxPassedUp(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	invite := newInvite()
	tx, err := sip.NewInviteClientTransaction(invite, tp, &sip.ClientTransactionOptions{Timings: shortTimings()})
	if err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	defer tx.Terminate()

	got := make(chan *sip.Response, 4)
	tx.OnResponse(func(_ context.Context, _ sip.ClientTransaction, res *sip.Response) {
		got <- res
	})

	first := respondTo(t, invite, sip.ResponseStatusOK, &sip.ResponseOptions{ToTag: "branch-one"})
	if err := tx.RecvResponse(context.Background(), first); err != nil {
		t.Fatalf("receive first 200: %v", err)
	}
	if err := tx.SetAck(ackFor(invite, first)); err != nil {
		t.Fatalf("set ACK: %v", err)
	}

	// a 2xx from another fork carries a different To tag and must still
	// reach the user
	second := respondTo(t, invite, sip.ResponseStatusOK, &sip.ResponseOptions{ToTag: "branch-two"})
	if err := tx.RecvResponse(context.Background(), second); err != nil {
		t.Fatalf("receive forked 200: %v", err)
	}

	for range 2 {
		select {
		case <-got:
		case <-time.After(waitTimeout):
			t.Fatal("expected both 2xx responses to be passed up")
		}
	}
}

func TestInviteClientTransaction_SnapshotRestore(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	invite := newInvite()
	tx, err := sip.NewInviteClientTransaction(invite, tp, &sip.ClientTransactionOptions{Timings: shortTimings()})
	if err != nil {
		t.Fatalf("create transaction: %v", err)
	}

	snap := tx.Snapshot()
	tx.Terminate()

	restored, err := sip.RestoreInviteClientTransaction(snap, tp, nil)
	if err != nil {
		t.Fatalf("restore transaction: %v", err)
	}
	defer restored.Terminate()

	if !restored.Key().Equal(tx.Key()) {
		t.Errorf("restored key %v does not match %v", restored.Key(), tx.Key())
	}
	if restored.State() != sip.TransactionStateCalling {
		t.Errorf("expected restored state %q, got %q", sip.TransactionStateCalling, restored.State())
	}
}
