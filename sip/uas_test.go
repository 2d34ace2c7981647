package sip_test

import (
	"context"
	"errors"
	"testing"

	"github.com/voxlane/sipcore/sip"
)

func TestServerContext_NonInviteLifecycle(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	s, err := sip.NewServerContext(context.Background(), newRequest(sip.RequestMethodRegister), tp, &sip.ServerContextOptions{Timings: shortTimings()})
	if err != nil {
		t.Fatalf("create context: %v", err)
	}
	defer s.Transaction().Terminate()

	// RFC 4320: non-INVITE requests never progress beyond 100
	if _, err := s.Progress(context.Background(), sip.ResponseStatusRinging, nil); !errors.Is(err, sip.ErrActionNotAllowed) {
		t.Errorf("expected %v, got %v", sip.ErrActionNotAllowed, err)
	}

	if err := s.Trying(context.Background()); err != nil {
		t.Fatalf("send 100: %v", err)
	}
	tp.awaitResponse(t, sip.ResponseStatusTrying)

	res, err := s.Accept(context.Background(), sip.ResponseStatusOK, nil)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if tag, ok := res.To().Tag(); !ok || tag != s.ToTag() {
		t.Errorf("expected the context To tag %q, got %q", s.ToTag(), tag)
	}
	tp.awaitResponse(t, sip.ResponseStatusOK)

	// a second final response is illegal
	if _, err := s.Reject(context.Background(), sip.ResponseStatusBusyHere, nil); !errors.Is(err, sip.ErrActionNotAllowed) {
		t.Errorf("expected %v, got %v", sip.ErrActionNotAllowed, err)
	}
}

func TestServerContext_StatusClassValidation(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	s, err := sip.NewServerContext(context.Background(), newRequest(sip.RequestMethodOptions), tp, &sip.ServerContextOptions{Timings: shortTimings()})
	if err != nil {
		t.Fatalf("create context: %v", err)
	}
	defer s.Transaction().Terminate()

	ctx := context.Background()
	if _, err := s.Accept(ctx, sip.ResponseStatusBusyHere, nil); err == nil {
		t.Error("accept must reject a non-2xx status")
	}
	if _, err := s.Reject(ctx, sip.ResponseStatusOK, nil); err == nil {
		t.Error("reject must reject a 2xx status")
	}
	if _, err := s.Progress(ctx, sip.ResponseStatusTrying, nil); err == nil {
		t.Error("progress must reject 100")
	}
	if _, err := s.Redirect(ctx, sip.ResponseStatusOK, *bobContact.Clone(), nil); err == nil {
		t.Error("redirect must reject a non-3xx status")
	}
}

func TestServerContext_RedirectAppendsContact(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	s, err := sip.NewServerContext(context.Background(), newRequest(sip.RequestMethodOptions), tp, &sip.ServerContextOptions{Timings: shortTimings()})
	if err != nil {
		t.Fatalf("create context: %v", err)
	}
	defer s.Transaction().Terminate()

	target := sip.URI{User: "bob", Host: "elsewhere.example.com"}
	res, err := s.Redirect(context.Background(), sip.ResponseStatusMovedTemporarily, target, nil)
	if err != nil {
		t.Fatalf("redirect: %v", err)
	}
	contact := res.Contact()
	if contact == nil || contact.Address.Host != target.Host {
		t.Errorf("expected a Contact pointing at %q, got %v", target.Host, contact)
	}
}

func TestInviteServerContext_ProgressEstablishesEarlyDialog(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	dialogs := make(chan *sip.SessionDialog, 1)
	c, err := sip.NewInviteServerContext(context.Background(), newInvite(), tp, &sip.InviteServerContextOptions{
		Timings:  shortTimings(),
		OnDialog: func(_ context.Context, d *sip.SessionDialog) { dialogs <- d },
	})
	if err != nil {
		t.Fatalf("create context: %v", err)
	}
	defer c.Transaction().Terminate()

	res, err := c.Progress(context.Background(), sip.ResponseStatusSessionProgress, &sip.ResponseOptions{
		ContentType: sip.ContentTypeSDP,
		Body:        []byte(sdpOffer),
	})
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	tp.awaitResponse(t, sip.ResponseStatusSessionProgress)

	var d *sip.SessionDialog
	select {
	case d = <-dialogs:
	default:
		t.Fatal("dialog callback was not invoked")
	}
	if !d.IsEarly() {
		t.Error("expected an early dialog")
	}
	if d.SignalingState() != sip.SignalingStateHaveLocalOffer {
		t.Errorf("expected the body to become the local offer, got %q", d.SignalingState())
	}
	if tag, _ := res.To().Tag(); tag != c.ToTag() {
		t.Errorf("expected To tag %q, got %q", c.ToTag(), tag)
	}
	if _, ok := res.RSeq(); ok {
		t.Error("RSeq must not be attached without 100rel support")
	}
}

func TestInviteServerContext_ReliableProvisionalCarriesRSeq(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	invite := newInvite()
	invite.AppendHeader(&sip.GenericHeader{HeaderName: "Supported", Contents: "100rel"})

	c, err := sip.NewInviteServerContext(context.Background(), invite, tp, &sip.InviteServerContextOptions{Timings: shortTimings()})
	if err != nil {
		t.Fatalf("create context: %v", err)
	}
	defer c.Transaction().Terminate()

	first, err := c.Progress(context.Background(), sip.ResponseStatusSessionProgress, nil)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	second, err := c.Progress(context.Background(), sip.ResponseStatusRinging, nil)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}

	rseq1, ok := first.RSeq()
	if !ok {
		t.Fatal("expected an RSeq on the first reliable provisional")
	}
	rseq2, ok := second.RSeq()
	if !ok {
		t.Fatal("expected an RSeq on the second reliable provisional")
	}
	if rseq2 != rseq1+1 {
		t.Errorf("expected RSeq to increment, got %d then %d", rseq1, rseq2)
	}
}

func TestInviteServerContext_AcceptNeedsAnswer(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	c, err := sip.NewInviteServerContext(context.Background(), withSDP(newInvite(), sdpOffer), tp, &sip.InviteServerContextOptions{Timings: shortTimings()})
	if err != nil {
		t.Fatalf("create context: %v", err)
	}
	defer c.Transaction().Terminate()

	if _, err := c.Accept(context.Background(), sip.ResponseStatusOK, nil); !errors.Is(err, sip.ErrAnswerMissing) {
		t.Errorf("expected %v, got %v", sip.ErrAnswerMissing, err)
	}
}

func TestInviteServerContext_AcceptConfirmsDialog(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	invite := withSDP(newInvite(), sdpOffer)
	c, err := sip.NewInviteServerContext(context.Background(), invite, tp, &sip.InviteServerContextOptions{Timings: shortTimings()})
	if err != nil {
		t.Fatalf("create context: %v", err)
	}
	defer c.Transaction().Terminate()

	res, err := c.Accept(context.Background(), sip.ResponseStatusOK, &sip.ResponseOptions{
		ContentType: sip.ContentTypeSDP,
		Body:        []byte(sdpAnswer),
	})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	tp.awaitResponse(t, sip.ResponseStatusOK)

	d := c.Dialog()
	if d == nil {
		t.Fatal("expected a confirmed dialog")
	}
	if d.IsEarly() {
		t.Error("accepted dialog must not be early")
	}
	if d.SignalingState() != sip.SignalingStateStable {
		t.Errorf("expected a stable offer/answer exchange, got %q", d.SignalingState())
	}

	// repeated accept resends the stored 2xx
	again, err := c.Accept(context.Background(), sip.ResponseStatusOK, nil)
	if err != nil {
		t.Fatalf("repeated accept: %v", err)
	}
	if again != res {
		t.Error("expected the stored 2xx to be resent")
	}

	// the ACK through the transaction stops the retransmission schedule
	if err := c.Transaction().RecvRequest(context.Background(), ackFor(invite, res)); err != nil {
		t.Fatalf("receive ACK: %v", err)
	}
}

func TestInviteServerContext_RejectClosesDialog(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	c, err := sip.NewInviteServerContext(context.Background(), newInvite(), tp, &sip.InviteServerContextOptions{Timings: shortTimings()})
	if err != nil {
		t.Fatalf("create context: %v", err)
	}
	defer c.Transaction().Terminate()

	if _, err := c.Progress(context.Background(), sip.ResponseStatusRinging, nil); err != nil {
		t.Fatalf("progress: %v", err)
	}
	d := c.Dialog()
	if d == nil {
		t.Fatal("expected an early dialog")
	}

	if _, err := c.Reject(context.Background(), sip.ResponseStatusBusyHere, nil); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if !d.IsClosed() {
		t.Error("expected the early dialog to close on rejection")
	}
}
