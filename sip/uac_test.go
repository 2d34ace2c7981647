package sip_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/voxlane/sipcore/sip"
)

const digestChallenge = `Digest realm="sip.example.com", nonce="f84f1cec41e6cbe5aea9c8e88d359", algorithm=MD5`

// txCollector announces every transaction a client context creates.
type txCollector struct {
	ch chan sip.ClientTransaction
}

func newTxCollector() *txCollector {
	return &txCollector{ch: make(chan sip.ClientTransaction, 8)}
}

func (c *txCollector) hook() func(ctx context.Context, tx sip.ClientTransaction) {
	return func(_ context.Context, tx sip.ClientTransaction) { c.ch <- tx }
}

func (c *txCollector) next(t *testing.T) sip.ClientTransaction {
	t.Helper()
	select {
	case tx := <-c.ch:
		return tx
	case <-time.After(waitTimeout):
		t.Fatal("no transaction announced")
		return nil
	}
}

func TestClientContext_DispatchClasses(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	txs := newTxCollector()

	trying := make(chan struct{})
	accepted := make(chan *sip.Response, 1)
	req := newRequest(sip.RequestMethodOptions)
	_, err := sip.NewClientContext(context.Background(), req, tp, &sip.ClientContextOptions{
		Timings: shortTimings(),
		Delegate: sip.ClientContextDelegate{
			OnTrying: func(_ context.Context, _ *sip.Response) { close(trying) },
			OnAccept: func(_ context.Context, res *sip.Response) { accepted <- res },
		},
		OnTransaction: txs.hook(),
	})
	if err != nil {
		t.Fatalf("create context: %v", err)
	}

	tx := txs.next(t)
	if err := tx.RecvResponse(context.Background(), respondTo(t, req, sip.ResponseStatusTrying, nil)); err != nil {
		t.Fatalf("receive 100: %v", err)
	}
	awaitSignal(t, trying, "trying callback")

	if err := tx.RecvResponse(context.Background(), respondTo(t, req, sip.ResponseStatusOK, nil)); err != nil {
		t.Fatalf("receive 200: %v", err)
	}
	select {
	case res := <-accepted:
		if res.StatusCode != sip.ResponseStatusOK {
			t.Errorf("expected 200, got %d", res.StatusCode)
		}
	case <-time.After(waitTimeout):
		t.Fatal("accept callback was not invoked")
	}
}

func TestClientContext_RejectDispatch(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	txs := newTxCollector()

	rejected := make(chan *sip.Response, 1)
	req := newRequest(sip.RequestMethodMessage)
	_, err := sip.NewClientContext(context.Background(), req, tp, &sip.ClientContextOptions{
		Timings: shortTimings(),
		Delegate: sip.ClientContextDelegate{
			OnReject: func(_ context.Context, res *sip.Response) { rejected <- res },
		},
		OnTransaction: txs.hook(),
	})
	if err != nil {
		t.Fatalf("create context: %v", err)
	}

	tx := txs.next(t)
	if err := tx.RecvResponse(context.Background(), respondTo(t, req, sip.ResponseStatusForbidden, nil)); err != nil {
		t.Fatalf("receive 403: %v", err)
	}
	select {
	case res := <-rejected:
		if res.StatusCode != sip.ResponseStatusForbidden {
			t.Errorf("expected 403, got %d", res.StatusCode)
		}
	case <-time.After(waitTimeout):
		t.Fatal("reject callback was not invoked")
	}
}

func TestClientContext_AnswersDigestChallenge(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	txs := newTxCollector()

	rejected := make(chan *sip.Response, 1)
	req := newRequest(sip.RequestMethodRegister)
	_, err := sip.NewClientContext(context.Background(), req, tp, &sip.ClientContextOptions{
		Timings:     shortTimings(),
		Credentials: sip.StaticCredentials{Username: "alice", Password: "secret"},
		Delegate: sip.ClientContextDelegate{
			OnReject: func(_ context.Context, res *sip.Response) { rejected <- res },
		},
		OnTransaction: txs.hook(),
	})
	if err != nil {
		t.Fatalf("create context: %v", err)
	}

	first := txs.next(t)
	challenge := respondTo(t, req, sip.ResponseStatusUnauthorized, nil)
	challenge.AppendHeader(&sip.GenericHeader{HeaderName: "WWW-Authenticate", Contents: digestChallenge})
	if err := first.RecvResponse(context.Background(), challenge); err != nil {
		t.Fatalf("receive 401: %v", err)
	}

	retryTx := txs.next(t)
	retry := retryTx.Request()
	if retry.GetHeader("Authorization") == nil {
		t.Error("expected an Authorization header on the retry")
	}
	if retry.CSeq().SeqNo != req.CSeq().SeqNo+1 {
		t.Errorf("expected CSeq %d on the retry, got %d", req.CSeq().SeqNo+1, retry.CSeq().SeqNo)
	}
	retryBranch, _ := retry.Via().Branch()
	origBranch, _ := req.Via().Branch()
	if retryBranch == origBranch {
		t.Error("expected a fresh branch on the retry")
	}

	// a repeated non-stale challenge is a rejection, not another retry
	challenge2 := respondTo(t, retry, sip.ResponseStatusUnauthorized, nil)
	challenge2.AppendHeader(&sip.GenericHeader{HeaderName: "WWW-Authenticate", Contents: digestChallenge})
	if err := retryTx.RecvResponse(context.Background(), challenge2); err != nil {
		t.Fatalf("receive second 401: %v", err)
	}
	select {
	case res := <-rejected:
		if res.StatusCode != sip.ResponseStatusUnauthorized {
			t.Errorf("expected 401, got %d", res.StatusCode)
		}
	case <-time.After(waitTimeout):
		t.Fatal("repeated challenge was not surfaced as a rejection")
	}
}

func TestClientContext_CancelRequiresInvite(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	c, err := sip.NewClientContext(context.Background(), newRequest(sip.RequestMethodOptions), tp, &sip.ClientContextOptions{Timings: shortTimings()})
	if err != nil {
		t.Fatalf("create context: %v", err)
	}
	if err := c.Cancel(context.Background()); !errors.Is(err, sip.ErrActionNotAllowed) {
		t.Errorf("expected %v, got %v", sip.ErrActionNotAllowed, err)
	}
}

func TestClientContext_CancelWaitsForProvisional(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	txs := newTxCollector()
	invite := newInvite()
	c, err := sip.NewClientContext(context.Background(), invite, tp, &sip.ClientContextOptions{
		Timings:       shortTimings(),
		OnTransaction: txs.hook(),
	})
	if err != nil {
		t.Fatalf("create context: %v", err)
	}
	tx := txs.next(t)

	if err := c.Cancel(context.Background()); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// RFC 3261 section 9.1: no CANCEL before a provisional response
	time.Sleep(30 * time.Millisecond)
	for _, msg := range tp.sentMessages() {
		if req, ok := msg.(*sip.Request); ok && req.Method.Equal(sip.RequestMethodCancel) {
			t.Fatal("CANCEL sent before a provisional response")
		}
	}

	if err := tx.RecvResponse(context.Background(), respondTo(t, invite, sip.ResponseStatusRinging, nil)); err != nil {
		t.Fatalf("receive 180: %v", err)
	}

	cancel := tp.awaitRequest(t, sip.RequestMethodCancel)
	cancelBranch, _ := cancel.Via().Branch()
	inviteBranch, _ := invite.Via().Branch()
	if cancelBranch != inviteBranch {
		t.Errorf("CANCEL branch %q does not match INVITE branch %q", cancelBranch, inviteBranch)
	}
	if cancel.CSeq().SeqNo != invite.CSeq().SeqNo {
		t.Errorf("CANCEL CSeq %d does not match INVITE CSeq %d", cancel.CSeq().SeqNo, invite.CSeq().SeqNo)
	}
}

func TestInviteClientContext_RejectsTaggedTo(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	invite := newInvite()
	invite.To().Params = sip.NewParams().Set("tag", "already-tagged")
	if _, err := sip.NewInviteClientContext(context.Background(), invite, tp, nil); err == nil {
		t.Error("expected a tagged To header to be rejected")
	}
	if _, err := sip.NewInviteClientContext(context.Background(), newRequest(sip.RequestMethodOptions), tp, nil); err == nil {
		t.Error("expected a non-INVITE request to be rejected")
	}
}

func TestInviteClientContext_EarlyDialogAndPrack(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	txs := newTxCollector()
	invite := withSDP(newInvite(), sdpOffer)
	invite.AppendHeader(&sip.GenericHeader{HeaderName: "Supported", Contents: "100rel"})

	c, err := sip.NewInviteClientContext(context.Background(), invite, tp, &sip.InviteClientContextOptions{
		Timings:       shortTimings(),
		OnTransaction: txs.hook(),
	})
	if err != nil {
		t.Fatalf("create context: %v", err)
	}
	tx := txs.next(t)

	progress := respondTo(t, invite, sip.ResponseStatusSessionProgress, &sip.ResponseOptions{ToTag: "early-one"})
	progress.AppendHeader(&sip.ContactHeader{Address: *bobContact.Clone()})
	progress.AppendHeader(sip.RSeqHeader(1))
	if err := tx.RecvResponse(context.Background(), progress); err != nil {
		t.Fatalf("receive 183: %v", err)
	}

	// the reliable provisional is acknowledged with an automatic PRACK
	prack := tp.awaitRequest(t, sip.RequestMethodPrack)
	rack := prack.RAck()
	if rack == nil {
		t.Fatal("expected an RAck header on the PRACK")
	}
	if rack.RSeq != 1 || rack.CSeq != invite.CSeq().SeqNo || !rack.MethodName.Equal(sip.RequestMethodInvite) {
		t.Errorf("unexpected RAck %d %d %s", rack.RSeq, rack.CSeq, rack.MethodName)
	}

	early := c.EarlyDialogs()
	if len(early) != 1 {
		t.Fatalf("expected 1 early dialog, got %d", len(early))
	}
	if early[0].Key().RemoteTag != "early-one" {
		t.Errorf("expected remote tag %q, got %q", "early-one", early[0].Key().RemoteTag)
	}
	if c.Dialog() != nil {
		t.Error("no dialog must be confirmed yet")
	}
}

func TestInviteClientContext_ConfirmsAndAcks(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	txs := newTxCollector()
	invite := withSDP(newInvite(), sdpOffer)

	dialogs := make(chan *sip.SessionDialog, 1)
	c, err := sip.NewInviteClientContext(context.Background(), invite, tp, &sip.InviteClientContextOptions{
		Timings:       shortTimings(),
		OnDialog:      func(_ context.Context, d *sip.SessionDialog) { dialogs <- d },
		OnTransaction: txs.hook(),
	})
	if err != nil {
		t.Fatalf("create context: %v", err)
	}
	tx := txs.next(t)

	ok := respondTo(t, invite, sip.ResponseStatusOK, &sip.ResponseOptions{
		ContentType: sip.ContentTypeSDP,
		Body:        []byte(sdpAnswer),
	})
	ok.AppendHeader(&sip.ContactHeader{Address: *bobContact.Clone()})
	if err := tx.RecvResponse(context.Background(), ok); err != nil {
		t.Fatalf("receive 200: %v", err)
	}

	ack := tp.awaitRequest(t, sip.RequestMethodAck)
	if ack.CSeq().SeqNo != invite.CSeq().SeqNo {
		t.Errorf("ACK CSeq %d does not match INVITE CSeq %d", ack.CSeq().SeqNo, invite.CSeq().SeqNo)
	}
	if ack.Recipient.Host != bobContact.Host {
		t.Errorf("expected the ACK aimed at the remote target, got %q", ack.Recipient.Host)
	}

	var d *sip.SessionDialog
	select {
	case d = <-dialogs:
	case <-time.After(waitTimeout):
		t.Fatal("dialog callback was not invoked")
	}
	if c.Dialog() != d {
		t.Error("expected the confirmed dialog to be retained")
	}
	if d.IsEarly() {
		t.Error("confirmed dialog must not be early")
	}
	if d.SignalingState() != sip.SignalingStateStable {
		t.Errorf("expected a stable offer/answer exchange, got %q", d.SignalingState())
	}
}

func TestInviteClientContext_ReleasesForkedDialog(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	txs := newTxCollector()
	invite := withSDP(newInvite(), sdpOffer)

	accepts := make(chan *sip.Response, 2)
	c, err := sip.NewInviteClientContext(context.Background(), invite, tp, &sip.InviteClientContextOptions{
		Timings: shortTimings(),
		Delegate: sip.ClientContextDelegate{
			OnAccept: func(_ context.Context, res *sip.Response) { accepts <- res },
		},
		OnTransaction: txs.hook(),
	})
	if err != nil {
		t.Fatalf("create context: %v", err)
	}
	tx := txs.next(t)

	first := respondTo(t, invite, sip.ResponseStatusOK, &sip.ResponseOptions{
		ToTag:       "winner",
		ContentType: sip.ContentTypeSDP,
		Body:        []byte(sdpAnswer),
	})
	first.AppendHeader(&sip.ContactHeader{Address: *bobContact.Clone()})
	if err := tx.RecvResponse(context.Background(), first); err != nil {
		t.Fatalf("receive first 200: %v", err)
	}
	tp.awaitRequest(t, sip.RequestMethodAck)
	select {
	case <-accepts:
	case <-time.After(waitTimeout):
		t.Fatal("first 2xx was not surfaced")
	}

	// a 2xx from another fork is acknowledged and released with a BYE
	fork := respondTo(t, invite, sip.ResponseStatusOK, &sip.ResponseOptions{
		ToTag:       "loser",
		ContentType: sip.ContentTypeSDP,
		Body:        []byte(sdpAnswer),
	})
	fork.AppendHeader(&sip.ContactHeader{Address: *bobContact.Clone()})
	if err := tx.RecvResponse(context.Background(), fork); err != nil {
		t.Fatalf("receive forked 200: %v", err)
	}

	bye := tp.awaitRequest(t, sip.RequestMethodBye)
	if tag, _ := bye.To().Tag(); tag != "loser" {
		t.Errorf("expected the BYE aimed at the forked dialog, got To tag %q", tag)
	}

	select {
	case res := <-accepts:
		t.Fatalf("forked 2xx must not be surfaced, got %d", res.StatusCode)
	case <-time.After(50 * time.Millisecond):
	}
	if got := c.Dialog().Key().RemoteTag; got != "winner" {
		t.Errorf("expected the first dialog to stay confirmed, got remote tag %q", got)
	}
}
