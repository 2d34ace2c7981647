package sip_test

import (
	"context"
	"testing"

	"github.com/voxlane/sipcore/sip"
)

var (
	proxyOneURI = sip.URI{Host: "p1.example.com", Params: sip.NewParams().Set("lr", "")}
	proxyTwoURI = sip.URI{Host: "p2.example.com", Params: sip.NewParams().Set("lr", "")}
)

func clientDialogFor(t *testing.T, invite *sip.Request, status sip.ResponseStatus) (*sip.Dialog, *sip.Response) {
	t.Helper()
	res := respondTo(t, invite, status, nil)
	res.AppendHeader(&sip.ContactHeader{Address: *bobContact.Clone()})
	return sip.NewClientDialog(invite, res, nil), res
}

func TestClientDialog_Identity(t *testing.T) {
	t.Parallel()

	invite := newInvite()
	d, res := clientDialogFor(t, invite, sip.ResponseStatusOK)

	key := d.Key()
	callID, _ := invite.CallID()
	if key.CallID != string(callID) {
		t.Errorf("expected Call-ID %q, got %q", callID, key.CallID)
	}
	fromTag, _ := invite.From().Tag()
	if key.LocalTag != fromTag {
		t.Errorf("expected local tag %q, got %q", fromTag, key.LocalTag)
	}
	toTag, _ := res.To().Tag()
	if key.RemoteTag != toTag {
		t.Errorf("expected remote tag %q, got %q", toTag, key.RemoteTag)
	}
	if d.IsEarly() {
		t.Error("dialog built on a 2xx must not be early")
	}
	if d.LocalSeq() != invite.CSeq().SeqNo {
		t.Errorf("expected local seq %d, got %d", invite.CSeq().SeqNo, d.LocalSeq())
	}
	if d.RemoteTarget().Host != bobContact.Host {
		t.Errorf("expected remote target from the response Contact, got %q", d.RemoteTarget().Host)
	}
}

func TestClientDialog_RouteSetReversed(t *testing.T) {
	t.Parallel()

	invite := newInvite()
	res := respondTo(t, invite, sip.ResponseStatusOK, nil)
	// Record-Route is rendered topmost-first, the UAC route set is reversed
	res.AppendHeader(&sip.RecordRouteHeader{Address: *proxyTwoURI.Clone()})
	res.AppendHeader(&sip.RecordRouteHeader{Address: *proxyOneURI.Clone()})

	d := sip.NewClientDialog(invite, res, nil)
	routes := d.RouteSet()
	if len(routes) != 2 {
		t.Fatalf("expected 2 routes, got %d", len(routes))
	}
	if routes[0].Host != proxyOneURI.Host || routes[1].Host != proxyTwoURI.Host {
		t.Errorf("expected reversed route set, got %q then %q", routes[0].Host, routes[1].Host)
	}
}

func TestServerDialog_RouteSetInOrder(t *testing.T) {
	t.Parallel()

	invite := newInvite()
	invite.AppendHeader(&sip.RecordRouteHeader{Address: *proxyTwoURI.Clone()})
	invite.AppendHeader(&sip.RecordRouteHeader{Address: *proxyOneURI.Clone()})

	d := sip.NewServerDialog(invite, sip.GenerateTag(), true, nil)
	routes := d.RouteSet()
	if len(routes) != 2 {
		t.Fatalf("expected 2 routes, got %d", len(routes))
	}
	if routes[0].Host != proxyTwoURI.Host || routes[1].Host != proxyOneURI.Host {
		t.Errorf("expected route set in request order, got %q then %q", routes[0].Host, routes[1].Host)
	}
	if !d.IsEarly() {
		t.Error("expected an early dialog")
	}
	if d.RemoteSeq() != invite.CSeq().SeqNo {
		t.Errorf("expected remote seq %d, got %d", invite.CSeq().SeqNo, d.RemoteSeq())
	}
}

func TestDialog_ConfirmRefreshesRouteSet(t *testing.T) {
	t.Parallel()

	invite := newInvite()
	d, _ := clientDialogFor(t, invite, sip.ResponseStatusRinging)
	if !d.IsEarly() {
		t.Fatal("expected an early dialog on 180")
	}

	ok := respondTo(t, invite, sip.ResponseStatusOK, nil)
	ok.AppendHeader(&sip.RecordRouteHeader{Address: *proxyOneURI.Clone()})
	d.Confirm(ok)

	if d.IsEarly() {
		t.Error("confirmed dialog must not be early")
	}
	routes := d.RouteSet()
	if len(routes) != 1 || routes[0].Host != proxyOneURI.Host {
		t.Errorf("expected the route set of the confirming response, got %v", routes)
	}

	// the route set of a confirmed dialog is frozen
	again := respondTo(t, invite, sip.ResponseStatusOK, nil)
	again.AppendHeader(&sip.RecordRouteHeader{Address: *proxyTwoURI.Clone()})
	d.Confirm(again)
	routes = d.RouteSet()
	if len(routes) != 1 || routes[0].Host != proxyOneURI.Host {
		t.Errorf("confirm must not touch a confirmed dialog, got %v", routes)
	}
}

func TestDialog_SequenceGuard(t *testing.T) {
	t.Parallel()

	invite := newInvite()
	d := sip.NewServerDialog(invite, sip.GenerateTag(), true, nil)

	inDialog := newRequest(sip.RequestMethodInfo)
	inDialog.CSeq().SeqNo = invite.CSeq().SeqNo + 1

	ok, err := d.SequenceGuard(context.Background(), inDialog, nil)
	if err != nil {
		t.Fatalf("guard in-order request: %v", err)
	}
	if !ok {
		t.Fatal("in-order request must pass the guard")
	}
	if d.RemoteSeq() != inDialog.CSeq().SeqNo {
		t.Errorf("expected remote seq %d, got %d", inDialog.CSeq().SeqNo, d.RemoteSeq())
	}

	var replied *sip.Response
	stale := newRequest(sip.RequestMethodInfo)
	stale.CSeq().SeqNo = invite.CSeq().SeqNo
	ok, err = d.SequenceGuard(context.Background(), stale, func(_ context.Context, res *sip.Response) error {
		replied = res
		return nil
	})
	if err != nil {
		t.Fatalf("guard stale request: %v", err)
	}
	if ok {
		t.Error("stale request must not pass the guard")
	}
	if replied == nil || replied.StatusCode != sip.ResponseStatusInternalServerError {
		t.Fatalf("expected a 500 reply, got %v", replied)
	}
	if replied.Reason != "Server Internal Error: Out of Order Request" {
		t.Errorf("unexpected reason %q", replied.Reason)
	}

	// ACK and CANCEL carry the sequence of the request they refer to
	for _, method := range []sip.RequestMethod{sip.RequestMethodAck, sip.RequestMethodCancel} {
		exempt := newRequest(method)
		exempt.CSeq().SeqNo = invite.CSeq().SeqNo
		ok, err := d.SequenceGuard(context.Background(), exempt, nil)
		if err != nil {
			t.Fatalf("guard %q: %v", method, err)
		}
		if !ok {
			t.Errorf("%q must be exempt from the sequence guard", method)
		}
	}
}

func TestDialog_NewRequest(t *testing.T) {
	t.Parallel()

	invite := newInvite()
	d, _ := clientDialogFor(t, invite, sip.ResponseStatusOK)
	d.SetLocalTarget(*aliceContact.Clone())

	bye := d.NewRequest(sip.RequestMethodBye, nil)
	if bye.Recipient.Host != bobContact.Host {
		t.Errorf("expected the remote target as Request-URI, got %q", bye.Recipient.Host)
	}
	if bye.CSeq().SeqNo != invite.CSeq().SeqNo+1 {
		t.Errorf("expected CSeq %d, got %d", invite.CSeq().SeqNo+1, bye.CSeq().SeqNo)
	}
	fromTag, _ := bye.From().Tag()
	if wantTag := d.Key().LocalTag; fromTag != wantTag {
		t.Errorf("expected From tag %q, got %q", wantTag, fromTag)
	}
	toTag, _ := bye.To().Tag()
	if wantTag := d.Key().RemoteTag; toTag != wantTag {
		t.Errorf("expected To tag %q, got %q", wantTag, toTag)
	}
	if bye.Contact() == nil {
		t.Error("expected a Contact from the local target")
	}

	// ACK reuses the current sequence number
	ack := d.NewRequest(sip.RequestMethodAck, nil)
	if ack.CSeq().SeqNo != bye.CSeq().SeqNo {
		t.Errorf("expected ACK CSeq %d, got %d", bye.CSeq().SeqNo, ack.CSeq().SeqNo)
	}
	if d.LocalSeq() != bye.CSeq().SeqNo {
		t.Errorf("ACK must not bump the local sequence, got %d", d.LocalSeq())
	}

	// explicit override with NoBump leaves the counter untouched
	old := d.NewRequest(sip.RequestMethodAck, &sip.DialogRequestOptions{CSeq: invite.CSeq().SeqNo, NoBump: true})
	if old.CSeq().SeqNo != invite.CSeq().SeqNo {
		t.Errorf("expected overridden CSeq %d, got %d", invite.CSeq().SeqNo, old.CSeq().SeqNo)
	}
	if d.LocalSeq() != bye.CSeq().SeqNo {
		t.Errorf("NoBump must keep the local sequence, got %d", d.LocalSeq())
	}
}

func TestDialog_NewRequestCarriesRouteSet(t *testing.T) {
	t.Parallel()

	invite := newInvite()
	res := respondTo(t, invite, sip.ResponseStatusOK, nil)
	res.AppendHeader(&sip.ContactHeader{Address: *bobContact.Clone()})
	res.AppendHeader(&sip.RecordRouteHeader{Address: *proxyTwoURI.Clone()})
	res.AppendHeader(&sip.RecordRouteHeader{Address: *proxyOneURI.Clone()})

	d := sip.NewClientDialog(invite, res, nil)
	req := d.NewRequest(sip.RequestMethodBye, nil)

	routes := req.Routes()
	if len(routes) != 2 {
		t.Fatalf("expected 2 Route headers, got %d", len(routes))
	}
	if routes[0].Address.Host != proxyOneURI.Host || routes[1].Address.Host != proxyTwoURI.Host {
		t.Errorf("expected the dialog route set in order, got %q then %q",
			routes[0].Address.Host, routes[1].Address.Host)
	}
}
