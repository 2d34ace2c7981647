package sip_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voxlane/sipcore/sip"
)

func newSubscribe(event string, expires uint32) *sip.Request {
	req := newRequest(sip.RequestMethodSubscribe)
	req.AppendHeader(&sip.EventHeader{EventType: event})
	req.AppendHeader(sip.ExpiresHeader(expires))
	return req
}

// notifyFor builds the in-dialog NOTIFY the notifier sends back: From is the
// notifier side tagged, To carries the subscriber tag.
func notifyFor(subscribe *sip.Request, seq uint32, state *sip.SubscriptionStateHeader) *sip.Request {
	req := sip.NewRequest(sip.RequestMethodNotify, *aliceContact.Clone())
	req.AppendHeader(&sip.ViaHeader{
		Transport: "UDP",
		Host:      "b.example.com",
		Port:      5060,
		Params:    sip.NewParams().Set("branch", sip.GenerateBranch()),
	})
	req.AppendHeader(sip.MaxForwardsHeader(70))
	req.AppendHeader(&sip.FromHeader{
		Address: *bobURI.Clone(),
		Params:  sip.NewParams().Set("tag", "notifier-tag"),
	})
	to := subscribe.From().Clone()
	req.AppendHeader(&sip.ToHeader{Address: to.Address, Params: to.Params})
	callID, _ := subscribe.CallID()
	req.AppendHeader(callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: sip.RequestMethodNotify})
	req.AppendHeader(&sip.ContactHeader{Address: *bobContact.Clone()})
	if event := subscribe.Event(); event != nil {
		req.AppendHeader(&sip.EventHeader{EventType: event.EventType, ID: event.ID})
	}
	if state != nil {
		req.AppendHeader(state)
	}
	return req
}

func newSubscriber(t *testing.T, subscribe *sip.Request, opts *sip.SubscriptionDialogOptions) *sip.SubscriptionDialog {
	t.Helper()
	if opts == nil {
		opts = &sip.SubscriptionDialogOptions{}
	}
	if opts.Timings.IsZero() {
		opts.Timings = shortTimings()
	}
	d := sip.NewSubscriberDialog(subscribe, notifyFor(subscribe, 1, nil), opts)
	if err := d.Subscribed(context.Background(), subscribe); err != nil {
		t.Fatalf("record subscribe: %v", err)
	}
	return d
}

func TestSubscriptionDialog_ActivatesOnNotify(t *testing.T) {
	t.Parallel()

	subscribe := newSubscribe("presence", 3600)
	notified := make(chan *sip.Request, 1)
	d := newSubscriber(t, subscribe, &sip.SubscriptionDialogOptions{
		Delegate: sip.SubscriptionDialogDelegate{
			OnNotify: func(_ context.Context, req *sip.Request) { notified <- req },
		},
	})
	if d.State() != sip.SubscriptionStateNotifyWait {
		t.Fatalf("expected state %q, got %q", sip.SubscriptionStateNotifyWait, d.State())
	}

	var replied *sip.Response
	capture := func(_ context.Context, res *sip.Response) error {
		replied = res
		return nil
	}
	pending := notifyFor(subscribe, 1, &sip.SubscriptionStateHeader{State: sip.SubscriptionStateValuePending, Expires: 3600, RetryAfter: -1})
	if err := d.RecvNotify(context.Background(), pending, capture); err != nil {
		t.Fatalf("receive pending NOTIFY: %v", err)
	}
	if replied == nil || replied.StatusCode != sip.ResponseStatusOK {
		t.Fatalf("expected a 200 reply, got %v", replied)
	}
	if d.State() != sip.SubscriptionStatePending {
		t.Errorf("expected state %q, got %q", sip.SubscriptionStatePending, d.State())
	}

	active := notifyFor(subscribe, 2, &sip.SubscriptionStateHeader{State: sip.SubscriptionStateValueActive, Expires: 1800, RetryAfter: -1})
	if err := d.RecvNotify(context.Background(), active, capture); err != nil {
		t.Fatalf("receive active NOTIFY: %v", err)
	}
	if d.State() != sip.SubscriptionStateActive {
		t.Errorf("expected state %q, got %q", sip.SubscriptionStateActive, d.State())
	}
	if left := d.Expiry(); left <= 0 || left > 1800*time.Second {
		t.Errorf("expected the expiry granted by the notifier, got %v", left)
	}

	for range 2 {
		select {
		case <-notified:
		case <-time.After(waitTimeout):
			t.Fatal("NOTIFY was not delivered to the delegate")
		}
	}
}

func TestSubscriptionDialog_EventMismatchGets489(t *testing.T) {
	t.Parallel()

	subscribe := newSubscribe("presence", 3600)
	d := newSubscriber(t, subscribe, nil)

	foreign := newSubscribe("dialog", 3600)
	notify := notifyFor(foreign, 1, &sip.SubscriptionStateHeader{State: sip.SubscriptionStateValueActive, Expires: 3600, RetryAfter: -1})

	var replied *sip.Response
	err := d.RecvNotify(context.Background(), notify, func(_ context.Context, res *sip.Response) error {
		replied = res
		return nil
	})
	if !errors.Is(err, sip.ErrEventMismatch) {
		t.Errorf("expected %v, got %v", sip.ErrEventMismatch, err)
	}
	if replied == nil || replied.StatusCode != sip.ResponseStatusBadEvent {
		t.Fatalf("expected a 489 reply, got %v", replied)
	}
	if d.State() != sip.SubscriptionStateNotifyWait {
		t.Errorf("a mismatched NOTIFY must not advance the state, got %q", d.State())
	}
}

func TestSubscriptionDialog_MissingSubscriptionStateGets400(t *testing.T) {
	t.Parallel()

	subscribe := newSubscribe("presence", 3600)
	d := newSubscriber(t, subscribe, nil)

	var replied *sip.Response
	err := d.RecvNotify(context.Background(), notifyFor(subscribe, 1, nil), func(_ context.Context, res *sip.Response) error {
		replied = res
		return nil
	})
	if err == nil {
		t.Error("expected an error for a NOTIFY without Subscription-State")
	}
	if replied == nil || replied.StatusCode != sip.ResponseStatusBadRequest {
		t.Fatalf("expected a 400 reply, got %v", replied)
	}
}

func TestSubscriptionDialog_TerminatedReason(t *testing.T) {
	t.Parallel()

	subscribe := newSubscribe("presence", 3600)
	reasons := make(chan string, 2)
	d := newSubscriber(t, subscribe, &sip.SubscriptionDialogOptions{
		Delegate: sip.SubscriptionDialogDelegate{
			OnTerminated: func(_ context.Context, reason string) { reasons <- reason },
		},
	})

	terminated := notifyFor(subscribe, 1, &sip.SubscriptionStateHeader{
		State:      sip.SubscriptionStateValueTerminated,
		Expires:    -1,
		Reason:     "noresource",
		RetryAfter: -1,
	})
	if err := d.RecvNotify(context.Background(), terminated, nil); err != nil {
		t.Fatalf("receive terminating NOTIFY: %v", err)
	}
	if d.State() != sip.SubscriptionStateTerminated {
		t.Fatalf("expected state %q, got %q", sip.SubscriptionStateTerminated, d.State())
	}

	select {
	case reason := <-reasons:
		if reason != "noresource" {
			t.Errorf("expected reason %q, got %q", "noresource", reason)
		}
	case <-time.After(waitTimeout):
		t.Fatal("termination was not delivered")
	}

	// local terminate after the remote one must not fire the delegate again
	if err := d.Terminate(context.Background()); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	select {
	case reason := <-reasons:
		t.Fatalf("termination delivered twice, reason %q", reason)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscriptionDialog_DeactivatedResubscribes(t *testing.T) {
	t.Parallel()

	subscribe := newSubscribe("presence", 3600)
	refreshed := make(chan struct{}, 1)
	d := newSubscriber(t, subscribe, &sip.SubscriptionDialogOptions{
		Delegate: sip.SubscriptionDialogDelegate{
			Refresh: func(_ context.Context) error {
				refreshed <- struct{}{}
				return nil
			},
		},
	})

	deactivated := notifyFor(subscribe, 1, &sip.SubscriptionStateHeader{
		State:      sip.SubscriptionStateValueTerminated,
		Expires:    -1,
		Reason:     sip.SubscriptionReasonDeactivated,
		RetryAfter: -1,
	})
	if err := d.RecvNotify(context.Background(), deactivated, nil); err != nil {
		t.Fatalf("receive deactivating NOTIFY: %v", err)
	}
	awaitSignal(t, refreshed, "immediate resubscribe")
}

func TestSubscriptionDialog_ProbationResubscribesAfterDelay(t *testing.T) {
	t.Parallel()

	subscribe := newSubscribe("presence", 3600)
	refreshed := make(chan struct{}, 1)
	d := newSubscriber(t, subscribe, &sip.SubscriptionDialogOptions{
		Delegate: sip.SubscriptionDialogDelegate{
			Refresh: func(_ context.Context) error {
				refreshed <- struct{}{}
				return nil
			},
		},
	})

	probation := notifyFor(subscribe, 1, &sip.SubscriptionStateHeader{
		State:      sip.SubscriptionStateValueTerminated,
		Expires:    -1,
		Reason:     sip.SubscriptionReasonProbation,
		RetryAfter: -1, // falls back to T1
	})
	if err := d.RecvNotify(context.Background(), probation, nil); err != nil {
		t.Fatalf("receive probation NOTIFY: %v", err)
	}

	select {
	case <-refreshed:
		t.Fatal("probation resubscribe must be delayed")
	default:
	}
	awaitSignal(t, refreshed, "delayed resubscribe")
}

func TestSubscriptionDialog_TimerNTerminates(t *testing.T) {
	t.Parallel()

	subscribe := newSubscribe("presence", 3600)
	var terminated atomic.Bool
	done := make(chan struct{})
	d := newSubscriber(t, subscribe, &sip.SubscriptionDialogOptions{
		Delegate: sip.SubscriptionDialogDelegate{
			OnTerminated: func(_ context.Context, reason string) {
				terminated.Store(true)
				if reason != "" {
					t.Errorf("expected an empty reason on timer N, got %q", reason)
				}
				close(done)
			},
		},
	})

	awaitSignal(t, done, "timer N termination")
	if d.State() != sip.SubscriptionStateTerminated {
		t.Errorf("expected state %q, got %q", sip.SubscriptionStateTerminated, d.State())
	}
	if !terminated.Load() {
		t.Error("expected the termination callback")
	}
}

func TestSubscriptionDialog_StaleNotifyDropped(t *testing.T) {
	t.Parallel()

	subscribe := newSubscribe("presence", 3600)
	d := newSubscriber(t, subscribe, nil)

	active := func(seq uint32) *sip.Request {
		return notifyFor(subscribe, seq, &sip.SubscriptionStateHeader{State: sip.SubscriptionStateValueActive, Expires: 3600, RetryAfter: -1})
	}
	if err := d.RecvNotify(context.Background(), active(5), nil); err != nil {
		t.Fatalf("receive NOTIFY: %v", err)
	}

	var replied *sip.Response
	err := d.RecvNotify(context.Background(), active(4), func(_ context.Context, res *sip.Response) error {
		replied = res
		return nil
	})
	if err != nil {
		t.Fatalf("receive stale NOTIFY: %v", err)
	}
	if replied == nil || replied.StatusCode != sip.ResponseStatusInternalServerError {
		t.Fatalf("expected a 500 reply, got %v", replied)
	}
	if d.State() != sip.SubscriptionStateActive {
		t.Errorf("a stale NOTIFY must not change the state, got %q", d.State())
	}
}
