package sip

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"

	"github.com/voxlane/sipcore/internal/timeutil"
)

// SubscriptionState is a state of an event subscription per RFC 6665.
type SubscriptionState string

const (
	SubscriptionStateInitial    SubscriptionState = "initial"
	SubscriptionStateNotifyWait SubscriptionState = "notify_wait"
	SubscriptionStatePending    SubscriptionState = "pending"
	SubscriptionStateActive     SubscriptionState = "active"
	SubscriptionStateTerminated SubscriptionState = "terminated"
)

// SubscriptionDialogDelegate receives subscription events from a
// [SubscriptionDialog].
type SubscriptionDialogDelegate struct {
	// OnNotify is called with every NOTIFY that passed the event and
	// subscription-state checks, after the dialog answered it with 200.
	OnNotify func(ctx context.Context, req *Request)
	// OnTerminated is called once when the subscription ends for good,
	// with the Subscription-State reason or an empty string on a local
	// timeout or teardown.
	OnTerminated func(ctx context.Context, reason string)
	// Refresh re-issues the SUBSCRIBE within the dialog. The dialog calls
	// it for auto-refresh and for resubscribe-after-termination reasons.
	// When nil the subscription just terminates instead.
	Refresh func(ctx context.Context) error
}

// SubscriptionDialogOptions contains options for a subscription dialog.
type SubscriptionDialogOptions struct {
	// Timings is the timer configuration used for the NOTIFY wait timer.
	Timings TimingConfig
	// Delegate receives subscription events.
	Delegate SubscriptionDialogDelegate
	// AutoRefresh enables scheduling a refreshing SUBSCRIBE at 90% of the
	// remaining expiry.
	AutoRefresh bool
	// Log is the logger that will be used with the dialog.
	// If nil, the [log.Default] will be used.
	Log *slog.Logger
}

func (o *SubscriptionDialogOptions) timings() TimingConfig {
	if o == nil {
		return defTimingCfg
	}
	return o.Timings
}

func (o *SubscriptionDialogOptions) delegate() SubscriptionDialogDelegate {
	if o == nil {
		return SubscriptionDialogDelegate{}
	}
	return o.Delegate
}

func (o *SubscriptionDialogOptions) autoRefresh() bool {
	return o != nil && o.AutoRefresh
}

func (o *SubscriptionDialogOptions) dialogOpts() *DialogOptions {
	if o == nil {
		return nil
	}
	return &DialogOptions{Log: o.Log}
}

// SubscriptionDialog is a [Dialog] carrying an event subscription:
// it matches NOTIFY requests against the subscribed event, follows the
// Subscription-State header through {NotifyWait, Pending, Active,
// Terminated}, bounds the wait for the first NOTIFY with Timer N and
// optionally keeps the subscription alive by refreshing ahead of expiry.
type SubscriptionDialog struct {
	*Dialog

	timings     TimingConfig
	delegate    SubscriptionDialogDelegate
	autoRefresh bool
	event       EventHeader

	smu sync.Mutex
	fsm *stateless.StateMachine

	// expiry bookkeeping: seconds granted by the notifier and when
	granted   time.Duration
	grantedAt time.Time

	tmrN       atomic.Pointer[timeutil.SerializableTimer]
	tmrRefresh atomic.Pointer[timeutil.SerializableTimer]

	terminatedOnce sync.Once
}

// NewSubscriberDialog creates the subscriber side dialog from the sent
// SUBSCRIBE and the dialog-establishing NOTIFY, per RFC 6665 section 4.4.1.
// The SUBSCRIBE must carry an Event header and tagged From; the NOTIFY
// supplies the remote tag. Missing mandatory state is a caller bug and
// panics. The NOTIFY itself is not consumed: hand it to
// [SubscriptionDialog.RecvNotify] afterwards.
func NewSubscriberDialog(subscribe, notify *Request, opts *SubscriptionDialogOptions) *SubscriptionDialog {
	event := subscribe.Event()
	if event == nil {
		panic(fmt.Errorf("subscriber dialog on %q request: %w: Event", subscribe.Method, ErrInvalidMessage))
	}
	remoteTag, ok := notify.From().Tag()
	if !ok {
		panic(fmt.Errorf("subscriber dialog on %q request: %w: From tag", notify.Method, ErrInvalidMessage))
	}

	localTag, ok := subscribe.From().Tag()
	if !ok {
		panic(fmt.Errorf("subscriber dialog on %q request: %w: From tag", subscribe.Method, ErrInvalidMessage))
	}
	callID, ok := subscribe.CallID()
	if !ok {
		panic(fmt.Errorf("subscriber dialog on %q request: %w: Call-ID", subscribe.Method, ErrInvalidMessage))
	}
	cseq := subscribe.CSeq()
	if cseq == nil {
		panic(fmt.Errorf("subscriber dialog on %q request: %w: CSeq", subscribe.Method, ErrInvalidMessage))
	}

	base := &Dialog{
		callID:    string(callID),
		localTag:  localTag,
		remoteTag: remoteTag,
		localURI:  *subscribe.From().Address.Clone(),
		remoteURI: *subscribe.To().Address.Clone(),
		localSeq:  cseq.SeqNo,
		uac:       true,
		secure:    subscribe.Recipient.IsSecure(),
		log:       opts.dialogOpts().log(),
	}
	if contact := subscribe.Contact(); contact != nil {
		base.localTarget = *contact.Address.Clone()
	}
	if contact := notify.Contact(); contact != nil {
		base.remoteTarget = *contact.Address.Clone()
	}
	for _, rr := range notify.RecordRoutes() {
		base.routeSet = append(base.routeSet, *rr.Address.Clone())
	}

	d := &SubscriptionDialog{
		Dialog:      base,
		timings:     opts.timings(),
		delegate:    opts.delegate(),
		autoRefresh: opts.autoRefresh(),
		event:       *event,
	}
	if exp, ok := subscribe.Expires(); ok {
		d.granted = time.Duration(exp) * time.Second
		d.grantedAt = time.Now()
	}
	d.initFSM()
	return d
}

const (
	subEvtSubscribe  = "subscribe"
	subEvtPending    = "notify_pending"
	subEvtActive     = "notify_active"
	subEvtTerminated = "notify_terminated"
	subEvtTimerN     = "timer_n"
	subEvtTerminate  = "terminate"
)

func (d *SubscriptionDialog) initFSM() {
	fsm := stateless.NewStateMachineWithMode(SubscriptionStateInitial, stateless.FiringQueued)
	fsm.SetTriggerParameters(subEvtTerminated, reflect.TypeOf(""))

	fsm.Configure(SubscriptionStateInitial).
		Permit(subEvtSubscribe, SubscriptionStateNotifyWait).
		Permit(subEvtTerminate, SubscriptionStateTerminated)

	fsm.Configure(SubscriptionStateNotifyWait).
		OnEntry(d.actNotifyWait).
		InternalTransition(subEvtSubscribe, d.actRestartTimerN).
		Permit(subEvtPending, SubscriptionStatePending).
		Permit(subEvtActive, SubscriptionStateActive).
		Permit(subEvtTerminated, SubscriptionStateTerminated).
		Permit(subEvtTimerN, SubscriptionStateTerminated).
		Permit(subEvtTerminate, SubscriptionStateTerminated)

	fsm.Configure(SubscriptionStatePending).
		OnEntry(d.actSubscribed).
		InternalTransition(subEvtSubscribe, d.actRestartTimerN).
		InternalTransition(subEvtPending, d.actSubscribed).
		Permit(subEvtActive, SubscriptionStateActive).
		Permit(subEvtTerminated, SubscriptionStateTerminated).
		Permit(subEvtTimerN, SubscriptionStateTerminated).
		Permit(subEvtTerminate, SubscriptionStateTerminated)

	fsm.Configure(SubscriptionStateActive).
		OnEntry(d.actSubscribed).
		InternalTransition(subEvtSubscribe, d.actRestartTimerN).
		InternalTransition(subEvtActive, d.actSubscribed).
		Permit(subEvtPending, SubscriptionStatePending).
		Permit(subEvtTerminated, SubscriptionStateTerminated).
		Permit(subEvtTimerN, SubscriptionStateTerminated).
		Permit(subEvtTerminate, SubscriptionStateTerminated)

	fsm.Configure(SubscriptionStateTerminated).
		OnEntry(d.actTerminated).
		InternalTransition(subEvtTerminate, d.actNoop).
		InternalTransition(subEvtTimerN, d.actNoop)

	d.fsm = fsm
}

// State returns the current subscription state.
func (d *SubscriptionDialog) State() SubscriptionState {
	return d.fsm.MustState().(SubscriptionState)
}

// Event returns the subscribed event.
func (d *SubscriptionDialog) Event() EventHeader { return d.event }

// LogValue implements [slog.LogValuer].
func (d *SubscriptionDialog) LogValue() slog.Value {
	if d == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Any("key", d.Key()),
		slog.String("event", d.event.Value()),
		slog.String("subscription_state", string(d.State())),
	)
}

// Expiry returns the remaining subscription lifetime, zero when expired
// or never granted.
func (d *SubscriptionDialog) Expiry() time.Duration {
	d.smu.Lock()
	defer d.smu.Unlock()
	return d.expiry()
}

func (d *SubscriptionDialog) expiry() time.Duration {
	if d.grantedAt.IsZero() {
		return 0
	}
	left := d.granted - time.Since(d.grantedAt)
	if left < 0 {
		return 0
	}
	return left
}

// Subscribed records a sent subscribing or refreshing SUBSCRIBE and
// starts Timer N bounding the wait for the following NOTIFY, per
// RFC 6665 section 4.1.2.4.
func (d *SubscriptionDialog) Subscribed(ctx context.Context, req *Request) error {
	if exp, ok := req.Expires(); ok {
		d.smu.Lock()
		d.granted = time.Duration(exp) * time.Second
		d.grantedAt = time.Now()
		d.smu.Unlock()
	}
	return errtrace.Wrap(d.fsm.FireCtx(ctx, subEvtSubscribe))
}

func (d *SubscriptionDialog) actNotifyWait(ctx context.Context, args ...any) error {
	return errtrace.Wrap(d.actRestartTimerN(ctx, args...))
}

//nolint:unparam
func (d *SubscriptionDialog) actRestartTimerN(ctx context.Context, _ ...any) error {
	if tmr := d.tmrN.Swap(nil); tmr != nil {
		tmr.Stop()
	}

	tmr := timeutil.AfterFunc(d.timings.TimeN(), d.onTimerN)
	d.tmrN.Store(tmr)

	d.log.LogAttrs(ctx, slog.LevelDebug,
		"timer N started",
		slog.Any("dialog", d),
		slog.Time("expires_at", time.Now().Add(tmr.Left())),
	)

	return nil
}

func (d *SubscriptionDialog) onTimerN() {
	d.log.LogAttrs(context.Background(), slog.LevelDebug, "timer N expired", slog.Any("dialog", d))

	d.tmrN.Store(nil)

	if d.State() == SubscriptionStateTerminated {
		return
	}

	if err := d.fsm.FireCtx(context.Background(), subEvtTimerN); err != nil {
		panic(fmt.Errorf("fire %q in state %q: %w", subEvtTimerN, d.State(), err))
	}
}

// RecvNotify handles an in-dialog NOTIFY: the Event header must match the
// subscription (489 otherwise), the Subscription-State header drives the
// state machine and the request is answered 200. Termination reasons
// deactivated and timeout trigger an immediate resubscribe, probation and
// giveup a delayed one honoring Retry-After, anything else ends the
// subscription for good.
func (d *SubscriptionDialog) RecvNotify(ctx context.Context, req *Request, reply ReplyFunc) error {
	ok, err := d.SequenceGuard(ctx, req, reply)
	if err != nil || !ok {
		return errtrace.Wrap(err)
	}

	event := req.Event()
	if event == nil || !event.Equal(&d.event) {
		if err := d.replyStatus(ctx, req, reply, ResponseStatusBadEvent); err != nil {
			return errtrace.Wrap(err)
		}
		return errtrace.Wrap(ErrEventMismatch)
	}

	subState := req.SubscriptionState()
	if subState == nil {
		if err := d.replyStatus(ctx, req, reply, ResponseStatusBadRequest); err != nil {
			return errtrace.Wrap(err)
		}
		return errtrace.Wrap(fmt.Errorf("%w: Subscription-State", ErrInvalidMessage))
	}

	if tmr := d.tmrN.Swap(nil); tmr != nil && tmr.Stop() {
		d.log.LogAttrs(ctx, slog.LevelDebug, "timer N stopped", slog.Any("dialog", d))
	}

	if subState.Expires >= 0 {
		d.smu.Lock()
		d.granted = time.Duration(subState.Expires) * time.Second
		d.grantedAt = time.Now()
		d.smu.Unlock()
	}

	var evt string
	switch subState.State {
	case SubscriptionStateValueActive:
		evt = subEvtActive
	case SubscriptionStateValuePending:
		evt = subEvtPending
	case SubscriptionStateValueTerminated:
		evt = subEvtTerminated
	default:
		if err := d.replyStatus(ctx, req, reply, ResponseStatusBadRequest); err != nil {
			return errtrace.Wrap(err)
		}
		return errtrace.Wrap(fmt.Errorf("%w: Subscription-State %q", ErrInvalidMessage, subState.State))
	}

	if err := d.replyStatus(ctx, req, reply, ResponseStatusOK); err != nil {
		return errtrace.Wrap(err)
	}

	var fireErr error
	if evt == subEvtTerminated {
		fireErr = d.fsm.FireCtx(ctx, evt, subState.Reason)
	} else {
		fireErr = d.fsm.FireCtx(ctx, evt)
	}
	if fireErr != nil {
		return errtrace.Wrap(fireErr)
	}

	if evt == subEvtTerminated {
		d.resubscribeAfter(ctx, subState)
		return nil
	}

	if fn := d.delegate.OnNotify; fn != nil {
		fn(ctx, req)
	}
	return nil
}

// resubscribeAfter applies RFC 6665 section 4.1.3 to the termination
// reason of a NOTIFY.
func (d *SubscriptionDialog) resubscribeAfter(ctx context.Context, subState *SubscriptionStateHeader) {
	if d.delegate.Refresh == nil {
		return
	}

	switch subState.Reason {
	case SubscriptionReasonDeactivated, SubscriptionReasonTimeout:
		d.log.LogAttrs(ctx, slog.LevelDebug, "resubscribing",
			slog.Any("dialog", d), slog.String("reason", subState.Reason))
		if err := d.delegate.Refresh(ctx); err != nil {
			d.log.LogAttrs(ctx, slog.LevelError, "resubscribe",
				slog.Any("error", err), slog.Any("dialog", d))
		}
	case SubscriptionReasonProbation, SubscriptionReasonGiveup:
		delay := d.timings.T1()
		if subState.RetryAfter >= 0 {
			delay = time.Duration(subState.RetryAfter) * time.Second
		}
		d.log.LogAttrs(ctx, slog.LevelDebug, "resubscribe scheduled",
			slog.Any("dialog", d),
			slog.String("reason", subState.Reason),
			slog.Duration("delay", delay),
		)
		tmr := timeutil.AfterFunc(delay, func() {
			d.tmrRefresh.Store(nil)
			if err := d.delegate.Refresh(context.Background()); err != nil {
				d.log.LogAttrs(context.Background(), slog.LevelError, "resubscribe",
					slog.Any("error", err), slog.Any("dialog", d))
			}
		})
		d.tmrRefresh.Store(tmr)
	}
}

func (d *SubscriptionDialog) actSubscribed(ctx context.Context, _ ...any) error {
	d.log.LogAttrs(ctx, slog.LevelDebug, "subscription updated", slog.Any("dialog", d))

	if !d.autoRefresh || d.delegate.Refresh == nil {
		return nil
	}

	d.smu.Lock()
	left := d.expiry()
	d.smu.Unlock()
	if left <= 0 {
		return nil
	}

	if tmr := d.tmrRefresh.Swap(nil); tmr != nil {
		tmr.Stop()
	}

	// refresh at 90% of the remaining expiry
	delay := left / 10 * 9
	tmr := timeutil.AfterFunc(delay, d.onRefresh)
	d.tmrRefresh.Store(tmr)

	d.log.LogAttrs(ctx, slog.LevelDebug,
		"subscription refresh scheduled",
		slog.Any("dialog", d),
		slog.Time("refresh_at", time.Now().Add(tmr.Left())),
	)

	return nil
}

func (d *SubscriptionDialog) onRefresh() {
	d.tmrRefresh.Store(nil)

	if d.State() == SubscriptionStateTerminated {
		return
	}

	ctx := context.Background()
	d.log.LogAttrs(ctx, slog.LevelDebug, "refreshing subscription", slog.Any("dialog", d))

	if err := d.delegate.Refresh(ctx); err != nil {
		d.log.LogAttrs(ctx, slog.LevelError, "refresh subscription",
			slog.Any("error", err), slog.Any("dialog", d))
	}
}

// RecvRequest dispatches an in-dialog request: NOTIFY goes through
// [SubscriptionDialog.RecvNotify], anything else is answered 501.
func (d *SubscriptionDialog) RecvRequest(ctx context.Context, req *Request, reply ReplyFunc) error {
	if req.Method.Equal(RequestMethodNotify) {
		return errtrace.Wrap(d.RecvNotify(ctx, req, reply))
	}
	return errtrace.Wrap(d.replyStatus(ctx, req, reply, ResponseStatusNotImplemented))
}

func (d *SubscriptionDialog) closed() bool {
	return d.State() == SubscriptionStateTerminated
}

// Terminate ends the subscription locally, stopping all timers.
func (d *SubscriptionDialog) Terminate(ctx context.Context) error {
	return errtrace.Wrap(d.fsm.FireCtx(ctx, subEvtTerminate))
}

func (d *SubscriptionDialog) actTerminated(ctx context.Context, args ...any) error {
	if tmr := d.tmrN.Swap(nil); tmr != nil && tmr.Stop() {
		d.log.LogAttrs(ctx, slog.LevelDebug, "timer N stopped", slog.Any("dialog", d))
	}
	if tmr := d.tmrRefresh.Swap(nil); tmr != nil && tmr.Stop() {
		d.log.LogAttrs(ctx, slog.LevelDebug, "subscription refresh cancelled", slog.Any("dialog", d))
	}

	var reason string
	if len(args) > 0 {
		reason, _ = args[0].(string)
	}

	d.log.LogAttrs(ctx, slog.LevelDebug, "subscription terminated",
		slog.Any("dialog", d), slog.String("reason", reason))

	d.terminatedOnce.Do(func() {
		if fn := d.delegate.OnTerminated; fn != nil {
			fn(ctx, reason)
		}
	})

	return nil
}

//nolint:unparam
func (d *SubscriptionDialog) actNoop(_ context.Context, _ ...any) error { return nil }

func (d *SubscriptionDialog) replyStatus(ctx context.Context, req *Request, reply ReplyFunc, status ResponseStatus) error {
	res, err := req.NewResponse(status, nil)
	if err != nil {
		return errtrace.Wrap(err)
	}
	if reply == nil {
		return nil
	}
	return errtrace.Wrap(reply(ctx, res))
}
