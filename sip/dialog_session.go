package sip

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"
	"github.com/pion/sdp/v3"
	"github.com/qmuntal/stateless"

	"github.com/voxlane/sipcore/internal/timeutil"
)

// SignalingState is a state of the session offer/answer machine.
type SignalingState string

const (
	SignalingStateInitial         SignalingState = "initial"
	SignalingStateHaveLocalOffer  SignalingState = "have_local_offer"
	SignalingStateHaveRemoteOffer SignalingState = "have_remote_offer"
	SignalingStateStable          SignalingState = "stable"
	SignalingStateClosed          SignalingState = "closed"
)

// SessionDialogDelegate receives in-dialog events from a [SessionDialog].
// Nil callbacks fall back to the dialog defaults.
type SessionDialogDelegate struct {
	// OnAck is called when the ACK confirming the dialog arrives.
	OnAck func(ctx context.Context, ack *Request)
	// OnAckTimeout is called when the confirming ACK never arrives within
	// 64*T1 of the first 2xx send. When nil the dialog sends a BYE and
	// closes itself.
	OnAckTimeout func(ctx context.Context)
	// OnBye is called on an in-dialog BYE, after the dialog answered it
	// with 200 and closed itself.
	OnBye func(ctx context.Context, req *Request)
	// OnInvite is called on an incoming re-INVITE that passed the mutual
	// exclusion guard, with its session body already applied to the
	// offer/answer machine. The callback owns the response. When nil the
	// re-INVITE is answered 488.
	OnInvite func(ctx context.Context, req *Request, reply ReplyFunc) error
	// OnInfo, OnNotify, OnRefer handle the corresponding in-dialog
	// requests. The callback owns the response. When nil the request is
	// answered 501.
	OnInfo   func(ctx context.Context, req *Request, reply ReplyFunc) error
	OnNotify func(ctx context.Context, req *Request, reply ReplyFunc) error
	OnRefer  func(ctx context.Context, req *Request, reply ReplyFunc) error
	// OnPrack is called on an incoming PRACK, after its session body
	// passed through the offer/answer machine and the dialog answered 200.
	OnPrack func(ctx context.Context, req *Request)
}

// ReplyFunc transmits a response for an in-dialog request.
type ReplyFunc func(ctx context.Context, res *Response) error

// SessionDialogOptions contains options for a session dialog.
type SessionDialogOptions struct {
	// Timings is the timer configuration used for the 2xx retransmission
	// schedule.
	Timings TimingConfig
	// Delegate receives in-dialog events.
	Delegate SessionDialogDelegate
	// Log is the logger that will be used with the dialog.
	// If nil, the [log.Default] will be used.
	Log *slog.Logger
}

func (o *SessionDialogOptions) timings() TimingConfig {
	if o == nil {
		return defTimingCfg
	}
	return o.Timings
}

func (o *SessionDialogOptions) delegate() SessionDialogDelegate {
	if o == nil {
		return SessionDialogDelegate{}
	}
	return o.Delegate
}

func (o *SessionDialogOptions) dialogOpts() *DialogOptions {
	if o == nil {
		return nil
	}
	return &DialogOptions{Log: o.Log}
}

// SessionDialog is a [Dialog] carrying an INVITE session: the offer/answer
// signaling machine of RFC 3264, the UAS side 2xx retransmission schedule
// of RFC 3261 section 13.3.1.4, re-INVITE mutual exclusion per section 14
// and reliable provisional sequencing per RFC 3262.
type SessionDialog struct {
	*Dialog

	tp       Transport
	timings  TimingConfig
	delegate SessionDialogDelegate

	smu sync.Mutex
	fsm *stateless.StateMachine

	offer      []byte
	answer     []byte
	offerLocal bool

	// rollback snapshot of the last stable exchange
	prevOffer      []byte
	prevAnswer     []byte
	prevOfferLocal bool

	// pending re-INVITE ownership, at most one direction at a time
	reinvite reinviteOwner

	confirmed  bool
	ackWait    bool
	lastOK     *Response
	okInterval time.Duration
	okDeadline time.Time
	tmrOK      atomic.Pointer[timeutil.SerializableTimer]

	recvRSeq uint32
}

type reinviteOwner int

const (
	reinviteNone reinviteOwner = iota
	reinviteLocal
	reinviteRemote
)

// NewClientSessionDialog creates the UAC side session dialog from the sent
// INVITE and a received dialog-establishing response. Session bodies of
// both messages are fed through the offer/answer machine.
func NewClientSessionDialog(req *Request, res *Response, tp Transport, opts *SessionDialogOptions) (*SessionDialog, error) {
	d := newSessionDialog(NewClientDialog(req, res, opts.dialogOpts()), tp, opts)

	if IsSessionBody(req) {
		if err := d.PutLocalBody(context.Background(), req.Body()); err != nil {
			return nil, errtrace.Wrap(err)
		}
	}
	if IsSessionBody(res) {
		if err := d.PutRemoteBody(context.Background(), res.Body()); err != nil {
			return nil, errtrace.Wrap(err)
		}
	}
	return d, nil
}

// NewServerSessionDialog creates the UAS side session dialog from a received
// INVITE and the local tag chosen for the response. A session body of the
// request becomes the remote offer.
func NewServerSessionDialog(req *Request, localTag string, early bool, tp Transport, opts *SessionDialogOptions) (*SessionDialog, error) {
	d := newSessionDialog(NewServerDialog(req, localTag, early, opts.dialogOpts()), tp, opts)

	if IsSessionBody(req) {
		if err := d.PutRemoteBody(context.Background(), req.Body()); err != nil {
			return nil, errtrace.Wrap(err)
		}
	}
	return d, nil
}

func newSessionDialog(base *Dialog, tp Transport, opts *SessionDialogOptions) *SessionDialog {
	d := &SessionDialog{
		Dialog:   base,
		tp:       tp,
		timings:  opts.timings(),
		delegate: opts.delegate(),
	}
	d.initFSM()
	return d
}

const (
	sdEvtLocalBody  = "local_body"
	sdEvtRemoteBody = "remote_body"
	sdEvtRollback   = "rollback"
	sdEvtClose      = "close"
)

func (d *SessionDialog) initFSM() {
	fsm := stateless.NewStateMachineWithMode(SignalingStateInitial, stateless.FiringQueued)

	fsm.Configure(SignalingStateInitial).
		Permit(sdEvtLocalBody, SignalingStateHaveLocalOffer).
		Permit(sdEvtRemoteBody, SignalingStateHaveRemoteOffer).
		Permit(sdEvtClose, SignalingStateClosed)

	fsm.Configure(SignalingStateHaveLocalOffer).
		Permit(sdEvtRemoteBody, SignalingStateStable).
		PermitDynamic(sdEvtRollback, d.rollbackTarget).
		Permit(sdEvtClose, SignalingStateClosed)

	fsm.Configure(SignalingStateHaveRemoteOffer).
		Permit(sdEvtLocalBody, SignalingStateStable).
		PermitDynamic(sdEvtRollback, d.rollbackTarget).
		Permit(sdEvtClose, SignalingStateClosed)

	fsm.Configure(SignalingStateStable).
		OnEntry(d.actStable).
		Permit(sdEvtLocalBody, SignalingStateHaveLocalOffer).
		Permit(sdEvtRemoteBody, SignalingStateHaveRemoteOffer).
		Permit(sdEvtClose, SignalingStateClosed)

	fsm.Configure(SignalingStateClosed).
		OnEntry(d.actClosed).
		InternalTransition(sdEvtClose, d.actNoop)

	d.fsm = fsm
}

// SignalingState returns the current offer/answer state.
func (d *SessionDialog) SignalingState() SignalingState {
	return d.fsm.MustState().(SignalingState)
}

// IsClosed reports whether the dialog was closed.
func (d *SessionDialog) IsClosed() bool {
	return d.SignalingState() == SignalingStateClosed
}

// LogValue implements [slog.LogValuer].
func (d *SessionDialog) LogValue() slog.Value {
	if d == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Any("key", d.Key()),
		slog.Bool("early", d.IsEarly()),
		slog.String("signaling_state", string(d.SignalingState())),
	)
}

// PutLocalBody feeds an outbound session body through the offer/answer
// machine: a new offer from {Initial, Stable}, the answer from
// HaveRemoteOffer. A second local offer while one is outstanding returns
// [ErrOfferPending] and leaves the state untouched.
func (d *SessionDialog) PutLocalBody(ctx context.Context, body []byte) error {
	return errtrace.Wrap(d.putBody(ctx, body, true))
}

// PutRemoteBody feeds an inbound session body through the offer/answer
// machine, mirroring [SessionDialog.PutLocalBody].
func (d *SessionDialog) PutRemoteBody(ctx context.Context, body []byte) error {
	return errtrace.Wrap(d.putBody(ctx, body, false))
}

func (d *SessionDialog) putBody(ctx context.Context, body []byte, local bool) error {
	if _, err := ParseSessionDescription(body); err != nil {
		return errtrace.Wrap(err)
	}

	evt := sdEvtRemoteBody
	if local {
		evt = sdEvtLocalBody
	}

	d.smu.Lock()
	defer d.smu.Unlock()

	switch d.SignalingState() {
	case SignalingStateClosed:
		return errtrace.Wrap(ErrDialogClosed)
	case SignalingStateHaveLocalOffer:
		if local {
			return errtrace.Wrap(ErrOfferPending)
		}
	case SignalingStateHaveRemoteOffer:
		if !local {
			return errtrace.Wrap(ErrOfferPending)
		}
	}

	switch d.SignalingState() {
	case SignalingStateInitial, SignalingStateStable:
		d.offer = body
		d.answer = nil
		d.offerLocal = local
	default:
		d.answer = body
	}

	if err := d.fsm.FireCtx(ctx, evt); err != nil {
		return errtrace.Wrap(err)
	}
	return nil
}

func (d *SessionDialog) actStable(ctx context.Context, _ ...any) error {
	d.prevOffer = d.offer
	d.prevAnswer = d.answer
	d.prevOfferLocal = d.offerLocal

	d.log.LogAttrs(ctx, slog.LevelDebug, "offer/answer exchange complete", slog.Any("dialog", d))

	return nil
}

// Rollback aborts an unanswered offer and restores the last stable
// offer/answer pair. It is a no-op outside the offer-pending states.
func (d *SessionDialog) Rollback(ctx context.Context) error {
	d.smu.Lock()
	defer d.smu.Unlock()

	switch d.SignalingState() {
	case SignalingStateHaveLocalOffer, SignalingStateHaveRemoteOffer:
	default:
		return nil
	}

	d.offer = d.prevOffer
	d.answer = d.prevAnswer
	d.offerLocal = d.prevOfferLocal
	return errtrace.Wrap(d.fsm.FireCtx(ctx, sdEvtRollback))
}

func (d *SessionDialog) rollbackTarget(_ context.Context, _ ...any) (stateless.State, error) {
	if d.prevOffer == nil {
		return SignalingStateInitial, nil
	}
	return SignalingStateStable, nil
}

// Offer returns the current offer body, nil when none was exchanged yet.
func (d *SessionDialog) Offer() []byte {
	d.smu.Lock()
	defer d.smu.Unlock()
	return d.offer
}

// Answer returns the current answer body, nil while an offer is unanswered.
func (d *SessionDialog) Answer() []byte {
	d.smu.Lock()
	defer d.smu.Unlock()
	return d.answer
}

// RemoteDescription parses and returns the peer's current session
// description, or [ErrAnswerMissing] when the peer has not produced one.
func (d *SessionDialog) RemoteDescription() (*sdp.SessionDescription, error) {
	return errtrace.Wrap2(d.description(false))
}

// LocalDescription parses and returns the local session description,
// or [ErrAnswerMissing] when the local side has not produced one.
func (d *SessionDialog) LocalDescription() (*sdp.SessionDescription, error) {
	return errtrace.Wrap2(d.description(true))
}

func (d *SessionDialog) description(local bool) (*sdp.SessionDescription, error) {
	d.smu.Lock()
	body := d.answer
	if d.offerLocal == local {
		body = d.offer
	}
	d.smu.Unlock()

	if body == nil {
		return nil, errtrace.Wrap(ErrAnswerMissing)
	}
	return errtrace.Wrap2(ParseSessionDescription(body))
}

// Confirm marks the dialog confirmed on the UAS side and, on the first
// call, starts the 2xx retransmission schedule of RFC 3261 section
// 13.3.1.4: the response, already sent once through the transaction, is
// resent at T1 doubling up to T2 until the confirming ACK arrives or
// 64*T1 elapses. Repeated calls are no-ops.
func (d *SessionDialog) Confirm(ctx context.Context, res *Response) error {
	if !res.Status().IsSuccessful() {
		return errtrace.Wrap(NewInvalidArgumentError(ErrActionNotAllowed))
	}

	d.smu.Lock()
	if d.confirmed {
		d.smu.Unlock()
		return nil
	}
	d.confirmed = true
	d.ackWait = true
	d.lastOK = res
	d.okInterval = d.timings.T1()
	d.okDeadline = time.Now().Add(64 * d.timings.T1())
	d.smu.Unlock()

	d.Dialog.Confirm(res)

	tmr := timeutil.AfterFunc(d.timings.T1(), d.onTimerOK)
	d.tmrOK.Store(tmr)

	d.log.LogAttrs(ctx, slog.LevelDebug,
		"2xx retransmission schedule started",
		slog.Any("dialog", d),
		slog.Time("deadline", d.okDeadline),
	)

	return nil
}

func (d *SessionDialog) onTimerOK() {
	d.tmrOK.Store(nil)

	d.smu.Lock()
	if !d.ackWait {
		d.smu.Unlock()
		return
	}
	res := d.lastOK
	d.okInterval = min(2*d.okInterval, d.timings.T2())
	expired := !time.Now().Before(d.okDeadline)
	interval := d.okInterval
	d.smu.Unlock()

	ctx := context.Background()

	if expired {
		d.log.LogAttrs(ctx, slog.LevelWarn, "ack wait timed out", slog.Any("dialog", d))
		d.ackTimedOut(ctx)
		return
	}

	d.log.LogAttrs(ctx, slog.LevelDebug, "retransmit 2xx response", slog.Any("dialog", d))
	if err := d.tp.Send(ctx, res); err != nil {
		d.log.LogAttrs(ctx, slog.LevelError,
			"retransmit 2xx response",
			slog.Any("error", NewTransportError(err)),
			slog.Any("dialog", d),
		)
	}

	tmr := timeutil.AfterFunc(interval, d.onTimerOK)
	d.tmrOK.Store(tmr)
}

func (d *SessionDialog) ackTimedOut(ctx context.Context) {
	d.smu.Lock()
	d.ackWait = false
	d.smu.Unlock()

	if fn := d.delegate.OnAckTimeout; fn != nil {
		fn(ctx)
		return
	}

	// RFC 3261 section 13.3.1.4: the UAS should terminate the dialog
	// with a BYE when the ACK never arrives.
	bye := d.NewRequest(RequestMethodBye, nil)
	if err := d.tp.Send(ctx, bye); err != nil {
		d.log.LogAttrs(ctx, slog.LevelError,
			"send BYE request",
			slog.Any("error", NewTransportError(err)),
			slog.Any("dialog", d),
		)
	}
	d.Close(ctx) //nolint:errcheck
}

// RecvAck handles the ACK confirming the dialog: the retransmission
// schedule stops and a session body of the ACK is applied as the answer
// to the offer carried in the 2xx.
func (d *SessionDialog) RecvAck(ctx context.Context, ack *Request) error {
	d.smu.Lock()
	first := d.ackWait
	d.ackWait = false
	d.smu.Unlock()

	if tmr := d.tmrOK.Swap(nil); tmr != nil && tmr.Stop() {
		d.log.LogAttrs(ctx, slog.LevelDebug, "2xx retransmission stopped", slog.Any("dialog", d))
	}

	if !first {
		return nil
	}

	if IsSessionBody(ack) && d.SignalingState() == SignalingStateHaveLocalOffer {
		if err := d.PutRemoteBody(ctx, ack.Body()); err != nil {
			return errtrace.Wrap(err)
		}
	}
	if fn := d.delegate.OnAck; fn != nil {
		fn(ctx, ack)
	}
	return nil
}

// BeginReinvite reserves the dialog for an outgoing re-INVITE. It fails
// with [ErrReinvitePending] while another re-INVITE is in progress in
// either direction. [SessionDialog.EndReinvite] releases the reservation.
func (d *SessionDialog) BeginReinvite() error {
	d.smu.Lock()
	defer d.smu.Unlock()

	if d.reinvite != reinviteNone {
		return errtrace.Wrap(ErrReinvitePending)
	}
	d.reinvite = reinviteLocal
	return nil
}

// EndReinvite releases the re-INVITE reservation taken by
// [SessionDialog.BeginReinvite] or an accepted incoming re-INVITE.
func (d *SessionDialog) EndReinvite() {
	d.smu.Lock()
	d.reinvite = reinviteNone
	d.smu.Unlock()
}

// guardReinvite applies RFC 3261 section 14.2 to an incoming re-INVITE:
// while a local re-INVITE is pending the request is answered 491, while
// a remote one is pending it is answered 500 with a randomized
// Retry-After. True means the request may proceed and the dialog now owns
// it as the pending remote re-INVITE.
func (d *SessionDialog) guardReinvite(ctx context.Context, req *Request, reply ReplyFunc) (bool, error) {
	d.smu.Lock()
	owner := d.reinvite
	if owner == reinviteNone {
		d.reinvite = reinviteRemote
	}
	d.smu.Unlock()

	if owner == reinviteNone {
		return true, nil
	}

	d.log.LogAttrs(ctx, slog.LevelDebug, "re-invite rejected, another is pending",
		slog.Any("dialog", d), slog.Any("request", req))

	status := ResponseStatusRequestPending
	var opts *ResponseOptions
	if owner == reinviteRemote {
		status = ResponseStatusInternalServerError
		opts = &ResponseOptions{Reason: "Server Internal Error: Request Pending"}
	}
	res, err := req.NewResponse(status, opts)
	if err != nil {
		return false, errtrace.Wrap(err)
	}
	if owner == reinviteRemote {
		res.AppendHeader(RetryAfterHeader(rand.Uint32N(11))) //nolint:gosec
	}
	if reply != nil {
		if err := reply(ctx, res); err != nil {
			return false, errtrace.Wrap(err)
		}
	}
	return false, nil
}

// ReliableSequenceGuard validates the RSeq of a reliable provisional
// response per RFC 3262 section 4: only a sequence number strictly above
// the highest accepted one passes, duplicates and reordered responses are
// dropped.
func (d *SessionDialog) ReliableSequenceGuard(res *Response) bool {
	rseq, ok := res.RSeq()
	if !ok || !res.Status().IsProvisional() {
		return false
	}

	d.smu.Lock()
	defer d.smu.Unlock()

	if uint32(rseq) <= d.recvRSeq {
		return false
	}
	d.recvRSeq = uint32(rseq)
	return true
}

// RecvRequest dispatches an in-dialog request after the sequence guard:
// ACK and BYE are handled by the dialog itself, re-INVITE passes the
// mutual exclusion guard and the offer/answer machine, PRACK feeds its
// body through the machine, the rest goes to the delegate.
func (d *SessionDialog) RecvRequest(ctx context.Context, req *Request, reply ReplyFunc) error {
	if d.IsClosed() {
		return errtrace.Wrap(ErrDialogClosed)
	}

	ok, err := d.SequenceGuard(ctx, req, reply)
	if err != nil || !ok {
		return errtrace.Wrap(err)
	}

	switch {
	case req.Method.Equal(RequestMethodAck):
		return errtrace.Wrap(d.RecvAck(ctx, req))
	case req.Method.Equal(RequestMethodBye):
		return errtrace.Wrap(d.recvBye(ctx, req, reply))
	case req.Method.Equal(RequestMethodInvite):
		return errtrace.Wrap(d.recvReinvite(ctx, req, reply))
	case req.Method.Equal(RequestMethodPrack):
		return errtrace.Wrap(d.recvPrack(ctx, req, reply))
	case req.Method.Equal(RequestMethodInfo):
		return errtrace.Wrap(d.recvWithDelegate(ctx, req, reply, d.delegate.OnInfo))
	case req.Method.Equal(RequestMethodNotify):
		return errtrace.Wrap(d.recvWithDelegate(ctx, req, reply, d.delegate.OnNotify))
	case req.Method.Equal(RequestMethodRefer):
		return errtrace.Wrap(d.recvWithDelegate(ctx, req, reply, d.delegate.OnRefer))
	default:
		return errtrace.Wrap(d.recvWithDelegate(ctx, req, reply, nil))
	}
}

func (d *SessionDialog) recvBye(ctx context.Context, req *Request, reply ReplyFunc) error {
	res, err := req.NewResponse(ResponseStatusOK, nil)
	if err != nil {
		return errtrace.Wrap(err)
	}
	if reply != nil {
		if err := reply(ctx, res); err != nil {
			return errtrace.Wrap(err)
		}
	}

	if err := d.Close(ctx); err != nil {
		return errtrace.Wrap(err)
	}
	if fn := d.delegate.OnBye; fn != nil {
		fn(ctx, req)
	}
	return nil
}

func (d *SessionDialog) recvReinvite(ctx context.Context, req *Request, reply ReplyFunc) error {
	ok, err := d.guardReinvite(ctx, req, reply)
	if err != nil || !ok {
		return errtrace.Wrap(err)
	}

	if IsSessionBody(req) {
		if err := d.PutRemoteBody(ctx, req.Body()); err != nil {
			d.EndReinvite()
			return errtrace.Wrap(err)
		}
	}

	if fn := d.delegate.OnInvite; fn != nil {
		return errtrace.Wrap(fn(ctx, req, reply))
	}

	d.EndReinvite()
	return errtrace.Wrap(d.replyStatus(ctx, req, reply, ResponseStatusNotAcceptableHere))
}

func (d *SessionDialog) recvPrack(ctx context.Context, req *Request, reply ReplyFunc) error {
	if IsSessionBody(req) {
		if err := d.putBody(ctx, req.Body(), false); err != nil {
			return errtrace.Wrap(err)
		}
	}
	if err := d.replyStatus(ctx, req, reply, ResponseStatusOK); err != nil {
		return errtrace.Wrap(err)
	}
	if fn := d.delegate.OnPrack; fn != nil {
		fn(ctx, req)
	}
	return nil
}

func (d *SessionDialog) recvWithDelegate(
	ctx context.Context,
	req *Request,
	reply ReplyFunc,
	fn func(ctx context.Context, req *Request, reply ReplyFunc) error,
) error {
	if fn != nil {
		return errtrace.Wrap(fn(ctx, req, reply))
	}
	return errtrace.Wrap(d.replyStatus(ctx, req, reply, ResponseStatusNotImplemented))
}

func (d *SessionDialog) replyStatus(ctx context.Context, req *Request, reply ReplyFunc, status ResponseStatus) error {
	res, err := req.NewResponse(status, nil)
	if err != nil {
		return errtrace.Wrap(err)
	}
	if reply == nil {
		return nil
	}
	return errtrace.Wrap(reply(ctx, res))
}

func (d *SessionDialog) closed() bool { return d.IsClosed() }

// Close moves the dialog to the closed state and stops the
// retransmission schedule. It is idempotent.
func (d *SessionDialog) Close(ctx context.Context) error {
	return errtrace.Wrap(d.fsm.FireCtx(ctx, sdEvtClose))
}

func (d *SessionDialog) actClosed(ctx context.Context, _ ...any) error {
	d.smu.Lock()
	d.ackWait = false
	d.smu.Unlock()

	if tmr := d.tmrOK.Swap(nil); tmr != nil && tmr.Stop() {
		d.log.LogAttrs(ctx, slog.LevelDebug, "2xx retransmission stopped", slog.Any("dialog", d))
	}

	d.log.LogAttrs(ctx, slog.LevelDebug, "dialog closed", slog.Any("dialog", d))

	return nil
}

//nolint:unparam
func (d *SessionDialog) actNoop(_ context.Context, _ ...any) error { return nil }
