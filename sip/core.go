package sip

import (
	"context"
	"log/slog"

	"braces.dev/errtrace"

	"github.com/voxlane/sipcore/internal/syncutil"
	"github.com/voxlane/sipcore/internal/timeutil"
	"github.com/voxlane/sipcore/log"
)

// CoreOptions contains options for a [Core].
type CoreOptions struct {
	// Timings is the transaction timer configuration.
	Timings TimingConfig
	// Credentials answers digest challenges on outgoing requests.
	Credentials CredentialsProvider
	// Log is the logger that will be used with the core.
	// If nil, the [log.Default] will be used.
	Log *slog.Logger
}

func (o *CoreOptions) timings() TimingConfig {
	if o == nil {
		return defTimingCfg
	}
	return o.Timings
}

func (o *CoreOptions) credentials() CredentialsProvider {
	if o == nil {
		return nil
	}
	return o.Credentials
}

func (o *CoreOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// dialogReceiver is a dialog registered with the core.
type dialogReceiver interface {
	Key() DialogKey
	RecvRequest(ctx context.Context, req *Request, reply ReplyFunc) error
	closed() bool
}

// serverEntry is a live incoming request with its transaction.
type serverEntry struct {
	sc *ServerContext
	tx ServerTransaction
}

// pendingSubscriber is an out-of-dialog SUBSCRIBE awaiting its first
// NOTIFY, bounded by Timer N.
type pendingSubscriber struct {
	req  *Request
	opts *SubscriptionDialogOptions
	tmrN *timeutil.SerializableTimer
}

// RequestHandlerFunc serves an out-of-dialog request.
type RequestHandlerFunc = func(ctx context.Context, sc *ServerContext)

// InviteHandlerFunc serves an out-of-dialog INVITE.
type InviteHandlerFunc = func(ctx context.Context, sc *InviteServerContext)

// Core routes messages between the transport and the transaction, dialog
// and context layers, implementing the server side dispatch of RFC 3261
// section 17.2.3 together with the RFC 6026 ACK carve-out and the
// stateless special cases for CANCEL, OPTIONS and merged requests.
type Core struct {
	tp      Transport
	timings TimingConfig
	creds   CredentialsProvider
	log     *slog.Logger

	dialogs     syncutil.RWMap[DialogKey, dialogReceiver]
	uacs        ClientTransactionStore
	uass        syncutil.RWMap[ServerTransactionKey, *serverEntry]
	subscribers syncutil.RWMap[string, *pendingSubscriber]

	handlers      syncutil.RWMap[RequestMethod, RequestHandlerFunc]
	inviteHandler syncutil.RWMap[struct{}, InviteHandlerFunc]
}

// NewCore creates a core on the transport.
func NewCore(tp Transport, opts *CoreOptions) *Core {
	return &Core{
		tp:      tp,
		timings: opts.timings(),
		creds:   opts.credentials(),
		log:     opts.log(),
	}
}

// OnRequest registers the handler serving out-of-dialog requests of the
// method. Unhandled methods are auto-rejected with 405.
func (c *Core) OnRequest(method RequestMethod, fn RequestHandlerFunc) {
	c.handlers.Set(method, fn)
}

// OnInvite registers the handler serving out-of-dialog INVITEs.
func (c *Core) OnInvite(fn InviteHandlerFunc) {
	c.inviteHandler.Set(struct{}{}, fn)
}

// RegisterDialog adds a dialog to the routing registry. Dialogs created
// through [Core.Invite] and [Core.Subscribe] register themselves.
func (c *Core) RegisterDialog(d interface {
	Key() DialogKey
	RecvRequest(ctx context.Context, req *Request, reply ReplyFunc) error
	closed() bool
}) {
	c.dialogs.Set(d.Key(), d)
}

// Dialog returns the registered dialog for the key.
func (c *Core) Dialog(key DialogKey) (dialogReceiver, bool) {
	d, ok := c.dialogs.Get(key)
	if ok && d.closed() {
		c.dialogs.Del(key)
		return nil, false
	}
	return d, ok && !d.closed()
}

// registerTx indexes a client transaction for response routing and drops
// it again on termination.
func (c *Core) registerTx(_ context.Context, tx ClientTransaction) {
	key := tx.Key()
	c.uacs.Put(key, tx)
	tx.OnStateChange(func(_ context.Context, _ Transaction, state TransactionState) {
		if state == TransactionStateTerminated {
			c.uacs.Del(key)
		}
	})
}

// Request sends an out-of-dialog request through a new client context.
func (c *Core) Request(ctx context.Context, req *Request, delegate ClientContextDelegate) (*ClientContext, error) {
	return errtrace.Wrap2(NewClientContext(ctx, req, c.tp, &ClientContextOptions{
		Timings:       c.timings,
		Credentials:   c.creds,
		Delegate:      delegate,
		OnTransaction: c.registerTx,
		Log:           c.log,
	}))
}

// RequestWithin sends a request within a registered dialog.
func (c *Core) RequestWithin(ctx context.Context, d *Dialog, method RequestMethod, delegate ClientContextDelegate) (*ClientContext, error) {
	return errtrace.Wrap2(c.Request(ctx, d.NewRequest(method, nil), delegate))
}

// Invite sends an out-of-dialog INVITE; the confirmed dialog registers
// itself with the core.
func (c *Core) Invite(ctx context.Context, req *Request, opts *InviteClientContextOptions) (*InviteClientContext, error) {
	var ctxOpts InviteClientContextOptions
	if opts != nil {
		ctxOpts = *opts
	}
	if ctxOpts.Timings.IsZero() {
		ctxOpts.Timings = c.timings
	}
	if ctxOpts.Credentials == nil {
		ctxOpts.Credentials = c.creds
	}
	if ctxOpts.Log == nil {
		ctxOpts.Log = c.log
	}
	ctxOpts.OnTransaction = c.registerTx

	userDialog := ctxOpts.OnDialog
	ctxOpts.OnDialog = func(ctx context.Context, d *SessionDialog) {
		c.RegisterDialog(d)
		if userDialog != nil {
			userDialog(ctx, d)
		}
	}

	return errtrace.Wrap2(NewInviteClientContext(ctx, req, c.tp, &ctxOpts))
}

// subscriberKey identifies an out-of-dialog SUBSCRIBE awaiting its first
// NOTIFY: Call-ID, local tag and event.
func subscriberKey(callID, localTag string, event *EventHeader) string {
	return callID + "|" + localTag + "|" + event.Value()
}

// Subscribe sends an out-of-dialog SUBSCRIBE and parks a subscriber entry
// until the first NOTIFY establishes the subscription dialog, bounded by
// Timer N per RFC 6665 section 4.1.2.4.
func (c *Core) Subscribe(ctx context.Context, req *Request, opts *SubscriptionDialogOptions, delegate ClientContextDelegate) (*ClientContext, error) {
	if !req.Method.Equal(RequestMethodSubscribe) {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}
	event := req.Event()
	if event == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrInvalidMessage))
	}
	localTag, ok := req.From().Tag()
	if !ok {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrInvalidMessage))
	}
	callID, _ := req.CallID()

	uac, err := c.Request(ctx, req, delegate)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	var subOpts SubscriptionDialogOptions
	if opts != nil {
		subOpts = *opts
	}
	if subOpts.Timings.IsZero() {
		subOpts.Timings = c.timings
	}
	if subOpts.Log == nil {
		subOpts.Log = c.log
	}

	key := subscriberKey(string(callID), localTag, event)
	sub := &pendingSubscriber{req: req, opts: &subOpts}
	sub.tmrN = timeutil.AfterFunc(subOpts.Timings.TimeN(), func() {
		if _, ok := c.subscribers.GetAndDel(key); !ok {
			return
		}
		c.log.LogAttrs(context.Background(), slog.LevelWarn,
			"no NOTIFY within timer N", slog.String("subscriber", key))
		if fn := subOpts.Delegate.OnTerminated; fn != nil {
			fn(context.Background(), "")
		}
	})
	c.subscribers.Set(key, sub)

	return uac, nil
}

// RecvResponse routes an inbound response to the client transaction
// matching its top Via branch and CSeq method. An unmatched response is
// dropped with a diagnostic, never an error.
func (c *Core) RecvResponse(ctx context.Context, res *Response) error {
	var key ClientTransactionKey
	if err := key.FillFromMessage(res); err != nil {
		c.log.LogAttrs(ctx, slog.LevelDebug, "unroutable response",
			slog.Any("error", err), slog.Any("response", res))
		return nil
	}

	tx, ok := c.uacs.Get(key)
	if !ok {
		c.log.LogAttrs(ctx, slog.LevelDebug, "response matches no transaction",
			slog.Any("key", key), slog.Any("response", res))
		return nil
	}
	return errtrace.Wrap(tx.RecvResponse(ctx, res))
}

// RecvRequest routes an inbound request:
//  1. an ACK for an INVITE server transaction in the accepted state goes
//     straight to the transaction user (RFC 6026),
//  2. CANCEL is answered statelessly and forwarded as a cancellation
//     signal when its transaction is still responding,
//  3. retransmissions go to their existing server transaction,
//  4. tagged requests go to their dialog, with OPTIONS answered
//     statelessly and unmatched tags answered 481 (ACK absorbed),
//  5. untagged requests are checked for merged forwarding (482) and
//     dispatched to the registered method handler, defaulting to 405.
func (c *Core) RecvRequest(ctx context.Context, req *Request) error {
	if err := req.Validate(); err != nil {
		c.log.LogAttrs(ctx, slog.LevelDebug, "invalid request",
			slog.Any("error", err), slog.Any("request", req))
		c.ReplyStateless(ctx, req, ResponseStatusBadRequest, nil) //nolint:errcheck
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}

	var key ServerTransactionKey
	if err := key.FillFromRequest(req); err != nil {
		c.ReplyStateless(ctx, req, ResponseStatusBadRequest, nil) //nolint:errcheck
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}

	if req.Method.Equal(RequestMethodCancel) {
		return errtrace.Wrap(c.recvCancel(ctx, req, key))
	}

	if entry, ok := c.uass.Get(key); ok {
		// existing transaction: retransmissions, ACK on completed or
		// accepted INVITE transactions (the latter reaching the user
		// through the transaction's ACK passup)
		return errtrace.Wrap(entry.tx.RecvRequest(ctx, req))
	}

	if toTag, tagged := req.To().Tag(); tagged {
		return errtrace.Wrap(c.recvInDialog(ctx, req, toTag))
	}

	if c.isMergedRequest(req, key) {
		return errtrace.Wrap(c.ReplyStateless(ctx, req, ResponseStatusLoopDetected, nil))
	}

	if req.Method.Equal(RequestMethodAck) {
		// stray ACK, nothing to confirm
		return nil
	}

	return errtrace.Wrap(c.dispatch(ctx, req, key))
}

// recvCancel implements the stateless CANCEL handling: a CANCEL matching
// a still-responding server transaction is answered 200 and forwarded as
// a cancellation signal, anything else is answered 481.
func (c *Core) recvCancel(ctx context.Context, req *Request, key ServerTransactionKey) error {
	cancelled := func() (*serverEntry, bool) {
		for _, method := range []RequestMethod{RequestMethodInvite, RequestMethodSubscribe, RequestMethodRefer} {
			k := key
			k.Method = string(method)
			if entry, ok := c.uass.Get(k); ok {
				return entry, true
			}
		}
		return nil, false
	}

	entry, ok := cancelled()
	if !ok || !isResponding(entry.tx.State()) {
		return errtrace.Wrap(c.ReplyStateless(ctx, req, ResponseStatusCallDoesNotExist, nil))
	}

	if err := c.ReplyStateless(ctx, req, ResponseStatusOK, nil); err != nil {
		return errtrace.Wrap(err)
	}
	entry.sc.recvCancel(ctx, req)
	return nil
}

// isResponding reports whether a server transaction has not produced a
// final response yet.
func isResponding(state TransactionState) bool {
	switch state {
	case TransactionStateTrying, TransactionStateProceeding:
		return true
	default:
		return false
	}
}

// recvInDialog routes a tagged request to its dialog. OPTIONS is answered
// statelessly without touching the dialog; a NOTIFY may establish a parked
// subscription; anything unmatched gets 481, except ACK which is absorbed.
func (c *Core) recvInDialog(ctx context.Context, req *Request, toTag string) error {
	fromTag, _ := req.From().Tag()
	callID, _ := req.CallID()
	key := DialogKey{CallID: string(callID), LocalTag: toTag, RemoteTag: fromTag}

	if d, ok := c.Dialog(key); ok {
		if req.Method.Equal(RequestMethodOptions) {
			// answered without touching the dialog
			return errtrace.Wrap(c.ReplyStateless(ctx, req, ResponseStatusOK, nil))
		}
		return errtrace.Wrap(c.recvThroughDialog(ctx, req, d))
	}

	if req.Method.Equal(RequestMethodNotify) {
		if handled, err := c.adoptSubscriber(ctx, req, toTag); handled {
			return errtrace.Wrap(err)
		}
	}

	if req.Method.Equal(RequestMethodAck) {
		c.log.LogAttrs(ctx, slog.LevelDebug, "ACK matches no dialog", slog.Any("request", req))
		return nil
	}

	return errtrace.Wrap(c.ReplyStateless(ctx, req, ResponseStatusCallDoesNotExist, nil))
}

// recvThroughDialog binds the in-dialog request to a server transaction
// and hands it to the dialog; ACK has no transaction of its own.
func (c *Core) recvThroughDialog(ctx context.Context, req *Request, d dialogReceiver) error {
	if req.Method.Equal(RequestMethodAck) {
		return errtrace.Wrap(d.RecvRequest(ctx, req, nil))
	}

	tx, err := NewServerTransaction(req, c.tp, &ServerTransactionOptions{
		Timings: c.timings,
		Log:     c.log,
	})
	if err != nil {
		return errtrace.Wrap(err)
	}
	c.trackServerTx(tx, nil)

	reply := func(ctx context.Context, res *Response) error {
		return errtrace.Wrap(tx.Respond(ctx, res))
	}
	return errtrace.Wrap(d.RecvRequest(ctx, req, reply))
}

// adoptSubscriber promotes a parked out-of-dialog SUBSCRIBE into a
// subscription dialog on its first NOTIFY.
func (c *Core) adoptSubscriber(ctx context.Context, notify *Request, toTag string) (bool, error) {
	event := notify.Event()
	if event == nil {
		return false, nil
	}
	callID, _ := notify.CallID()

	sub, ok := c.subscribers.GetAndDel(subscriberKey(string(callID), toTag, event))
	if !ok {
		return false, nil
	}
	sub.tmrN.Stop()

	d := NewSubscriberDialog(sub.req, notify, sub.opts)
	c.RegisterDialog(d)
	if err := d.Subscribed(ctx, sub.req); err != nil {
		return true, errtrace.Wrap(err)
	}

	c.log.LogAttrs(ctx, slog.LevelDebug, "subscription dialog established", slog.Any("dialog", d))

	return true, errtrace.Wrap(c.recvThroughDialog(ctx, notify, d))
}

// isMergedRequest detects a request that arrived over several forking
// paths: same From tag, Call-ID and CSeq as a pending server transaction
// but a different transaction key, per RFC 3261 section 8.2.2.2.
func (c *Core) isMergedRequest(req *Request, key ServerTransactionKey) bool {
	fromTag, _ := req.From().Tag()
	callID, _ := req.CallID()
	cseq := req.CSeq()

	for k, entry := range c.uass.All() {
		if k.Equal(key) {
			continue
		}
		other := entry.tx.Request()
		otherTag, _ := other.From().Tag()
		otherCallID, _ := other.CallID()
		otherCSeq := other.CSeq()
		if otherTag == fromTag && otherCallID == callID &&
			otherCSeq.SeqNo == cseq.SeqNo && otherCSeq.MethodName.Equal(cseq.MethodName) {
			return true
		}
	}
	return false
}

// trackServerTx indexes a server transaction and drops it on termination.
func (c *Core) trackServerTx(tx ServerTransaction, sc *ServerContext) {
	key := tx.Key()
	c.uass.Set(key, &serverEntry{sc: sc, tx: tx})
	tx.OnStateChange(func(_ context.Context, _ Transaction, state TransactionState) {
		if state == TransactionStateTerminated {
			c.uass.Del(key)
		}
	})
}

// dispatch serves an out-of-dialog request through the registered method
// handler.
func (c *Core) dispatch(ctx context.Context, req *Request, key ServerTransactionKey) error {
	if req.Method.Equal(RequestMethodInvite) {
		if fn, ok := c.inviteHandler.Get(struct{}{}); ok {
			sc, err := NewInviteServerContext(ctx, req, c.tp, &InviteServerContextOptions{
				Timings: c.timings,
				OnDialog: func(_ context.Context, d *SessionDialog) {
					c.RegisterDialog(d)
				},
				Log: c.log,
			})
			if err != nil {
				return errtrace.Wrap(err)
			}
			c.trackServerTx(sc.Transaction(), sc.ServerContext)
			fn(ctx, sc)
			return nil
		}
		return errtrace.Wrap(c.ReplyStateless(ctx, req, ResponseStatusMethodNotAllowed, nil))
	}

	fn, ok := c.handlers.Get(req.Method)
	if !ok {
		c.log.LogAttrs(ctx, slog.LevelDebug, "no handler for method",
			slog.String("method", string(req.Method)))
		return errtrace.Wrap(c.ReplyStateless(ctx, req, ResponseStatusMethodNotAllowed, nil))
	}

	sc, err := NewServerContext(ctx, req, c.tp, &ServerContextOptions{
		Timings: c.timings,
		Log:     c.log,
	})
	if err != nil {
		return errtrace.Wrap(err)
	}
	c.trackServerTx(sc.Transaction(), sc)
	fn(ctx, sc)
	return nil
}

// ReplyStateless builds and transmits a response with no transaction
// bookkeeping.
func (c *Core) ReplyStateless(ctx context.Context, req *Request, status ResponseStatus, opts *ResponseOptions) error {
	res, err := req.NewResponse(status, opts)
	if err != nil {
		return errtrace.Wrap(err)
	}
	if err := c.tp.Send(ctx, res); err != nil {
		return errtrace.Wrap(NewTransportError(err))
	}
	return nil
}
