package sip

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/voxlane/sipcore/internal/syncutil"
)

// InviteClientContextOptions contains options for an INVITE client context.
type InviteClientContextOptions struct {
	// Timings is the transaction timer configuration.
	Timings TimingConfig
	// Credentials answers 401/407 digest challenges.
	Credentials CredentialsProvider
	// Delegate receives the request outcome.
	Delegate ClientContextDelegate
	// DialogDelegate receives in-dialog events of the established session.
	DialogDelegate SessionDialogDelegate
	// OnDialog is called once when a dialog is confirmed by the first 2xx.
	OnDialog func(ctx context.Context, d *SessionDialog)
	// OnTransaction is called for every client transaction the context
	// creates, see [ClientContextOptions.OnTransaction].
	OnTransaction func(ctx context.Context, tx ClientTransaction)
	// Log is the logger that will be used with the context.
	// If nil, the [log.Default] will be used.
	Log *slog.Logger
}

func (o *InviteClientContextOptions) clientOpts() *ClientContextOptions {
	if o == nil {
		return nil
	}
	return &ClientContextOptions{
		Timings:       o.Timings,
		Credentials:   o.Credentials,
		Delegate:      o.Delegate,
		OnTransaction: o.OnTransaction,
		Log:           o.Log,
	}
}

func (o *InviteClientContextOptions) sessionOpts() *SessionDialogOptions {
	if o == nil {
		return nil
	}
	return &SessionDialogOptions{
		Timings:  o.Timings,
		Delegate: o.DialogDelegate,
		Log:      o.Log,
	}
}

func (o *InviteClientContextOptions) onDialog() func(ctx context.Context, d *SessionDialog) {
	if o == nil {
		return nil
	}
	return o.OnDialog
}

// InviteClientContext drives an out-of-dialog INVITE: it tracks the early
// dialogs a forking proxy may produce, confirms the dialog matching the
// first 2xx, ACKs it and registers the ACK for retransmission absorption.
// A later 2xx with a different remote tag is acknowledged and immediately
// torn down with a BYE per RFC 3261 section 13.2.2.4.
type InviteClientContext struct {
	*ClientContext

	sessOpts *SessionDialogOptions
	onDialog func(ctx context.Context, d *SessionDialog)

	// early dialogs keyed by remote tag
	early     syncutil.RWMap[string, *SessionDialog]
	confirmed atomic.Pointer[SessionDialog]
}

// NewInviteClientContext sends an out-of-dialog INVITE: the request must
// carry the INVITE method and an untagged To header.
func NewInviteClientContext(ctx context.Context, req *Request, tp Transport, opts *InviteClientContextOptions) (*InviteClientContext, error) {
	if !req.Method.Equal(RequestMethodInvite) {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}
	if to := req.To(); to != nil {
		if _, tagged := to.Tag(); tagged {
			return nil, errtrace.Wrap(NewInvalidArgumentError(ErrActionNotAllowed))
		}
	}

	c := &InviteClientContext{
		ClientContext: new(ClientContext),
		sessOpts:      opts.sessionOpts(),
		onDialog:      opts.onDialog(),
	}
	if err := c.init(ctx, c, req, tp, opts.clientOpts()); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return c, nil
}

// Dialog returns the confirmed dialog, nil before the first 2xx.
func (c *InviteClientContext) Dialog() *SessionDialog {
	return c.confirmed.Load()
}

// EarlyDialogs returns the current early dialogs.
func (c *InviteClientContext) EarlyDialogs() []*SessionDialog {
	out := make([]*SessionDialog, 0, c.early.Len())
	for _, d := range c.early.All() {
		out = append(out, d)
	}
	return out
}

func (c *InviteClientContext) dispatchResponse(ctx context.Context, res *Response) {
	remoteTag, tagged := res.To().Tag()

	switch {
	case res.Status().IsProvisional():
		if tagged && res.StatusCode != ResponseStatusTrying {
			if !c.recvProvisional(ctx, res, remoteTag) {
				return
			}
		}
	case res.Status().IsSuccessful():
		if !c.recvSuccess(ctx, res, remoteTag) {
			return
		}
	default:
		c.disposeEarly(ctx, "")
	}

	c.ClientContext.dispatchResponse(ctx, res)
}

// recvProvisional maintains the early dialog for the response's remote tag
// and handles reliable provisionals: out-of-order RSeq is dropped, in-order
// ones are acknowledged with an automatic PRACK per RFC 3262 section 4.
// False means the response must not be surfaced to the delegate.
func (c *InviteClientContext) recvProvisional(ctx context.Context, res *Response, remoteTag string) bool {
	d, ok := c.early.Get(remoteTag)
	if !ok {
		nd, err := NewClientSessionDialog(c.Request(), res, c.tp, c.sessOpts)
		if err != nil {
			c.log.LogAttrs(ctx, slog.LevelError, "early dialog",
				slog.Any("error", err), slog.Any("uac", c))
			return true
		}
		d, _ = c.early.GetOrSet(remoteTag, nd)
		c.log.LogAttrs(ctx, slog.LevelDebug, "early dialog created",
			slog.Any("uac", c), slog.Any("dialog", d))
	}

	if _, reliable := res.RSeq(); !reliable {
		return true
	}
	if !d.ReliableSequenceGuard(res) {
		c.log.LogAttrs(ctx, slog.LevelDebug, "reliable provisional dropped",
			slog.Any("uac", c), slog.Any("response", res))
		return false
	}
	c.sendPrack(ctx, d, res)
	return true
}

func (c *InviteClientContext) sendPrack(ctx context.Context, d *SessionDialog, res *Response) {
	rseq, _ := res.RSeq()
	cseq := res.CSeq()

	prack := d.NewRequest(RequestMethodPrack, nil)
	prack.AppendHeader(&RAckHeader{
		RSeq:       uint32(rseq),
		CSeq:       cseq.SeqNo,
		MethodName: cseq.MethodName,
	})

	if _, err := c.newTx(ctx, prack); err != nil {
		c.log.LogAttrs(ctx, slog.LevelError, "send PRACK request",
			slog.Any("error", err), slog.Any("uac", c))
		return
	}
	c.log.LogAttrs(ctx, slog.LevelDebug, "PRACK sent", slog.Any("uac", c), slog.Any("dialog", d))
}

// recvSuccess confirms the dialog on the first 2xx and acknowledges it.
// A 2xx with a different remote tag afterwards is a fork remnant: it is
// ACKed and immediately released with a BYE, without surfacing it.
func (c *InviteClientContext) recvSuccess(ctx context.Context, res *Response, remoteTag string) bool {
	if cur := c.confirmed.Load(); cur != nil {
		if cur.Key().RemoteTag == remoteTag {
			return true
		}
		c.releaseFork(ctx, res)
		return false
	}

	d, ok := c.early.GetAndDel(remoteTag)
	if !ok {
		nd, err := NewClientSessionDialog(c.Request(), res, c.tp, c.sessOpts)
		if err != nil {
			c.log.LogAttrs(ctx, slog.LevelError, "confirmed dialog",
				slog.Any("error", err), slog.Any("uac", c))
			return true
		}
		d = nd
	}

	d.Dialog.Confirm(res)
	if IsSessionBody(res) && d.SignalingState() == SignalingStateHaveLocalOffer {
		if err := d.PutRemoteBody(ctx, res.Body()); err != nil {
			c.log.LogAttrs(ctx, slog.LevelError, "session answer",
				slog.Any("error", err), slog.Any("uac", c), slog.Any("dialog", d))
		}
	}
	c.confirmed.Store(d)

	c.sendAck(ctx, d, res)
	c.disposeEarly(ctx, remoteTag)

	c.log.LogAttrs(ctx, slog.LevelDebug, "dialog confirmed", slog.Any("uac", c), slog.Any("dialog", d))

	if fn := c.onDialog; fn != nil {
		fn(ctx, d)
	}
	return true
}

// sendAck acknowledges a 2xx through the dialog and caches the ACK on the
// transaction so retransmitted 2xx are answered without the context.
func (c *InviteClientContext) sendAck(ctx context.Context, d *SessionDialog, res *Response) {
	cseq := res.CSeq()
	ack := d.NewRequest(RequestMethodAck, &DialogRequestOptions{CSeq: cseq.SeqNo, NoBump: true})

	if err := c.tp.Send(ctx, ack); err != nil {
		c.log.LogAttrs(ctx, slog.LevelError, "send ACK request",
			slog.Any("error", fmt.Errorf("send %q request: %w", ack.Method, NewTransportError(err))),
			slog.Any("uac", c),
		)
		return
	}
	if ict, ok := c.Transaction().(*InviteClientTransaction); ok {
		ict.SetAck(ack)
	}
}

// releaseFork acknowledges and tears down a surplus 2xx dialog.
func (c *InviteClientContext) releaseFork(ctx context.Context, res *Response) {
	c.log.LogAttrs(ctx, slog.LevelDebug, "releasing forked dialog", slog.Any("uac", c))

	d, err := NewClientSessionDialog(c.Request(), res, c.tp, c.sessOpts)
	if err != nil {
		c.log.LogAttrs(ctx, slog.LevelError, "forked dialog",
			slog.Any("error", err), slog.Any("uac", c))
		return
	}

	c.sendAck(ctx, d, res)

	bye := d.NewRequest(RequestMethodBye, nil)
	if _, err := c.newTx(ctx, bye); err != nil {
		c.log.LogAttrs(ctx, slog.LevelError, "send BYE request",
			slog.Any("error", err), slog.Any("uac", c))
	}
}

// disposeEarly closes all early dialogs except the one with the given
// remote tag.
func (c *InviteClientContext) disposeEarly(ctx context.Context, keepTag string) {
	for tag, d := range c.early.All() {
		if tag == keepTag {
			continue
		}
		c.early.Del(tag)
		d.Close(ctx) //nolint:errcheck
	}
}
