package sip

import (
	"context"
	"log/slog"
	"sync"

	"braces.dev/errtrace"
)

// InviteServerContextOptions contains options for an INVITE server context.
type InviteServerContextOptions struct {
	// Timings is the transaction timer configuration.
	Timings TimingConfig
	// DialogDelegate receives in-dialog events of the established session.
	DialogDelegate SessionDialogDelegate
	// OnDialog is called once when the dialog is created, early or not.
	OnDialog func(ctx context.Context, d *SessionDialog)
	// Log is the logger that will be used with the context.
	// If nil, the [log.Default] will be used.
	Log *slog.Logger
}

func (o *InviteServerContextOptions) serverOpts() *ServerContextOptions {
	if o == nil {
		return nil
	}
	return &ServerContextOptions{
		Timings: o.Timings,
		Log:     o.Log,
	}
}

func (o *InviteServerContextOptions) sessionOpts() *SessionDialogOptions {
	if o == nil {
		return nil
	}
	return &SessionDialogOptions{
		Timings:  o.Timings,
		Delegate: o.DialogDelegate,
		Log:      o.Log,
	}
}

func (o *InviteServerContextOptions) onDialog() func(ctx context.Context, d *SessionDialog) {
	if o == nil {
		return nil
	}
	return o.OnDialog
}

// InviteServerContext answers an out-of-dialog INVITE. It owns at most one
// dialog: early from the first tagged provisional, confirmed by Accept.
// Accept is idempotent, repeated calls resend the stored 2xx and reuse the
// already negotiated answer. Provisional responses carry an RSeq when the
// caller supports reliable provisionals.
type InviteServerContext struct {
	*ServerContext

	sessOpts *SessionDialogOptions
	onDialog func(ctx context.Context, d *SessionDialog)

	mu        sync.Mutex
	dialog    *SessionDialog
	accepted  *Response
	localRSeq uint32
}

// NewInviteServerContext binds an incoming out-of-dialog INVITE to an
// INVITE server transaction.
func NewInviteServerContext(ctx context.Context, req *Request, tp Transport, opts *InviteServerContextOptions) (*InviteServerContext, error) {
	if !req.Method.Equal(RequestMethodInvite) {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	base, err := NewServerContext(ctx, req, tp, opts.serverOpts())
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return &InviteServerContext{
		ServerContext: base,
		sessOpts:      opts.sessionOpts(),
		onDialog:      opts.onDialog(),
	}, nil
}

// Dialog returns the dialog of this INVITE, nil before the first
// dialog-forming response.
func (c *InviteServerContext) Dialog() *SessionDialog {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dialog
}

// ensureDialog creates the dialog lazily. The early flag applies only on
// creation.
func (c *InviteServerContext) ensureDialog(ctx context.Context, early bool) (*SessionDialog, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dialog != nil {
		return c.dialog, nil
	}

	d, err := NewServerSessionDialog(c.req, c.toTag, early, c.tp, c.sessOpts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	c.dialog = d

	c.log.LogAttrs(ctx, slog.LevelDebug, "dialog created",
		slog.Any("uas", c), slog.Any("dialog", d))

	if fn := c.onDialog; fn != nil {
		fn(ctx, d)
	}
	return d, nil
}

// Progress answers a provisional response other than 100, establishing the
// early dialog. A session body goes through the offer/answer machine and
// an RSeq is attached when the caller supports reliable provisionals per
// RFC 3262.
func (c *InviteServerContext) Progress(ctx context.Context, status ResponseStatus, opts *ResponseOptions) (*Response, error) {
	if !status.IsProvisional() || status == ResponseStatusTrying {
		return nil, errtrace.Wrap(NewInvalidArgumentError("not a progress status"))
	}
	if err := c.guard(status); err != nil {
		return nil, errtrace.Wrap(err)
	}

	d, err := c.ensureDialog(ctx, true)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if opts != nil && len(opts.Body) > 0 {
		if err := d.PutLocalBody(ctx, opts.Body); err != nil {
			return nil, errtrace.Wrap(err)
		}
	}

	var extra []Header
	if c.req.Supported("100rel") {
		c.mu.Lock()
		c.localRSeq++
		extra = append(extra, RSeqHeader(c.localRSeq))
		c.mu.Unlock()
	}

	return errtrace.Wrap2(c.respond(ctx, status, opts, extra...))
}

// Accept answers a 2xx. The first call negotiates the session answer,
// confirms the dialog and starts the 2xx retransmission schedule; repeated
// calls resend the stored response without touching the negotiation.
// Accepting an INVITE that carried an offer without providing an answer
// body fails with [ErrAnswerMissing].
func (c *InviteServerContext) Accept(ctx context.Context, status ResponseStatus, opts *ResponseOptions) (*Response, error) {
	if !status.IsSuccessful() {
		return nil, errtrace.Wrap(NewInvalidArgumentError("not a success status"))
	}

	c.mu.Lock()
	if res := c.accepted; res != nil {
		c.mu.Unlock()
		if err := c.tx.Respond(ctx, res); err != nil {
			return nil, errtrace.Wrap(err)
		}
		return res, nil
	}
	c.mu.Unlock()

	if err := c.guard(status); err != nil {
		return nil, errtrace.Wrap(err)
	}

	d, err := c.ensureDialog(ctx, false)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	var body []byte
	if opts != nil {
		body = opts.Body
	}
	switch {
	case len(body) > 0:
		if err := d.PutLocalBody(ctx, body); err != nil {
			return nil, errtrace.Wrap(err)
		}
	case d.SignalingState() == SignalingStateHaveRemoteOffer:
		return nil, errtrace.Wrap(ErrAnswerMissing)
	}

	res, err := c.respond(ctx, status, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	c.mu.Lock()
	c.accepted = res
	c.mu.Unlock()

	if ist, ok := c.tx.(*InviteServerTransaction); ok {
		ist.OnAck(func(ctx context.Context, ack *Request) {
			if err := d.RecvAck(ctx, ack); err != nil {
				c.log.LogAttrs(ctx, slog.LevelError, "handle ACK",
					slog.Any("error", err), slog.Any("uas", c))
			}
		})
	}

	if err := d.Confirm(ctx, res); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return res, nil
}

// Redirect answers a 3xx and releases the early dialog.
func (c *InviteServerContext) Redirect(ctx context.Context, status ResponseStatus, target URI, opts *ResponseOptions) (*Response, error) {
	res, err := c.ServerContext.Redirect(ctx, status, target, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	c.closeDialog(ctx)
	return res, nil
}

// Reject answers a 4xx-6xx and releases the early dialog.
func (c *InviteServerContext) Reject(ctx context.Context, status ResponseStatus, opts *ResponseOptions) (*Response, error) {
	res, err := c.ServerContext.Reject(ctx, status, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	c.closeDialog(ctx)
	return res, nil
}

func (c *InviteServerContext) closeDialog(ctx context.Context) {
	c.mu.Lock()
	d := c.dialog
	c.mu.Unlock()
	if d != nil {
		d.Close(ctx) //nolint:errcheck
	}
}
