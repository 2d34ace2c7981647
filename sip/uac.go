package sip

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/voxlane/sipcore/log"
)

// ClientContextDelegate receives the outcome of a request sent through a
// [ClientContext]. Nil callbacks are skipped.
type ClientContextDelegate struct {
	// OnTrying is called on a 100 response.
	OnTrying func(ctx context.Context, res *Response)
	// OnProgress is called on provisional responses other than 100.
	OnProgress func(ctx context.Context, res *Response)
	// OnAccept is called on a 2xx response.
	OnAccept func(ctx context.Context, res *Response)
	// OnRedirect is called on a 3xx response.
	OnRedirect func(ctx context.Context, res *Response)
	// OnReject is called on a 4xx-6xx response, including challenges the
	// context could not answer.
	OnReject func(ctx context.Context, res *Response)
	// OnError is called when the transaction fails: timeout, transport
	// fault or termination without a final response.
	OnError func(ctx context.Context, err error)
}

// ClientContextOptions contains options for a client context.
type ClientContextOptions struct {
	// Timings is the transaction timer configuration.
	Timings TimingConfig
	// Credentials answers 401/407 digest challenges. Nil disables the
	// authentication guard: challenges are delivered as rejections.
	Credentials CredentialsProvider
	// Delegate receives the request outcome.
	Delegate ClientContextDelegate
	// OnTransaction is called for every client transaction the context
	// creates: the initial send, authorization retries and CANCELs.
	// The core uses it to index transactions for response routing.
	OnTransaction func(ctx context.Context, tx ClientTransaction)
	// Log is the logger that will be used with the context.
	// If nil, the [log.Default] will be used.
	Log *slog.Logger
}

func (o *ClientContextOptions) timings() TimingConfig {
	if o == nil {
		return defTimingCfg
	}
	return o.Timings
}

func (o *ClientContextOptions) credentials() CredentialsProvider {
	if o == nil {
		return nil
	}
	return o.Credentials
}

func (o *ClientContextOptions) delegate() ClientContextDelegate {
	if o == nil {
		return ClientContextDelegate{}
	}
	return o.Delegate
}

func (o *ClientContextOptions) onTransaction() func(ctx context.Context, tx ClientTransaction) {
	if o == nil {
		return nil
	}
	return o.OnTransaction
}

func (o *ClientContextOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// ClientContext drives one outgoing request through a client transaction:
// it classifies responses for the delegate, answers digest challenges with
// a single retry and defers CANCEL until the first provisional response
// arrived.
type ClientContext struct {
	impl clientCtxImpl

	tp       Transport
	timings  TimingConfig
	creds    CredentialsProvider
	delegate ClientContextDelegate
	onTx     func(ctx context.Context, tx ClientTransaction)
	log      *slog.Logger

	mu  sync.Mutex
	req *Request
	tx  ClientTransaction

	authTried bool
	authNonce string

	cancelOnce sync.Once
	cancelSent atomic.Bool
}

// clientCtxImpl is implemented by context kinds to hook response dispatch.
type clientCtxImpl interface {
	dispatchResponse(ctx context.Context, res *Response)
}

// NewClientContext sends the request on a fresh client transaction.
// The transaction kind follows the method: INVITE gets an INVITE client
// transaction, everything else a non-INVITE one.
func NewClientContext(ctx context.Context, req *Request, tp Transport, opts *ClientContextOptions) (*ClientContext, error) {
	c := new(ClientContext)
	if err := c.init(ctx, c, req, tp, opts); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return c, nil
}

func (c *ClientContext) init(ctx context.Context, impl clientCtxImpl, req *Request, tp Transport, opts *ClientContextOptions) error {
	c.impl = impl
	c.tp = tp
	c.timings = opts.timings()
	c.creds = opts.credentials()
	c.delegate = opts.delegate()
	c.onTx = opts.onTransaction()
	c.log = opts.log()

	return errtrace.Wrap(c.start(ctx, req))
}

// newTx creates a client transaction sending the request and announces it
// through the transaction hook.
func (c *ClientContext) newTx(ctx context.Context, req *Request) (ClientTransaction, error) {
	tx, err := NewClientTransaction(req, c.tp, &ClientTransactionOptions{
		Timings: c.timings,
		Log:     c.log,
	})
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if fn := c.onTx; fn != nil {
		fn(ctx, tx)
	}
	return tx, nil
}

// start binds the request to a new transaction and subscribes the context.
func (c *ClientContext) start(ctx context.Context, req *Request) error {
	tx, err := c.newTx(ctx, req)
	if err != nil {
		return errtrace.Wrap(err)
	}

	c.mu.Lock()
	c.req = req
	c.tx = tx
	c.mu.Unlock()

	tx.OnResponse(func(ctx context.Context, _ ClientTransaction, res *Response) {
		c.recvResponse(ctx, res)
	})
	tx.OnError(func(ctx context.Context, _ Transaction, err error) {
		if fn := c.delegate.OnError; fn != nil {
			fn(ctx, err)
		}
	})
	return nil
}

// Key returns the key of the current transaction.
func (c *ClientContext) Key() ClientTransactionKey {
	return c.Transaction().Key()
}

// Request returns the request of the current round, including any
// authorization retry.
func (c *ClientContext) Request() *Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.req
}

// Transaction returns the current client transaction.
func (c *ClientContext) Transaction() ClientTransaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tx
}

// Terminate force-terminates the current transaction.
func (c *ClientContext) Terminate() {
	c.Transaction().Terminate()
}

// LogValue implements [slog.LogValuer].
func (c *ClientContext) LogValue() slog.Value {
	if c == nil {
		return slog.Value{}
	}
	return slog.GroupValue(slog.Any("key", c.Key()))
}

func (c *ClientContext) recvResponse(ctx context.Context, res *Response) {
	if _, _, challenged := challengeHeaders(res.StatusCode); challenged && c.creds != nil {
		if c.answerChallenge(ctx, res) {
			return
		}
	}
	c.impl.dispatchResponse(ctx, res)
}

// answerChallenge retries the request once with digest credentials per
// RFC 3261 section 22: CSeq incremented, fresh branch, authorization
// header attached. A repeated challenge passes only when marked stale
// with a new nonce. True means the response was consumed by the retry.
func (c *ClientContext) answerChallenge(ctx context.Context, res *Response) bool {
	chal, err := parseChallenge(res)
	if err != nil {
		c.log.LogAttrs(ctx, slog.LevelDebug, "unusable challenge",
			slog.Any("error", err), slog.Any("uac", c))
		return false
	}

	c.mu.Lock()
	if c.authTried && (!chal.Stale || chal.Nonce == c.authNonce) {
		c.mu.Unlock()
		return false
	}
	c.authTried = true
	c.authNonce = chal.Nonce

	next := c.req.Clone()
	c.mu.Unlock()

	cseq := next.CSeq()
	cseq.SeqNo++
	if via := next.Via(); via != nil {
		via.Params = via.Params.Clone().Set("branch", GenerateBranch())
	}
	if err := authorizeRequest(ctx, next, res, chal, c.creds); err != nil {
		c.log.LogAttrs(ctx, slog.LevelDebug, "challenge not answered",
			slog.Any("error", err), slog.Any("uac", c))
		return false
	}

	if err := c.start(ctx, next); err != nil {
		c.log.LogAttrs(ctx, slog.LevelError, "authorization retry",
			slog.Any("error", err), slog.Any("uac", c))
		if fn := c.delegate.OnError; fn != nil {
			fn(ctx, err)
		}
		return true
	}

	c.log.LogAttrs(ctx, slog.LevelDebug, "authorization retry sent", slog.Any("uac", c))
	return true
}

func (c *ClientContext) dispatchResponse(ctx context.Context, res *Response) {
	var fn func(ctx context.Context, res *Response)
	switch {
	case res.StatusCode == ResponseStatusTrying:
		fn = c.delegate.OnTrying
	case res.Status().IsProvisional():
		fn = c.delegate.OnProgress
	case res.Status().IsSuccessful():
		fn = c.delegate.OnAccept
	case res.Status().IsRedirection():
		fn = c.delegate.OnRedirect
	default:
		fn = c.delegate.OnReject
	}
	if fn != nil {
		fn(ctx, res)
	}
}

// Cancel issues a CANCEL for a pending INVITE. Per RFC 3261 section 9.1
// the CANCEL must not be sent before a provisional response arrived, so
// transmission is deferred through a state-change subscription until the
// transaction reaches the proceeding state. A final response arriving
// first drops the CANCEL. Repeated calls are no-ops.
func (c *ClientContext) Cancel(ctx context.Context) error {
	tx := c.Transaction()
	if tx.Type() != TransactionTypeClientInvite {
		return errtrace.Wrap(NewInvalidArgumentError(ErrActionNotAllowed))
	}

	c.cancelOnce.Do(func() {
		tx.OnStateChange(func(ctx context.Context, _ Transaction, state TransactionState) {
			switch state {
			case TransactionStateCalling:
				// wait for a provisional
			case TransactionStateProceeding:
				if c.cancelSent.CompareAndSwap(false, true) {
					c.sendCancel(ctx)
				}
			default:
				// final outcome known, cancelling is moot
				c.cancelSent.Store(true)
			}
		})
	})
	return nil
}

func (c *ClientContext) sendCancel(ctx context.Context) {
	cancel := newCancel(c.Request())
	if _, err := c.newTx(ctx, cancel); err != nil {
		c.log.LogAttrs(ctx, slog.LevelError, "send CANCEL request",
			slog.Any("error", err), slog.Any("uac", c))
		return
	}
	c.log.LogAttrs(ctx, slog.LevelDebug, "CANCEL sent", slog.Any("uac", c))
}

// newCancel builds a CANCEL per RFC 3261 section 9.1: Request-URI,
// Call-ID, To, From and the CSeq number mirror the cancelled request,
// the top Via carries the same branch.
func newCancel(req *Request) *Request {
	cancel := NewRequest(RequestMethodCancel, *req.Recipient.Clone())
	if via := req.Via(); via != nil {
		cancel.AppendHeader(via.Clone())
	}
	cancel.AppendHeader(MaxForwardsHeader(70))
	if from := req.From(); from != nil {
		cancel.AppendHeader(from.Clone())
	}
	if to := req.To(); to != nil {
		cancel.AppendHeader(to.Clone())
	}
	if callID, ok := req.CallID(); ok {
		cancel.AppendHeader(callID)
	}
	if cseq := req.CSeq(); cseq != nil {
		cancel.AppendHeader(&CSeqHeader{SeqNo: cseq.SeqNo, MethodName: RequestMethodCancel})
	}
	for _, route := range req.Routes() {
		cancel.AppendHeader(route.Clone())
	}
	return cancel
}
