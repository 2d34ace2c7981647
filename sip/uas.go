package sip

import (
	"context"
	"log/slog"
	"sync"

	"braces.dev/errtrace"

	"github.com/voxlane/sipcore/log"
)

// ServerContextOptions contains options for a server context.
type ServerContextOptions struct {
	// Timings is the transaction timer configuration.
	Timings TimingConfig
	// Log is the logger that will be used with the context.
	// If nil, the [log.Default] will be used.
	Log *slog.Logger
}

func (o *ServerContextOptions) timings() TimingConfig {
	if o == nil {
		return defTimingCfg
	}
	return o.Timings
}

func (o *ServerContextOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// ServerContext answers one incoming request through a server transaction.
// Every response kind gates on the transaction state, with predicates that
// differ between INVITE and non-INVITE transactions, and fails with
// [ErrActionNotAllowed] when the operation is currently illegal. The To
// tag is generated once and reused across all responses so they form a
// single dialog identity.
type ServerContext struct {
	tx      ServerTransaction
	req     *Request
	tp      Transport
	timings TimingConfig
	log     *slog.Logger
	toTag   string

	cancelMu sync.Mutex
	onCancel func(ctx context.Context, req *Request)
}

// NewServerContext binds the incoming request to a new server transaction.
// The transaction kind follows the method: INVITE gets an INVITE server
// transaction, everything else a non-INVITE one.
func NewServerContext(_ context.Context, req *Request, tp Transport, opts *ServerContextOptions) (*ServerContext, error) {
	tx, err := NewServerTransaction(req, tp, &ServerTransactionOptions{
		Timings: opts.timings(),
		Log:     opts.log(),
	})
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	s := &ServerContext{
		tx:      tx,
		req:     req,
		tp:      tp,
		timings: opts.timings(),
		log:     opts.log(),
	}
	if tag, ok := req.To().Tag(); ok {
		s.toTag = tag
	} else {
		s.toTag = GenerateTag()
	}
	return s, nil
}

// Request returns the incoming request.
func (s *ServerContext) Request() *Request { return s.req }

// Transaction returns the server transaction.
func (s *ServerContext) Transaction() ServerTransaction { return s.tx }

// Key returns the transaction key.
func (s *ServerContext) Key() ServerTransactionKey { return s.tx.Key() }

// ToTag returns the local tag carried by every response of this context.
func (s *ServerContext) ToTag() string { return s.toTag }

// LogValue implements [slog.LogValuer].
func (s *ServerContext) LogValue() slog.Value {
	if s == nil {
		return slog.Value{}
	}
	return slog.GroupValue(slog.Any("key", s.Key()))
}

// OnCancel registers a callback invoked when a CANCEL matching this
// transaction arrives. Without a callback the request is auto-rejected
// with 487 instead.
func (s *ServerContext) OnCancel(fn func(ctx context.Context, req *Request)) {
	s.cancelMu.Lock()
	s.onCancel = fn
	s.cancelMu.Unlock()
}

// recvCancel forwards the cancellation signal to the registered callback,
// defaulting to a 487 per RFC 3261 section 9.2.
func (s *ServerContext) recvCancel(ctx context.Context, cancel *Request) {
	s.cancelMu.Lock()
	fn := s.onCancel
	s.cancelMu.Unlock()

	if fn != nil {
		fn(ctx, cancel)
		return
	}
	if _, err := s.Reject(ctx, ResponseStatusRequestTerminated, nil); err != nil {
		s.log.LogAttrs(ctx, slog.LevelDebug, "auto-reject cancelled request",
			slog.Any("error", err), slog.Any("uas", s))
	}
}

// Trying answers 100. Allowed while no final response was sent.
func (s *ServerContext) Trying(ctx context.Context) error {
	if err := s.guard(ResponseStatusTrying); err != nil {
		return errtrace.Wrap(err)
	}
	_, err := s.respond(ctx, ResponseStatusTrying, nil)
	return errtrace.Wrap(err)
}

// Progress answers a provisional response other than 100. Only INVITE
// transactions may progress: RFC 4320 confines non-INVITE provisionals
// to 100.
func (s *ServerContext) Progress(ctx context.Context, status ResponseStatus, opts *ResponseOptions) (*Response, error) {
	if !status.IsProvisional() || status == ResponseStatusTrying {
		return nil, errtrace.Wrap(NewInvalidArgumentError("not a progress status"))
	}
	if err := s.guard(status); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return errtrace.Wrap2(s.respond(ctx, status, opts))
}

// Accept answers a 2xx response.
func (s *ServerContext) Accept(ctx context.Context, status ResponseStatus, opts *ResponseOptions) (*Response, error) {
	if !status.IsSuccessful() {
		return nil, errtrace.Wrap(NewInvalidArgumentError("not a success status"))
	}
	if err := s.guard(status); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return errtrace.Wrap2(s.respond(ctx, status, opts))
}

// Redirect answers a 3xx response pointing at the target.
func (s *ServerContext) Redirect(ctx context.Context, status ResponseStatus, target URI, opts *ResponseOptions) (*Response, error) {
	if !status.IsRedirection() {
		return nil, errtrace.Wrap(NewInvalidArgumentError("not a redirection status"))
	}
	if err := s.guard(status); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return errtrace.Wrap2(s.respond(ctx, status, opts, &ContactHeader{Address: *target.Clone()}))
}

// Reject answers a 4xx-6xx response.
func (s *ServerContext) Reject(ctx context.Context, status ResponseStatus, opts *ResponseOptions) (*Response, error) {
	if status.IsProvisional() || status.IsSuccessful() || status.IsRedirection() {
		return nil, errtrace.Wrap(NewInvalidArgumentError("not a failure status"))
	}
	if err := s.guard(status); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return errtrace.Wrap2(s.respond(ctx, status, opts))
}

// guard checks whether a response of the given status may be sent in the
// current transaction state.
func (s *ServerContext) guard(status ResponseStatus) error {
	state := s.tx.State()

	if s.tx.Type() == TransactionTypeServerInvite {
		// an INVITE transaction takes any response only while proceeding
		if state != TransactionStateProceeding {
			return errtrace.Wrap(NewInvalidArgumentError(ErrActionNotAllowed))
		}
		return nil
	}

	if status.IsProvisional() && status != ResponseStatusTrying {
		return errtrace.Wrap(NewInvalidArgumentError(ErrActionNotAllowed))
	}
	switch state {
	case TransactionStateTrying:
	case TransactionStateProceeding:
	default:
		return errtrace.Wrap(NewInvalidArgumentError(ErrActionNotAllowed))
	}
	return nil
}

// respond builds and sends the response. When construction of the wanted
// response fails the request is auto-rejected with a 500 so the client is
// never left waiting.
func (s *ServerContext) respond(ctx context.Context, status ResponseStatus, opts *ResponseOptions, extra ...Header) (*Response, error) {
	var resOpts ResponseOptions
	if opts != nil {
		resOpts = *opts
	}
	if resOpts.ToTag == "" {
		resOpts.ToTag = s.toTag
	}

	res, err := s.req.NewResponse(status, &resOpts)
	if err != nil {
		s.log.LogAttrs(ctx, slog.LevelError, "build response",
			slog.Any("error", err), slog.Any("uas", s))
		if fallback, ferr := s.req.NewResponse(ResponseStatusInternalServerError, nil); ferr == nil {
			s.tx.Respond(ctx, fallback) //nolint:errcheck
		}
		return nil, errtrace.Wrap(err)
	}
	for _, h := range extra {
		res.AppendHeader(h)
	}

	if err := s.tx.Respond(ctx, res); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return res, nil
}
