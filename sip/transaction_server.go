package sip

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/voxlane/sipcore/internal/timeutil"
	"github.com/voxlane/sipcore/internal/util"
	"github.com/voxlane/sipcore/log"
)

// ServerTransaction represents a SIP server transaction.
type ServerTransaction interface {
	Transaction
	// Key returns the transaction key.
	Key() ServerTransactionKey
	// Request returns the request that created the transaction.
	Request() *Request
	// LastResponse returns the last response sent by the transaction.
	LastResponse() *Response
	// MatchRequest checks whether the request matches the server transaction.
	MatchRequest(req *Request) error
	// RecvRequest is called on each inbound request retransmission
	// received by the transport layer.
	RecvRequest(ctx context.Context, req *Request) error
	// Respond sends the response through the transaction.
	Respond(ctx context.Context, res *Response) error
}

// NewServerTransaction creates a server transaction of the kind matching
// the request method: an INVITE server transaction for INVITE, a non-INVITE
// server transaction for everything else.
func NewServerTransaction(req *Request, tp Transport, opts *ServerTransactionOptions) (ServerTransaction, error) {
	if req.Method.Equal(RequestMethodInvite) {
		return errtrace.Wrap2(NewInviteServerTransaction(req, tp, opts))
	}
	return errtrace.Wrap2(NewNonInviteServerTransaction(req, tp, opts))
}

// ServerTransactionOptions contains options for a server transaction.
type ServerTransactionOptions struct {
	// Key is the server transaction key that will be used with the transaction.
	// If zero, the transaction will be created with the key automatically filled from the request.
	Key ServerTransactionKey
	// Timings is the SIP timing config that will be used with the transaction.
	// If zero, the default SIP timing config will be used.
	Timings TimingConfig
	// Log is the logger that will be used with the transaction.
	// If nil, the [log.Default] will be used.
	Log *slog.Logger
}

func (o *ServerTransactionOptions) key() ServerTransactionKey {
	if o == nil {
		return zeroSrvTxKey
	}
	return o.Key
}

func (o *ServerTransactionOptions) timings() TimingConfig {
	if o == nil {
		return defTimingCfg
	}
	return o.Timings
}

func (o *ServerTransactionOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

type serverTransact struct {
	*baseTransact
	key     ServerTransactionKey
	tp      Transport
	timings TimingConfig
	req     *Request
	lastRes atomic.Pointer[Response]
}

func newServerTransact(
	typ TransactionType,
	impl serverTransactImpl,
	req *Request,
	tp Transport,
	opts *ServerTransactionOptions,
) (*serverTransact, error) {
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if tp == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid transport"))
	}

	key := opts.key()
	if !key.IsValid() {
		if err := key.FillFromRequest(req); err != nil {
			return nil, errtrace.Wrap(NewInvalidArgumentError(err))
		}
	}

	tx := &serverTransact{
		key:     key,
		tp:      tp,
		req:     req,
		timings: opts.timings(),
	}
	tx.baseTransact = newBaseTransact(context.Background(), typ, impl, opts.log())
	return tx, nil
}

type serverTransactImpl interface {
	transactImpl
	recvReq(ctx context.Context, req *Request) error
	takeSnapshot() *ServerTransactionSnapshot
}

func (tx *serverTransact) srvTxImpl() serverTransactImpl {
	return tx.impl.(serverTransactImpl) //nolint:forcetypeassert
}

// LogValue implements [slog.LogValuer].
func (tx *serverTransact) LogValue() slog.Value {
	if tx == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Any("key", tx.key),
		slog.Any("type", tx.typ),
		slog.Any("state", tx.State()),
	)
}

// Key returns the transaction key.
func (tx *serverTransact) Key() ServerTransactionKey {
	if tx == nil {
		return zeroSrvTxKey
	}
	return tx.key
}

func (tx *serverTransact) Request() *Request {
	if tx == nil {
		return nil
	}
	return tx.req
}

// LastResponse returns the last response sent by the transaction.
func (tx *serverTransact) LastResponse() *Response {
	if tx == nil {
		return nil
	}
	return tx.lastRes.Load()
}

// MatchRequest checks whether the request matches the server transaction.
// It implements the matching rules defined in RFC 3261 section 17.2.3.
func (tx *serverTransact) MatchRequest(req *Request) error {
	var reqKey ServerTransactionKey
	if err := reqKey.FillFromRequest(req); err != nil {
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}

	if !tx.key.Equal(reqKey) {
		return errtrace.Wrap(ErrTransactionNotMatched)
	}
	return nil
}

// RecvRequest is called on each inbound request retransmission
// received by the transport layer.
func (tx *serverTransact) RecvRequest(ctx context.Context, req *Request) error {
	if err := tx.MatchRequest(req); err != nil {
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(tx.srvTxImpl().recvReq(ctx, req))
}

func (tx *serverTransact) recvReq(ctx context.Context, req *Request) error {
	return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtRecvReq, req))
}

// Respond sends the response through the transaction.
func (tx *serverTransact) Respond(ctx context.Context, res *Response) error {
	if err := res.Validate(); err != nil {
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}

	switch {
	case res.Status().IsProvisional():
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtSend1xx, res))
	case res.Status().IsSuccessful():
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtSend2xx, res))
	default:
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtSend300699, res))
	}
}

func (tx *serverTransact) sendRes(ctx context.Context, res *Response) error {
	if err := tx.tp.Send(ctx, res); err != nil {
		err = fmt.Errorf("send %q response: %w", res.StatusCode, NewTransportError(err))
		if err := tx.fsm.FireCtx(ctx, txEvtTranspErr, errtrace.Wrap(err)); err != nil {
			panic(fmt.Errorf("fire %q in state %q: %w", txEvtTranspErr, tx.State(), err))
		}
		return errtrace.Wrap(err)
	}
	return nil
}

const (
	txEvtRecvReq    = "recv_req"
	txEvtSend1xx    = "send_1xx"
	txEvtSend2xx    = "send_2xx"
	txEvtSend300699 = "send_300-699"
)

func (tx *serverTransact) initFSM(start TransactionState) error {
	if err := tx.baseTransact.initFSM(start); err != nil {
		return errtrace.Wrap(err)
	}

	tx.fsm.SetTriggerParameters(txEvtRecvReq, reflect.TypeOf((*Request)(nil)))
	tx.fsm.SetTriggerParameters(txEvtSend1xx, reflect.TypeOf((*Response)(nil)))
	tx.fsm.SetTriggerParameters(txEvtSend2xx, reflect.TypeOf((*Response)(nil)))
	tx.fsm.SetTriggerParameters(txEvtSend300699, reflect.TypeOf((*Response)(nil)))

	return nil
}

func (tx *serverTransact) actSendRes(ctx context.Context, args ...any) error {
	res := args[0].(*Response) //nolint:forcetypeassert
	tx.lastRes.Store(res)

	tx.log.LogAttrs(ctx, slog.LevelDebug, "send response", slog.Any("transaction", tx.impl), slog.Any("response", res))

	tx.sendRes(ctx, res) //nolint:errcheck
	return nil
}

func (tx *serverTransact) actResendRes(ctx context.Context, _ ...any) error {
	res := tx.lastRes.Load()
	if res == nil {
		return nil
	}

	tx.log.LogAttrs(ctx, slog.LevelDebug, "resend response", slog.Any("transaction", tx.impl), slog.Any("response", res))

	tx.sendRes(ctx, res) //nolint:errcheck
	return nil
}

//nolint:unparam
func (tx *serverTransact) actProceeding(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction proceeding", slog.Any("transaction", tx))

	return nil
}

//nolint:unparam
func (tx *serverTransact) actCompleted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction completed", slog.Any("transaction", tx))

	return nil
}

// Snapshot returns a snapshot of the transaction state that can be serialized.
// The snapshot contains all the data needed to restore the transaction after a restart.
func (tx *serverTransact) Snapshot() *ServerTransactionSnapshot {
	if tx == nil {
		return nil
	}
	return tx.srvTxImpl().takeSnapshot()
}

// MarshalJSON implements [json.Marshaler].
func (tx *serverTransact) MarshalJSON() ([]byte, error) {
	return errtrace.Wrap2(json.Marshal(tx.Snapshot()))
}

// ServerTransactionSnapshot represents a snapshot of a server transaction state.
// It contains all the data needed to serialize and restore a transaction.
type ServerTransactionSnapshot struct {
	// Time is the snapshot timestamp.
	Time time.Time `json:"time"`
	// Type is the transaction type.
	Type TransactionType `json:"type"`
	// State is the current transaction state.
	State TransactionState `json:"state"`
	// Key is the transaction key.
	Key ServerTransactionKey `json:"key"`
	// Request is the request that created the transaction.
	Request *Request `json:"request"`
	// LastResponse is the last response sent by the transaction.
	LastResponse *Response `json:"last_response,omitempty"`
	// Timings are the timing configuration used to create the transaction.
	Timings TimingConfig `json:"timing_config,omitzero"`

	// Timer1xx is the automatic 100 Trying timer (INVITE only).
	Timer1xx *timeutil.TimerSnapshot `json:"timer_1xx,omitempty"`
	// TimerG is the final response retransmission timer (INVITE only).
	TimerG *timeutil.TimerSnapshot `json:"timer_g,omitempty"`
	// TimerH is the ACK receipt timeout (INVITE only).
	TimerH *timeutil.TimerSnapshot `json:"timer_h,omitempty"`
	// TimerI waits for ACK retransmits on unreliable transports (INVITE only).
	TimerI *timeutil.TimerSnapshot `json:"timer_i,omitempty"`
	// TimerL waits for 2xx retransmits before terminating an accepted INVITE (INVITE only).
	TimerL *timeutil.TimerSnapshot `json:"timer_l,omitempty"`

	// TimerJ waits for request retransmits on unreliable transports (non-INVITE only).
	TimerJ *timeutil.TimerSnapshot `json:"timer_j,omitempty"`
}

func (snap *ServerTransactionSnapshot) IsValid() bool {
	return snap != nil &&
		snap.Type != "" &&
		snap.State != "" &&
		snap.Key.IsValid() &&
		snap.Request.IsValid() &&
		(snap.LastResponse == nil || snap.LastResponse.IsValid())
}

// ServerTransactionKey is the key of a server transaction.
// It is used for matching inbound requests to the transaction,
// see RFC 3261 section 17.2.3.
type ServerTransactionKey struct {
	// Branch parameter of the topmost Via header field.
	Branch string `json:"branch"`
	// SentBy is the sent-by production of the topmost Via header field.
	SentBy string `json:"sent_by"`
	// Method of the request that created the transaction. ACK requests map
	// to INVITE so that a non-2xx ACK matches the INVITE transaction.
	Method string `json:"method"`
}

var zeroSrvTxKey ServerTransactionKey

// FillFromRequest populates the key fields from the given request.
func (k *ServerTransactionKey) FillFromRequest(req *Request) error {
	if err := req.Validate(); err != nil {
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}

	via := req.Via()
	branch, _ := via.Branch()

	method := req.Method
	if method.Equal(RequestMethodAck) {
		method = RequestMethodInvite
	}

	k.Branch = branch
	k.SentBy = via.SentBy()
	k.Method = util.UCase(string(method))
	return nil
}

// Equal checks whether the key is equal to another key.
func (k ServerTransactionKey) Equal(other ServerTransactionKey) bool {
	return k.Branch == other.Branch &&
		util.EqFold(k.SentBy, other.SentBy) &&
		util.EqFold(k.Method, other.Method)
}

// IsValid checks whether the key is valid.
func (k ServerTransactionKey) IsValid() bool {
	return k.Branch != "" && k.SentBy != "" && k.Method != ""
}

// IsZero checks whether the key is zero.
func (k ServerTransactionKey) IsZero() bool { return k == zeroSrvTxKey }

// LogValue returns a [slog.Value] for the key.
func (k ServerTransactionKey) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("branch", k.Branch),
		slog.String("sent_by", k.SentBy),
		slog.String("method", k.Method),
	)
}

func (k ServerTransactionKey) String() string {
	return k.Branch + "|" + util.LCase(k.SentBy) + "|" + util.UCase(k.Method)
}
