package sip

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync/atomic"

	"github.com/qmuntal/stateless"

	"github.com/voxlane/sipcore/internal/types"
)

// TransactionState represents a state of the transaction state machines
// defined in RFC 3261 section 17 with the additions of RFC 6026.
type TransactionState string

const (
	TransactionStateCalling    TransactionState = "calling"
	TransactionStateTrying     TransactionState = "trying"
	TransactionStateProceeding TransactionState = "proceeding"
	TransactionStateCompleted  TransactionState = "completed"
	TransactionStateAccepted   TransactionState = "accepted"
	TransactionStateConfirmed  TransactionState = "confirmed"
	TransactionStateTerminated TransactionState = "terminated"
)

// TransactionType represents one of the four transaction machine kinds.
type TransactionType string

const (
	TransactionTypeClientInvite    TransactionType = "client_invite"
	TransactionTypeClientNonInvite TransactionType = "client_non_invite"
	TransactionTypeServerInvite    TransactionType = "server_invite"
	TransactionTypeServerNonInvite TransactionType = "server_non_invite"
)

// Transaction represents a SIP transaction.
type Transaction interface {
	// Context returns the transaction context.
	// It is canceled when the transaction terminates.
	Context() context.Context
	// Type returns the transaction type.
	Type() TransactionType
	// State returns the current transaction state.
	State() TransactionState
	// Err returns the last transaction error, nil if none occurred.
	Err() error
	// OnStateChange registers a callback to be called on every state change.
	// The callback is also invoked immediately with the current state, so
	// a subscriber never races with transitions that happened before the
	// subscription.
	OnStateChange(fn TransactionStateHandler) (cancel func())
	// OnError registers a callback to be called when the transaction fails
	// with a timeout or a transport error.
	OnError(fn TransactionErrorHandler) (cancel func())
	// Terminate moves the transaction to the terminated state and releases
	// all associated resources. It is safe to call multiple times.
	Terminate()
}

type (
	TransactionStateHandler = func(ctx context.Context, tx Transaction, state TransactionState)
	TransactionErrorHandler = func(ctx context.Context, tx Transaction, err error)
)

const (
	txEvtTerminate = "terminate"
	txEvtTranspErr = "transport_err"
)

type transactImpl interface {
	Transaction
}

const transactCtxKey types.ContextKey = "transaction"

// TransactionFromContext returns the transaction bound to the context.
func TransactionFromContext(ctx context.Context) (Transaction, bool) {
	tx, ok := ctx.Value(transactCtxKey).(Transaction)
	return tx, ok
}

type baseTransact struct {
	typ    TransactionType
	impl   transactImpl
	fsm    *stateless.StateMachine
	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger

	lastErr atomic.Pointer[error]

	onState     types.CallbackManager[TransactionStateHandler]
	onErr       types.CallbackManager[TransactionErrorHandler]
	pendingErrs types.Deque[error]
}

func newBaseTransact(
	ctx context.Context,
	typ TransactionType,
	impl transactImpl,
	logger *slog.Logger,
) *baseTransact {
	ctx, cancel := context.WithCancel(context.WithValue(ctx, transactCtxKey, impl))
	return &baseTransact{
		typ:    typ,
		impl:   impl,
		ctx:    ctx,
		cancel: cancel,
		log:    logger,
	}
}

func (tx *baseTransact) initFSM(start TransactionState) error {
	fsm := stateless.NewStateMachineWithMode(start, stateless.FiringQueued)
	fsm.SetTriggerParameters(txEvtTranspErr, reflect.TypeOf((*error)(nil)).Elem())
	fsm.OnTransitioned(func(ctx context.Context, t stateless.Transition) {
		tx.passState(ctx, t.Destination.(TransactionState)) //nolint:forcetypeassert
	})
	tx.fsm = fsm
	return nil
}

// Context returns the transaction context.
func (tx *baseTransact) Context() context.Context { return tx.ctx }

// Type returns the transaction type.
func (tx *baseTransact) Type() TransactionType { return tx.typ }

// State returns the current transaction state.
func (tx *baseTransact) State() TransactionState {
	return tx.fsm.MustState().(TransactionState) //nolint:forcetypeassert
}

// Err returns the last transaction error, nil if none occurred.
func (tx *baseTransact) Err() error {
	if e := tx.lastErr.Load(); e != nil {
		return *e
	}
	return nil
}

// Terminate moves the transaction to the terminated state.
func (tx *baseTransact) Terminate() {
	if err := tx.fsm.FireCtx(tx.ctx, txEvtTerminate); err != nil {
		panic(fmt.Errorf("fire %q in state %q: %w", txEvtTerminate, tx.State(), err))
	}
}

// OnStateChange registers a callback to be called on every state change.
//
// The callback is invoked immediately with the current state before any
// further transitions are delivered.
// The callback can be canceled by calling the returned cancel function.
// Multiple callbacks can be registered.
func (tx *baseTransact) OnStateChange(fn TransactionStateHandler) (cancel func()) {
	cancel = tx.onState.Add(fn)
	fn(tx.ctx, tx.impl, tx.State())
	return cancel
}

func (tx *baseTransact) passState(ctx context.Context, state TransactionState) {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction state changed",
		slog.Any("transaction", tx.impl), slog.Any("state", state))

	for fn := range tx.onState.All() {
		fn(ctx, tx.impl, state)
	}
}

// OnError registers a callback to be called when the transaction fails.
//
// Errors that occurred before the subscription are delivered on subscribe.
// The callback can be canceled by calling the returned cancel function.
// Multiple callbacks can be registered.
func (tx *baseTransact) OnError(fn TransactionErrorHandler) (cancel func()) {
	cancel = tx.onErr.Add(fn)
	tx.deliverPendingErrs()
	return cancel
}

func (tx *baseTransact) passErr(ctx context.Context, err error) {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction error",
		slog.Any("transaction", tx.impl), slog.Any("error", err))

	tx.lastErr.Store(&err)
	tx.pendingErrs.Append(err)
	if tx.onErr.Len() > 0 {
		tx.deliverPendingErrs()
	}
}

func (tx *baseTransact) deliverPendingErrs() {
	errs := tx.pendingErrs.Drain()
	if len(errs) == 0 {
		return
	}

	for fn := range tx.onErr.All() {
		for _, err := range errs {
			fn(tx.ctx, tx.impl, err)
		}
	}
}

//nolint:unparam
func (tx *baseTransact) actTerminated(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction terminated", slog.Any("transaction", tx.impl))

	tx.cancel()
	return nil
}

func (tx *baseTransact) actTimedOut(ctx context.Context, _ ...any) error {
	tx.passErr(ctx, ErrTransactionTimedOut)
	return nil
}

func (tx *baseTransact) actTranspErr(ctx context.Context, args ...any) error {
	err := args[0].(error) //nolint:forcetypeassert
	tx.passErr(ctx, err)
	return nil
}

func (tx *baseTransact) actNoop(context.Context, ...any) error { return nil }
