package sip

import (
	"github.com/voxlane/sipcore/internal/errorutil"
)

// Common errors.
const (
	ErrInvalidArgument        = errorutil.ErrInvalidArgument
	ErrActionNotAllowed Error = "action not allowed"
)

// Transaction errors.
const (
	ErrTransactionNotFound   Error = "transaction not found"
	ErrTransactionNotMatched Error = "transaction not matched"
	ErrTransactionTimedOut   Error = "transaction timed out"
	ErrTransactionTerminated Error = "transaction terminated"
)

// Dialog errors.
const (
	ErrDialogNotFound  Error = "dialog not found"
	ErrDialogClosed    Error = "dialog closed"
	ErrOfferPending    Error = "offer pending"
	ErrAnswerMissing   Error = "answer missing"
	ErrReinvitePending Error = "re-invite pending"
	ErrEventMismatch   Error = "event mismatch"
	ErrStaleSequence   Error = "stale sequence number"
)

// Message errors.
const (
	ErrInvalidMessage    Error = "invalid message"
	ErrMethodNotAllowed  Error = "request method not allowed"
	ErrMessageNotMatched Error = "message not matched"
	ErrMergedRequest     Error = "merged request"

	errMissHdrs Error = "missing mandatory headers"
)

// Auth errors.
const (
	ErrNoCredentials Error = "no credentials"
	ErrAuthFailed    Error = "authentication failed"
)

// ErrTransportFailure is the sentinel wrapped by [NewTransportError].
const ErrTransportFailure Error = "transport failure"

// NewTransportError creates a new error with [ErrTransportFailure] or
// wraps the provided error with [ErrTransportFailure].
func NewTransportError(args ...any) error {
	return errorutil.NewWrapperError(ErrTransportFailure, args...) //errtrace:skip
}

// Error represents a SIP error.
// See [errorutil.Error].
type Error = errorutil.Error

// NewInvalidArgumentError creates a new error with [ErrInvalidArgument] or
// wraps provided error with [ErrInvalidArgument].
func NewInvalidArgumentError(args ...any) error {
	return errorutil.NewInvalidArgumentError(args...) //errtrace:skip
}
