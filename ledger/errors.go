package ledger

import (
	"context"
	"errors"
	"fmt"
)

// Reason classifies why a transaction did not confirm.
type Reason string

const (
	// UserRejected means the signer declined. Never retried automatically.
	UserRejected Reason = "UserRejected"
	Reverted     Reason = "Reverted"
	// NetworkTimeout means no inclusion was observed within the bound. The
	// transaction may still land later.
	NetworkTimeout Reason = "NetworkTimeout"
	NotConnected   Reason = "NotConnected"
)

// Retryable reports whether a caller may resubmit on its own initiative.
func (r Reason) Retryable() bool {
	return r != UserRejected
}

var (
	ErrUnknownTx    = errors.New("ledger: unknown transaction")
	ErrBadNonce     = errors.New("ledger: unexpected nonce")
	ErrBadSignature = errors.New("ledger: signature invalid")
	ErrWrongChain   = errors.New("ledger: wrong chain id")
	ErrBrokenChain  = errors.New("ledger: chain integrity violated")
)

// RejectedError is a classified ledger failure.
type RejectedError struct {
	Reason Reason
	TxHash string
	Detail string
	Err    error
}

func (e *RejectedError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := "ledger: " + string(e.Reason)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RejectedError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func Reject(reason Reason, err error) *RejectedError {
	return &RejectedError{Reason: reason, Err: err}
}

func revertf(format string, args ...any) error {
	return &RejectedError{Reason: Reverted, Detail: fmt.Sprintf(format, args...)}
}

// Classify maps any error from a Network into a Reason. Unknown transport
// failures count as NotConnected.
func Classify(err error) Reason {
	var re *RejectedError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &re):
		return re.Reason
	case errors.Is(err, context.DeadlineExceeded):
		return NetworkTimeout
	case errors.Is(err, ErrBadNonce), errors.Is(err, ErrBadSignature):
		return Reverted
	default:
		return NotConnected
	}
}

// AsRejected returns err as a *RejectedError, classifying it if needed.
func AsRejected(err error) *RejectedError {
	if err == nil {
		return nil
	}
	var re *RejectedError
	if errors.As(err, &re) {
		return re
	}
	return &RejectedError{Reason: Classify(err), Err: err}
}
