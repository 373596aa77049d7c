package custody

import (
	"errors"
	"fmt"

	"github.com/Moon-Elf/ecotrace/ledger"
	"github.com/Moon-Elf/ecotrace/offchain"
	"github.com/Moon-Elf/ecotrace/schema"
	"github.com/Moon-Elf/ecotrace/stage"
	"github.com/Moon-Elf/ecotrace/token"
)

// Code is a stable failure class of a custody operation.
type Code string

const (
	CodeValidationRejected   Code = "ValidationRejected"
	CodeOffchainWriteFailed  Code = "OffchainWriteFailed"
	CodeLedgerRejected       Code = "LedgerRejected"
	CodeTokenDecodeRejected  Code = "TokenDecodeRejected"
	CodeConcurrentTransition Code = "ConcurrentTransitionInProgress"
	CodeNotFound             Code = "NotFound"
)

// ErrConcurrentTransition is returned when another transition holds the
// product's lock.
var ErrConcurrentTransition = errors.New("custody: concurrent transition in progress")

// Error is the only error type custody operations return. Reason refines
// Code: a stage rejection code, a ledger.Reason or a token.Reason.
type Error struct {
	Code      Code
	Reason    string
	Retryable bool
	Message   string
	// Violations lists failed payload rules for schema rejections.
	Violations []schema.Violation
	// RecordID names the off-chain record left behind, if any.
	RecordID string
	Cause    error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := "custody: " + string(e.Code)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// CodeOf returns the custody code of err, or "" for foreign errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// ReasonOf returns the sub-reason of err, or "".
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable
}

func validationError(err error) *Error {
	e := &Error{Code: CodeValidationRejected, Cause: err}
	var se *stage.Error
	var sch *schema.Error
	switch {
	case errors.As(err, &se):
		e.Reason = se.Code
		e.Message = se.Message
		e.Cause = nil
	case errors.As(err, &sch):
		e.Reason = "SCHEMA"
		e.Violations = sch.Violations
	}
	return e
}

func invalidf(reason, format string, args ...any) *Error {
	return &Error{Code: CodeValidationRejected, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Sub-reasons of CodeOffchainWriteFailed.
const (
	ReasonStoreUnavailable = "StoreUnavailable"
	ReasonStoreConflict    = "StoreConflict"
)

func offchainError(op string, err error) *Error {
	reason := ReasonStoreUnavailable
	if errors.Is(err, offchain.ErrConflict) || errors.Is(err, offchain.ErrVersionConflict) {
		reason = ReasonStoreConflict
	}
	return &Error{Code: CodeOffchainWriteFailed, Reason: reason, Retryable: true, Message: op, Cause: err}
}

func ledgerError(recordID string, err error) *Error {
	re := ledger.AsRejected(err)
	return &Error{
		Code:      CodeLedgerRejected,
		Reason:    string(re.Reason),
		Retryable: re.Reason.Retryable(),
		RecordID:  recordID,
		Cause:     re,
	}
}

func tokenError(err error) *Error {
	e := &Error{Code: CodeTokenDecodeRejected, Cause: err}
	var de *token.DecodeError
	if errors.As(err, &de) {
		e.Reason = string(de.Reason)
		e.Retryable = de.Retryable()
	}
	return e
}

func concurrentError(productID string, cause error) *Error {
	if cause == nil {
		cause = ErrConcurrentTransition
	}
	return &Error{Code: CodeConcurrentTransition, Retryable: true, Message: "product " + productID, Cause: cause}
}
