package model

import (
	"errors"
	"fmt"

	"github.com/Moon-Elf/ecotrace/custody"
	"github.com/Moon-Elf/ecotrace/schema"
	"github.com/Moon-Elf/ecotrace/token"
)

type ErrorCode string

const (
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrNotFound       ErrorCode = "NOT_FOUND"
	ErrInternal       ErrorCode = "INTERNAL"

	ErrValidationRejected   ErrorCode = ErrorCode(custody.CodeValidationRejected)
	ErrOffchainWriteFailed  ErrorCode = ErrorCode(custody.CodeOffchainWriteFailed)
	ErrLedgerRejected       ErrorCode = ErrorCode(custody.CodeLedgerRejected)
	ErrTokenDecodeRejected  ErrorCode = ErrorCode(custody.CodeTokenDecodeRejected)
	ErrConcurrentTransition ErrorCode = ErrorCode(custody.CodeConcurrentTransition)
)

// CodedError is a stable error with a machine-readable code and a human message.
type CodedError struct {
	Code       ErrorCode          `json:"code"`
	Reason     string             `json:"reason,omitempty"`
	Retryable  bool               `json:"retryable"`
	Message    string             `json:"message"`
	RecordID   string             `json:"recordId,omitempty"`
	Violations []schema.Violation `json:"violations,omitempty"`
}

func (e *CodedError) Error() string {
	if e == nil {
		return ""
	}
	if e.Reason != "" {
		return fmt.Sprintf("%s(%s): %s", e.Code, e.Reason, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewError(code ErrorCode, message string) *CodedError {
	return &CodedError{Code: code, Message: message}
}

// FromError projects err onto the wire. Errors that are neither custody nor
// token errors become INTERNAL.
func FromError(err error) *CodedError {
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce
	}
	var e *custody.Error
	if !errors.As(err, &e) {
		var de *token.DecodeError
		if errors.As(err, &de) {
			return &CodedError{Code: ErrTokenDecodeRejected, Reason: string(de.Reason), Retryable: de.Retryable(), Message: de.Error()}
		}
		return NewError(ErrInternal, err.Error())
	}
	code := ErrorCode(e.Code)
	if e.Code == custody.CodeNotFound {
		code = ErrNotFound
	}
	return &CodedError{
		Code:       code,
		Reason:     e.Reason,
		Retryable:  e.Retryable,
		Message:    e.Error(),
		RecordID:   e.RecordID,
		Violations: e.Violations,
	}
}
