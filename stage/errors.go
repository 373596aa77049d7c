package stage

import (
	"errors"
	"fmt"
)

// Stable rejection codes.
const (
	CodeUnknown         = "STAGE-UNKNOWN"
	CodeSkip            = "STAGE-SKIP"
	CodeBackward        = "STAGE-BACKWARD"
	CodeExists          = "STAGE-EXISTS"
	CodeTerminal        = "STAGE-TERMINAL"
	CodeNoHarvest       = "STAGE-NO-HARVEST"
	CodeNoShipment      = "STAGE-NO-SHIPMENT"
	CodeShipmentExists  = "STAGE-SHIPMENT-EXISTS"
	CodeShipmentFinal   = "STAGE-SHIPMENT-FINAL"
	CodeAmendmentClosed = "STAGE-AMEND-CLOSED"
	CodeOutOfOrder      = "STAGE-OUT-OF-ORDER"

	// The previous stage's record has not been confirmed on the ledger.
	CodePredecessorUnconfirmed = "STAGE-PREDECESSOR-UNCONFIRMED"
	// The record being updated was never anchored under its record id.
	CodeRecordUnanchored = "STAGE-RECORD-UNANCHORED"
)

// Error is a rejected transition. Message is for humans; branch on Code.
type Error struct {
	Code      string
	Current   State
	Requested State
	Message   string
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func reject(code string, current, requested State, format string, args ...any) error {
	return &Error{Code: code, Current: current, Requested: requested, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the rejection code of err, or "" if err is not a *Error.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
