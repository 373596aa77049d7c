package model

import (
	"encoding/json"
	"time"

	"github.com/Moon-Elf/ecotrace/custody"
	"github.com/Moon-Elf/ecotrace/offchain"
	"github.com/Moon-Elf/ecotrace/schema"
)

// Envelope wraps every response body. Exactly one of Data or Error is set.
type Envelope struct {
	RequestID string      `json:"request_id,omitempty"`
	Data      any         `json:"data,omitempty"`
	Error     *CodedError `json:"error,omitempty"`
}

// StageRequest carries a stage payload. Fields are validated by the schema
// rules of the target stage, not here.
type StageRequest struct {
	ProductID string         `json:"productId,omitempty"`
	Payload   map[string]any `json:"payload"`
}

type Record struct {
	RecordID        string                `json:"recordId"`
	Kind            string                `json:"kind"`
	Payload         map[string]any        `json:"payload"`
	ContentHash     string                `json:"contentHash"`
	LedgerStatus    offchain.LedgerStatus `json:"ledgerStatus"`
	TxRef           string                `json:"txRef,omitempty"`
	LastLedgerError string                `json:"lastLedgerError,omitempty"`
	ShipmentStatus  string                `json:"shipmentStatus,omitempty"`
	Version         int64                 `json:"version"`
	CreatedAt       time.Time             `json:"createdAt"`
	UpdatedAt       time.Time             `json:"updatedAt"`
}

func RecordOf(r offchain.Record) Record {
	return Record{
		RecordID:        r.RecordID,
		Kind:            string(r.Kind),
		Payload:         r.Payload,
		ContentHash:     r.ContentHash,
		LedgerStatus:    r.LedgerStatus,
		TxRef:           r.TxRef,
		LastLedgerError: r.LastLedgerError,
		ShipmentStatus:  string(r.Shipment),
		Version:         r.Version,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

type Transition struct {
	ProductID string   `json:"productId"`
	State     string   `json:"state"`
	Record    Record   `json:"record"`
	Records   []Record `json:"records"`
	// Token is the encoded provenance token, present once confirmed.
	Token json.RawMessage `json:"token,omitempty"`
}

func TransitionOf(res custody.Result) Transition {
	t := Transition{
		ProductID: res.ProductID,
		State:     string(res.State),
		Record:    RecordOf(res.Record),
		Records:   []Record{},
	}
	for _, r := range res.Records.Records {
		t.Records = append(t.Records, RecordOf(r))
	}
	if len(res.Encoded) > 0 {
		t.Token = json.RawMessage(res.Encoded)
	}
	return t
}

type ResumeRequest struct {
	Token json.RawMessage `json:"token"`
}

type ResubmitResponse struct {
	Record Record `json:"record"`
}

type ReferenceData = schema.ReferenceData
