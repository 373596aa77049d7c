// Package offchain is the authoritative record store of the dual write.
//
// A product owns at most one record per stage kind. Records are never
// deleted; updates are guarded by an optimistic version number.
package offchain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Moon-Elf/ecotrace/stage"
)

var (
	ErrNotFound = errors.New("offchain: not found")
	// ErrConflict means the product already has a record of that kind.
	ErrConflict        = errors.New("offchain: record already exists")
	ErrVersionConflict = errors.New("offchain: version conflict")
)

type LedgerStatus string

const (
	LedgerUnconfirmed LedgerStatus = "ledger_unconfirmed"
	LedgerConfirmed   LedgerStatus = "confirmed"
)

type Record struct {
	RecordID    string         `json:"recordId"`
	ProductID   string         `json:"productId"`
	Kind        stage.Kind     `json:"kind"`
	Payload     map[string]any `json:"payload"`
	ContentHash string         `json:"contentHash"`

	LedgerStatus LedgerStatus `json:"ledgerStatus"`
	// LedgerOp is the contract operation that anchors the current content.
	LedgerOp string `json:"ledgerOp,omitempty"`
	TxRef    string `json:"txRef,omitempty"`
	// LastLedgerError is the reason code of the latest failed ledger attempt.
	LastLedgerError string `json:"lastLedgerError,omitempty"`

	Shipment stage.ShipmentStatus `json:"shipmentStatus,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Patch changes selected fields of a record. Version must equal the stored
// version or Update fails with ErrVersionConflict.
type Patch struct {
	Version int64

	Payload         map[string]any
	ContentHash     *string
	LedgerStatus    *LedgerStatus
	LedgerOp        *string
	TxRef           *string
	LastLedgerError *string
	Shipment        *stage.ShipmentStatus
}

func (p Patch) apply(r *Record) {
	if p.Payload != nil {
		r.Payload = p.Payload
	}
	if p.ContentHash != nil {
		r.ContentHash = *p.ContentHash
	}
	if p.LedgerStatus != nil {
		r.LedgerStatus = *p.LedgerStatus
	}
	if p.LedgerOp != nil {
		r.LedgerOp = *p.LedgerOp
	}
	if p.TxRef != nil {
		r.TxRef = *p.TxRef
	}
	if p.LastLedgerError != nil {
		r.LastLedgerError = *p.LastLedgerError
	}
	if p.Shipment != nil {
		r.Shipment = *p.Shipment
	}
}

// Ptr is shorthand for building patches.
func Ptr[T any](v T) *T { return &v }

// RecordSet is every record of one product, in custody order.
type RecordSet struct {
	ProductID string   `json:"productId"`
	Records   []Record `json:"records"`
}

func newRecordSet(productID string, recs []Record) RecordSet {
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Kind.Order() < recs[j].Kind.Order() })
	return RecordSet{ProductID: productID, Records: recs}
}

func (s RecordSet) Get(kind stage.Kind) (Record, bool) {
	for _, r := range s.Records {
		if r.Kind == kind {
			return r, true
		}
	}
	return Record{}, false
}

func (s RecordSet) Kinds() []stage.Kind {
	out := make([]stage.Kind, 0, len(s.Records))
	for _, r := range s.Records {
		out = append(out, r.Kind)
	}
	return out
}

// State derives the product's custody state from its records.
func (s RecordSet) State() (stage.State, error) {
	var shipment stage.ShipmentStatus
	if r, ok := s.Get(stage.KindTransportation); ok {
		shipment = r.Shipment
	}
	return stage.StateOf(s.Kinds(), shipment)
}

// ConfirmedRefs returns the tx hashes of confirmed records in custody order.
// It stops at the first unconfirmed record so the list is always a prefix.
func (s RecordSet) ConfirmedRefs() []string {
	refs := []string{}
	for _, r := range s.Records {
		if r.LedgerStatus != LedgerConfirmed || r.TxRef == "" {
			break
		}
		refs = append(refs, r.TxRef)
	}
	return refs
}

type Store interface {
	// Create stores rec and returns its assigned record id.
	Create(ctx context.Context, rec Record) (string, error)
	// Get returns every record of a product, or ErrNotFound.
	Get(ctx context.Context, productID string) (RecordSet, error)
	GetRecord(ctx context.Context, recordID string) (Record, error)
	Update(ctx context.Context, recordID string, p Patch) (Record, error)
	// Unconfirmed lists records still waiting for the ledger, oldest first.
	Unconfirmed(ctx context.Context, limit int) ([]Record, error)
}

func checkNew(rec Record) error {
	if rec.ProductID == "" {
		return fmt.Errorf("offchain: product id is required")
	}
	if !rec.Kind.Valid() {
		return fmt.Errorf("offchain: invalid record kind %q", rec.Kind)
	}
	return nil
}

func encodePayload(p map[string]any) ([]byte, error) {
	if p == nil {
		p = map[string]any{}
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("offchain: encode payload: %w", err)
	}
	return b, nil
}

func decodePayload(b []byte) (map[string]any, error) {
	out := map[string]any{}
	if len(bytes.TrimSpace(b)) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("offchain: decode payload: %w", err)
	}
	return out, nil
}
