// Package ledger is the tamper-evident half of the dual write.
//
// Network is the contract a custody session talks to. Chain is the reference
// implementation: an append-only, hash-linked log of signed transactions kept
// in a content-addressed block store, where a transaction hash is the CID of
// the entry block that includes it.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Moon-Elf/ecotrace/cidutil"
)

// Contract operations, named after the custody contract's methods.
const (
	OpCreateProduct            = "createProduct"
	OpAddHarvestData           = "addHarvestData"
	OpAddManufacturingData     = "addManufacturingData"
	OpUpdateManufacturingData  = "updateManufacturingData"
	OpAddTransportationData    = "addTransportationData"
	OpUpdateTransportationData = "updateTransportationData"
	OpRecordConsumption        = "recordConsumption"
)

// Argument keys present on every custody operation.
const (
	ArgProductID   = "productId"
	ArgRecordID    = "recordId"
	ArgContentHash = "contentHash"
)

// PendingRef identifies a submitted transaction until it is included.
type PendingRef string

// Network is a ledger endpoint.
type Network interface {
	ChainID(ctx context.Context) (string, error)
	// Nonce returns the next nonce the network expects from address,
	// counting transactions that are submitted but not yet included.
	Nonce(ctx context.Context, address string) (uint64, error)
	Submit(ctx context.Context, stx SignedTransaction) (PendingRef, error)
	// Await blocks until ref is included and returns its tx hash. A reverted
	// transaction yields a *RejectedError carrying the hash.
	Await(ctx context.Context, ref PendingRef) (string, error)
	Entry(ctx context.Context, txHash string) (Entry, error)
}

type Transaction struct {
	Contract string         `json:"contract"`
	ChainID  string         `json:"chainId"`
	From     string         `json:"from"`
	Nonce    uint64         `json:"nonce"`
	Op       string         `json:"op"`
	Args     map[string]any `json:"args"`
}

// Payload is the exact byte string a signer signs.
func (t Transaction) Payload() ([]byte, error) {
	return cidutil.CanonicalJSON(t)
}

// SignedTransaction carries the signed payload verbatim so verification never
// depends on re-encoding.
type SignedTransaction struct {
	Payload   []byte `json:"payload"`
	HashAlg   string `json:"hashAlg"`
	Signature []byte `json:"signature"`
}

func (s SignedTransaction) Transaction() (Transaction, error) {
	var tx Transaction
	if err := json.Unmarshal(s.Payload, &tx); err != nil {
		return Transaction{}, fmt.Errorf("ledger: decode transaction: %w", err)
	}
	return tx, nil
}

// Ref is the pending reference of s: the CID of its canonical encoding.
func (s SignedTransaction) Ref() (PendingRef, error) {
	b, err := cidutil.CanonicalJSON(s)
	if err != nil {
		return "", err
	}
	id, err := cidutil.Sum(b)
	if err != nil {
		return "", err
	}
	return PendingRef(id.String()), nil
}

type Status string

const (
	StatusOK       Status = "ok"
	StatusReverted Status = "reverted"
)

// Entry is one block of the chain.
type Entry struct {
	Height     uint64            `json:"height"`
	Prev       string            `json:"prev,omitempty"`
	Tx         SignedTransaction `json:"tx"`
	Status     Status            `json:"status"`
	Reason     string            `json:"reason,omitempty"`
	IncludedAt int64             `json:"includedAt"`
}

// Arg returns a string argument of the included transaction.
func (e Entry) Arg(key string) (string, error) {
	tx, err := e.Tx.Transaction()
	if err != nil {
		return "", err
	}
	v, _ := tx.Args[key].(string)
	return v, nil
}
