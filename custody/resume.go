package custody

import (
	"context"
	"errors"

	"github.com/Moon-Elf/ecotrace/ledger"
	"github.com/Moon-Elf/ecotrace/offchain"
	"github.com/Moon-Elf/ecotrace/stage"
	"github.com/Moon-Elf/ecotrace/token"
)

func notFound(productID string) *Error {
	return &Error{Code: CodeNotFound, Message: "unknown product " + productID, Cause: offchain.ErrNotFound}
}

// ResubmitLedger retries the ledger half of an unconfirmed record under its
// original record id. It is the only path that retries a UserRejected record.
func (c *Coordinator) ResubmitLedger(ctx context.Context, recordID string) (offchain.Record, error) {
	rec, err := c.store.GetRecord(ctx, recordID)
	if errors.Is(err, offchain.ErrNotFound) {
		return offchain.Record{}, &Error{Code: CodeNotFound, Message: "unknown record " + recordID, Cause: err}
	}
	if err != nil {
		return offchain.Record{}, offchainError("load record", err)
	}
	if rec.LedgerStatus == offchain.LedgerConfirmed {
		return rec, nil
	}

	unlock, ok := c.tryLock(rec.ProductID)
	if !ok {
		return rec, concurrentError(rec.ProductID, nil)
	}
	defer unlock()

	// Reload under the lock so the version is current.
	if rec, err = c.store.GetRecord(ctx, recordID); err != nil {
		return offchain.Record{}, offchainError("load record", err)
	}
	if rec.LedgerStatus == offchain.LedgerConfirmed {
		return rec, nil
	}
	c.log.Info("resubmitting ledger write", "product", rec.ProductID, "record", rec.RecordID, "op", rec.LedgerOp, "last_error", rec.LastLedgerError)
	return c.anchor(ctx, rec)
}

type SweepResult struct {
	Confirmed []string `json:"confirmed"`
	Failed    []string `json:"failed"`
	// Skipped holds records whose signer declined; they wait for an
	// explicit ResubmitLedger.
	Skipped []string `json:"skipped"`
}

// ResubmitPending retries up to limit unconfirmed records, oldest first.
func (c *Coordinator) ResubmitPending(ctx context.Context, limit int) (SweepResult, error) {
	recs, err := c.store.Unconfirmed(ctx, limit)
	if err != nil {
		return SweepResult{}, offchainError("list unconfirmed", err)
	}
	var out SweepResult
	for _, rec := range recs {
		if rec.LastLedgerError == string(ledger.UserRejected) {
			out.Skipped = append(out.Skipped, rec.RecordID)
			continue
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if _, err := c.ResubmitLedger(ctx, rec.RecordID); err != nil {
			out.Failed = append(out.Failed, rec.RecordID)
			continue
		}
		out.Confirmed = append(out.Confirmed, rec.RecordID)
	}
	return out, nil
}

// RefStatus is how one token reference compares with the off-chain record
// at the same position.
type RefStatus string

const (
	RefConfirmed RefStatus = "confirmed"
	// RefPending means the record exists but is still ledger_unconfirmed.
	RefPending  RefStatus = "pending"
	RefMismatch RefStatus = "mismatch"
	RefUnknown  RefStatus = "unknown"
)

type RefCheck struct {
	TxRef    string     `json:"txRef"`
	Kind     stage.Kind `json:"kind,omitempty"`
	RecordID string     `json:"recordId,omitempty"`
	Status   RefStatus  `json:"status"`
	// OnLedger is set when the entry was fetched and its content hash
	// matched the record.
	OnLedger bool `json:"onLedger"`
}

// Reconciliation compares a presented token with the off-chain records.
// The records win: State and Current describe them, not the token.
type Reconciliation struct {
	ProductID  string             `json:"productId"`
	TokenStage stage.State        `json:"tokenStage"`
	State      stage.State        `json:"state"`
	Refs       []RefCheck         `json:"refs"`
	Stale      bool               `json:"stale"`
	Records    offchain.RecordSet `json:"records"`
	Current    token.Token        `json:"current"`
}

// Resume decodes a token handed over by the previous actor and reconciles it
// against the authoritative records.
func (c *Coordinator) Resume(ctx context.Context, data []byte) (Reconciliation, error) {
	tok, err := token.Decode(data)
	if err != nil {
		return Reconciliation{}, tokenError(err)
	}
	set, err := c.load(ctx, tok.ProductID)
	if err != nil {
		return Reconciliation{}, err
	}
	if len(set.Records) == 0 {
		return Reconciliation{}, notFound(tok.ProductID)
	}
	state, err := set.State()
	if err != nil {
		return Reconciliation{}, validationError(err)
	}

	rep := Reconciliation{ProductID: tok.ProductID, TokenStage: tok.Stage, State: state, Records: set}
	l := c.currentLedger()
	for i, ref := range tok.TxRefs {
		check := RefCheck{TxRef: ref, Status: RefUnknown}
		if i < len(set.Records) {
			rec := set.Records[i]
			check.Kind, check.RecordID = rec.Kind, rec.RecordID
			switch {
			case rec.LedgerStatus != offchain.LedgerConfirmed:
				check.Status = RefPending
			case rec.TxRef == ref:
				check.Status = RefConfirmed
			default:
				check.Status = RefMismatch
			}
			if check.Status == RefConfirmed && l != nil {
				check.OnLedger = c.onLedger(ctx, l, ref, rec)
			}
		}
		if check.Status != RefConfirmed {
			rep.Stale = true
		}
		rep.Refs = append(rep.Refs, check)
	}
	if tok.Stage != state || len(tok.TxRefs) != len(set.ConfirmedRefs()) {
		rep.Stale = true
	}
	if rep.Current, _, err = c.issue(set); err != nil {
		return rep, err
	}
	return rep, nil
}

func (c *Coordinator) onLedger(ctx context.Context, l Ledger, txHash string, rec offchain.Record) bool {
	entry, err := l.Entry(ctx, txHash)
	if err != nil {
		c.log.Debug("ledger entry unavailable", "tx", txHash, "err", err)
		return false
	}
	if entry.Status != ledger.StatusOK {
		return false
	}
	hash, err := entry.Arg(ledger.ArgContentHash)
	if err != nil {
		return false
	}
	id, _ := entry.Arg(ledger.ArgRecordID)
	return hash == rec.ContentHash && id == rec.RecordID
}

// CurrentToken issues a token for the product as its records stand now.
func (c *Coordinator) CurrentToken(ctx context.Context, productID string) (token.Token, []byte, error) {
	set, err := c.load(ctx, productID)
	if err != nil {
		return token.Token{}, nil, err
	}
	if len(set.Records) == 0 {
		return token.Token{}, nil, notFound(productID)
	}
	return c.issue(set)
}
