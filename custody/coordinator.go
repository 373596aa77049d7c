// Package custody coordinates the dual write of a custody stage: the
// off-chain record is written first and is authoritative, then the ledger
// mirrors it.
//
// A ledger failure never rolls the off-chain write back. The record stays
// ledger_unconfirmed with the failure reason attached and can be resubmitted
// later under the same correlation key.
package custody

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Moon-Elf/ecotrace/cidutil"
	"github.com/Moon-Elf/ecotrace/ledger"
	"github.com/Moon-Elf/ecotrace/offchain"
	"github.com/Moon-Elf/ecotrace/schema"
	"github.com/Moon-Elf/ecotrace/stage"
	"github.com/Moon-Elf/ecotrace/token"
)

// Ledger is the part of a session.Session the coordinator needs.
type Ledger interface {
	Submit(ctx context.Context, op string, args map[string]any) (ledger.PendingRef, error)
	AwaitConfirmation(ctx context.Context, ref ledger.PendingRef, timeout time.Duration) (string, error)
	Entry(ctx context.Context, txHash string) (ledger.Entry, error)
}

type Options struct {
	Store  offchain.Store
	Ledger Ledger
	// Schema defaults to the built-in rules with no reference data.
	Schema *schema.Checker
	// ConfirmTimeout is passed to AwaitConfirmation. Zero defers to the
	// session's configured bound.
	ConfirmTimeout time.Duration
	Carbon         CarbonFactors
	Logger         *slog.Logger
}

type Coordinator struct {
	store   offchain.Store
	schema  *schema.Checker
	timeout time.Duration
	carbon  CarbonFactors
	log     *slog.Logger

	ledgerMu sync.RWMutex
	ledger   Ledger

	mu   sync.Mutex
	busy map[string]struct{}
}

func New(opts Options) (*Coordinator, error) {
	if opts.Store == nil {
		return nil, errors.New("custody: store is required")
	}
	if opts.Schema == nil {
		c, err := schema.New(schema.ReferenceData{}, nil)
		if err != nil {
			return nil, err
		}
		opts.Schema = c
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{
		store:   opts.Store,
		schema:  opts.Schema,
		timeout: opts.ConfirmTimeout,
		carbon:  opts.Carbon.withDefaults(),
		log:     opts.Logger,
		ledger:  opts.Ledger,
		busy:    map[string]struct{}{},
	}, nil
}

// Bind replaces the ledger binding, typically with a freshly connected
// session after the previous one was invalidated.
func (c *Coordinator) Bind(l Ledger) {
	c.ledgerMu.Lock()
	c.ledger = l
	c.ledgerMu.Unlock()
}

func (c *Coordinator) currentLedger() Ledger {
	c.ledgerMu.RLock()
	defer c.ledgerMu.RUnlock()
	return c.ledger
}

// tryLock claims productID without waiting.
func (c *Coordinator) tryLock(productID string) (func(), bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, held := c.busy[productID]; held {
		return nil, false
	}
	c.busy[productID] = struct{}{}
	return func() {
		c.mu.Lock()
		delete(c.busy, productID)
		c.mu.Unlock()
	}, true
}

// Request asks for one stage transition. For a create, Payload is the full
// stage payload; for an amendment or a shipment update it is merged over the
// stored payload.
type Request struct {
	ProductID string
	Target    stage.State
	Payload   map[string]any
	// Amend updates the record of Target's own stage instead of advancing.
	Amend bool
}

type Result struct {
	ProductID string
	State     stage.State
	Record    offchain.Record
	Records   offchain.RecordSet
	// Token and Encoded are set only once the ledger has confirmed.
	Token   token.Token
	Encoded []byte
}

type plan struct {
	kind     stage.Kind
	op       string
	payload  map[string]any
	shipment stage.ShipmentStatus
	existing *offchain.Record
}

// ApplyTransition validates, writes off-chain, then anchors on the ledger.
// On a ledger failure the returned Result still carries the record that was
// written.
func (c *Coordinator) ApplyTransition(ctx context.Context, req Request) (Result, error) {
	productID := req.ProductID
	if productID == "" {
		if req.Target != stage.Harvested || req.Amend {
			return Result{}, invalidf("MISSING-PRODUCT", "product id is required")
		}
		productID = uuid.NewString()
	} else if _, err := uuid.Parse(productID); err != nil {
		return Result{}, invalidf("BAD-PRODUCT-ID", "product id %q is not a uuid", productID)
	}

	unlock, ok := c.tryLock(productID)
	if !ok {
		return Result{}, concurrentError(productID, nil)
	}
	defer unlock()

	set, err := c.load(ctx, productID)
	if err != nil {
		return Result{}, err
	}
	current, err := set.State()
	if err != nil {
		return Result{}, validationError(err)
	}
	p, err := c.plan(productID, current, set, req)
	if err != nil {
		return Result{}, err
	}
	if err := c.schema.Check(p.kind, p.payload); err != nil {
		return Result{}, validationError(err)
	}
	hash, err := cidutil.ContentHash(p.payload)
	if err != nil {
		return Result{}, invalidf("SCHEMA", "payload is not encodable: %v", err)
	}

	rec, err := c.write(ctx, productID, p, hash)
	if err != nil {
		return Result{}, err
	}
	log := c.log.With("product", productID, "record", rec.RecordID, "kind", p.kind, "op", p.op)
	log.Info("off-chain record written", "content_hash", hash)

	rec, lerr := c.anchor(ctx, rec)
	res := Result{ProductID: productID, Record: rec}
	set, err = c.load(context.WithoutCancel(ctx), productID)
	if err == nil {
		res.Records = set
		res.State, err = set.State()
	}
	if lerr != nil {
		return res, lerr
	}
	if err != nil {
		return res, err
	}
	if res.Token, res.Encoded, err = c.issue(res.Records); err != nil {
		return res, err
	}
	log.Info("transition confirmed", "state", res.State, "tx", rec.TxRef)
	return res, nil
}

func (c *Coordinator) load(ctx context.Context, productID string) (offchain.RecordSet, error) {
	set, err := c.store.Get(ctx, productID)
	if errors.Is(err, offchain.ErrNotFound) {
		return offchain.RecordSet{ProductID: productID}, nil
	}
	if err != nil {
		return offchain.RecordSet{}, offchainError("load records", err)
	}
	return set, nil
}

// plan decides what the request writes without writing anything.
func (c *Coordinator) plan(productID string, current stage.State, set offchain.RecordSet, req Request) (plan, error) {
	if !req.Target.Valid() || req.Target == stage.None {
		return plan{}, invalidf(stage.CodeUnknown, "unknown target state %q", req.Target)
	}
	kind := stage.KindOf(req.Target)

	if req.Amend {
		if err := stage.ValidateAmendment(current, kind); err != nil {
			return plan{}, validationError(err)
		}
		existing, _ := set.Get(kind)
		if err := requireAnchored(existing); err != nil {
			return plan{}, err
		}
		payload := merge(existing.Payload, req.Payload)
		payload["harvestId"] = productID
		return plan{kind: kind, op: ledger.OpUpdateManufacturingData, payload: payload, existing: &existing}, nil
	}

	shipment, hasShipment := set.Get(stage.KindTransportation)
	if err := stage.ValidateTransition(current, req.Target, hasShipment); err != nil {
		return plan{}, validationError(err)
	}

	if kind == stage.KindTransportation && hasShipment {
		if err := requireAnchored(shipment); err != nil {
			return plan{}, err
		}
		payload := merge(shipment.Payload, req.Payload)
		next := shipment.Shipment
		if s, ok := req.Payload["status"].(string); ok {
			next = stage.ShipmentStatus(s)
		} else if req.Target == stage.Delivered {
			next = stage.ShipmentDelivered
		}
		if next.StateFor() != req.Target {
			return plan{}, invalidf(stage.CodeUnknown, "shipment status %q does not match target %s", next, req.Target)
		}
		if next != shipment.Shipment {
			if err := stage.ValidateShipmentUpdate(shipment.Shipment, next); err != nil {
				return plan{}, validationError(err)
			}
		}
		payload["status"] = string(next)
		return plan{kind: kind, op: ledger.OpUpdateTransportationData, payload: payload, shipment: next, existing: &shipment}, nil
	}

	if err := requireConfirmedPredecessor(set, kind); err != nil {
		return plan{}, err
	}
	payload := merge(nil, req.Payload)
	p := plan{kind: kind, payload: payload}
	switch kind {
	case stage.KindHarvest:
		p.op = ledger.OpCreateProduct
	case stage.KindManufacturing:
		p.op = ledger.OpAddManufacturingData
		payload["harvestId"] = productID
	case stage.KindTransportation:
		p.op = ledger.OpAddTransportationData
		status := stage.ShipmentInitiated
		if s, ok := payload["status"].(string); ok && s != "" {
			status = stage.ShipmentStatus(s)
		}
		if status != stage.ShipmentInitiated {
			return plan{}, invalidf(stage.CodeSkip, "a new shipment starts %s, not %q", stage.ShipmentInitiated, status)
		}
		payload["status"] = string(status)
		p.shipment = status
	case stage.KindConsumer:
		p.op = ledger.OpRecordConsumption
	}
	return p, nil
}

// requireConfirmedPredecessor rejects a new record whose previous stage is
// not yet on the ledger, so every ledger entry references a confirmed one.
func requireConfirmedPredecessor(set offchain.RecordSet, kind stage.Kind) *Error {
	i := kind.Order()
	if i <= 0 {
		return nil
	}
	prev, ok := set.Get(stage.Kinds[i-1])
	if !ok || prev.LedgerStatus == offchain.LedgerConfirmed {
		return nil
	}
	e := invalidf(stage.CodePredecessorUnconfirmed,
		"%s record %s is not confirmed on the ledger; resubmit it first", prev.Kind, prev.RecordID)
	e.RecordID = prev.RecordID
	return e
}

// requireAnchored rejects updating a record whose create operation never
// confirmed: the ledger has no entry for its record id to update.
func requireAnchored(rec offchain.Record) *Error {
	if rec.LedgerStatus == offchain.LedgerConfirmed || !ledger.IsCreateOp(rec.LedgerOp) {
		return nil
	}
	e := invalidf(stage.CodeRecordUnanchored,
		"%s record %s was never confirmed on the ledger; resubmit it first", rec.Kind, rec.RecordID)
	e.RecordID = rec.RecordID
	return e
}

// write performs the off-chain half. Nothing reaches the ledger if it fails.
func (c *Coordinator) write(ctx context.Context, productID string, p plan, hash string) (offchain.Record, error) {
	if p.existing == nil {
		id, err := c.store.Create(ctx, offchain.Record{
			ProductID:    productID,
			Kind:         p.kind,
			Payload:      p.payload,
			ContentHash:  hash,
			LedgerStatus: offchain.LedgerUnconfirmed,
			LedgerOp:     p.op,
			Shipment:     p.shipment,
		})
		if err != nil {
			return offchain.Record{}, offchainError("create record", err)
		}
		rec, err := c.store.GetRecord(ctx, id)
		if err != nil {
			e := offchainError("reload record", err)
			e.RecordID = id
			return offchain.Record{}, e
		}
		return rec, nil
	}

	patch := offchain.Patch{
		Version:      p.existing.Version,
		Payload:      p.payload,
		ContentHash:  offchain.Ptr(hash),
		LedgerStatus: offchain.Ptr(offchain.LedgerUnconfirmed),
		LedgerOp:     offchain.Ptr(p.op),
		TxRef:        offchain.Ptr(""),
	}
	if p.shipment != "" {
		patch.Shipment = offchain.Ptr(p.shipment)
	}
	rec, err := c.store.Update(ctx, p.existing.RecordID, patch)
	if err != nil {
		return offchain.Record{}, offchainError("update record", err)
	}
	return rec, nil
}

// anchor submits rec's ledger operation and records the outcome on rec.
func (c *Coordinator) anchor(ctx context.Context, rec offchain.Record) (offchain.Record, error) {
	log := c.log.With("product", rec.ProductID, "record", rec.RecordID, "op", rec.LedgerOp)
	l := c.currentLedger()
	if l == nil {
		err := ledgerError(rec.RecordID, ledger.Reject(ledger.NotConnected, errors.New("no ledger session")))
		return c.markFailed(ctx, rec, err, log)
	}
	args, err := ledgerArgs(rec)
	if err != nil {
		return rec, invalidf("SCHEMA", "%v", err)
	}

	ref, err := l.Submit(ctx, rec.LedgerOp, args)
	var txHash string
	if err == nil {
		log.Debug("ledger transaction submitted", "ref", ref)
		txHash, err = l.AwaitConfirmation(ctx, ref, c.timeout)
	}
	if err != nil {
		return c.markFailed(ctx, rec, ledgerError(rec.RecordID, err), log)
	}

	updated, err := c.store.Update(context.WithoutCancel(ctx), rec.RecordID, offchain.Patch{
		Version:         rec.Version,
		LedgerStatus:    offchain.Ptr(offchain.LedgerConfirmed),
		TxRef:           offchain.Ptr(txHash),
		LastLedgerError: offchain.Ptr(""),
	})
	if err != nil {
		// The ledger holds the fact; a resubmission replays idempotently.
		log.Error("confirmed on ledger but record not marked", "tx", txHash, "err", err)
		e := offchainError("mark confirmed", err)
		e.RecordID = rec.RecordID
		return rec, e
	}
	return updated, nil
}

func (c *Coordinator) markFailed(ctx context.Context, rec offchain.Record, lerr *Error, log *slog.Logger) (offchain.Record, error) {
	log.Warn("ledger write failed; record left unconfirmed", "reason", lerr.Reason, "err", lerr.Cause)
	updated, err := c.store.Update(context.WithoutCancel(ctx), rec.RecordID, offchain.Patch{
		Version:         rec.Version,
		LastLedgerError: offchain.Ptr(lerr.Reason),
	})
	if err != nil {
		log.Error("could not record ledger failure", "err", err)
		return rec, lerr
	}
	return updated, lerr
}

// issue builds the token for the product's current state.
func (c *Coordinator) issue(set offchain.RecordSet) (token.Token, []byte, error) {
	state, err := set.State()
	if err != nil {
		return token.Token{}, nil, validationError(err)
	}
	rec, ok := set.Get(stage.KindOf(state))
	if !ok {
		return token.Token{}, nil, fmt.Errorf("custody: no record for state %s", state)
	}
	tok := token.ForRecord(set.ProductID, state, rec.Payload, set.ConfirmedRefs())
	b, err := token.Encode(tok)
	if err != nil {
		return token.Token{}, nil, fmt.Errorf("custody: encode token: %w", err)
	}
	return tok, b, nil
}

// merge returns a copy of base with patch applied on top.
func merge(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}
