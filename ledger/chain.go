package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ipfs/go-cid"

	"github.com/Moon-Elf/ecotrace/cidutil"
	"github.com/Moon-Elf/ecotrace/keys"
	"github.com/Moon-Elf/ecotrace/storage"
)

type Options struct {
	ChainID string
	// Contracts lists deployed custody contract addresses. Transactions to
	// any other address revert.
	Contracts []string
	// HeadFile persists the head CID so the chain survives restarts. Empty
	// keeps the head in memory only.
	HeadFile string
	// InclusionDelay postpones inclusion of submitted transactions. Zero
	// includes them before Submit returns.
	InclusionDelay time.Duration
	// Retention is how long a settled transaction stays awaitable by its
	// pending ref. Zero means DefaultRetention.
	Retention time.Duration
	Logger    *slog.Logger
	Now       func() time.Time
}

// DefaultRetention bounds how long settled refs are kept for Await.
const DefaultRetention = 10 * time.Minute

type pendingTx struct {
	ref  PendingRef
	stx  SignedTransaction
	tx   Transaction
	done chan struct{}
	hash string
	err  error
	// settledAt is set once done is closed.
	settledAt time.Time
}

// Chain is the reference Network.
type Chain struct {
	opts Options
	cas  storage.CAS
	log  *slog.Logger

	mu        sync.Mutex
	head      cid.Cid
	height    uint64
	nonces    map[string]uint64 // next expected, including pending
	confirmed map[string]uint64 // next expected, included only
	contracts map[string]*custodyContract
	pending   []*pendingTx
	txs       map[PendingRef]*pendingTx
	settled   []*pendingTx // in settlement order, for eviction
	timer     *time.Timer
	closed    bool
}

var _ Network = (*Chain)(nil)

// Open loads the chain whose head is recorded in opts.HeadFile (if any) and
// replays it to rebuild nonces and contract state.
func Open(cas storage.CAS, opts Options) (*Chain, error) {
	if cas == nil {
		return nil, errors.New("ledger: nil block store")
	}
	if opts.ChainID == "" {
		return nil, errors.New("ledger: chain id is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	c := &Chain{
		opts:      opts,
		cas:       cas,
		log:       opts.Logger.With("component", "ledger", "chain_id", opts.ChainID),
		nonces:    map[string]uint64{},
		confirmed: map[string]uint64{},
		contracts: map[string]*custodyContract{},
		txs:       map[PendingRef]*pendingTx{},
	}
	for _, addr := range opts.Contracts {
		c.contracts[addr] = newCustodyContract()
	}

	head, err := c.readHead()
	if err != nil {
		return nil, err
	}
	if !head.Defined() {
		return c, nil
	}
	entries, err := walk(cas, head)
	if err != nil {
		return nil, err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if err := c.replay(entries[i]); err != nil {
			return nil, err
		}
	}
	c.head = head
	c.height = uint64(len(entries))
	c.log.Info("chain loaded", "head", head.String(), "height", c.height)
	return c, nil
}

func (c *Chain) replay(e Entry) error {
	tx, err := e.Tx.Transaction()
	if err != nil {
		return err
	}
	if tx.Nonce != c.confirmed[tx.From] {
		return fmt.Errorf("%w: height %d nonce %d", ErrBrokenChain, e.Height, tx.Nonce)
	}
	c.confirmed[tx.From]++
	c.nonces[tx.From] = c.confirmed[tx.From]
	if e.Status != StatusOK {
		return nil
	}
	ct, ok := c.contracts[tx.Contract]
	if !ok {
		return fmt.Errorf("%w: height %d targets undeployed contract %s", ErrBrokenChain, e.Height, tx.Contract)
	}
	commit, err := ct.apply(tx)
	if err != nil {
		return fmt.Errorf("%w: height %d no longer applies: %v", ErrBrokenChain, e.Height, err)
	}
	if commit != nil {
		commit()
	}
	return nil
}

func (c *Chain) ChainID(ctx context.Context) (string, error) {
	return c.opts.ChainID, ctx.Err()
}

func (c *Chain) Nonce(ctx context.Context, address string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonces[address], nil
}

// Head returns the tx hash of the latest entry and the chain height.
func (c *Chain) Head() (string, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.head.Defined() {
		return "", 0
	}
	return c.head.String(), c.height
}

func (c *Chain) Submit(ctx context.Context, stx SignedTransaction) (PendingRef, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	tx, err := stx.Transaction()
	if err != nil {
		return "", err
	}
	if tx.ChainID != c.opts.ChainID {
		return "", fmt.Errorf("%w: got %q", ErrWrongChain, tx.ChainID)
	}
	if err := keys.Verify(tx.From, stx.HashAlg, stx.Payload, stx.Signature); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	ref, err := stx.Ref()
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", errors.New("ledger: chain closed")
	}
	c.evictLocked()
	if _, dup := c.txs[ref]; dup {
		return ref, nil
	}
	if want := c.nonces[tx.From]; tx.Nonce != want {
		return "", fmt.Errorf("%w: got %d want %d", ErrBadNonce, tx.Nonce, want)
	}
	c.nonces[tx.From]++

	p := &pendingTx{ref: ref, stx: stx, tx: tx, done: make(chan struct{})}
	c.pending = append(c.pending, p)
	c.txs[ref] = p
	c.log.Debug("transaction submitted", "ref", string(ref), "op", tx.Op, "from", tx.From, "nonce", tx.Nonce)

	if c.opts.InclusionDelay <= 0 {
		c.includeLocked()
	} else if c.timer == nil {
		c.timer = time.AfterFunc(c.opts.InclusionDelay, c.include)
	}
	return ref, nil
}

func (c *Chain) include() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timer = nil
	c.includeLocked()
}

// includeLocked appends every pending transaction in submission order.
func (c *Chain) includeLocked() {
	batch := c.pending
	c.pending = nil
	for i, p := range batch {
		entry := Entry{
			Height:     c.height + 1,
			Tx:         p.stx,
			Status:     StatusOK,
			IncludedAt: c.opts.Now().UTC().UnixMilli(),
		}
		if c.head.Defined() {
			entry.Prev = c.head.String()
		}

		var commit func()
		ct, ok := c.contracts[p.tx.Contract]
		if !ok {
			entry.Status, entry.Reason = StatusReverted, "no contract at "+p.tx.Contract
		} else if fn, err := ct.apply(p.tx); err != nil {
			entry.Status, entry.Reason = StatusReverted, AsRejected(err).Detail
		} else {
			commit = fn
		}

		id, err := c.appendLocked(entry)
		if err != nil {
			c.log.Error("append failed", "ref", string(p.ref), "err", err)
			c.failLocked(batch[i:], err)
			return
		}
		if commit != nil {
			commit()
		}
		c.confirmed[p.tx.From]++
		p.hash = id.String()
		if entry.Status == StatusReverted {
			p.err = &RejectedError{Reason: Reverted, TxHash: p.hash, Detail: entry.Reason}
			c.log.Warn("transaction reverted", "tx", p.hash, "op", p.tx.Op, "reason", entry.Reason)
		} else {
			c.log.Info("transaction included", "tx", p.hash, "op", p.tx.Op, "height", entry.Height)
		}
		c.settleLocked(p)
	}
}

// settleLocked releases waiters on p and drops its signed payload; only the
// outcome is kept until eviction.
func (c *Chain) settleLocked(p *pendingTx) {
	close(p.done)
	p.stx, p.tx = SignedTransaction{}, Transaction{}
	p.settledAt = c.opts.Now()
	c.settled = append(c.settled, p)
}

// evictLocked forgets settled transactions older than the retention window.
// Their entries stay readable through Entry.
func (c *Chain) evictLocked() {
	cutoff := c.opts.Now().Add(-c.opts.Retention)
	n := 0
	for n < len(c.settled) && c.settled[n].settledAt.Before(cutoff) {
		delete(c.txs, c.settled[n].ref)
		c.settled[n] = nil
		n++
	}
	if n > 0 {
		c.settled = c.settled[n:]
		c.log.Debug("settled transactions evicted", "count", n)
	}
}

// failLocked fails the rest of a batch and rewinds pending nonces to what the
// chain actually holds.
func (c *Chain) failLocked(rest []*pendingTx, err error) {
	for _, p := range rest {
		p.err = Reject(NotConnected, err)
		c.settleLocked(p)
	}
	for addr := range c.nonces {
		c.nonces[addr] = c.confirmed[addr]
	}
}

func (c *Chain) appendLocked(e Entry) (cid.Cid, error) {
	b, err := cidutil.CanonicalJSON(e)
	if err != nil {
		return cid.Undef, err
	}
	id, err := c.cas.Put(b)
	if err != nil {
		return cid.Undef, err
	}
	if err := c.writeHead(id); err != nil {
		return cid.Undef, err
	}
	c.head = id
	c.height = e.Height
	return id, nil
}

func (c *Chain) Await(ctx context.Context, ref PendingRef) (string, error) {
	c.mu.Lock()
	p, ok := c.txs[ref]
	c.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTx, ref)
	}
	select {
	case <-p.done:
		return p.hash, p.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *Chain) Entry(ctx context.Context, txHash string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	id, err := cidutil.Parse(txHash)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownTx, txHash)
	}
	e, err := readEntry(c.cas, id)
	if storage.IsNotFound(err) {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownTx, txHash)
	}
	return e, err
}

// Close stops pending inclusion. Transactions still pending stay unconfirmed.
func (c *Chain) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	return nil
}

func (c *Chain) readHead() (cid.Cid, error) {
	if c.opts.HeadFile == "" {
		return cid.Undef, nil
	}
	b, err := os.ReadFile(c.opts.HeadFile)
	if errors.Is(err, os.ErrNotExist) {
		return cid.Undef, nil
	}
	if err != nil {
		return cid.Undef, err
	}
	s := strings.TrimSpace(string(b))
	if s == "" {
		return cid.Undef, nil
	}
	return cidutil.Parse(s)
}

// writeHead replaces the head file atomically.
func (c *Chain) writeHead(id cid.Cid) error {
	if c.opts.HeadFile == "" {
		return nil
	}
	dir := filepath.Dir(c.opts.HeadFile)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".head-*")
	if err != nil {
		return err
	}
	if _, err := tmp.WriteString(id.String() + "\n"); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), c.opts.HeadFile)
}

func readEntry(cas storage.CAS, id cid.Cid) (Entry, error) {
	b, err := cas.Get(id)
	if err != nil {
		return Entry{}, err
	}
	got, err := cidutil.Sum(b)
	if err != nil {
		return Entry{}, err
	}
	if !got.Equals(id) {
		return Entry{}, storage.ErrCIDMismatch
	}
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return Entry{}, fmt.Errorf("%w: entry %s: %v", ErrBrokenChain, id, err)
	}
	return e, nil
}
