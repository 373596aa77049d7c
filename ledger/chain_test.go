package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/Moon-Elf/ecotrace/cidutil"
	"github.com/Moon-Elf/ecotrace/keys"
	"github.com/Moon-Elf/ecotrace/storage"
)

const (
	testChain    = "ecotrace-test"
	testContract = "custody-v1"
)

type actor struct {
	seed  []byte
	addr  string
	nonce uint64
}

func newActor(t *testing.T, b byte) *actor {
	t.Helper()
	seed := make([]byte, keys.SeedSize)
	for i := range seed {
		seed[i] = b
	}
	addr, err := keys.AddressFromSeed(keys.Ed25519, seed)
	if err != nil {
		t.Fatal(err)
	}
	return &actor{seed: seed, addr: addr}
}

func (a *actor) sign(t *testing.T, op string, args map[string]any) SignedTransaction {
	t.Helper()
	tx := Transaction{Contract: testContract, ChainID: testChain, From: a.addr, Nonce: a.nonce, Op: op, Args: args}
	a.nonce++
	payload, err := tx.Payload()
	if err != nil {
		t.Fatal(err)
	}
	sig, err := keys.Sign(keys.Ed25519, "sha256", a.seed, payload)
	if err != nil {
		t.Fatal(err)
	}
	return SignedTransaction{Payload: payload, HashAlg: "sha256", Signature: sig}
}

func args(product, record, content string) map[string]any {
	return map[string]any{
		ArgProductID:   product,
		ArgRecordID:    record,
		ArgContentHash: cidutil.SumString([]byte(content)),
	}
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func openChain(t *testing.T, cas storage.CAS, opts Options) *Chain {
	t.Helper()
	opts.ChainID = testChain
	opts.Contracts = []string{testContract}
	opts.Logger = quietLogger()
	c, err := Open(cas, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func submitAwait(t *testing.T, c *Chain, stx SignedTransaction) (string, error) {
	t.Helper()
	ctx := context.Background()
	ref, err := c.Submit(ctx, stx)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return c.Await(ctx, ref)
}

func TestSubmitAwaitAndEntry(t *testing.T) {
	cas := storage.NewMemory()
	c := openChain(t, cas, Options{})
	a := newActor(t, 1)

	hash, err := submitAwait(t, c, a.sign(t, OpCreateProduct, args("p1", "r1", "harvest")))
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	e, err := c.Entry(context.Background(), hash)
	if err != nil {
		t.Fatalf("Entry: %v", err)
	}
	if e.Status != StatusOK || e.Height != 1 || e.Prev != "" {
		t.Fatalf("unexpected entry: %+v", e)
	}
	got, _ := e.Arg(ArgContentHash)
	if got != cidutil.SumString([]byte("harvest")) {
		t.Fatalf("content hash: got %s", got)
	}

	entries, err := Verify(cas, hash)
	if err != nil || len(entries) != 1 {
		t.Fatalf("Verify: %d entries, %v", len(entries), err)
	}
}

func TestNonceAndSignatureChecks(t *testing.T) {
	c := openChain(t, storage.NewMemory(), Options{})
	a := newActor(t, 2)
	ctx := context.Background()

	a.nonce = 5
	_, err := c.Submit(ctx, a.sign(t, OpCreateProduct, args("p1", "r1", "x")))
	if !errors.Is(err, ErrBadNonce) {
		t.Fatalf("got %v want ErrBadNonce", err)
	}
	if Classify(err) != Reverted {
		t.Fatalf("nonce error classified as %s", Classify(err))
	}

	a.nonce = 0
	stx := a.sign(t, OpCreateProduct, args("p1", "r1", "x"))
	stx.Signature[0] ^= 0xff
	if _, err := c.Submit(ctx, stx); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("got %v want ErrBadSignature", err)
	}

	b := newActor(t, 3)
	tx := Transaction{Contract: testContract, ChainID: "other", From: b.addr, Op: OpCreateProduct, Args: args("p", "r", "x")}
	payload, _ := tx.Payload()
	sig, _ := keys.Sign(keys.Ed25519, "sha256", b.seed, payload)
	if _, err := c.Submit(ctx, SignedTransaction{Payload: payload, HashAlg: "sha256", Signature: sig}); !errors.Is(err, ErrWrongChain) {
		t.Fatalf("got %v want ErrWrongChain", err)
	}
}

func TestRevertsConsumeNonce(t *testing.T) {
	c := openChain(t, storage.NewMemory(), Options{})
	a := newActor(t, 4)

	cases := []struct {
		name string
		op   string
		args map[string]any
	}{
		{"unknown op", "burnProduct", args("p1", "r1", "x")},
		{"missing args", OpCreateProduct, map[string]any{ArgProductID: "p1"}},
		{"no product", OpAddManufacturingData, args("p1", "r2", "x")},
		{"bad latitude", OpCreateProduct, map[string]any{ArgProductID: "p1", ArgRecordID: "r1", ArgContentHash: "h", "latitude": 91e6}},
	}
	for _, tc := range cases {
		_, err := submitAwait(t, c, a.sign(t, tc.op, tc.args))
		var re *RejectedError
		if !errors.As(err, &re) || re.Reason != Reverted || re.TxHash == "" {
			t.Fatalf("%s: got %v want Reverted with tx hash", tc.name, err)
		}
	}
	n, _ := c.Nonce(context.Background(), a.addr)
	if n != uint64(len(cases)) {
		t.Fatalf("nonce: got %d want %d", n, len(cases))
	}
}

func TestCorrelationKeyReplayAndConflict(t *testing.T) {
	c := openChain(t, storage.NewMemory(), Options{})
	a := newActor(t, 5)

	first, err := submitAwait(t, c, a.sign(t, OpCreateProduct, args("p1", "r1", "same")))
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	again, err := submitAwait(t, c, a.sign(t, OpCreateProduct, args("p1", "r1", "same")))
	if err != nil {
		t.Fatalf("identical resubmission: %v", err)
	}
	if again == first {
		t.Fatalf("resubmission should land as its own entry")
	}
	_, err = submitAwait(t, c, a.sign(t, OpCreateProduct, args("p1", "r1", "different")))
	if Classify(err) != Reverted {
		t.Fatalf("conflicting content: got %v", err)
	}
}

func TestCustodySequence(t *testing.T) {
	c := openChain(t, storage.NewMemory(), Options{})
	a := newActor(t, 6)
	ship := func(status string) map[string]any {
		m := args("p1", "r3", "ship-"+status)
		m["status"] = status
		return m
	}

	steps := []struct {
		op      string
		args    map[string]any
		reverts bool
	}{
		{OpCreateProduct, args("p1", "r1", "h"), false},
		{OpAddHarvestData, args("p1", "r1", "h"), false},
		{OpAddTransportationData, ship("INITIATED"), true},
		{OpAddManufacturingData, args("p1", "r2", "m"), false},
		{OpUpdateManufacturingData, args("p1", "r2", "m2"), false},
		{OpAddTransportationData, ship("INITIATED"), false},
		{OpUpdateManufacturingData, args("p1", "r2", "m3"), true},
		{OpRecordConsumption, args("p1", "r4", "c"), true},
		{OpUpdateTransportationData, ship("DELIVERED"), false},
		{OpUpdateTransportationData, ship("IN_TRANSIT"), true},
		{OpRecordConsumption, args("p1", "r4", "c"), false},
	}
	for i, s := range steps {
		_, err := submitAwait(t, c, a.sign(t, s.op, s.args))
		if s.reverts && Classify(err) != Reverted {
			t.Fatalf("step %d %s: got %v want revert", i, s.op, err)
		}
		if !s.reverts && err != nil {
			t.Fatalf("step %d %s: %v", i, s.op, err)
		}
	}
}

func TestUndeployedContractReverts(t *testing.T) {
	c := openChain(t, storage.NewMemory(), Options{})
	a := newActor(t, 7)
	tx := Transaction{Contract: "nowhere", ChainID: testChain, From: a.addr, Op: OpCreateProduct, Args: args("p", "r", "x")}
	payload, _ := tx.Payload()
	sig, _ := keys.Sign(keys.Ed25519, "sha256", a.seed, payload)
	_, err := submitAwait(t, c, SignedTransaction{Payload: payload, HashAlg: "sha256", Signature: sig})
	if Classify(err) != Reverted {
		t.Fatalf("got %v want revert", err)
	}
}

func TestAwaitIsBounded(t *testing.T) {
	c := openChain(t, storage.NewMemory(), Options{InclusionDelay: time.Hour})
	a := newActor(t, 8)

	ref, err := c.Submit(context.Background(), a.sign(t, OpCreateProduct, args("p1", "r1", "x")))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	n, _ := c.Nonce(context.Background(), a.addr)
	if n != 1 {
		t.Fatalf("pending nonce: got %d want 1", n)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Await(ctx, ref)
	if Classify(err) != NetworkTimeout {
		t.Fatalf("got %v want NetworkTimeout", err)
	}
	if _, err := c.Await(context.Background(), "bafyunknown"); !errors.Is(err, ErrUnknownTx) {
		t.Fatalf("got %v want ErrUnknownTx", err)
	}
}

func TestSettledTransactionsAreEvicted(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := openChain(t, storage.NewMemory(), Options{Retention: time.Minute, Now: func() time.Time { return now }})
	a := newActor(t, 10)
	ctx := context.Background()

	first, err := c.Submit(ctx, a.sign(t, OpCreateProduct, args("p1", "r1", "x")))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	hash, err := c.Await(ctx, first)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := submitAwait(t, c, a.sign(t, OpCreateProduct, args("p2", "r2", "y"))); err != nil {
		t.Fatalf("second tx: %v", err)
	}
	c.mu.Lock()
	kept, settled := len(c.txs), len(c.settled)
	c.mu.Unlock()
	if kept != 1 || settled != 1 {
		t.Fatalf("retained %d refs, %d settled; want 1 and 1", kept, settled)
	}
	if _, err := c.Await(ctx, first); !errors.Is(err, ErrUnknownTx) {
		t.Fatalf("evicted ref: got %v want ErrUnknownTx", err)
	}
	if e, err := c.Entry(ctx, hash); err != nil || e.Height != 1 {
		t.Fatalf("entry must outlive eviction: %+v %v", e, err)
	}
}

func TestReopenReplaysState(t *testing.T) {
	cas := storage.NewMemory()
	headFile := filepath.Join(t.TempDir(), "head")
	a := newActor(t, 9)

	c1 := openChain(t, cas, Options{HeadFile: headFile})
	if _, err := submitAwait(t, c1, a.sign(t, OpCreateProduct, args("p1", "r1", "h"))); err != nil {
		t.Fatal(err)
	}
	if _, err := submitAwait(t, c1, a.sign(t, OpAddManufacturingData, args("p1", "r2", "m"))); err != nil {
		t.Fatal(err)
	}
	head, height := c1.Head()
	_ = c1.Close()

	c2 := openChain(t, cas, Options{HeadFile: headFile})
	if h, n := c2.Head(); h != head || n != height {
		t.Fatalf("head after reopen: %s/%d want %s/%d", h, n, head, height)
	}
	n, _ := c2.Nonce(context.Background(), a.addr)
	if n != 2 {
		t.Fatalf("nonce after reopen: got %d want 2", n)
	}
	_, err := submitAwait(t, c2, a.sign(t, OpAddManufacturingData, args("p1", "r9", "m")))
	if Classify(err) != Reverted {
		t.Fatalf("state not replayed: %v", err)
	}
}

func TestVerifyRejectsBrokenChains(t *testing.T) {
	cas := storage.NewMemory()
	if _, err := Verify(cas, cidutil.SumString([]byte("missing"))); !errors.Is(err, ErrBrokenChain) {
		t.Fatalf("missing head: got %v", err)
	}

	a := newActor(t, 10)
	orphan := Entry{Height: 5, Tx: a.sign(t, OpCreateProduct, args("p", "r", "x")), Status: StatusOK}
	b, _ := cidutil.CanonicalJSON(orphan)
	id, _ := cas.Put(b)
	if _, err := Verify(cas, id.String()); !errors.Is(err, ErrBrokenChain) {
		t.Fatalf("truncated chain: got %v", err)
	}

	forged := Entry{Height: 1, Tx: a.sign(t, OpCreateProduct, args("p", "r", "x")), Status: StatusOK}
	forged.Tx.Signature[1] ^= 0x01
	b, _ = cidutil.CanonicalJSON(forged)
	id, _ = cas.Put(b)
	if _, err := Verify(cas, id.String()); !errors.Is(err, ErrBrokenChain) {
		t.Fatalf("forged signature: got %v", err)
	}
}
