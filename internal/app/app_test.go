package app

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/Moon-Elf/ecotrace/config"
	"github.com/Moon-Elf/ecotrace/custody"
	"github.com/Moon-Elf/ecotrace/keys"
	"github.com/Moon-Elf/ecotrace/ledger"
	"github.com/Moon-Elf/ecotrace/offchain"
	"github.com/Moon-Elf/ecotrace/storage/casconfig"
	"github.com/Moon-Elf/ecotrace/storage/casregistry"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func testConfig(t *testing.T, actor string) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DataDir = dir
	cfg.Ledger.ContractAddress = "custody-v1"
	cfg.Ledger.ChainID = "ecotrace-test"
	cfg.Ledger.HeadFile = filepath.Join(dir, "ledger", "HEAD")
	cfg.Ledger.Blocks = casconfig.Config{Backends: []casconfig.BackendConfig{{
		Name:   "localfs",
		Config: map[string]string{"localfs-dir": filepath.Join(dir, "ledger", "blocks")},
	}}}
	cfg.Signer.KeysDir = filepath.Join(dir, "keys")
	cfg.Signer.Actor = actor
	cfg.Store.Driver = "file"
	cfg.Store.Path = filepath.Join(dir, "records.json")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return cfg
}

func initKey(t *testing.T, cfg config.Config) {
	t.Helper()
	ks, err := keys.Open(cfg.Signer.KeysDir)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := ks.InitRoot(cfg.Signer.Actor, nil, false); err != nil {
		t.Fatalf("InitRoot: %v", err)
	}
}

func harvestPayload() map[string]any {
	return map[string]any{
		"forestId":        "F1",
		"woodType":        "Pine",
		"location":        map[string]any{"latitude": 10.0, "longitude": 20.0},
		"certificationId": "C1",
	}
}

func TestOpenAnchorsAndPersists(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, "forester")
	initKey(t, cfg)

	a, err := Open(ctx, cfg, casregistry.UsageAPI, quiet)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if a.Session() == nil || a.Chain == nil {
		t.Fatalf("expected a bound session on an in-process chain")
	}
	res, err := a.Coordinator.InitiateHarvest(ctx, harvestPayload())
	if err != nil {
		t.Fatalf("InitiateHarvest: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopen: the record file and the ledger head both survive.
	b, err := Open(ctx, cfg, casregistry.UsageAPI, quiet)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer b.Close()
	set, err := b.Store.Get(ctx, res.ProductID)
	if err != nil || len(set.Records) != 1 {
		t.Fatalf("records after reopen: %v %+v", err, set)
	}
	head, height := b.Chain.Head()
	if height != 1 {
		t.Fatalf("height after reopen: %d", height)
	}
	entries, err := ledger.Verify(b.Blocks, head)
	if err != nil || len(entries) != 1 {
		t.Fatalf("Verify: %v (%d entries)", err, len(entries))
	}
	if id, _ := entries[0].Arg(ledger.ArgRecordID); id != set.Records[0].RecordID {
		t.Fatalf("ledger entry names record %q, want %q", id, set.Records[0].RecordID)
	}
}

func TestOpenWithoutSignerThenReload(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, "")
	cfg.Store.Driver = "memory"

	a, err := Open(ctx, cfg, casregistry.UsageCLI, quiet)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()
	if a.Session() != nil {
		t.Fatalf("no signer should mean no session")
	}

	_, err = a.Coordinator.InitiateHarvest(ctx, harvestPayload())
	if custody.ReasonOf(err) != string(ledger.NotConnected) {
		t.Fatalf("expected NotConnected, got %v", err)
	}
	pending, err := a.Store.Unconfirmed(ctx, 0)
	if err != nil || len(pending) != 1 || pending[0].LedgerStatus != offchain.LedgerUnconfirmed {
		t.Fatalf("expected one unconfirmed record: %v %+v", err, pending)
	}

	a.Config.Signer.Actor = "forester"
	initKey(t, a.Config)
	if err := a.ReloadSigner(ctx); err != nil {
		t.Fatalf("ReloadSigner: %v", err)
	}
	sweep, err := a.Coordinator.ResubmitPending(ctx, 10)
	if err != nil || len(sweep.Confirmed) != 1 {
		t.Fatalf("sweep: %v %+v", err, sweep)
	}
}

func TestOpenRejectsChainMismatch(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, "forester")
	initKey(t, cfg)
	a, err := Open(ctx, cfg, casregistry.UsageAPI, quiet)
	if err != nil {
		t.Fatal(err)
	}
	a.Config.Ledger.ChainID = "other"
	defer a.Close()
	if err := a.Reconnect(ctx); ledger.Classify(err) != ledger.NotConnected {
		t.Fatalf("expected NotConnected, got %v", err)
	}
}

func TestReloadSignerDuringClose(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, "mill")
	cfg.Store.Driver = "memory"
	initKey(t, cfg)

	a, err := Open(ctx, cfg, casregistry.UsageAPI, quiet)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if a.Session() == nil {
		t.Fatalf("expected a session")
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			_ = a.ReloadSigner(ctx)
		}
	}()
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	wg.Wait()

	_ = a.ReloadSigner(ctx)
	if a.Session() != nil {
		t.Fatalf("a closed app must not bind a new session")
	}
}
