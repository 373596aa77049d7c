package offchain

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/Moon-Elf/ecotrace/stage"
)

// runStoreSuite checks the Store contract against one implementation.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		pid := uuid.NewString()
		id, err := s.Create(ctx, Record{ProductID: pid, Kind: stage.KindHarvest, Payload: map[string]any{"forestId": "F-1"}, ContentHash: "h1"})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if _, err := uuid.Parse(id); err != nil {
			t.Fatalf("record id %q is not a uuid", id)
		}
		rec, err := s.GetRecord(ctx, id)
		if err != nil {
			t.Fatalf("GetRecord: %v", err)
		}
		if rec.LedgerStatus != LedgerUnconfirmed || rec.Version != 1 || rec.Payload["forestId"] != "F-1" {
			t.Fatalf("unexpected record: %+v", rec)
		}
		set, err := s.Get(ctx, pid)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if len(set.Records) != 1 || set.Records[0].RecordID != id {
			t.Fatalf("unexpected set: %+v", set)
		}
	})

	t.Run("one record per kind", func(t *testing.T) {
		s := newStore(t)
		pid := uuid.NewString()
		if _, err := s.Create(ctx, Record{ProductID: pid, Kind: stage.KindHarvest, ContentHash: "a"}); err != nil {
			t.Fatalf("Create: %v", err)
		}
		_, err := s.Create(ctx, Record{ProductID: pid, Kind: stage.KindHarvest, ContentHash: "b"})
		if !errors.Is(err, ErrConflict) {
			t.Fatalf("second harvest: got %v want ErrConflict", err)
		}
	})

	t.Run("records in custody order", func(t *testing.T) {
		s := newStore(t)
		pid := uuid.NewString()
		for _, k := range []stage.Kind{stage.KindTransportation, stage.KindHarvest, stage.KindManufacturing} {
			if _, err := s.Create(ctx, Record{ProductID: pid, Kind: k, ContentHash: string(k)}); err != nil {
				t.Fatalf("Create %s: %v", k, err)
			}
		}
		set, err := s.Get(ctx, pid)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		got := set.Kinds()
		want := []stage.Kind{stage.KindHarvest, stage.KindManufacturing, stage.KindTransportation}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("kinds: got %v want %v", got, want)
			}
		}
	})

	t.Run("missing", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.Get(ctx, uuid.NewString()); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Get: got %v want ErrNotFound", err)
		}
		if _, err := s.GetRecord(ctx, uuid.NewString()); !errors.Is(err, ErrNotFound) {
			t.Fatalf("GetRecord: got %v want ErrNotFound", err)
		}
		if _, err := s.Update(ctx, uuid.NewString(), Patch{Version: 1}); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Update: got %v want ErrNotFound", err)
		}
	})

	t.Run("update checks version", func(t *testing.T) {
		s := newStore(t)
		id, err := s.Create(ctx, Record{ProductID: uuid.NewString(), Kind: stage.KindHarvest, ContentHash: "a"})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		rec, err := s.Update(ctx, id, Patch{Version: 1, LedgerStatus: Ptr(LedgerConfirmed), TxRef: Ptr("bafk-tx")})
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
		if rec.Version != 2 || rec.LedgerStatus != LedgerConfirmed || rec.TxRef != "bafk-tx" {
			t.Fatalf("unexpected record: %+v", rec)
		}
		if _, err := s.Update(ctx, id, Patch{Version: 1, LastLedgerError: Ptr("Reverted")}); !errors.Is(err, ErrVersionConflict) {
			t.Fatalf("stale update: got %v want ErrVersionConflict", err)
		}
	})

	t.Run("unconfirmed", func(t *testing.T) {
		s := newStore(t)
		pid := uuid.NewString()
		a, _ := s.Create(ctx, Record{ProductID: pid, Kind: stage.KindHarvest, ContentHash: "a"})
		b, _ := s.Create(ctx, Record{ProductID: pid, Kind: stage.KindManufacturing, ContentHash: "b"})
		if _, err := s.Update(ctx, a, Patch{Version: 1, LedgerStatus: Ptr(LedgerConfirmed)}); err != nil {
			t.Fatalf("Update: %v", err)
		}
		recs, err := s.Unconfirmed(ctx, 0)
		if err != nil {
			t.Fatalf("Unconfirmed: %v", err)
		}
		found := false
		for _, r := range recs {
			if r.RecordID == a {
				t.Fatalf("confirmed record listed as unconfirmed")
			}
			if r.RecordID == b {
				found = true
			}
		}
		if !found {
			t.Fatalf("unconfirmed record %s not listed", b)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(*testing.T) Store { return NewMemory() })
}

func TestFileStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		m, err := OpenFile(filepath.Join(t.TempDir(), "records.json"))
		if err != nil {
			t.Fatalf("OpenFile: %v", err)
		}
		return m
	})
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "records.json")
	m, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	pid := uuid.NewString()
	id, err := m.Create(ctx, Record{ProductID: pid, Kind: stage.KindHarvest, Payload: map[string]any{"woodType": "Oak"}, ContentHash: "a"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	reopened, err := OpenFile(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	rec, err := reopened.GetRecord(ctx, id)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if rec.Payload["woodType"] != "Oak" || rec.ProductID != pid {
		t.Fatalf("unexpected record after reopen: %+v", rec)
	}
	if _, err := reopened.Create(ctx, Record{ProductID: pid, Kind: stage.KindHarvest, ContentHash: "b"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("kind index not restored: %v", err)
	}
}

func TestMemoryConcurrentCreateOneWinner(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	pid := uuid.NewString()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Create(ctx, Record{ProductID: pid, Kind: stage.KindManufacturing, ContentHash: "x"}); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one create to win, got %d", wins)
	}
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	id, _ := m.Create(ctx, Record{ProductID: uuid.NewString(), Kind: stage.KindHarvest, Payload: map[string]any{"forestId": "F-1"}})
	rec, _ := m.GetRecord(ctx, id)
	rec.Payload["forestId"] = "tampered"
	again, _ := m.GetRecord(ctx, id)
	if again.Payload["forestId"] != "F-1" {
		t.Fatalf("caller mutation leaked into the store")
	}
}

func TestRecordSetState(t *testing.T) {
	set := RecordSet{Records: []Record{
		{Kind: stage.KindHarvest, LedgerStatus: LedgerConfirmed, TxRef: "t1"},
		{Kind: stage.KindManufacturing, LedgerStatus: LedgerUnconfirmed},
		{Kind: stage.KindTransportation, LedgerStatus: LedgerConfirmed, TxRef: "t3", Shipment: stage.ShipmentDelivered},
	}}
	st, err := set.State()
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if st != stage.Delivered {
		t.Fatalf("state: got %s want %s", st, stage.Delivered)
	}
	refs := set.ConfirmedRefs()
	if len(refs) != 1 || refs[0] != "t1" {
		t.Fatalf("confirmed refs must stop at the first gap: %v", refs)
	}
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("ECOTRACE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("ECOTRACE_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := Connect(ctx, dsn, PoolOptions{MaxConns: 4})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(pool.Close)
	s := NewPostgres(pool)
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	runStoreSuite(t, func(*testing.T) Store { return s })
}
