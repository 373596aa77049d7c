package keys

import (
	"errors"
	"testing"
)

func TestStoreRootAndRoles(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	rootAddr, _, err := s.InitRoot("mill-7", testSeed(3), false)
	if err != nil {
		t.Fatalf("InitRoot: %v", err)
	}
	if _, _, err := s.InitRoot("mill-7", testSeed(4), false); err == nil {
		t.Fatalf("expected refusal to overwrite root key")
	}
	roleAddr, _, err := s.DeriveRole("mill-7", "manufacturer", false)
	if err != nil {
		t.Fatalf("DeriveRole: %v", err)
	}
	if roleAddr == rootAddr {
		t.Fatalf("role address equals root address")
	}

	got, err := s.Address("mill-7", "manufacturer", Ed25519)
	if err != nil {
		t.Fatalf("Address: %v", err)
	}
	if got != roleAddr {
		t.Fatalf("Address: got %s want %s", got, roleAddr)
	}

	entries, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].Actor != "mill-7" || len(entries[0].Roles) != 1 || entries[0].Roles[0] != "manufacturer" {
		t.Fatalf("List: %+v", entries)
	}
}

func TestLoadSeedPrecedence(t *testing.T) {
	s, _ := Open(t.TempDir())
	if _, err := s.LoadSeed("", "", "", ""); !errors.Is(err, ErrNoSigner) {
		t.Fatalf("got %v want ErrNoSigner", err)
	}
	seed, err := s.LoadSeed("0x"+"11111111111111111111111111111111111111111111111111111111111111"+"11", "", "", "")
	if err != nil {
		t.Fatalf("LoadSeed hex: %v", err)
	}
	if len(seed) != SeedSize {
		t.Fatalf("seed length %d", len(seed))
	}
	if _, err := s.LoadSeed("", "missing", "", ""); err == nil {
		t.Fatalf("expected error for unknown actor")
	}
}
