package casconfig

import (
	"testing"

	"github.com/Moon-Elf/ecotrace/storage"
	"github.com/Moon-Elf/ecotrace/storage/casregistry"
	_ "github.com/Moon-Elf/ecotrace/storage/localfs"
)

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"empty", Config{}, false},
		{"unnamed", Config{Backends: []BackendConfig{{}}}, false},
		{"duplicate", Config{Backends: []BackendConfig{{Name: "memory"}, {Name: "memory"}}}, false},
		{"aliased", Config{Backends: []BackendConfig{{Name: "memory"}, {Name: "memory", ID: "replica"}}}, true},
		{"bad policy", Config{WritePolicy: "some", Backends: []BackendConfig{{Name: "memory"}}}, false},
		{"all", Config{WritePolicy: "all", Backends: []BackendConfig{{Name: "memory"}}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestOpenPolicies(t *testing.T) {
	single, _, err := Config{Backends: []BackendConfig{{Name: "memory"}}}.Open(casregistry.UsageAPI)
	if err != nil {
		t.Fatalf("Open single: %v", err)
	}
	if _, ok := single.(*storage.Memory); !ok {
		t.Fatalf("single backend: got %T", single)
	}

	mirrored, _, err := Config{
		WritePolicy: "all",
		Backends: []BackendConfig{
			{Name: "memory"},
			{Name: "localfs", Config: map[string]string{"localfs-dir": t.TempDir()}},
		},
	}.Open(casregistry.UsageAPI)
	if err != nil {
		t.Fatalf("Open mirrored: %v", err)
	}
	if _, ok := mirrored.(storage.Mirrored); !ok {
		t.Fatalf("write_policy all: got %T", mirrored)
	}

	tiered, closeFn, err := Config{
		Backends: []BackendConfig{{Name: "memory"}, {Name: "memory", ID: "cold"}},
	}.Open(casregistry.UsageAPI)
	if err != nil {
		t.Fatalf("Open tiered: %v", err)
	}
	if _, ok := tiered.(storage.Tiered); !ok {
		t.Fatalf("default policy: got %T", tiered)
	}
	if err := closeFn(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	if _, _, err := (Config{Backends: []BackendConfig{{Name: "s3"}}}).Open(casregistry.UsageAPI); err == nil {
		t.Fatalf("expected error")
	}
}
