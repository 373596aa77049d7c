package casregistry

import (
	"flag"
	"testing"

	"github.com/Moon-Elf/ecotrace/storage"
)

func TestMemoryBackendIsBuiltIn(t *testing.T) {
	names := Names(UsageDaemon)
	found := false
	for _, n := range names {
		if n == "memory" {
			found = true
		}
	}
	if !found {
		t.Fatalf("memory backend not registered: %v", names)
	}
	s, closeFn, err := Open("memory", UsageDaemon)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if closeFn != nil {
		t.Fatalf("memory backend should not need closing")
	}
	if _, err := s.Put([]byte("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
}

func TestRegisterRejectsIncompleteBackends(t *testing.T) {
	open := func() (storage.CAS, func() error, error) { return storage.NewMemory(), nil, nil }
	flags := func(*flag.FlagSet) {}
	cases := []Backend{
		{Usage: UsageCLI, RegisterFlags: flags, Open: open},
		{Name: "x", Usage: UsageCLI, Open: open},
		{Name: "x", Usage: UsageCLI, RegisterFlags: flags},
		{Name: "x", RegisterFlags: flags, Open: open},
		{Name: "memory", Usage: UsageCLI, RegisterFlags: flags, Open: open},
	}
	for i, b := range cases {
		if err := Register(b); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

var testDir string

func TestOpenWithConfigSetsFlags(t *testing.T) {
	_ = Register(Backend{
		Name:  "test-dir",
		Usage: UsageAPI,
		RegisterFlags: func(fs *flag.FlagSet) {
			fs.StringVar(&testDir, "test-dir-path", "", "")
		},
		Open: func() (storage.CAS, func() error, error) {
			return storage.NewMemory(), nil, nil
		},
	})

	if _, _, err := OpenWithConfig("test-dir", UsageAPI, map[string]string{"test-dir-path": "/var/blocks"}); err != nil {
		t.Fatalf("OpenWithConfig: %v", err)
	}
	if testDir != "/var/blocks" {
		t.Fatalf("flag not applied: %q", testDir)
	}
	if _, _, err := OpenWithConfig("test-dir", UsageAPI, map[string]string{"bogus": "1"}); err == nil {
		t.Fatalf("expected error for unknown setting")
	}
	if _, _, err := OpenWithConfig("test-dir", UsageCLI, nil); err == nil {
		t.Fatalf("expected usage mismatch error")
	}
}
