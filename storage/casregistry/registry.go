// Package casregistry lets binaries pick a ledger block store by name.
//
// Backends register in init() and are linked into a binary with a blank
// import:
//
//	import _ "github.com/Moon-Elf/ecotrace/storage/localfs"
package casregistry

import (
	"flag"
	"fmt"
	"sort"
	"sync"

	"github.com/Moon-Elf/ecotrace/storage"
)

// Backend describes one way of opening a storage.CAS.
type Backend struct {
	Name        string
	Description string
	Usage       Usage

	// RegisterFlags binds backend settings to fs. Values parsed into fs are
	// read back by Open.
	RegisterFlags func(fs *flag.FlagSet)

	// Open builds the store from the bound settings. The close func may be nil.
	Open func() (storage.CAS, func() error, error)
}

var (
	mu       sync.RWMutex
	backends = map[string]Backend{}

	// openMu serializes OpenWithConfig, which rebinds package-level flag vars.
	openMu sync.Mutex
)

func Register(b Backend) error {
	switch {
	case b.Name == "":
		return fmt.Errorf("casregistry: backend name is required")
	case b.RegisterFlags == nil:
		return fmt.Errorf("casregistry: backend %q missing RegisterFlags", b.Name)
	case b.Open == nil:
		return fmt.Errorf("casregistry: backend %q missing Open", b.Name)
	case b.Usage == 0:
		return fmt.Errorf("casregistry: backend %q missing Usage", b.Name)
	}

	mu.Lock()
	defer mu.Unlock()
	if _, exists := backends[b.Name]; exists {
		return fmt.Errorf("casregistry: backend %q already registered", b.Name)
	}
	backends[b.Name] = b
	return nil
}

func MustRegister(b Backend) {
	if err := Register(b); err != nil {
		panic(err)
	}
}

// List returns the backends allowed for usage, sorted by name.
func List(usage Usage) []Backend {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]Backend, 0, len(backends))
	for _, b := range backends {
		if b.Usage.allows(usage) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func Names(usage Usage) []string {
	bs := List(usage)
	names := make([]string, 0, len(bs))
	for _, b := range bs {
		names = append(names, b.Name)
	}
	return names
}

// RegisterFlags binds every matching backend's flags so a single Parse call
// accepts all of them.
func RegisterFlags(fs *flag.FlagSet, usage Usage) {
	for _, b := range List(usage) {
		b.RegisterFlags(fs)
	}
}

func lookup(name string, usage Usage) (Backend, error) {
	mu.RLock()
	b, ok := backends[name]
	mu.RUnlock()
	if !ok {
		return Backend{}, fmt.Errorf("casregistry: unknown backend %q", name)
	}
	if !b.Usage.allows(usage) {
		return Backend{}, fmt.Errorf("casregistry: backend %q not available here", name)
	}
	return b, nil
}

// Open opens name using whatever was parsed into its flags.
func Open(name string, usage Usage) (storage.CAS, func() error, error) {
	b, err := lookup(name, usage)
	if err != nil {
		return nil, nil, err
	}
	return b.Open()
}

// OpenWithConfig opens name with settings given as flag-name/value pairs, as
// found in configuration files.
func OpenWithConfig(name string, usage Usage, settings map[string]string) (storage.CAS, func() error, error) {
	b, err := lookup(name, usage)
	if err != nil {
		return nil, nil, err
	}

	openMu.Lock()
	defer openMu.Unlock()

	fs := flag.NewFlagSet("casregistry/"+name, flag.ContinueOnError)
	b.RegisterFlags(fs)
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if fs.Lookup(k) == nil {
			return nil, nil, fmt.Errorf("casregistry: backend %q has no setting %q", name, k)
		}
		if err := fs.Set(k, settings[k]); err != nil {
			return nil, nil, fmt.Errorf("casregistry: backend %q setting %q: %w", name, k, err)
		}
	}
	return b.Open()
}
