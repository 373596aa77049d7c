// Package casconfig opens the ledger block store described in configuration.
//
// Example (YAML, nested under ledger.blocks in ecotrace.yaml):
//
//	write_policy: all
//	backends:
//	  - name: localfs
//	    config: {localfs-dir: /var/lib/ecotrace/blocks}
//	  - name: localfs
//	    id: replica
//	    config: {localfs-dir: /mnt/replica/blocks}
//
// write_policy "first" (default) writes to the first backend and reads
// through the rest; "all" mirrors every write and requires matching CIDs.
package casconfig

import (
	"errors"
	"fmt"

	"github.com/Moon-Elf/ecotrace/storage"
	"github.com/Moon-Elf/ecotrace/storage/casregistry"
)

type Config struct {
	WritePolicy string          `json:"write_policy,omitempty" yaml:"write_policy,omitempty"`
	Backends    []BackendConfig `json:"backends" yaml:"backends"`
}

type BackendConfig struct {
	// Name is the casregistry backend name.
	Name string `json:"name" yaml:"name"`
	// ID distinguishes two backends of the same kind. Defaults to Name.
	ID     string            `json:"id,omitempty" yaml:"id,omitempty"`
	Config map[string]string `json:"config,omitempty" yaml:"config,omitempty"`
}

func (b BackendConfig) id() string {
	if b.ID != "" {
		return b.ID
	}
	return b.Name
}

func (c Config) Validate() error {
	if len(c.Backends) == 0 {
		return errors.New("casconfig: at least one backend is required")
	}
	seen := make(map[string]struct{}, len(c.Backends))
	for _, b := range c.Backends {
		if b.Name == "" {
			return errors.New("casconfig: backend name is required")
		}
		if _, dup := seen[b.id()]; dup {
			return fmt.Errorf("casconfig: duplicate backend id %q", b.id())
		}
		seen[b.id()] = struct{}{}
	}
	switch c.WritePolicy {
	case "", "first", "all":
		return nil
	default:
		return fmt.Errorf("casconfig: invalid write_policy %q", c.WritePolicy)
	}
}

// Open builds the configured store. The returned close func closes every
// backend that needs it, in reverse order.
func (c Config) Open(usage casregistry.Usage) (storage.CAS, func() error, error) {
	if err := c.Validate(); err != nil {
		return nil, nil, err
	}

	named := make([]storage.Named, 0, len(c.Backends))
	var closers []func() error
	closeAll := func() error {
		var first error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil && first == nil {
				first = err
			}
		}
		return first
	}

	for _, b := range c.Backends {
		s, closeFn, err := casregistry.OpenWithConfig(b.Name, usage, b.Config)
		if err != nil {
			_ = closeAll()
			return nil, nil, fmt.Errorf("casconfig: open %q: %w", b.id(), err)
		}
		named = append(named, storage.Named{Name: b.id(), CAS: s})
		if closeFn != nil {
			closers = append(closers, closeFn)
		}
	}

	if len(named) == 1 {
		return named[0].CAS, closeAll, nil
	}
	if c.WritePolicy == "all" {
		return storage.Mirrored{Backends: named}, closeAll, nil
	}
	tiers := make([]storage.CAS, 0, len(named))
	for _, n := range named {
		tiers = append(tiers, n.CAS)
	}
	return storage.Tiered{Backends: tiers}, closeAll, nil
}
