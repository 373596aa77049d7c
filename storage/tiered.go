package storage

import (
	"fmt"

	"github.com/ipfs/go-cid"

	"github.com/Moon-Elf/ecotrace/cidutil"
)

// Tiered writes to its first backend and reads through all of them in order.
// Order is the slice order; it is never derived from a map.
type Tiered struct {
	Backends []CAS
}

func (t Tiered) Put(block []byte) (cid.Cid, error) {
	if len(t.Backends) == 0 {
		return cid.Undef, ErrNoBackends
	}
	return t.Backends[0].Put(block)
}

func (t Tiered) Get(id cid.Cid) ([]byte, error) {
	return readThrough(id, t.Backends)
}

func (t Tiered) Has(id cid.Cid) bool {
	for _, b := range t.Backends {
		if b.Has(id) {
			return true
		}
	}
	return false
}

// Mirrored writes every block to all backends and requires each to agree on
// the CID. Reads fall through in order like Tiered.
type Mirrored struct {
	Backends []Named
}

var (
	_ CAS = Tiered{}
	_ CAS = Mirrored{}
)

// PutEach writes block to every backend and reports the CID each returned.
// The first disagreement stops the write with ErrCIDMismatch.
func (m Mirrored) PutEach(block []byte) (cid.Cid, map[string]cid.Cid, error) {
	want, err := cidutil.Sum(block)
	if err != nil {
		return cid.Undef, nil, err
	}
	if len(m.Backends) == 0 {
		return cid.Undef, nil, ErrNoBackends
	}
	got := make(map[string]cid.Cid, len(m.Backends))
	for _, b := range m.Backends {
		if b.CAS == nil {
			return cid.Undef, nil, fmt.Errorf("storage: backend %q has no store", b.Name)
		}
		id, err := b.CAS.Put(block)
		if err != nil {
			return cid.Undef, got, fmt.Errorf("storage: put to %q: %w", b.Name, err)
		}
		got[b.Name] = id
		if !id.Equals(want) {
			return cid.Undef, got, ErrCIDMismatch
		}
	}
	return want, got, nil
}

func (m Mirrored) Put(block []byte) (cid.Cid, error) {
	id, _, err := m.PutEach(block)
	return id, err
}

func (m Mirrored) Get(id cid.Cid) ([]byte, error) {
	backends := make([]CAS, 0, len(m.Backends))
	for _, b := range m.Backends {
		if b.CAS != nil {
			backends = append(backends, b.CAS)
		}
	}
	return readThrough(id, backends)
}

func (m Mirrored) Has(id cid.Cid) bool {
	for _, b := range m.Backends {
		if b.CAS != nil && b.CAS.Has(id) {
			return true
		}
	}
	return false
}

// readThrough returns the first hit. A hard error from any backend wins over
// a later miss so corruption is never masked by a fallback.
func readThrough(id cid.Cid, backends []CAS) ([]byte, error) {
	for _, b := range backends {
		block, err := b.Get(id)
		if err == nil {
			return block, nil
		}
		if IsNotFound(err) {
			continue
		}
		return nil, err
	}
	return nil, ErrNotFound
}
