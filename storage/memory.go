package storage

import (
	"bytes"
	"sync"

	"github.com/ipfs/go-cid"

	"github.com/Moon-Elf/ecotrace/cidutil"
)

// Memory is a process-local CAS used by tests and single-process demos.
type Memory struct {
	mu     sync.RWMutex
	blocks map[string][]byte
}

var _ CAS = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{blocks: make(map[string][]byte)}
}

func (m *Memory) Put(block []byte) (cid.Cid, error) {
	id, err := cidutil.Sum(block)
	if err != nil {
		return cid.Undef, err
	}
	key := id.KeyString()

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.blocks[key]; ok {
		if !bytes.Equal(existing, block) {
			return cid.Undef, ErrImmutable
		}
		return id, nil
	}
	m.blocks[key] = append([]byte(nil), block...)
	return id, nil
}

func (m *Memory) Get(id cid.Cid) ([]byte, error) {
	if !id.Defined() {
		return nil, ErrInvalidCID
	}
	m.mu.RLock()
	block, ok := m.blocks[id.KeyString()]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), block...), nil
}

func (m *Memory) Has(id cid.Cid) bool {
	if !id.Defined() {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blocks[id.KeyString()]
	return ok
}

// Len reports the number of stored blocks.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blocks)
}
