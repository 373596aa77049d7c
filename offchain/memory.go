package offchain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store. With a snapshot path it rewrites the whole
// record set to disk after every mutation, which is enough for a single
// operator running the CLI.
type Memory struct {
	mu       sync.RWMutex
	rows     map[string]*row
	byKind   map[string]map[string]string // productID -> kind -> recordID
	snapshot string
	now      func() time.Time
}

type row struct {
	rec     Record
	payload []byte
}

func NewMemory() *Memory {
	return &Memory{
		rows:   map[string]*row{},
		byKind: map[string]map[string]string{},
		now:    func() time.Time { return time.Now().UTC() },
	}
}

type snapshotFile struct {
	Version int      `json:"version"`
	Records []Record `json:"records"`
}

// OpenFile returns a Memory store persisted to path, loading any records
// already there.
func OpenFile(path string) (*Memory, error) {
	m := NewMemory()
	m.snapshot = path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, err
	}
	var snap snapshotFile
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, fmt.Errorf("offchain: read snapshot %s: %w", path, err)
	}
	for _, rec := range snap.Records {
		if err := m.insert(rec); err != nil {
			return nil, fmt.Errorf("offchain: read snapshot %s: %w", path, err)
		}
	}
	return m, nil
}

func (m *Memory) insert(rec Record) error {
	if err := checkNew(rec); err != nil {
		return err
	}
	kinds := m.byKind[rec.ProductID]
	if _, dup := kinds[string(rec.Kind)]; dup {
		return ErrConflict
	}
	if _, dup := m.rows[rec.RecordID]; dup {
		return ErrConflict
	}
	payload, err := encodePayload(rec.Payload)
	if err != nil {
		return err
	}
	rec.Payload = nil
	if kinds == nil {
		kinds = map[string]string{}
		m.byKind[rec.ProductID] = kinds
	}
	kinds[string(rec.Kind)] = rec.RecordID
	m.rows[rec.RecordID] = &row{rec: rec, payload: payload}
	return nil
}

func (m *Memory) Create(ctx context.Context, rec Record) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.RecordID == "" {
		rec.RecordID = uuid.NewString()
	}
	if rec.LedgerStatus == "" {
		rec.LedgerStatus = LedgerUnconfirmed
	}
	now := m.now()
	rec.Version = 1
	rec.CreatedAt, rec.UpdatedAt = now, now
	if err := m.insert(rec); err != nil {
		return "", err
	}
	if err := m.persistLocked(); err != nil {
		m.remove(rec)
		return "", err
	}
	return rec.RecordID, nil
}

func (m *Memory) remove(rec Record) {
	delete(m.rows, rec.RecordID)
	delete(m.byKind[rec.ProductID], string(rec.Kind))
	if len(m.byKind[rec.ProductID]) == 0 {
		delete(m.byKind, rec.ProductID)
	}
}

func (m *Memory) Get(ctx context.Context, productID string) (RecordSet, error) {
	if err := ctx.Err(); err != nil {
		return RecordSet{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	kinds := m.byKind[productID]
	if len(kinds) == 0 {
		return RecordSet{}, ErrNotFound
	}
	recs := make([]Record, 0, len(kinds))
	for _, id := range kinds {
		r, err := m.rows[id].record()
		if err != nil {
			return RecordSet{}, err
		}
		recs = append(recs, r)
	}
	return newRecordSet(productID, recs), nil
}

func (m *Memory) GetRecord(ctx context.Context, recordID string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rows[recordID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r.record()
}

func (m *Memory) Update(ctx context.Context, recordID string, p Patch) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rows[recordID]
	if !ok {
		return Record{}, ErrNotFound
	}
	if r.rec.Version != p.Version {
		return Record{}, ErrVersionConflict
	}
	prev := *r

	rec, err := r.record()
	if err != nil {
		return Record{}, err
	}
	p.apply(&rec)
	payload, err := encodePayload(rec.Payload)
	if err != nil {
		return Record{}, err
	}
	rec.Version++
	rec.UpdatedAt = m.now()

	stored := rec
	stored.Payload = nil
	*r = row{rec: stored, payload: payload}
	if err := m.persistLocked(); err != nil {
		*r = prev
		return Record{}, err
	}
	return rec, nil
}

func (m *Memory) Unconfirmed(ctx context.Context, limit int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Record
	for _, r := range m.rows {
		if r.rec.LedgerStatus != LedgerUnconfirmed {
			continue
		}
		rec, err := r.record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].RecordID < out[j].RecordID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *row) record() (Record, error) {
	payload, err := decodePayload(r.payload)
	if err != nil {
		return Record{}, err
	}
	rec := r.rec
	rec.Payload = payload
	return rec, nil
}

// persistLocked writes the snapshot atomically: a crash leaves either the
// old file or the new one.
func (m *Memory) persistLocked() error {
	if m.snapshot == "" {
		return nil
	}
	snap := snapshotFile{Version: 1, Records: make([]Record, 0, len(m.rows))}
	for _, r := range m.rows {
		rec, err := r.record()
		if err != nil {
			return err
		}
		snap.Records = append(snap.Records, rec)
	}
	sort.Slice(snap.Records, func(i, j int) bool { return snap.Records[i].RecordID < snap.Records[j].RecordID })
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := m.snapshot + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("offchain: write snapshot: %w", err)
	}
	if err := os.Rename(tmp, m.snapshot); err != nil {
		return fmt.Errorf("offchain: write snapshot: %w", err)
	}
	return nil
}
