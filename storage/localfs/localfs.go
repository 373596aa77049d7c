// Package localfs stores ledger blocks as read-only files on local disk.
package localfs

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"

	"github.com/ipfs/go-cid"

	"github.com/Moon-Elf/ecotrace/cidutil"
	"github.com/Moon-Elf/ecotrace/storage"
)

// Store keeps one file per block under root/<first two cid chars>/<cid>.
// Files are created exclusively and never rewritten.
type Store struct {
	root string
}

var _ storage.CAS = (*Store)(nil)

func New(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("localfs: root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root}, nil
}

func (s *Store) Put(block []byte) (cid.Cid, error) {
	id, err := cidutil.Sum(block)
	if err != nil {
		return cid.Undef, err
	}
	path := s.pathFor(id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return cid.Undef, err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o444)
	if os.IsExist(err) {
		existing, rerr := s.Get(id)
		if rerr != nil || !bytes.Equal(existing, block) {
			return cid.Undef, storage.ErrImmutable
		}
		return id, nil
	}
	if err != nil {
		return cid.Undef, err
	}

	if _, err := f.Write(block); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return cid.Undef, err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return cid.Undef, err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return cid.Undef, err
	}
	return id, nil
}

func (s *Store) Get(id cid.Cid) ([]byte, error) {
	if !id.Defined() {
		return nil, storage.ErrInvalidCID
	}
	block, err := os.ReadFile(s.pathFor(id))
	if os.IsNotExist(err) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	got, err := cidutil.Sum(block)
	if err != nil {
		return nil, err
	}
	if !got.Equals(id) {
		return nil, storage.ErrCIDMismatch
	}
	return block, nil
}

func (s *Store) Has(id cid.Cid) bool {
	if !id.Defined() {
		return false
	}
	_, err := os.Stat(s.pathFor(id))
	return err == nil
}

func (s *Store) pathFor(id cid.Cid) string {
	key := id.String()
	if len(key) < 2 {
		return filepath.Join(s.root, key)
	}
	return filepath.Join(s.root, key[:2], key)
}
