// Package storage holds the immutable block stores behind the reference ledger.
//
// A block is the canonical bytes of one ledger entry; its key is the raw
// sha2-256 CID of those bytes, which doubles as the entry's transaction hash.
package storage

import "github.com/ipfs/go-cid"

// CAS is a content-addressed block store.
//
// Put is idempotent and returns the CID derived from the bytes. A stored block
// never changes. Get returns ErrNotFound for unknown CIDs and ErrCIDMismatch if
// the stored bytes no longer hash to the requested CID.
type CAS interface {
	Put(block []byte) (cid.Cid, error)
	Get(id cid.Cid) ([]byte, error)
	Has(id cid.Cid) bool
}

// Named pairs a CAS with the backend id it was opened under.
type Named struct {
	Name string
	CAS  CAS
}
