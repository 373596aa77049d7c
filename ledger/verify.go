package ledger

import (
	"fmt"

	"github.com/ipfs/go-cid"

	"github.com/Moon-Elf/ecotrace/cidutil"
	"github.com/Moon-Elf/ecotrace/keys"
	"github.com/Moon-Elf/ecotrace/storage"
)

// Verify walks the chain from head to genesis and checks block hashes,
// heights, prev links and signatures. It returns the entries newest first.
func Verify(cas storage.CAS, head string) ([]Entry, error) {
	id, err := cidutil.Parse(head)
	if err != nil {
		return nil, fmt.Errorf("%w: head: %v", ErrBrokenChain, err)
	}
	return walk(cas, id)
}

func walk(cas storage.CAS, head cid.Cid) ([]Entry, error) {
	var out []Entry
	id := head
	for {
		e, err := readEntry(cas, id)
		if err != nil {
			return nil, fmt.Errorf("%w: block %s: %v", ErrBrokenChain, id, err)
		}
		if len(out) > 0 && e.Height != out[len(out)-1].Height-1 {
			return nil, fmt.Errorf("%w: height gap at %s", ErrBrokenChain, id)
		}
		tx, err := e.Tx.Transaction()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBrokenChain, err)
		}
		if err := keys.Verify(tx.From, e.Tx.HashAlg, e.Tx.Payload, e.Tx.Signature); err != nil {
			return nil, fmt.Errorf("%w: height %d: %v", ErrBrokenChain, e.Height, err)
		}
		out = append(out, e)

		if e.Prev == "" {
			if e.Height != 1 {
				return nil, fmt.Errorf("%w: chain ends at height %d", ErrBrokenChain, e.Height)
			}
			return out, nil
		}
		if id, err = cidutil.Parse(e.Prev); err != nil {
			return nil, fmt.Errorf("%w: prev of height %d: %v", ErrBrokenChain, e.Height, err)
		}
	}
}
