// Package testkit holds the behavioural suite every block store must pass.
package testkit

import (
	"bytes"
	"testing"

	"github.com/ipfs/go-cid"

	"github.com/Moon-Elf/ecotrace/cidutil"
	"github.com/Moon-Elf/ecotrace/storage"
)

// Factory returns a fresh, empty store isolated from other subtests.
type Factory func(t *testing.T) storage.CAS

// Run exercises the storage.CAS contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("RoundTrip", func(t *testing.T) {
		s := newStore(t)
		block := []byte(`{"op":"createProduct","recordId":"r-1"}`)

		id, err := s.Put(block)
		if err != nil {
			t.Fatalf("Put: %v", err)
		}
		want, err := cidutil.Sum(block)
		if err != nil {
			t.Fatalf("Sum: %v", err)
		}
		if !id.Equals(want) {
			t.Fatalf("Put cid: got %s want %s", id, want)
		}
		got, err := s.Get(id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !bytes.Equal(got, block) {
			t.Fatalf("Get returned different bytes")
		}
	})

	t.Run("PutIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		block := []byte("entry")
		a, err := s.Put(block)
		if err != nil {
			t.Fatalf("Put #1: %v", err)
		}
		b, err := s.Put(block)
		if err != nil {
			t.Fatalf("Put #2: %v", err)
		}
		if !a.Equals(b) {
			t.Fatalf("Put not idempotent: %s vs %s", a, b)
		}
	})

	t.Run("MissingBlock", func(t *testing.T) {
		s := newStore(t)
		block := []byte("absent")
		id, err := cidutil.Sum(block)
		if err != nil {
			t.Fatalf("Sum: %v", err)
		}
		if s.Has(id) {
			t.Fatalf("Has: true before Put")
		}
		if _, err := s.Get(id); !storage.IsNotFound(err) {
			t.Fatalf("Get: got %v want ErrNotFound", err)
		}
		if _, err := s.Put(block); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if !s.Has(id) {
			t.Fatalf("Has: false after Put")
		}
	})

	t.Run("UndefinedCID", func(t *testing.T) {
		s := newStore(t)
		if s.Has(cid.Undef) {
			t.Fatalf("Has(Undef) = true")
		}
		if _, err := s.Get(cid.Undef); err == nil {
			t.Fatalf("Get(Undef) succeeded")
		}
	})
}
