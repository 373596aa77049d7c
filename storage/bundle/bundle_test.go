package bundle_test

import (
	"archive/tar"
	"bytes"
	"testing"

	"github.com/ipfs/go-cid"

	"github.com/Moon-Elf/ecotrace/storage"
	"github.com/Moon-Elf/ecotrace/storage/bundle"
	"github.com/Moon-Elf/ecotrace/storage/localfs"
)

func TestExportIsDeterministic(t *testing.T) {
	cas := storage.NewMemory()
	a, _ := cas.Put([]byte(`{"op":"createProduct"}`))
	b, _ := cas.Put([]byte(`{"op":"addManufacturingData"}`))
	labels := map[string]cid.Cid{"product-1": b}

	var first, second bytes.Buffer
	if err := bundle.Export(&first, cas, []cid.Cid{b, a}, bundle.ExportOptions{IncludeIndex: true, Labels: labels}); err != nil {
		t.Fatalf("Export: %v", err)
	}
	if err := bundle.Export(&second, cas, []cid.Cid{a, b, a}, bundle.ExportOptions{IncludeIndex: true, Labels: labels}); err != nil {
		t.Fatalf("Export: %v", err)
	}
	if !bytes.Equal(first.Bytes(), second.Bytes()) {
		t.Fatalf("expected identical bundle bytes")
	}
}

func TestImportRoundTrip(t *testing.T) {
	src := storage.NewMemory()
	id, _ := src.Put([]byte(`{"op":"addTransportationData"}`))

	var buf bytes.Buffer
	if err := bundle.Export(&buf, src, []cid.Cid{id}, bundle.ExportOptions{IncludeIndex: true}); err != nil {
		t.Fatalf("Export: %v", err)
	}
	dst, err := localfs.New(t.TempDir())
	if err != nil {
		t.Fatalf("localfs.New: %v", err)
	}
	if err := bundle.Import(&buf, dst); err != nil {
		t.Fatalf("Import: %v", err)
	}
	if !dst.Has(id) {
		t.Fatalf("block missing after import")
	}
}

func TestImportRejectsForgedBlock(t *testing.T) {
	src := storage.NewMemory()
	id, _ := src.Put([]byte("genuine"))

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	body := []byte("forged")
	if err := tw.WriteHeader(&tar.Header{Name: "blocks/" + id.String(), Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write(body); err != nil {
		t.Fatal(err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}

	if err := bundle.Import(&buf, storage.NewMemory()); err != storage.ErrCIDMismatch {
		t.Fatalf("Import: got %v want ErrCIDMismatch", err)
	}
}

func TestImportUnknownEntries(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	body := []byte("notes")
	_ = tw.WriteHeader(&tar.Header{Name: "README", Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg})
	_, _ = tw.Write(body)
	_ = tw.Close()
	raw := buf.Bytes()

	if err := bundle.Import(bytes.NewReader(raw), storage.NewMemory()); err == nil {
		t.Fatalf("expected fail-closed import")
	}
	if err := bundle.ImportWithOptions(bytes.NewReader(raw), storage.NewMemory(), bundle.ImportOptions{IgnoreUnknown: true}); err != nil {
		t.Fatalf("ImportWithOptions: %v", err)
	}
}
