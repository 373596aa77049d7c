// Package bundle packs ledger blocks into a deterministic TAR archive so an
// auditor can verify custody history offline.
//
// Layout:
//
//	blocks/<cid>   raw block bytes, one per ledger entry
//	index.json     optional, non-authoritative listing and labels
//
// Labels usually map a product id to the tx hash of its latest entry.
package bundle

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/ipfs/go-cid"

	"github.com/Moon-Elf/ecotrace/cidutil"
	"github.com/Moon-Elf/ecotrace/storage"
)

// FormatVersion is the index.json schema version.
const FormatVersion = 1

var epoch = time.Unix(0, 0).UTC()

type ExportOptions struct {
	Labels       map[string]cid.Cid
	IncludeIndex bool
}

type indexFile struct {
	Version   int         `json:"version"`
	CIDCodec  string      `json:"cidCodec"`
	Multihash string      `json:"multihash"`
	Blocks    []blockInfo `json:"blocks"`
	Labels    []labelInfo `json:"labels,omitempty"`
}

type blockInfo struct {
	CID  string `json:"cid"`
	Size int    `json:"size"`
}

type labelInfo struct {
	Name string `json:"name"`
	CID  string `json:"cid"`
}

// Export writes the blocks named by ids. Entries are sorted by CID and TAR
// headers are normalized, so the same set of blocks always yields the same
// bytes. Every block is re-hashed before it is written.
func Export(w io.Writer, cas storage.CAS, ids []cid.Cid, opts ExportOptions) error {
	if cas == nil {
		return fmt.Errorf("bundle: nil block store")
	}
	uniq := make(map[string]cid.Cid, len(ids))
	for _, id := range ids {
		if !id.Defined() {
			return storage.ErrInvalidCID
		}
		uniq[id.String()] = id
	}
	keys := make([]string, 0, len(uniq))
	for k := range uniq {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tw := tar.NewWriter(w)
	fail := func(err error) error {
		_ = tw.Close()
		return err
	}

	index := indexFile{Version: FormatVersion, CIDCodec: "raw", Multihash: "sha2-256"}
	for _, k := range keys {
		id := uniq[k]
		block, err := cas.Get(id)
		if err != nil {
			return fail(fmt.Errorf("bundle: read %s: %w", k, err))
		}
		got, err := cidutil.Sum(block)
		if err != nil {
			return fail(err)
		}
		if !got.Equals(id) {
			return fail(storage.ErrCIDMismatch)
		}
		if err := writeEntry(tw, "blocks/"+k, block); err != nil {
			return fail(err)
		}
		index.Blocks = append(index.Blocks, blockInfo{CID: k, Size: len(block)})
	}

	if !opts.IncludeIndex {
		return tw.Close()
	}

	names := make([]string, 0, len(opts.Labels))
	for name := range opts.Labels {
		if name == "" {
			return fail(fmt.Errorf("bundle: empty label"))
		}
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		id := opts.Labels[name]
		if !id.Defined() {
			return fail(storage.ErrInvalidCID)
		}
		index.Labels = append(index.Labels, labelInfo{Name: name, CID: id.String()})
	}

	b, err := json.Marshal(index)
	if err != nil {
		return fail(err)
	}
	if err := writeEntry(tw, "index.json", append(b, '\n')); err != nil {
		return fail(err)
	}
	return tw.Close()
}

type ImportOptions struct {
	// IgnoreUnknown skips entries outside blocks/ instead of failing.
	IgnoreUnknown bool
}

// Import loads every block of a bundle into cas, failing closed on unknown
// entries.
func Import(r io.Reader, cas storage.CAS) error {
	return ImportWithOptions(r, cas, ImportOptions{})
}

// ImportWithOptions loads a bundle, checking each block against both its
// entry name and its recomputed CID.
func ImportWithOptions(r io.Reader, cas storage.CAS, opts ImportOptions) error {
	if cas == nil {
		return fmt.Errorf("bundle: nil block store")
	}
	tr := tar.NewReader(r)
	seen := map[string]struct{}{}

	for {
		h, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		name := cleanPath(h.Name)
		if name == "" {
			return fmt.Errorf("bundle: invalid entry path %q", h.Name)
		}
		if h.Typeflag != tar.TypeReg {
			if opts.IgnoreUnknown {
				continue
			}
			return fmt.Errorf("bundle: unexpected entry type %v (%s)", h.Typeflag, name)
		}
		if name == "index.json" {
			_, _ = io.Copy(io.Discard, tr)
			continue
		}
		if !strings.HasPrefix(name, "blocks/") {
			if opts.IgnoreUnknown {
				_, _ = io.Copy(io.Discard, tr)
				continue
			}
			return fmt.Errorf("bundle: unknown entry %s", name)
		}

		id, err := cid.Decode(strings.TrimPrefix(name, "blocks/"))
		if err != nil || !id.Defined() {
			return storage.ErrInvalidCID
		}
		if _, dup := seen[id.String()]; dup {
			return fmt.Errorf("bundle: duplicate block %s", id)
		}
		seen[id.String()] = struct{}{}

		block, err := io.ReadAll(tr)
		if err != nil {
			return err
		}
		got, err := cidutil.Sum(block)
		if err != nil {
			return err
		}
		if !got.Equals(id) {
			return storage.ErrCIDMismatch
		}
		put, err := cas.Put(block)
		if err != nil {
			return err
		}
		if !put.Equals(id) {
			return storage.ErrCIDMismatch
		}
	}
}

func writeEntry(tw *tar.Writer, name string, content []byte) error {
	hdr := &tar.Header{
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(content)),
		ModTime:  epoch,
		Typeflag: tar.TypeReg,
		Format:   tar.FormatPAX,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := io.Copy(tw, bytes.NewReader(content))
	return err
}

// cleanPath rejects absolute, empty-segment and parent-relative names.
func cleanPath(name string) string {
	name = strings.ReplaceAll(strings.TrimSpace(name), "\\", "/")
	name = strings.TrimPrefix(strings.TrimPrefix(name, "./"), "/")
	if name == "" {
		return ""
	}
	for _, part := range strings.Split(name, "/") {
		if part == "" || part == "." || part == ".." {
			return ""
		}
	}
	return name
}
