package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/ipfs/go-cid"

	"github.com/Moon-Elf/ecotrace/cidutil"
	"github.com/Moon-Elf/ecotrace/internal/app"
	"github.com/Moon-Elf/ecotrace/ledger"
	"github.com/Moon-Elf/ecotrace/storage/bundle"
)

func cmdLedger(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(errOut, "usage: ecotrace ledger <subcommand> ...")
		fmt.Fprintln(errOut, "subcommands: head, verify, export, import")
		return 2
	}
	switch args[0] {
	case "head", "verify", "export", "import":
	default:
		fmt.Fprintf(errOut, "unknown ledger subcommand: %s\n", args[0])
		return 2
	}

	fs := flag.NewFlagSet("ledger "+args[0], flag.ContinueOnError)
	fs.SetOutput(errOut)
	var cfgFlag, head, outPath string
	fs.StringVar(&cfgFlag, "config", "", "Config file")
	if args[0] != "head" {
		fs.StringVar(&head, "head", "", "Tx hash to start from (default: the chain head)")
	}
	if args[0] == "export" {
		fs.StringVar(&outPath, "out", "", "Bundle file to write")
	}
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	a, code := openApp(cfgFlag, errOut)
	if a == nil {
		return code
	}
	defer a.Close()
	if a.Chain == nil {
		fmt.Fprintln(errOut, "ledger commands need the in-process ledger (ledger.target is set)")
		return 2
	}
	if head == "" {
		head, _ = a.Chain.Head()
	}

	switch args[0] {
	case "head":
		h, height := a.Chain.Head()
		if h == "" {
			fmt.Fprintln(out, "empty")
			return 0
		}
		fmt.Fprintf(out, "%s\t%d\n", h, height)
		return 0
	case "verify":
		return ledgerVerify(a, head, out, errOut)
	case "export":
		if outPath == "" {
			fmt.Fprintln(errOut, "missing --out")
			return 2
		}
		return ledgerExport(a, head, outPath, out, errOut)
	default:
		if fs.NArg() != 1 {
			fmt.Fprintln(errOut, "usage: ecotrace ledger import <bundle.tar> [--head <tx>]")
			return 2
		}
		f, err := os.Open(fs.Arg(0))
		if err != nil {
			fmt.Fprintf(errOut, "open bundle: %v\n", err)
			return 1
		}
		defer f.Close()
		if err := bundle.Import(f, a.Blocks); err != nil {
			fmt.Fprintf(errOut, "import: %v\n", err)
			return 1
		}
		if head == "" {
			fmt.Fprintln(out, "imported")
			return 0
		}
		return ledgerVerify(a, head, out, errOut)
	}
}

func ledgerVerify(a *app.App, head string, out io.Writer, errOut io.Writer) int {
	if head == "" {
		fmt.Fprintln(out, "empty")
		return 0
	}
	entries, err := ledger.Verify(a.Blocks, head)
	if err != nil {
		fmt.Fprintf(errOut, "verify: %v\n", err)
		return 1
	}
	reverted := 0
	for _, e := range entries {
		if e.Status != ledger.StatusOK {
			reverted++
		}
	}
	fmt.Fprintf(out, "OK %d entries (%d reverted)\n", len(entries), reverted)
	return 0
}

// ledgerExport bundles every block reachable from head.
func ledgerExport(a *app.App, head string, outPath string, out io.Writer, errOut io.Writer) int {
	if head == "" {
		fmt.Fprintln(errOut, "ledger is empty")
		return 1
	}
	entries, err := ledger.Verify(a.Blocks, head)
	if err != nil {
		fmt.Fprintf(errOut, "verify: %v\n", err)
		return 1
	}
	headID, err := cidutil.Parse(head)
	if err != nil {
		fmt.Fprintf(errOut, "head: %v\n", err)
		return 1
	}
	ids := []cid.Cid{headID}
	for _, e := range entries {
		if e.Prev == "" {
			continue
		}
		id, err := cidutil.Parse(e.Prev)
		if err != nil {
			fmt.Fprintf(errOut, "prev: %v\n", err)
			return 1
		}
		ids = append(ids, id)
	}

	f, err := os.Create(outPath)
	if err != nil {
		fmt.Fprintf(errOut, "create: %v\n", err)
		return 1
	}
	err = bundle.Export(f, a.Blocks, ids, bundle.ExportOptions{
		Labels:       map[string]cid.Cid{"head": headID},
		IncludeIndex: true,
	})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		fmt.Fprintf(errOut, "export: %v\n", err)
		return 1
	}
	fmt.Fprintf(out, "Wrote %s (%d blocks)\n", outPath, len(ids))
	return 0
}
