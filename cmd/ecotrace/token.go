package main

import (
	"context"
	"flag"
	"fmt"
	"image/png"
	"io"
	"os"

	"github.com/Moon-Elf/ecotrace/token"
)

func cmdToken(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(errOut, "usage: ecotrace token <subcommand> ...")
		fmt.Fprintln(errOut, "subcommands: show, decode")
		return 2
	}
	switch args[0] {
	case "show":
		fs := flag.NewFlagSet("token show", flag.ContinueOnError)
		fs.SetOutput(errOut)
		var cfgFlag, productID string
		fs.StringVar(&cfgFlag, "config", "", "Config file")
		fs.StringVar(&productID, "product", "", "Product id")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		if productID == "" {
			fmt.Fprintln(errOut, "missing --product")
			return 2
		}
		a, code := openApp(cfgFlag, errOut)
		if a == nil {
			return code
		}
		defer a.Close()
		_, enc, err := a.Coordinator.CurrentToken(context.Background(), productID)
		if err != nil {
			return reportError(errOut, err)
		}
		// Canonical bytes, no trailing newline.
		_, _ = out.Write(enc)
		return 0
	case "decode":
		fs := flag.NewFlagSet("token decode", flag.ContinueOnError)
		fs.SetOutput(errOut)
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		if fs.NArg() != 1 {
			fmt.Fprintln(errOut, "usage: ecotrace token decode <file>")
			return 2
		}
		b, err := os.ReadFile(fs.Arg(0))
		if err != nil {
			fmt.Fprintf(errOut, "read token: %v\n", err)
			return 1
		}
		tok, err := token.Decode(b)
		if err != nil {
			return reportError(errOut, err)
		}
		_ = writeJSON(out, tok)
		return 0
	default:
		fmt.Fprintf(errOut, "unknown token subcommand: %s\n", args[0])
		return 2
	}
}

func cmdQR(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(errOut, "usage: ecotrace qr <subcommand> ...")
		fmt.Fprintln(errOut, "subcommands: render, scan")
		return 2
	}
	switch args[0] {
	case "render":
		fs := flag.NewFlagSet("qr render", flag.ContinueOnError)
		fs.SetOutput(errOut)
		var cfgFlag, productID, outPath string
		var size int
		fs.StringVar(&cfgFlag, "config", "", "Config file")
		fs.StringVar(&productID, "product", "", "Product id")
		fs.StringVar(&outPath, "out", "", "PNG path (default product-<id>-qr.png)")
		fs.IntVar(&size, "size", token.DefaultQRSize, "Edge length in pixels")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		if productID == "" {
			fmt.Fprintln(errOut, "missing --product")
			return 2
		}
		if outPath == "" {
			outPath = "product-" + productID + "-qr.png"
		}
		a, code := openApp(cfgFlag, errOut)
		if a == nil {
			return code
		}
		defer a.Close()
		tok, _, err := a.Coordinator.CurrentToken(context.Background(), productID)
		if err != nil {
			return reportError(errOut, err)
		}
		img, err := token.RenderQR(tok, size)
		if err != nil {
			fmt.Fprintf(errOut, "render: %v\n", err)
			return 1
		}
		if err := os.WriteFile(outPath, img, 0o644); err != nil {
			fmt.Fprintf(errOut, "write: %v\n", err)
			return 1
		}
		fmt.Fprintf(out, "Wrote %s (stage %s, %d refs)\n", outPath, tok.Stage, len(tok.TxRefs))
		return 0
	case "scan":
		fs := flag.NewFlagSet("qr scan", flag.ContinueOnError)
		fs.SetOutput(errOut)
		var cfgFlag string
		var offline bool
		fs.StringVar(&cfgFlag, "config", "", "Config file")
		fs.BoolVar(&offline, "offline", false, "Only decode the token; do not reconcile with records")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		if fs.NArg() != 1 {
			fmt.Fprintln(errOut, "usage: ecotrace qr scan [--offline] <png>")
			return 2
		}
		f, err := os.Open(fs.Arg(0))
		if err != nil {
			fmt.Fprintf(errOut, "open: %v\n", err)
			return 1
		}
		img, err := png.Decode(f)
		_ = f.Close()
		if err != nil {
			return reportError(errOut, &token.DecodeError{Reason: token.UnreadableCapture, Message: "not a PNG image", Cause: err})
		}
		if offline {
			tok, err := token.Scan(img)
			if err != nil {
				return reportError(errOut, err)
			}
			_ = writeJSON(out, tok)
			return 0
		}
		data, err := token.ExtractQR(img)
		if err != nil {
			return reportError(errOut, err)
		}
		return resume(cfgFlag, data, out, errOut)
	default:
		fmt.Fprintf(errOut, "unknown qr subcommand: %s\n", args[0])
		return 2
	}
}

func cmdResume(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("resume", flag.ContinueOnError)
	fs.SetOutput(errOut)
	var cfgFlag string
	fs.StringVar(&cfgFlag, "config", "", "Config file")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(errOut, "usage: ecotrace resume <token-file>")
		return 2
	}
	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(errOut, "read token: %v\n", err)
		return 1
	}
	return resume(cfgFlag, data, out, errOut)
}

// resume reconciles a handed-over token and exits 4 when it is stale.
func resume(cfgFlag string, data []byte, out io.Writer, errOut io.Writer) int {
	a, code := openApp(cfgFlag, errOut)
	if a == nil {
		return code
	}
	defer a.Close()
	rep, err := a.Coordinator.Resume(context.Background(), data)
	if err != nil {
		return reportError(errOut, err)
	}
	_ = writeJSON(out, rep)
	if rep.Stale {
		fmt.Fprintf(errOut, "token is stale: records are at %s, token says %s\n", rep.State, rep.TokenStage)
		return 4
	}
	return 0
}
