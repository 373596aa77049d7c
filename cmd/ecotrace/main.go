package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/Moon-Elf/ecotrace/config"
	"github.com/Moon-Elf/ecotrace/custody"
	"github.com/Moon-Elf/ecotrace/internal/app"
	"github.com/Moon-Elf/ecotrace/model"
	"github.com/Moon-Elf/ecotrace/storage/casregistry"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printUsage(errOut)
		return 2
	}

	switch args[0] {
	case "harvest", "manufacture", "amend", "ship", "update-shipment", "consume":
		return cmdStage(args[0], args[1:], out, errOut)
	case "view":
		return cmdView(args[1:], out, errOut)
	case "token":
		return cmdToken(args[1:], out, errOut)
	case "qr":
		return cmdQR(args[1:], out, errOut)
	case "resume":
		return cmdResume(args[1:], out, errOut)
	case "resubmit":
		return cmdResubmit(args[1:], out, errOut)
	case "ledger":
		return cmdLedger(args[1:], out, errOut)
	case "key":
		return cmdKey(args[1:], out, errOut)
	case "config":
		return cmdConfig(args[1:], out, errOut)
	case "help", "-h", "--help":
		printUsage(out)
		return 0
	default:
		fmt.Fprintf(errOut, "unknown command: %s\n\n", args[0])
		printUsage(errOut)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "ecotrace: custody provenance for timber products")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  ecotrace harvest --payload <file>")
	fmt.Fprintln(w, "  ecotrace manufacture --product <id> --payload <file>")
	fmt.Fprintln(w, "  ecotrace amend --product <id> --payload <file>")
	fmt.Fprintln(w, "  ecotrace ship --product <id> --payload <file>")
	fmt.Fprintln(w, "  ecotrace update-shipment --product <id> --payload <file>")
	fmt.Fprintln(w, "  ecotrace consume --product <id> [--payload <file>]")
	fmt.Fprintln(w, "  ecotrace view --product <id>")
	fmt.Fprintln(w, "  ecotrace token show --product <id>")
	fmt.Fprintln(w, "  ecotrace token decode <file>")
	fmt.Fprintln(w, "  ecotrace qr render --product <id> [--out <png>] [--size <px>]")
	fmt.Fprintln(w, "  ecotrace qr scan <png>")
	fmt.Fprintln(w, "  ecotrace resume <token-file>")
	fmt.Fprintln(w, "  ecotrace resubmit (--record <id> | --all [--limit <n>])")
	fmt.Fprintln(w, "  ecotrace ledger head")
	fmt.Fprintln(w, "  ecotrace ledger verify [--head <tx>]")
	fmt.Fprintln(w, "  ecotrace ledger export --out <bundle.tar> [--head <tx>]")
	fmt.Fprintln(w, "  ecotrace ledger import <bundle.tar> [--head <tx>]")
	fmt.Fprintln(w, "  ecotrace key init --actor <name> [--seed-hex <64hex>] [--force]")
	fmt.Fprintln(w, "  ecotrace key derive --actor <name> --role <role> [--force]")
	fmt.Fprintln(w, "  ecotrace key list")
	fmt.Fprintln(w, "  ecotrace key address --actor <name> [--role <role>] [--alg ed25519|dilithium3]")
	fmt.Fprintln(w, "  ecotrace config init [--out <file>] [--force]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Notes:")
	fmt.Fprintln(w, "  - every command except key and config takes --config <file> (default $ECOTRACE_CONFIG, then ~/.ecotrace/ecotrace.yaml)")
	fmt.Fprintln(w, "  - payload files hold one JSON object; - reads stdin")
	fmt.Fprintln(w, "  - a transition whose ledger write fails keeps its off-chain record; resubmit it with ecotrace resubmit --record <id>")
}

// configPath picks the config file: the flag, then $ECOTRACE_CONFIG, then
// the default location if it exists.
func configPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := os.Getenv("ECOTRACE_CONFIG"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	p := filepath.Join(home, ".ecotrace", config.FileName)
	if _, err := os.Stat(p); err == nil {
		return p
	}
	return ""
}

// openApp loads config and wires the coordinator. The caller closes the app.
func openApp(cfgFlag string, errOut io.Writer) (*app.App, int) {
	cfg, err := config.Load(configPath(cfgFlag))
	if err != nil {
		fmt.Fprintln(errOut, err)
		return nil, 2
	}
	a, err := app.Open(context.Background(), cfg, casregistry.UsageCLI, cfg.Log.Logger(errOut))
	if err != nil {
		fmt.Fprintf(errOut, "open: %v\n", err)
		return nil, 1
	}
	return a, 0
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// reportError prints a custody error with its code and, when an off-chain
// record was left behind, how to resubmit it.
func reportError(errOut io.Writer, err error) int {
	ce := model.FromError(err)
	if ce.Reason != "" {
		fmt.Fprintf(errOut, "%s (%s): %s\n", ce.Code, ce.Reason, ce.Message)
	} else {
		fmt.Fprintf(errOut, "%s: %s\n", ce.Code, ce.Message)
	}
	for _, v := range ce.Violations {
		fmt.Fprintf(errOut, "  - %s: %s\n", v.Field, v.Message)
	}
	if ce.Code == model.ErrValidationRejected && ce.RecordID != "" {
		// An earlier record is blocking this one.
		fmt.Fprintf(errOut, "resubmit it with: ecotrace resubmit --record %s\n", ce.RecordID)
	} else if ce.RecordID != "" {
		fmt.Fprintf(errOut, "record %s was stored off-chain", ce.RecordID)
		if ce.Retryable || ce.Reason == "UserRejected" {
			fmt.Fprintf(errOut, "; resubmit with: ecotrace resubmit --record %s", ce.RecordID)
		}
		fmt.Fprintln(errOut)
	}
	var e *custody.Error
	if errors.As(err, &e) && e.Code == custody.CodeNotFound {
		return 3
	}
	return 1
}

func readPayload(path string) (map[string]any, error) {
	var b []byte
	var err error
	if path == "-" {
		b, err = io.ReadAll(os.Stdin)
	} else {
		b, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	var payload map[string]any
	if err := json.Unmarshal(b, &payload); err != nil {
		return nil, fmt.Errorf("payload is not a JSON object: %w", err)
	}
	if payload == nil {
		return nil, errors.New("payload is not a JSON object")
	}
	return payload, nil
}

func cmdStage(name string, args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(errOut)

	var cfgFlag, productID, payloadPath string
	fs.StringVar(&cfgFlag, "config", "", "Config file")
	fs.StringVar(&payloadPath, "payload", "", "JSON payload file (- for stdin)")
	if name != "harvest" {
		fs.StringVar(&productID, "product", "", "Product id assigned at harvest")
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if name != "harvest" && productID == "" {
		fmt.Fprintln(errOut, "missing --product")
		return 2
	}
	payload := map[string]any{}
	switch {
	case payloadPath != "":
		p, err := readPayload(payloadPath)
		if err != nil {
			fmt.Fprintf(errOut, "read --payload: %v\n", err)
			return 2
		}
		payload = p
	case name != "consume":
		fmt.Fprintln(errOut, "missing --payload")
		return 2
	}

	a, code := openApp(cfgFlag, errOut)
	if a == nil {
		return code
	}
	defer a.Close()

	ctx := context.Background()
	c := a.Coordinator
	var res custody.Result
	var err error
	switch name {
	case "harvest":
		res, err = c.InitiateHarvest(ctx, payload)
	case "manufacture":
		res, err = c.CreateManufacturingRecord(ctx, productID, payload)
	case "amend":
		res, err = c.UpdateManufacturingRecord(ctx, productID, payload)
	case "ship":
		res, err = c.CreateTransportationRecord(ctx, productID, payload)
	case "update-shipment":
		res, err = c.UpdateTransportationRecord(ctx, productID, payload)
	case "consume":
		res, err = c.RecordConsumption(ctx, productID, payload)
	}
	if err != nil {
		return reportError(errOut, err)
	}
	if err := writeJSON(out, model.TransitionOf(res)); err != nil {
		fmt.Fprintf(errOut, "write: %v\n", err)
		return 1
	}
	return 0
}

func cmdView(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("view", flag.ContinueOnError)
	fs.SetOutput(errOut)
	var cfgFlag, productID string
	fs.StringVar(&cfgFlag, "config", "", "Config file")
	fs.StringVar(&productID, "product", "", "Product id")
	if err := fs.Parse(args); err != nil {
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

	view, err := a.Coordinator.LookupConsumerView(context.Background(), productID)
	if err != nil {
		return reportError(errOut, err)
	}
	_ = writeJSON(out, view)
	return 0
}

func cmdResubmit(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("resubmit", flag.ContinueOnError)
	fs.SetOutput(errOut)
	var cfgFlag, recordID string
	var all bool
	var limit int
	fs.StringVar(&cfgFlag, "config", "", "Config file")
	fs.StringVar(&recordID, "record", "", "Record id to resubmit")
	fs.BoolVar(&all, "all", false, "Resubmit every unconfirmed record the signer has not declined")
	fs.IntVar(&limit, "limit", 100, "Most records to resubmit with --all")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if (recordID == "") == !all {
		fmt.Fprintln(errOut, "exactly one of --record or --all is required")
		return 2
	}
	a, code := openApp(cfgFlag, errOut)
	if a == nil {
		return code
	}
	defer a.Close()

	ctx := context.Background()
	if all {
		res, err := a.Coordinator.ResubmitPending(ctx, limit)
		if err != nil {
			return reportError(errOut, err)
		}
		_ = writeJSON(out, res)
		if len(res.Failed) > 0 {
			return 1
		}
		return 0
	}
	rec, err := a.Coordinator.ResubmitLedger(ctx, recordID)
	if err != nil {
		return reportError(errOut, err)
	}
	_ = writeJSON(out, model.ResubmitResponse{Record: model.RecordOf(rec)})
	return 0
}

func cmdConfig(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 || args[0] != "init" {
		fmt.Fprintln(errOut, "usage: ecotrace config init [--out <file>] [--force]")
		return 2
	}
	fs := flag.NewFlagSet("config init", flag.ContinueOnError)
	fs.SetOutput(errOut)
	var path string
	var force bool
	fs.StringVar(&path, "out", "", "Where to write the sample (default ~/.ecotrace/"+config.FileName+")")
	fs.BoolVar(&force, "force", false, "Overwrite an existing file")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(errOut, "home: %v\n", err)
			return 1
		}
		path = filepath.Join(home, ".ecotrace", config.FileName)
	}
	if _, err := os.Stat(path); err == nil && !force {
		fmt.Fprintf(errOut, "%s exists (use --force to overwrite)\n", path)
		return 1
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		fmt.Fprintf(errOut, "mkdir: %v\n", err)
		return 1
	}
	if err := os.WriteFile(path, []byte(config.SampleYAML), 0o644); err != nil {
		fmt.Fprintf(errOut, "write: %v\n", err)
		return 1
	}
	fmt.Fprintf(out, "Wrote %s\n", path)
	return 0
}
