package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Moon-Elf/ecotrace/keys"
)

func cmdKey(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printKeyUsage(errOut)
		return 2
	}
	switch args[0] {
	case "init":
		return cmdKeyInit(args[1:], out, errOut)
	case "derive":
		return cmdKeyDerive(args[1:], out, errOut)
	case "list":
		return cmdKeyList(args[1:], out, errOut)
	case "address":
		return cmdKeyAddress(args[1:], out, errOut)
	case "help", "-h", "--help":
		printKeyUsage(out)
		return 0
	default:
		fmt.Fprintf(errOut, "unknown key subcommand: %s\n\n", args[0])
		printKeyUsage(errOut)
		return 2
	}
}

func printKeyUsage(w io.Writer) {
	fmt.Fprintln(w, "ecotrace key: local signer keys for supply-chain actors")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  ecotrace key init --actor <name> [--seed-hex <64hex>] [--force]")
	fmt.Fprintln(w, "  ecotrace key derive --actor <name> --role <role> [--force]")
	fmt.Fprintln(w, "  ecotrace key list")
	fmt.Fprintln(w, "  ecotrace key address --actor <name> [--role <role>] [--alg ed25519|dilithium3]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "All subcommands take --keys-dir (default $ECOTRACE_KEYS_DIR, then ~/.ecotrace/keys).")
}

func keysDirFlag(fs *flag.FlagSet) *string {
	return fs.String("keys-dir", os.Getenv("ECOTRACE_KEYS_DIR"), "Key directory")
}

func cmdKeyInit(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("key init", flag.ContinueOnError)
	fs.SetOutput(errOut)

	var actor string
	var seedHex string
	var force bool

	dir := keysDirFlag(fs)
	fs.StringVar(&actor, "actor", "", "Actor name (directory under the key dir)")
	fs.StringVar(&seedHex, "seed-hex", "", "Optional seed as 64 hex chars (for reproducible demos)")
	fs.BoolVar(&force, "force", false, "Overwrite existing key files")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if actor == "" {
		fmt.Fprintln(errOut, "missing --actor")
		return 2
	}
	if err := keys.CheckActor(actor); err != nil {
		fmt.Fprintf(errOut, "invalid --actor: %v\n", err)
		return 2
	}
	var seed []byte
	if seedHex != "" {
		var err error
		if seed, err = keys.ParseSeedHex(seedHex); err != nil {
			fmt.Fprintf(errOut, "invalid --seed-hex: %v\n", err)
			return 2
		}
	}
	ks, err := keys.Open(*dir)
	if err != nil {
		fmt.Fprintf(errOut, "keys: %v\n", err)
		return 1
	}
	address, path, err := ks.InitRoot(actor, seed, force)
	if err != nil {
		fmt.Fprintf(errOut, "write key: %v\n", err)
		return 1
	}
	fmt.Fprintf(out, "Created root key: %s\n", address)
	fmt.Fprintf(out, "Stored at: %s\n", path)
	return 0
}

func cmdKeyDerive(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("key derive", flag.ContinueOnError)
	fs.SetOutput(errOut)

	var actor string
	var role string
	var force bool

	dir := keysDirFlag(fs)
	fs.StringVar(&actor, "actor", "", "Actor with a root key")
	fs.StringVar(&role, "role", "", "Role identifier (e.g. harvesting, manufacturing, transport)")
	fs.BoolVar(&force, "force", false, "Overwrite existing key files")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if actor == "" {
		fmt.Fprintln(errOut, "missing --actor")
		return 2
	}
	if role == "" {
		fmt.Fprintln(errOut, "missing --role")
		return 2
	}
	if err := keys.CheckActor(actor); err != nil {
		fmt.Fprintf(errOut, "invalid --actor: %v\n", err)
		return 2
	}
	if err := keys.CheckRole(role); err != nil {
		fmt.Fprintf(errOut, "invalid --role: %v\n", err)
		return 2
	}
	ks, err := keys.Open(*dir)
	if err != nil {
		fmt.Fprintf(errOut, "keys: %v\n", err)
		return 1
	}
	address, path, err := ks.DeriveRole(actor, role, force)
	if err != nil {
		fmt.Fprintf(errOut, "derive role key: %v\n", err)
		return 1
	}
	fmt.Fprintf(out, "Created role key: %s\n", address)
	fmt.Fprintf(out, "Stored at: %s\n", path)
	return 0
}

func cmdKeyList(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("key list", flag.ContinueOnError)
	fs.SetOutput(errOut)
	dir := keysDirFlag(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	ks, err := keys.Open(*dir)
	if err != nil {
		fmt.Fprintf(errOut, "keys: %v\n", err)
		return 1
	}
	entries, err := ks.List()
	if err != nil {
		fmt.Fprintf(errOut, "list keys: %v\n", err)
		return 1
	}
	for _, e := range entries {
		fmt.Fprintf(out, "%s\n", e.Actor)
		for _, r := range e.Roles {
			fmt.Fprintf(out, "  - %s\n", r)
		}
	}
	return 0
}

func cmdKeyAddress(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("key address", flag.ContinueOnError)
	fs.SetOutput(errOut)

	var actor, role, alg string
	dir := keysDirFlag(fs)
	fs.StringVar(&actor, "actor", "", "Actor name")
	fs.StringVar(&role, "role", "", "Optional role")
	fs.StringVar(&alg, "alg", string(keys.Ed25519), "Signature algorithm")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if actor == "" {
		fmt.Fprintln(errOut, "missing --actor")
		return 2
	}
	a, err := keys.ParseAlgorithm(alg)
	if err != nil {
		fmt.Fprintf(errOut, "invalid --alg: %v\n", err)
		return 2
	}
	ks, err := keys.Open(*dir)
	if err != nil {
		fmt.Fprintf(errOut, "keys: %v\n", err)
		return 1
	}
	address, err := ks.Address(actor, role, a)
	if err != nil {
		fmt.Fprintf(errOut, "address: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(out, address)
	return 0
}
