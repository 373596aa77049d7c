package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"github.com/Moon-Elf/ecotrace/ledger"
	"github.com/Moon-Elf/ecotrace/ledger/grpcledger"
	"github.com/Moon-Elf/ecotrace/storage/casregistry"

	_ "github.com/Moon-Elf/ecotrace/storage/localfs"
)

func main() {
	fs := flag.NewFlagSet("ecotrace-ledgerd", flag.ExitOnError)
	listen := fs.String("listen", "127.0.0.1:7443", "listen address")
	backend := fs.String("backend", "localfs", "block store backend name")
	listBackends := fs.Bool("list-backends", false, "List supported backends and exit")
	chainID := fs.String("chain-id", "ecotrace-local", "chain id served to clients")
	contracts := fs.String("contracts", "custody-v1", "comma-separated custody contract addresses")
	headFile := fs.String("head-file", "", "file recording the chain head (empty keeps it in memory)")
	delay := fs.Duration("inclusion-delay", 0, "delay before pending transactions are included")
	retention := fs.Duration("retention", ledger.DefaultRetention, "how long settled transactions stay awaitable")
	maxMsg := fs.Int("max-msg-bytes", 16<<20, "largest gRPC message accepted or sent")
	logJSON := fs.Bool("log-json", false, "log as JSON")

	casregistry.RegisterFlags(fs, casregistry.UsageDaemon)

	_ = fs.Parse(os.Args[1:])
	if *listBackends {
		for _, b := range casregistry.List(casregistry.UsageDaemon) {
			if b.Description == "" {
				_, _ = fmt.Fprintf(os.Stdout, "%s\n", b.Name)
				continue
			}
			_, _ = fmt.Fprintf(os.Stdout, "%s\t%s\n", b.Name, b.Description)
		}
		return
	}

	var log *slog.Logger
	if *logJSON {
		log = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	} else {
		log = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	blocks, closeFn, err := casregistry.Open(*backend, casregistry.UsageDaemon)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if closeFn != nil {
		defer closeFn()
	}

	chain, err := ledger.Open(blocks, ledger.Options{
		ChainID:        *chainID,
		Contracts:      splitList(*contracts),
		HeadFile:       *headFile,
		InclusionDelay: *delay,
		Retention:      *retention,
		Logger:         log,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer chain.Close()

	lis, err := net.Listen("tcp", *listen)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer lis.Close()

	s := grpc.NewServer(grpc.MaxRecvMsgSize(*maxMsg), grpc.MaxSendMsgSize(*maxMsg))
	grpcledger.RegisterLedgerServer(s, &grpcledger.Server{Network: chain})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info("shutting down")
		done := make(chan struct{})
		go func() { s.GracefulStop(); close(done) }()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			s.Stop()
		}
	}()

	head, height := chain.Head()
	log.Info("ledgerd listening", "addr", lis.Addr().String(), "backend", *backend, "chain_id", *chainID, "head", head, "height", height)
	if err := s.Serve(lis); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
