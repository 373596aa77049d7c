package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Moon-Elf/ecotrace/config"
	"github.com/Moon-Elf/ecotrace/internal/api"
	"github.com/Moon-Elf/ecotrace/internal/app"
	"github.com/Moon-Elf/ecotrace/storage/casregistry"
)

func main() {
	fs := flag.NewFlagSet("ecotrace-api", flag.ExitOnError)
	cfgPath := fs.String("config", os.Getenv("ECOTRACE_CONFIG"), "path to "+config.FileName)
	sweepEvery := fs.Duration("resubmit-interval", time.Minute, "how often unconfirmed records are resubmitted (0 disables)")
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log := cfg.Log.Logger(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg, casregistry.UsageAPI, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer a.Close()

	// SIGHUP re-reads the signer key, the way a wallet switches accounts.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for range hup {
			if err := a.ReloadSigner(ctx); err != nil {
				log.Error("reload signer", "err", err)
			}
		}
	}()

	if *sweepEvery > 0 {
		go func() {
			t := time.NewTicker(*sweepEvery)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					res, err := a.Coordinator.ResubmitPending(ctx, 100)
					if err != nil {
						log.Warn("resubmit sweep", "err", err)
						continue
					}
					if len(res.Confirmed)+len(res.Failed) > 0 {
						log.Info("resubmit sweep", "confirmed", len(res.Confirmed), "failed", len(res.Failed), "skipped", len(res.Skipped))
					}
				}
			}
		}()
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.New(a.Coordinator, cfg.Reference, log).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("ecotrace-api listening", "addr", cfg.HTTP.Addr, "store", cfg.Store.Driver)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("serve", "err", err)
		os.Exit(1)
	}
}
