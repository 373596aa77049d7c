// Package app assembles a coordinator from a loaded config. The CLI and the
// HTTP server share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"

	"github.com/Moon-Elf/ecotrace/config"
	"github.com/Moon-Elf/ecotrace/custody"
	"github.com/Moon-Elf/ecotrace/keys"
	"github.com/Moon-Elf/ecotrace/ledger"
	"github.com/Moon-Elf/ecotrace/ledger/grpcledger"
	"github.com/Moon-Elf/ecotrace/offchain"
	"github.com/Moon-Elf/ecotrace/schema"
	"github.com/Moon-Elf/ecotrace/session"
	"github.com/Moon-Elf/ecotrace/storage"
	"github.com/Moon-Elf/ecotrace/storage/casregistry"
	"github.com/Moon-Elf/ecotrace/wallet"

	// Block store backends.
	_ "github.com/Moon-Elf/ecotrace/storage/localfs"
)

// GRPCMaxMsgBytes bounds ledger RPC messages in both directions.
const GRPCMaxMsgBytes = 16 << 20

type App struct {
	Config      config.Config
	Log         *slog.Logger
	Store       offchain.Store
	Network     ledger.Network
	Wallet      *wallet.Switchable
	Coordinator *custody.Coordinator

	// Chain and Blocks are set when the ledger runs in-process.
	Chain  *ledger.Chain
	Blocks storage.CAS

	// mu guards session and closed; ReloadSigner may run from a signal
	// handler while Close runs.
	mu      sync.Mutex
	session *session.Session
	closed  bool
	closers []func() error
}

// Open wires every component. A missing signer is not an error: the
// coordinator still writes off-chain records and leaves them
// ledger_unconfirmed until a signer is bound.
func Open(ctx context.Context, cfg config.Config, usage casregistry.Usage, log *slog.Logger) (_ *App, err error) {
	if log == nil {
		log = slog.Default()
	}
	a := &App{Config: cfg, Log: log}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	if err := a.openNetwork(usage); err != nil {
		return nil, err
	}

	signer, err := LoadSigner(cfg.Signer)
	if err != nil && !noSigner(err) {
		return nil, err
	}
	a.Wallet = wallet.NewSwitchable(signer, cfg.Ledger.ChainID)

	checker, err := schema.New(cfg.Reference, nil)
	if err != nil {
		return nil, err
	}
	a.Coordinator, err = custody.New(custody.Options{
		Store:          a.Store,
		Schema:         checker,
		ConfirmTimeout: cfg.Ledger.ConfirmTimeout,
		Carbon:         cfg.Carbon,
		Logger:         log,
	})
	if err != nil {
		return nil, err
	}
	if err := a.Reconnect(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	sc := a.Config.Store
	switch sc.Driver {
	case "memory":
		a.Store = offchain.NewMemory()
	case "file":
		m, err := offchain.OpenFile(sc.Path)
		if err != nil {
			return fmt.Errorf("app: open record file: %w", err)
		}
		a.Store = m
	case "postgres":
		pool, err := offchain.Connect(ctx, sc.DatabaseURL, offchain.PoolOptions{MaxConns: sc.MaxConns})
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		pg := offchain.NewPostgres(pool)
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		a.Store = pg
	default:
		return fmt.Errorf("app: unknown store driver %q", sc.Driver)
	}
	a.Log.Debug("record store ready", "driver", sc.Driver)
	return nil
}

func (a *App) openNetwork(usage casregistry.Usage) error {
	lc := a.Config.Ledger
	if lc.Target != "" {
		c, err := grpcledger.Dial(lc.Target, grpcledger.DialOptions{Timeout: lc.DialTimeout, MaxMsgBytes: GRPCMaxMsgBytes})
		if err != nil {
			return fmt.Errorf("app: dial ledger %s: %w", lc.Target, err)
		}
		a.closers = append(a.closers, c.Close)
		a.Network = c
		a.Log.Debug("ledger remote", "target", lc.Target)
		return nil
	}

	blocks, closeBlocks, err := lc.Blocks.Open(usage)
	if err != nil {
		return err
	}
	if closeBlocks != nil {
		a.closers = append(a.closers, closeBlocks)
	}
	chain, err := ledger.Open(blocks, ledger.Options{
		ChainID:   lc.ChainID,
		Contracts: []string{lc.ContractAddress},
		HeadFile:  lc.HeadFile,
		Logger:    a.Log,
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, chain.Close)
	a.Chain, a.Blocks, a.Network = chain, blocks, chain
	head, height := chain.Head()
	a.Log.Debug("ledger in-process", "chain_id", lc.ChainID, "head", head, "height", height)
	return nil
}

// noSigner reports whether err only means the actor has no key yet.
func noSigner(err error) bool {
	return errors.Is(err, keys.ErrNoSigner) || errors.Is(err, fs.ErrNotExist)
}

// LoadSigner reads the configured actor's key. It returns keys.ErrNoSigner
// when no actor is configured.
func LoadSigner(sc config.SignerConfig) (wallet.Signer, error) {
	alg, err := keys.ParseAlgorithm(sc.Algorithm)
	if err != nil {
		return nil, err
	}
	ks, err := keys.Open(sc.KeysDir)
	if err != nil {
		return nil, err
	}
	seed, err := ks.LoadSeed("", sc.Actor, sc.Role, "")
	if err != nil {
		return nil, err
	}
	signer, err := wallet.NewKeySigner(alg, sc.HashAlg, seed)
	if err != nil {
		return nil, err
	}
	return signer, nil
}

// Reconnect opens a session for the wallet's current signer and binds it to
// the coordinator, replacing any earlier one.
func (a *App) Reconnect(ctx context.Context) error {
	s, err := session.Connect(ctx, a.Wallet, a.Network, session.Config{
		ContractAddress: a.Config.Ledger.ContractAddress,
		ChainID:         a.Config.Ledger.ChainID,
		ConfirmTimeout:  a.Config.Ledger.ConfirmTimeout,
		Logger:          a.Log,
	})
	if errors.Is(err, session.ErrNoIdentity) {
		a.Log.Warn("no signer configured; ledger writes stay unconfirmed")
		a.bind(nil)
		return nil
	}
	if err != nil {
		return err
	}
	a.bind(s)
	a.Log.Info("ledger session connected", "address", s.Address(), "chain_id", a.Config.Ledger.ChainID)
	return nil
}

func (a *App) bind(s *session.Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		if s != nil {
			s.Close()
		}
		return
	}
	if a.session != nil {
		a.session.Close()
	}
	a.session = s
	if s == nil {
		// A nil *Session in the interface would look bound.
		a.Coordinator.Bind(nil)
		return
	}
	a.Coordinator.Bind(s)
}

// Session returns the bound session, or nil.
func (a *App) Session() *session.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

// ReloadSigner re-reads the signer key and reconnects. The previous session
// is invalidated by the wallet change before the new one is bound.
func (a *App) ReloadSigner(ctx context.Context) error {
	signer, err := LoadSigner(a.Config.Signer)
	if err != nil && !noSigner(err) {
		return err
	}
	a.Wallet.SetSigner(signer)
	return a.Reconnect(ctx)
}

func (a *App) Close() error {
	a.mu.Lock()
	a.closed = true
	if a.session != nil {
		a.session.Close()
		a.session = nil
	}
	a.mu.Unlock()
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
