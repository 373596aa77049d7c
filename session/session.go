// Package session binds one signing identity to one ledger connection.
//
// A Session never rebinds itself: an identity or network change from its
// wallet.Source invalidates it, operations in flight fail with NotConnected,
// and the caller must Connect again.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Moon-Elf/ecotrace/ledger"
	"github.com/Moon-Elf/ecotrace/wallet"
)

// DefaultConfirmTimeout bounds AwaitConfirmation when nothing else does.
const DefaultConfirmTimeout = 30 * time.Second

var (
	ErrNoIdentity  = errors.New("session: no signing identity")
	ErrInvalidated = errors.New("session: invalidated by identity or network change")
)

type Config struct {
	ContractAddress string
	ChainID         string
	ConfirmTimeout  time.Duration
	Logger          *slog.Logger
}

type Session struct {
	cfg    Config
	net    ledger.Network
	signer wallet.Signer
	log    *slog.Logger

	// mu serializes Submit so nonces follow submission order.
	mu         sync.Mutex
	nonce      uint64
	nonceKnown bool

	once        sync.Once
	done        chan struct{}
	unsubscribe func()
}

// Connect binds the source's current signer to net. It fails with
// ErrNoIdentity when no signer is available and with NotConnected when net
// serves a different chain than cfg names.
func Connect(ctx context.Context, src wallet.Source, net ledger.Network, cfg Config) (*Session, error) {
	if cfg.ContractAddress == "" || cfg.ChainID == "" {
		return nil, errors.New("session: contract address and chain id are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	signer, err := src.Current(ctx)
	if err != nil {
		if errors.Is(err, wallet.ErrNoIdentity) {
			return nil, ErrNoIdentity
		}
		return nil, err
	}
	if signer == nil {
		return nil, ErrNoIdentity
	}

	chainID, err := net.ChainID(ctx)
	if err != nil {
		return nil, ledger.AsRejected(err)
	}
	if chainID != cfg.ChainID {
		return nil, &ledger.RejectedError{
			Reason: ledger.NotConnected,
			Detail: fmt.Sprintf("network serves chain %q, want %q", chainID, cfg.ChainID),
		}
	}

	s := &Session{
		cfg:    cfg,
		net:    net,
		signer: signer,
		log:    cfg.Logger.With("component", "session", "address", signer.Address(), "chain_id", chainID),
		done:   make(chan struct{}),
	}
	s.unsubscribe = src.Subscribe(s.invalidate)
	s.log.Debug("session connected")
	return s, nil
}

func (s *Session) invalidate(ev wallet.Event) {
	s.once.Do(func() {
		close(s.done)
		s.log.Info("session invalidated", "event", string(ev.Kind))
	})
}

// Close detaches the session from its source and invalidates it.
func (s *Session) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.invalidate(wallet.Event{Kind: "closed"})
}

// Valid reports whether the binding still holds.
func (s *Session) Valid() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *Session) Address() string { return s.signer.Address() }

func (s *Session) Config() Config { return s.cfg }

func (s *Session) notConnected() error {
	return &ledger.RejectedError{Reason: ledger.NotConnected, Err: ErrInvalidated}
}

// Submit signs and dispatches op without waiting for inclusion.
func (s *Session) Submit(ctx context.Context, op string, args map[string]any) (ledger.PendingRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.Valid() {
		return "", s.notConnected()
	}

	if !s.nonceKnown {
		n, err := s.net.Nonce(ctx, s.signer.Address())
		if err != nil {
			return "", ledger.AsRejected(err)
		}
		s.nonce, s.nonceKnown = n, true
	}

	tx := ledger.Transaction{
		Contract: s.cfg.ContractAddress,
		ChainID:  s.cfg.ChainID,
		From:     s.signer.Address(),
		Nonce:    s.nonce,
		Op:       op,
		Args:     args,
	}
	payload, err := tx.Payload()
	if err != nil {
		return "", err
	}
	sig, err := s.signer.Sign(ctx, payload)
	if err != nil {
		if errors.Is(err, wallet.ErrUserRejected) {
			return "", ledger.Reject(ledger.UserRejected, err)
		}
		return "", ledger.AsRejected(err)
	}
	// The identity may have changed while the signer was prompting.
	if !s.Valid() {
		return "", s.notConnected()
	}

	ref, err := s.net.Submit(ctx, ledger.SignedTransaction{Payload: payload, HashAlg: s.signer.HashAlg(), Signature: sig})
	if err != nil {
		s.nonceKnown = false
		s.log.Warn("submit failed", "op", op, "nonce", tx.Nonce, "err", err)
		return "", ledger.AsRejected(err)
	}
	s.nonce++
	s.log.Debug("submitted", "op", op, "nonce", tx.Nonce, "ref", string(ref))
	return ref, nil
}

// AwaitConfirmation waits for ref to be included. A zero timeout uses the
// configured bound, and an unconfigured bound uses DefaultConfirmTimeout.
func (s *Session) AwaitConfirmation(ctx context.Context, ref ledger.PendingRef, timeout time.Duration) (string, error) {
	if !s.Valid() {
		return "", s.notConnected()
	}
	if timeout <= 0 {
		timeout = s.cfg.ConfirmTimeout
	}
	if timeout <= 0 {
		timeout = DefaultConfirmTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	hash, err := s.net.Await(ctx, ref)
	if err != nil {
		if !s.Valid() {
			return "", s.notConnected()
		}
		rej := ledger.AsRejected(err)
		if rej.Reason == ledger.Reverted {
			s.mu.Lock()
			s.nonceKnown = false
			s.mu.Unlock()
		}
		return "", rej
	}
	return hash, nil
}

// Entry fetches a confirmed entry from the bound network.
func (s *Session) Entry(ctx context.Context, txHash string) (ledger.Entry, error) {
	return s.net.Entry(ctx, txHash)
}
