// Package wallet is the signing identity of one custody actor.
//
// A Signer signs ledger transactions and may refuse: an interactive signer
// asks its operator first and reports a refusal as ErrUserRejected. A Source
// hands out the current Signer and announces identity or network changes to
// subscribers, which must treat any event as the end of their binding.
package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/Moon-Elf/ecotrace/keys"
)

var (
	ErrUserRejected = errors.New("wallet: signature request rejected by user")
	ErrNoIdentity   = errors.New("wallet: no signing identity available")
)

// DefaultHashAlg is the digest signed by key-backed signers.
const DefaultHashAlg = "sha256"

// Signer signs transaction payloads for one ledger address.
type Signer interface {
	Address() string
	HashAlg() string
	Sign(ctx context.Context, payload []byte) ([]byte, error)
}

// KeySigner signs with a seed from the key store, without prompting.
type KeySigner struct {
	alg     keys.Algorithm
	hashAlg string
	seed    []byte
	address string
}

func NewKeySigner(alg keys.Algorithm, hashAlg string, seed []byte) (*KeySigner, error) {
	if hashAlg == "" {
		hashAlg = DefaultHashAlg
	}
	addr, err := keys.AddressFromSeed(alg, seed)
	if err != nil {
		return nil, err
	}
	if _, err := keys.Sign(alg, hashAlg, seed, nil); err != nil {
		return nil, err
	}
	return &KeySigner{
		alg:     alg,
		hashAlg: hashAlg,
		seed:    append([]byte(nil), seed...),
		address: addr,
	}, nil
}

func (s *KeySigner) Address() string { return s.address }

func (s *KeySigner) HashAlg() string { return s.hashAlg }

func (s *KeySigner) Algorithm() keys.Algorithm { return s.alg }

func (s *KeySigner) Sign(ctx context.Context, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return keys.Sign(s.alg, s.hashAlg, s.seed, payload)
}

// SignRequest is shown to an operator before a signature is produced.
type SignRequest struct {
	Address string
	Payload []byte
}

// ApproveFunc decides whether a signature request may proceed.
type ApproveFunc func(ctx context.Context, req SignRequest) (bool, error)

// Prompted wraps a Signer with an approval step.
type Prompted struct {
	Signer  Signer
	Approve ApproveFunc
}

func (p *Prompted) Address() string { return p.Signer.Address() }

func (p *Prompted) HashAlg() string { return p.Signer.HashAlg() }

func (p *Prompted) Sign(ctx context.Context, payload []byte) ([]byte, error) {
	if p.Approve != nil {
		ok, err := p.Approve(ctx, SignRequest{Address: p.Signer.Address(), Payload: payload})
		if err != nil {
			return nil, fmt.Errorf("wallet: approval: %w", err)
		}
		if !ok {
			return nil, ErrUserRejected
		}
	}
	return p.Signer.Sign(ctx, payload)
}
