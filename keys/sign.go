package keys

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
	"golang.org/x/crypto/sha3"
)

// Algorithm is a signature scheme.
type Algorithm string

const (
	Ed25519    Algorithm = "ed25519"
	Dilithium3 Algorithm = "dilithium3"
)

// SeedSize is the length of every seed in the store.
const SeedSize = ed25519.SeedSize

// ErrBadSignature is returned by Verify when the signature does not match.
var ErrBadSignature = errors.New("keys: signature invalid")

func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(s) {
	case Ed25519, Dilithium3:
		return Algorithm(s), nil
	case "":
		return Ed25519, nil
	default:
		return "", fmt.Errorf("unsupported algorithm %q", s)
	}
}

func digestFor(hashAlg string, message []byte) ([]byte, error) {
	switch hashAlg {
	case "sha256":
		s := sha256.Sum256(message)
		return s[:], nil
	case "sha512":
		s := sha512.Sum512(message)
		return s[:], nil
	case "sha3-256":
		s := sha3.Sum256(message)
		return s[:], nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm: %q", hashAlg)
	}
}

// Sign signs hashAlg(message) with the key derived from seed.
func Sign(alg Algorithm, hashAlg string, seed, message []byte) ([]byte, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes", SeedSize)
	}
	digest, err := digestFor(hashAlg, message)
	if err != nil {
		return nil, err
	}
	switch alg {
	case Ed25519:
		return ed25519.Sign(ed25519.NewKeyFromSeed(seed), digest), nil
	case Dilithium3:
		_, sk := dilithiumFromSeed(seed)
		sig := make([]byte, mode3.SignatureSize)
		mode3.SignTo(sk, digest, sig)
		return sig, nil
	default:
		return nil, fmt.Errorf("unsupported algorithm %q", alg)
	}
}

// Verify checks sig against address, which names both scheme and public key.
func Verify(address, hashAlg string, message, sig []byte) error {
	alg, pub, err := ParseAddress(address)
	if err != nil {
		return err
	}
	digest, err := digestFor(hashAlg, message)
	if err != nil {
		return err
	}
	switch alg {
	case Ed25519:
		if len(sig) != ed25519.SignatureSize || !ed25519.Verify(ed25519.PublicKey(pub), digest, sig) {
			return ErrBadSignature
		}
	case Dilithium3:
		var pk mode3.PublicKey
		if err := pk.UnmarshalBinary(pub); err != nil {
			return fmt.Errorf("keys: invalid dilithium3 public key: %w", err)
		}
		if len(sig) != mode3.SignatureSize || !mode3.Verify(&pk, digest, sig) {
			return ErrBadSignature
		}
	}
	return nil
}

// ParseAddress splits an address into its scheme and raw public key.
func ParseAddress(address string) (Algorithm, []byte, error) {
	algStr, enc, ok := strings.Cut(address, ":")
	if !ok {
		return "", nil, fmt.Errorf("keys: invalid address %q", address)
	}
	pub, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return "", nil, fmt.Errorf("keys: invalid address encoding: %w", err)
	}
	switch Algorithm(algStr) {
	case Ed25519:
		if len(pub) != ed25519.PublicKeySize {
			return "", nil, fmt.Errorf("keys: ed25519 public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pub))
		}
	case Dilithium3:
		if len(pub) != mode3.PublicKeySize {
			return "", nil, fmt.Errorf("keys: dilithium3 public key must be %d bytes, got %d", mode3.PublicKeySize, len(pub))
		}
	default:
		return "", nil, fmt.Errorf("keys: unsupported address scheme %q", algStr)
	}
	return Algorithm(algStr), pub, nil
}
