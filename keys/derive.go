package keys

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
)

const roleDomain = "ecotrace-custody-role-v1"

// DeriveRoleSeed deterministically derives a role seed from a root seed.
func DeriveRoleSeed(rootSeed []byte, role string) ([]byte, error) {
	if len(rootSeed) != SeedSize {
		return nil, fmt.Errorf("root seed must be %d bytes", SeedSize)
	}
	if err := CheckRole(role); err != nil {
		return nil, err
	}

	h := sha256.New()
	_, _ = h.Write(rootSeed)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(roleDomain))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(role))
	sum := h.Sum(nil)
	out := make([]byte, SeedSize)
	copy(out, sum[:SeedSize])
	return out, nil
}

// AddressFromSeed returns the ledger address of the key that seed produces
// under alg.
func AddressFromSeed(alg Algorithm, seed []byte) (string, error) {
	if len(seed) != SeedSize {
		return "", fmt.Errorf("seed must be %d bytes", SeedSize)
	}
	switch alg {
	case Ed25519:
		pub := ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey)
		return string(Ed25519) + ":" + base64.StdEncoding.EncodeToString(pub), nil
	case Dilithium3:
		pk, _ := dilithiumFromSeed(seed)
		return string(Dilithium3) + ":" + base64.StdEncoding.EncodeToString(pk.Bytes()), nil
	default:
		return "", fmt.Errorf("unsupported algorithm %q", alg)
	}
}

func dilithiumFromSeed(seed []byte) (*mode3.PublicKey, *mode3.PrivateKey) {
	var s [mode3.SeedSize]byte
	copy(s[:], seed)
	return mode3.NewKeyFromSeed(&s)
}
