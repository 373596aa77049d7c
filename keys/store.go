package keys

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNoSigner is returned by LoadSeed when nothing selects a seed.
var ErrNoSigner = errors.New("keys: no signer provided")

// Store is a directory of hex-encoded seeds:
//
//	<dir>/<actor>/root.key
//	<dir>/<actor>/roles/<role>.key
type Store struct {
	Dir string
}

type Entry struct {
	Actor string
	Roles []string
}

func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".ecotrace", "keys"), nil
}

// Open returns a store rooted at dir, or at DefaultDir when dir is empty.
func Open(dir string) (*Store, error) {
	if dir == "" {
		var err error
		if dir, err = DefaultDir(); err != nil {
			return nil, err
		}
	}
	return &Store{Dir: dir}, nil
}

func (s *Store) rootPath(actor string) string {
	return filepath.Join(s.Dir, actor, "root.key")
}

func (s *Store) rolePath(actor, role string) string {
	return filepath.Join(s.Dir, actor, "roles", role+".key")
}

func checkName(kind, v string) error {
	if v == "" {
		return fmt.Errorf("%s cannot be empty", kind)
	}
	for _, c := range v {
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '-' || c == '_' {
			continue
		}
		return fmt.Errorf("invalid character %q in %s", c, kind)
	}
	return nil
}

func CheckActor(actor string) error { return checkName("actor", actor) }

func CheckRole(role string) error { return checkName("role", role) }

func ParseSeedHex(seedHex string) ([]byte, error) {
	seedHex = strings.TrimPrefix(strings.TrimSpace(seedHex), "0x")
	data, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, err
	}
	if len(data) != SeedSize {
		return nil, fmt.Errorf("expected seed length of %d bytes, got %d", SeedSize, len(data))
	}
	return data, nil
}

func writeSeed(path string, seed []byte, overwrite bool) error {
	if len(seed) != SeedSize {
		return fmt.Errorf("expected seed length of %d bytes", SeedSize)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	flags := os.O_WRONLY | os.O_CREATE
	if overwrite {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteString(hex.EncodeToString(seed) + "\n"); err != nil {
		return err
	}
	return f.Close()
}

func readSeed(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseSeedHex(string(data))
}

// InitRoot writes the root seed for actor. A nil seed generates a fresh one.
// It returns the ed25519 address of the root key.
func (s *Store) InitRoot(actor string, seed []byte, overwrite bool) (address, path string, err error) {
	if err := CheckActor(actor); err != nil {
		return "", "", err
	}
	if seed == nil {
		seed = make([]byte, SeedSize)
		if _, err := rand.Read(seed); err != nil {
			return "", "", err
		}
	}
	path = s.rootPath(actor)
	if err := writeSeed(path, seed, overwrite); err != nil {
		return "", "", err
	}
	address, err = AddressFromSeed(Ed25519, seed)
	return address, path, err
}

// DeriveRole derives and persists the role seed of actor.
func (s *Store) DeriveRole(actor, role string, overwrite bool) (address, path string, err error) {
	if err := CheckActor(actor); err != nil {
		return "", "", err
	}
	root, err := readSeed(s.rootPath(actor))
	if err != nil {
		return "", "", err
	}
	seed, err := DeriveRoleSeed(root, role)
	if err != nil {
		return "", "", err
	}
	path = s.rolePath(actor, role)
	if err := writeSeed(path, seed, overwrite); err != nil {
		return "", "", err
	}
	address, err = AddressFromSeed(Ed25519, seed)
	return address, path, err
}

// LoadSeed resolves a seed from, in order: a literal hex seed, a key file,
// or an actor (and optional role) in the store.
func (s *Store) LoadSeed(seedHex, actor, role, keyFile string) ([]byte, error) {
	switch {
	case seedHex != "":
		return ParseSeedHex(seedHex)
	case keyFile != "":
		return readSeed(keyFile)
	case actor != "":
		if err := CheckActor(actor); err != nil {
			return nil, err
		}
		if role == "" {
			return readSeed(s.rootPath(actor))
		}
		if err := CheckRole(role); err != nil {
			return nil, err
		}
		return readSeed(s.rolePath(actor, role))
	}
	return nil, ErrNoSigner
}

// Address returns the address of a stored key under alg.
func (s *Store) Address(actor, role string, alg Algorithm) (string, error) {
	seed, err := s.LoadSeed("", actor, role, "")
	if err != nil {
		return "", err
	}
	return AddressFromSeed(alg, seed)
}

func (s *Store) List() ([]Entry, error) {
	dirs, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var actors []string
	for _, d := range dirs {
		if d.IsDir() {
			actors = append(actors, d.Name())
		}
	}
	sort.Strings(actors)

	out := make([]Entry, 0, len(actors))
	for _, actor := range actors {
		var roles []string
		files, _ := os.ReadDir(filepath.Join(s.Dir, actor, "roles"))
		for _, f := range files {
			if !f.IsDir() && strings.HasSuffix(f.Name(), ".key") {
				roles = append(roles, strings.TrimSuffix(f.Name(), ".key"))
			}
		}
		sort.Strings(roles)
		out = append(out, Entry{Actor: actor, Roles: roles})
	}
	return out, nil
}
