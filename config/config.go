// Package config loads ecotrace.yaml and applies environment overrides.
//
// Precedence: built-in defaults, then the YAML file, then ECOTRACE_*
// variables (and DATABASE_URL). The contract address and chain id have no
// defaults and must come from one of the two.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Moon-Elf/ecotrace/custody"
	"github.com/Moon-Elf/ecotrace/keys"
	"github.com/Moon-Elf/ecotrace/schema"
	"github.com/Moon-Elf/ecotrace/storage/casconfig"
)

// FileName is the config file looked up in the data directory when no path
// is given.
const FileName = "ecotrace.yaml"

const SampleYAML = `# ecotrace configuration
version: 1

ledger:
  contract_address: custody-v1
  chain_id: ecotrace-local
  confirm_timeout: 30s
  # Leave target empty to run the reference ledger in-process.
  # target: localhost:7443
  blocks:
    backends:
      - name: localfs
        config: {localfs-dir: ~/.ecotrace/ledger/blocks}

signer:
  actor: mill-7
  role: manufacturing
  algorithm: ed25519

store:
  # memory, file or postgres (postgres reads DATABASE_URL)
  driver: file

http:
  addr: ":8000"

carbon:
  kg_per_kwh: 0.4
  kg_per_litre: 2.68

reference:
  forests: []
  wood_types: []
  certifications: []
`

type Config struct {
	Version int `yaml:"version"`
	// DataDir anchors every default path. Defaults to ~/.ecotrace.
	DataDir   string                `yaml:"data_dir"`
	Ledger    LedgerConfig          `yaml:"ledger"`
	Signer    SignerConfig          `yaml:"signer"`
	Store     StoreConfig           `yaml:"store"`
	HTTP      HTTPConfig            `yaml:"http"`
	Carbon    custody.CarbonFactors `yaml:"carbon"`
	Reference schema.ReferenceData  `yaml:"reference"`
	Log       LogConfig             `yaml:"log"`
}

type LedgerConfig struct {
	ContractAddress string        `yaml:"contract_address"`
	ChainID         string        `yaml:"chain_id"`
	ConfirmTimeout  time.Duration `yaml:"confirm_timeout"`
	// Target is a ledgerd gRPC address. Empty runs the reference chain
	// in-process over Blocks.
	Target      string           `yaml:"target"`
	DialTimeout time.Duration    `yaml:"dial_timeout"`
	Blocks      casconfig.Config `yaml:"blocks"`
	HeadFile    string           `yaml:"head_file"`
}

type SignerConfig struct {
	KeysDir   string `yaml:"keys_dir"`
	Actor     string `yaml:"actor"`
	Role      string `yaml:"role"`
	Algorithm string `yaml:"algorithm"`
	HashAlg   string `yaml:"hash_alg"`
}

type StoreConfig struct {
	Driver      string `yaml:"driver"`
	Path        string `yaml:"path"`
	DatabaseURL string `yaml:"database_url"`
	MaxConns    int32  `yaml:"max_conns"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when nothing else is set.
func Default() Config {
	return Config{
		Version: 1,
		Ledger:  LedgerConfig{ConfirmTimeout: 30 * time.Second, DialTimeout: 5 * time.Second},
		Signer:  SignerConfig{Algorithm: string(keys.Ed25519), HashAlg: "sha256"},
		Store:   StoreConfig{Driver: "file"},
		HTTP:    HTTPConfig{Addr: ":8000"},
		Carbon:  custody.DefaultCarbonFactors,
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path (if non-empty), applies the environment and validates.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, env func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
		if err := Parse(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(env); err != nil {
		return Config{}, err
	}
	if err := cfg.resolve(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML over cfg. Unknown keys are errors.
func Parse(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv(env func(string) (string, bool)) error {
	str := map[string]*string{
		"ECOTRACE_DATA_DIR":         &c.DataDir,
		"ECOTRACE_CONTRACT_ADDRESS": &c.Ledger.ContractAddress,
		"ECOTRACE_CHAIN_ID":         &c.Ledger.ChainID,
		"ECOTRACE_LEDGER_TARGET":    &c.Ledger.Target,
		"ECOTRACE_KEYS_DIR":         &c.Signer.KeysDir,
		"ECOTRACE_ACTOR":            &c.Signer.Actor,
		"ECOTRACE_ROLE":             &c.Signer.Role,
		"ECOTRACE_SIGNER_ALG":       &c.Signer.Algorithm,
		"ECOTRACE_STORE_DRIVER":     &c.Store.Driver,
		"ECOTRACE_STORE_PATH":       &c.Store.Path,
		"DATABASE_URL":              &c.Store.DatabaseURL,
		"ECOTRACE_HTTP_ADDR":        &c.HTTP.Addr,
		"ECOTRACE_LOG_LEVEL":        &c.Log.Level,
		"ECOTRACE_LOG_FORMAT":       &c.Log.Format,
	}
	for name, dst := range str {
		if v, ok := env(name); ok && v != "" {
			*dst = v
		}
	}
	if v, ok := env("ECOTRACE_CONFIRM_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: ECOTRACE_CONFIRM_TIMEOUT: %w", err)
		}
		c.Ledger.ConfirmTimeout = d
	}
	if v, ok := env("ECOTRACE_DB_MAX_CONNS"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return fmt.Errorf("config: ECOTRACE_DB_MAX_CONNS: %w", err)
		}
		c.Store.MaxConns = int32(n)
	}
	return nil
}

// resolve fills paths derived from DataDir and expands ~.
func (c *Config) resolve() error {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("config: locate home directory: %w", err)
		}
		c.DataDir = filepath.Join(home, ".ecotrace")
	}
	var err error
	if c.DataDir, err = expand(c.DataDir); err != nil {
		return err
	}
	def := func(p *string, rel ...string) error {
		if *p == "" {
			*p = filepath.Join(append([]string{c.DataDir}, rel...)...)
			return nil
		}
		v, err := expand(*p)
		*p = v
		return err
	}
	if err := def(&c.Signer.KeysDir, "keys"); err != nil {
		return err
	}
	if err := def(&c.Store.Path, "records.json"); err != nil {
		return err
	}
	if err := def(&c.Ledger.HeadFile, "ledger", "HEAD"); err != nil {
		return err
	}
	if len(c.Ledger.Blocks.Backends) == 0 {
		c.Ledger.Blocks = casconfig.Config{Backends: []casconfig.BackendConfig{{
			Name:   "localfs",
			Config: map[string]string{"localfs-dir": filepath.Join(c.DataDir, "ledger", "blocks")},
		}}}
	}
	for i, b := range c.Ledger.Blocks.Backends {
		for k, v := range b.Config {
			if strings.HasPrefix(v, "~") {
				if c.Ledger.Blocks.Backends[i].Config[k], err = expand(v); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func expand(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: expand %s: %w", p, err)
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Version != 1 {
		errs = append(errs, fmt.Errorf("unsupported version %d", c.Version))
	}
	if c.Ledger.ContractAddress == "" {
		errs = append(errs, errors.New("ledger.contract_address is required"))
	}
	if c.Ledger.ChainID == "" {
		errs = append(errs, errors.New("ledger.chain_id is required"))
	}
	if c.Ledger.ConfirmTimeout < 0 {
		errs = append(errs, errors.New("ledger.confirm_timeout must not be negative"))
	}
	if c.Ledger.Target == "" {
		if err := c.Ledger.Blocks.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := keys.ParseAlgorithm(c.Signer.Algorithm); err != nil {
		errs = append(errs, err)
	}
	switch c.Signer.HashAlg {
	case "", "sha256", "sha512", "sha3-256":
	default:
		errs = append(errs, fmt.Errorf("signer.hash_alg %q is not supported", c.Signer.HashAlg))
	}
	switch c.Store.Driver {
	case "memory", "file":
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, errors.New("store.driver postgres needs DATABASE_URL or store.database_url"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not one of memory, file, postgres", c.Store.Driver))
	}
	if c.Carbon.KgPerKWh < 0 || c.Carbon.KgPerLitre < 0 {
		errs = append(errs, errors.New("carbon factors must not be negative"))
	}
	if _, err := c.Log.level(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not text or json", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func (l LogConfig) level() (slog.Level, error) {
	var lvl slog.Level
	if l.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", l.Level, err)
	}
	return lvl, nil
}

// Logger builds the process logger writing to w.
func (l LogConfig) Logger(w io.Writer) *slog.Logger {
	lvl, err := l.level()
	if err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
