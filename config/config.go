// Package config loads the facilitator configuration and builds the
// components it describes.
//
// Configuration comes from a YAML file, then X402_* environment variables
// override individual fields. A .env file in the working directory is
// loaded into the environment first when present.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mark3labs/x402-facilitator"
	"github.com/mark3labs/x402-facilitator/ledger"
	"github.com/mark3labs/x402-facilitator/settlement"
	"github.com/mark3labs/x402-facilitator/verifier"
)

// Ledger backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config is the complete facilitator configuration.
type Config struct {
	Server   ServerConfig               `yaml:"server"`
	Auth     AuthConfig                 `yaml:"auth"`
	Log      LogConfig                  `yaml:"log"`
	Verifier VerifierConfig             `yaml:"verifier"`
	Timeouts TimeoutConfig              `yaml:"timeouts"`
	Ledger   LedgerConfig               `yaml:"ledger"`
	Relayer  RelayerConfig              `yaml:"relayer"`
	Networks []settlement.NetworkConfig `yaml:"networks"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// AuthConfig enables bearer token auth when Secret is set.
type AuthConfig struct {
	Secret   string `yaml:"secret"`
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`
}

// Enabled reports whether requests must carry a token.
func (a AuthConfig) Enabled() bool {
	return a.Secret != ""
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// VerifierConfig tunes signature verification.
type VerifierConfig struct {
	ClockSkew time.Duration `yaml:"clockSkew"`
}

// TimeoutConfig bounds facilitator operations.
type TimeoutConfig struct {
	Verify time.Duration `yaml:"verify"`
	Settle time.Duration `yaml:"settle"`
	Ledger time.Duration `yaml:"ledger"`
}

// LedgerConfig selects and configures the nonce ledger.
type LedgerConfig struct {
	Backend         string         `yaml:"backend"`
	GracePeriod     time.Duration  `yaml:"gracePeriod"`
	JanitorInterval time.Duration  `yaml:"janitorInterval"`
	Redis           RedisConfig    `yaml:"redis"`
	Postgres        PostgresConfig `yaml:"postgres"`
}

// RedisConfig configures the Redis ledger.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// PostgresConfig configures the Postgres ledger.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// RelayerConfig holds exactly one relayer credential.
type RelayerConfig struct {
	PrivateKey string         `yaml:"privateKey"`
	Keystore   KeystoreConfig `yaml:"keystore"`
	Mnemonic   MnemonicConfig `yaml:"mnemonic"`
}

// KeystoreConfig points at an encrypted go-ethereum keystore file.
type KeystoreConfig struct {
	Path     string `yaml:"path"`
	Password string `yaml:"password"`
}

// MnemonicConfig derives the relayer key at m/44'/60'/0'/0/Index.
type MnemonicConfig struct {
	Phrase string `yaml:"phrase"`
	Index  uint32 `yaml:"index"`
}

// Options returns the settlement.Relayer option for the configured credential.
func (r RelayerConfig) Options() []settlement.RelayerOption {
	var opts []settlement.RelayerOption
	if r.PrivateKey != "" {
		opts = append(opts, settlement.WithPrivateKey(r.PrivateKey))
	}
	if r.Keystore.Path != "" {
		opts = append(opts, settlement.WithKeystore(r.Keystore.Path, r.Keystore.Password))
	}
	if r.Mnemonic.Phrase != "" {
		opts = append(opts, settlement.WithMnemonic(r.Mnemonic.Phrase, r.Mnemonic.Index))
	}
	return opts
}

// Default returns a configuration with every optional field set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    x402.DefaultTimeouts.RequestTimeout,
			ShutdownTimeout: 30 * time.Second,
		},
		Auth: AuthConfig{Issuer: "x402-facilitator"},
		Log:  LogConfig{Level: "info", Format: "json"},
		Verifier: VerifierConfig{
			ClockSkew: verifier.DefaultClockSkew,
		},
		Timeouts: TimeoutConfig{
			Verify: x402.DefaultTimeouts.VerifyTimeout,
			Settle: x402.DefaultTimeouts.SettleTimeout,
			Ledger: x402.DefaultTimeouts.LedgerTimeout,
		},
		Ledger: LedgerConfig{
			Backend:         BackendMemory,
			GracePeriod:     ledger.DefaultGracePeriod,
			JanitorInterval: time.Minute,
			Redis:           RedisConfig{Prefix: ledger.DefaultRedisPrefix},
		},
	}
}

// Load reads path on top of Default and applies environment overrides. An
// empty path configures from the environment alone.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: failed to load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// applyEnv overrides fields from X402_* variables. Network RPC URLs are set
// with X402_RPC_URL_<NETWORK>, e.g. X402_RPC_URL_BASE_SEPOLIA.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"X402_SERVER_ADDR":          &c.Server.Addr,
		"X402_AUTH_SECRET":          &c.Auth.Secret,
		"X402_AUTH_ISSUER":          &c.Auth.Issuer,
		"X402_AUTH_AUDIENCE":        &c.Auth.Audience,
		"X402_LOG_LEVEL":            &c.Log.Level,
		"X402_LOG_FORMAT":           &c.Log.Format,
		"X402_LEDGER_BACKEND":       &c.Ledger.Backend,
		"X402_REDIS_ADDR":           &c.Ledger.Redis.Addr,
		"X402_REDIS_PASSWORD":       &c.Ledger.Redis.Password,
		"X402_REDIS_PREFIX":         &c.Ledger.Redis.Prefix,
		"X402_POSTGRES_DSN":         &c.Ledger.Postgres.DSN,
		"X402_RELAYER_PRIVATE_KEY":  &c.Relayer.PrivateKey,
		"X402_RELAYER_KEYSTORE":     &c.Relayer.Keystore.Path,
		"X402_RELAYER_KEYSTORE_PWD": &c.Relayer.Keystore.Password,
		"X402_RELAYER_MNEMONIC":     &c.Relayer.Mnemonic.Phrase,
	}
	for name, field := range strs {
		if v, ok := lookup(name); ok {
			*field = v
		}
	}

	durations := map[string]*time.Duration{
		"X402_SETTLE_TIMEOUT":      &c.Timeouts.Settle,
		"X402_LEDGER_GRACE_PERIOD": &c.Ledger.GracePeriod,
	}
	for name, field := range durations {
		if v, ok := lookup(name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*field = d
		}
	}

	if v, ok := lookup("X402_REDIS_DB"); ok {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("X402_REDIS_DB: %w", err)
		}
		c.Ledger.Redis.DB = db
	}

	for i := range c.Networks {
		if v, ok := lookup(rpcEnvName(c.Networks[i].Network)); ok {
			c.Networks[i].RPCURL = v
		}
	}
	return nil
}

func rpcEnvName(network x402.Network) string {
	return "X402_RPC_URL_" + strings.ToUpper(strings.ReplaceAll(string(network), "-", "_"))
}

// FacilitatorTimeouts converts the timeouts section for the facilitator.
func (c *Config) FacilitatorTimeouts() x402.TimeoutConfig {
	return x402.TimeoutConfig{
		VerifyTimeout:  c.Timeouts.Verify,
		SettleTimeout:  c.Timeouts.Settle,
		LedgerTimeout:  c.Timeouts.Ledger,
		RequestTimeout: c.Server.WriteTimeout,
	}
}

// Validate reports the first problem that would stop the facilitator from
// starting.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("config: server.addr is required")
	}
	if c.Server.ReadTimeout <= 0 || c.Server.ShutdownTimeout <= 0 {
		return errors.New("config: server timeouts must be positive")
	}
	if err := c.FacilitatorTimeouts().Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Verifier.ClockSkew < 0 {
		return errors.New("config: verifier.clockSkew cannot be negative")
	}
	if c.Auth.Enabled() && len(c.Auth.Secret) < 32 {
		return errors.New("config: auth.secret must be at least 32 bytes")
	}
	if _, err := c.Log.level(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("config: unknown log.format %q", c.Log.Format)
	}

	if err := c.Ledger.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	if n := len(c.Relayer.Options()); n != 1 {
		return fmt.Errorf("config: exactly one relayer credential is required, got %d", n)
	}

	if len(c.Networks) == 0 {
		return errors.New("config: at least one network is required")
	}
	seen := make(map[x402.Network]bool, len(c.Networks))
	for _, nc := range c.Networks {
		if err := nc.Validate(); err != nil {
			return fmt.Errorf("config: %w", err)
		}
		if nc.RPCURL == "" {
			return fmt.Errorf("config: network %s: rpcUrl is required (or set %s)", nc.Network, rpcEnvName(nc.Network))
		}
		if seen[nc.Network] {
			return fmt.Errorf("config: network %s configured twice", nc.Network)
		}
		seen[nc.Network] = true
	}
	return nil
}

func (l LedgerConfig) validate() error {
	switch l.Backend {
	case BackendMemory:
	case BackendRedis:
		if l.Redis.Addr == "" {
			return errors.New("ledger.redis.addr is required for the redis backend")
		}
	case BackendPostgres:
		if l.Postgres.DSN == "" {
			return errors.New("ledger.postgres.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown ledger.backend %q", l.Backend)
	}
	if l.GracePeriod <= 0 || l.JanitorInterval <= 0 {
		return errors.New("ledger.gracePeriod and ledger.janitorInterval must be positive")
	}
	return nil
}

func (l LogConfig) level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return level, fmt.Errorf("unknown log.level %q", l.Level)
	}
	return level, nil
}

// NewLogger builds the slog logger described by l.
func NewLogger(l LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := l.level()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}
