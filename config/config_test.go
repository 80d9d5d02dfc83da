package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/mark3labs/x402-facilitator"
	"github.com/mark3labs/x402-facilitator/internal/paytest"
	"github.com/mark3labs/x402-facilitator/settlement"
)

const sampleYAML = `
server:
  addr: ":9402"
log:
  level: debug
  format: text
ledger:
  backend: redis
  gracePeriod: 12h
  redis:
    addr: "127.0.0.1:6379"
    db: 2
relayer:
  mnemonic:
    phrase: "test test test test test test test test test test test junk"
    index: 1
networks:
  - network: base
    rpcUrl: https://mainnet.base.org
    confirmations: 2
    pollInterval: 500ms
    gas:
      mode: legacy
      priceMultiplier: 120
    retry:
      maxAttempts: 5
      initialDelay: 100ms
      maxDelay: 1s
      multiplier: 2
  - network: polygon
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "facilitator.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("X402_RPC_URL_POLYGON", "https://polygon-rpc.com")
	t.Setenv("X402_REDIS_PASSWORD", "hunter2")

	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Server.Addr != ":9402" {
		t.Errorf("server.addr = %q", cfg.Server.Addr)
	}
	if cfg.Server.ReadTimeout != 10*time.Second {
		t.Errorf("default read timeout lost: %v", cfg.Server.ReadTimeout)
	}
	if cfg.Log != (LogConfig{Level: "debug", Format: "text"}) {
		t.Errorf("log = %+v", cfg.Log)
	}
	if cfg.Ledger.Backend != BackendRedis || cfg.Ledger.GracePeriod != 12*time.Hour {
		t.Errorf("ledger = %+v", cfg.Ledger)
	}
	if cfg.Ledger.Redis.Password != "hunter2" || cfg.Ledger.Redis.DB != 2 {
		t.Errorf("redis = %+v", cfg.Ledger.Redis)
	}
	if cfg.Ledger.Redis.Prefix != "x402:nonce:" {
		t.Errorf("redis prefix default lost: %q", cfg.Ledger.Redis.Prefix)
	}
	if cfg.Relayer.Mnemonic.Index != 1 {
		t.Errorf("mnemonic index = %d", cfg.Relayer.Mnemonic.Index)
	}

	if len(cfg.Networks) != 2 {
		t.Fatalf("networks = %d, want 2", len(cfg.Networks))
	}
	base := cfg.Networks[0]
	if base.Network != x402.NetworkBase || base.ConfirmationDepth != 2 || base.PollInterval != 500*time.Millisecond {
		t.Errorf("base = %+v", base)
	}
	if base.Gas.Mode != settlement.GasLegacy || base.Gas.PriceMultiplier != 120 {
		t.Errorf("base gas = %+v", base.Gas)
	}
	if base.Retry.MaxAttempts != 5 || base.Retry.MaxDelay != time.Second {
		t.Errorf("base retry = %+v", base.Retry)
	}
	if cfg.Networks[1].RPCURL != "https://polygon-rpc.com" {
		t.Errorf("polygon rpc = %q, want env override", cfg.Networks[1].RPCURL)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		env     map[string]string
	}{
		{name: "unknown field", content: "server:\n  adress: \":80\"\n"},
		{name: "bad duration", content: "ledger:\n  gracePeriod: soon\n"},
		{name: "bad env duration", env: map[string]string{"X402_SETTLE_TIMEOUT": "forever"}},
		{name: "bad env redis db", env: map[string]string{"X402_REDIS_DB": "two"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.content != "" {
				path = writeConfig(t, tt.content)
			}
			if _, err := Load(path); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for a missing file")
	}
}

func validConfig() *Config {
	cfg := Default()
	cfg.Relayer.PrivateKey = paytest.PayerKeyHex
	cfg.Networks = []settlement.NetworkConfig{
		{Network: x402.NetworkBase, RPCURL: "http://127.0.0.1:8545"},
	}
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.Ledger.Backend = "sqlite" },
			wantErr: "unknown ledger.backend",
		},
		{
			name:    "redis without addr",
			mutate:  func(c *Config) { c.Ledger.Backend = BackendRedis },
			wantErr: "ledger.redis.addr",
		},
		{
			name:    "postgres without dsn",
			mutate:  func(c *Config) { c.Ledger.Backend = BackendPostgres },
			wantErr: "ledger.postgres.dsn",
		},
		{
			name:    "no networks",
			mutate:  func(c *Config) { c.Networks = nil },
			wantErr: "at least one network",
		},
		{
			name: "unknown network",
			mutate: func(c *Config) {
				c.Networks[0].Network = "solana"
			},
			wantErr: "unsupported network",
		},
		{
			name: "duplicate network",
			mutate: func(c *Config) {
				c.Networks = append(c.Networks, c.Networks[0])
			},
			wantErr: "configured twice",
		},
		{
			name:    "missing rpc url",
			mutate:  func(c *Config) { c.Networks[0].RPCURL = "" },
			wantErr: "X402_RPC_URL_BASE",
		},
		{
			name:    "no relayer credential",
			mutate:  func(c *Config) { c.Relayer.PrivateKey = "" },
			wantErr: "exactly one relayer credential",
		},
		{
			name: "two relayer credentials",
			mutate: func(c *Config) {
				c.Relayer.Mnemonic.Phrase = "test test test test test test test test test test test junk"
			},
			wantErr: "exactly one relayer credential",
		},
		{
			name:    "short auth secret",
			mutate:  func(c *Config) { c.Auth.Secret = "short" },
			wantErr: "auth.secret",
		},
		{
			name:    "zero grace period",
			mutate:  func(c *Config) { c.Ledger.GracePeriod = 0 },
			wantErr: "must be positive",
		},
		{
			name:    "settle shorter than verify",
			mutate:  func(c *Config) { c.Timeouts.Settle = time.Second },
			wantErr: "settle timeout",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Log.Level = "loud" },
			wantErr: "log.level",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Log.Format = "xml" },
			wantErr: "log.format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(LogConfig{Level: "warn", Format: "json"}, &buf)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown", "network", "base")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info record passed a warn level")
	}
	var record map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &record); err != nil {
		t.Fatalf("output is not JSON: %v (%s)", err, out)
	}
	if record["msg"] != "shown" || record["network"] != "base" {
		t.Errorf("record = %v", record)
	}

	if _, err := NewLogger(LogConfig{Level: "loud"}, &buf); err == nil {
		t.Error("expected error for an unknown level")
	}
}

// chainIDServer answers eth_chainId with id and fails every other method.
func chainIDServer(t *testing.T, id uint64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if req.Method != "eth_chainId" {
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"error":{"code":-32601,"message":"method not found"}}`, req.ID)
			return
		}
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":"0x%x"}`, req.ID, id)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestBuild(t *testing.T) {
	rpc := chainIDServer(t, 8453)
	mr := miniredis.RunT(t)

	tests := []struct {
		name        string
		mutate      func(*Config)
		wantJanitor bool
	}{
		{name: "memory ledger", mutate: func(*Config) {}, wantJanitor: true},
		{
			name: "redis ledger",
			mutate: func(c *Config) {
				c.Ledger.Backend = BackendRedis
				c.Ledger.Redis.Addr = mr.Addr()
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Networks[0].RPCURL = rpc.URL
			tt.mutate(cfg)

			app, err := Build(context.Background(), cfg, nil, "test")
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			defer app.Close()

			if got := app.Relayer.Address(); got != paytest.Payer(t) {
				t.Errorf("relayer = %s, want %s", got.Hex(), paytest.Payer(t).Hex())
			}
			if (app.Janitor != nil) != tt.wantJanitor {
				t.Errorf("janitor present = %v, want %v", app.Janitor != nil, tt.wantJanitor)
			}

			supported, err := app.Facilitator.Supported(context.Background())
			if err != nil {
				t.Fatalf("Supported: %v", err)
			}
			if len(supported.Kinds) != 1 || supported.Kinds[0].Network != "base" {
				t.Errorf("kinds = %+v", supported.Kinds)
			}

			rec := httptest.NewRecorder()
			app.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
			if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"version":"test"`) {
				t.Errorf("health = %d %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestBuildRejectsWrongChain(t *testing.T) {
	rpc := chainIDServer(t, 1)
	cfg := validConfig()
	cfg.Networks[0].RPCURL = rpc.URL

	_, err := Build(context.Background(), cfg, nil, "test")
	if !errors.Is(err, x402.ErrFatal) {
		t.Fatalf("error = %v, want ErrFatal", err)
	}
}

func TestBuildRejectsUnreachableLedger(t *testing.T) {
	rpc := chainIDServer(t, 8453)
	cfg := validConfig()
	cfg.Networks[0].RPCURL = rpc.URL
	cfg.Ledger.Backend = BackendRedis
	cfg.Ledger.Redis.Addr = "127.0.0.1:1"

	_, err := Build(context.Background(), cfg, nil, "test")
	if !errors.Is(err, x402.ErrFacilitatorUnavailable) {
		t.Fatalf("error = %v, want ErrFacilitatorUnavailable", err)
	}
}
