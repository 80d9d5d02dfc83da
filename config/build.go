package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/redis/go-redis/v9"

	"github.com/mark3labs/x402-facilitator/facilitator"
	x402http "github.com/mark3labs/x402-facilitator/http"
	"github.com/mark3labs/x402-facilitator/ledger"
	"github.com/mark3labs/x402-facilitator/settlement"
	"github.com/mark3labs/x402-facilitator/verifier"
)

// App holds the components built from a Config.
type App struct {
	Facilitator *facilitator.Facilitator
	Ledger      ledger.Ledger
	Networks    *settlement.Networks
	Relayer     *settlement.Relayer
	Handler     http.Handler

	// Janitor is nil for backends that expire records natively.
	Janitor ledger.Janitor

	closers []func()
}

// Close releases RPC clients and ledger connections in reverse order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// Build constructs the facilitator described by cfg. Every RPC endpoint is
// dialed and its chain id checked against the network table. On error,
// anything already opened is closed.
func Build(ctx context.Context, cfg *Config, logger *slog.Logger, version string) (_ *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	app := &App{}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	relayer, err := settlement.NewRelayer(cfg.Relayer.Options()...)
	if err != nil {
		return nil, fmt.Errorf("relayer: %w", err)
	}
	app.Relayer = relayer

	health, err := app.buildLedger(ctx, cfg.Ledger, logger)
	if err != nil {
		return nil, err
	}

	app.Networks = settlement.NewNetworks()
	for _, nc := range cfg.Networks {
		if err := app.dial(ctx, nc, relayer, logger); err != nil {
			return nil, err
		}
	}

	v, err := verifier.New(verifier.WithClockSkew(cfg.Verifier.ClockSkew))
	if err != nil {
		return nil, err
	}
	app.Facilitator, err = facilitator.New(v, app.Ledger, app.Networks,
		facilitator.WithLogger(logger),
		facilitator.WithGracePeriod(cfg.Ledger.GracePeriod),
		facilitator.WithTimeouts(cfg.FacilitatorTimeouts()),
	)
	if err != nil {
		return nil, err
	}

	opts := []x402http.ServerOption{
		x402http.WithServerLogger(logger),
		x402http.WithVersion(version),
	}
	if health != nil {
		opts = append(opts, x402http.WithHealthCheck(health))
	}
	if cfg.Auth.Enabled() {
		auth, err := x402http.NewAuthenticator(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.Audience)
		if err != nil {
			return nil, err
		}
		opts = append(opts, x402http.WithAuthenticator(auth))
	}
	app.Handler = x402http.NewServer(app.Facilitator, opts...).Handler()

	logger.Info("facilitator configured",
		"relayer", relayer.Address().Hex(),
		"ledger", cfg.Ledger.Backend,
		"networks", len(cfg.Networks),
		"auth", cfg.Auth.Enabled())
	return app, nil
}

func (a *App) buildLedger(ctx context.Context, cfg LedgerConfig, logger *slog.Logger) (x402http.HealthCheck, error) {
	switch cfg.Backend {
	case BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, func() { client.Close() })

		r := ledger.NewRedis(client, ledger.WithRedisPrefix(cfg.Redis.Prefix))
		if err := r.Ping(ctx); err != nil {
			return nil, err
		}
		a.Ledger = r
		return r.Ping, nil

	case BackendPostgres:
		pool, err := ledger.OpenPostgres(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)

		p := ledger.NewPostgres(pool, logger)
		if err := p.Migrate(ctx); err != nil {
			return nil, err
		}
		a.Ledger, a.Janitor = p, p
		return pool.Ping, nil

	case BackendMemory:
		m := ledger.NewMemory(ledger.WithMemoryLogger(logger))
		a.Ledger, a.Janitor = m, m
		return nil, nil

	default:
		return nil, errors.New("unreachable: backend validated")
	}
}

func (a *App) dial(ctx context.Context, nc settlement.NetworkConfig, relayer *settlement.Relayer, logger *slog.Logger) error {
	client, err := ethclient.DialContext(ctx, nc.RPCURL)
	if err != nil {
		return fmt.Errorf("network %s: dial: %w", nc.Network, err)
	}
	a.closers = append(a.closers, client.Close)

	evm, err := settlement.NewEVM(nc, client, relayer, settlement.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("network %s: %w", nc.Network, err)
	}
	if err := evm.CheckChainID(ctx); err != nil {
		return fmt.Errorf("network %s: %w", nc.Network, err)
	}
	a.Networks.Register(nc.Network, evm)
	return nil
}
