// Command x402-facilitator runs an x402 payment facilitator: it verifies
// EIP-3009 payment authorizations and settles them on EVM chains.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mark3labs/x402-facilitator"
	"github.com/mark3labs/x402-facilitator/config"
	"github.com/mark3labs/x402-facilitator/encoding"
	x402http "github.com/mark3labs/x402-facilitator/http"
	"github.com/mark3labs/x402-facilitator/settlement"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "x402-facilitator",
		Short:        "Verify and settle x402 payments",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")

	root.AddCommand(
		newServeCmd(&configPath),
		newAddressCmd(&configPath),
		newTokenCmd(&configPath),
		newReconcileCmd(&configPath),
		newVersionCmd(),
	)
	return root
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the facilitator HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			logger, err := config.NewLogger(cfg.Log, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ln, err := net.Listen("tcp", cfg.Server.Addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", cfg.Server.Addr, err)
			}
			return serve(ctx, cfg, logger, ln)
		},
	}
}

// serve runs the API on ln and the ledger janitor until ctx is done, then
// drains in-flight requests for up to server.shutdownTimeout.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, ln net.Listener) error {
	app, err := config.Build(ctx, cfg, logger, version)
	if err != nil {
		ln.Close()
		return err
	}
	defer app.Close()

	srv := &http.Server{
		Handler:           app.Handler,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("facilitator listening", "addr", ln.Addr().String(), "version", version)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if app.Janitor != nil {
		g.Go(func() error {
			return app.Janitor.RunJanitor(gctx, cfg.Ledger.JanitorInterval)
		})
	}
	return g.Wait()
}

func newAddressCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "address",
		Short: "Print the relayer address that pays settlement gas",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			relayer, err := settlement.NewRelayer(cfg.Relayer.Options()...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), relayer.Address().Hex())
			return nil
		},
	}
}

func newTokenCmd(configPath *string) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for a resource server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if !cfg.Auth.Enabled() {
				return errors.New("auth.secret is not configured")
			}
			auth, err := x402http.NewAuthenticator(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.Audience)
			if err != nil {
				return err
			}
			token, err := auth.IssueToken(subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "resource-server", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	return cmd
}

func newReconcileCmd(configPath *string) *cobra.Command {
	var (
		payment          string
		requirementsPath string
	)
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Resolve a nonce held after an ambiguous settlement",
		Long: "Asks the chain whether a held authorization was redeemed and consumes or\n" +
			"releases its nonce. Run it after the held transaction was mined or dropped.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if cfg.Ledger.Backend == config.BackendMemory {
				return errors.New("reconcile needs a shared ledger backend (redis or postgres)")
			}
			payload, err := encoding.DecodePayment(payment)
			if err != nil {
				return fmt.Errorf("--payment: %w", err)
			}
			raw, err := os.ReadFile(requirementsPath)
			if err != nil {
				return err
			}
			var requirements x402.PaymentRequirements
			if err := json.Unmarshal(raw, &requirements); err != nil {
				return fmt.Errorf("%s: %w", requirementsPath, err)
			}

			logger, err := config.NewLogger(cfg.Log, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			app, err := config.Build(cmd.Context(), cfg, logger, version)
			if err != nil {
				return err
			}
			defer app.Close()

			action, err := app.Facilitator.Reconcile(cmd.Context(), payload, requirements)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), action)
			return nil
		},
	}
	cmd.Flags().StringVar(&payment, "payment", "", "X-PAYMENT header value of the held payment")
	cmd.Flags().StringVar(&requirementsPath, "requirements", "", "path to the payment requirements JSON")
	cmd.MarkFlagRequired("payment")
	cmd.MarkFlagRequired("requirements")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "x402-facilitator %s (x402 v%d)\n", version, x402.X402Version)
		},
	}
}
