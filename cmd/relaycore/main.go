package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"nostr-relaycore/internal/cache"
	"nostr-relaycore/internal/client"
	"nostr-relaycore/internal/config"
	"nostr-relaycore/internal/health"
	"nostr-relaycore/internal/logging"
	"nostr-relaycore/internal/metrics"
	"nostr-relaycore/internal/nips"
	"nostr-relaycore/internal/nostr"
)

var (
	// Global flags
	configPath  string
	redisURL    string
	metricsAddr string
	logLevel    string
	pubkeyFlag  string

	cfg *config.Config
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "relaycore",
		Short: "Nostr relay pool and outbox routing core",
		Long: `relaycore drives the relay core for one account: it connects the pinned
relays, routes author queries to their write relays, expands the feed to the
second-degree network and keeps a deduplicated feed with live aggregates.`,
		PersistentPreRunE: initialize,
		SilenceUsage:      true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default $RELAYCORE_CONFIG or config/relays.json)")
	rootCmd.PersistentFlags().StringVar(&redisURL, "redis", "", "Redis URL for persistence and relay health (overrides config)")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (default $LOG_LEVEL)")
	rootCmd.PersistentFlags().StringVar(&pubkeyFlag, "pubkey", "", "Account pubkey, hex or npub (default $RELAYCORE_PUBKEY)")

	rootCmd.AddCommand(newFeedCommand())
	rootCmd.AddCommand(newDiscoverCommand())
	rootCmd.AddCommand(newRouteCommand())
	rootCmd.AddCommand(newPublishCommand())
	rootCmd.AddCommand(newStatusCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// initialize loads .env, logging, config and metrics before any subcommand
func initialize(cmd *cobra.Command, args []string) error {
	if cmd.Name() == "help" || cmd.Parent() == nil {
		return nil
	}
	// a missing .env is fine
	_ = godotenv.Load()
	logging.Init(logLevel)

	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if redisURL != "" {
		cfg.RedisURL = redisURL
	}

	if metricsAddr != "" {
		metrics.Register()
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", "addr", metricsAddr, "error", err)
			}
		}()
		slog.Info("metrics listening", "addr", metricsAddr)
	}
	return nil
}

// resolveAccount returns the hex pubkey and, when a secret key is configured, a signer
func resolveAccount() (string, client.Signer, error) {
	var signer client.Signer
	if sk := os.Getenv("RELAYCORE_SECRET_KEY"); sk != "" {
		ks, err := nostr.NewKeySigner(sk)
		if err != nil {
			return "", nil, fmt.Errorf("RELAYCORE_SECRET_KEY: %w", err)
		}
		signer = ks
	}

	input := pubkeyFlag
	if input == "" {
		input = os.Getenv("RELAYCORE_PUBKEY")
	}
	if input == "" {
		if signer == nil {
			return "", nil, errors.New("--pubkey or RELAYCORE_PUBKEY is required")
		}
		return signer.PublicKey(), signer, nil
	}
	pk, err := nips.ParsePubkey(input)
	if err != nil {
		return "", nil, err
	}
	if signer != nil && signer.PublicKey() != pk {
		return "", nil, errors.New("RELAYCORE_SECRET_KEY does not match --pubkey")
	}
	return pk, signer, nil
}

// openSession builds and starts a session for the configured account. With a
// redis URL, persistence and relay health are shared through redis. The
// returned func closes the session and its backend.
func openSession(ctx context.Context) (*client.Session, func(), error) {
	owner, signer, err := resolveAccount()
	if err != nil {
		return nil, nil, err
	}

	opts := client.Options{Config: cfg, Owner: owner, Signer: signer}
	if cfg.RedisURL != "" {
		rc, err := cache.NewRedisCache(ctx, cfg.RedisURL, cfg.RedisPrefix)
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		opts.Backend = rc
		opts.Health = health.NewRedisStore(rc.Client(), rc.Prefix()+"health:", client.HealthPolicy(cfg.Pool))
	}

	closeBackend := func() {
		if opts.Backend != nil {
			opts.Backend.Close()
		}
	}
	s, err := client.New(opts)
	if err != nil {
		closeBackend()
		return nil, nil, err
	}
	closeAll := func() {
		s.Close()
		closeBackend()
	}
	if err := s.Start(logging.WithAccount(ctx, owner)); err != nil {
		closeAll()
		return nil, nil, err
	}
	return s, closeAll, nil
}
