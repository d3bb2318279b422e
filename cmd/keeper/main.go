// The keeper daemon: loads one application's declarative config, owns the
// Keeper CA, and drives the per-agent task pipeline on the configured
// polling cadence.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	cron "github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/fluxvault/vault/internal/config"
	"github.com/fluxvault/vault/internal/keeper"
	"github.com/fluxvault/vault/internal/keeperstore"
	"github.com/fluxvault/vault/internal/logging"
	"github.com/fluxvault/vault/internal/metrics"
	"github.com/fluxvault/vault/internal/transport"
)

// version and commit are set at build time via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

// Exit codes per the CLI contract: 0 clean shutdown, 2 config error,
// 3 CA error.
const (
	exitConfigError = 2
	exitCAError     = 3
)

var (
	flagConfig          string
	flagRoot            string
	flagJSONLogs        bool
	flagNodeDirectory   string
	flagSigningKey      string
	flagMetricsTextfile string
)

var rootCmd = &cobra.Command{
	Use:     "fluxvault-keeper",
	Short:   "Trusted controller that keeps declared file state in sync on remote agents",
	Version: fmt.Sprintf("%s (%s)", version, commit),
	RunE:    run,
}

func init() {
	rootCmd.Flags().StringVar(&flagConfig, "config", "", "path to the application's config.yaml (required)")
	rootCmd.Flags().StringVar(&flagRoot, "root", "", "keeper root directory holding ca/ and per-app staging (required)")
	rootCmd.Flags().BoolVar(&flagJSONLogs, "log-json", false, "emit JSON log lines instead of text")
	rootCmd.Flags().StringVar(&flagNodeDirectory, "node-directory", "", "fabric node-directory base URL, for apps without explicit addresses")
	rootCmd.Flags().StringVar(&flagSigningKey, "signing-key", "", "PEM EC private key proving the configured signing identity")
	rootCmd.Flags().StringVar(&flagMetricsTextfile, "metrics-textfile", "", "write Prometheus textfile-collector metrics here every minute")
	_ = rootCmd.MarkFlagRequired("config")
	_ = rootCmd.MarkFlagRequired("root")
}

func run(cmd *cobra.Command, _ []string) error {
	cmd.SilenceUsage = true
	log := logging.New(flagJSONLogs, "keeper")

	store, err := keeperstore.Open(filepath.Join(flagRoot, "keeper.db"))
	if err != nil {
		return fmt.Errorf("open keeper store: %w", err)
	}
	defer store.Close()

	opts := keeper.Options{Store: store}
	if flagNodeDirectory != "" {
		opts.Directory = keeper.NewNodeDirectory(flagNodeDirectory)
	}
	if flagSigningKey != "" {
		pemBytes, err := os.ReadFile(flagSigningKey)
		if err != nil {
			return fmt.Errorf("read signing key: %w", err)
		}
		signer, err := transport.SignerFromPEM(pemBytes)
		if err != nil {
			return err
		}
		opts.Signer = signer
		log.Info("signing identity loaded", "address", transport.AddressFromPublicKey(signer.PublicKeyBytes()))
	}

	m, err := keeper.Load(flagConfig, flagRoot, log.Logger, opts)
	if err != nil {
		log.Error("startup failed", "error", err)
		var cfgErr *config.Error
		if errors.As(err, &cfgErr) {
			os.Exit(exitConfigError)
		}
		os.Exit(exitCAError)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if flagMetricsTextfile != "" {
		c := cron.New()
		_, err := c.AddFunc("@every 1m", func() {
			if err := metrics.WriteTextfile(flagMetricsTextfile); err != nil {
				log.Warn("metrics textfile write failed", "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("schedule metrics textfile: %w", err)
		}
		c.Start()
		defer c.Stop()
	}

	log.Info("keeper started", "config", flagConfig, "root", flagRoot)
	if err := m.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("keeper shut down cleanly")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
