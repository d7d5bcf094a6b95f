// Command marketctl drives the picture marketplace from the command line.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fixmypic/service_layer/internal/cli"
	"github.com/fixmypic/service_layer/internal/config"
	"github.com/fixmypic/service_layer/internal/logging"
	"github.com/fixmypic/service_layer/internal/service"
)

var rootCmd = &cobra.Command{
	Use:   "marketctl",
	Short: "Operate the picture request marketplace",
	Long: `marketctl creates picture requests, submissions, comments and purchases
with the operator key, waits for each write to appear in the index and
reports the outcome. It also exposes the pricing, encryption and
watermarking primitives the gateway serves.`,
	SilenceUsage: true,
}

var (
	envFile string
	timeout time.Duration
	verbose bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "dotenv file to load before reading the environment")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "give up waiting after this long")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// env is what every subcommand starts from.
type env struct {
	cfg *config.Config
	log *logging.Logger
	out *cli.Printer
}

func loadEnv(cmd *cobra.Command) (*env, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	level := cfg.LogLevel
	if verbose {
		level = "debug"
	}
	log := logging.New("marketctl", level, "text")
	log.SetOutput(cmd.ErrOrStderr())
	return &env{cfg: cfg, log: log, out: cli.NewPrinter(cmd.OutOrStdout())}, nil
}

// withMarketplace builds and starts the marketplace, runs fn and stops it.
func withMarketplace(cmd *cobra.Command, fn func(ctx context.Context, e *env, mp *service.Marketplace) error) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	mp, err := service.NewSharedInitializer(e.cfg, e.log, nil).Get(ctx)
	if err != nil {
		return err
	}
	if err := mp.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer stopCancel()
		if err := mp.Stop(stopCtx); err != nil {
			e.log.WithError(err).Warn("marketplace stop")
		}
	}()
	return fn(ctx, e, mp)
}
