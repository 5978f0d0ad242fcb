package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jito-foundation/solana-accountsdb-connector/config"
	"github.com/jito-foundation/solana-accountsdb-connector/logging"
	"github.com/jito-foundation/solana-accountsdb-connector/metrics"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	logLevel   string
}

func rootCommand() *cobra.Command {
	flags := &globalFlags{}
	c := &cobra.Command{
		Use:           "account-stream",
		Short:         "Streams account writes and slot updates to redundant consumers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	c.PersistentFlags().StringVarP(&flags.configPath, "config", "c", os.Getenv("CONFIG_PATH"), "path to the YAML config file")
	c.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override service.log_level")

	c.AddCommand(serveCommand(flags), consumeCommand(flags), validateCommand(flags))
	return c
}

// runtime is the process-level setup shared by every command.
type runtime struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Collector
}

func setup(flags *globalFlags) (*runtime, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.logLevel != "" {
		cfg.Service.LogLevel = flags.logLevel
	}

	logger, err := logging.NewLogger(cfg.Service.LogLevel, cfg.Service.LogFormat)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	logger = logger.With(zap.String("service", cfg.Service.Name))

	return &runtime{cfg: cfg, logger: logger, metrics: metrics.NewCollector()}, nil
}

func validateCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Checks the config for both commands and exits",
		RunE: func(c *cobra.Command, _ []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			if err := cfg.ValidatePublisher(); err != nil {
				return fmt.Errorf("publisher: %w", err)
			}
			if len(cfg.Consumer.GrpcSources) > 0 {
				if err := cfg.ValidateConsumer(); err != nil {
					return fmt.Errorf("consumer: %w", err)
				}
			}
			fmt.Fprintln(c.OutOrStdout(), "config ok")
			return nil
		},
	}
}

// ignoreCanceled treats shutdown by signal as success.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
