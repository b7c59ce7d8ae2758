// Command clinic-call runs the call signaling server and its companion tools.
//
//	clinic-call serve --config config/config.prod.yaml
//	clinic-call records <user-id>
//	clinic-call token <user-id>
//	clinic-call dial --user nurse-1 --call dr-2
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dkeye/ClinicCall/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var configPath string

func main() {
	// Initialize zerolog global logger early so config loading can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := buildRootCmd().ExecuteContext(ctx)
	cancel()
	if err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "clinic-call",
		Short:        "Real-time call signaling for the clinic portal",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to YAML config (default config/config.<CONFIG_ENV>.yaml)")

	root.AddCommand(
		buildServeCmd(),
		buildRecordsCmd(),
		buildTokenCmd(),
		buildDialCmd(),
	)
	return root
}

func loadConfig() (*config.Config, *config.Loader, error) {
	l := config.NewLoader(configPath)
	cfg, err := l.Load()
	if err != nil {
		return nil, nil, err
	}
	config.ApplyLogging(cfg.Log)
	return cfg, l, nil
}
