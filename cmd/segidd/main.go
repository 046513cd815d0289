package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"segid/config"
	"segid/daemon"
	"segid/internal/logging"
)

func main() {
	if err := logging.Configure(logging.LevelInfo); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := rootCmd().Execute(); err != nil {
		slog.Error("daemon failed", "err", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		role       string
		listen     string
		dbPath     string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "segidd",
		Short: "Segmented ID issuance daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Parse(configPath)
			if err != nil {
				return err
			}
			// Flags override the file.
			if role != "" {
				cfg.Role = role
			}
			if listen != "" {
				cfg.Listen = listen
			}
			if dbPath != "" {
				cfg.DBPath = dbPath
			}
			cfg.ApplyDefaults()
			if err := cfg.Validate(); err != nil {
				return err
			}
			level := cfg.LogLevel
			if debug {
				level = logging.LevelDebug
			}
			if err := logging.Configure(level); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return daemon.Run(ctx, cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "/etc/segid/segid.yaml", "Config file path")
	cmd.Flags().StringVar(&role, "role", "", "Override the configured role (even or odd)")
	cmd.Flags().StringVar(&listen, "listen", "", "Override the configured listen address")
	cmd.Flags().StringVar(&dbPath, "db", "", "Override the configured database path")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
	return cmd
}
