package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"segid/cmd/segid/ui"
	"segid/internal/logging"
	"segid/sdk"
)

var (
	serverURL string
	plain     bool
)

func main() {
	var debug bool

	if err := logging.Configure(logging.LevelWarn); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	root := &cobra.Command{
		Use:           "segid",
		Short:         "Client for the segmented ID issuance daemon",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			ui.ConfigureColors(plain)
			level := logging.LevelWarn
			if debug {
				level = logging.LevelDebug
			}
			return logging.Configure(level)
		},
	}
	root.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:8680", "Daemon base URL")
	root.PersistentFlags().BoolVar(&plain, "plain", false, "Disable styled output")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	root.AddCommand(generateCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(healthCmd())
	root.AddCommand(cleanCmd())
	root.AddCommand(adminCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.ErrorMsg("%v", err))
		os.Exit(1)
	}
}

func client() *sdk.Client {
	return sdk.New(serverURL)
}
