// Command sisproone is the production counter gateway CLI: the long-running
// `run` daemon plus inspection verbs against the MES and the local buffer.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/salvadorguc/sisproone-micro/cmd/sisproone/ui"
	"github.com/salvadorguc/sisproone-micro/config"
	"github.com/salvadorguc/sisproone-micro/internal/buffer"
	"github.com/salvadorguc/sisproone-micro/internal/logging"
	"github.com/salvadorguc/sisproone-micro/internal/mes"
	"github.com/salvadorguc/sisproone-micro/internal/replicate"
)

func main() {
	var (
		debug   bool
		cfgPath string
	)

	root := &cobra.Command{
		Use:           "sisproone",
		Short:         "Shop-floor production counter gateway",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			ui.Configure()
			level := logging.LevelInfo
			if debug {
				level = logging.LevelDebug
			}
			return logging.Configure(level)
		},
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "Config file (default "+config.Path()+")")

	root.AddCommand(runCmd(&cfgPath))
	root.AddCommand(stationsCmd(&cfgPath))
	root.AddCommand(ordersCmd(&cfgPath))
	root.AddCommand(pendingCmd(&cfgPath))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.ErrorMsg("%v", err))
		os.Exit(exitCode(err))
	}
}

// exitCode maps fatal errors to the gateway's documented exit statuses:
// 1 initialisation failure, 2 persistent auth failure, 3 storage corruption.
func exitCode(err error) int {
	switch {
	case errors.Is(err, buffer.ErrStorageCorrupt):
		return 3
	case errors.Is(err, replicate.ErrAuthFailed), errors.Is(err, mes.ErrAuthExpired):
		return 2
	default:
		return 1
	}
}
