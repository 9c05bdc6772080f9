package main

import (
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "shopassist",
		Short:         "Storefront shopping assistant widget runtime",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		Long: `shopassist runs the storefront chat widget against a streaming agent
backend, relays the agent's UI commands to the host page and exposes a
local control API for driving the widget.`,
	}
	root.AddCommand(newRunCmd(), newAgentsimCmd(), newPerfCmd(), newVersionCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// Error already printed by cobra.
		os.Exit(1)
	}
}
