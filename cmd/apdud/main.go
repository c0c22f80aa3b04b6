// apdud runs an emulated APDU device: a stream transport, the dispatch
// supervisor and the admin HTTP surface.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "apdud",
		Short:         "Emulated APDU device",
		SilenceUsage:  true,
		Version:       version,
		SilenceErrors: false,
	}
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newConfigCmd())
	return cmd
}
