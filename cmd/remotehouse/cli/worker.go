package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/remotehouse/internal/script"
)

// workerCmd is what repository shims exec. It prints exactly one JSON
// document on stdout and never loads configuration or logs there.
var workerCmd = &cobra.Command{
	Use:                "worker <op> [flags]",
	Short:              "Run one operation against ./data (invoked by repository scripts)",
	Hidden:             true,
	DisableFlagParsing: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return fmt.Errorf("worker requires an operation")
		}
		if code := script.Main(args[0], args[1:], cmd.OutOrStdout(), cmd.ErrOrStderr()); code != 0 {
			os.Exit(code)
		}
		return nil
	},
}

func init() {
	RootCmd.AddCommand(workerCmd)
}
