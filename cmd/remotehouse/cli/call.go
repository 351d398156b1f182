package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/remotehouse/internal/remotehouse"
	"github.com/felixgeelhaar/remotehouse/internal/script"
)

var callCmd = &cobra.Command{
	Use:   "call <repo> <op> [json|-]",
	Short: "Run one operation through the sandbox and print the response",
	Long: `Call validates the JSON request for op, runs the repository's script for it
and prints the response body. Pass - to read the request from stdin. The
command fails when the response status is 400 or above.`,
	Args: cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		op, err := script.ParseOp(args[1])
		if err != nil {
			return err
		}
		var body io.Reader = strings.NewReader("{}")
		if len(args) == 3 {
			body = strings.NewReader(args[2])
			if args[2] == "-" {
				body = cmd.InOrStdin()
			}
		}
		req, err := remotehouse.DecodeRequest(op, body)
		if err != nil {
			return err
		}

		env, err := loadEnvironment(cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer env.Close()
		svc, err := env.service()
		if err != nil {
			return err
		}

		resp := svc.Call(cmd.Context(), args[0], req)
		fmt.Fprintln(cmd.OutOrStdout(), string(resp.Body))
		if resp.Status >= 400 {
			return fmt.Errorf("%s %s failed with status %d", args[0], op, resp.Status)
		}
		return nil
	},
}

func init() {
	RootCmd.AddCommand(callCmd)
}
