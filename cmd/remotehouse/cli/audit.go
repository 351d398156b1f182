package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/remotehouse/internal/store"
)

var (
	auditRepo  string
	auditLimit int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "List recent script executions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := loadEnvironment(cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer env.Close()

		rows, err := env.store.ListExecutions(store.ExecutionFilter{Repo: auditRepo, Limit: auditLimit})
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TIME\tREPO\tOP\tSTATUS\tDURATION\tRESULT\tERROR")
		for _, r := range rows {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%dms\t%s\t%s\n",
				r.CreatedAt.Local().Format(time.DateTime), r.Repo, r.Op, r.Status, r.DurationMs, result(r), r.Error)
		}
		return tw.Flush()
	},
}

func result(e *store.Execution) string {
	switch {
	case e.Success:
		return "ok"
	case e.Kind != "":
		return e.Kind
	case e.Code != "":
		return e.Code
	}
	return "rejected"
}

func init() {
	RootCmd.AddCommand(auditCmd)
	auditCmd.Flags().StringVar(&auditRepo, "repo", "", "Only show executions for this repository")
	auditCmd.Flags().IntVarP(&auditLimit, "limit", "n", 20, "Maximum rows to show")
}
