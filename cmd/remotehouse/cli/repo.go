package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	workerCommand []string
	repoTitle     string
	repoURL       string
)

var repoCmd = &cobra.Command{
	Use:   "repo",
	Short: "Manage repositories",
}

var repoInitCmd = &cobra.Command{
	Use:   "init <name>",
	Short: "Create a repository with a data directory and worker scripts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		command := workerCommand
		if len(command) == 0 {
			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("failed to locate remotehouse binary: %w", err)
			}
			command = []string{exe, "worker"}
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

		written, err := svc.InitRepository(args[0], command)
		if err != nil {
			return err
		}
		for _, p := range written {
			fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", p)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Repository %s ready\n", args[0])
		return nil
	},
}

var repoAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Register a repository in the listing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := loadEnvironment(cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer env.Close()
		svc, err := env.service()
		if err != nil {
			return err
		}
		if err := svc.RegisterRepository(args[0], repoTitle, repoURL); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Repository registered: %s\n", args[0])
		return nil
	},
}

var repoListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered repositories",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := loadEnvironment(cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer env.Close()
		svc, err := env.service()
		if err != nil {
			return err
		}
		items, err := svc.Repositories()
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tTITLE\tURL")
		for _, it := range items {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", it.Name, it.Title, it.URL)
		}
		return tw.Flush()
	},
}

var repoStatsCmd = &cobra.Command{
	Use:   "stats <name>",
	Short: "Show data size, record counts and script status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := loadEnvironment(cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer env.Close()
		svc, err := env.service()
		if err != nil {
			return err
		}
		st, err := svc.Stats(args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	},
}

func init() {
	RootCmd.AddCommand(repoCmd)
	repoCmd.AddCommand(repoInitCmd, repoAddCmd, repoListCmd, repoStatsCmd)
	repoInitCmd.Flags().StringSliceVar(&workerCommand, "worker-cmd", nil, "Command the scripts exec, followed by the operation (default: this binary's worker)")
	repoAddCmd.Flags().StringVar(&repoTitle, "title", "", "Display title (default: name)")
	repoAddCmd.Flags().StringVar(&repoURL, "url", "", "Source URL")
}
