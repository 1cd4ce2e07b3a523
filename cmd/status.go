package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long: `Query the callbridge daemon for its overall status.

Shows: version, hostname, uptime, running and retained session counts.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd.Context(), cli, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(ctx context.Context, client ClientInterface, out io.Writer) error {
	status, err := client.DaemonStatus(ctx)
	if err != nil {
		return fmt.Errorf("daemon is not running or socket is inaccessible: %w", err)
	}
	return printJSON(out, status)
}
