package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/callbridge/internal/daemon"
)

// stopCmd represents the stop command
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the callbridge daemon",
	Long: `Stop the callbridge daemon gracefully.

Sends daemon_shutdown over the Unix domain socket. The daemon tears down every
session (audio route, SIP call, device call) before exiting.
With --force, a daemon that does not answer on the socket is sent SIGTERM
using the PID file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStop(cmd.Context(), cli, cmd.OutOrStdout(), stopForce, stopPIDFile)
	},
}

var (
	stopForce   bool
	stopPIDFile string
)

func init() {
	stopCmd.Flags().BoolVar(&stopForce, "force", false,
		"signal the daemon through its PID file when the socket is unavailable")
	stopCmd.Flags().StringVarP(&stopPIDFile, "pidfile", "p", "/var/run/callbridge.pid",
		"PID file used with --force")
	rootCmd.AddCommand(stopCmd)
}

func runStop(ctx context.Context, client ClientInterface, out io.Writer, force bool, pid string) error {
	err := client.Shutdown(ctx)
	if err == nil {
		fmt.Fprintln(out, "✓ Daemon shutting down")
		return nil
	}
	if !force {
		return fmt.Errorf("failed to stop daemon: %w", err)
	}

	fmt.Fprintf(out, "socket unavailable (%v), signalling daemon via %s\n", err, pid)
	if err := daemon.StopProcess(pid, 30*time.Second); err != nil {
		return fmt.Errorf("failed to stop daemon: %w", err)
	}
	fmt.Fprintln(out, "✓ Daemon stopped")
	return nil
}
