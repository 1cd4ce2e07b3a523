package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"firestige.xyz/callbridge/internal/daemon"
)

// daemonCmd represents the daemon command
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run callbridge daemon in foreground",
	Long: `Run the callbridge daemon process in foreground.

The daemon will:
  1. Load global configuration and SIP credentials
  2. Initialize logging and metrics
  3. Provision baresip (if sip.baresip_home is set)
  4. Start UDS server for CLI control
  5. Start Kafka command consumer and HTTP API (if configured)
  6. Handle signals for graceful shutdown (SIGTERM, SIGINT) and reload (SIGHUP)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sock := ""
		if cmd.Flags().Changed("socket") {
			sock = socketPath
		}
		return runDaemon(sock, pidFile)
	},
}

var pidFile string

func init() {
	daemonCmd.Flags().StringVarP(&pidFile, "pidfile", "p", "",
		"PID file path (default: control.pid_file from config)")
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(sock, pid string) error {
	d, err := daemon.New(configFile, sock, pid)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	if err := d.Start(); err != nil {
		slog.Error("daemon start failed", "error", err)
		d.Stop()
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	// Run main loop (blocks until shutdown)
	return d.Run()
}
