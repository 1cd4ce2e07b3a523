// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/callbridge/internal/command"
)

var (
	// Global flags
	configFile string
	socketPath string
	timeout    time.Duration

	// cli is the daemon client used by control commands; tests inject a mock.
	cli ClientInterface
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "callbridge",
	Short: "callbridge - bridge a messaging-app voice call to a SIP call",
	Long: `callbridge drives an Android phone over adb to place a messaging-app voice call,
dials a SIP destination through a local baresip user agent, and routes audio
between the two calls through PulseAudio.

The daemon owns the sessions; this CLI talks to it over a Unix domain socket.`,
	Version:           command.Version,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: connect,
	PersistentPostRun: closeClient,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/callbridge/config.yml",
		"config file path")
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", "/var/run/callbridge.sock",
		"daemon socket path")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second,
		"daemon request timeout")
}

// offline lists commands that never talk to a running daemon.
var offline = map[string]bool{
	"daemon":   true,
	"validate": true,
	"help":     true,
}

// connect creates the UDS client unless the command runs offline or a client was injected.
func connect(cmd *cobra.Command, _ []string) error {
	if offline[cmd.Name()] || cli != nil {
		return nil
	}
	cli = NewUDSClient(socketPath, timeout)
	return nil
}

func closeClient(_ *cobra.Command, _ []string) {
	if cli != nil {
		cli.Close()
	}
}

// SetClient injects the daemon client (used by tests).
func SetClient(c ClientInterface) {
	cli = c
}

// GetClient returns the current daemon client.
func GetClient() ClientInterface {
	return cli
}
