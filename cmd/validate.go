package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/callbridge/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the daemon config or a session request file",
	Long: `Validate configuration offline, without contacting the daemon.

With -f, validates a session request file (JSON or YAML, detected from content).
Without -f, validates the daemon config file given by --config.

Examples:
  callbridge validate -c /etc/callbridge/config.yml
  callbridge validate -f request.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if validateRequestFile != "" {
			return runValidateRequest(validateRequestFile, cmd.OutOrStdout())
		}
		return runValidateConfig(configFile, cmd.OutOrStdout())
	},
}

var validateRequestFile string

func init() {
	validateCmd.Flags().StringVarP(&validateRequestFile, "file", "f", "",
		"session request file to validate")
	rootCmd.AddCommand(validateCmd)
}

func runValidateRequest(path string, out io.Writer) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file %s: %w", path, err)
	}

	req, err := config.ParseSessionRequestAuto(data)
	if err != nil {
		return fmt.Errorf("INVALID: %w", err)
	}

	fmt.Fprintf(out, "VALID: session request phone=%s contact=%q sip_target=%s\n",
		req.Phone, req.ContactName, req.SIPTarget)
	return nil
}

func runValidateConfig(path string, out io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("INVALID: %w", err)
	}
	fmt.Fprintf(out, "VALID: config %s (node %s, sip %s:%d, max %d attempt(s))\n",
		path, cfg.Node.Hostname, cfg.SIP.Server, cfg.SIP.Port, cfg.Supervisor.MaxAttempts)
	return nil
}
