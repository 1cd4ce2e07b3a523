package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/callbridge/internal/config"
	"firestige.xyz/callbridge/internal/supervisor"
)

// sessionCmd represents the session command group
var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage bridge sessions",
	Long: `Manage call bridge sessions on the callbridge daemon.

Subcommands:
  start   - Start a new session
  status  - Show one session
  stop    - Stop a session
  list    - List all sessions`,
}

var sessionStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a new session",
	Long: `Start a bridge session from flags or from a JSON/YAML request file.

Examples:
  callbridge session start --phone +4915112345678 --sip-target 200
  callbridge session start -f request.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := sessionRequestFromFlags()
		if err != nil {
			return err
		}
		return runSessionStart(cmd.Context(), cli, cmd.OutOrStdout(), req)
	},
}

var sessionStatusCmd = &cobra.Command{
	Use:   "status <session-id>",
	Short: "Show session status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSessionStatus(cmd.Context(), cli, cmd.OutOrStdout(), args[0])
	},
}

var sessionStopCmd = &cobra.Command{
	Use:   "stop <session-id>",
	Short: "Stop a session",
	Long: `Stop a session from any phase. Teardown disconnects audio, hangs up the SIP
call and ends the device call. With --wait the command returns the final status.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSessionStop(cmd.Context(), cli, cmd.OutOrStdout(), args[0], sessionWait)
	},
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSessionList(cmd.Context(), cli, cmd.OutOrStdout())
	},
}

var (
	sessionFile    string
	sessionPhone   string
	sessionContact string
	sessionTarget  string
	sessionSerial  string
	sessionReqID   string
	sessionWait    bool
)

func init() {
	sessionCmd.AddCommand(sessionStartCmd)
	sessionCmd.AddCommand(sessionStatusCmd)
	sessionCmd.AddCommand(sessionStopCmd)
	sessionCmd.AddCommand(sessionListCmd)

	f := sessionStartCmd.Flags()
	f.StringVarP(&sessionFile, "file", "f", "", "session request file (JSON or YAML)")
	f.StringVar(&sessionPhone, "phone", "", "messaging-side callee phone number")
	f.StringVar(&sessionContact, "contact", "", "contact name to save the number under")
	f.StringVar(&sessionTarget, "sip-target", "", "SIP URI or extension to dial")
	f.StringVar(&sessionSerial, "serial", "", "adb serial of the device")
	f.StringVar(&sessionReqID, "request-id", "", "caller correlation id")
	sessionStartCmd.MarkFlagsMutuallyExclusive("file", "phone")

	sessionStopCmd.Flags().BoolVarP(&sessionWait, "wait", "w", false,
		"wait for teardown and print the final status")

	rootCmd.AddCommand(sessionCmd)
}

// sessionRequestFromFlags builds the request from -f or the individual flags.
func sessionRequestFromFlags() (config.SessionRequest, error) {
	if sessionFile != "" {
		data, err := os.ReadFile(sessionFile)
		if err != nil {
			return config.SessionRequest{}, fmt.Errorf("failed to read request file %s: %w", sessionFile, err)
		}
		req, err := config.ParseSessionRequestAuto(data)
		if err != nil {
			return config.SessionRequest{}, err
		}
		return *req, nil
	}

	req := config.SessionRequest{
		RequestID:    sessionReqID,
		Phone:        sessionPhone,
		ContactName:  sessionContact,
		SIPTarget:    sessionTarget,
		DeviceSerial: sessionSerial,
	}
	if err := req.Validate(); err != nil {
		return config.SessionRequest{}, err
	}
	return req, nil
}

func runSessionStart(ctx context.Context, client ClientInterface, out io.Writer, req config.SessionRequest) error {
	id, err := client.StartSession(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	fmt.Fprintf(out, "✓ Session %s started (phone %s → %s)\n", id, req.Phone, req.SIPTarget)
	return nil
}

func runSessionStatus(ctx context.Context, client ClientInterface, out io.Writer, id string) error {
	st, err := client.SessionStatus(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to get session status: %w", err)
	}
	return printJSON(out, st)
}

func runSessionStop(ctx context.Context, client ClientInterface, out io.Writer, id string, wait bool) error {
	st, err := client.StopSession(ctx, id, wait)
	if err != nil {
		return fmt.Errorf("failed to stop session: %w", err)
	}
	if st == nil {
		fmt.Fprintf(out, "✓ Session %s stopping\n", id)
		return nil
	}
	fmt.Fprintf(out, "✓ Session %s %s", id, st.Phase)
	if st.Reason.Kind != "" || st.Reason.Detail != "" {
		fmt.Fprintf(out, " (%s)", st.Reason)
	}
	fmt.Fprintln(out)
	for _, w := range st.Warnings {
		fmt.Fprintf(out, "  warning: %s\n", w)
	}
	return nil
}

func runSessionList(ctx context.Context, client ClientInterface, out io.Writer) error {
	list, err := client.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(list) == 0 {
		fmt.Fprintln(out, "No sessions.")
		return nil
	}
	printSessionTable(out, list)
	return nil
}

func printSessionTable(out io.Writer, list []supervisor.Status) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPHASE\tATTEMPT\tPHONE\tSIP TARGET\tAGE\tREASON")
	for _, st := range list {
		phase := string(st.Phase)
		if st.Retrying {
			phase += " (retrying)"
		}
		age := time.Since(st.CreatedAt).Truncate(time.Second)
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			st.ID, phase, st.Attempt, st.Phone, st.SIPTarget, age, st.Reason)
	}
	w.Flush()
}

func printJSON(out io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format result: %w", err)
	}
	fmt.Fprintln(out, string(data))
	return nil
}
