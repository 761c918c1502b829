package cli

import (
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"

	"github.com/vietddude/marketpulse/internal/resilience/breaker"
)

var adminAddr string

var breakersCmd = &cobra.Command{
	Use:   "breakers",
	Short: "Inspect and reset circuit breakers of a running service",
}

var breakersListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show the state of every circuit breaker",
	Args:  cobra.NoArgs,
	Run:   runBreakersList,
}

var breakersResetCmd = &cobra.Command{
	Use:   "reset [name]",
	Short: "Force a circuit breaker closed",
	Args:  cobra.ExactArgs(1),
	Run:   runBreakersReset,
}

func init() {
	breakersCmd.PersistentFlags().StringVar(&adminAddr, "addr", "", "admin API address (default http://localhost:<server.port>)")
	breakersCmd.AddCommand(breakersListCmd, breakersResetCmd)
	rootCmd.AddCommand(breakersCmd)
}

func adminClient(cmd *cobra.Command) *resty.Client {
	addr := adminAddr
	if addr == "" {
		port := 8080
		if cfg, err := loadConfig(cmd); err == nil {
			port = cfg.Server.Port
		}
		addr = fmt.Sprintf("http://localhost:%d", port)
	}
	return resty.New().
		SetBaseURL(addr).
		SetTimeout(10 * time.Second).
		SetJSONMarshaler(sonic.Marshal).
		SetJSONUnmarshaler(sonic.Unmarshal)
}

func runBreakersList(cmd *cobra.Command, args []string) {
	var snaps []breaker.Snapshot
	resp, err := adminClient(cmd).R().
		SetContext(cmd.Context()).
		SetResult(&snaps).
		Get("/breakers")
	if err != nil {
		slog.Error("Failed to reach admin API", "error", err)
		os.Exit(1)
	}
	if resp.IsError() {
		slog.Error("Admin API error", "status", resp.StatusCode(), "body", resp.String())
		os.Exit(1)
	}

	printBreakers(snaps)
}

func runBreakersReset(cmd *cobra.Command, args []string) {
	var snap breaker.Snapshot
	resp, err := adminClient(cmd).R().
		SetContext(cmd.Context()).
		SetResult(&snap).
		SetPathParam("name", args[0]).
		Post("/breakers/{name}/reset")
	if err != nil {
		slog.Error("Failed to reach admin API", "error", err)
		os.Exit(1)
	}
	if resp.IsError() {
		slog.Error("Failed to reset breaker", "name", args[0], "status", resp.StatusCode(), "body", resp.String())
		os.Exit(1)
	}

	fmt.Printf("Breaker %s is now %s\n", snap.Name, snap.State)
}

func printBreakers(snaps []breaker.Snapshot) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "NAME\tSTATE\tFAILURES\tSUCCESSES\tLAST FAILURE")
	for _, s := range snaps {
		last := "-"
		if s.LastFailure != nil {
			last = s.LastFailure.Format(time.RFC3339)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", s.Name, s.State, s.Failures, s.Successes, last)
	}
	_ = w.Flush()
}
