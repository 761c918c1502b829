package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"github.com/vietddude/marketpulse/internal/core/domain"
	"github.com/vietddude/marketpulse/internal/infra/storage/postgres"
)

var statusLimit int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the most recently updated runs",
	Run:   runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&statusLimit, "limit", 20, "number of runs to show")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.Database.URL == "" {
		slog.Error("status needs database.url; the memory store is not shared between processes")
		os.Exit(1)
	}

	ctx := context.Background()
	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = db.Close()
	}()

	rows, err := db.QueryContext(ctx,
		"SELECT id, phase_order, phases, snapshot IS NOT NULL, updated_at FROM runs ORDER BY updated_at DESC LIMIT $1",
		statusLimit)
	if err != nil {
		slog.Error("Failed to query runs", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = rows.Close()
	}()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "RUN\tPHASES\tSNAPSHOT\tUPDATED")

	for rows.Next() {
		var (
			id              string
			orderRaw, phRaw []byte
			hasSnapshot     bool
			updatedAt       time.Time
			order           []string
			phases          map[string]domain.PhaseStatus
		)
		if err := rows.Scan(&id, &orderRaw, &phRaw, &hasSnapshot, &updatedAt); err != nil {
			continue
		}
		_ = sonic.Unmarshal(orderRaw, &order)
		_ = sonic.Unmarshal(phRaw, &phases)

		parts := make([]string, 0, len(order))
		for _, p := range order {
			parts = append(parts, p+"="+string(phases[p]))
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", id, strings.Join(parts, " "), hasSnapshot, updatedAt.Format(time.RFC3339))
	}
	if err := rows.Err(); err != nil {
		slog.Error("Failed to read runs", "error", err)
	}
	_ = w.Flush()
}
