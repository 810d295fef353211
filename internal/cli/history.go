package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/KafClaw/wagate/internal/config"
	"github.com/KafClaw/wagate/internal/session"
	"github.com/KafClaw/wagate/internal/timeline"
)

var (
	historyLimit int
	historyDB    string
)

var historyCmd = &cobra.Command{
	Use:   "history <tenantId>",
	Short: "Show the recorded status history of a tenant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenantID := args[0]
		if err := session.ValidateTenantID(tenantID); err != nil {
			return err
		}
		dbPath := historyDB
		if dbPath == "" {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			dbPath = cfg.Paths.TimelineDB
		}
		tl, err := timeline.NewTimelineService(dbPath)
		if err != nil {
			return fmt.Errorf("open timeline: %w", err)
		}
		defer tl.Close()

		events, err := tl.StatusHistory(tenantID, historyLimit)
		if err != nil {
			return err
		}
		printHeader("🕑 Status history: " + tenantID)
		renderHistory(cmd.OutOrStdout(), events)
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Number of events to show")
	historyCmd.Flags().StringVar(&historyDB, "db", "", "Timeline database path (default from config)")
}

func renderHistory(w io.Writer, events []timeline.StatusEvent) {
	if len(events) == 0 {
		fmt.Fprintln(w, "No recorded status events.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSTATUS\tCONNECTED\tQR\tMESSAGE")
	for _, e := range events {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%d\t%s\n",
			e.CreatedAt.Local().Format("2006-01-02 15:04:05"), e.Status, e.Connected, e.QRAttempts, e.Message)
	}
	tw.Flush()
}
