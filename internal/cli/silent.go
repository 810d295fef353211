package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/wagate/internal/config"
	"github.com/KafClaw/wagate/internal/session"
	"github.com/KafClaw/wagate/internal/timeline"
)

var silentDB string

var silentCmd = &cobra.Command{
	Use:   "silent <tenantId> [on|off]",
	Short: "Show or switch reply suppression for a tenant",
	Long:  "In silent mode a tenant's batched messages are consumed without generating or sending a reply. A running gateway picks the change up on the next flush.",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenantID := args[0]
		if err := session.ValidateTenantID(tenantID); err != nil {
			return err
		}
		dbPath := silentDB
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

		if len(args) == 2 {
			on, err := parseSwitch(args[1])
			if err != nil {
				return err
			}
			if err := tl.SetSilentMode(tenantID, on); err != nil {
				return fmt.Errorf("set silent mode: %w", err)
			}
		}
		renderSilent(cmd.OutOrStdout(), tenantID, tl.IsSilentMode(tenantID))
		return nil
	},
}

func init() {
	silentCmd.Flags().StringVar(&silentDB, "db", "", "Timeline database path (default from config)")
}

func parseSwitch(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "on", "true", "1", "yes":
		return true, nil
	case "off", "false", "0", "no":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", v)
}

func renderSilent(w io.Writer, tenantID string, on bool) {
	state := color.GreenString("off")
	if on {
		state = color.YellowString("on")
	}
	fmt.Fprintf(w, "Silent mode for %s: %s\n", tenantID, state)
}
