package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/wagate/internal/config"
	"github.com/KafClaw/wagate/internal/session"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("🏷️ wagate Version")
		fmt.Printf("Version: %s\n", version)
	},
}

var (
	statusURL   string
	statusToken string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the live status of every tenant session",
	RunE: func(cmd *cobra.Command, args []string) error {
		url, token := statusURL, statusToken
		if url == "" || token == "" {
			if cfg, err := config.Load(); err == nil {
				if url == "" {
					url = "http://" + cfg.Gateway.Addr()
				}
				if token == "" {
					token = cfg.Gateway.AuthToken
				}
			}
		}
		if url == "" {
			url = "http://" + config.DefaultConfig().Gateway.Addr()
		}
		snaps, err := fetchStatus(url, token)
		if err != nil {
			return err
		}
		printHeader("📊 wagate Status")
		renderStatus(cmd.OutOrStdout(), snaps)
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusURL, "url", "", "Gateway base URL (default from config)")
	statusCmd.Flags().StringVar(&statusToken, "token", "", "Gateway bearer token (default from config)")
}

func fetchStatus(baseURL, token string) ([]session.Snapshot, error) {
	req, err := http.NewRequest(http.MethodGet, strings.TrimRight(baseURL, "/")+"/status", nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var out struct {
		Sessions []session.Snapshot `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return out.Sessions, nil
}

func renderStatus(w io.Writer, snaps []session.Snapshot) {
	if len(snaps) == 0 {
		fmt.Fprintln(w, "No tenant sessions.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TENANT\tSTATUS\tQR\tUPDATED\tMESSAGE")
	for _, s := range snaps {
		updated := "-"
		if !s.UpdatedAt.IsZero() {
			updated = s.UpdatedAt.Local().Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", s.TenantID, colorStatus(s.Status), s.QRAttempts, updated, s.Message)
	}
	tw.Flush()
}

func colorStatus(s session.Status) string {
	switch s {
	case session.StatusConnected:
		return color.GreenString(s.String())
	case session.StatusQRPending, session.StatusAuthenticating:
		return color.YellowString(s.String())
	case session.StatusError, session.StatusDisconnected:
		return color.RedString(s.String())
	default:
		return s.String()
	}
}
