package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/undoablehq/undoable/internal/channels"
	"github.com/undoablehq/undoable/internal/usage"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient()
			if err != nil {
				return err
			}
			var st struct {
				Version    string `json:"version"`
				UptimeSec  int64  `json:"uptimeSec"`
				Policy     string `json:"policy"`
				Runs       int    `json:"runs"`
				ActiveRuns int    `json:"activeRuns"`
				Scheduler  *struct {
					Jobs        int   `json:"jobs"`
					Enabled     int   `json:"enabled"`
					Running     int   `json:"running"`
					NextRunAtMs int64 `json:"nextRunAtMs"`
				} `json:"scheduler"`
				Channels         []channels.Status `json:"channels"`
				PendingApprovals *int              `json:"pendingApprovals"`
				Usage            *usage.Totals     `json:"usage"`
			}
			raw, err := c.rpc("status", nil)
			if err != nil {
				return err
			}
			if err := json.Unmarshal(raw, &st); err != nil {
				return fmt.Errorf("decode status: %w", err)
			}

			fmt.Printf("undoable %s, up %s\n", st.Version, (time.Duration(st.UptimeSec) * time.Second).String())
			fmt.Printf("policy: %s\n", st.Policy)
			fmt.Printf("runs: %d total, %d active\n", st.Runs, st.ActiveRuns)
			if st.PendingApprovals != nil {
				fmt.Printf("pending approvals: %d\n", *st.PendingApprovals)
			}
			if st.Scheduler != nil {
				fmt.Printf("scheduler: %d jobs (%d enabled, %d running), next fire %s\n",
					st.Scheduler.Jobs, st.Scheduler.Enabled, st.Scheduler.Running,
					formatMs(st.Scheduler.NextRunAtMs))
			}
			for _, ch := range st.Channels {
				fmt.Printf("channel %s: %s\n", ch.ChannelID, ch.Status)
			}
			if st.Usage != nil {
				fmt.Printf("usage: %d calls, %d tokens\n", st.Usage.Calls, st.Usage.TotalTokens)
			}
			return nil
		},
	}
}
