package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/undoablehq/undoable/internal/channels"
	"github.com/undoablehq/undoable/internal/config"
)

func channelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "Manage chat channel adapters on a running daemon",
	}
	cmd.AddCommand(channelsListCmd())
	cmd.AddCommand(channelsGetCmd())
	cmd.AddCommand(channelsSetCmd())
	cmd.AddCommand(channelsStartStopCmd(true))
	cmd.AddCommand(channelsStartStopCmd(false))
	return cmd
}

func channelsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List channel adapters and their connection state",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient()
			if err != nil {
				return err
			}
			var resp struct {
				Channels []channels.Status `json:"channels"`
			}
			if err := c.do("GET", "/channels", nil, &resp); err != nil {
				return err
			}
			if len(resp.Channels) == 0 {
				fmt.Println("no channels configured")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CHANNEL\tSTATUS\tRUNNING\tLAST ERROR")
			for _, st := range resp.Channels {
				fmt.Fprintf(w, "%s\t%s\t%v\t%s\n",
					st.ChannelID, st.Status, st.Running, st.LastError)
			}
			return w.Flush()
		},
	}
}

func channelsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one channel's status and masked config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient()
			if err != nil {
				return err
			}
			var resp struct {
				Status channels.Status      `json:"status"`
				Config config.ChannelConfig `json:"config"`
			}
			if err := c.do("GET", "/channels/"+args[0], nil, &resp); err != nil {
				return err
			}
			out, err := json.MarshalIndent(resp, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func channelsSetCmd() *cobra.Command {
	var (
		token    string
		enabled  bool
		disabled bool
	)
	cmd := &cobra.Command{
		Use:   "set <id>",
		Short: "Update a channel's config and restart it",
		Long: `Update a channel's config on the daemon. Fields not passed as flags keep
their stored values; the daemon persists the result and restarts or stops
the adapter to match the enabled flag.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if enabled && disabled {
				return fmt.Errorf("--enabled and --disabled are mutually exclusive")
			}
			c, err := newAPIClient()
			if err != nil {
				return err
			}
			// Fetch the current config so unset flags round-trip unchanged.
			// The daemon treats a masked token as "keep the stored secret".
			var current struct {
				Config config.ChannelConfig `json:"config"`
			}
			if err := c.do("GET", "/channels/"+args[0], nil, &current); err != nil {
				return err
			}
			cfg := current.Config
			if token != "" {
				cfg.Token = token
			}
			if enabled {
				cfg.Enabled = true
			}
			if disabled {
				cfg.Enabled = false
			}
			var resp struct {
				Status channels.Status `json:"status"`
			}
			if err := c.do("PUT", "/channels/"+args[0], &cfg, &resp); err != nil {
				return err
			}
			fmt.Printf("%s: %s\n", resp.Status.ChannelID, resp.Status.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "bot or API token")
	cmd.Flags().BoolVar(&enabled, "enabled", false, "enable the channel")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "disable the channel")
	return cmd
}

func channelsStartStopCmd(start bool) *cobra.Command {
	use, short, verb := "start <id>", "Start a configured channel adapter", "start"
	if !start {
		use, short, verb = "stop <id>", "Stop a running channel adapter", "stop"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient()
			if err != nil {
				return err
			}
			var resp struct {
				Status channels.Status `json:"status"`
			}
			if err := c.do("POST", "/channels/"+args[0]+"/"+verb, nil, &resp); err != nil {
				return err
			}
			fmt.Printf("%s: %s\n", resp.Status.ChannelID, resp.Status.Status)
			return nil
		},
	}
}
