// Package cmd wires the cobra command tree: the daemon itself plus thin
// HTTP clients for driving a running daemon from the terminal.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/undoablehq/undoable/internal/config"
	"github.com/undoablehq/undoable/pkg/protocol"
)

// Version is set at build time via -ldflags "-X github.com/undoablehq/undoable/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "undoable",
	Short: "Undoable — an agent daemon whose actions can be previewed, applied, and undone",
	Long: "Undoable runs LLM-driven agent runs as reviewable plans: every tool call is " +
		"journaled with the state needed to reverse it, so a finished run can be applied, " +
		"inspected, or rolled back. The daemon exposes an HTTP API plus chat channels " +
		"(Telegram, Discord, Slack, WhatsApp) and a cron-style job scheduler.",
	Run: func(cmd *cobra.Command, args []string) {
		runDaemon()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "settings file (default: daemon-settings.json under the data dir, or $UNDOABLE_DAEMON_SETTINGS_FILE)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(daemonCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(jobsCmd())
	rootCmd.AddCommand(channelsCmd())
	rootCmd.AddCommand(migrateCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("undoable %s (protocol %d)\n", Version, protocol.ProtocolVersion)
		},
	}
}

// resolveConfigPath picks the settings file: --config flag, then env, then
// the default location inside the data dir.
func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("UNDOABLE_DAEMON_SETTINGS_FILE"); v != "" {
		return v
	}
	dataDir := os.Getenv("UNDOABLE_DATA_DIR")
	if dataDir == "" {
		dataDir = "~/.undoable"
	}
	return filepath.Join(config.ExpandHome(dataDir), "daemon-settings.json")
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
