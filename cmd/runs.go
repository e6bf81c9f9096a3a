package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/undoablehq/undoable/internal/store"
)

func runsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect and drive runs on a running daemon",
	}
	cmd.AddCommand(runsListCmd())
	cmd.AddCommand(runsCreateCmd())
	cmd.AddCommand(runsGetCmd())
	cmd.AddCommand(runsEventsCmd())
	cmd.AddCommand(runsDeleteCmd())
	for _, action := range []string{"cancel", "pause", "resume", "apply", "undo"} {
		cmd.AddCommand(runsActionCmd(action))
	}
	return cmd
}

func runsListCmd() *cobra.Command {
	var jobID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient()
			if err != nil {
				return err
			}
			path := "/runs"
			if jobID != "" {
				path += "?job=" + jobID
			}
			var resp struct {
				Runs []*store.Run `json:"runs"`
			}
			if err := c.do("GET", path, nil, &resp); err != nil {
				return err
			}
			if len(resp.Runs) == 0 {
				fmt.Println("no runs")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tAGENT\tCREATED\tINSTRUCTION")
			for _, r := range resp.Runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					r.ID, r.Status, r.AgentID,
					r.CreatedAt.Local().Format("2006-01-02 15:04:05"),
					truncate(r.Instruction, 60))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "only runs created by this job")
	return cmd
}

func runsCreateCmd() *cobra.Command {
	var agentID, sessionID string
	var watch bool
	cmd := &cobra.Command{
		Use:   "create <instruction>",
		Short: "Create a run and start it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient()
			if err != nil {
				return err
			}
			var run store.Run
			body := map[string]string{
				"instruction": strings.Join(args, " "),
				"agentId":     agentID,
				"sessionId":   sessionID,
			}
			if err := c.do("POST", "/runs", body, &run); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "run %s created\n", run.ID)
			if watch {
				return streamRunEvents(c, run.ID)
			}
			fmt.Println(run.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id (default: default)")
	cmd.Flags().StringVar(&sessionID, "session", "", "attach the run to a chat session")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "stream the run's events until interrupted")
	return cmd
}

func runsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient()
			if err != nil {
				return err
			}
			var run store.Run
			if err := c.do("GET", "/runs/"+args[0], nil, &run); err != nil {
				return err
			}
			printRun(&run)
			return nil
		},
	}
}

func runsEventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events <id>",
		Short: "Stream a run's events (history, then live) until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient()
			if err != nil {
				return err
			}
			return streamRunEvents(c, args[0])
		},
	}
}

// streamRunEvents prints one event JSON per line, suitable for piping to jq.
func streamRunEvents(c *apiClient, id string) error {
	body, err := c.stream("/runs/" + id + "/events")
	if err != nil {
		return err
	}
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			fmt.Println(data)
		}
	}
	return scanner.Err()
}

func runsActionCmd(action string) *cobra.Command {
	var reason string
	short := map[string]string{
		"cancel": "Cancel a run",
		"pause":  "Pause a run before its next step",
		"resume": "Resume a paused run",
		"apply":  "Apply a completed run's plan",
		"undo":   "Undo a run's applied actions, newest first",
	}[action]
	cmd := &cobra.Command{
		Use:   action + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient()
			if err != nil {
				return err
			}
			var run store.Run
			body := map[string]string{"action": action, "reason": reason}
			if err := c.do("POST", "/runs/"+args[0]+"/actions", body, &run); err != nil {
				return err
			}
			fmt.Printf("%s: %s\n", run.ID, run.Status)
			return nil
		},
	}
	if action == "cancel" {
		cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	}
	return cmd
}

func runsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a terminal run and its event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient()
			if err != nil {
				return err
			}
			if err := c.do("DELETE", "/runs/"+args[0], nil, nil); err != nil {
				return err
			}
			fmt.Printf("deleted %s\n", args[0])
			return nil
		},
	}
}

func printRun(r *store.Run) {
	fmt.Printf("id:          %s\n", r.ID)
	fmt.Printf("status:      %s\n", r.Status)
	fmt.Printf("agent:       %s\n", r.AgentID)
	if r.UserID != "" {
		fmt.Printf("user:        %s\n", r.UserID)
	}
	if r.JobID != "" {
		fmt.Printf("job:         %s\n", r.JobID)
	}
	if r.SessionID != "" {
		fmt.Printf("session:     %s\n", r.SessionID)
	}
	fmt.Printf("created:     %s\n", r.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Printf("updated:     %s\n", r.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	if r.Error != "" {
		fmt.Printf("error:       %s\n", r.Error)
	}
	fmt.Printf("instruction: %s\n", r.Instruction)
}

func truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
