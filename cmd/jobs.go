package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/undoablehq/undoable/internal/scheduler"
)

func jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Manage scheduled jobs on a running daemon",
	}
	cmd.AddCommand(jobsListCmd())
	cmd.AddCommand(jobsCreateCmd())
	cmd.AddCommand(jobsDeleteCmd())
	cmd.AddCommand(jobsRunCmd())
	cmd.AddCommand(jobsEnableCmd(true))
	cmd.AddCommand(jobsEnableCmd(false))
	cmd.AddCommand(jobsStatusCmd())
	return cmd
}

func jobsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient()
			if err != nil {
				return err
			}
			var resp struct {
				Jobs []*scheduler.Job `json:"jobs"`
			}
			if err := c.do("GET", "/jobs", nil, &resp); err != nil {
				return err
			}
			if len(resp.Jobs) == 0 {
				fmt.Println("no jobs")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tENABLED\tSCHEDULE\tNEXT RUN\tLAST STATUS")
			for _, j := range resp.Jobs {
				fmt.Fprintf(w, "%s\t%s\t%v\t%s\t%s\t%s\n",
					j.ID, j.Name, j.Enabled, describeSchedule(j.Schedule),
					formatMs(j.State.NextRunAtMs), j.State.LastStatus)
			}
			return w.Flush()
		},
	}
}

func jobsCreateCmd() *cobra.Command {
	var (
		name, description string
		every             time.Duration
		at, cronExpr, tz  string
		instruction       string
		agentID           string
		eventText         string
		deleteAfterRun    bool
		disabled          bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a job (one of --every, --at, --cron)",
		RunE: func(cmd *cobra.Command, args []string) error {
			job := scheduler.Job{
				Name:           name,
				Description:    description,
				Enabled:        !disabled,
				DeleteAfterRun: deleteAfterRun,
			}

			switch {
			case every > 0:
				job.Schedule = scheduler.Schedule{Kind: scheduler.KindEvery, EveryMs: every.Milliseconds()}
			case at != "":
				job.Schedule = scheduler.Schedule{Kind: scheduler.KindAt, At: at}
			case cronExpr != "":
				job.Schedule = scheduler.Schedule{Kind: scheduler.KindCron, Expr: cronExpr, TZ: tz}
			default:
				return fmt.Errorf("one of --every, --at or --cron is required")
			}

			switch {
			case instruction != "":
				job.Payload = scheduler.Payload{Kind: scheduler.PayloadRun, Instruction: instruction, AgentID: agentID}
			case eventText != "":
				job.Payload = scheduler.Payload{Kind: scheduler.PayloadEvent, Text: eventText}
			default:
				return fmt.Errorf("one of --instruction or --event is required")
			}

			c, err := newAPIClient()
			if err != nil {
				return err
			}
			var created scheduler.Job
			if err := c.do("POST", "/jobs", &job, &created); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "job %s created, next run %s\n",
				created.ID, formatMs(created.State.NextRunAtMs))
			fmt.Println(created.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "job name (required)")
	cmd.Flags().StringVar(&description, "description", "", "job description")
	cmd.Flags().DurationVar(&every, "every", 0, "fixed interval, e.g. 5m or 1h30m")
	cmd.Flags().StringVar(&at, "at", "", "one-shot RFC3339 timestamp")
	cmd.Flags().StringVar(&cronExpr, "cron", "", "cron expression, e.g. '0 9 * * 1-5'")
	cmd.Flags().StringVar(&tz, "tz", "", "IANA timezone for --cron (default: host zone)")
	cmd.Flags().StringVar(&instruction, "instruction", "", "fire an agent run with this instruction")
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id for --instruction runs")
	cmd.Flags().StringVar(&eventText, "event", "", "fire a plain event with this text")
	cmd.Flags().BoolVar(&deleteAfterRun, "delete-after-run", false, "remove the job after one successful fire")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "create the job disabled")
	cmd.MarkFlagRequired("name")
	return cmd
}

func jobsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient()
			if err != nil {
				return err
			}
			if err := c.do("DELETE", "/jobs/"+args[0], nil, nil); err != nil {
				return err
			}
			fmt.Printf("deleted %s\n", args[0])
			return nil
		},
	}
}

func jobsRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <id>",
		Short: "Fire a job immediately, off schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient()
			if err != nil {
				return err
			}
			if err := c.do("POST", "/jobs/"+args[0]+"/run", nil, nil); err != nil {
				return err
			}
			fmt.Printf("started %s\n", args[0])
			return nil
		},
	}
}

func jobsEnableCmd(enable bool) *cobra.Command {
	use, short := "enable <id>", "Enable a job"
	if !enable {
		use, short = "disable <id>", "Disable a job"
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
			// The update endpoint replaces the mutable fields, so fetch the
			// current job and flip only enabled.
			var current *scheduler.Job
			var list struct {
				Jobs []*scheduler.Job `json:"jobs"`
			}
			if err := c.do("GET", "/jobs", nil, &list); err != nil {
				return err
			}
			for _, j := range list.Jobs {
				if j.ID == args[0] {
					current = j
					break
				}
			}
			if current == nil {
				return fmt.Errorf("job %s not found", args[0])
			}
			current.Enabled = enable
			var updated scheduler.Job
			if err := c.do("PUT", "/jobs/"+args[0], current, &updated); err != nil {
				return err
			}
			fmt.Printf("%s: enabled=%v, next run %s\n",
				updated.ID, updated.Enabled, formatMs(updated.State.NextRunAtMs))
			return nil
		},
	}
}

func jobsStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show scheduler summary and recent fires",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient()
			if err != nil {
				return err
			}
			var resp struct {
				Jobs        int               `json:"jobs"`
				Enabled     int               `json:"enabled"`
				Running     int               `json:"running"`
				NextRunAtMs int64             `json:"nextRunAtMs"`
				Recent      []scheduler.Event `json:"recent"`
			}
			if err := c.do("GET", "/jobs/status", nil, &resp); err != nil {
				return err
			}
			fmt.Printf("jobs: %d (%d enabled, %d running), next fire %s\n",
				resp.Jobs, resp.Enabled, resp.Running, formatMs(resp.NextRunAtMs))
			if len(resp.Recent) == 0 {
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "FIRED\tJOB\tSTATUS\tRUN\tERROR")
			for _, ev := range resp.Recent {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					formatMs(ev.FiredAtMs), ev.JobName, ev.Status, ev.RunID, ev.Error)
			}
			return w.Flush()
		},
	}
}

func describeSchedule(s scheduler.Schedule) string {
	switch s.Kind {
	case scheduler.KindEvery:
		return "every " + (time.Duration(s.EveryMs) * time.Millisecond).String()
	case scheduler.KindAt:
		return "at " + s.At
	case scheduler.KindCron:
		if s.TZ != "" {
			return fmt.Sprintf("cron %q (%s)", s.Expr, s.TZ)
		}
		return fmt.Sprintf("cron %q", s.Expr)
	default:
		return s.Kind
	}
}

func formatMs(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04:05")
}
