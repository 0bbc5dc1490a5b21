package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/aatumaykin/seorunner/internal/app"
	"github.com/aatumaykin/seorunner/internal/schedule"
	"github.com/aatumaykin/seorunner/internal/scheduler"
)

type jobOptions struct {
	owner  string
	key    string
	site   string
	tool   string
	typ    string
	hour   int
	day    int
	args   string
	active bool
}

// periodicity builds a schedule from flags; a negative day means unset.
func (o *jobOptions) periodicity() schedule.Periodicity {
	p := schedule.Periodicity{Type: schedule.Type(o.typ), Hour: o.hour}
	if o.day >= 0 {
		p.Day = schedule.IntPtr(o.day)
	}
	return p
}

func (o *jobOptions) parseArgs() (map[string]any, error) {
	if o.args == "" {
		return nil, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(o.args), &args); err != nil {
		return nil, fmt.Errorf("--args must be a JSON object: %w", err)
	}
	return args, nil
}

// runView is the printable form of a run result.
type runView struct {
	JobID      string     `json:"job_id"`
	Outcome    string     `json:"outcome"`
	Score      *float64   `json:"score,omitempty"`
	Error      string     `json:"error,omitempty"`
	DurationMs int64      `json:"duration_ms"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
}

func newRunView(r scheduler.RunResult) runView {
	v := runView{
		JobID:      r.JobID,
		Outcome:    string(r.Outcome),
		Score:      r.Score,
		Error:      r.Error,
		DurationMs: r.Duration.Milliseconds(),
	}
	if !r.NextRunAt.IsZero() {
		v.NextRunAt = &r.NextRunAt
	}
	return v
}

func newJobsCmd(opts *globalOptions) *cobra.Command {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Manage scheduled jobs",
	}

	jobsCmd.AddCommand(
		newJobsListCmd(opts),
		newJobsAddCmd(opts),
		newJobsUpdateCmd(opts),
		newJobsRemoveCmd(opts),
		newJobsTriggerCmd(opts),
		newJobsImportCmd(opts),
	)
	return jobsCmd
}

func ownerFlag(cmd *cobra.Command, o *jobOptions) {
	cmd.Flags().StringVar(&o.owner, "owner", "", "owner id (required)")
	_ = cmd.MarkFlagRequired("owner")
}

func scheduleFlags(cmd *cobra.Command, o *jobOptions) {
	cmd.Flags().StringVar(&o.typ, "type", "daily", "periodicity: daily, weekly or monthly")
	cmd.Flags().IntVar(&o.hour, "hour", 0, "UTC hour 0-23")
	cmd.Flags().IntVar(&o.day, "day", -1, "weekday 0-6 (Monday=0) or day of month 1-28")
}

func newJobsListCmd(opts *globalOptions) *cobra.Command {
	o := &jobOptions{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List an owner's scheduled jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				jobs, err := a.Scheduler().ListJobs(ctx, o.owner)
				if err != nil {
					return err
				}
				if jobs == nil {
					jobs = []schedule.Job{}
				}
				return printJSON(cmd.OutOrStdout(), jobs)
			})
		},
	}
	ownerFlag(cmd, o)
	return cmd
}

func newJobsAddCmd(opts *globalOptions) *cobra.Command {
	o := &jobOptions{}
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Schedule a recurring tool run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			toolArgs, err := o.parseArgs()
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				job, err := a.Scheduler().CreateJob(ctx, scheduler.NewJob{
					OwnerID:     o.owner,
					KeyID:       o.key,
					Site:        o.site,
					Tool:        o.tool,
					Args:        toolArgs,
					Periodicity: o.periodicity(),
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), job)
			})
		},
	}
	ownerFlag(cmd, o)
	scheduleFlags(cmd, o)
	cmd.Flags().StringVar(&o.key, "key", "", "credential key id (required)")
	cmd.Flags().StringVar(&o.site, "site", "", "target site")
	cmd.Flags().StringVar(&o.tool, "tool", "", "tool name (required)")
	cmd.Flags().StringVar(&o.args, "args", "", "tool arguments as a JSON object")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("tool")
	return cmd
}

func newJobsUpdateCmd(opts *globalOptions) *cobra.Command {
	o := &jobOptions{}
	cmd := &cobra.Command{
		Use:   "update <job-id>",
		Short: "Change a job's schedule, arguments or active flag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var u scheduler.JobUpdate
			flags := cmd.Flags()

			if flags.Changed("type") || flags.Changed("hour") || flags.Changed("day") {
				p := o.periodicity()
				u.Periodicity = &p
			}
			if flags.Changed("active") {
				u.Active = &o.active
			}
			toolArgs, err := o.parseArgs()
			if err != nil {
				return err
			}
			u.Args = toolArgs

			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				job, err := a.Scheduler().UpdateJob(ctx, o.owner, args[0], u)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), job)
			})
		},
	}
	ownerFlag(cmd, o)
	scheduleFlags(cmd, o)
	cmd.Flags().StringVar(&o.args, "args", "", "replacement tool arguments as a JSON object")
	cmd.Flags().BoolVar(&o.active, "active", true, "activate or deactivate the job")
	return cmd
}

func newJobsRemoveCmd(opts *globalOptions) *cobra.Command {
	o := &jobOptions{}
	cmd := &cobra.Command{
		Use:   "remove <job-id>",
		Short: "Delete a scheduled job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				if err := a.Scheduler().DeleteJob(ctx, o.owner, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Job %s removed\n", args[0])
				return nil
			})
		},
	}
	ownerFlag(cmd, o)
	return cmd
}

func newJobsTriggerCmd(opts *globalOptions) *cobra.Command {
	o := &jobOptions{}
	cmd := &cobra.Command{
		Use:   "trigger <job-id>",
		Short: "Run a job now, outside its schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				res, err := a.Scheduler().TriggerJob(ctx, o.owner, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), newRunView(res))
			})
		},
	}
	ownerFlag(cmd, o)
	return cmd
}

// jobFile is the YAML layout accepted by "jobs import".
type jobFile struct {
	Jobs []struct {
		KeyID       string               `yaml:"key_id"`
		Site        string               `yaml:"site"`
		Tool        string               `yaml:"tool"`
		Args        map[string]any       `yaml:"args"`
		Periodicity schedule.Periodicity `yaml:"periodicity"`
	} `yaml:"jobs"`
}

func newJobsImportCmd(opts *globalOptions) *cobra.Command {
	o := &jobOptions{}
	cmd := &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Create jobs for an owner from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var file jobFile
			if err := yaml.Unmarshal(data, &file); err != nil {
				return fmt.Errorf("failed to parse %s: %w", args[0], err)
			}

			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				created := make([]schedule.Job, 0, len(file.Jobs))
				for i, j := range file.Jobs {
					job, err := a.Scheduler().CreateJob(ctx, scheduler.NewJob{
						OwnerID:     o.owner,
						KeyID:       j.KeyID,
						Site:        j.Site,
						Tool:        j.Tool,
						Args:        j.Args,
						Periodicity: j.Periodicity,
					})
					if err != nil {
						return fmt.Errorf("job %d (%s): %w", i+1, j.Tool, err)
					}
					created = append(created, job)
				}
				return printJSON(cmd.OutOrStdout(), created)
			})
		},
	}
	ownerFlag(cmd, o)
	return cmd
}
