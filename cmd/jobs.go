package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawl-supervisor/internal/app"
	"github.com/JakeFAU/crawl-supervisor/internal/clock/system"
	"github.com/JakeFAU/crawl-supervisor/internal/id/uuid"
	"github.com/JakeFAU/crawl-supervisor/internal/job"
	"github.com/JakeFAU/crawl-supervisor/internal/persistence"
	"github.com/JakeFAU/crawl-supervisor/internal/supervisor"
)

// errInProcessBroker is returned when a run would be published to a broker
// that no other process can consume.
var errInProcessBroker = errors.New("the memory broker is only consumed inside this process: pass --wait or configure a redis or kafka broker")

// runFlags are shared by every command that queues a run.
type runFlags struct {
	timeLimit time.Duration
	wait      bool
}

func (f *runFlags) bind(cmd *cobra.Command) {
	cmd.Flags().DurationVar(&f.timeLimit, "time-limit", 0, "wall-clock limit for the run (0 uses worker.default_time_limit)")
	cmd.Flags().BoolVar(&f.wait, "wait", false, "supervise the run in this process instead of publishing it")
}

// check fails before any state changes when the run could never be consumed.
func (f runFlags) check(a *app.App) error {
	if !f.wait && a.InProcessBroker() {
		return errInProcessBroker
	}
	return nil
}

// dispatch either publishes j's next run or supervises it in the foreground.
func (f runFlags) dispatch(cmd *cobra.Command, a *app.App, j *job.CrawlJob) error {
	out := cmd.OutOrStdout()
	if !f.wait {
		if err := a.Scheduler().Enqueue(cmd.Context(), j, f.timeLimit); err != nil {
			return err
		}
		fmt.Fprintf(out, "%s run %d enqueued as %s\n", j.ID, j.Run(), j.MessageID())
		return nil
	}

	limit := f.timeLimit
	if limit <= 0 {
		limit = a.Config().Worker.DefaultTimeLimit
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	res, err := a.Scheduler().RunNow(ctx, j, limit, a.Supervisor())
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s run %d %s (exit %d, %s)\n", j.ID, j.Run(), res.Outcome, res.ExitCode, res.Duration.Round(time.Millisecond))
	if res.Outcome != supervisor.OutcomeDone {
		return &exitError{code: 2}
	}
	return nil
}

func loadJob(ctx context.Context, a *app.App, id string) (*job.CrawlJob, error) {
	j, err := a.Jobs().Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	return j, nil
}

func newCreateCmd() *cobra.Command {
	var (
		id     string
		params job.Params
		set    map[string]string
	)
	cmd := &cobra.Command{
		Use:   "create --url URL [--url URL...]",
		Short: "Create a crawl job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if id == "" {
				if id, err = uuid.NewUUIDGenerator().NewID(); err != nil {
					return err
				}
			}
			params.Config = mergeConfig(a.Config().Engine.Defaults, set)
			j, err := job.New(id, params, system.New().Now())
			if err != nil {
				return err
			}
			if err := a.Jobs().Create(cmd.Context(), j); err != nil {
				return fmt.Errorf("create job: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), j.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "job id (default: a new UUIDv7)")
	cmd.Flags().StringVar(&params.Name, "name", "", "human readable job name")
	cmd.Flags().StringArrayVar(&params.StartURLs, "url", nil, "start URL (repeatable)")
	cmd.Flags().StringArrayVar(&params.AllowedDomains, "allow", nil, "allowed domain pattern (repeatable)")
	cmd.Flags().StringArrayVar(&params.BlockedDomains, "block", nil, "blocked domain pattern (repeatable)")
	cmd.Flags().StringToStringVar(&set, "set", nil, "engine option key=value (repeatable)")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func mergeConfig(defaults, overrides map[string]string) map[string]string {
	if len(defaults) == 0 && len(overrides) == 0 {
		return nil
	}
	out := make(map[string]string, len(defaults)+len(overrides))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

func newStartCmd() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "start JOB_ID",
		Short: "Queue the first run of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := flags.check(a); err != nil {
				return err
			}
			j, err := loadJob(cmd.Context(), a, args[0])
			if err != nil {
				return err
			}
			return flags.dispatch(cmd, a, j)
		},
	}
	flags.bind(cmd)
	return cmd
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop JOB_ID",
		Short: "Request that the job's current run stop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.Scheduler().Stop(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("stop %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s revoked\n", args[0])
			return nil
		},
	}
}

func newResumeCmd() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "resume JOB_ID",
		Short: "Continue a finished job from its saved frontier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := flags.check(a); err != nil {
				return err
			}
			j, err := loadJob(cmd.Context(), a, args[0])
			if err != nil {
				return err
			}
			if err := a.State().Resume(cmd.Context(), j); err != nil {
				return err
			}
			return flags.dispatch(cmd, a, j)
		},
	}
	flags.bind(cmd)
	return cmd
}

func newRestartCmd() *cobra.Command {
	var (
		flags runFlags
		opts  persistence.RestartOptions
	)
	cmd := &cobra.Command{
		Use:   "restart JOB_ID",
		Short: "Discard a finished job's crawl state and run it from scratch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := flags.check(a); err != nil {
				return err
			}
			j, err := loadJob(cmd.Context(), a, args[0])
			if err != nil {
				return err
			}
			if err := a.State().Restart(cmd.Context(), j, opts); err != nil {
				return err
			}
			return flags.dispatch(cmd, a, j)
		},
	}
	flags.bind(cmd)
	cmd.Flags().BoolVar(&opts.ClearErrors, "clear-errors", false, "also delete the job's error history")
	return cmd
}

func newBounceCmd() *cobra.Command {
	var (
		timeLimit time.Duration
		timeout   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "bounce JOB_ID",
		Short: "Stop the current run, wait for it to end and resume",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if a.InProcessBroker() {
				return errInProcessBroker
			}
			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			j, err := a.Scheduler().Bounce(ctx, args[0], timeLimit)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s run %d enqueued as %s\n", j.ID, j.Run(), j.MessageID())
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeLimit, "time-limit", 0, "wall-clock limit for the new run (0 uses worker.default_time_limit)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "how long to wait for the current run to stop")
	return cmd
}
