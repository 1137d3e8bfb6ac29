package cmd

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawl-supervisor/internal/app"
	"github.com/JakeFAU/crawl-supervisor/internal/job"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [JOB_ID...]",
		Short: "Show job status (all jobs when no id is given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			var jobs []*job.CrawlJob
			if len(args) == 0 {
				if jobs, err = a.Jobs().List(cmd.Context()); err != nil {
					return fmt.Errorf("list jobs: %w", err)
				}
			}
			for _, id := range args {
				j, err := loadJob(cmd.Context(), a, id)
				if err != nil {
					return err
				}
				jobs = append(jobs, j)
			}
			t := newTable("ID", "NAME", "STATUS", "RUN", "REVOKED", "COMPLETED", "STARTED", "FINISHED", "DOCS")
			for _, j := range jobs {
				docs, err := docSummary(cmd, a, j.ID)
				if err != nil {
					return err
				}
				t.Row(
					j.ID,
					j.Name,
					string(j.Status()),
					strconv.Itoa(j.Run()),
					strconv.FormatBool(j.Revoked),
					strconv.Itoa(j.CompletedRuns),
					formatTime(j.StartedAt()),
					formatTime(j.FinishedAt()),
					docs,
				)
			}
			fmt.Fprintln(cmd.OutOrStdout(), t.Render())
			return nil
		},
	}
}

// docSummary renders stored/distinct document counts.
func docSummary(cmd *cobra.Command, a *app.App, jobID string) (string, error) {
	count, err := a.Docs().Count(cmd.Context(), jobID)
	if err != nil {
		return "", fmt.Errorf("count documents for %s: %w", jobID, err)
	}
	distinct, err := a.Docs().DistinctURLs(cmd.Context(), jobID)
	if err != nil {
		return "", fmt.Errorf("count documents for %s: %w", jobID, err)
	}
	return fmt.Sprintf("%d/%d", count, distinct), nil
}

func newErrorsCmd() *cobra.Command {
	var (
		traceback bool
		run       int
	)
	cmd := &cobra.Command{
		Use:   "errors JOB_ID",
		Short: "List the error records of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			records, err := a.Errors().List(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("list errors for %s: %w", args[0], err)
			}
			headers := []string{"TIME", "RUN", "MESSAGE"}
			if traceback {
				headers = append(headers, "TRACEBACK")
			}
			t := newTable(headers...)
			for _, rec := range records {
				if run >= 0 && rec.Run != run {
					continue
				}
				row := []string{rec.Timestamp.UTC().Format(time.RFC3339), strconv.Itoa(rec.Run), rec.Message}
				if traceback {
					row = append(row, strings.TrimSpace(rec.Traceback))
				}
				t.Row(row...)
			}
			fmt.Fprintln(cmd.OutOrStdout(), t.Render())
			return nil
		},
	}
	cmd.Flags().BoolVar(&traceback, "traceback", false, "include tracebacks")
	cmd.Flags().IntVar(&run, "run", -1, "only show records of this run")
	return cmd
}
