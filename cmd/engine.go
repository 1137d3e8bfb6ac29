package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-supervisor/internal/app"
	"github.com/JakeFAU/crawl-supervisor/internal/engine"
)

// reportSink opens the report channel the supervisor passes as fd 3. It is a
// variable so tests can capture reports in memory.
var reportSink = func() io.WriteCloser {
	return openReportFD(engine.ReportFD)
}

// openReportFD returns nil when fd is not open, as when the engine is run by
// hand.
func openReportFD(fd uintptr) io.WriteCloser {
	f := os.NewFile(fd, "reports")
	if f == nil {
		return nil
	}
	if _, err := f.Stat(); err != nil {
		return nil
	}
	return f
}

func newEngineCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:    "engine",
		Short:  "Run one crawl (started by the supervisor)",
		Hidden: true,
		Args:   cobra.NoArgs,
		// The engine only needs the document store, never the job store or
		// broker.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := c.loadConfig()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			logger = logger.Named("engine")

			var out io.Writer
			if sink := reportSink(); sink != nil {
				defer sink.Close()
				out = sink
			}
			reporter := engine.NewReporter(out, logger)

			fail := func(err error) error {
				reporter.Exception(err, true)
				return &exitError{code: 1, err: err}
			}

			spec, err := engine.DecodeSpec(cmd.InOrStdin())
			if err != nil {
				return fail(err)
			}
			logger = logger.With(zap.String("job_id", spec.JobID), zap.Int("run", spec.Run))

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, os.Interrupt)
			defer stop()

			fs := afero.NewOsFs()
			docs, closeDocs, err := app.OpenDocStore(ctx, cfg.DocStore, fs, logger)
			if err != nil {
				return fail(err)
			}
			defer func() {
				if cerr := closeDocs(); cerr != nil {
					logger.Warn("close document store", zap.Error(cerr))
				}
			}()

			eng, err := engine.New(fs, docs, reporter, logger)
			if err != nil {
				return fail(err)
			}
			stats, err := eng.Run(ctx, spec)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					logger.Info("crawl stopped by signal", zap.Int("stored", stats.Stored))
					return &exitError{code: 1, err: fmt.Errorf("crawl stopped: %w", err)}
				}
				return fail(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored %d pages (%d requested, %d errors, exhausted=%t)\n",
				stats.Stored, stats.Requested, stats.Errors, stats.Exhausted)
			return nil
		},
	}
}
