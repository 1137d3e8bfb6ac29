// Package cmd defines and implements the CLI commands for the crawlsup executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-supervisor/internal/app"
	"github.com/JakeFAU/crawl-supervisor/internal/config"
	"github.com/JakeFAU/crawl-supervisor/internal/logging"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory. It's a variable so tests can build an
// App over in-memory backends.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger, opts app.Options) (*app.App, error) {
	return app.New(ctx, cfg, logger, opts)
}

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// cli is the state shared by one invocation of the root command.
type cli struct {
	cfgFile string
	app     *app.App
}

func (c *cli) close() {
	if c.app != nil {
		c.app.Close()
		c.app = nil
	}
}

// loadConfig reads the config file and builds the logger.
func (c *cli) loadConfig() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(c.cfgFile)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

func (c *cli) initApp(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := c.loadConfig()
	if err != nil {
		return err
	}
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	configPath := c.cfgFile
	if configPath != "" {
		if configPath, err = filepath.Abs(configPath); err != nil {
			return fmt.Errorf("resolve config path: %w", err)
		}
	}
	appInstance, err := newApp(cmd.Context(), cfg, logger, app.Options{Self: self, ConfigPath: configPath})
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	c.app = appInstance
	cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
	return nil
}

// newRootCmd creates and configures the root command.
func newRootCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawlsup",
		Short: "Supervises crawl jobs run as isolated engine processes.",
		Long: `crawlsup creates crawl jobs and runs each run of a job in a separate
engine process under a supervisor that enforces time limits, honours stop
requests, and records every failure in the job's error log.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.initApp,
	}
	cmd.PersistentFlags().StringVar(&c.cfgFile, "config", "", "config file (CRAWLSUP_* environment variables override it)")

	cmd.AddCommand(
		newCreateCmd(),
		newStartCmd(),
		newStopCmd(),
		newResumeCmd(),
		newRestartCmd(),
		newBounceCmd(),
		newStatusCmd(),
		newErrorsCmd(),
		newServeCmd(),
		newEngineCmd(c),
	)
	return cmd
}

func resolveApp(ctx context.Context) (*app.App, error) {
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute runs the root command and exits the process on failure.
func Execute() {
	c := &cli{}
	err := newRootCmd(c).ExecuteContext(context.Background())
	c.close()
	if err == nil {
		return
	}
	var exit *exitError
	if errors.As(err, &exit) {
		if exit.err != nil {
			fmt.Fprintln(os.Stderr, "Error:", exit.err)
		}
		os.Exit(exit.code)
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(1)
}
