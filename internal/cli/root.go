// Package cli implements churnctl, the operator command line for churnwatch.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kubilitics/churnwatch/internal/config"
	"github.com/kubilitics/churnwatch/internal/pkg/logger"
	"github.com/kubilitics/churnwatch/internal/server"
)

// DefaultConfigPath is read when --config is not given.
const DefaultConfigPath = "/etc/churnwatch/config.yaml"

type app struct {
	configPath string
	logLevel   string
	noProgress bool
	stdout     io.Writer
	stderr     io.Writer
}

func NewRootCommand() *cobra.Command {
	return newRootCommand(os.Stdout, os.Stderr)
}

func NewRootCommandWithIO(out, errOut io.Writer) *cobra.Command {
	return newRootCommand(out, errOut)
}

func newRootCommand(out, errOut io.Writer) *cobra.Command {
	a := &app{
		stdout: out,
		stderr: errOut,
	}

	cmd := &cobra.Command{
		Use:           "churnctl",
		Short:         "Operate churnwatch: monitor passes, model builds, baselines and retention",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", envOr("CHURNWATCH_CONFIG", DefaultConfigPath), "path to the churnwatch config file")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	cmd.PersistentFlags().BoolVar(&a.noProgress, "no-progress", false, "disable progress bars")

	cmd.AddCommand(
		newMonitorCmd(a),
		newBuildModelCmd(a),
		newRefreshBaselinesCmd(a),
		newDetectCmd(a),
		newCleanupCmd(a),
		newMigrateCmd(a),
		newConfigCmd(a),
	)
	return cmd
}

// loadConfig reads and validates the configuration.
func (a *app) loadConfig(ctx context.Context) (*config.Config, error) {
	mgr, err := config.NewConfigManager(a.configPath)
	if err != nil {
		return nil, err
	}
	if err := mgr.Load(ctx); err != nil {
		return nil, fmt.Errorf("load %s: %w", a.configPath, err)
	}
	if err := mgr.Validate(ctx); err != nil {
		return nil, err
	}
	cfg := mgr.Get(ctx)
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	return cfg, nil
}

// open loads the config and assembles the components. The caller must call
// the returned release function.
func (a *app) open(ctx context.Context) (*server.Components, func(), error) {
	cfg, err := a.loadConfig(ctx)
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.New(logger.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return nil, nil, err
	}
	c, err := server.NewComponents(cfg, log, nil)
	if err != nil {
		_ = log.Sync()
		return nil, nil, err
	}
	release := func() {
		if err := c.Close(context.Background()); err != nil {
			log.Warn("release components", zap.Error(err))
		}
		_ = log.Sync()
	}
	return c, release, nil
}

func (a *app) printf(format string, args ...interface{}) {
	fmt.Fprintf(a.stdout, format, args...)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
