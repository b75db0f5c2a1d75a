package cli

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/kubilitics/churnwatch/internal/alerting"
	"github.com/kubilitics/churnwatch/internal/repository"
)

func newMonitorCmd(a *app) *cobra.Command {
	var opts alerting.MonitorOptions
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Run one churn rule monitor pass",
		Long:  "Re-score every customer with the churn classifier and raise churn alerts from the active rules.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, release, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer release()

			if opts.DryRun {
				a.printf("DRY RUN MODE - No alerts will be created\n")
			}
			sum, err := c.Monitor.Run(cmd.Context(), opts)
			if err != nil {
				return fmt.Errorf("monitor: %w", err)
			}
			a.printf("Monitoring complete: %d rules processed, %d customers checked, %d alerts created\n",
				sum.RulesProcessed, sum.CustomersChecked, sum.AlertsCreated)
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "evaluate rules without writing alerts or sending notifications")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "ignore the per-rule cooldown")
	return cmd
}

func newBuildModelCmd(a *app) *cobra.Command {
	var sampleSize int
	cmd := &cobra.Command{
		Use:   "build-model",
		Short: "Fit the outlier model on a sample of customers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if sampleSize < 0 {
				return fmt.Errorf("--sample-size must not be negative")
			}
			c, release, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer release()

			built, err := c.Detector.BuildBaselineModel(cmd.Context(), sampleSize)
			if err != nil {
				return fmt.Errorf("build model: %w", err)
			}
			if !built {
				a.printf("Model not built: not enough customers with events\n")
				return nil
			}
			st := c.Detector.Status()
			a.printf("Model built from %d customers (offset %.4f)\n", st.SampleCount, st.Offset)
			return nil
		},
	}
	cmd.Flags().IntVar(&sampleSize, "sample-size", 0, "customers to sample (0 uses anomaly.sample_size)")
	return cmd
}

func newRefreshBaselinesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh-baselines",
		Short: "Recompute every customer's behavior baseline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, release, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer release()

			var bar *progressbar.ProgressBar
			onProgress := func(done, total int) {
				if a.noProgress {
					return
				}
				if bar == nil {
					bar = progressbar.NewOptions(total,
						progressbar.OptionSetWriter(a.stderr),
						progressbar.OptionSetDescription("baselines"),
						progressbar.OptionShowCount(),
						progressbar.OptionClearOnFinish(),
					)
				}
				_ = bar.Set(done)
			}

			sum, err := c.Baselines.RefreshAll(cmd.Context(), onProgress)
			if bar != nil {
				_ = bar.Finish()
			}
			if err != nil {
				return fmt.Errorf("refresh baselines: %w", err)
			}
			a.printf("Refreshed %d of %d baselines (%d failed)\n", sum.Refreshed, sum.Total, sum.Failed)
			return nil
		},
	}
}

func newDetectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "detect [customer-id]",
		Short: "Run anomaly detection for one customer, or a batch sweep over recently active customers",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, release, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer release()

			if len(args) == 0 {
				sum, err := c.Detection.RunBatch(cmd.Context())
				if err != nil {
					return fmt.Errorf("batch detection: %w", err)
				}
				a.printf("Batch detection complete: %d processed, %d anomalies\n", sum.ProcessedCount, sum.AnomaliesFound)
				return nil
			}

			res := c.Detection.DetectCustomer(cmd.Context(), args[0])
			if !res.IsOk() {
				return fmt.Errorf("detect %s: %w", args[0], res.Err)
			}
			if res.Value == nil {
				a.printf("Detection unavailable: the outlier model could not be fitted\n")
				return nil
			}
			enc := json.NewEncoder(a.stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res.Value)
		},
	}
}

func newCleanupCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired anomaly alerts and inactive watchlist entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, release, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer release()

			sum, err := c.Cleanup.Run(cmd.Context())
			if err != nil {
				return fmt.Errorf("cleanup: %w", err)
			}
			a.printf("Deleted %d alerts and %d watchlist entries\n", sum.AlertsDeleted, sum.WatchlistDeleted)
			return nil
		},
	}
}

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig(cmd.Context())
			if err != nil {
				return err
			}
			repo, err := repository.Open(cfg.Database.Type, cfg.Database.SQLitePath, cfg.Database.PostgresURL)
			if err != nil {
				return err
			}
			defer repo.Close()
			if err := repo.Migrate(); err != nil {
				return err
			}
			a.printf("Migrations applied (%s)\n", cfg.Database.Type)
			return nil
		},
	}
}

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := a.loadConfig(cmd.Context()); err != nil {
				return err
			}
			a.printf("Configuration is valid\n")
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig(cmd.Context())
			if err != nil {
				return err
			}
			shown := *cfg
			shown.Database.PostgresURL = redact(shown.Database.PostgresURL)
			shown.Redis.URL = redact(shown.Redis.URL)
			enc := json.NewEncoder(a.stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(shown)
		},
	})
	return cmd
}

// redact hides credentials in a connection URL.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}
