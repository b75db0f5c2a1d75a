package server

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/churnwatch/internal/alerting"
	"github.com/kubilitics/churnwatch/internal/analytics/anomaly"
	"github.com/kubilitics/churnwatch/internal/classifier"
	"github.com/kubilitics/churnwatch/internal/config"
	"github.com/kubilitics/churnwatch/internal/notifications"
	"github.com/kubilitics/churnwatch/internal/pkg/cooldown"
	"github.com/kubilitics/churnwatch/internal/repository"
	"github.com/kubilitics/churnwatch/internal/service"
	"github.com/kubilitics/churnwatch/internal/tasks"
)

// Components is the dependency graph shared by the server and churnctl.
type Components struct {
	Config *config.Config
	Logger *zap.Logger

	Repo       *repository.SQLRepository
	Guard      cooldown.Guard
	Detector   *anomaly.Detector
	Engine     *alerting.Engine
	Monitor    *alerting.Monitor
	Classifier *classifier.Client
	Notifier   *notifications.Notifier
	Runner     *tasks.Runner

	Detection *service.DetectionService
	Events    *service.EventService
	Baselines *service.BaselineService
	Cleanup   *service.CleanupService
}

// NewComponents opens the store, runs migrations and builds every service.
// pusher may be nil when nothing listens for real-time updates. The task
// runner is created stopped; callers that queue work must Start it.
func NewComponents(cfg *config.Config, logger *zap.Logger, pusher service.Pusher) (*Components, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Components{Config: cfg, Logger: logger}

	// 1. Storage
	repo, err := repository.Open(cfg.Database.Type, cfg.Database.SQLitePath, cfg.Database.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Database.Type, err)
	}
	if err := repo.Migrate(); err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	c.Repo = repo

	// 2. Cooldown guard: Redis when configured, in-process otherwise
	if cfg.Redis.URL != "" {
		guard, err := cooldown.NewRedisGuard(cooldown.RedisGuardOptions{
			URL:    cfg.Redis.URL,
			Prefix: cfg.Redis.Prefix,
		})
		if err != nil {
			_ = repo.Close()
			return nil, fmt.Errorf("failed to connect cooldown guard: %w", err)
		}
		c.Guard = guard
		logger.Info("using redis cooldown guard", zap.String("prefix", cfg.Redis.Prefix))
	} else {
		c.Guard = cooldown.NewMemoryGuard()
	}

	// 3. Detection and alerting
	c.Detector = anomaly.NewDetector(repo, anomaly.Options{
		NumTrees:       cfg.Anomaly.NumTrees,
		Contamination:  cfg.Anomaly.Contamination,
		Seed:           cfg.Anomaly.RandomSeed,
		SampleSize:     cfg.Anomaly.SampleSize,
		MinEvents:      cfg.Anomaly.MinEvents,
		FeatureWindow:  days(cfg.Anomaly.FeatureWindowDays),
		TrainingWindow: days(cfg.Anomaly.TrainingWindowDays),
	}, logger)

	c.Engine = alerting.NewEngine(repo, c.Guard, alerting.EngineOptions{
		Cooldown:           hours(cfg.Alerting.CooldownHours),
		AlertThreshold:     cfg.Anomaly.AlertThreshold,
		AdmissionThreshold: cfg.Watchlist.AdmissionThreshold,
		HighRiskThreshold:  cfg.Watchlist.HighRiskThreshold,
	}, logger)

	c.Classifier = classifier.NewClient(cfg.Classifier.URL, seconds(cfg.Classifier.TimeoutSec))
	c.Notifier = notifications.NewNotifier(notifications.StaticChannels(cfg.Notifications.Channels), logger)

	c.Monitor = alerting.NewMonitor(repo, c.Classifier, c.Notifier, alerting.RuleDefaults{
		ChurnThreshold:          cfg.Alerting.ChurnThreshold,
		SuddenIncreaseThreshold: cfg.Alerting.SuddenIncreaseThreshold,
		Recipients:              strings.TrimSpace(cfg.Alerting.DefaultRecipients),
		CooldownHours:           cfg.Alerting.RuleCooldownHours,
		CheckFrequencyMinutes:   cfg.Alerting.RuleCheckMinutes,
	}, logger)

	// 4. Background work and services
	c.Runner = tasks.NewRunner(cfg.Tasks.Workers, cfg.Tasks.QueueSize, logger)

	c.Detection = service.NewDetectionService(repo, c.Detector, c.Engine, c.Classifier, c.Runner, pusher, c.Notifier,
		service.DetectionOptions{
			EscalationThreshold: cfg.Anomaly.EscalationThreshold,
			NotifyThreshold:     cfg.Anomaly.NotifyThreshold,
			ActivityWindow:      hours(cfg.Anomaly.ActivityWindowHours),
			Detect:              service.RetryPolicy{MaxRetries: cfg.Tasks.DetectRetries, Backoff: seconds(cfg.Tasks.DetectBackoff)},
			Predict:             service.RetryPolicy{MaxRetries: cfg.Tasks.PredictRetries, Backoff: seconds(cfg.Tasks.PredictBackoff)},
		}, logger)

	c.Events = service.NewEventService(repo, c.Detection, c.Runner,
		service.RetryPolicy{MaxRetries: cfg.Tasks.ProcessEventRetries, Backoff: seconds(cfg.Tasks.ProcessEventBackoff)},
		logger)

	c.Baselines = service.NewBaselineService(repo, c.Detector, logger)
	c.Cleanup = service.NewCleanupService(repo, days(cfg.Retention.AlertDays), days(cfg.Retention.InactiveWatchlistDays), logger)

	return c, nil
}

// Jobs returns the periodic sweeps with their configured schedules.
func (c *Components) Jobs() []service.Job {
	sched := c.Config.Scheduler
	return []service.Job{
		{
			Name:     "batch_detection",
			Schedule: sched.BatchDetectionCron,
			Run: func(ctx context.Context) error {
				sum, err := c.Detection.RunBatch(ctx)
				if err != nil {
					return err
				}
				c.Logger.Info("batch detection complete",
					zap.Int("processed", sum.ProcessedCount),
					zap.Int("anomalies", sum.AnomaliesFound))
				return nil
			},
		},
		{
			Name:     "baseline_refresh",
			Schedule: sched.BaselineRefreshCron,
			Run: func(ctx context.Context) error {
				_, err := c.Baselines.RefreshAll(ctx, nil)
				return err
			},
		},
		{
			Name:     "cleanup",
			Schedule: sched.CleanupCron,
			Run: func(ctx context.Context) error {
				_, err := c.Cleanup.Run(ctx)
				return err
			},
		},
		{
			Name:     "model_refresh",
			Schedule: sched.ModelRefreshCron,
			Run: func(ctx context.Context) error {
				_, err := c.Detector.BuildBaselineModel(ctx, 0)
				return err
			},
		},
		{
			Name:     "churn_monitor",
			Schedule: c.monitorSchedule(),
			Run: func(ctx context.Context) error {
				_, err := c.Monitor.Run(ctx, alerting.MonitorOptions{})
				return err
			},
		},
	}
}

// monitorSchedule resolves scheduler.monitor_cron. MonitorFollowsRule uses
// the stored default rule's check frequency, or the configured default when
// that rule does not exist yet.
func (c *Components) monitorSchedule() string {
	expr := c.Config.Scheduler.MonitorCron
	if expr != config.MonitorFollowsRule {
		return expr
	}
	minutes := c.Config.Alerting.RuleCheckMinutes
	rules, err := c.Repo.ListRules(context.Background(), true)
	if err != nil {
		c.Logger.Warn("failed to load alert rules for monitor schedule", zap.Error(err))
	}
	for _, r := range rules {
		if r.Name == alerting.DefaultRuleName && r.CheckFrequencyMinutes > 0 {
			minutes = r.CheckFrequencyMinutes
			break
		}
	}
	if minutes < 1 {
		minutes = 60
	}
	return fmt.Sprintf("@every %dm", minutes)
}

// Close drains queued work and releases storage and the cooldown guard.
func (c *Components) Close(ctx context.Context) error {
	var firstErr error
	if err := c.Runner.Stop(ctx); err != nil {
		firstErr = fmt.Errorf("stop task runner: %w", err)
	}
	c.Notifier.Flush()
	if err := c.Guard.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close cooldown guard: %w", err)
	}
	if err := c.Repo.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close database: %w", err)
	}
	return firstErr
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
func hours(n int) time.Duration   { return time.Duration(n) * time.Hour }
func days(n int) time.Duration    { return time.Duration(n) * 24 * time.Hour }
