package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error

	// Server
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", c.Server.Port),
		})
	}

	// Database
	switch c.Database.Type {
	case "sqlite":
		if c.Database.SQLitePath == "" {
			errs = append(errs, &ValidationError{
				Field:   "database.sqlite_path",
				Message: "sqlite_path is required when database type is sqlite",
			})
		}
	case "postgres":
		if c.Database.PostgresURL == "" {
			errs = append(errs, &ValidationError{
				Field:   "database.postgres_url",
				Message: "postgres_url is required when database type is postgres",
			})
		}
	default:
		errs = append(errs, &ValidationError{
			Field:   "database.type",
			Message: fmt.Sprintf("invalid database type %q (must be sqlite or postgres)", c.Database.Type),
		})
	}

	// Anomaly
	if c.Anomaly.NumTrees < 1 {
		errs = append(errs, &ValidationError{
			Field:   "anomaly.num_trees",
			Message: "num_trees must be at least 1",
		})
	}
	if c.Anomaly.Contamination <= 0 || c.Anomaly.Contamination > 0.5 {
		errs = append(errs, &ValidationError{
			Field:   "anomaly.contamination",
			Message: fmt.Sprintf("contamination must be in (0, 0.5], got %v", c.Anomaly.Contamination),
		})
	}
	if c.Anomaly.SampleSize < 1 {
		errs = append(errs, &ValidationError{
			Field:   "anomaly.sample_size",
			Message: "sample_size must be at least 1",
		})
	}
	if c.Anomaly.FeatureWindowDays < 1 || c.Anomaly.TrainingWindowDays < 1 {
		errs = append(errs, &ValidationError{
			Field:   "anomaly.feature_window_days",
			Message: "feature and training windows must be at least 1 day",
		})
	}
	if c.Anomaly.EscalationThreshold > c.Anomaly.AlertThreshold {
		errs = append(errs, &ValidationError{
			Field:   "anomaly.escalation_threshold",
			Message: "escalation_threshold must not be above alert_threshold",
		})
	}

	// Alerting
	if c.Alerting.CooldownHours < 0 || c.Alerting.RuleCooldownHours < 0 {
		errs = append(errs, &ValidationError{
			Field:   "alerting.cooldown_hours",
			Message: "cooldown hours cannot be negative",
		})
	}
	if c.Alerting.RuleCheckMinutes < 1 {
		errs = append(errs, &ValidationError{
			Field:   "alerting.rule_check_minutes",
			Message: "must be at least 1",
		})
	}
	if !isProbability(c.Alerting.ChurnThreshold) {
		errs = append(errs, &ValidationError{
			Field:   "alerting.churn_threshold",
			Message: "churn_threshold must be between 0 and 1",
		})
	}

	// Watchlist
	if !isProbability(c.Watchlist.AdmissionThreshold) || !isProbability(c.Watchlist.HighRiskThreshold) {
		errs = append(errs, &ValidationError{
			Field:   "watchlist",
			Message: "watchlist thresholds must be between 0 and 1",
		})
	} else if c.Watchlist.HighRiskThreshold < c.Watchlist.AdmissionThreshold {
		errs = append(errs, &ValidationError{
			Field:   "watchlist.high_risk_threshold",
			Message: "high_risk_threshold must not be below admission_threshold",
		})
	}

	// Tasks
	if c.Tasks.Workers < 1 {
		errs = append(errs, &ValidationError{
			Field:   "tasks.workers",
			Message: "workers must be at least 1",
		})
	}
	if c.Tasks.ProcessEventRetries < 0 || c.Tasks.DetectRetries < 0 || c.Tasks.PredictRetries < 0 {
		errs = append(errs, &ValidationError{
			Field:   "tasks",
			Message: "retry counts cannot be negative",
		})
	}

	// Scheduler
	if c.Scheduler.Enabled {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		for field, expr := range map[string]string{
			"scheduler.batch_detection_cron":  c.Scheduler.BatchDetectionCron,
			"scheduler.baseline_refresh_cron": c.Scheduler.BaselineRefreshCron,
			"scheduler.cleanup_cron":          c.Scheduler.CleanupCron,
			"scheduler.model_refresh_cron":    c.Scheduler.ModelRefreshCron,
			"scheduler.monitor_cron":          c.Scheduler.MonitorCron,
		} {
			if expr == "" || expr == MonitorFollowsRule {
				continue
			}
			if _, err := parser.Parse(expr); err != nil {
				errs = append(errs, &ValidationError{
					Field:   field,
					Message: fmt.Sprintf("invalid cron expression %q: %v", expr, err),
				})
			}
		}
	}

	// Retention
	if c.Retention.AlertDays < 1 || c.Retention.InactiveWatchlistDays < 1 {
		errs = append(errs, &ValidationError{
			Field:   "retention",
			Message: "retention days must be at least 1",
		})
	}

	// Classifier
	if c.Classifier.URL != "" {
		if u, err := url.Parse(c.Classifier.URL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, &ValidationError{
				Field:   "classifier.url",
				Message: fmt.Sprintf("invalid classifier url %q", c.Classifier.URL),
			})
		}
	}

	// Notifications
	for i, ch := range c.Notifications.Channels {
		if ch.URL == "" {
			errs = append(errs, &ValidationError{
				Field:   fmt.Sprintf("notifications.channels[%d].url", i),
				Message: "url is required",
			})
		}
	}

	// Logging
	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, strings.ToLower(c.Logging.Level)) {
		errs = append(errs, &ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level %q (must be one of: %s)", c.Logging.Level, strings.Join(validLevels, ", ")),
		})
	}
	validFormats := []string{"json", "console"}
	if !contains(validFormats, c.Logging.Format) {
		errs = append(errs, &ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format %q (must be one of: %s)", c.Logging.Format, strings.Join(validFormats, ", ")),
		})
	}

	// Tracing
	if p := strings.ToLower(c.Tracing.Protocol); p != "" && p != "grpc" && p != "http" {
		errs = append(errs, &ValidationError{
			Field:   "tracing.protocol",
			Message: fmt.Sprintf("invalid tracing protocol %q (must be grpc or http)", c.Tracing.Protocol),
		})
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		errs = append(errs, &ValidationError{
			Field:   "tracing.sampling_rate",
			Message: "sampling_rate must be between 0 and 1",
		})
	}

	return errs
}

func isProbability(v float64) bool {
	return v >= 0 && v <= 1
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}
