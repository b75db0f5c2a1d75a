package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	mu         sync.RWMutex
	configPath string
	config     *Config
	viper      *viper.Viper
	watchChan  chan Config
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	m.viper = viper.New()

	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	m.viper.SetEnvPrefix("CHURNWATCH")
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	m.setDefaults()

	// The config file is optional; defaults + env vars are enough to run.
	if err := m.viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.applyEnvOverrides()

	return nil
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	errs := m.Get(ctx).Validate()
	if len(errs) > 0 {
		var errMsgs []string
		for _, err := range errs {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
	}
	return nil
}

// Watch watches for configuration changes and reloads.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	m.viper.WatchConfig()
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		if err := m.unmarshalConfig(); err != nil {
			return
		}
		m.applyEnvOverrides()
		select {
		case m.watchChan <- *m.Get(ctx):
		default:
			// Channel full, skip this update
		}
	})

	return m.watchChan
}

// Reload reloads configuration from sources.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	if err := m.viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.applyEnvOverrides()

	return nil
}

// setDefaults sets default values in viper.
func (m *viperConfigManager) setDefaults() {
	defaults := DefaultConfig()

	// Server defaults
	m.viper.SetDefault("server.port", defaults.Server.Port)
	m.viper.SetDefault("server.allowed_origins", defaults.Server.AllowedOrigins)
	m.viper.SetDefault("server.read_timeout_sec", defaults.Server.ReadTimeoutSec)
	m.viper.SetDefault("server.write_timeout_sec", defaults.Server.WriteTimeoutSec)
	m.viper.SetDefault("server.shutdown_timeout_sec", defaults.Server.ShutdownTimeoutSec)
	m.viper.SetDefault("server.rate_limit_enabled", defaults.Server.RateLimitEnabled)

	// Database defaults
	m.viper.SetDefault("database.type", defaults.Database.Type)
	m.viper.SetDefault("database.sqlite_path", defaults.Database.SQLitePath)
	m.viper.SetDefault("database.postgres_url", defaults.Database.PostgresURL)

	// Redis defaults
	m.viper.SetDefault("redis.url", defaults.Redis.URL)
	m.viper.SetDefault("redis.prefix", defaults.Redis.Prefix)

	// Anomaly defaults
	m.viper.SetDefault("anomaly.num_trees", defaults.Anomaly.NumTrees)
	m.viper.SetDefault("anomaly.contamination", defaults.Anomaly.Contamination)
	m.viper.SetDefault("anomaly.random_seed", defaults.Anomaly.RandomSeed)
	m.viper.SetDefault("anomaly.sample_size", defaults.Anomaly.SampleSize)
	m.viper.SetDefault("anomaly.min_events", defaults.Anomaly.MinEvents)
	m.viper.SetDefault("anomaly.feature_window_days", defaults.Anomaly.FeatureWindowDays)
	m.viper.SetDefault("anomaly.training_window_days", defaults.Anomaly.TrainingWindowDays)
	m.viper.SetDefault("anomaly.alert_threshold", defaults.Anomaly.AlertThreshold)
	m.viper.SetDefault("anomaly.escalation_threshold", defaults.Anomaly.EscalationThreshold)
	m.viper.SetDefault("anomaly.notify_threshold", defaults.Anomaly.NotifyThreshold)
	m.viper.SetDefault("anomaly.activity_window_hours", defaults.Anomaly.ActivityWindowHours)

	// Alerting defaults
	m.viper.SetDefault("alerting.cooldown_hours", defaults.Alerting.CooldownHours)
	m.viper.SetDefault("alerting.churn_threshold", defaults.Alerting.ChurnThreshold)
	m.viper.SetDefault("alerting.sudden_increase_threshold", defaults.Alerting.SuddenIncreaseThreshold)
	m.viper.SetDefault("alerting.rule_cooldown_hours", defaults.Alerting.RuleCooldownHours)
	m.viper.SetDefault("alerting.rule_check_minutes", defaults.Alerting.RuleCheckMinutes)
	m.viper.SetDefault("alerting.default_recipients", defaults.Alerting.DefaultRecipients)

	// Watchlist defaults
	m.viper.SetDefault("watchlist.admission_threshold", defaults.Watchlist.AdmissionThreshold)
	m.viper.SetDefault("watchlist.high_risk_threshold", defaults.Watchlist.HighRiskThreshold)

	// Task defaults
	m.viper.SetDefault("tasks.workers", defaults.Tasks.Workers)
	m.viper.SetDefault("tasks.queue_size", defaults.Tasks.QueueSize)
	m.viper.SetDefault("tasks.process_event_retries", defaults.Tasks.ProcessEventRetries)
	m.viper.SetDefault("tasks.process_event_backoff", defaults.Tasks.ProcessEventBackoff)
	m.viper.SetDefault("tasks.detect_retries", defaults.Tasks.DetectRetries)
	m.viper.SetDefault("tasks.detect_backoff", defaults.Tasks.DetectBackoff)
	m.viper.SetDefault("tasks.predict_retries", defaults.Tasks.PredictRetries)
	m.viper.SetDefault("tasks.predict_backoff", defaults.Tasks.PredictBackoff)

	// Scheduler defaults
	m.viper.SetDefault("scheduler.enabled", defaults.Scheduler.Enabled)
	m.viper.SetDefault("scheduler.batch_detection_cron", defaults.Scheduler.BatchDetectionCron)
	m.viper.SetDefault("scheduler.baseline_refresh_cron", defaults.Scheduler.BaselineRefreshCron)
	m.viper.SetDefault("scheduler.cleanup_cron", defaults.Scheduler.CleanupCron)
	m.viper.SetDefault("scheduler.model_refresh_cron", defaults.Scheduler.ModelRefreshCron)
	m.viper.SetDefault("scheduler.monitor_cron", defaults.Scheduler.MonitorCron)

	// Retention defaults
	m.viper.SetDefault("retention.alert_days", defaults.Retention.AlertDays)
	m.viper.SetDefault("retention.inactive_watchlist_days", defaults.Retention.InactiveWatchlistDays)

	// Classifier defaults
	m.viper.SetDefault("classifier.url", defaults.Classifier.URL)
	m.viper.SetDefault("classifier.timeout_sec", defaults.Classifier.TimeoutSec)

	// Logging defaults
	m.viper.SetDefault("logging.level", defaults.Logging.Level)
	m.viper.SetDefault("logging.format", defaults.Logging.Format)
	m.viper.SetDefault("logging.file_path", defaults.Logging.FilePath)
	m.viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	m.viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	m.viper.SetDefault("logging.max_age_days", defaults.Logging.MaxAgeDays)
	m.viper.SetDefault("logging.compress", defaults.Logging.Compress)

	// Tracing defaults
	m.viper.SetDefault("tracing.endpoint", defaults.Tracing.Endpoint)
	m.viper.SetDefault("tracing.protocol", defaults.Tracing.Protocol)
	m.viper.SetDefault("tracing.service_name", defaults.Tracing.ServiceName)
	m.viper.SetDefault("tracing.sampling_rate", defaults.Tracing.SamplingRate)
}

// unmarshalConfig unmarshals viper config into Config struct.
func (m *viperConfigManager) unmarshalConfig() error {
	cfg := &Config{}

	// Server
	cfg.Server.Port = m.viper.GetInt("server.port")
	cfg.Server.AllowedOrigins = m.viper.GetStringSlice("server.allowed_origins")
	cfg.Server.ReadTimeoutSec = m.viper.GetInt("server.read_timeout_sec")
	cfg.Server.WriteTimeoutSec = m.viper.GetInt("server.write_timeout_sec")
	cfg.Server.ShutdownTimeoutSec = m.viper.GetInt("server.shutdown_timeout_sec")
	cfg.Server.RateLimitEnabled = m.viper.GetBool("server.rate_limit_enabled")

	// Database
	cfg.Database.Type = m.viper.GetString("database.type")
	cfg.Database.SQLitePath = m.viper.GetString("database.sqlite_path")
	cfg.Database.PostgresURL = m.viper.GetString("database.postgres_url")

	// Redis
	cfg.Redis.URL = m.viper.GetString("redis.url")
	cfg.Redis.Prefix = m.viper.GetString("redis.prefix")

	// Anomaly
	cfg.Anomaly.NumTrees = m.viper.GetInt("anomaly.num_trees")
	cfg.Anomaly.Contamination = m.viper.GetFloat64("anomaly.contamination")
	cfg.Anomaly.RandomSeed = m.viper.GetInt64("anomaly.random_seed")
	cfg.Anomaly.SampleSize = m.viper.GetInt("anomaly.sample_size")
	cfg.Anomaly.MinEvents = m.viper.GetInt("anomaly.min_events")
	cfg.Anomaly.FeatureWindowDays = m.viper.GetInt("anomaly.feature_window_days")
	cfg.Anomaly.TrainingWindowDays = m.viper.GetInt("anomaly.training_window_days")
	cfg.Anomaly.AlertThreshold = m.viper.GetFloat64("anomaly.alert_threshold")
	cfg.Anomaly.EscalationThreshold = m.viper.GetFloat64("anomaly.escalation_threshold")
	cfg.Anomaly.NotifyThreshold = m.viper.GetFloat64("anomaly.notify_threshold")
	cfg.Anomaly.ActivityWindowHours = m.viper.GetInt("anomaly.activity_window_hours")

	// Alerting
	cfg.Alerting.CooldownHours = m.viper.GetInt("alerting.cooldown_hours")
	cfg.Alerting.ChurnThreshold = m.viper.GetFloat64("alerting.churn_threshold")
	cfg.Alerting.SuddenIncreaseThreshold = m.viper.GetFloat64("alerting.sudden_increase_threshold")
	cfg.Alerting.RuleCooldownHours = m.viper.GetInt("alerting.rule_cooldown_hours")
	cfg.Alerting.RuleCheckMinutes = m.viper.GetInt("alerting.rule_check_minutes")
	cfg.Alerting.DefaultRecipients = m.viper.GetString("alerting.default_recipients")

	// Watchlist
	cfg.Watchlist.AdmissionThreshold = m.viper.GetFloat64("watchlist.admission_threshold")
	cfg.Watchlist.HighRiskThreshold = m.viper.GetFloat64("watchlist.high_risk_threshold")

	// Tasks
	cfg.Tasks.Workers = m.viper.GetInt("tasks.workers")
	cfg.Tasks.QueueSize = m.viper.GetInt("tasks.queue_size")
	cfg.Tasks.ProcessEventRetries = m.viper.GetInt("tasks.process_event_retries")
	cfg.Tasks.ProcessEventBackoff = m.viper.GetInt("tasks.process_event_backoff")
	cfg.Tasks.DetectRetries = m.viper.GetInt("tasks.detect_retries")
	cfg.Tasks.DetectBackoff = m.viper.GetInt("tasks.detect_backoff")
	cfg.Tasks.PredictRetries = m.viper.GetInt("tasks.predict_retries")
	cfg.Tasks.PredictBackoff = m.viper.GetInt("tasks.predict_backoff")

	// Scheduler
	cfg.Scheduler.Enabled = m.viper.GetBool("scheduler.enabled")
	cfg.Scheduler.BatchDetectionCron = m.viper.GetString("scheduler.batch_detection_cron")
	cfg.Scheduler.BaselineRefreshCron = m.viper.GetString("scheduler.baseline_refresh_cron")
	cfg.Scheduler.CleanupCron = m.viper.GetString("scheduler.cleanup_cron")
	cfg.Scheduler.ModelRefreshCron = m.viper.GetString("scheduler.model_refresh_cron")
	cfg.Scheduler.MonitorCron = m.viper.GetString("scheduler.monitor_cron")

	// Retention
	cfg.Retention.AlertDays = m.viper.GetInt("retention.alert_days")
	cfg.Retention.InactiveWatchlistDays = m.viper.GetInt("retention.inactive_watchlist_days")

	// Classifier
	cfg.Classifier.URL = m.viper.GetString("classifier.url")
	cfg.Classifier.TimeoutSec = m.viper.GetInt("classifier.timeout_sec")

	// Notifications
	if err := m.viper.UnmarshalKey("notifications.channels", &cfg.Notifications.Channels); err != nil {
		return fmt.Errorf("notifications.channels: %w", err)
	}

	// Logging
	cfg.Logging.Level = m.viper.GetString("logging.level")
	cfg.Logging.Format = m.viper.GetString("logging.format")
	cfg.Logging.FilePath = m.viper.GetString("logging.file_path")
	cfg.Logging.MaxSizeMB = m.viper.GetInt("logging.max_size_mb")
	cfg.Logging.MaxBackups = m.viper.GetInt("logging.max_backups")
	cfg.Logging.MaxAgeDays = m.viper.GetInt("logging.max_age_days")
	cfg.Logging.Compress = m.viper.GetBool("logging.compress")

	// Tracing
	cfg.Tracing.Endpoint = m.viper.GetString("tracing.endpoint")
	cfg.Tracing.Protocol = m.viper.GetString("tracing.protocol")
	cfg.Tracing.ServiceName = m.viper.GetString("tracing.service_name")
	cfg.Tracing.SamplingRate = m.viper.GetFloat64("tracing.sampling_rate")

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// applyEnvOverrides applies the conventional unprefixed environment variables
// that deployment platforms inject.
func (m *viperConfigManager) applyEnvOverrides() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		m.config.Database.Type = "postgres"
		m.config.Database.PostgresURL = dsn
	}

	if url := os.Getenv("REDIS_URL"); url != "" {
		m.config.Redis.URL = url
	}

	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" && m.config.Tracing.Endpoint == "" {
		m.config.Tracing.Endpoint = endpoint
	}
}
