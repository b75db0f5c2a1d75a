package config

import (
	"context"

	"github.com/kubilitics/churnwatch/internal/models"
)

// Package config provides configuration management for churnwatch.
//
// Configuration Sources (priority order, high to low):
//   1. Environment variables (CHURNWATCH_* prefix, "." replaced by "_")
//   2. YAML config file (default: /etc/churnwatch/config.yaml)
//   3. Built-in defaults (lowest priority)
//
// Main Configuration Sections:
//
//   1. Server: listen port, CORS origins, HTTP timeouts
//   2. Database: "sqlite" | "postgres" and their connection settings
//   3. Redis: optional cooldown guard backend
//   4. Anomaly: outlier model parameters and score thresholds
//   5. Alerting: anomaly alert cooldown, default churn rule thresholds
//   6. Watchlist: admission and high-risk probability thresholds
//   7. Tasks: worker pool size, retry counts and backoff per task kind
//   8. Scheduler: cron expressions for the periodic sweeps
//   9. Retention: alert and inactive watchlist retention windows
//  10. Classifier: churn classifier endpoint
//  11. Notifications: webhook / Slack channels
//  12. Logging, Tracing
//
// Config struct contains all configuration fields
type Config struct {
	// Server configuration
	Server struct {
		Port               int
		AllowedOrigins     []string
		ReadTimeoutSec     int
		WriteTimeoutSec    int
		ShutdownTimeoutSec int
		RateLimitEnabled   bool
	}

	// Database configuration
	Database struct {
		Type        string
		SQLitePath  string
		PostgresURL string
	}

	// Redis configuration; an empty URL selects the in-process cooldown guard.
	Redis struct {
		URL    string
		Prefix string
	}

	// Anomaly detection configuration
	Anomaly struct {
		NumTrees            int
		Contamination       float64
		RandomSeed          int64
		SampleSize          int
		MinEvents           int
		FeatureWindowDays   int
		TrainingWindowDays  int
		AlertThreshold      float64 // decision score below which an alert may be raised
		EscalationThreshold float64 // decision score below which churn is re-predicted
		NotifyThreshold     float64 // decision score below which batch sweeps push notifications
		ActivityWindowHours int     // batch detection looks at customers active in this window
	}

	// Alerting configuration
	Alerting struct {
		CooldownHours           int
		ChurnThreshold          float64
		SuddenIncreaseThreshold float64
		RuleCooldownHours       int
		RuleCheckMinutes        int
		DefaultRecipients       string
	}

	// Watchlist configuration
	Watchlist struct {
		AdmissionThreshold float64
		HighRiskThreshold  float64
	}

	// Task runner configuration
	Tasks struct {
		Workers             int
		QueueSize           int
		ProcessEventRetries int
		ProcessEventBackoff int // seconds
		DetectRetries       int
		DetectBackoff       int // seconds
		PredictRetries      int
		PredictBackoff      int // seconds
	}

	// Scheduler configuration; an empty expression disables the job.
	// MonitorCron set to MonitorFollowsRule runs the monitor every
	// check_frequency_minutes of the default alert rule.
	Scheduler struct {
		Enabled             bool
		BatchDetectionCron  string
		BaselineRefreshCron string
		CleanupCron         string
		ModelRefreshCron    string
		MonitorCron         string
	}

	// Retention configuration
	Retention struct {
		AlertDays             int
		InactiveWatchlistDays int
	}

	// Classifier configuration
	Classifier struct {
		URL        string
		TimeoutSec int
	}

	// Notifications configuration
	Notifications struct {
		Channels []models.NotificationChannel
	}

	// Logging configuration
	Logging struct {
		Level      string
		Format     string
		FilePath   string
		MaxSizeMB  int
		MaxBackups int
		MaxAgeDays int
		Compress   bool
	}

	// Tracing configuration
	Tracing struct {
		Endpoint     string
		Protocol     string // "grpc" or "http"; empty follows OTEL_EXPORTER_OTLP_PROTOCOL
		ServiceName  string
		SamplingRate float64
	}
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch watches for configuration changes and reloads (if supported).
	Watch(ctx context.Context) <-chan Config

	// Reload reloads configuration from sources.
	Reload(ctx context.Context) error
}

// NewConfigManager creates a new configuration manager.
func NewConfigManager(configPath string) (ConfigManager, error) {
	mgr := &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
	return mgr, nil
}

// NewConfigManagerWithDefaults creates a config manager with default config path.
func NewConfigManagerWithDefaults() (ConfigManager, error) {
	return NewConfigManager("/etc/churnwatch/config.yaml")
}
