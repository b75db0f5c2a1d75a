package config

// MonitorFollowsRule schedules the churn monitor from the default rule's
// check frequency.
const MonitorFollowsRule = "rule"

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Server defaults
	cfg.Server.Port = 8090
	cfg.Server.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	cfg.Server.ReadTimeoutSec = 15
	cfg.Server.WriteTimeoutSec = 15
	cfg.Server.ShutdownTimeoutSec = 10
	cfg.Server.RateLimitEnabled = true

	// Database defaults
	cfg.Database.Type = "sqlite"
	cfg.Database.SQLitePath = "./churnwatch.db"
	cfg.Database.PostgresURL = ""

	// Redis defaults
	cfg.Redis.URL = ""
	cfg.Redis.Prefix = "churnwatch:"

	// Anomaly defaults
	cfg.Anomaly.NumTrees = 100
	cfg.Anomaly.Contamination = 0.1
	cfg.Anomaly.RandomSeed = 42
	cfg.Anomaly.SampleSize = 100
	cfg.Anomaly.MinEvents = 50
	cfg.Anomaly.FeatureWindowDays = 7
	cfg.Anomaly.TrainingWindowDays = 30
	cfg.Anomaly.AlertThreshold = -0.5
	cfg.Anomaly.EscalationThreshold = -0.7
	cfg.Anomaly.NotifyThreshold = -0.6
	cfg.Anomaly.ActivityWindowHours = 24

	// Alerting defaults
	cfg.Alerting.CooldownHours = 6
	cfg.Alerting.ChurnThreshold = 0.32
	cfg.Alerting.SuddenIncreaseThreshold = 0.10
	cfg.Alerting.RuleCooldownHours = 24
	cfg.Alerting.RuleCheckMinutes = 60
	cfg.Alerting.DefaultRecipients = "admin@company.com"

	// Watchlist defaults
	cfg.Watchlist.AdmissionThreshold = 0.32
	cfg.Watchlist.HighRiskThreshold = 0.6

	// Task defaults
	cfg.Tasks.Workers = 4
	cfg.Tasks.QueueSize = 256
	cfg.Tasks.ProcessEventRetries = 3
	cfg.Tasks.ProcessEventBackoff = 60
	cfg.Tasks.DetectRetries = 2
	cfg.Tasks.DetectBackoff = 120
	cfg.Tasks.PredictRetries = 2
	cfg.Tasks.PredictBackoff = 120

	// Scheduler defaults
	cfg.Scheduler.Enabled = true
	cfg.Scheduler.BatchDetectionCron = "@hourly"
	cfg.Scheduler.BaselineRefreshCron = "0 3 * * 0"
	cfg.Scheduler.CleanupCron = "30 2 * * *"
	cfg.Scheduler.ModelRefreshCron = "0 4 * * 0"
	cfg.Scheduler.MonitorCron = MonitorFollowsRule

	// Retention defaults
	cfg.Retention.AlertDays = 30
	cfg.Retention.InactiveWatchlistDays = 7

	// Classifier defaults
	cfg.Classifier.URL = "http://localhost:8000"
	cfg.Classifier.TimeoutSec = 5

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.FilePath = ""
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 10
	cfg.Logging.MaxAgeDays = 30
	cfg.Logging.Compress = true

	// Tracing defaults
	cfg.Tracing.Endpoint = ""
	cfg.Tracing.Protocol = ""
	cfg.Tracing.ServiceName = "churnwatch"
	cfg.Tracing.SamplingRate = 1.0

	return cfg
}
