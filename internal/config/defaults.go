package config

// DefaultPlans are used when the file declares no [plans] section.
func DefaultPlans() map[string]PlanConfig {
	return map[string]PlanConfig{
		"free": {MonthlyCalls: 100, MaxScheduledJobs: 1},
		"pro":  {MonthlyCalls: 5000, MaxScheduledJobs: 20},
	}
}

// applyDefaults применяет значения по умолчанию
func applyDefaults(c *Config) {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	if c.Runtime.PIDDir == "" {
		c.Runtime.PIDDir = "~/.seorunner"
	}

	if c.Worker.ConfigEnv == "" {
		c.Worker.ConfigEnv = "SEO_WORKER_CONFIG"
	}
	if c.Worker.LogEnv == "" {
		c.Worker.LogEnv = "WORKER_LOG"
	}
	if c.Worker.LogLevel == "" {
		c.Worker.LogLevel = "warn"
	}
	if c.Worker.InitTimeoutSeconds == 0 {
		c.Worker.InitTimeoutSeconds = 10
	}
	if c.Worker.CallTimeoutSeconds == 0 {
		c.Worker.CallTimeoutSeconds = 60
	}
	if c.Worker.TerminateGraceMs == 0 {
		c.Worker.TerminateGraceMs = 500
	}

	if c.Pool.MaxConcurrent == 0 {
		c.Pool.MaxConcurrent = 4
	}
	if c.Pool.AcquireTimeoutSeconds == 0 {
		c.Pool.AcquireTimeoutSeconds = 30
	}

	if c.Scheduler.PollIntervalSeconds == 0 {
		c.Scheduler.PollIntervalSeconds = 60
	}
	if c.Scheduler.MaxConcurrent == 0 {
		c.Scheduler.MaxConcurrent = 3
	}
	if c.Scheduler.JobTimeoutSeconds == 0 {
		c.Scheduler.JobTimeoutSeconds = 120
	}
	if c.Scheduler.PruneEveryTicks == 0 {
		c.Scheduler.PruneEveryTicks = 10
	}
	if c.Scheduler.ShutdownTimeoutSeconds == 0 {
		c.Scheduler.ShutdownTimeoutSeconds = 30
	}

	if c.Instances.ConfigDir == "" {
		c.Instances.ConfigDir = "~/.seorunner/instances"
	}
	if c.Instances.IdleTTLMinutes == 0 {
		c.Instances.IdleTTLMinutes = 15
	}
	if c.Instances.MaxSpawnsPerMinute == 0 {
		c.Instances.MaxSpawnsPerMinute = 30
	}
	if c.Instances.FailThreshold == 0 {
		c.Instances.FailThreshold = 3
	}
	if c.Instances.FailCooldownMin == 0 {
		c.Instances.FailCooldownMin = 5
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "~/.seorunner/seorunner.db"
	}
	if c.Storage.BusyTimeoutMs == 0 {
		c.Storage.BusyTimeoutMs = 5000
	}

	if len(c.Plans) == 0 {
		c.Plans = DefaultPlans()
	}

	if c.Webhook.TimeoutSeconds == 0 {
		c.Webhook.TimeoutSeconds = 10
	}
	if c.Webhook.MaxAttempts == 0 {
		c.Webhook.MaxAttempts = 3
	}
	if c.Webhook.RetentionDays == 0 {
		c.Webhook.RetentionDays = 30
	}

	if c.Cleanup.IntervalMinutes == 0 {
		c.Cleanup.IntervalMinutes = 10
	}
	if c.Cleanup.MaxAgeMinutes == 0 {
		c.Cleanup.MaxAgeMinutes = 15
	}

	if c.Metrics.Listen == "" {
		c.Metrics.Listen = ":9102"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "seorunner"
	}
}
