package config

import (
	"fmt"
	"strings"
)

const minEncryptionKeyLen = 16

// Validate проверяет валидность конфигурации
func (c *Config) Validate() []error {
	var errs []error

	// Проверка logging config
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Errorf("invalid logging.level: %s (expected: debug, info, warn, error)", c.Logging.Level))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, fmt.Errorf("invalid logging.format: %s (expected: json, text)", c.Logging.Format))
	}
	if c.Logging.Output == "" {
		errs = append(errs, fmt.Errorf("logging.output is required"))
	}

	// Проверка worker
	if c.Worker.Binary == "" {
		errs = append(errs, fmt.Errorf("worker.binary is required"))
	}
	if c.Worker.TempDir != "" {
		if err := validatePath(c.Worker.TempDir, "worker.temp_dir"); err != nil {
			errs = append(errs, err)
		}
	}
	for _, kv := range c.Worker.Env {
		if !strings.Contains(kv, "=") {
			errs = append(errs, fmt.Errorf("worker.env entry %q must be KEY=VALUE", kv))
		}
	}
	errs = appendPositive(errs, "worker.init_timeout_seconds", c.Worker.InitTimeoutSeconds)
	errs = appendPositive(errs, "worker.call_timeout_seconds", c.Worker.CallTimeoutSeconds)
	errs = appendPositive(errs, "worker.terminate_grace_ms", c.Worker.TerminateGraceMs)
	if c.Worker.InitTimeoutSeconds > c.Worker.CallTimeoutSeconds {
		errs = append(errs, fmt.Errorf("worker.init_timeout_seconds (%d) cannot exceed worker.call_timeout_seconds (%d)",
			c.Worker.InitTimeoutSeconds, c.Worker.CallTimeoutSeconds))
	}

	errs = appendPositive(errs, "pool.max_concurrent", c.Pool.MaxConcurrent)
	errs = appendPositive(errs, "pool.acquire_timeout_seconds", c.Pool.AcquireTimeoutSeconds)

	// Проверка scheduler
	if c.Scheduler.Enabled {
		errs = appendPositive(errs, "scheduler.poll_interval_seconds", c.Scheduler.PollIntervalSeconds)
		errs = appendPositive(errs, "scheduler.max_concurrent", c.Scheduler.MaxConcurrent)
		errs = appendPositive(errs, "scheduler.job_timeout_seconds", c.Scheduler.JobTimeoutSeconds)
		errs = appendPositive(errs, "scheduler.prune_every_ticks", c.Scheduler.PruneEveryTicks)
		errs = appendPositive(errs, "instances.idle_ttl_minutes", c.Instances.IdleTTLMinutes)
		errs = appendPositive(errs, "instances.max_spawns_per_minute", c.Instances.MaxSpawnsPerMinute)
		errs = appendPositive(errs, "instances.fail_threshold", c.Instances.FailThreshold)
		errs = appendPositive(errs, "instances.fail_cooldown_minutes", c.Instances.FailCooldownMin)
	}
	if err := validatePath(c.Instances.ConfigDir, "instances.config_dir"); err != nil {
		errs = append(errs, err)
	}

	// Проверка storage
	if err := validatePath(c.Storage.Path, "storage.path"); err != nil {
		errs = append(errs, err)
	}
	if c.Storage.EncryptionKey == "" {
		errs = append(errs, fmt.Errorf("storage.encryption_key is required"))
	} else if len(c.Storage.EncryptionKey) < minEncryptionKeyLen {
		errs = append(errs, formatValidationError("storage.encryption_key",
			fmt.Sprintf("too short (minimum %d characters, got %d)", minEncryptionKeyLen, len(c.Storage.EncryptionKey)),
			c.Storage.EncryptionKey))
	}

	for name, p := range c.Plans {
		if p.MonthlyCalls < 0 || p.MaxScheduledJobs < 0 {
			errs = append(errs, fmt.Errorf("plans.%s limits cannot be negative", name))
		}
	}

	errs = appendPositive(errs, "webhook.timeout_seconds", c.Webhook.TimeoutSeconds)
	errs = appendPositive(errs, "webhook.max_attempts", c.Webhook.MaxAttempts)
	errs = appendPositive(errs, "webhook.retention_days", c.Webhook.RetentionDays)

	errs = appendPositive(errs, "cleanup.interval_minutes", c.Cleanup.IntervalMinutes)
	errs = appendPositive(errs, "cleanup.max_age_minutes", c.Cleanup.MaxAgeMinutes)
	if c.Cleanup.MaxAge() < c.Worker.InitTimeout()+c.Worker.CallTimeout() {
		errs = append(errs, fmt.Errorf("cleanup.max_age_minutes must cover worker.init_timeout_seconds + worker.call_timeout_seconds"))
	}

	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		errs = append(errs, fmt.Errorf("metrics.listen is required when metrics are enabled"))
	}

	return errs
}

func appendPositive(errs []error, field string, v int) []error {
	if v <= 0 {
		return append(errs, fmt.Errorf("%s must be > 0 (got %d)", field, v))
	}
	return errs
}

func validatePath(path, fieldName string) error {
	if path == "" {
		return fmt.Errorf("%s cannot be empty", fieldName)
	}

	if strings.HasPrefix(path, "~") {
		return nil
	}

	if strings.Contains(path, "..") {
		return fmt.Errorf("%s contains potentially dangerous path traversal sequence", fieldName)
	}

	return nil
}
