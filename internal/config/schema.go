// Package config provides configuration loading and validation for seorunner.
// It supports TOML configuration files with environment variable expansion,
// default values, and validation.
//
// Configuration structure:
//   - [logging]: Logging level, format, and output
//   - [runtime]: Pid file location
//   - [worker]: Worker binary, environment contract and timeouts
//   - [pool]: Admission control for on-demand tool calls
//   - [scheduler]: Poll loop and concurrency cap for scheduled jobs
//   - [instances]: Long-lived per-owner worker instances
//   - [storage]: SQLite database and credential encryption key
//   - [plans.<name>]: Per-plan quotas
//   - [webhook]: Outbound notification delivery
//   - [cleanup]: Sweeping of orphaned credential artifacts
//   - [metrics]: Prometheus endpoint
//
// Environment variables:
// Environment variables can be referenced using ${VAR} or ${VAR:default} syntax.
// For example: encryption_key = "${SEORUNNER_ENCRYPTION_KEY}"
package config

import "time"

// Config represents the main application configuration.
type Config struct {
	Logging   LoggingConfig         `toml:"logging"`
	Runtime   RuntimeConfig         `toml:"runtime"`
	Worker    WorkerConfig          `toml:"worker"`
	Pool      PoolConfig            `toml:"pool"`
	Scheduler SchedulerConfig       `toml:"scheduler"`
	Instances InstancesConfig       `toml:"instances"`
	Storage   StorageConfig         `toml:"storage"`
	Plans     map[string]PlanConfig `toml:"plans"`
	Webhook   WebhookConfig         `toml:"webhook"`
	Cleanup   CleanupConfig         `toml:"cleanup"`
	Metrics   MetricsConfig         `toml:"metrics"`
}

// LoggingConfig представляет конфигурацию логирования
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	Output string `toml:"output"`
}

// RuntimeConfig представляет параметры процесса сервиса
type RuntimeConfig struct {
	PIDDir string `toml:"pid_dir"`
}

// WorkerConfig описывает внешний worker и контракт его окружения
type WorkerConfig struct {
	Binary             string   `toml:"binary"`
	Args               []string `toml:"args"`
	ConfigEnv          string   `toml:"config_env"`
	LogEnv             string   `toml:"log_env"`
	LogLevel           string   `toml:"log_level"`
	TempDir            string   `toml:"temp_dir"`
	Env                []string `toml:"env"`
	InitTimeoutSeconds int      `toml:"init_timeout_seconds"`
	CallTimeoutSeconds int      `toml:"call_timeout_seconds"`
	TerminateGraceMs   int      `toml:"terminate_grace_ms"`
}

func (c WorkerConfig) InitTimeout() time.Duration {
	return time.Duration(c.InitTimeoutSeconds) * time.Second
}

func (c WorkerConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSeconds) * time.Second
}

func (c WorkerConfig) TerminateGrace() time.Duration {
	return time.Duration(c.TerminateGraceMs) * time.Millisecond
}

// PoolConfig представляет конфигурацию пула слотов
type PoolConfig struct {
	MaxConcurrent         int `toml:"max_concurrent"`
	AcquireTimeoutSeconds int `toml:"acquire_timeout_seconds"`
}

func (c PoolConfig) AcquireTimeout() time.Duration {
	return time.Duration(c.AcquireTimeoutSeconds) * time.Second
}

// SchedulerConfig представляет конфигурацию планировщика
type SchedulerConfig struct {
	Enabled                bool `toml:"enabled"`
	PollIntervalSeconds    int  `toml:"poll_interval_seconds"`
	MaxConcurrent          int  `toml:"max_concurrent"`
	JobTimeoutSeconds      int  `toml:"job_timeout_seconds"`
	PruneEveryTicks        int  `toml:"prune_every_ticks"`
	ShutdownTimeoutSeconds int  `toml:"shutdown_timeout_seconds"`
}

func (c SchedulerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

func (c SchedulerConfig) JobTimeout() time.Duration {
	return time.Duration(c.JobTimeoutSeconds) * time.Second
}

func (c SchedulerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// InstancesConfig представляет конфигурацию долгоживущих worker'ов
type InstancesConfig struct {
	ConfigDir          string `toml:"config_dir"`
	IdleTTLMinutes     int    `toml:"idle_ttl_minutes"`
	MaxSpawnsPerMinute int    `toml:"max_spawns_per_minute"`
	FailThreshold      int    `toml:"fail_threshold"`
	FailCooldownMin    int    `toml:"fail_cooldown_minutes"`
}

func (c InstancesConfig) IdleTTL() time.Duration {
	return time.Duration(c.IdleTTLMinutes) * time.Minute
}

func (c InstancesConfig) FailCooldown() time.Duration {
	return time.Duration(c.FailCooldownMin) * time.Minute
}

// StorageConfig представляет конфигурацию хранилища
type StorageConfig struct {
	Path          string `toml:"path"`
	BusyTimeoutMs int    `toml:"busy_timeout_ms"`
	EncryptionKey string `toml:"encryption_key"`
}

func (c StorageConfig) BusyTimeout() time.Duration {
	return time.Duration(c.BusyTimeoutMs) * time.Millisecond
}

// PlanConfig представляет лимиты тарифа. Ноль означает без ограничений.
type PlanConfig struct {
	MonthlyCalls     int `toml:"monthly_calls"`
	MaxScheduledJobs int `toml:"max_scheduled_jobs"`
}

// WebhookConfig представляет конфигурацию доставки webhook'ов
type WebhookConfig struct {
	TimeoutSeconds int `toml:"timeout_seconds"`
	MaxAttempts    int `toml:"max_attempts"`
	RetentionDays  int `toml:"retention_days"`
}

func (c WebhookConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c WebhookConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// CleanupConfig представляет конфигурацию очистки временных файлов
type CleanupConfig struct {
	IntervalMinutes int `toml:"interval_minutes"`
	MaxAgeMinutes   int `toml:"max_age_minutes"`
}

func (c CleanupConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

func (c CleanupConfig) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeMinutes) * time.Minute
}

// MetricsConfig представляет конфигурацию Prometheus endpoint
type MetricsConfig struct {
	Enabled   bool   `toml:"enabled"`
	Listen    string `toml:"listen"`
	Namespace string `toml:"namespace"`
}
