// Package config loads Agent Bus's YAML configuration, merging it over
// built-in defaults the same way the teacher's pkg/config does: YAML parse,
// environment expansion, then a deep merge via dario.cat/mergo.
package config

import "time"

// WorkerClassConfig sizes one worker class's pool (spec.md §6: workers.cpu.count / workers.gpu.count).
type WorkerClassConfig struct {
	Count int `yaml:"count"`
}

// WorkerConfig controls per-task execution policy (spec.md §6: worker.*).
type WorkerConfig struct {
	TaskTimeoutMS int        `yaml:"task_timeout_ms"`
	LLMRetry      RetryConfig `yaml:"llm_retry"`
}

// RetryConfig is the exponential-backoff policy for transient LLM errors (spec.md §4.4).
type RetryConfig struct {
	MaxAttempts    int `yaml:"max_attempts"`
	InitialDelayMS int `yaml:"initial_delay_ms"`
	MaxDelayMS     int `yaml:"max_delay_ms"`
}

// OrchestratorConfig controls stage-level retry policy (spec.md §6: orchestrator.stage_retry.*).
type OrchestratorConfig struct {
	StageRetry StageRetryConfig `yaml:"stage_retry"`
}

// StageRetryConfig gates whether a failed, retry-safe stage gets a fresh task row.
type StageRetryConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
}

// QueueConfig controls the task queue's visibility semantics (spec.md §6: queue.*).
type QueueConfig struct {
	VisibilityTimeoutMS int `yaml:"visibility_timeout_ms"`
}

// EventsConfig sizes the event bus's ring buffers and per-subscriber channels (spec.md §6: events.*).
type EventsConfig struct {
	RingBuffer RingBufferConfig `yaml:"ring_buffer"`
}

// RingBufferConfig sizes the replay buffers.
type RingBufferConfig struct {
	PerJob           int `yaml:"per_job"`
	Global           int `yaml:"global"`
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

// HTTPConfig controls the API server (spec.md §6: http.*).
type HTTPConfig struct {
	BindAddr      string `yaml:"bind_addr"`
	HeartbeatMS   int    `yaml:"heartbeat_ms"`
	AuthSecretEnv string `yaml:"auth_secret_env"`
}

// DatabaseConfig configures the Postgres connection used by internal/store.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig configures the task queue broker used by internal/queue.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LLMConfig configures the default outbound LLM client.
type LLMConfig struct {
	BaseURL    string `yaml:"base_url"`
	APIKeyEnv  string `yaml:"api_key_env"`
	Model      string `yaml:"model"`
}

// TracingConfig controls OpenTelemetry export.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// Config is the fully merged, ready-to-use configuration tree.
type Config struct {
	Workers      map[string]WorkerClassConfig `yaml:"workers"`
	Worker       WorkerConfig                 `yaml:"worker"`
	Orchestrator OrchestratorConfig           `yaml:"orchestrator"`
	Queue        QueueConfig                  `yaml:"queue"`
	Events       EventsConfig                 `yaml:"events"`
	HTTP         HTTPConfig                   `yaml:"http"`
	Database     DatabaseConfig               `yaml:"database"`
	Redis        RedisConfig                  `yaml:"redis"`
	LLM          LLMConfig                    `yaml:"llm"`
	Tracing      TracingConfig                `yaml:"tracing"`
}

// Stats summarizes the loaded configuration's worker pool sizes, mirroring
// the teacher's cfg.Stats() used in cmd/tarsy/main.go. The /health handler
// does not include it in its response.
type Stats struct {
	CPUWorkers int `json:"cpu_workers"`
	GPUWorkers int `json:"gpu_workers"`
}

// Stats reports the cpu and gpu worker pool sizes.
func (c *Config) Stats() Stats {
	return Stats{
		CPUWorkers: c.Workers["cpu"].Count,
		GPUWorkers: c.Workers["gpu"].Count,
	}
}
