package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Log         LogConfig         `mapstructure:"log"          validate:"required"`
	Database    DatabaseConfig    `mapstructure:"database"     validate:"required"`
	TaskManager TaskManagerConfig `mapstructure:"task_manager" validate:"required"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig selects and tunes the task store backend.
type DatabaseConfig struct {
	// Driver is one of postgres, mysql or memory. The memory driver keeps
	// tasks in process and only suits a single node.
	Driver          string        `mapstructure:"driver"            validate:"required,oneof=postgres mysql memory"`
	URL             string        `mapstructure:"url"               validate:"required_unless=Driver memory"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"    validate:"gte=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"    validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"gte=0"`
}

// TaskManagerConfig contains the scheduler tunables of one node.
type TaskManagerConfig struct {
	// NodeID defaults to a random id when empty.
	NodeID               string        `mapstructure:"node_id"               validate:"max=255"`
	PollInterval         time.Duration `mapstructure:"poll_interval"         validate:"gt=0"`
	MaxPollInterval      time.Duration `mapstructure:"max_poll_interval"     validate:"gtefield=PollInterval"`
	BatchSize            int           `mapstructure:"batch_size"            validate:"gt=0"`
	WorkerCount          int           `mapstructure:"worker_count"          validate:"gt=0"`
	DefaultTimeout       time.Duration `mapstructure:"default_timeout"       validate:"gt=0"`
	LivenessTimeout      time.Duration `mapstructure:"liveness_timeout"      validate:"gt=0"`
	DefaultMaxAttempts   int           `mapstructure:"default_max_attempts"  validate:"gt=0"`
	CandidateMultiplier  int           `mapstructure:"candidate_multiplier"  validate:"gt=0"`
	ShutdownGracePeriod  time.Duration `mapstructure:"shutdown_grace_period" validate:"gte=0"`
	EventBufferSize      int           `mapstructure:"event_buffer_size"     validate:"gt=0"`
	MetricsInterval      time.Duration `mapstructure:"metrics_interval"      validate:"gt=0"`
	StoreRetries         int           `mapstructure:"store_retries"         validate:"gte=0"`
	StoreRetryBase       time.Duration `mapstructure:"store_retry_base"      validate:"gt=0"`
	HousekeepingInterval string        `mapstructure:"housekeeping_interval" validate:"required"`
}
