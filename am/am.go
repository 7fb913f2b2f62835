// Package am loads the pulse configuration from TOML files and PULSE_*
// environment variables through viper.
package am

import (
	"time"
)

// Config represents the pulse configuration
type Config struct {
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Store     StoreConfig     `mapstructure:"store"`
	Cluster   ClusterConfig   `mapstructure:"cluster"`
	Server    ServerConfig    `mapstructure:"server"`
	JobData   JobDataConfig   `mapstructure:"jobdata"`
	Log       LogConfig       `mapstructure:"log"`
}

// SchedulerConfig configures the firing loop and the worker pool
type SchedulerConfig struct {
	Name       string `mapstructure:"name"`        // Rows are scoped by name; nodes of one cluster share it
	InstanceID string `mapstructure:"instance_id"` // AUTO = hostname + random suffix

	ThreadCount     int           `mapstructure:"thread_count"`      // Concurrent job executions (default: 10)
	IdleWait        time.Duration `mapstructure:"idle_wait"`         // Longest sleep when nothing is scheduled (default: 30s)
	BatchMaxSize    int           `mapstructure:"batch_max_size"`    // Triggers acquired per pass (default: 1)
	BatchTimeWindow time.Duration `mapstructure:"batch_time_window"` // How far past the first trigger a batch may reach (default: 0)
	DispatchWait    time.Duration `mapstructure:"dispatch_wait"`     // Wait for a free worker before releasing a trigger (default: 5s)

	MisfireThreshold   time.Duration `mapstructure:"misfire_threshold"`     // Lateness tolerated before a fire counts as misfired (default: 60s)
	MaxMisfiresPerPass int           `mapstructure:"max_misfires_per_pass"` // Misfires handled per acquisition (default: 20)
	MaxFiresPerSecond  float64       `mapstructure:"max_fires_per_second"`  // 0 = unlimited

	ShutdownTimeout          time.Duration `mapstructure:"shutdown_timeout"`            // Bound on draining running jobs (default: 30s)
	InterruptJobsOnShutdown  bool          `mapstructure:"interrupt_jobs_on_shutdown"`  // Call Interrupt on interruptable jobs during shutdown
	JobCompleteRetryAttempts int           `mapstructure:"job_complete_retry_attempts"` // Retries for recording a finished job (default: 5)
}

// Store types
const (
	StoreRAM      = "ram"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// StoreConfig configures the job store
type StoreConfig struct {
	Type      string `mapstructure:"type"`      // ram, sqlite, postgres
	DSN       string `mapstructure:"dsn"`       // File path for sqlite, connection string for postgres
	Clustered bool   `mapstructure:"clustered"` // Share scheduling with other nodes through the database

	RetryAttempts        int           `mapstructure:"retry_attempts"`         // Transient failures tolerated before the scheduler stands by (default: 5)
	RetryInterval        time.Duration `mapstructure:"retry_interval"`         // Upper bound of the acquisition backoff (default: 15s)
	AcquiredStaleTimeout time.Duration `mapstructure:"acquired_stale_timeout"` // ACQUIRED records older than this are released (default: 10m)
}

// ClusterConfig configures checkin and the wake-up bus
type ClusterConfig struct {
	CheckinInterval time.Duration `mapstructure:"checkin_interval"` // default: 7.5s
	CheckinTimeout  time.Duration `mapstructure:"checkin_timeout"`  // Silence after which a node is recovered (default: 20s)
	NATSURL         string        `mapstructure:"nats_url"`         // Empty disables the bus
	NATSSubject     string        `mapstructure:"nats_subject"`
}

// ServerConfig configures the admin HTTP server
type ServerConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Address        string   `mapstructure:"address"`
	WebSocket      bool     `mapstructure:"websocket"`
	AllowedOrigins []string `mapstructure:"allowed_origins"` // Origin prefixes accepted for websocket and CORS
}

// JobDataConfig configures job definition files
type JobDataConfig struct {
	Files             []string `mapstructure:"files"`
	Watch             bool     `mapstructure:"watch"`
	OverwriteExisting bool     `mapstructure:"overwrite_existing"`
	IgnoreDuplicates  bool     `mapstructure:"ignore_duplicates"` // Skip existing entries instead of failing when not overwriting
	FailOnMissing     bool     `mapstructure:"fail_on_missing"`
}

// LogConfig configures the process logger
type LogConfig struct {
	JSON  bool   `mapstructure:"json"`
	Level string `mapstructure:"level"`
}

// AutoInstanceID asks for a generated instance id.
const AutoInstanceID = "AUTO"

// Server defaults
const (
	DefaultServerAddress = ":8750"
	DefaultNATSSubject   = "pulse.scheduling"
)

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)
