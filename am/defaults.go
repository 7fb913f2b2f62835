package am

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options.
// Durations are set as strings so that rendered configs stay readable.
func SetDefaults(v *viper.Viper) {
	// Scheduler defaults
	v.SetDefault("scheduler.name", "pulse")
	v.SetDefault("scheduler.instance_id", AutoInstanceID)
	v.SetDefault("scheduler.thread_count", 10)
	v.SetDefault("scheduler.idle_wait", "30s")
	v.SetDefault("scheduler.batch_max_size", 1)
	v.SetDefault("scheduler.batch_time_window", "0s")
	v.SetDefault("scheduler.dispatch_wait", "5s")
	v.SetDefault("scheduler.misfire_threshold", "60s")
	v.SetDefault("scheduler.max_misfires_per_pass", 20)
	v.SetDefault("scheduler.max_fires_per_second", 0)
	v.SetDefault("scheduler.shutdown_timeout", "30s")
	v.SetDefault("scheduler.interrupt_jobs_on_shutdown", false)
	v.SetDefault("scheduler.job_complete_retry_attempts", 5)

	// Store defaults
	v.SetDefault("store.type", StoreSQLite)
	v.SetDefault("store.dsn", "pulse.db")
	v.SetDefault("store.clustered", false)
	v.SetDefault("store.retry_attempts", 5)
	v.SetDefault("store.retry_interval", "15s")
	v.SetDefault("store.acquired_stale_timeout", "10m")

	// Cluster defaults
	v.SetDefault("cluster.checkin_interval", "7.5s")
	v.SetDefault("cluster.checkin_timeout", "20s")
	v.SetDefault("cluster.nats_url", "")
	v.SetDefault("cluster.nats_subject", DefaultNATSSubject)

	// Server defaults
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.address", DefaultServerAddress)
	v.SetDefault("server.websocket", true)
	v.SetDefault("server.allowed_origins", []string{"http://localhost", "https://localhost", "http://127.0.0.1"})

	// Job definition defaults
	v.SetDefault("jobdata.files", []string{})
	v.SetDefault("jobdata.watch", true)
	v.SetDefault("jobdata.overwrite_existing", true)
	v.SetDefault("jobdata.ignore_duplicates", false)
	v.SetDefault("jobdata.fail_on_missing", false)

	v.SetDefault("log.json", false)
	v.SetDefault("log.level", "info")
}

// BindSensitiveEnvVars explicitly binds values that are commonly injected by
// deployment tooling under their own names.
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("store.dsn", "PULSE_STORE_DSN", "PULSE_DATABASE_URL")
	v.BindEnv("cluster.nats_url", "PULSE_CLUSTER_NATS_URL", "NATS_URL")
}

// ResolvedInstanceID returns the configured instance id, generating one for AUTO.
func (c *SchedulerConfig) ResolvedInstanceID() string {
	if c.InstanceID != "" && !strings.EqualFold(c.InstanceID, AutoInstanceID) {
		return c.InstanceID
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "pulse"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Scheduler: {Name: %s, Threads: %d}, Store: {Type: %s, Clustered: %t}, Server: {Address: %s}}",
		c.Scheduler.Name, c.Scheduler.ThreadCount, c.Store.Type, c.Store.Clustered, c.Server.Address)
}
