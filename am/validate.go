package am

import (
	"time"

	"github.com/teranos/pulse/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	s := c.Scheduler
	if s.ThreadCount <= 0 {
		return errors.Newf("scheduler.thread_count must be > 0, got %d", s.ThreadCount)
	}
	if s.IdleWait <= 0 {
		return errors.Newf("scheduler.idle_wait must be > 0, got %s", s.IdleWait)
	}
	if s.BatchMaxSize <= 0 {
		return errors.Newf("scheduler.batch_max_size must be > 0, got %d", s.BatchMaxSize)
	}
	if s.BatchTimeWindow < 0 {
		return errors.Newf("scheduler.batch_time_window must be >= 0, got %s", s.BatchTimeWindow)
	}
	if s.DispatchWait <= 0 {
		return errors.Newf("scheduler.dispatch_wait must be > 0, got %s", s.DispatchWait)
	}
	if s.MisfireThreshold < time.Second {
		return errors.Newf("scheduler.misfire_threshold must be at least 1s, got %s", s.MisfireThreshold)
	}
	if s.MaxMisfiresPerPass <= 0 {
		return errors.Newf("scheduler.max_misfires_per_pass must be > 0, got %d", s.MaxMisfiresPerPass)
	}
	// 0 = unlimited, negative = invalid
	if s.MaxFiresPerSecond < 0 {
		return errors.Newf("scheduler.max_fires_per_second must be >= 0, got %f", s.MaxFiresPerSecond)
	}
	if s.ShutdownTimeout < 0 {
		return errors.Newf("scheduler.shutdown_timeout must be >= 0, got %s", s.ShutdownTimeout)
	}
	if s.JobCompleteRetryAttempts < 0 {
		return errors.Newf("scheduler.job_complete_retry_attempts must be >= 0, got %d", s.JobCompleteRetryAttempts)
	}

	switch c.Store.Type {
	case StoreRAM:
		if c.Store.Clustered {
			return errors.WithHint(errors.New("store.clustered requires a database store"),
				"set store.type to sqlite or postgres")
		}
	case StoreSQLite, StorePostgres:
		if c.Store.DSN == "" {
			return errors.Newf("store.dsn cannot be empty for store.type %q", c.Store.Type)
		}
	default:
		return errors.Newf("store.type must be one of ram, sqlite, postgres, got %q", c.Store.Type)
	}
	if c.Store.RetryAttempts < 0 {
		return errors.Newf("store.retry_attempts must be >= 0, got %d", c.Store.RetryAttempts)
	}
	if c.Store.RetryInterval <= 0 {
		return errors.Newf("store.retry_interval must be > 0, got %s", c.Store.RetryInterval)
	}
	if c.Store.AcquiredStaleTimeout <= s.IdleWait {
		return errors.Newf("store.acquired_stale_timeout (%s) must exceed scheduler.idle_wait (%s)",
			c.Store.AcquiredStaleTimeout, s.IdleWait)
	}

	if c.Store.Clustered {
		if c.Cluster.CheckinInterval <= 0 {
			return errors.Newf("cluster.checkin_interval must be > 0, got %s", c.Cluster.CheckinInterval)
		}
		if c.Cluster.CheckinTimeout <= c.Cluster.CheckinInterval {
			return errors.Newf("cluster.checkin_timeout (%s) must exceed cluster.checkin_interval (%s)",
				c.Cluster.CheckinTimeout, c.Cluster.CheckinInterval)
		}
	}
	if c.Cluster.NATSURL != "" && c.Cluster.NATSSubject == "" {
		return errors.New("cluster.nats_subject cannot be empty when cluster.nats_url is set")
	}

	if c.Server.Enabled && c.Server.Address == "" {
		return errors.New("server.address cannot be empty when the server is enabled")
	}

	return nil
}
