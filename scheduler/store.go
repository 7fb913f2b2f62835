package scheduler

import (
	"database/sql"

	"go.uber.org/zap"

	"github.com/teranos/pulse/am"
	"github.com/teranos/pulse/db"
	"github.com/teranos/pulse/errors"
	"github.com/teranos/pulse/jobstore"
	"github.com/teranos/pulse/logger"
)

// OpenStore builds the job store described by cfg, migrating SQL schemas
// first. The returned close func releases the database connection and must
// run after the scheduler has shut down.
func OpenStore(cfg *am.Config, clock jobstore.Clock, log *zap.SugaredLogger) (jobstore.JobStore, func() error, error) {
	log = logger.OrNop(log)
	opts := StoreOptions(cfg, clock, log.Named("store"))

	if cfg.Store.Type == am.StoreRAM {
		return jobstore.NewRAMStore(opts), func() error { return nil }, nil
	}

	dialect, err := db.ParseDialect(cfg.Store.Type)
	if err != nil {
		return nil, nil, errors.Wrap(err, "store type")
	}
	conn, err := db.OpenWithMigrations(dialect, cfg.Store.DSN, log.Named("db"))
	if err != nil {
		return nil, nil, errors.Wrapf(err, "open %s store", dialect)
	}
	store, err := jobstore.NewSQLStore(conn, jobstore.SQLOptions{
		Options:              opts,
		Dialect:              dialect,
		Clustered:            cfg.Store.Clustered,
		CheckinInterval:      cfg.Cluster.CheckinInterval,
		CheckinTimeout:       cfg.Cluster.CheckinTimeout,
		AcquiredStaleTimeout: cfg.Store.AcquiredStaleTimeout,
		RetryInterval:        cfg.Store.RetryInterval,
	})
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return store, closer(conn), nil
}

func closer(conn *sql.DB) func() error {
	return func() error {
		return errors.Wrap(conn.Close(), "close store database")
	}
}
