package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrate(t *testing.T) {
	t.Run("creates scheduler tables", func(t *testing.T) {
		db, err := OpenWithMigrations(SQLite, filepath.Join(t.TempDir(), "pulse.db"), nil)
		require.NoError(t, err)
		defer db.Close()

		for _, table := range []string{
			"schema_migrations", "sched_jobs", "sched_triggers", "sched_fired_triggers",
			"sched_calendars", "sched_paused_trigger_grps", "sched_scheduler_state", "sched_locks",
		} {
			var n int
			err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&n)
			require.NoError(t, err)
			assert.Equal(t, 1, n, "table %s should exist", table)
		}
	})

	t.Run("is idempotent", func(t *testing.T) {
		db, err := Open(SQLite, ":memory:", nil)
		require.NoError(t, err)
		defer db.Close()

		require.NoError(t, Migrate(db, SQLite, nil))
		require.NoError(t, Migrate(db, SQLite, nil))

		var versions int
		require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&versions))
		assert.Equal(t, 2, versions)
	})

	t.Run("trigger rows require their job", func(t *testing.T) {
		db, err := OpenWithMigrations(SQLite, ":memory:", nil)
		require.NoError(t, err)
		defer db.Close()

		_, err = db.Exec(`INSERT INTO sched_triggers
			(sched_name, trigger_name, trigger_group, job_name, job_group, trigger_state, trigger_kind, schedule_data, start_time)
			VALUES ('s', 't', 'g', 'missing', 'g', 'WAITING', 'simple', '{}', 0)`)
		assert.Error(t, err)
	})
}
