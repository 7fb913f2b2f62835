package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRebind(t *testing.T) {
	q := "UPDATE sched_triggers SET trigger_state = ? WHERE sched_name = ? AND description = '?' AND trigger_name = ?"

	assert.Equal(t, q, SQLite.Rebind(q))
	assert.Equal(t,
		"UPDATE sched_triggers SET trigger_state = $1 WHERE sched_name = $2 AND description = '?' AND trigger_name = $3",
		Postgres.Rebind(q))
}

func TestParseDialect(t *testing.T) {
	for in, want := range map[string]Dialect{"sqlite3": SQLite, "SQLite": SQLite, "postgresql": Postgres, "pg": Postgres} {
		got, err := ParseDialect(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseDialect("ram")
	assert.Error(t, err)
}
