package am

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultConfig(t *testing.T) *Config {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	cfg, err := LoadWithViper(v)
	require.NoError(t, err)
	return cfg
}

func TestLoad_Defaults(t *testing.T) {
	cfg := defaultConfig(t)

	assert.Equal(t, "pulse", cfg.Scheduler.Name)
	assert.Equal(t, 10, cfg.Scheduler.ThreadCount)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.IdleWait)
	assert.Equal(t, 60*time.Second, cfg.Scheduler.MisfireThreshold)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.DispatchWait)
	assert.Equal(t, 7500*time.Millisecond, cfg.Cluster.CheckinInterval)
	assert.Equal(t, 20*time.Second, cfg.Cluster.CheckinTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Store.AcquiredStaleTimeout)
	assert.Equal(t, StoreSQLite, cfg.Store.Type)
	assert.Equal(t, DefaultServerAddress, cfg.Server.Address)
	assert.Equal(t, DefaultNATSSubject, cfg.Cluster.NATSSubject)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults are valid", func(*Config) {}, ""},
		{"zero threads", func(c *Config) { c.Scheduler.ThreadCount = 0 }, "thread_count"},
		{"zero batch", func(c *Config) { c.Scheduler.BatchMaxSize = 0 }, "batch_max_size"},
		{"sub-second misfire threshold", func(c *Config) { c.Scheduler.MisfireThreshold = 500 * time.Millisecond }, "misfire_threshold"},
		{"zero fire rate is unlimited", func(c *Config) { c.Scheduler.MaxFiresPerSecond = 0 }, ""},
		{"negative fire rate", func(c *Config) { c.Scheduler.MaxFiresPerSecond = -1 }, "max_fires_per_second"},
		{"unknown store", func(c *Config) { c.Store.Type = "redis" }, "store.type"},
		{"clustered ram store", func(c *Config) { c.Store.Type = StoreRAM; c.Store.Clustered = true }, "clustered"},
		{"sqlite without dsn", func(c *Config) { c.Store.DSN = "" }, "store.dsn"},
		{"ram without dsn", func(c *Config) { c.Store.Type = StoreRAM; c.Store.DSN = "" }, ""},
		{"stale timeout below idle wait", func(c *Config) { c.Store.AcquiredStaleTimeout = 10 * time.Second }, "acquired_stale_timeout"},
		{"checkin timeout not above interval", func(c *Config) {
			c.Store.Clustered = true
			c.Cluster.CheckinTimeout = c.Cluster.CheckinInterval
		}, "checkin_timeout"},
		{"checkin timing ignored when not clustered", func(c *Config) { c.Cluster.CheckinTimeout = 0 }, ""},
		{"nats without subject", func(c *Config) { c.Cluster.NATSURL = "nats://localhost:4222"; c.Cluster.NATSSubject = "" }, "nats_subject"},
		{"server without address", func(c *Config) { c.Server.Address = "" }, "server.address"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	defer Reset()
	path := filepath.Join(t.TempDir(), "pulse.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[scheduler]
thread_count = 3
misfire_threshold = "5s"

[store]
type = "postgres"
dsn = "postgres://pulse@localhost/pulse"
clustered = true
`), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Scheduler.ThreadCount)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.MisfireThreshold)
	assert.Equal(t, StorePostgres, cfg.Store.Type)
	assert.True(t, cfg.Store.Clustered)
	// untouched keys keep their defaults
	assert.Equal(t, 30*time.Second, cfg.Scheduler.IdleWait)

	assert.Equal(t, SourceFile, ConfigSources["scheduler.thread_count"].Source)
	assert.Equal(t, path, ConfigSources["store.dsn"].Path)
}

func TestLoadFromFileRejectsInvalidConfig(t *testing.T) {
	defer Reset()
	path := filepath.Join(t.TempDir(), "pulse.toml")
	require.NoError(t, os.WriteFile(path, []byte("[scheduler]\nthread_count = 0\n"), 0644))

	_, err := LoadFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "thread_count")
}

func TestEnvironmentOverridesFile(t *testing.T) {
	defer Reset()
	t.Setenv("PULSE_SCHEDULER_THREAD_COUNT", "7")
	path := filepath.Join(t.TempDir(), "pulse.toml")
	require.NoError(t, os.WriteFile(path, []byte("[scheduler]\nthread_count = 3\n"), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Scheduler.ThreadCount)

	var found bool
	for _, s := range Introspect() {
		if s.Key == "scheduler.thread_count" {
			found = true
			assert.Equal(t, SourceEnvironment, s.Source)
			assert.Equal(t, "PULSE_SCHEDULER_THREAD_COUNT", s.SourcePath)
		}
	}
	assert.True(t, found)
}

func TestFindProjectConfig(t *testing.T) {
	tmpDir := t.TempDir()
	nested := filepath.Join(tmpDir, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "pulse.toml"), []byte("[log]\nlevel = \"debug\"\n"), 0644))

	wd, err := os.Getwd()
	require.NoError(t, err)
	defer os.Chdir(wd)
	require.NoError(t, os.Chdir(nested))

	got := findProjectConfig()
	// macOS temp dirs sit behind a /private symlink
	want, _ := filepath.EvalSymlinks(filepath.Join(tmpDir, "pulse.toml"))
	gotResolved, _ := filepath.EvalSymlinks(got)
	assert.Equal(t, want, gotResolved)
}

func TestResolvedInstanceID(t *testing.T) {
	fixed := SchedulerConfig{InstanceID: "node-a"}
	assert.Equal(t, "node-a", fixed.ResolvedInstanceID())

	auto := SchedulerConfig{InstanceID: "auto"}
	a, b := auto.ResolvedInstanceID(), auto.ResolvedInstanceID()
	assert.NotEqual(t, a, b, "generated ids must be unique per process start")
	assert.NotEqual(t, "auto", a)
}

func TestDefaultTOMLRoundTripsThroughLoad(t *testing.T) {
	defer Reset()
	data, err := DefaultTOML()
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, toml.Unmarshal(data, &doc))
	assert.Contains(t, doc, "scheduler")

	path := filepath.Join(t.TempDir(), "pulse.toml")
	require.NoError(t, WriteFile(path, data))
	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, cfg.Scheduler.MisfireThreshold)
}

func TestWriteFileRotatesBackups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pulse.toml")
	for _, body := range []string{"one", "two", "three", "four", "five"} {
		require.NoError(t, WriteFile(path, []byte(body)))
	}

	read := func(p string) string {
		b, err := os.ReadFile(p)
		require.NoError(t, err)
		return string(b)
	}
	assert.Equal(t, "five", read(path))
	assert.Equal(t, "four", read(path+".back1"))
	assert.Equal(t, "three", read(path+".back2"))
	assert.Equal(t, "two", read(path+".back3"))
}
