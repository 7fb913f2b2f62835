package schedule

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyOrdering(t *testing.T) {
	keys := []Key{NewKey("b", "x"), NewKey("a", "y"), NewKey("a", "x"), NewKey("z", "")}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })

	assert.Equal(t, []string{"DEFAULT.z", "x.a", "x.b", "y.a"},
		[]string{keys[0].String(), keys[1].String(), keys[2].String(), keys[3].String()})
}

func TestParseKey(t *testing.T) {
	assert.Equal(t, NewKey("nightly.report", "reports"), ParseKey("reports.nightly.report"))
	assert.Equal(t, NewKey("solo", DefaultGroup), ParseKey("solo"))
	require.Error(t, Key{Group: "g"}.Validate())
}

func TestJobDataMapMerge(t *testing.T) {
	job := JobDataMap{"region": "eu", "retries": 3}
	trig := JobDataMap{"region": "us"}

	merged := Merge(job, trig)
	assert.Equal(t, "us", merged.GetString("region"))
	n, ok := merged.GetInt("retries")
	assert.True(t, ok)
	assert.Equal(t, 3, n)

	// Merge does not alias its inputs
	merged["region"] = "ap"
	assert.Equal(t, "eu", job["region"])
}

func TestJobDataMapEncoding(t *testing.T) {
	m := JobDataMap{"count": 2, "timeout": "1m30s", "verbose": true}
	s, err := m.Encode()
	require.NoError(t, err)

	decoded, err := DecodeJobDataMap(s)
	require.NoError(t, err)
	n, ok := decoded.GetInt("count")
	assert.True(t, ok)
	assert.Equal(t, 2, n)
	d, ok := decoded.GetDuration("timeout")
	assert.True(t, ok)
	assert.Equal(t, "1m30s", d.String())
	assert.True(t, decoded.GetBool("verbose"))

	_, err = JobDataMap{"ch": make(chan int)}.Encode()
	assert.Error(t, err)
}

func TestPausedStates(t *testing.T) {
	assert.Equal(t, StatePaused, StateWaiting.Paused())
	assert.Equal(t, StatePaused, StateAcquired.Paused())
	assert.Equal(t, StatePausedBlocked, StateBlocked.Paused())
	assert.Equal(t, StatePausedBlocked, StateExecuting.Paused())
	assert.Equal(t, StateComplete, StateComplete.Paused())
}
