package schedule

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/teranos/pulse/errors"
)

// JobDataMap is the key-value bag attached to jobs and triggers.
// Values must survive a JSON round trip to be persisted by SQL stores.
type JobDataMap map[string]any

// Clone returns a shallow copy. A nil map clones to an empty one.
func (m JobDataMap) Clone() JobDataMap {
	out := make(JobDataMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Merge overlays maps from left to right; later maps win on conflicts.
func Merge(maps ...JobDataMap) JobDataMap {
	out := JobDataMap{}
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

// GetString returns the value for key rendered as a string.
func (m JobDataMap) GetString(key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// GetInt returns the value for key as an int. JSON numbers decode as float64,
// numeric strings are parsed.
func (m JobDataMap) GetInt(key string) (int, bool) {
	switch v := m[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	case string:
		n, err := strconv.Atoi(v)
		return n, err == nil
	}
	return 0, false
}

// GetBool returns the value for key as a bool.
func (m JobDataMap) GetBool(key string) bool {
	switch v := m[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

// GetDuration returns the value for key as a duration. Strings use
// time.ParseDuration, numbers are milliseconds.
func (m JobDataMap) GetDuration(key string) (time.Duration, bool) {
	switch v := m[key].(type) {
	case time.Duration:
		return v, true
	case string:
		d, err := time.ParseDuration(v)
		return d, err == nil
	}
	if ms, ok := m.GetInt(key); ok {
		return time.Duration(ms) * time.Millisecond, true
	}
	return 0, false
}

// Encode serializes the map for storage.
func (m JobDataMap) Encode() (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", errors.Wrap(err, "job data is not serializable")
	}
	return string(b), nil
}

// DecodeJobDataMap parses a map produced by Encode.
func DecodeJobDataMap(s string) (JobDataMap, error) {
	m := JobDataMap{}
	if s == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, errors.Wrap(err, "decode job data")
	}
	return m, nil
}
