// Package schedule holds the scheduling domain: job and trigger identities,
// job definitions, the trigger entity with its fire-time strategies, and the
// state and instruction vocabularies shared by job stores and the scheduler.
package schedule

import (
	"strings"

	"github.com/teranos/pulse/errors"
)

// DefaultGroup is used when a key is created without a group.
const DefaultGroup = "DEFAULT"

// Reserved groups
const (
	// ManualTriggerGroup holds one-shot triggers created by TriggerJob.
	ManualTriggerGroup = "MANUAL_TRIGGER"
	// RecoveringJobsGroup holds triggers injected by crash recovery.
	RecoveringJobsGroup = "RECOVERING_JOBS"
)

// Key identifies a job or a trigger. Jobs and triggers live in separate
// key spaces.
type Key struct {
	Name  string `json:"name" yaml:"name"`
	Group string `json:"group" yaml:"group"`
}

// NewKey returns a key, defaulting the group.
func NewKey(name, group string) Key {
	if group == "" {
		group = DefaultGroup
	}
	return Key{Name: name, Group: group}
}

// String renders the key as group.name.
func (k Key) String() string {
	return k.Group + "." + k.Name
}

// IsZero reports whether the key has no name.
func (k Key) IsZero() bool {
	return k.Name == ""
}

// Compare orders keys by group, then name.
func (k Key) Compare(o Key) int {
	if c := strings.Compare(k.Group, o.Group); c != 0 {
		return c
	}
	return strings.Compare(k.Name, o.Name)
}

// Validate rejects keys that cannot be stored.
func (k Key) Validate() error {
	if strings.TrimSpace(k.Name) == "" {
		return errors.NewInvalidRequestError("key name cannot be empty")
	}
	if strings.TrimSpace(k.Group) == "" {
		return errors.NewInvalidRequestError("key %q has an empty group", k.Name)
	}
	return nil
}

// ParseKey parses group.name; a string without a dot is a name in DefaultGroup.
// Groups cannot contain dots, names can.
func ParseKey(s string) Key {
	if i := strings.Index(s, "."); i > 0 {
		return NewKey(s[i+1:], s[:i])
	}
	return NewKey(s, DefaultGroup)
}
