package schedule

import (
	"strings"

	"github.com/teranos/pulse/errors"
)

// TriggerState is the persisted lifecycle state of a trigger.
type TriggerState string

const (
	// StateNone is reported for triggers that do not exist (deleted).
	StateNone      TriggerState = "NONE"
	StateWaiting   TriggerState = "WAITING"
	StateAcquired  TriggerState = "ACQUIRED"
	StateExecuting TriggerState = "EXECUTING"
	StatePaused    TriggerState = "PAUSED"
	StateBlocked   TriggerState = "BLOCKED"
	// StatePausedBlocked is a pause requested while blocked or executing;
	// completion resolves it to PAUSED.
	StatePausedBlocked TriggerState = "PAUSED_BLOCKED"
	StateComplete      TriggerState = "COMPLETE"
	StateError         TriggerState = "ERROR"
)

// StateDeleted is the terminal state of a removed trigger.
const StateDeleted = StateNone

// ParseTriggerState parses a stored state.
func ParseTriggerState(s string) (TriggerState, error) {
	st := TriggerState(strings.ToUpper(s))
	switch st {
	case StateNone, StateWaiting, StateAcquired, StateExecuting, StatePaused,
		StateBlocked, StatePausedBlocked, StateComplete, StateError:
		return st, nil
	}
	return StateNone, errors.Newf("unknown trigger state %q", s)
}

// IsPaused covers both paused states.
func (s TriggerState) IsPaused() bool {
	return s == StatePaused || s == StatePausedBlocked
}

// Paused maps a state to the state it takes on an explicit pause.
// COMPLETE and ERROR triggers stay as they are.
func (s TriggerState) Paused() TriggerState {
	switch s {
	case StateWaiting, StateAcquired:
		return StatePaused
	case StateBlocked, StateExecuting:
		return StatePausedBlocked
	}
	return s
}

// FiredState is the state of a fired-trigger record.
type FiredState string

const (
	FiredAcquired  FiredState = "ACQUIRED"
	FiredExecuting FiredState = "EXECUTING"
)

// CompletedExecutionInstruction tells the job store what to do with a
// trigger after its job ran.
type CompletedExecutionInstruction int

const (
	InstructionNoop CompletedExecutionInstruction = iota
	InstructionReExecuteJob
	InstructionSetTriggerComplete
	InstructionDeleteTrigger
	InstructionSetAllJobTriggersComplete
	InstructionSetTriggerError
	InstructionSetAllJobTriggersError
)

var instructionNames = map[CompletedExecutionInstruction]string{
	InstructionNoop:                      "NOOP",
	InstructionReExecuteJob:              "RE_EXECUTE_JOB",
	InstructionSetTriggerComplete:        "SET_TRIGGER_COMPLETE",
	InstructionDeleteTrigger:             "DELETE_TRIGGER",
	InstructionSetAllJobTriggersComplete: "SET_ALL_JOB_TRIGGERS_COMPLETE",
	InstructionSetTriggerError:           "SET_TRIGGER_ERROR",
	InstructionSetAllJobTriggersError:    "SET_ALL_JOB_TRIGGERS_ERROR",
}

func (i CompletedExecutionInstruction) String() string {
	if s, ok := instructionNames[i]; ok {
		return s
	}
	return "UNKNOWN"
}

// MisfireInstruction selects what happens when a trigger's fire time passed
// by more than the misfire threshold before it could fire.
type MisfireInstruction int

const (
	// MisfireIgnore fires every missed time as if on schedule.
	MisfireIgnore MisfireInstruction = -1
	// MisfireSmartPolicy defers to the schedule kind's default.
	MisfireSmartPolicy MisfireInstruction = 0
	// MisfireFireNow fires once at detection time and reschedules from there.
	MisfireFireNow MisfireInstruction = 1
	// MisfireDoNothing skips the missed fire and advances past now.
	MisfireDoNothing MisfireInstruction = 2
)

func (m MisfireInstruction) String() string {
	switch m {
	case MisfireIgnore:
		return "IGNORE_MISFIRE_POLICY"
	case MisfireSmartPolicy:
		return "SMART_POLICY"
	case MisfireFireNow:
		return "FIRE_NOW"
	case MisfireDoNothing:
		return "DO_NOTHING"
	}
	return "UNKNOWN"
}

// ParseMisfireInstruction accepts the names used in job definition files.
func ParseMisfireInstruction(s string) (MisfireInstruction, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")) {
	case "", "smart", "smart_policy":
		return MisfireSmartPolicy, nil
	case "ignore", "ignore_misfire_policy":
		return MisfireIgnore, nil
	case "fire_now", "fire_once_now":
		return MisfireFireNow, nil
	case "do_nothing", "skip":
		return MisfireDoNothing, nil
	}
	return MisfireSmartPolicy, errors.NewInvalidRequestError("unknown misfire instruction %q", s)
}
