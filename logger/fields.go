package logger

import (
	"go.uber.org/zap"
)

// Standard field names for structured logging across pulse.
const (
	// Identity
	FieldInstanceID     = "instance_id"
	FieldScheduler      = "scheduler"
	FieldJob            = "job"
	FieldJobType        = "job_type"
	FieldTrigger        = "trigger"
	FieldCalendar       = "calendar"
	FieldFireInstanceID = "fire_instance_id"

	// Scheduling
	FieldNextFireTime       = "next_fire_time"
	FieldScheduledFireTime  = "scheduled_fire_time"
	FieldMisfireInstruction = "misfire_instruction"
	FieldInstruction        = "instruction"
	FieldState              = "state"
	FieldPriority           = "priority"
	FieldRefireCount        = "refire_count"

	// Components
	FieldComponent = "component"
	FieldSymbol    = "symbol"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldWait       = "wait"

	// Errors
	FieldError    = "error"
	FieldAttempt  = "attempt"
	FieldFailures = "failures"

	// Counts
	FieldCount     = "count"
	FieldBatchSize = "batch_size"
	FieldAvailable = "available"

	// Files and network
	FieldFile    = "file"
	FieldAddress = "address"
	FieldDialect = "dialect"
)

// ComponentLogger returns a named child of the global logger.
//
// Example:
//
//	pool := scheduler.NewThreadPool(10, logger.ComponentLogger("pulse.pool"))
func ComponentLogger(component string) *zap.SugaredLogger {
	return Logger.Named(component)
}
