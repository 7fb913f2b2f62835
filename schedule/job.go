package schedule

import (
	"github.com/teranos/pulse/errors"
)

// JobDetail is a stored job definition. The executable behavior is resolved
// at fire time from JobType through the scheduler's job registry.
type JobDetail struct {
	Key         Key
	Description string
	// JobType names the registered job implementation.
	JobType string
	// Durable jobs stay stored when no trigger references them.
	Durable bool
	// ConcurrentExecutionDisallowed allows at most one execution in flight
	// across the cluster.
	ConcurrentExecutionDisallowed bool
	// PersistJobDataAfterExecution writes the job's data map back after
	// every execution.
	PersistJobDataAfterExecution bool
	// RequestsRecovery re-fires the job when the node running it dies.
	RequestsRecovery bool
	// SwallowErrors keeps the trigger scheduled when Execute returns a plain error.
	SwallowErrors bool
	JobData       JobDataMap
}

// NewJob starts a JobDetail for the given job type.
func NewJob(jobType, name, group string) *JobDetail {
	return &JobDetail{
		Key:     NewKey(name, group),
		JobType: jobType,
		JobData: JobDataMap{},
	}
}

// WithDescription sets the description.
func (j *JobDetail) WithDescription(d string) *JobDetail {
	j.Description = d
	return j
}

// StoreDurably marks the job durable.
func (j *JobDetail) StoreDurably(durable bool) *JobDetail {
	j.Durable = durable
	return j
}

// DisallowConcurrentExecution marks the job non-concurrent.
func (j *JobDetail) DisallowConcurrentExecution() *JobDetail {
	j.ConcurrentExecutionDisallowed = true
	return j
}

// PersistDataAfterExecution keeps data map changes made by Execute.
func (j *JobDetail) PersistDataAfterExecution() *JobDetail {
	j.PersistJobDataAfterExecution = true
	return j
}

// RequestRecovery marks the job for re-execution after a node crash.
func (j *JobDetail) RequestRecovery() *JobDetail {
	j.RequestsRecovery = true
	return j
}

// UsingJobData sets one data map entry.
func (j *JobDetail) UsingJobData(key string, value any) *JobDetail {
	if j.JobData == nil {
		j.JobData = JobDataMap{}
	}
	j.JobData[key] = value
	return j
}

// Clone returns a copy that shares nothing mutable with j.
func (j *JobDetail) Clone() *JobDetail {
	if j == nil {
		return nil
	}
	c := *j
	c.JobData = j.JobData.Clone()
	return &c
}

// Validate rejects job definitions that cannot be stored.
func (j *JobDetail) Validate() error {
	if j == nil {
		return errors.NewInvalidRequestError("job detail is nil")
	}
	if err := j.Key.Validate(); err != nil {
		return errors.Wrap(err, "job key")
	}
	if j.JobType == "" {
		return errors.NewInvalidRequestError("job %s has no job type", j.Key)
	}
	return nil
}
