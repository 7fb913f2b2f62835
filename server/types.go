package server

import (
	"encoding/json"
	"time"

	"github.com/teranos/pulse/schedule"
	"github.com/teranos/pulse/scheduler"
)

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status     string `json:"status"` // ok, standby, shutdown
	Scheduler  string `json:"scheduler"`
	InstanceID string `json:"instance_id"`
	Version    string `json:"version"`
	Commit     string `json:"commit"`
}

// JobResponse describes a stored job.
type JobResponse struct {
	Key                           string              `json:"key"`
	Name                          string              `json:"name"`
	Group                         string              `json:"group"`
	JobType                       string              `json:"job_type"`
	Description                   string              `json:"description,omitempty"`
	Durable                       bool                `json:"durable"`
	RequestsRecovery              bool                `json:"requests_recovery"`
	ConcurrentExecutionDisallowed bool                `json:"concurrent_execution_disallowed"`
	PersistJobDataAfterExecution  bool                `json:"persist_job_data_after_execution"`
	SwallowErrors                 bool                `json:"swallow_errors"`
	Data                          schedule.JobDataMap `json:"data,omitempty"`
	Triggers                      []TriggerResponse   `json:"triggers,omitempty"`
}

// ListJobsResponse is returned by GET /api/jobs.
type ListJobsResponse struct {
	Jobs  []JobResponse `json:"jobs"`
	Count int           `json:"count"`
}

// TriggerResponse describes a stored trigger and its state.
type TriggerResponse struct {
	Key                string              `json:"key"`
	Name               string              `json:"name"`
	Group              string              `json:"group"`
	Job                string              `json:"job"`
	Description        string              `json:"description,omitempty"`
	State              string              `json:"state"`
	Kind               schedule.Kind       `json:"kind"`
	Schedule           json.RawMessage     `json:"schedule,omitempty"`
	Calendar           string              `json:"calendar,omitempty"`
	Priority           int                 `json:"priority"`
	MisfireInstruction string              `json:"misfire_instruction"`
	StartTime          time.Time           `json:"start_time"`
	EndTime            *time.Time          `json:"end_time,omitempty"`
	NextFireTime       *time.Time          `json:"next_fire_time,omitempty"`
	PreviousFireTime   *time.Time          `json:"previous_fire_time,omitempty"`
	TimesTriggered     int                 `json:"times_triggered"`
	Data               schedule.JobDataMap `json:"data,omitempty"`
}

// ListTriggersResponse is returned by GET /api/triggers.
type ListTriggersResponse struct {
	Triggers []TriggerResponse `json:"triggers"`
	Count    int               `json:"count"`
}

// ExecutingJobResponse describes one job running on this node.
type ExecutingJobResponse struct {
	Job               string    `json:"job"`
	JobType           string    `json:"job_type"`
	Trigger           string    `json:"trigger"`
	FireInstanceID    string    `json:"fire_instance_id"`
	FireTime          time.Time `json:"fire_time"`
	ScheduledFireTime time.Time `json:"scheduled_fire_time"`
	RefireCount       int       `json:"refire_count"`
	Recovering        bool      `json:"recovering"`
	RunningMS         int64     `json:"running_ms"`
}

// ListExecutingResponse is returned by GET /api/executing.
type ListExecutingResponse struct {
	Executing []ExecutingJobResponse `json:"executing"`
	Count     int                    `json:"count"`
}

// TriggerJobRequest is the optional body of POST /api/jobs/{group}/{name}/trigger.
type TriggerJobRequest struct {
	Data schedule.JobDataMap `json:"data,omitempty"`
}

// ActionResponse acknowledges a state-changing request.
type ActionResponse struct {
	Action string `json:"action"`
	Key    string `json:"key,omitempty"`
}

// GroupActionResponse lists the groups a group-wide pause or resume touched.
type GroupActionResponse struct {
	Action string   `json:"action"`
	Groups []string `json:"groups"`
}

func toJobResponse(job *schedule.JobDetail) JobResponse {
	return JobResponse{
		Key:                           job.Key.String(),
		Name:                          job.Key.Name,
		Group:                         job.Key.Group,
		JobType:                       job.JobType,
		Description:                   job.Description,
		Durable:                       job.Durable,
		RequestsRecovery:              job.RequestsRecovery,
		ConcurrentExecutionDisallowed: job.ConcurrentExecutionDisallowed,
		PersistJobDataAfterExecution:  job.PersistJobDataAfterExecution,
		SwallowErrors:                 job.SwallowErrors,
		Data:                          job.JobData,
	}
}

func toTriggerResponse(t *schedule.Trigger, state schedule.TriggerState) TriggerResponse {
	resp := TriggerResponse{
		Key:                t.Key.String(),
		Name:               t.Key.Name,
		Group:              t.Key.Group,
		Job:                t.JobKey.String(),
		Description:        t.Description,
		State:              string(state),
		Calendar:           t.CalendarName,
		Priority:           t.Priority,
		MisfireInstruction: t.MisfireInstruction.String(),
		StartTime:          t.StartTime,
		EndTime:            t.EndTime,
		NextFireTime:       t.NextFireTime,
		PreviousFireTime:   t.PreviousFireTime,
		TimesTriggered:     t.TimesTriggered,
		Data:               t.JobData,
	}
	if kind, body, err := schedule.EncodeSchedule(t.Schedule); err == nil {
		resp.Kind = kind
		resp.Schedule = json.RawMessage(body)
	}
	return resp
}

func toExecutingResponse(jc *scheduler.JobExecutionContext, now time.Time) ExecutingJobResponse {
	return ExecutingJobResponse{
		Job:               jc.JobDetail.Key.String(),
		JobType:           jc.JobDetail.JobType,
		Trigger:           jc.Trigger.Key.String(),
		FireInstanceID:    jc.FireInstanceID,
		FireTime:          jc.FireTime,
		ScheduledFireTime: jc.ScheduledFireTime,
		RefireCount:       jc.RefireCount(),
		Recovering:        jc.Recovering,
		RunningMS:         now.Sub(jc.FireTime).Milliseconds(),
	}
}
