package server

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/teranos/pulse/errors"
	"github.com/teranos/pulse/logger"
	"github.com/teranos/pulse/schedule"
	"github.com/teranos/pulse/scheduler"
	"github.com/teranos/pulse/version"
)

const (
	statusOK       = "ok"
	statusStandby  = "standby"
	statusShutdown = "shutdown"
)

func (s *Server) status() string {
	switch {
	case s.sched.IsShutdown():
		return statusShutdown
	case !s.sched.IsStarted() || s.sched.InStandbyMode():
		return statusStandby
	default:
		return statusOK
	}
}

// HandleHealth reports liveness. A shut down scheduler answers 503.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	info := version.Get()
	resp := HealthResponse{
		Status:     s.status(),
		Scheduler:  s.sched.Name(),
		InstanceID: s.sched.InstanceID(),
		Version:    info.Version,
		Commit:     info.Short(),
	}
	code := http.StatusOK
	if resp.Status == statusShutdown {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// HandleSchedulerStatus returns the scheduler metadata.
func (s *Server) HandleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.MetaData())
}

// HandleSchedulerStandby stops firing triggers.
func (s *Server) HandleSchedulerStandby(w http.ResponseWriter, r *http.Request) {
	if s.sched.IsShutdown() {
		writeErr(w, s.logger, errors.ErrSchedulerShutdown, "standby")
		return
	}
	s.sched.Standby()
	writeJSON(w, http.StatusOK, ActionResponse{Action: "standby"})
}

// HandleSchedulerStart starts the scheduler or leaves standby.
func (s *Server) HandleSchedulerStart(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.Start(r.Context()); err != nil {
		writeErr(w, s.logger, err, "start scheduler")
		return
	}
	writeJSON(w, http.StatusOK, ActionResponse{Action: "start"})
}

// HandleListJobs lists jobs with their triggers, optionally limited to ?group=.
func (s *Server) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	keys, err := s.sched.GetJobKeys(ctx, r.URL.Query().Get("group"))
	if err != nil {
		writeErr(w, s.logger, err, "list jobs")
		return
	}
	sortKeys(keys)

	jobs := make([]JobResponse, 0, len(keys))
	for _, key := range keys {
		resp, err := s.jobResponse(r, key)
		if errors.IsNotFoundError(err) {
			// deleted between listing and loading
			continue
		}
		if err != nil {
			writeErr(w, s.logger, err, "list jobs")
			return
		}
		jobs = append(jobs, resp)
	}
	writeJSON(w, http.StatusOK, ListJobsResponse{Jobs: jobs, Count: len(jobs)})
}

// HandleGetJob returns one job and its triggers.
func (s *Server) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	key, err := keyParam(r)
	if err != nil {
		writeErr(w, s.logger, err, "get job")
		return
	}
	resp, err := s.jobResponse(r, key)
	if err != nil {
		writeErr(w, s.logger, err, "get job")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) jobResponse(r *http.Request, key schedule.Key) (JobResponse, error) {
	ctx := r.Context()
	job, err := s.sched.GetJobDetail(ctx, key)
	if err != nil {
		return JobResponse{}, err
	}
	if job == nil {
		return JobResponse{}, errors.NewNotFoundError("job %s does not exist", key)
	}
	resp := toJobResponse(job)
	triggers, err := s.sched.GetTriggersOfJob(ctx, key)
	if err != nil {
		return JobResponse{}, err
	}
	for _, t := range triggers {
		state, err := s.sched.GetTriggerState(ctx, t.Key)
		if err != nil {
			return JobResponse{}, err
		}
		resp.Triggers = append(resp.Triggers, toTriggerResponse(t, state))
	}
	return resp, nil
}

// HandleDeleteJob deletes a job and its triggers.
func (s *Server) HandleDeleteJob(w http.ResponseWriter, r *http.Request) {
	key, err := keyParam(r)
	if err != nil {
		writeErr(w, s.logger, err, "delete job")
		return
	}
	found, err := s.sched.DeleteJob(r.Context(), key)
	if err != nil {
		writeErr(w, s.logger, err, "delete job")
		return
	}
	if !found {
		writeErr(w, s.logger, errors.NewNotFoundError("job %s does not exist", key), "delete job")
		return
	}
	logger.PulseInfow(s.logger, "Job deleted via API", logger.FieldJob, key.String())
	writeJSON(w, http.StatusOK, ActionResponse{Action: "delete", Key: key.String()})
}

// HandleTriggerJob fires a job now. The optional body overlays job data.
func (s *Server) HandleTriggerJob(w http.ResponseWriter, r *http.Request) {
	key, err := keyParam(r)
	if err != nil {
		writeErr(w, s.logger, err, "trigger job")
		return
	}
	var req TriggerJobRequest
	if !readJSON(w, r, &req) {
		return
	}
	if err := s.sched.TriggerJob(r.Context(), key, req.Data); err != nil {
		writeErr(w, s.logger, err, "trigger job")
		return
	}
	writeJSON(w, http.StatusAccepted, ActionResponse{Action: "trigger", Key: key.String()})
}

// HandlePauseJob pauses every trigger of a job.
func (s *Server) HandlePauseJob(w http.ResponseWriter, r *http.Request) {
	s.keyAction(w, r, "pause", s.sched.PauseJob)
}

// HandleResumeJob resumes every trigger of a job.
func (s *Server) HandleResumeJob(w http.ResponseWriter, r *http.Request) {
	s.keyAction(w, r, "resume", s.sched.ResumeJob)
}

// HandlePauseJobGroup pauses all jobs of a group.
func (s *Server) HandlePauseJobGroup(w http.ResponseWriter, r *http.Request) {
	s.groupAction(w, r, "pause", s.sched.PauseJobs)
}

// HandleResumeJobGroup resumes all jobs of a group.
func (s *Server) HandleResumeJobGroup(w http.ResponseWriter, r *http.Request) {
	s.groupAction(w, r, "resume", s.sched.ResumeJobs)
}

// HandleListTriggers lists triggers with their state, optionally limited to ?group=.
func (s *Server) HandleListTriggers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	keys, err := s.sched.GetTriggerKeys(ctx, r.URL.Query().Get("group"))
	if err != nil {
		writeErr(w, s.logger, err, "list triggers")
		return
	}
	sortKeys(keys)

	triggers := make([]TriggerResponse, 0, len(keys))
	for _, key := range keys {
		resp, err := s.triggerResponse(r, key)
		if errors.IsNotFoundError(err) {
			continue
		}
		if err != nil {
			writeErr(w, s.logger, err, "list triggers")
			return
		}
		triggers = append(triggers, resp)
	}
	writeJSON(w, http.StatusOK, ListTriggersResponse{Triggers: triggers, Count: len(triggers)})
}

// HandleGetTrigger returns one trigger.
func (s *Server) HandleGetTrigger(w http.ResponseWriter, r *http.Request) {
	key, err := keyParam(r)
	if err != nil {
		writeErr(w, s.logger, err, "get trigger")
		return
	}
	resp, err := s.triggerResponse(r, key)
	if err != nil {
		writeErr(w, s.logger, err, "get trigger")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) triggerResponse(r *http.Request, key schedule.Key) (TriggerResponse, error) {
	t, err := s.sched.GetTrigger(r.Context(), key)
	if err != nil {
		return TriggerResponse{}, err
	}
	if t == nil {
		return TriggerResponse{}, errors.NewNotFoundError("trigger %s does not exist", key)
	}
	state, err := s.sched.GetTriggerState(r.Context(), key)
	if err != nil {
		return TriggerResponse{}, err
	}
	return toTriggerResponse(t, state), nil
}

// HandleUnscheduleTrigger removes a trigger. A non-durable job left
// without triggers is deleted with it.
func (s *Server) HandleUnscheduleTrigger(w http.ResponseWriter, r *http.Request) {
	key, err := keyParam(r)
	if err != nil {
		writeErr(w, s.logger, err, "unschedule trigger")
		return
	}
	found, err := s.sched.UnscheduleJob(r.Context(), key)
	if err != nil {
		writeErr(w, s.logger, err, "unschedule trigger")
		return
	}
	if !found {
		writeErr(w, s.logger, errors.NewNotFoundError("trigger %s does not exist", key), "unschedule trigger")
		return
	}
	logger.PulseInfow(s.logger, "Trigger unscheduled via API", logger.FieldTrigger, key.String())
	writeJSON(w, http.StatusOK, ActionResponse{Action: "unschedule", Key: key.String()})
}

// HandlePauseTrigger pauses one trigger.
func (s *Server) HandlePauseTrigger(w http.ResponseWriter, r *http.Request) {
	s.keyAction(w, r, "pause", s.sched.PauseTrigger)
}

// HandleResumeTrigger resumes one trigger.
func (s *Server) HandleResumeTrigger(w http.ResponseWriter, r *http.Request) {
	s.keyAction(w, r, "resume", s.sched.ResumeTrigger)
}

// HandleResetTrigger moves a trigger out of the ERROR state.
func (s *Server) HandleResetTrigger(w http.ResponseWriter, r *http.Request) {
	s.keyAction(w, r, "reset", s.sched.ResetTriggerFromErrorState)
}

// HandleListCalendars lists stored calendar names.
func (s *Server) HandleListCalendars(w http.ResponseWriter, r *http.Request) {
	names, err := s.sched.GetCalendarNames(r.Context())
	if err != nil {
		writeErr(w, s.logger, err, "list calendars")
		return
	}
	sort.Strings(names)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"calendars": names,
		"count":     len(names),
	})
}

// HandleListExecuting lists the fires running on this node.
func (s *Server) HandleListExecuting(w http.ResponseWriter, r *http.Request) {
	running := s.sched.GetCurrentlyExecutingJobs()
	sort.Slice(running, func(i, j int) bool { return running[i].FireTime.Before(running[j].FireTime) })

	now := time.Now()
	out := make([]ExecutingJobResponse, 0, len(running))
	for _, jc := range running {
		out = append(out, toExecutingResponse(jc, now))
	}
	writeJSON(w, http.StatusOK, ListExecutingResponse{Executing: out, Count: len(out)})
}

// HandleInterrupt interrupts one running fire.
func (s *Server) HandleInterrupt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "fireInstanceID")
	ok, err := s.sched.InterruptInstance(id)
	if err != nil {
		writeErr(w, s.logger, err, "interrupt")
		return
	}
	if !ok {
		writeErr(w, s.logger, errors.NewNotFoundError("no running fire %s", id), "interrupt")
		return
	}
	writeJSON(w, http.StatusOK, ActionResponse{Action: "interrupt", Key: id})
}

// HandleEvents upgrades to a WebSocket and streams scheduler events. The
// first message describes the current scheduler state.
func (s *Server) HandleEvents(w http.ResponseWriter, r *http.Request) {
	up := s.upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		logger.PulseWarnw(s.logger, "WebSocket upgrade failed", logger.FieldError, err)
		return
	}

	c := &Client{
		hub:  s.hub,
		conn: conn,
		send: make(chan scheduler.Event, clientQueueSize),
		id:   uuid.NewString(),
	}
	c.send <- scheduler.Event{
		Type:       scheduler.EventSchedulerState,
		Time:       time.Now(),
		Scheduler:  s.sched.Name(),
		InstanceID: s.sched.InstanceID(),
		State:      s.status(),
	}
	if !s.hub.join(c) {
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

func (s *Server) keyAction(w http.ResponseWriter, r *http.Request, action string, fn func(ctx context.Context, key schedule.Key) error) {
	key, err := keyParam(r)
	if err != nil {
		writeErr(w, s.logger, err, action)
		return
	}
	if err := fn(r.Context(), key); err != nil {
		writeErr(w, s.logger, err, action+" "+key.String())
		return
	}
	writeJSON(w, http.StatusOK, ActionResponse{Action: action, Key: key.String()})
}

func (s *Server) groupAction(w http.ResponseWriter, r *http.Request, action string, fn func(ctx context.Context, group string) ([]string, error)) {
	group := chi.URLParam(r, "group")
	groups, err := fn(r.Context(), group)
	if err != nil {
		writeErr(w, s.logger, err, action+" group "+group)
		return
	}
	sort.Strings(groups)
	writeJSON(w, http.StatusOK, GroupActionResponse{Action: action, Groups: groups})
}

func sortKeys(keys []schedule.Key) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Group != keys[j].Group {
			return keys[i].Group < keys[j].Group
		}
		return keys[i].Name < keys[j].Name
	})
}
