package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/pulse/errors"
	"github.com/teranos/pulse/jobstore"
	"github.com/teranos/pulse/logger"
	"github.com/teranos/pulse/schedule"
)

// jobRunShell runs one fired trigger on a pool worker: listeners, the job
// itself, in-place refires and the completion report to the store.
type jobRunShell struct {
	s      *Scheduler
	bundle *jobstore.TriggerFiredBundle
	logger *zap.SugaredLogger
}

func newJobRunShell(s *Scheduler, b *jobstore.TriggerFiredBundle) *jobRunShell {
	return &jobRunShell{
		s:      s,
		bundle: b,
		logger: s.logger.Named("shell").With(
			logger.FieldJob, b.Job.Key.String(),
			logger.FieldTrigger, b.Trigger.Key.String(),
			logger.FieldFireInstanceID, b.Trigger.FireInstanceID),
	}
}

func (sh *jobRunShell) run() {
	s := sh.s
	b := sh.bundle

	job, err := s.registry.NewJob(b.Job.JobType)
	if err != nil {
		logger.PulseErrorw(sh.logger, "Job could not be instantiated",
			logger.FieldJobType, b.Job.JobType, logger.FieldError, err)
		s.notifySchedulerError(fmt.Sprintf("An error occurred instantiating job to be executed. job= '%s'", b.Job.Key), err)
		sh.complete(b.Trigger, b.Job, schedule.InstructionSetAllJobTriggersError)
		return
	}

	jc := newJobExecutionContext(s, b, job)
	s.addExecuting(jc)
	defer s.removeExecuting(jc)

	var instr schedule.CompletedExecutionInstruction
	for {
		if s.listeners.notifyTriggerFired(jc) {
			logger.PulseInfow(sh.logger, "Job execution vetoed")
			s.listeners.notifyJobExecutionVetoed(jc)
			instr = jc.Trigger.ExecutionComplete(jc.JobDetail, nil)
			break
		}

		s.listeners.notifyJobToBeExecuted(jc)
		jobErr := sh.execute(jc)
		s.jobsExecuted.Add(1)
		s.listeners.notifyJobWasExecuted(jc, jobErr)

		instr = jc.Trigger.ExecutionComplete(jc.JobDetail, jobErr)
		if jobErr != nil {
			logger.PulseWarnw(sh.logger, "Job threw an error",
				logger.FieldError, jobErr,
				logger.FieldInstruction, instr.String(),
				logger.FieldDurationMS, jc.JobRunTime().Milliseconds(),
				logger.FieldRefireCount, jc.RefireCount())
		} else {
			logger.PulseDebugw(sh.logger, "Job completed",
				logger.FieldInstruction, instr.String(),
				logger.FieldDurationMS, jc.JobRunTime().Milliseconds())
		}
		s.listeners.notifyTriggerComplete(jc, instr)

		if instr != schedule.InstructionReExecuteJob {
			break
		}
		if s.IsShutdown() {
			instr = schedule.InstructionNoop
			break
		}
		jc.refire()
		logger.PulseInfow(sh.logger, "Job requested immediate re-execution", logger.FieldRefireCount, jc.RefireCount())
	}

	sh.complete(jc.Trigger, jc.JobDetail, instr)
}

// execute calls the job. A panic becomes an error so the trigger goes to
// ERROR instead of taking the worker down. The job's context is cancelled
// only by an interrupt or by the WithContext parent, never by Shutdown.
func (sh *jobRunShell) execute(jc *JobExecutionContext) (err error) {
	ctx, cancel := context.WithCancel(sh.s.parentCtx)
	jc.setCancel(cancel)
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logger.PulseErrorw(sh.logger, "Job panicked", "panic", r)
			err = errors.Newf("job %s panicked: %v", jc.JobDetail.Key, r)
		}
		jc.setRunTime(time.Since(start))
		jc.setCancel(nil)
		cancel()
	}()
	return jc.job.Execute(ctx, jc)
}

// complete reports the end of the fire to the store, retrying with the
// store's backoff. The store must hear about every fire or the trigger
// stays blocked until recovery.
func (sh *jobRunShell) complete(trigger *schedule.Trigger, job *schedule.JobDetail, instr schedule.CompletedExecutionInstruction) {
	s := sh.s
	for attempt := 0; ; attempt++ {
		ctx, cancel := s.storeContext()
		err := s.store.TriggeredJobComplete(ctx, trigger, job, instr)
		cancel()
		if err == nil {
			return
		}
		if attempt >= s.cfg.JobCompleteRetryAttempts {
			logger.PulseErrorw(sh.logger, "Could not record job completion, giving up",
				logger.FieldError, err, logger.FieldAttempt, attempt+1)
			s.notifySchedulerError(fmt.Sprintf("An error occurred while marking executed job complete. job= '%s'", job.Key), err)
			return
		}
		logger.PulseWarnw(sh.logger, "Could not record job completion, retrying",
			logger.FieldError, err, logger.FieldAttempt, attempt+1)
		time.Sleep(s.store.AcquireRetryDelay(attempt + 1))
	}
}
