// Package metrics exports scheduler activity as prometheus metrics. The
// Collector is a job, trigger and scheduler listener at once.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/teranos/pulse/errors"
	"github.com/teranos/pulse/schedule"
	"github.com/teranos/pulse/scheduler"
)

// Namespace prefixes every metric name.
const Namespace = "pulse"

// Job outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeVetoed  = "vetoed"
)

// Collector counts fires, executions, misfires and scheduler errors.
type Collector struct {
	scheduler.BaseSchedulerListener

	triggersFired    prometheus.Counter
	jobsExecuted     *prometheus.CounterVec
	triggersMisfired prometheus.Counter
	schedulerErrors  prometheus.Counter
	jobsExecuting    prometheus.Gauge
	jobRunSeconds    *prometheus.HistogramVec
	schedulerStarted prometheus.Gauge
}

// NewCollector creates the metrics and registers them with reg.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		triggersFired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "triggers_fired_total",
			Help:      "Triggers that fired and handed their job to a worker.",
		}),
		jobsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "jobs_executed_total",
			Help:      "Job executions by outcome.",
		}, []string{"outcome"}),
		triggersMisfired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "triggers_misfired_total",
			Help:      "Triggers that missed their fire time by more than the misfire threshold.",
		}),
		schedulerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "scheduler_errors_total",
			Help:      "Errors reported to scheduler listeners.",
		}),
		jobsExecuting: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "jobs_executing",
			Help:      "Jobs currently executing on this node.",
		}),
		jobRunSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "job_run_seconds",
			Help:      "Job execution time by job type.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 10),
		}, []string{"job_type"}),
		schedulerStarted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "scheduler_started",
			Help:      "1 while the scheduler is firing triggers, 0 in standby or after shutdown.",
		}),
	}
	for _, m := range []prometheus.Collector{
		c.triggersFired, c.jobsExecuted, c.triggersMisfired, c.schedulerErrors,
		c.jobsExecuting, c.jobRunSeconds, c.schedulerStarted,
	} {
		if err := reg.Register(m); err != nil {
			return nil, errors.Wrap(err, "register scheduler metrics")
		}
	}
	return c, nil
}

// Attach registers the collector for every job and trigger.
func (c *Collector) Attach(lm *scheduler.ListenerManager) {
	lm.AddJobListener(c)
	lm.AddTriggerListener(c)
	lm.AddSchedulerListener(c)
}

func (c *Collector) Name() string { return "pulse.metrics" }

func (c *Collector) JobToBeExecuted(*scheduler.JobExecutionContext) {
	c.jobsExecuting.Inc()
}

func (c *Collector) JobExecutionVetoed(*scheduler.JobExecutionContext) {
	c.jobsExecuted.WithLabelValues(OutcomeVetoed).Inc()
}

func (c *Collector) JobWasExecuted(jc *scheduler.JobExecutionContext, err error) {
	c.jobsExecuting.Dec()
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	c.jobsExecuted.WithLabelValues(outcome).Inc()
	c.jobRunSeconds.WithLabelValues(jc.JobDetail.JobType).Observe(jc.JobRunTime().Seconds())
}

func (c *Collector) TriggerFired(*schedule.Trigger, *scheduler.JobExecutionContext) {
	c.triggersFired.Inc()
}

func (c *Collector) VetoJobExecution(*schedule.Trigger, *scheduler.JobExecutionContext) bool {
	return false
}

func (c *Collector) TriggerMisfired(*schedule.Trigger) {
	c.triggersMisfired.Inc()
}

func (c *Collector) TriggerComplete(*schedule.Trigger, *scheduler.JobExecutionContext, schedule.CompletedExecutionInstruction) {
}

func (c *Collector) SchedulerError(string, error) {
	c.schedulerErrors.Inc()
}

func (c *Collector) SchedulerStarted()       { c.schedulerStarted.Set(1) }
func (c *Collector) SchedulerInStandbyMode() { c.schedulerStarted.Set(0) }
func (c *Collector) SchedulerShutdown()      { c.schedulerStarted.Set(0) }
