package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/teranos/pulse/am"
	"github.com/teranos/pulse/clusterbus"
	"github.com/teranos/pulse/errors"
	"github.com/teranos/pulse/jobdata"
	"github.com/teranos/pulse/logger"
	"github.com/teranos/pulse/metrics"
	"github.com/teranos/pulse/scheduler"
	"github.com/teranos/pulse/server"
	"github.com/teranos/pulse/version"
)

// StartCmd runs the scheduler in the foreground
var StartCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the scheduler in the foreground",
	Long: `Run the scheduler until interrupted.

start opens (and migrates) the job store, loads the configured job
definition files, starts the admin server and begins firing triggers.
SIGINT or SIGTERM shut down gracefully: no new fires, running jobs get
scheduler.shutdown_timeout to finish.

Examples:
  pulse start
  pulse start --standby           # Recover and serve, but do not fire
  pulse start --delay 30s         # Begin firing after 30 seconds`,
	RunE: runStart,
}

var (
	startStandby bool
	startDelay   time.Duration
	startNoWait  bool
)

func init() {
	StartCmd.Flags().BoolVar(&startStandby, "standby", false, "Stay in standby until started through the API")
	StartCmd.Flags().DurationVar(&startDelay, "delay", 0, "Wait this long before firing triggers")
	StartCmd.Flags().BoolVar(&startNoWait, "no-wait", false, "Do not wait for running jobs on shutdown")
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	cfg.Scheduler.InstanceID = cfg.Scheduler.ResolvedInstanceID()
	log := logger.Logger
	logger.Infow("Starting pulse", version.Get().Fields()...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := scheduler.OpenStore(cfg, nil, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warnw("Failed to close job store", logger.FieldError, err)
		}
	}()

	registry := scheduler.NewJobRegistry()
	scheduler.RegisterBuiltins(registry, log.Named("jobs"))

	hub := server.NewHub(log.Named("events"))
	opts := []scheduler.Option{
		scheduler.WithLogger(log.Named("scheduler")),
		scheduler.WithBroadcaster(hub),
	}
	bus, err := clusterbus.FromConfig(cfg, log.Named("bus"))
	if err != nil {
		return err
	}
	if bus != nil {
		defer bus.Close()
		opts = append(opts, scheduler.WithWakeBus(bus))
	}

	sched, err := scheduler.New(cfg, store, registry, opts...)
	if err != nil {
		return err
	}
	defer sched.Shutdown(!startNoWait)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector, err := metrics.NewCollector(reg)
	if err != nil {
		return err
	}
	collector.Attach(sched.ListenerManager())

	watcher, err := loadJobData(ctx, cfg, sched)
	if err != nil {
		return err
	}
	if watcher != nil {
		defer watcher.Stop()
	}

	var srv *server.Server
	if cfg.Server.Enabled {
		srv = server.New(sched, cfg.Server,
			server.WithLogger(log.Named("server")),
			server.WithHub(hub),
			server.WithGatherer(reg))
		if err := srv.Start(ctx); err != nil {
			return err
		}
		defer srv.Shutdown(context.Background())
	}

	printStartupBanner(cfg, sched, srv)

	switch {
	case startStandby:
		logger.Infow("Scheduler in standby, POST /api/scheduler/start to begin firing")
	case startDelay > 0:
		if err := sched.StartDelayed(ctx, startDelay); err != nil {
			return err
		}
	default:
		if err := sched.Start(ctx); err != nil {
			return err
		}
	}

	<-ctx.Done()
	logger.Infow("Shutting down", "wait_for_jobs", !startNoWait)
	// deferred calls unwind in reverse start order
	return nil
}

// loadJobData applies the configured definition files and, with
// jobdata.watch, starts re-applying them on change.
func loadJobData(ctx context.Context, cfg *am.Config, sched *scheduler.Scheduler) (*jobdata.Watcher, error) {
	if len(cfg.JobData.Files) == 0 {
		return nil, nil
	}
	log := logger.Logger.Named("jobdata")
	loader := jobdata.NewLoader(sched, jobdata.OptionsFromConfig(cfg.JobData), log)
	if err := loader.LoadFiles(ctx, cfg.JobData.Files); err != nil {
		return nil, errors.Wrap(err, "load job definitions")
	}
	if !cfg.JobData.Watch {
		return nil, nil
	}

	w, err := jobdata.NewWatcher(loader, cfg.JobData.Files, log)
	if err != nil {
		return nil, err
	}
	w.OnApply(func(path string, res *jobdata.Result, err error) {
		if err != nil {
			return
		}
		logger.Infow("Job definitions reloaded",
			logger.FieldFile, path,
			"jobs", res.Jobs,
			"triggers", res.Triggers)
	})
	w.Start(ctx)
	return w, nil
}
