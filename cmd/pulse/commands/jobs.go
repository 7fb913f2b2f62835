package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/pulse/am"
	"github.com/teranos/pulse/errors"
	"github.com/teranos/pulse/jobdata"
	"github.com/teranos/pulse/jobstore"
	"github.com/teranos/pulse/logger"
	"github.com/teranos/pulse/schedule"
	"github.com/teranos/pulse/scheduler"
	"github.com/teranos/pulse/sym"
)

// JobsCmd lists stored jobs
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: sym.Pulse + " List stored jobs",
	Long: sym.Pulse + ` jobs — List the jobs in the configured job store

Reads the store directly, so it works whether or not a scheduler is running.

Examples:
  pulse jobs
  pulse jobs --group reports
  pulse jobs validate jobs.yaml   # Check a job definition file`,
	RunE: runJobs,
}

var jobsValidateCmd = &cobra.Command{
	Use:   "validate <file>...",
	Short: "Check job definition files without applying them",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runJobsValidate,
}

var listGroup string

func init() {
	JobsCmd.Flags().StringVarP(&listGroup, "group", "g", "", "Only this group")
	JobsCmd.AddCommand(jobsValidateCmd)
}

// openReadStore opens the configured store for listing.
func openReadStore() (jobstore.JobStore, func() error, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to load config")
	}
	if cfg.Store.Type == am.StoreRAM {
		return nil, nil, errors.WithHint(errors.New("the ram store only lives inside a running scheduler"),
			"query the admin API (GET /api/jobs) instead")
	}
	return scheduler.OpenStore(cfg, nil, logger.Logger)
}

func runJobs(cmd *cobra.Command, args []string) error {
	store, closeStore, err := openReadStore()
	if err != nil {
		return err
	}
	defer closeStore()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := jobRows(ctx, store, listGroup)
	if err != nil {
		return err
	}
	if len(rows) == 1 {
		pterm.Info.Println("No jobs stored")
		return nil
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

// jobRows renders one table row per job, header first.
func jobRows(ctx context.Context, store jobstore.JobStore, group string) ([][]string, error) {
	keys, err := store.GetJobKeys(ctx, group)
	if err != nil {
		return nil, err
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	rows := [][]string{{"Job", "Type", "Flags", "Triggers", "Next fire"}}
	for _, key := range keys {
		job, err := store.RetrieveJob(ctx, key)
		if err != nil {
			return nil, err
		}
		if job == nil {
			continue
		}
		triggers, err := store.GetTriggersForJob(ctx, key)
		if err != nil {
			return nil, err
		}
		var next *time.Time
		for _, t := range triggers {
			if t.NextFireTime != nil && (next == nil || t.NextFireTime.Before(*next)) {
				next = t.NextFireTime
			}
		}
		rows = append(rows, []string{
			key.String(),
			job.JobType,
			jobFlags(job),
			fmt.Sprint(len(triggers)),
			formatTime(next),
		})
	}
	return rows, nil
}

func jobFlags(job *schedule.JobDetail) string {
	var flags []string
	if job.Durable {
		flags = append(flags, "durable")
	}
	if job.RequestsRecovery {
		flags = append(flags, "recover")
	}
	if job.ConcurrentExecutionDisallowed {
		flags = append(flags, "serial")
	}
	if job.PersistJobDataAfterExecution {
		flags = append(flags, "persist")
	}
	return strings.Join(flags, ",")
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

func runJobsValidate(cmd *cobra.Command, args []string) error {
	failed := 0
	for _, path := range args {
		summary, err := validateDefinitions(path, time.Now())
		if err != nil {
			failed++
			pterm.Error.Printf("%s: %v\n", path, err)
			continue
		}
		pterm.Success.Printf("%s: %s\n", path, summary)
	}
	if failed > 0 {
		return errors.Newf("%d of %d files invalid", failed, len(args))
	}
	return nil
}

// validateDefinitions builds every calendar, job and trigger in path
// without touching a store.
func validateDefinitions(path string, now time.Time) (string, error) {
	doc, err := jobdata.ReadFile(path)
	if err != nil {
		return "", err
	}
	for i := range doc.Calendars {
		if _, err := doc.Calendars[i].BuildCalendar(); err != nil {
			return "", errors.Wrapf(err, "calendar %q", doc.Calendars[i].Name)
		}
	}
	registry := scheduler.NewJobRegistry()
	scheduler.RegisterBuiltins(registry, nil)

	triggers := 0
	for i := range doc.Jobs {
		entry := &doc.Jobs[i]
		job, err := entry.BuildJob()
		if err != nil {
			return "", err
		}
		if !registry.Has(job.JobType) {
			return "", errors.WithHint(
				errors.NewInvalidRequestError("job %s has unknown type %q", job.Key, job.JobType),
				"known types: "+strings.Join(registry.Names(), ", "))
		}
		built, err := entry.BuildTriggers(job.Key, now)
		if err != nil {
			return "", err
		}
		triggers += len(built)
	}
	return fmt.Sprintf("%d calendars, %d jobs, %d triggers", len(doc.Calendars), len(doc.Jobs), triggers), nil
}
