package commands

import (
	"context"
	"fmt"
	"sort"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/pulse/jobstore"
	"github.com/teranos/pulse/schedule"
	"github.com/teranos/pulse/sym"
)

// TriggersCmd lists stored triggers
var TriggersCmd = &cobra.Command{
	Use:   "triggers",
	Short: sym.Pulse + " List stored triggers",
	Long: sym.Pulse + ` triggers — List the triggers in the configured job store

Examples:
  pulse triggers
  pulse triggers --group reports`,
	RunE: runTriggers,
}

func init() {
	TriggersCmd.Flags().StringVarP(&listGroup, "group", "g", "", "Only this group")
}

func runTriggers(cmd *cobra.Command, args []string) error {
	store, closeStore, err := openReadStore()
	if err != nil {
		return err
	}
	defer closeStore()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := triggerRows(ctx, store, listGroup)
	if err != nil {
		return err
	}
	if len(rows) == 1 {
		pterm.Info.Println("No triggers stored")
		return nil
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

// triggerRows renders one table row per trigger, header first, ordered by
// next fire time.
func triggerRows(ctx context.Context, store jobstore.JobStore, group string) ([][]string, error) {
	keys, err := store.GetTriggerKeys(ctx, group)
	if err != nil {
		return nil, err
	}

	type entry struct {
		t     *schedule.Trigger
		state schedule.TriggerState
	}
	entries := make([]entry, 0, len(keys))
	for _, key := range keys {
		t, err := store.RetrieveTrigger(ctx, key)
		if err != nil {
			return nil, err
		}
		if t == nil {
			continue
		}
		state, err := store.GetTriggerState(ctx, key)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry{t, state})
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i].t.NextFireTime, entries[j].t.NextFireTime
		switch {
		case a == nil && b == nil:
			return entries[i].t.Key.String() < entries[j].t.Key.String()
		case a == nil:
			return false
		case b == nil:
			return true
		}
		return a.Before(*b)
	})

	rows := [][]string{{"Trigger", "Job", "Kind", "State", "Next fire", "Fired", "Calendar"}}
	for _, e := range entries {
		cal := e.t.CalendarName
		if cal == "" {
			cal = "-"
		}
		rows = append(rows, []string{
			e.t.Key.String(),
			e.t.JobKey.String(),
			string(e.t.Schedule.Kind()),
			string(e.state),
			formatTime(e.t.NextFireTime),
			fmt.Sprint(e.t.TimesTriggered),
			cal,
		})
	}
	return rows, nil
}
