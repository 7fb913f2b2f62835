package commands

import (
	"fmt"

	"github.com/pterm/pterm"

	"github.com/teranos/pulse/am"
	"github.com/teranos/pulse/scheduler"
	"github.com/teranos/pulse/server"
	"github.com/teranos/pulse/sym"
	"github.com/teranos/pulse/version"
)

// printStartupBanner prints the user-friendly startup summary. JSON logging
// means a machine reads stdout, so nothing is printed.
func printStartupBanner(cfg *am.Config, sched *scheduler.Scheduler, srv *server.Server) {
	if jsonLog {
		return
	}
	info := version.Get()
	md := sched.MetaData()

	pterm.DefaultHeader.WithFullWidth().Printf("%s pulse %s", sym.Pulse, info.Version)

	store := cfg.Store.Type
	if cfg.Store.Type != am.StoreRAM {
		store = fmt.Sprintf("%s (%s)", cfg.Store.Type, cfg.Store.DSN)
	}
	rows := [][]string{
		{"Scheduler", md.SchedulerName},
		{"Instance", md.InstanceID},
		{"Commit", info.Short()},
		{"Store", store},
		{"Clustered", fmt.Sprint(md.Clustered)},
		{"Threads", fmt.Sprint(md.ThreadPoolSize)},
	}
	if cfg.Cluster.NATSURL != "" {
		rows = append(rows, []string{"Wake bus", cfg.Cluster.NATSURL})
	}
	if srv != nil {
		rows = append(rows, []string{"Admin", "http://" + srv.Addr()})
	}
	if len(cfg.JobData.Files) > 0 {
		rows = append(rows, []string{"Job files", fmt.Sprint(len(cfg.JobData.Files))})
	}
	_ = pterm.DefaultTable.WithData(rows).Render()

	pterm.Println()
	pterm.Info.Println("Press Ctrl+C for graceful shutdown")
	pterm.Println()
}
