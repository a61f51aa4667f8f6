// Package health reports process and host resource metrics for the
// admin metrics endpoint, the same gopsutil-based snapshot shape the
// teacher's monitoring surface uses.
package health

import (
	"context"
	"database/sql"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot is one point-in-time resource reading.
type Snapshot struct {
	Timestamp      time.Time      `json:"timestamp"`
	HostMemUsedPct float64        `json:"host_mem_used_pct"`
	HostCPUPct     float64        `json:"host_cpu_pct"`
	QueueDepth     map[string]int `json:"queue_depth_by_status"`
}

// Collect gathers a Snapshot. A gopsutil read that fails is left at
// its zero value rather than failing the whole endpoint; an operator
// checking /admin/metrics cares more about queue depth than a single
// missing gauge.
func Collect(ctx context.Context, db *sql.DB) Snapshot {
	snap := Snapshot{Timestamp: time.Now(), QueueDepth: map[string]int{}}

	if pcts, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(pcts) > 0 {
		snap.HostCPUPct = pcts[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
		snap.HostMemUsedPct = vm.UsedPercent
	}

	if db != nil {
		rows, err := db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
		if err == nil {
			defer rows.Close()
			for rows.Next() {
				var status string
				var n int
				if rows.Scan(&status, &n) == nil {
					snap.QueueDepth[status] = n
				}
			}
		}
	}

	return snap
}
