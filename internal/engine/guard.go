package engine

import (
	"log"
	"os"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/bemamusic/crm-engine/internal/config"
)

// Guard enforces the per-run wall-clock and memory budgets. Stages consult
// it at page boundaries; a breach checkpoints the run instead of killing the
// process.
type Guard struct {
	maxElapsed  time.Duration
	memoryLimit uint64
	threshold   float64
	proc        *process.Process
	onPressure  func()
}

// NewGuard builds a guard from the sync budgets. onPressure runs before a
// forced collection pass and is where client caches get shed; nil is fine.
func NewGuard(cfg config.SyncConfig, onPressure func()) *Guard {
	g := &Guard{
		maxElapsed:  cfg.MaxProcessing(),
		memoryLimit: cfg.MemoryLimitBytes,
		threshold:   cfg.MemoryThresholdPct,
		onPressure:  onPressure,
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		g.proc = p
	}
	return g
}

// MemoryUsage returns the resident set size in bytes, falling back to the
// Go runtime's view when the process reader is unavailable.
func (g *Guard) MemoryUsage() uint64 {
	if g != nil && g.proc != nil {
		if mi, err := g.proc.MemoryInfo(); err == nil && mi != nil {
			return mi.RSS
		}
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.Sys
}

// CanContinue reports whether the run is still inside its budgets: elapsed
// time under the processing limit and resident memory under threshold of
// the configured limit. A zero limit disables that check.
func (g *Guard) CanContinue(start time.Time) bool {
	if g == nil {
		return true
	}
	if g.maxElapsed > 0 && time.Since(start) > g.maxElapsed {
		return false
	}
	if g.memoryLimit > 0 {
		if float64(g.MemoryUsage()) > g.threshold*float64(g.memoryLimit) {
			return false
		}
	}
	return true
}

// OverTime reports whether only the wall-clock budget is exhausted. Memory
// pressure can be relieved; elapsed time cannot.
func (g *Guard) OverTime(start time.Time) bool {
	return g != nil && g.maxElapsed > 0 && time.Since(start) > g.maxElapsed
}

// ManageMemory sheds caches and forces a collection pass.
func (g *Guard) ManageMemory() {
	if g == nil {
		return
	}
	if g.onPressure != nil {
		g.onPressure()
	}
	runtime.GC()
	debug.FreeOSMemory()
	log.Printf("[ResourceGuard] memory pass complete: rss=%d bytes", g.MemoryUsage())
}
