package engine

import (
	"fmt"
	"time"
)

// --------------------------------------------------------------------------
// Perf Contexts
// --------------------------------------------------------------------------

// perfSnapshot is a point-in-time view of the engine's operation counters
type perfSnapshot struct {
	gets        uint64
	writes      uint64
	iters       uint64
	flushes     uint64
	compactions uint64
}

func (s *Storage) perfSnapshotNow() perfSnapshot {
	return perfSnapshot{
		gets:        s.perfGets.Load(),
		writes:      s.perfWrites.Load(),
		iters:       s.perfIters.Load(),
		flushes:     s.flushCount.Load(),
		compactions: s.compactionCount.Load(),
	}
}

// PerfContext samples the engine activity between its creation and Capture.
// A command that issued no engine operation captures an empty perf context,
// which the profiler drops.
type PerfContext struct {
	storage *Storage
	start   perfSnapshot
	started time.Time
}

// StartPerfContext begins a perf sample
func (s *Storage) StartPerfContext() *PerfContext {
	return &PerfContext{
		storage: s,
		start:   s.perfSnapshotNow(),
		started: time.Now(),
	}
}

// Capture finishes the sample and renders the perf and iostats contexts.
// The perf context is empty when no engine operation ran in the window.
func (p *PerfContext) Capture() (perfContext, iostatsContext string) {
	end := p.storage.perfSnapshotNow()
	gets := end.gets - p.start.gets
	writes := end.writes - p.start.writes
	iters := end.iters - p.start.iters
	if gets == 0 && writes == 0 && iters == 0 {
		return "", ""
	}
	perfContext = fmt.Sprintf("user_key_comparison_window = %s, get_count = %d, write_count = %d, iter_count = %d",
		time.Since(p.started), gets, writes, iters)
	iostatsContext = fmt.Sprintf("flush_count = %d, compaction_count = %d, total_sst_size = %d",
		end.flushes-p.start.flushes, end.compactions-p.start.compactions, p.storage.GetTotalSize())
	return perfContext, iostatsContext
}
