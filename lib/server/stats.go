package server

import (
	"fmt"
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"
	"github.com/puzpuzpuz/xsync/v3"
)

// --------------------------------------------------------------------------
// Server Stats
// --------------------------------------------------------------------------

// Stats tracks the per-command and byte counters of the server. Exact counts
// back INFO-style queries; the VictoriaMetrics counters expose the same
// series for scraping.
type Stats struct {
	inbondBytes  atomic.Uint64
	outbondBytes atomic.Uint64
	totalCalls   atomic.Uint64

	calls     *xsync.MapOf[string, *atomic.Uint64]
	latencies *xsync.MapOf[string, *atomic.Uint64]
}

// NewStats creates an empty stats registry
func NewStats() *Stats {
	return &Stats{
		calls:     xsync.NewMapOf[string, *atomic.Uint64](),
		latencies: xsync.NewMapOf[string, *atomic.Uint64](),
	}
}

// IncrInbondBytes accounts bytes consumed from client connections
func (s *Stats) IncrInbondBytes(n uint64) {
	s.inbondBytes.Add(n)
	metrics.GetOrCreateCounter("quartz_net_input_bytes_total").Add(int(n))
}

// IncrOutbondBytes accounts bytes written to client connections
func (s *Stats) IncrOutbondBytes(n uint64) {
	s.outbondBytes.Add(n)
	metrics.GetOrCreateCounter("quartz_net_output_bytes_total").Add(int(n))
}

// IncrCalls bumps the call counter of one command
func (s *Stats) IncrCalls(cmd string) {
	s.totalCalls.Add(1)
	counter, _ := s.calls.LoadOrStore(cmd, &atomic.Uint64{})
	counter.Add(1)
	metrics.GetOrCreateCounter(fmt.Sprintf(`quartz_commands_total{cmd=%q}`, cmd)).Inc()
}

// IncrLatency accounts one command execution duration in microseconds
func (s *Stats) IncrLatency(durationUS uint64, cmd string) {
	latency, _ := s.latencies.LoadOrStore(cmd, &atomic.Uint64{})
	latency.Add(durationUS)
	metrics.GetOrCreateSummary(fmt.Sprintf(`quartz_command_latency_us{cmd=%q}`, cmd)).Update(float64(durationUS))
}

// Calls returns the exact call count of one command
func (s *Stats) Calls(cmd string) uint64 {
	counter, ok := s.calls.Load(cmd)
	if !ok {
		return 0
	}
	return counter.Load()
}

// TotalCalls returns the number of commands processed
func (s *Stats) TotalCalls() uint64 {
	return s.totalCalls.Load()
}

// InbondBytes returns the total bytes consumed from clients
func (s *Stats) InbondBytes() uint64 {
	return s.inbondBytes.Load()
}

// OutbondBytes returns the total bytes written to clients
func (s *Stats) OutbondBytes() uint64 {
	return s.outbondBytes.Load()
}

// LatencyUS returns the accumulated execution time of one command
func (s *Stats) LatencyUS(cmd string) uint64 {
	latency, ok := s.latencies.Load(cmd)
	if !ok {
		return 0
	}
	return latency.Load()
}
