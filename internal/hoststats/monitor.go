// Package hoststats periodically samples host resource usage for
// inclusion in the orchestrator's background stats reporting.
//
// Grounded on the teacher's SystemMonitor (internal/agent/monitor.go):
// same gopsutil-backed periodic sampler with a read-locked snapshot
// accessor, trimmed to the metrics relevant to a network-bound client
// process (CPU, memory, load) and dropping disk usage, which the
// teacher collected for a local backup agent writing to disk.
package hoststats

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot holds the most recently collected host metrics.
type Snapshot struct {
	CPUPercent    float64
	MemoryPercent float64
	LoadAverage   float64
}

const sampleInterval = 15 * time.Second

// HostMonitor collects host metrics periodically in the background.
type HostMonitor struct {
	logger *slog.Logger
	stop   chan struct{}
	wg     sync.WaitGroup

	mu   sync.RWMutex
	snap Snapshot
}

// New creates a HostMonitor. Call Start to begin sampling.
func New(logger *slog.Logger) *HostMonitor {
	return &HostMonitor{
		logger: logger.With("component", "hoststats"),
	}
}

// Start begins periodic sampling in the background. Safe to call again
// after Stop: each Start/Stop cycle gets its own stop channel so a
// session can be reopened on the same HostMonitor (spec §8 re-open/close
// cycles).
func (m *HostMonitor) Start() {
	m.mu.Lock()
	stop := make(chan struct{})
	m.stop = stop
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(stop)
}

// Stop halts sampling and waits for the background goroutine to exit.
func (m *HostMonitor) Stop() {
	m.mu.Lock()
	stop := m.stop
	m.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	m.wg.Wait()
}

// Stats returns the most recently collected snapshot.
func (m *HostMonitor) Stats() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

func (m *HostMonitor) run(stop <-chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()

	m.collect()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.collect()
		}
	}
}

func (m *HostMonitor) collect() {
	var snap Snapshot

	if percentages, err := cpu.Percent(0, false); err == nil && len(percentages) > 0 {
		snap.CPUPercent = percentages[0]
	} else {
		m.logger.Debug("failed to collect cpu stats", "error", err)
	}

	if v, err := mem.VirtualMemory(); err == nil {
		snap.MemoryPercent = v.UsedPercent
	} else {
		m.logger.Debug("failed to collect memory stats", "error", err)
	}

	if l, err := load.Avg(); err == nil {
		snap.LoadAverage = l.Load1
	} else {
		m.logger.Debug("failed to collect load stats", "error", err)
	}

	m.mu.Lock()
	m.snap = snap
	m.mu.Unlock()
}
