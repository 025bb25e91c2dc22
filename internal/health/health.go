// Package health implements HealthAndRecovery: a component-status map,
// periodic resource sampling, and a recovery pass on process start that
// scans pending ledger rows and restores kill-switch state.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/tradecore/internal/botrun"
	"github.com/aristath/tradecore/internal/events"
	"github.com/aristath/tradecore/internal/risk"
	"github.com/aristath/tradecore/internal/store"
)

// Status is a component's health classification.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusError    Status = "error"
)

// ResourceSample is one CPU/memory reading.
type ResourceSample struct {
	CPUPercent float64
	MemPercent float64
	SampledAt  time.Time
}

// Monitor tracks per-component health, samples process resource usage, and
// performs recovery-on-start.
type Monitor struct {
	bus *events.Manager
	st  store.Store
	log zerolog.Logger

	mu         sync.RWMutex
	components map[string]Status
	lastSample ResourceSample

	cpuWarnPct float64
	memWarnPct float64
}

// Config tunes resource-warning thresholds.
type Config struct {
	CPUWarnPercent float64
	MemWarnPercent float64
}

// New builds a Monitor.
func New(bus *events.Manager, st store.Store, cfg Config, log zerolog.Logger) *Monitor {
	if cfg.CPUWarnPercent == 0 {
		cfg.CPUWarnPercent = 85
	}
	if cfg.MemWarnPercent == 0 {
		cfg.MemWarnPercent = 90
	}
	return &Monitor{
		bus:        bus,
		st:         st,
		log:        log.With().Str("component", "health").Logger(),
		components: make(map[string]Status),
		cpuWarnPct: cfg.CPUWarnPercent,
		memWarnPct: cfg.MemWarnPercent,
	}
}

// SetStatus records a component's health status, publishing a domain event
// only on transition.
func (m *Monitor) SetStatus(component string, status Status) {
	m.mu.Lock()
	prev, existed := m.components[component]
	m.components[component] = status
	m.mu.Unlock()
	if !existed || prev != status {
		m.bus.Publish(&events.ComponentStatusData{Component: component, Status: string(status)})
		m.log.Info().Str("component_name", component).Str("status", string(status)).Msg("component status changed")
	}
}

// Status returns a component's last-recorded status, or StatusOK if never set.
func (m *Monitor) Status(component string) Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.components[component]; ok {
		return s
	}
	return StatusOK
}

// Snapshot returns every tracked component's current status.
func (m *Monitor) Snapshot() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Status, len(m.components))
	for k, v := range m.components {
		out[k] = v
	}
	return out
}

// SampleResources reads current CPU and memory usage and opens or clears
// the "resources" component's circuit based on the configured thresholds.
func (m *Monitor) SampleResources() ResourceSample {
	cpuPct, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		m.log.Warn().Err(err).Msg("cpu sample failed")
		cpuPct = []float64{0}
	}
	memStat, err := mem.VirtualMemory()
	memPct := 0.0
	if err != nil {
		m.log.Warn().Err(err).Msg("memory sample failed")
	} else {
		memPct = memStat.UsedPercent
	}
	cpuAvg := 0.0
	if len(cpuPct) > 0 {
		cpuAvg = cpuPct[0]
	}

	sample := ResourceSample{CPUPercent: cpuAvg, MemPercent: memPct, SampledAt: time.Now()}
	m.mu.Lock()
	m.lastSample = sample
	m.mu.Unlock()

	if cpuAvg > m.cpuWarnPct || memPct > m.memWarnPct {
		m.SetStatus("resources", StatusDegraded)
	} else {
		m.SetStatus("resources", StatusOK)
	}
	return sample
}

// LastSample returns the most recent resource reading.
func (m *Monitor) LastSample() ResourceSample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastSample
}

// RunResourceSampler samples on the given interval until ctx is cancelled.
func (m *Monitor) RunResourceSampler(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SampleResources()
		}
	}
}

// RecoverOnStart loads the pending execution-ledger rows and logs how many
// there are, then restores kill-switch state fail-closed via RiskManager.
// It does not settle or replay those rows; settlement.Reconciler.Recover
// reconciles unsettled contracts.
func (m *Monitor) RecoverOnStart(ctx context.Context, riskMgr *risk.Manager, accountIDs []string) error {
	m.SetStatus("recovery", StatusDegraded)
	pending, err := m.st.LoadExecutionLedger(ctx, botrun.LedgerPending)
	if err != nil {
		m.SetStatus("recovery", StatusError)
		return err
	}
	m.log.Info().Int("pending_rows", len(pending)).Msg("execution ledger recovery scan complete")

	if err := riskMgr.RestoreFromStore(ctx, accountIDs); err != nil {
		m.SetStatus("recovery", StatusError)
		return err
	}
	m.SetStatus("recovery", StatusOK)
	return nil
}
