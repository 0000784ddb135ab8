// Package monitor runs the periodic fleet-wide health probe described in
// §4.6: every monitor-interval, it invokes node.health and node.capabilities
// on each registered worker in parallel, updates the Registry, tracks
// state-transitions in a bounded ring, and caches a FleetSnapshot that admin
// callers read under a short read lock, never waiting on a live probe. Grounded on the teacher's gocron-based
// scheduler.Scheduler (server/internal/scheduler/scheduler.go) — singleton
// mode job, reschedule-on-overlap — generalized from one gocron job per
// backup policy to one job covering the whole fleet.
package monitor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/clawfleet/fleetd/internal/audit"
	"github.com/clawfleet/fleetd/internal/fleet"
	"github.com/clawfleet/fleetd/internal/registry"
	"github.com/clawfleet/fleetd/internal/wire"
)

// DefaultRingSize bounds the recent-transitions list kept in FleetSnapshot.
const DefaultRingSize = 50

// Config configures probe cadence and timeouts.
type Config struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
	RingSize     int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = c.Interval / 2
	}
	if c.RingSize <= 0 {
		c.RingSize = DefaultRingSize
	}
	return c
}

// Monitor owns the fleet-health probe loop and snapshot cache. The zero
// value is not usable — construct with New.
type Monitor struct {
	cron      gocron.Scheduler
	reg       *registry.Registry
	auditSink audit.Sink
	log       *zap.Logger
	cfg       Config

	mu          sync.RWMutex
	snapshot    fleet.FleetSnapshot
	transitions []fleet.StateTransition
	prevHealthy map[string]bool
	failures    map[string]int
}

// New constructs a Monitor over reg. Call Start to begin probing.
func New(reg *registry.Registry, auditSink audit.Sink, cfg Config, log *zap.Logger) (*Monitor, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	return &Monitor{
		cron:        cron,
		reg:         reg,
		auditSink:   auditSink,
		log:         log.Named("monitor"),
		cfg:         cfg.withDefaults(),
		prevHealthy: make(map[string]bool),
		failures:    make(map[string]int),
	}, nil
}

// Start schedules the probe loop (singleton mode: a tick that is still
// running when the next one fires is rescheduled rather than overlapped)
// and starts the underlying gocron scheduler.
func (m *Monitor) Start(ctx context.Context) error {
	_, err := m.cron.NewJob(
		gocron.DurationJob(m.cfg.Interval),
		gocron.NewTask(func() { m.tick(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return err
	}
	m.cron.Start()
	m.log.Info("monitor started", zap.Duration("interval", m.cfg.Interval))
	return nil
}

// Stop gracefully shuts down the probe loop, waiting for an in-flight tick
// to finish.
func (m *Monitor) Stop() error {
	return m.cron.Shutdown()
}

// Snapshot returns the most recently cached FleetSnapshot.
func (m *Monitor) Snapshot() fleet.FleetSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

type probeOutcome struct {
	name    string
	healthy bool
	load    *float64
	cap     fleet.Capability
	probed  bool
}

// tick runs one probe pass: snapshot names (cheap; Registry's read lock is
// held only while copying them — §9's "Monitor independence"), probe each in parallel,
// update the Registry, and refresh transitions + snapshot.
func (m *Monitor) tick(ctx context.Context) {
	names := m.reg.Names()

	results := make([]probeOutcome, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			results[i] = m.probe(ctx, name)
		}(i, name)
	}
	wg.Wait()

	seen := make(map[string]bool, len(results))
	var totalGPUs, availGPUs int
	var totalMem, availMem int64
	healthyCount, unhealthyCount := 0, 0

	m.mu.Lock()
	for _, r := range results {
		seen[r.name] = true

		healthy := r.probed && r.healthy
		failures := 0
		if r.probed && r.healthy {
			failures = 0
		} else {
			failures = m.failures[r.name] + 1
		}
		m.failures[r.name] = failures

		sample := fleet.HealthSample{Healthy: healthy, At: time.Now(), LoadAverage: r.load, ConsecutiveFailures: failures}
		m.reg.UpdateHealth(r.name, sample)
		if r.probed {
			m.reg.UpdateCapability(r.name, r.cap)
			totalGPUs += r.cap.TotalGPUs
			availGPUs += r.cap.AvailableGPUs
			totalMem += r.cap.TotalMemoryBytes
			availMem += r.cap.AvailableMemoryBytes
		}

		m.recordTransitionLocked(r.name, healthy)

		if healthy {
			healthyCount++
		} else {
			unhealthyCount++
		}
	}

	// Disappearances: present in the previous pass, absent now.
	for name, wasHealthy := range m.prevHealthy {
		if seen[name] {
			continue
		}
		if wasHealthy {
			m.appendTransitionLocked(fleet.StateTransition{Worker: name, From: "healthy", To: "disconnected", At: time.Now()})
		}
		delete(m.prevHealthy, name)
		delete(m.failures, name)
	}

	m.snapshot = fleet.FleetSnapshot{
		Timestamp:            time.Now(),
		ConnectedWorkers:     len(results),
		HealthyWorkers:       healthyCount,
		UnhealthyWorkers:     unhealthyCount,
		TotalGPUs:            totalGPUs,
		AvailableGPUs:        availGPUs,
		TotalMemoryBytes:     totalMem,
		AvailableMemoryBytes: availMem,
		RecentTransitions:    append([]fleet.StateTransition(nil), m.transitions...),
	}
	m.mu.Unlock()
}

// recordTransitionLocked compares the worker's previous healthy flag to the
// current one and appends a transition if it changed. Caller holds m.mu.
func (m *Monitor) recordTransitionLocked(name string, healthy bool) {
	prev, known := m.prevHealthy[name]
	m.prevHealthy[name] = healthy
	if !known || prev == healthy {
		return
	}
	from, to := "unhealthy", "healthy"
	if !healthy {
		from, to = "healthy", "unhealthy"
	}
	m.appendTransitionLocked(fleet.StateTransition{Worker: name, From: from, To: to, At: time.Now()})
}

func (m *Monitor) appendTransitionLocked(t fleet.StateTransition) {
	m.transitions = append(m.transitions, t)
	if len(m.transitions) > m.cfg.RingSize {
		m.transitions = m.transitions[len(m.transitions)-m.cfg.RingSize:]
	}
}

func (m *Monitor) probe(ctx context.Context, name string) probeOutcome {
	sess, ok := m.reg.Lookup(name)
	if !ok {
		return probeOutcome{name: name}
	}

	deadline := time.Now().Add(m.cfg.ProbeTimeout)

	healthRes := sess.Invoke(ctx, "node.health", struct{}{}, deadline)
	capRes := sess.Invoke(ctx, "node.capabilities", struct{}{}, deadline)

	if healthRes.Err != nil || capRes.Err != nil {
		return probeOutcome{name: name}
	}

	var health wire.HealthParams
	if err := json.Unmarshal(healthRes.Payload, &health); err != nil {
		return probeOutcome{name: name}
	}
	var capWire wire.CapabilityWire
	if err := json.Unmarshal(capRes.Payload, &capWire); err != nil {
		return probeOutcome{name: name}
	}

	return probeOutcome{name: name, healthy: health.Healthy, load: health.LoadAverage, cap: capWire.ToFleet(), probed: true}
}
