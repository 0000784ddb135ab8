// Package fleet holds the data model shared by the registry, invoker,
// placement and monitor components: worker identity, advertised capability,
// health samples, and the monitor's cached fleet snapshot.
package fleet

import "time"

// WorkerIdentity names a worker and its connection metadata. Name is
// fleet-unique at any instant; SessionID is freshly assigned on each connect.
type WorkerIdentity struct {
	Name        string
	SessionID   string
	ConnectedAt time.Time
	Address     string
}

// GPUInfo describes a single GPU when a worker reports a heterogeneous mix
// via the dedicated gpus probe field. Scoring ignores this array unless a
// gpu-model-preference filter is in effect.
type GPUInfo struct {
	Model     string
	MemoryBytes int64
	Available bool
}

// Capability is produced by the worker at handshake and refreshed on every
// node.capabilities probe.
type Capability struct {
	TotalGPUs           int
	AvailableGPUs       int
	GPUModel            string
	GPUs                []GPUInfo
	TotalMemoryBytes    int64
	AvailableMemoryBytes int64
	WorkloadCount       int
	Commands            []string
	Labels              map[string]string
}

// SupportsCommand reports whether method is in the advertised command set.
func (c Capability) SupportsCommand(method string) bool {
	for _, m := range c.Commands {
		if m == method {
			return true
		}
	}
	return false
}

// HealthSample is produced by node.health. ConsecutiveFailures is maintained
// by the Monitor, never reported by the worker itself.
type HealthSample struct {
	Healthy             bool
	At                  time.Time
	LoadAverage         *float64
	ConsecutiveFailures int
}

// StateTransition records one worker health-state change observed by the
// Monitor, kept in a bounded ring for FleetSnapshot.
type StateTransition struct {
	Worker string
	From   string
	To     string
	At     time.Time
}

// FleetSnapshot is the Monitor's cached aggregate view. Read-only; consumers
// may observe a snapshot up to monitor_interval+probe_timeout old.
type FleetSnapshot struct {
	Timestamp          time.Time
	ConnectedWorkers   int
	HealthyWorkers     int
	UnhealthyWorkers   int
	TotalGPUs          int
	AvailableGPUs      int
	TotalMemoryBytes   int64
	AvailableMemoryBytes int64
	RecentTransitions  []StateTransition
}
