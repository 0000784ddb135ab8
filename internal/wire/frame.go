// Package wire defines the JSON frame shape carried over the worker-facing
// websocket transport: requests, responses, and worker-initiated events.
package wire

import (
	"encoding/json"

	"github.com/clawfleet/fleetd/internal/fleet"
)

// Frame is the wire-level envelope exchanged with a worker. Exactly one of
// the "shape" combinations below applies at a time:
//
//	request (control-plane -> worker):  ID != 0, Method != "", Params set
//	response (worker -> control-plane): ID != 0, Result or Error set
//	event (worker -> control-plane):    ID == 0, Method != ""
type Frame struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *FrameError     `json:"error,omitempty"`
}

// FrameError is the worker's error-response payload.
type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// IsRequest reports whether the frame is a request originated by the peer
// (the worker), as opposed to a response correlated to one we sent.
func (f Frame) IsRequest() bool {
	return f.ID != 0 && f.Method != ""
}

// IsEvent reports whether the frame is a worker-initiated event (no id).
func (f Frame) IsEvent() bool {
	return f.ID == 0 && f.Method != ""
}

// IsResponse reports whether the frame carries a result or error for a call
// this control-plane dispatched.
func (f Frame) IsResponse() bool {
	return f.ID != 0 && f.Method == "" && (f.Result != nil || f.Error != nil)
}

// HelloParams is the payload of the worker's first frame.
type HelloParams struct {
	Name         string     `json:"name"`
	Capabilities CapabilityWire `json:"capabilities"`
	Token        string     `json:"token,omitempty"`
}

// CapabilityWire is the wire encoding of fleet.Capability — field names match
// the worker-side JSON shape from spec.md's end-to-end scenarios
// (gpu_count, gpu_available, ...), distinct from the Go-idiomatic internal
// fleet.Capability used once decoded.
type CapabilityWire struct {
	GPUCount          int               `json:"gpu_count"`
	GPUAvailable      int               `json:"gpu_available"`
	GPUModel          string            `json:"gpu_model"`
	GPUs              []GPUWire         `json:"gpus,omitempty"`
	MemoryTotal       int64             `json:"memory_total"`
	MemoryAvailable   int64             `json:"memory_available"`
	WorkloadCount     int               `json:"workload_count"`
	Commands          []string          `json:"commands"`
	Labels            map[string]string `json:"labels,omitempty"`
}

// GPUWire is the wire encoding of a single heterogeneous GPU entry.
type GPUWire struct {
	Model       string `json:"model"`
	MemoryBytes int64  `json:"memory_bytes"`
	Available   bool   `json:"available"`
}

// WelcomeParams is the control-plane's reply to a successful hello.
type WelcomeParams struct {
	SessionID string `json:"sessionId"`
}

// Close reason codes sent on the websocket close frame.
const (
	CloseDuplicateName         = 4001
	CloseAuthFailed            = 4002
	CloseIncompatibleVersion   = 4003
)

// HealthParams is the decoded payload of a node.health response.
type HealthParams struct {
	Healthy     bool     `json:"healthy"`
	LoadAverage *float64 `json:"load_average,omitempty"`
}

// ToFleet converts the wire encoding to the domain fleet.Capability type.
func (w CapabilityWire) ToFleet() fleet.Capability {
	gpus := make([]fleet.GPUInfo, 0, len(w.GPUs))
	for _, g := range w.GPUs {
		gpus = append(gpus, fleet.GPUInfo{Model: g.Model, MemoryBytes: g.MemoryBytes, Available: g.Available})
	}
	return fleet.Capability{
		TotalGPUs:            w.GPUCount,
		AvailableGPUs:        w.GPUAvailable,
		GPUModel:             w.GPUModel,
		GPUs:                 gpus,
		TotalMemoryBytes:     w.MemoryTotal,
		AvailableMemoryBytes: w.MemoryAvailable,
		WorkloadCount:        w.WorkloadCount,
		Commands:             w.Commands,
		Labels:               w.Labels,
	}
}

// Marshal encodes v as json.RawMessage, panicking never — callers check err.
func Marshal(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}
