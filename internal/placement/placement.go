// Package placement converts a workload requirement into a dispatched
// workload.run on exactly one worker, per §4.5: filter candidates, score
// them, dispatch with bounded fallback. Grounded on the teacher's
// scheduler.Scheduler dispatch-with-fallback pattern
// (server/internal/scheduler/scheduler.go), generalized from gocron-driven
// periodic dispatch to a synchronous admin-triggered call.
package placement

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/clawfleet/fleetd/internal/apierrors"
	"github.com/clawfleet/fleetd/internal/audit"
	"github.com/clawfleet/fleetd/internal/fleet"
	"github.com/clawfleet/fleetd/internal/registry"
	"github.com/clawfleet/fleetd/internal/session"
)

// maxFallbacks bounds how many additional candidates Dispatch tries after
// the first choice fails with a non-timeout, non-session-loss error.
const maxFallbacks = 2

// maxSelectionRetries bounds how many times Dispatch restarts candidate
// selection from scratch after the chosen worker's session is lost between
// selection and send.
const maxSelectionRetries = 2

const miB = 1 << 20

// Requirement is the input to Dispatch (§4.5).
type Requirement struct {
	Image                string
	GPUs                 int
	Memory               int64
	Env                  map[string]string
	Command              []string
	GPUModelPreference   string
	PreferredWorkerName  string
}

// Result is returned by a successful Dispatch.
type Result struct {
	WorkerName          string `json:"node"`
	WorkloadID          string `json:"workloadId"`
	CandidatesEvaluated int    `json:"candidatesEvaluated"`
}

type workloadRunParams struct {
	Image   string            `json:"image"`
	Memory  int64             `json:"memory,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Command []string          `json:"command,omitempty"`
}

type workloadRunResult struct {
	WorkloadID string `json:"workloadId"`
}

// Placement is the score-and-dispatch engine. The zero value is not usable —
// construct with New.
type Placement struct {
	reg       *registry.Registry
	auditSink audit.Sink
	log       *zap.Logger
}

// New constructs a Placement engine over reg.
func New(reg *registry.Registry, auditSink audit.Sink, log *zap.Logger) *Placement {
	return &Placement{reg: reg, auditSink: auditSink, log: log.Named("placement")}
}

type candidate struct {
	name  string
	score int64
}

// Dispatch selects the best-scoring Ready worker satisfying req and sends it
// a workload.run, falling back to the next candidate on non-fatal dispatch
// failure and retrying selection from scratch on session loss.
func (p *Placement) Dispatch(ctx context.Context, req Requirement, deadline time.Time) (*Result, *apierrors.Error) {
	if req.GPUs < 1 {
		return nil, apierrors.New(apierrors.KindInvalidRequest, "gpus must be >= 1")
	}
	if req.Image == "" {
		return nil, apierrors.New(apierrors.KindInvalidRequest, "image is required")
	}

	for attempt := 0; attempt <= maxSelectionRetries; attempt++ {
		candidates, firstFail := p.filterAndScore(req)
		if len(candidates) == 0 {
			return nil, apierrors.New(apierrors.KindNoCapacity, "no worker satisfies the requirement").WithDetails(toDetails(firstFail))
		}

		result, apiErr, retrySelection := p.attemptDispatch(ctx, candidates, req, deadline)
		if !retrySelection {
			return result, apiErr
		}
		p.log.Info("retrying placement selection after session loss", zap.Int("attempt", attempt+1))
	}

	return nil, apierrors.New(apierrors.KindPlacementExhausted, "candidate sessions kept dropping during dispatch")
}

// attemptDispatch tries candidates in score order, falling back up to
// maxFallbacks times on non-fatal failure. retrySelection is true only when
// the chosen session was lost between selection and send — the caller should
// re-filter and re-score rather than keep walking this (now stale) list.
func (p *Placement) attemptDispatch(ctx context.Context, candidates []candidate, req Requirement, deadline time.Time) (result *Result, apiErr *apierrors.Error, retrySelection bool) {
	fallbacksUsed := 0

	for i := 0; i < len(candidates); i++ {
		if fallbacksUsed > maxFallbacks {
			break
		}
		c := candidates[i]

		sess, ok := p.reg.Lookup(c.name)
		if !ok || sess.State() != session.Ready {
			return nil, nil, true
		}

		params := workloadRunParams{Image: req.Image, Memory: req.Memory, Env: req.Env, Command: req.Command}
		res := sess.Invoke(ctx, "workload.run", params, deadline)

		if res.Err == nil {
			var out workloadRunResult
			if err := json.Unmarshal(res.Payload, &out); err != nil {
				p.audit("placement.selected", c.name, audit.OutcomeError, fmt.Sprintf("malformed workload.run result: %v", err), nil)
				fallbacksUsed++
				continue
			}
			p.audit("placement.selected", c.name, audit.OutcomeSuccess, "", map[string]any{"candidates_evaluated": len(candidates)})
			return &Result{WorkerName: c.name, WorkloadID: out.WorkloadID, CandidatesEvaluated: len(candidates)}, nil, false
		}

		switch res.Err.Kind {
		case apierrors.KindSessionLost:
			return nil, nil, true
		case apierrors.KindTimeout:
			// Do not fall back: the worker may have actually accepted the
			// workload, and retrying risks a double-start (§4.5).
			p.audit("placement.exhausted", c.name, audit.OutcomeError, "dispatch timed out, not retried", nil)
			return nil, res.Err, false
		default:
			fallbacksUsed++
			continue
		}
	}

	p.audit("placement.exhausted", "", audit.OutcomeError, "all candidates failed dispatch", map[string]any{"candidates_evaluated": len(candidates)})
	return nil, apierrors.New(apierrors.KindPlacementExhausted, "all candidates failed dispatch"), false
}

func (p *Placement) filterAndScore(req Requirement) ([]candidate, map[string]string) {
	views := p.reg.List()
	firstFail := make(map[string]string)
	var candidates []candidate

	for _, v := range views {
		if v.State != session.Ready {
			firstFail[v.Identity.Name] = "not ready"
			continue
		}
		if !v.Health.Healthy {
			firstFail[v.Identity.Name] = "unhealthy"
			continue
		}
		if v.Capability.AvailableGPUs < req.GPUs {
			firstFail[v.Identity.Name] = "insufficient available gpus"
			continue
		}
		if !v.Capability.SupportsCommand("workload.run") {
			firstFail[v.Identity.Name] = "does not advertise workload.run"
			continue
		}
		if req.GPUModelPreference != "" && !matchesGPUModelPreference(v.Capability, req.GPUModelPreference) {
			firstFail[v.Identity.Name] = "gpu model does not match preference"
			continue
		}

		score := scoreCandidate(v.Identity.Name, v.Capability, req.PreferredWorkerName)
		candidates = append(candidates, candidate{name: v.Identity.Name, score: score})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].name < candidates[j].name
	})

	return candidates, firstFail
}

func scoreCandidate(name string, capa fleet.Capability, preferredWorkerName string) int64 {
	score := int64(capa.AvailableGPUs)*100 + capa.AvailableMemoryBytes/miB - int64(capa.WorkloadCount)*50
	if preferredWorkerName != "" && name == preferredWorkerName {
		score += 10_000
	}
	return score
}

func matchesGPUModelPreference(capa fleet.Capability, pref string) bool {
	pref = strings.ToLower(pref)
	if len(capa.GPUs) > 0 {
		for _, g := range capa.GPUs {
			if strings.Contains(strings.ToLower(g.Model), pref) {
				return true
			}
		}
		return false
	}
	return strings.Contains(strings.ToLower(capa.GPUModel), pref)
}

func toDetails(firstFail map[string]string) map[string]any {
	details := make(map[string]any, len(firstFail))
	for k, v := range firstFail {
		details[k] = v
	}
	return details
}

func (p *Placement) audit(action, resource string, outcome audit.Outcome, reason string, details map[string]any) {
	if p.auditSink == nil {
		return
	}
	p.auditSink.Record(audit.Entry{Action: action, Resource: resource, Outcome: outcome, Reason: reason, Details: details})
}
