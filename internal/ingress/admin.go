package ingress

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/clawfleet/fleetd/internal/apierrors"
	"github.com/clawfleet/fleetd/internal/invoker"
	"github.com/clawfleet/fleetd/internal/placement"
)

// Each admin RPC has its own request shape (§6); all are wrapped the same
// way: {"params": {...}} in the POST body.

type fleetStatusRequest struct {
	Params struct {
		Filter string `json:"filter"`
	} `json:"params"`
}

func (s *Server) handleFleetStatus(w http.ResponseWriter, r *http.Request) {
	var req fleetStatusRequest
	if r.ContentLength != 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}

	snap := s.monitor.Snapshot()
	if req.Params.Filter != "" {
		// Filter semantics mirror gpu-model-preference: case-insensitive
		// substring match, applied here over recent transition worker names.
		filtered := snap.RecentTransitions[:0:0]
		for _, t := range snap.RecentTransitions {
			if strings.Contains(strings.ToLower(t.Worker), strings.ToLower(req.Params.Filter)) {
				filtered = append(filtered, t)
			}
		}
		snap.RecentTransitions = filtered
	}
	writeResult(w, snap)
}

type nodeListEntry struct {
	Name        string    `json:"name"`
	SessionID   string    `json:"sessionId"`
	ConnectedAt time.Time `json:"connectedAt"`
}

func (s *Server) handleNodesList(w http.ResponseWriter, r *http.Request) {
	views := s.registry.List()
	out := make([]nodeListEntry, 0, len(views))
	for _, v := range views {
		out = append(out, nodeListEntry{Name: v.Identity.Name, SessionID: v.Identity.SessionID, ConnectedAt: v.Identity.ConnectedAt})
	}
	writeResult(w, out)
}

type nodesInvokeRequest struct {
	Params struct {
		Name    string `json:"name"`
		Command string `json:"command"`
		Params  any    `json:"params"`
	} `json:"params"`
}

func (s *Server) handleNodesInvoke(w http.ResponseWriter, r *http.Request) {
	var req nodesInvokeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Params.Name == "" || req.Params.Command == "" {
		writeError(w, apierrors.New(apierrors.KindInvalidRequest, "name and command are required"))
		return
	}

	sess, ok := s.registry.Lookup(req.Params.Name)
	if !ok {
		writeError(w, apierrors.New(apierrors.KindNotFound, "worker %q is not connected", req.Params.Name))
		return
	}

	deadline := time.Now().Add(s.rpcDefaultTimeout)
	res := sess.Invoke(r.Context(), req.Params.Command, req.Params.Params, deadline)
	writeInvokeResult(w, res)
}

type nodesInvokeAllRequest struct {
	Params struct {
		Names   []string `json:"names"`
		Command string   `json:"command"`
		Params  any      `json:"params"`
	} `json:"params"`
}

func (s *Server) handleNodesInvokeAll(w http.ResponseWriter, r *http.Request) {
	var req nodesInvokeAllRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Params.Command == "" {
		writeError(w, apierrors.New(apierrors.KindInvalidRequest, "command is required"))
		return
	}

	names := req.Params.Names
	if len(names) == 0 {
		for _, v := range s.registry.List() {
			names = append(names, v.Identity.Name)
		}
	}

	targets := make(map[string]invoker.Caller, len(names))
	for _, name := range names {
		if sess, ok := s.registry.Lookup(name); ok {
			targets[name] = sess
		}
	}

	deadline := time.Now().Add(s.rpcDefaultTimeout)
	results := invoker.InvokeAll(r.Context(), targets, req.Params.Command, req.Params.Params, deadline)

	out := make(map[string]any, len(results))
	for name, res := range results {
		if res.Err != nil {
			out[name] = res.Err.AsResponse()
			continue
		}
		out[name] = rawResult(res.Payload)
	}
	writeResult(w, out)
}

type deployRequest struct {
	Params struct {
		Image              string            `json:"image"`
		GPUs               int               `json:"gpus"`
		Memory             int64             `json:"memory"`
		Env                map[string]string `json:"env"`
		Command            []string          `json:"command"`
		PreferredNode      string            `json:"preferredNode"`
		GPUModelPreference string            `json:"gpuModelPreference"`
	} `json:"params"`
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	deadline := time.Now().Add(s.rpcDefaultTimeout)
	result, apiErr := s.placement.Dispatch(r.Context(), placement.Requirement{
		Image:               req.Params.Image,
		GPUs:                req.Params.GPUs,
		Memory:              req.Params.Memory,
		Env:                 req.Params.Env,
		Command:             req.Params.Command,
		GPUModelPreference:  req.Params.GPUModelPreference,
		PreferredWorkerName: req.Params.PreferredNode,
	}, deadline)
	if apiErr != nil {
		writeError(w, apiErr)
		return
	}
	writeResult(w, result)
}

func writeInvokeResult(w http.ResponseWriter, res invoker.CallResult) {
	if res.Err != nil {
		writeError(w, res.Err)
		return
	}
	writeResult(w, rawResult(res.Payload))
}

// rawResult passes a worker's raw JSON payload through untouched rather than
// re-decoding it into a Go value we would only re-encode.
func rawResult(payload []byte) any {
	if len(payload) == 0 {
		return nil
	}
	return json.RawMessage(payload)
}
