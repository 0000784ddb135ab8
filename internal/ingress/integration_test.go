package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/clawfleet/fleetd/internal/audit"
	"github.com/clawfleet/fleetd/internal/fleet"
	"github.com/clawfleet/fleetd/internal/invoker"
	"github.com/clawfleet/fleetd/internal/monitor"
	"github.com/clawfleet/fleetd/internal/placement"
	"github.com/clawfleet/fleetd/internal/registry"
	"github.com/clawfleet/fleetd/internal/session"
	"github.com/clawfleet/fleetd/internal/wire"
	"github.com/clawfleet/fleetd/pkg/workerclient"
)

// stack wires a full control plane (minus the HTTP listener, which a
// real httptest.Server supplies) exactly as cmd/fleetd assembles it.
type stack struct {
	srv  *httptest.Server
	reg  *registry.Registry
	token string
}

func newStack(t *testing.T, token string) *stack {
	t.Helper()
	log := zap.NewNop()
	auditSink := audit.NewLogSink(log)
	reg := registry.New(registry.RejectNew, auditSink, log)
	inv := invoker.New(2*time.Second, auditSink, log)
	pl := placement.New(reg, auditSink, log)
	mon, err := monitor.New(reg, auditSink, monitor.Config{Interval: time.Hour}, log)
	require.NoError(t, err)

	server := NewServer(Config{AdminToken: token, RateLimitRPS: 0}, inv, reg, pl, mon, auditSink, session.Config{}, log)
	ts := httptest.NewServer(server.srv.Handler)
	t.Cleanup(ts.Close)

	return &stack{srv: ts, reg: reg, token: token}
}

func (s *stack) wsURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/v1/connect"
}

func (s *stack) adminPost(t *testing.T, path string, body any) (int, map[string]any) {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, s.srv.URL+"/v1/admin/"+path, bytes.NewReader(b))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func connectTestWorker(t *testing.T, st *stack, name string, handlers map[string]workerclient.CommandHandler) {
	t.Helper()
	client := workerclient.New(workerclient.Config{
		ServerURL: st.wsURL(),
		Name:      name,
		Capabilities: wire.CapabilityWire{
			GPUCount: 2, GPUAvailable: 2, GPUModel: "A100",
			MemoryTotal: 80 << 30, MemoryAvailable: 80 << 30,
			Commands: []string{"workload.run", "node.health", "node.capabilities"},
		},
		Handlers: handlers,
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go client.Run(ctx)

	require.Eventually(t, func() bool {
		sess, ok := st.reg.Lookup(name)
		return ok && sess.State() == session.Ready
	}, 2*time.Second, 10*time.Millisecond)

	// Normally the Monitor's first probe tick marks a worker healthy; these
	// tests exercise the admin surface directly without running the Monitor.
	st.reg.UpdateHealth(name, fleet.HealthSample{Healthy: true, At: time.Now()})
}

func TestHealthzRequiresNoAuth(t *testing.T) {
	st := newStack(t, "s3cr3t")
	resp, err := http.Get(st.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "ok", out["status"])
}

func TestAdminRejectsMissingBearerToken(t *testing.T) {
	st := newStack(t, "s3cr3t")
	req, _ := http.NewRequest(http.MethodPost, st.srv.URL+"/v1/admin/fleet.status", bytes.NewReader([]byte(`{}`)))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWorkerShowsUpInNodesListAfterHandshake(t *testing.T) {
	st := newStack(t, "")
	connectTestWorker(t, st, "gpu-1", nil)

	status, out := st.adminPost(t, "nodes.list", map[string]any{})
	require.Equal(t, http.StatusOK, status)

	result, ok := out["result"].([]any)
	require.True(t, ok, "expected a result array, got %#v", out)
	require.Len(t, result, 1)
	entry := result[0].(map[string]any)
	assert.Equal(t, "gpu-1", entry["name"])
}

func TestNodesInvokeRoundTripsToWorker(t *testing.T) {
	st := newStack(t, "")
	connectTestWorker(t, st, "gpu-1", map[string]workerclient.CommandHandler{
		"node.health": func(ctx context.Context, params json.RawMessage) (any, error) {
			return wire.HealthParams{Healthy: true}, nil
		},
	})

	status, out := st.adminPost(t, "nodes.invoke", map[string]any{
		"params": map[string]any{
			"name":    "gpu-1",
			"command": "node.health",
		},
	})
	require.Equal(t, http.StatusOK, status)
	result, ok := out["result"].(map[string]any)
	require.True(t, ok, "expected a result object, got %#v", out)
	assert.Equal(t, true, result["healthy"])
}

func TestDeployDispatchesWorkloadRunToTheOnlyWorker(t *testing.T) {
	st := newStack(t, "")
	connectTestWorker(t, st, "gpu-1", map[string]workerclient.CommandHandler{
		"workload.run": func(ctx context.Context, params json.RawMessage) (any, error) {
			return map[string]string{"workloadId": "wl-42"}, nil
		},
	})

	status, out := st.adminPost(t, "deploy", map[string]any{
		"params": map[string]any{
			"image": "registry.example/train:latest",
			"gpus":  1,
		},
	})
	require.Equal(t, http.StatusOK, status, "response: %#v", out)
	result, ok := out["result"].(map[string]any)
	require.True(t, ok, "expected a result object, got %#v", out)
	assert.Equal(t, "gpu-1", result["node"])
	assert.Equal(t, "wl-42", result["workloadId"])
}

func TestFleetStatusReturnsSnapshotObject(t *testing.T) {
	st := newStack(t, "")
	connectTestWorker(t, st, "gpu-1", nil)

	status, out := st.adminPost(t, "fleet.status", map[string]any{})
	require.Equal(t, http.StatusOK, status)
	result, ok := out["result"].(map[string]any)
	require.True(t, ok, "expected a result object, got %#v", out)
	_ = result
}
