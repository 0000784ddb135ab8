package monitor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/clawfleet/fleetd/internal/audit"
	"github.com/clawfleet/fleetd/internal/invoker"
	"github.com/clawfleet/fleetd/internal/registry"
	"github.com/clawfleet/fleetd/internal/session"
	"github.com/clawfleet/fleetd/internal/transport"
	"github.com/clawfleet/fleetd/internal/wire"
)

// probeWorker is a connected worker that answers node.health/node.capabilities
// probes however the test directs.
type probeWorker struct {
	client *websocket.Conn
}

func connectProbeWorker(t *testing.T, reg *registry.Registry, name string) *probeWorker {
	t.Helper()
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		tr := transport.New(conn, transport.Config{})
		inv := invoker.New(2*time.Second, nil, zap.NewNop())
		sess := session.New(name+"-sid", "127.0.0.1", tr, inv, reg, nil, audit.NewLogSink(zap.NewNop()), nil, nil, session.Config{}, zap.NewNop())
		sess.Run(context.Background())
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	params, err := wire.Marshal(wire.HelloParams{
		Name: name,
		Capabilities: wire.CapabilityWire{
			GPUCount: 2, GPUAvailable: 2, GPUModel: "A100",
			MemoryTotal: 80 << 30, MemoryAvailable: 80 << 30,
			Commands: []string{"node.health", "node.capabilities"},
		},
	})
	require.NoError(t, err)
	require.NoError(t, client.WriteJSON(wire.Frame{Method: "hello", Params: params}))

	var welcome wire.Frame
	require.NoError(t, client.ReadJSON(&welcome))
	require.Equal(t, "welcome", welcome.Method)

	return &probeWorker{client: client}
}

// answerProbe reads the two sequential probe requests (node.health then
// node.capabilities, per Monitor.probe's call order) and answers both.
func (w *probeWorker) answerProbe(t *testing.T, healthy bool, availGPUs int) {
	t.Helper()
	for i := 0; i < 2; i++ {
		var req wire.Frame
		require.NoError(t, w.client.ReadJSON(&req))
		switch req.Method {
		case "node.health":
			result, _ := wire.Marshal(wire.HealthParams{Healthy: healthy})
			require.NoError(t, w.client.WriteJSON(wire.Frame{ID: req.ID, Result: result}))
		case "node.capabilities":
			result, _ := wire.Marshal(wire.CapabilityWire{
				GPUCount: 2, GPUAvailable: availGPUs, GPUModel: "A100",
				MemoryTotal: 80 << 30, MemoryAvailable: 80 << 30,
				Commands: []string{"node.health", "node.capabilities"},
			})
			require.NoError(t, w.client.WriteJSON(wire.Frame{ID: req.ID, Result: result}))
		default:
			t.Fatalf("unexpected probe method %q", req.Method)
		}
	}
}

func waitReadyMon(t *testing.T, reg *registry.Registry, name string) {
	t.Helper()
	require.Eventually(t, func() bool {
		sess, ok := reg.Lookup(name)
		return ok && sess.State() == session.Ready
	}, time.Second, 10*time.Millisecond)
}

func TestTickUpdatesHealthAndCapabilityFromProbe(t *testing.T) {
	reg := registry.New(registry.RejectNew, audit.NewLogSink(zap.NewNop()), zap.NewNop())
	mon, err := New(reg, audit.NewLogSink(zap.NewNop()), Config{Interval: time.Hour, ProbeTimeout: time.Second}, zap.NewNop())
	require.NoError(t, err)

	worker := connectProbeWorker(t, reg, "gpu-1")
	waitReadyMon(t, reg, "gpu-1")

	done := make(chan struct{})
	go func() {
		mon.tick(context.Background())
		close(done)
	}()
	worker.answerProbe(t, true, 1)
	<-done

	snap := mon.Snapshot()
	assert.Equal(t, 1, snap.ConnectedWorkers)
	assert.Equal(t, 1, snap.HealthyWorkers)
	assert.Equal(t, 0, snap.UnhealthyWorkers)
	assert.Equal(t, 1, snap.AvailableGPUs)

	views := reg.List()
	require.Len(t, views, 1)
	assert.Equal(t, 1, views[0].Capability.AvailableGPUs)
}

func TestTickRecordsHealthyToUnhealthyTransition(t *testing.T) {
	reg := registry.New(registry.RejectNew, audit.NewLogSink(zap.NewNop()), zap.NewNop())
	mon, err := New(reg, audit.NewLogSink(zap.NewNop()), Config{Interval: time.Hour, ProbeTimeout: time.Second}, zap.NewNop())
	require.NoError(t, err)

	worker := connectProbeWorker(t, reg, "gpu-1")
	waitReadyMon(t, reg, "gpu-1")

	done := make(chan struct{})
	go func() { mon.tick(context.Background()); close(done) }()
	worker.answerProbe(t, true, 2)
	<-done

	done2 := make(chan struct{})
	go func() { mon.tick(context.Background()); close(done2) }()
	worker.answerProbe(t, false, 2)
	<-done2

	snap := mon.Snapshot()
	require.NotEmpty(t, snap.RecentTransitions)
	last := snap.RecentTransitions[len(snap.RecentTransitions)-1]
	assert.Equal(t, "gpu-1", last.Worker)
	assert.Equal(t, "healthy", last.From)
	assert.Equal(t, "unhealthy", last.To)
}

func TestTickRecordsDisappearanceAsDisconnected(t *testing.T) {
	reg := registry.New(registry.RejectNew, audit.NewLogSink(zap.NewNop()), zap.NewNop())
	mon, err := New(reg, audit.NewLogSink(zap.NewNop()), Config{Interval: time.Hour, ProbeTimeout: time.Second}, zap.NewNop())
	require.NoError(t, err)

	worker := connectProbeWorker(t, reg, "gpu-1")
	waitReadyMon(t, reg, "gpu-1")

	done := make(chan struct{})
	go func() { mon.tick(context.Background()); close(done) }()
	worker.answerProbe(t, true, 2)
	<-done

	sess, _ := reg.Lookup("gpu-1")
	reg.Detach("gpu-1", sess.ID())

	done2 := make(chan struct{})
	go func() { mon.tick(context.Background()); close(done2) }()
	<-done2

	snap := mon.Snapshot()
	assert.Equal(t, 0, snap.ConnectedWorkers)
	require.NotEmpty(t, snap.RecentTransitions)
	last := snap.RecentTransitions[len(snap.RecentTransitions)-1]
	assert.Equal(t, "gpu-1", last.Worker)
	assert.Equal(t, "healthy", last.From)
	assert.Equal(t, "disconnected", last.To)
}

func TestTickBoundsTransitionRingSize(t *testing.T) {
	reg := registry.New(registry.RejectNew, audit.NewLogSink(zap.NewNop()), zap.NewNop())
	mon, err := New(reg, audit.NewLogSink(zap.NewNop()), Config{Interval: time.Hour, ProbeTimeout: time.Second, RingSize: 2}, zap.NewNop())
	require.NoError(t, err)

	worker := connectProbeWorker(t, reg, "gpu-1")
	waitReadyMon(t, reg, "gpu-1")

	healthy := true
	for i := 0; i < 5; i++ {
		done := make(chan struct{})
		go func() { mon.tick(context.Background()); close(done) }()
		worker.answerProbe(t, healthy, 2)
		<-done
		healthy = !healthy
	}

	snap := mon.Snapshot()
	assert.LessOrEqual(t, len(snap.RecentTransitions), 2)
}
