package invoker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/clawfleet/fleetd/internal/apierrors"
	"github.com/clawfleet/fleetd/internal/wire"
)

func newTestInvoker(t *testing.T) *Invoker {
	t.Helper()
	return New(5*time.Second, nil, zap.NewNop())
}

func TestRegisterAndResolveSuccess(t *testing.T) {
	iv := newTestInvoker(t)

	pc := iv.Register("sess-1", "node.health", time.Now().Add(time.Second), nil)
	ok := iv.Resolve("sess-1", wire.Frame{ID: pc.CorrelationID, Result: json.RawMessage(`{"healthy":true}`)})
	require.True(t, ok)

	res := iv.Wait(context.Background(), pc)
	assert.Nil(t, res.Err)
	assert.JSONEq(t, `{"healthy":true}`, string(res.Payload))
}

func TestResolveUnknownIDReturnsFalse(t *testing.T) {
	iv := newTestInvoker(t)
	ok := iv.Resolve("sess-1", wire.Frame{ID: 999})
	assert.False(t, ok)
}

func TestResolveWorkerErrorCompletesWithWorkerErrorKind(t *testing.T) {
	iv := newTestInvoker(t)
	pc := iv.Register("sess-1", "workload.run", time.Now().Add(time.Second), nil)

	ok := iv.Resolve("sess-1", wire.Frame{ID: pc.CorrelationID, Error: &wire.FrameError{Code: "bad-image", Message: "no such image"}})
	require.True(t, ok)

	res := iv.Wait(context.Background(), pc)
	require.NotNil(t, res.Err)
	assert.Equal(t, apierrors.KindWorkerError, res.Err.Kind)
	assert.Equal(t, "no such image", res.Err.Message)
}

func TestDeadlineFiresTimeoutAndOnTimeout(t *testing.T) {
	iv := newTestInvoker(t)
	fired := make(chan struct{}, 1)

	pc := iv.Register("sess-1", "node.health", time.Now().Add(20*time.Millisecond), func() {
		fired <- struct{}{}
	})

	res := iv.Wait(context.Background(), pc)
	require.NotNil(t, res.Err)
	assert.Equal(t, apierrors.KindTimeout, res.Err.Kind)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("onTimeout was never invoked")
	}

	assert.Equal(t, 0, iv.InFlightCount("sess-1"))
}

func TestWaitCancelsOnContextDone(t *testing.T) {
	iv := newTestInvoker(t)
	pc := iv.Register("sess-1", "node.health", time.Now().Add(time.Minute), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := iv.Wait(ctx, pc)
	require.NotNil(t, res.Err)
	assert.Equal(t, apierrors.KindCancelled, res.Err.Kind)
}

func TestSessionLostCompletesAllPendingCallsForSession(t *testing.T) {
	iv := newTestInvoker(t)
	pc1 := iv.Register("sess-1", "node.health", time.Now().Add(time.Minute), nil)
	pc2 := iv.Register("sess-1", "node.capabilities", time.Now().Add(time.Minute), nil)
	other := iv.Register("sess-2", "node.health", time.Now().Add(time.Minute), nil)

	iv.SessionLost("sess-1")

	for _, pc := range []*PendingCall{pc1, pc2} {
		res := iv.Wait(context.Background(), pc)
		require.NotNil(t, res.Err)
		assert.Equal(t, apierrors.KindSessionLost, res.Err.Kind)
	}

	assert.Equal(t, 1, iv.InFlightCount("sess-2"))
	iv.SessionLost("sess-2")
	res := iv.Wait(context.Background(), other)
	assert.Equal(t, apierrors.KindSessionLost, res.Err.Kind)
}

type fakeCaller struct {
	result CallResult
	delay  time.Duration
}

func (f fakeCaller) Invoke(ctx context.Context, method string, params any, deadline time.Time) CallResult {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.result
}

func TestInvokeAllReturnsOneEntryPerTargetRegardlessOfFailure(t *testing.T) {
	targets := map[string]Caller{
		"ok":   fakeCaller{result: CallResult{Payload: []byte(`{"n":1}`)}},
		"fail": fakeCaller{result: CallResult{Err: apierrors.New(apierrors.KindSessionLost, "gone")}},
	}

	results := InvokeAll(context.Background(), targets, "node.health", nil, time.Now().Add(time.Second))

	require.Len(t, results, 2)
	assert.Nil(t, results["ok"].Err)
	require.NotNil(t, results["fail"].Err)
	assert.Equal(t, apierrors.KindSessionLost, results["fail"].Err.Kind)
}
