// Package invoker maintains the in-flight RPC table described in §4.4: one
// correlation-id -> PendingCall map per Session, deadline enforcement,
// session-loss completion, and parallel fan-out.
//
// The Invoker never holds a reference to a Session or Transport (§9's
// cyclic-ownership note): Sessions identify themselves by session-id only,
// and supply an onTimeout callback so the Invoker can request a best-effort
// cancel frame without knowing what a Session or Transport is.
package invoker

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/clawfleet/fleetd/internal/apierrors"
	"github.com/clawfleet/fleetd/internal/audit"
	"github.com/clawfleet/fleetd/internal/wire"
)

// CallResult is what a completed PendingCall resolves to: exactly one of
// Payload (success) or Err (timeout, cancelled, session-lost, worker-error,
// method-not-supported).
type CallResult struct {
	Payload json.RawMessage
	Err     *apierrors.Error
}

// PendingCall is an in-flight RPC: a correlation-id unique within a Session,
// the dispatched command, its deadline, and a one-shot completion slot.
type PendingCall struct {
	CorrelationID int64
	SessionID     string
	Method        string
	Deadline      time.Time

	done      chan CallResult
	timer     *time.Timer
	onTimeout func()
	once      sync.Once
}

func (pc *PendingCall) complete(res CallResult) {
	pc.once.Do(func() {
		if pc.timer != nil {
			pc.timer.Stop()
		}
		pc.done <- res
		close(pc.done)
	})
}

// Invoker is the process-wide in-flight RPC table, keyed by session-id then
// correlation-id.
type Invoker struct {
	mu         sync.Mutex
	bySession  map[string]map[int64]*PendingCall
	nextID     int64
	defaultTTL time.Duration
	audit      audit.Sink
	logger     *zap.Logger
}

// New creates an Invoker. defaultTimeout is used when a caller dispatches a
// call with a zero deadline (rpc-default-timeout, default 30s).
func New(defaultTimeout time.Duration, sink audit.Sink, logger *zap.Logger) *Invoker {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Invoker{
		bySession:  make(map[string]map[int64]*PendingCall),
		defaultTTL: defaultTimeout,
		audit:      sink,
		logger:     logger.Named("invoker"),
	}
}

// Register allocates a fresh correlation-id, creates and stores a
// PendingCall, and arms its deadline timer. onTimeout is invoked (once, from
// the timer goroutine) when the deadline elapses before a response arrives;
// it should attempt a best-effort cancel frame and must not block.
func (iv *Invoker) Register(sessionID, method string, deadline time.Time, onTimeout func()) *PendingCall {
	if deadline.IsZero() {
		deadline = time.Now().Add(iv.defaultTTL)
	}

	id := atomic.AddInt64(&iv.nextID, 1)
	pc := &PendingCall{
		CorrelationID: id,
		SessionID:     sessionID,
		Method:        method,
		Deadline:      deadline,
		done:          make(chan CallResult, 1),
		onTimeout:     onTimeout,
	}

	iv.mu.Lock()
	calls, ok := iv.bySession[sessionID]
	if !ok {
		calls = make(map[int64]*PendingCall)
		iv.bySession[sessionID] = calls
	}
	calls[id] = pc
	iv.mu.Unlock()

	pc.timer = time.AfterFunc(time.Until(deadline), func() {
		iv.mu.Lock()
		if calls, ok := iv.bySession[sessionID]; ok {
			delete(calls, id)
			if len(calls) == 0 {
				delete(iv.bySession, sessionID)
			}
		}
		iv.mu.Unlock()

		pc.complete(CallResult{Err: apierrors.New(apierrors.KindTimeout, "call %d (%s) timed out", id, method)})
		if pc.onTimeout != nil {
			pc.onTimeout()
		}
	})

	return pc
}

// Wait blocks until pc completes, or ctx is cancelled — in which case the
// call is completed with "cancelled" and removed, and a best-effort cancel
// is requested the same way a timeout does.
func (iv *Invoker) Wait(ctx context.Context, pc *PendingCall) CallResult {
	select {
	case res := <-pc.done:
		return res
	case <-ctx.Done():
		iv.cancelLocked(pc)
		return <-pc.done
	}
}

func (iv *Invoker) cancelLocked(pc *PendingCall) {
	iv.mu.Lock()
	if calls, ok := iv.bySession[pc.SessionID]; ok {
		delete(calls, pc.CorrelationID)
		if len(calls) == 0 {
			delete(iv.bySession, pc.SessionID)
		}
	}
	iv.mu.Unlock()

	pc.complete(CallResult{Err: apierrors.New(apierrors.KindCancelled, "call %d (%s) cancelled", pc.CorrelationID, pc.Method)})
	if pc.onTimeout != nil {
		pc.onTimeout()
	}
}

// Resolve looks up the PendingCall named by (sessionID, frame.ID) and
// completes it with the frame's result or worker error. Returns false if no
// such call exists; in that case Resolve records an invoker.unknown_id audit
// entry itself and the frame is dropped (§4.4).
func (iv *Invoker) Resolve(sessionID string, frame wire.Frame) bool {
	iv.mu.Lock()
	calls, ok := iv.bySession[sessionID]
	var pc *PendingCall
	if ok {
		pc, ok = calls[frame.ID]
	}
	if ok {
		delete(calls, frame.ID)
		if len(calls) == 0 {
			delete(iv.bySession, sessionID)
		}
	}
	iv.mu.Unlock()

	if !ok {
		if iv.audit != nil {
			iv.audit.Record(audit.Entry{
				Action:   "invoker.unknown_id",
				Resource: sessionID,
				Outcome:  audit.OutcomeError,
				Reason:   "response for unknown or already-completed correlation id",
			})
		}
		return false
	}

	if frame.Error != nil {
		pc.complete(CallResult{Err: &apierrors.Error{
			Kind:    apierrors.KindWorkerError,
			Message: frame.Error.Message,
			Details: map[string]any{"worker_code": frame.Error.Code},
		}})
		return true
	}

	pc.complete(CallResult{Payload: frame.Result})
	return true
}

// InFlightCount reports how many PendingCalls are currently outstanding for
// sessionID — used by a Draining Session to detect "in-flight count hits
// zero" (§4.2's Draining -> Closed transition).
func (iv *Invoker) InFlightCount(sessionID string) int {
	iv.mu.Lock()
	defer iv.mu.Unlock()
	return len(iv.bySession[sessionID])
}

// SessionLost completes every PendingCall owned by sessionID with
// session-lost, in a single pass, and removes them — the invariant required
// before the Session record is released (§3 invariant 2).
func (iv *Invoker) SessionLost(sessionID string) {
	iv.mu.Lock()
	calls := iv.bySession[sessionID]
	delete(iv.bySession, sessionID)
	iv.mu.Unlock()

	for _, pc := range calls {
		pc.complete(CallResult{Err: apierrors.New(apierrors.KindSessionLost, "session %s closed while call %d (%s) was in flight", sessionID, pc.CorrelationID, pc.Method)})
	}
}

// Caller is the minimal surface InvokeAll needs from a Session, kept as an
// interface so this package never imports session (which in turn needs to
// import invoker to register calls) — see §9's cyclic-ownership note.
type Caller interface {
	Invoke(ctx context.Context, method string, params any, deadline time.Time) CallResult
}

// InvokeAll dispatches method in parallel to every target, and returns once
// every call has completed by value, timeout, or session-loss. No per-target
// failure affects another's result; exactly one entry per input name is
// always returned (§4.4, §8 invariant 5).
func InvokeAll(ctx context.Context, targets map[string]Caller, method string, params any, deadline time.Time) map[string]CallResult {
	results := make(map[string]CallResult, len(targets))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for name, caller := range targets {
		wg.Add(1)
		go func(name string, caller Caller) {
			defer wg.Done()
			res := caller.Invoke(ctx, method, params, deadline)
			mu.Lock()
			results[name] = res
			mu.Unlock()
		}(name, caller)
	}

	wg.Wait()
	return results
}
