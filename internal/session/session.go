// Package session implements the per-worker state machine described in
// §4.2: one Session wraps one transport.Transport and runs two cooperating
// activities, an inbound pump and a heartbeat watchdog, grounded on the
// teacher's websocket Client readPump/writePump split
// (server/internal/websocket/client.go) — generalized from a server-push-only
// notification channel to a full request/response/event duplex.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clawfleet/fleetd/internal/apierrors"
	"github.com/clawfleet/fleetd/internal/audit"
	"github.com/clawfleet/fleetd/internal/fleet"
	"github.com/clawfleet/fleetd/internal/invoker"
	"github.com/clawfleet/fleetd/internal/transport"
	"github.com/clawfleet/fleetd/internal/wire"
)

// State is one state in the Handshaking -> Ready -> Draining -> Closed
// machine of §4.2.
type State int32

const (
	Handshaking State = iota
	Ready
	Draining
	Closed
)

func (s State) String() string {
	switch s {
	case Handshaking:
		return "handshaking"
	case Ready:
		return "ready"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Registrar is the subset of Registry a Session needs: attach itself on a
// successful handshake, detach itself on close. Kept as an interface so this
// package never imports registry (which imports session to store *Session
// values) — see §9's cyclic-ownership note.
type Registrar interface {
	Attach(sess *Session, identity fleet.WorkerIdentity, cap fleet.Capability) *apierrors.Error
	Detach(name, sessionID string)
}

// RequestHandler handles worker-initiated requests (method+id frames) —
// lifecycle notifications the worker expects a reply to. Dispatched by the
// Ingress component in the real wiring.
type RequestHandler interface {
	HandleRequest(s *Session, frame wire.Frame)
}

// EventHandler handles worker-initiated events (method-only frames): the
// heartbeat event and any state-change notifications.
type EventHandler interface {
	HandleEvent(s *Session, frame wire.Frame)
}

// Authenticator validates the optional bearer token carried in the worker's
// hello frame (§6: "Optional bearer token ... in worker handshake ...
// comparison must be constant-time"). A nil Authenticator on Session means
// no token is required.
type Authenticator interface {
	Authenticate(token string) bool
}

// Config configures watchdog timing and the default RPC deadline handed to
// invoker.Register when a caller supplies a zero deadline.
type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatKillMult int
	DefaultRPCTimeout time.Duration
	HandshakeTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.HeartbeatKillMult <= 0 {
		c.HeartbeatKillMult = 2
	}
	if c.DefaultRPCTimeout <= 0 {
		c.DefaultRPCTimeout = 30 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	return c
}

func (c Config) killThreshold() time.Duration {
	return c.HeartbeatInterval * time.Duration(c.HeartbeatKillMult)
}

// Session is one worker connection's state object. The zero value is not
// usable; construct with New.
type Session struct {
	id  string
	cfg Config

	t         *transport.Transport
	inv       *invoker.Invoker
	registrar Registrar
	auth      Authenticator
	auditSink audit.Sink
	reqH      RequestHandler
	evtH      EventHandler
	log       *zap.Logger

	mu          sync.RWMutex
	state       State
	name        string
	address     string
	connectedAt time.Time
	lastSeen    time.Time
	capability  fleet.Capability
	health      fleet.HealthSample

	closeOnce sync.Once
	done      chan struct{}
}

// New constructs a Session in Handshaking state, wrapping t. Run must be
// called to start the inbound pump and heartbeat watchdog.
func New(id string, address string, t *transport.Transport, inv *invoker.Invoker, registrar Registrar, auth Authenticator, auditSink audit.Sink, reqH RequestHandler, evtH EventHandler, cfg Config, log *zap.Logger) *Session {
	now := time.Now()
	return &Session{
		id:          id,
		cfg:         cfg.withDefaults(),
		t:           t,
		inv:         inv,
		registrar:   registrar,
		auth:        auth,
		auditSink:   auditSink,
		reqH:        reqH,
		evtH:        evtH,
		log:         log.Named("session").With(zap.String("session_id", id)),
		state:       Handshaking,
		address:     address,
		connectedAt: now,
		lastSeen:    now,
		done:        make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) Capability() fleet.Capability {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.capability
}

func (s *Session) Health() fleet.HealthSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.health
}

func (s *Session) Identity() fleet.WorkerIdentity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fleet.WorkerIdentity{Name: s.name, SessionID: s.id, ConnectedAt: s.connectedAt, Address: s.address}
}

// UpdateHealth is called by the Monitor after a node.health probe.
func (s *Session) UpdateHealth(h fleet.HealthSample) {
	s.mu.Lock()
	s.health = h
	s.mu.Unlock()
}

// UpdateCapability is called by the Monitor after a node.capabilities probe.
func (s *Session) UpdateCapability(c fleet.Capability) {
	s.mu.Lock()
	s.capability = c
	s.mu.Unlock()
}

// Run starts the inbound pump and heartbeat watchdog and blocks until the
// Session reaches Closed. Intended to be called in its own goroutine by the
// Ingress handler that accepted the connection.
func (s *Session) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		s.inboundPump(ctx)
	}()
	go func() {
		defer wg.Done()
		s.heartbeatWatchdog(ctx)
	}()

	wg.Wait()
}

// Done is closed once the Session reaches Closed.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func (s *Session) lastSeenAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeen
}

// inboundPump reads frames forever, routing each by shape per §4.2.
func (s *Session) inboundPump(ctx context.Context) {
	for {
		frame, err := s.t.Recv()
		if err != nil {
			if err == transport.ErrTransportDead {
				s.closeTransportDead()
				return
			}
			// A malformed frame is not fatal during Ready/Draining; during
			// Handshaking it aborts the connection (bad first frame).
			if s.State() == Handshaking {
				s.closeHandshakeFailed(fmt.Sprintf("malformed handshake frame: %v", err))
				return
			}
			s.log.Warn("dropping malformed frame", zap.Error(err))
			continue
		}

		s.touch()

		switch {
		case s.State() == Handshaking:
			s.handleHandshakeFrame(frame)
			if s.State() == Closed {
				return
			}
		case frame.IsRequest():
			if s.reqH != nil {
				s.reqH.HandleRequest(s, frame)
			}
		case frame.IsEvent():
			if s.evtH != nil {
				s.evtH.HandleEvent(s, frame)
			}
		case frame.IsResponse():
			s.inv.Resolve(s.id, frame)
		default:
			s.log.Warn("frame matched no known shape", zap.Int64("id", frame.ID), zap.String("method", frame.Method))
		}
	}
}

func (s *Session) handleHandshakeFrame(frame wire.Frame) {
	if frame.Method != "hello" {
		s.closeHandshakeFailed("first frame was not hello")
		return
	}

	var hello wire.HelloParams
	if err := json.Unmarshal(frame.Params, &hello); err != nil {
		s.closeHandshakeFailed("malformed hello params")
		return
	}
	if hello.Name == "" {
		s.closeHandshakeFailed("hello missing name")
		return
	}
	if s.auth != nil && !s.auth.Authenticate(hello.Token) {
		_ = s.t.CloseWithCode(wire.CloseAuthFailed, "auth-failed")
		if s.auditSink != nil {
			s.auditSink.Record(audit.Entry{Action: "worker.rejected", Resource: hello.Name, Outcome: audit.OutcomeError, Reason: "auth-failed"})
		}
		s.transitionClosed()
		return
	}

	capa := hello.Capabilities.ToFleet()

	s.mu.Lock()
	s.name = hello.Name
	s.capability = capa
	s.mu.Unlock()

	identity := s.Identity()
	if apiErr := s.registrar.Attach(s, identity, capa); apiErr != nil {
		code := wire.CloseAuthFailed
		if apiErr.Kind == apierrors.KindDuplicateName {
			code = wire.CloseDuplicateName
		}
		_ = s.t.CloseWithCode(code, apiErr.Message)
		s.transitionClosed()
		return
	}

	s.mu.Lock()
	s.state = Ready
	s.mu.Unlock()

	welcome, err := wire.Marshal(wire.WelcomeParams{SessionID: s.id})
	if err != nil {
		s.log.Error("failed to marshal welcome", zap.Error(err))
		return
	}
	if err := s.t.Send(wire.Frame{Method: "welcome", Params: welcome}); err != nil {
		s.closeTransportDead()
	}
}

// heartbeatWatchdog fires every heartbeat-interval/2 (fine-grained enough to
// catch the kill threshold promptly without busy-looping) and kills the
// session if now - last_seen exceeds heartbeat-interval * kill-multiplier.
func (s *Session) heartbeatWatchdog(ctx context.Context) {
	tick := s.cfg.HeartbeatInterval / 2
	if tick <= 0 {
		tick = 5 * time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	handshakeDeadline := time.Now().Add(s.cfg.HandshakeTimeout)

	for {
		select {
		case <-ctx.Done():
			s.Close("shutdown")
			return
		case <-s.done:
			return
		case now := <-ticker.C:
			if s.State() == Handshaking && now.After(handshakeDeadline) {
				s.closeHandshakeFailed("handshake timed out")
				return
			}
			if now.Sub(s.lastSeenAt()) > s.cfg.killThreshold() {
				s.closeHeartbeatTimeout()
				return
			}
			_ = s.t.Ping()
		}
	}
}

// Invoke dispatches method to the worker over this Session's Transport and
// blocks until it completes. The only way to send a control-plane-originated
// RPC (§4.2).
func (s *Session) Invoke(ctx context.Context, method string, params any, deadline time.Time) invoker.CallResult {
	if s.State() != Ready && s.State() != Draining {
		return invoker.CallResult{Err: apierrors.New(apierrors.KindSessionLost, "session %s is not connected", s.id)}
	}
	if !s.Capability().SupportsCommand(method) {
		return invoker.CallResult{Err: apierrors.New(apierrors.KindMethodNotSupported, "worker %s does not advertise %s", s.Name(), method)}
	}

	paramsJSON, err := wire.Marshal(params)
	if err != nil {
		return invoker.CallResult{Err: apierrors.New(apierrors.KindInvalidRequest, "failed to encode params: %v", err)}
	}

	if deadline.IsZero() {
		deadline = time.Now().Add(s.cfg.DefaultRPCTimeout)
	}

	var pc *invoker.PendingCall
	pc = s.inv.Register(s.id, method, deadline, func() {
		_ = s.t.Send(wire.Frame{Method: "cancel", Params: mustMarshalCorrelation(pc)})
	})

	if err := s.t.Send(wire.Frame{ID: pc.CorrelationID, Method: method, Params: paramsJSON}); err != nil {
		s.closeTransportDead()
		return s.inv.Wait(ctx, pc)
	}

	return s.inv.Wait(ctx, pc)
}

func mustMarshalCorrelation(pc *invoker.PendingCall) json.RawMessage {
	b, _ := json.Marshal(struct {
		ID int64 `json:"id"`
	}{ID: pc.CorrelationID})
	return b
}

// Drain transitions Ready -> Draining: no new placements target this
// Session, and it closes itself once its in-flight call count hits zero.
func (s *Session) Drain() {
	s.mu.Lock()
	if s.state != Ready {
		s.mu.Unlock()
		return
	}
	s.state = Draining
	s.mu.Unlock()

	go s.waitForDrain()
}

func (s *Session) waitForDrain() {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		if s.State() != Draining {
			return
		}
		if s.inv.InFlightCount(s.id) == 0 {
			s.Close("drained")
			return
		}
	}
}

// Close transitions the Session to Closed: completes every PendingCall it
// owns with session-lost, detaches from the Registrar, and releases the
// Transport. Safe to call more than once or concurrently.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = Closed
		name := s.name
		s.mu.Unlock()

		_ = s.t.Close(reason)
		s.inv.SessionLost(s.id)
		if name != "" {
			s.registrar.Detach(name, s.id)
		}
		close(s.done)
	})
}

func (s *Session) transitionClosed() {
	s.mu.Lock()
	s.state = Closed
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Session) closeHandshakeFailed(reason string) {
	_ = s.t.CloseWithCode(wire.CloseIncompatibleVersion, reason)
	if s.auditSink != nil {
		s.auditSink.Record(audit.Entry{Action: "worker.rejected", Resource: s.id, Outcome: audit.OutcomeError, Reason: reason})
	}
	s.transitionClosed()
}

func (s *Session) closeTransportDead() {
	if s.auditSink != nil {
		s.auditSink.Record(audit.Entry{Action: "rpc.failed", Resource: s.Name(), Outcome: audit.OutcomeError, Reason: "transport-dead"})
	}
	s.Close("transport-dead")
}

func (s *Session) closeHeartbeatTimeout() {
	if s.auditSink != nil {
		s.auditSink.Record(audit.Entry{Action: "worker.timeout", Resource: s.Name(), Outcome: audit.OutcomeError, Reason: "heartbeat watchdog expired"})
	}
	s.Close("heartbeat-timeout")
}
