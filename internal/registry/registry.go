// Package registry maintains the process-wide authoritative mapping from
// worker-name to Session, described in §4.3. It is grounded on the teacher's
// agentmanager.Manager (in-memory, mutex-guarded, keyed-by-id registry), here
// keyed by worker name instead of agent id, carrying a duplicate-name policy
// and an audit entry on every mutation instead of the teacher's plain zap log.
package registry

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clawfleet/fleetd/internal/apierrors"
	"github.com/clawfleet/fleetd/internal/audit"
	"github.com/clawfleet/fleetd/internal/fleet"
	"github.com/clawfleet/fleetd/internal/session"
)

// DuplicateNamePolicy selects what Attach does when a Ready session with the
// incoming name already exists (§4.3).
type DuplicateNamePolicy string

const (
	// RejectNew closes the incoming connection with duplicate-name. Default.
	RejectNew DuplicateNamePolicy = "reject-new"
	// ReplaceOld drains the existing session (10s grace) and attaches the new
	// one immediately.
	ReplaceOld DuplicateNamePolicy = "replace-old"
)

// replaceOldGrace is the fixed grace period §9's open question settles on for
// replace-old: "Draining ... finish in-flight; then Closed" with a 10s cap.
const replaceOldGrace = 10 * time.Second

// entry is one registered worker: its live Session. The Monitor's most
// recently observed capability and health are stored on the Session itself,
// and List reads them from there.
type entry struct {
	sess *session.Session
}

// Registry is the authoritative fleet table. The zero value is not usable —
// construct with New.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*entry

	policy    DuplicateNamePolicy
	auditSink audit.Sink
	log       *zap.Logger
}

// New constructs a Registry with the given duplicate-name policy.
func New(policy DuplicateNamePolicy, auditSink audit.Sink, log *zap.Logger) *Registry {
	if policy == "" {
		policy = RejectNew
	}
	return &Registry{
		byName:    make(map[string]*entry),
		policy:    policy,
		auditSink: auditSink,
		log:       log.Named("registry"),
	}
}

// Attach inserts sess at the end of a successful handshake. If a Ready
// session with the same name already exists, the configured
// DuplicateNamePolicy decides whether the new session is rejected or the old
// one is drained in its favor. Implements session.Registrar.
func (r *Registry) Attach(sess *session.Session, identity fleet.WorkerIdentity, cap fleet.Capability) *apierrors.Error {
	r.mu.Lock()

	if existing, ok := r.byName[identity.Name]; ok && existing.sess.State() == session.Ready {
		switch r.policy {
		case ReplaceOld:
			old := existing.sess
			r.byName[identity.Name] = &entry{sess: sess}
			r.mu.Unlock()

			r.record("worker.replaced", identity.Name, audit.OutcomeSuccess, "duplicate name, replace-old policy", map[string]any{"old_session_id": old.ID(), "new_session_id": sess.ID()})
			old.Drain()
			time.AfterFunc(replaceOldGrace, func() { old.Close("replaced") })

			r.record("worker.connected", identity.Name, audit.OutcomeSuccess, "", map[string]any{"session_id": sess.ID()})
			return nil

		default: // RejectNew
			r.mu.Unlock()
			r.record("worker.rejected", identity.Name, audit.OutcomeError, "duplicate name, reject-new policy", map[string]any{"session_id": sess.ID()})
			return apierrors.New(apierrors.KindDuplicateName, "worker %q is already connected", identity.Name)
		}
	}

	r.byName[identity.Name] = &entry{sess: sess}
	r.mu.Unlock()

	r.record("worker.connected", identity.Name, audit.OutcomeSuccess, "", map[string]any{"session_id": sess.ID()})
	return nil
}

// Detach removes name only if the currently-registered session has the
// matching session-id, protecting against a late detach from a superseded
// session. Implements session.Registrar.
func (r *Registry) Detach(name, sessionID string) {
	r.mu.Lock()
	existing, ok := r.byName[name]
	if !ok || existing.sess.ID() != sessionID {
		r.mu.Unlock()
		return
	}
	delete(r.byName, name)
	r.mu.Unlock()

	r.record("worker.disconnected", name, audit.OutcomeSuccess, "", map[string]any{"session_id": sessionID})
}

// Lookup returns the currently registered Session for name, if any.
func (r *Registry) Lookup(name string) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return e.sess, true
}

// WorkerView is a read-only point-in-time snapshot of one registered worker,
// returned by List.
type WorkerView struct {
	Identity   fleet.WorkerIdentity
	Capability fleet.Capability
	Health     fleet.HealthSample
	State      session.State
}

// List returns a consistent point-in-time snapshot of every registered
// worker (§5: "iteration via list returns a consistent point-in-time
// snapshot").
func (r *Registry) List() []WorkerView {
	r.mu.RLock()
	sessions := make([]*session.Session, 0, len(r.byName))
	for _, e := range r.byName {
		sessions = append(sessions, e.sess)
	}
	r.mu.RUnlock()

	views := make([]WorkerView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, WorkerView{
			Identity:   s.Identity(),
			Capability: s.Capability(),
			Health:     s.Health(),
			State:      s.State(),
		})
	}
	return views
}

// Names returns a cheap snapshot of registered worker names, used by the
// Monitor. It holds the registry's read lock only long enough to copy the
// names, so it never holds it across a probe (§9: "Monitor independence").
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	return names
}

// UpdateHealth records a fresh HealthSample for name, called by the Monitor.
func (r *Registry) UpdateHealth(name string, h fleet.HealthSample) {
	r.mu.RLock()
	e, ok := r.byName[name]
	r.mu.RUnlock()
	if !ok {
		return
	}
	e.sess.UpdateHealth(h)
}

// UpdateCapability records a fresh Capability for name, called by the
// Monitor.
func (r *Registry) UpdateCapability(name string, cap fleet.Capability) {
	r.mu.RLock()
	e, ok := r.byName[name]
	r.mu.RUnlock()
	if !ok {
		return
	}
	e.sess.UpdateCapability(cap)
}

func (r *Registry) record(action, resource string, outcome audit.Outcome, reason string, details map[string]any) {
	if r.auditSink == nil {
		return
	}
	r.auditSink.Record(audit.Entry{Action: action, Resource: resource, Outcome: outcome, Reason: reason, Details: details})
}
