package ingress

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/clawfleet/fleetd/internal/session"
	"github.com/clawfleet/fleetd/internal/transport"
	"github.com/clawfleet/fleetd/internal/wire"
)

// upgrader performs the HTTP -> WebSocket protocol upgrade for worker
// connections. CheckOrigin always allows — worker connections are
// machine-to-machine, authenticated by bearer token in the hello frame, not
// by browser origin.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleConnect upgrades the request to a websocket and starts a Session in
// Handshaking state. It blocks until the Session closes — call it from its
// own goroutine if the caller needs to return from the HTTP handler sooner,
// though chi's server already runs each request on its own goroutine.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if s.requireTLS && r.TLS == nil {
		http.Error(w, "TLS required", http.StatusUpgradeRequired)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err), zap.String("remote_addr", r.RemoteAddr))
		return
	}

	t := transport.New(conn, transport.Config{MaxFrameBytes: s.maxFrameBytes})
	id := uuid.NewString()

	sess := session.New(id, r.RemoteAddr, t, s.invoker, s.registry, s.auth, s.auditSink, s, s, s.sessionCfg, s.log)

	s.log.Info("worker connection accepted, awaiting handshake", zap.String("session_id", id), zap.String("remote_addr", r.RemoteAddr))
	sess.Run(r.Context())
}

// HandleRequest implements session.RequestHandler. The core worker protocol
// has no control-plane-handled worker-initiated requests; each one is logged
// and no reply frame is sent.
func (s *Server) HandleRequest(sess *session.Session, frame wire.Frame) {
	s.log.Warn("worker sent an unrecognized request", zap.String("session_id", sess.ID()), zap.String("method", frame.Method))
}

// HandleEvent implements session.EventHandler for worker-initiated events.
// The heartbeat's liveness effect (resetting last-seen) already happens
// inside Session's inbound pump for every frame; lifecycle-notification
// events beyond heartbeat are logged at debug level since the core protocol
// does not yet act on any of them.
func (s *Server) HandleEvent(sess *session.Session, frame wire.Frame) {
	if frame.Method == "heartbeat" {
		return
	}
	s.log.Debug("worker event", zap.String("session_id", sess.ID()), zap.String("method", frame.Method))
}
