// Package transport implements the duplex framed channel (§4.1) carrying
// wire.Frame JSON objects over a websocket connection. It is grounded on the
// teacher's server/internal/websocket client read/write pumps, generalized
// from server-push-only to full duplex send/recv since a worker connection
// must carry control-plane-originated requests as well as worker-originated
// events and responses.
package transport

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clawfleet/fleetd/internal/wire"
)

// ErrTransportDead is returned by Send/Recv once the underlying connection
// has failed or been closed. It is the local-only error promoted to
// session-lost for Invoker callers — it never crosses a component boundary
// itself.
var ErrTransportDead = errors.New("transport-dead")

const (
	// DefaultMaxFrameBytes is the recommended max frame size (§4.1).
	DefaultMaxFrameBytes = 16 << 20
	// DefaultReadIdleTimeout is the default read idle timeout (§4.1).
	DefaultReadIdleTimeout = 45 * time.Second
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
)

// Config configures frame-size and deadline enforcement.
type Config struct {
	MaxFrameBytes   int64
	ReadIdleTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = DefaultReadIdleTimeout
	}
	return c
}

// Transport is a duplex framed channel over one websocket connection. It
// owns no business state (§4.1) — Session is the caller that interprets
// frames.
type Transport struct {
	conn *websocket.Conn
	cfg  Config

	writeMu sync.Mutex // gorilla/websocket conns are not safe for concurrent writes
	deadMu  sync.RWMutex
	dead    bool
}

// New wraps an already-upgraded websocket connection as a Transport.
func New(conn *websocket.Conn, cfg Config) *Transport {
	cfg = cfg.withDefaults()
	conn.SetReadLimit(cfg.MaxFrameBytes)
	t := &Transport{conn: conn, cfg: cfg}
	_ = conn.SetReadDeadline(time.Now().Add(cfg.ReadIdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(t.cfg.ReadIdleTimeout))
	})
	return t
}

// Send writes frame to the wire. Fails with ErrTransportDead if the
// connection has already failed or been closed.
func (t *Transport) Send(frame wire.Frame) error {
	if t.isDead() {
		return ErrTransportDead
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		t.markDead()
		return ErrTransportDead
	}
	if err := t.conn.WriteJSON(frame); err != nil {
		t.markDead()
		return ErrTransportDead
	}
	return nil
}

// Recv blocks until the next frame arrives, the connection fails, or the
// read idle timeout elapses. Resets the read deadline on every pong so a
// responsive peer's connection stays alive indefinitely.
func (t *Transport) Recv() (wire.Frame, error) {
	if t.isDead() {
		return wire.Frame{}, ErrTransportDead
	}

	_, data, err := t.conn.ReadMessage()
	if err != nil {
		t.markDead()
		return wire.Frame{}, ErrTransportDead
	}

	var f wire.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		// A malformed frame does not kill the transport by itself; the
		// caller (Session) decides whether to treat it as fatal.
		return wire.Frame{}, err
	}
	return f, nil
}

// Ping sends a websocket ping frame, used by the Session heartbeat watchdog
// to keep idle connections alive and detect dead peers promptly.
func (t *Transport) Ping() error {
	if t.isDead() {
		return ErrTransportDead
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		t.markDead()
		return ErrTransportDead
	}
	if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		t.markDead()
		return ErrTransportDead
	}
	return nil
}

// Close half-closes the transport: it sends a close frame with reason, then
// releases the socket. Safe to call more than once.
func (t *Transport) Close(reason string) error {
	t.markDead()

	t.writeMu.Lock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = t.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
	t.writeMu.Unlock()

	return t.conn.Close()
}

// CloseWithCode closes the transport with a specific numeric close code, used
// for handshake rejections (duplicate-name, auth-failed, incompatible-version).
func (t *Transport) CloseWithCode(code int, reason string) error {
	t.markDead()

	t.writeMu.Lock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	t.writeMu.Unlock()

	return t.conn.Close()
}

func (t *Transport) isDead() bool {
	t.deadMu.RLock()
	defer t.deadMu.RUnlock()
	return t.dead
}

func (t *Transport) markDead() {
	t.deadMu.Lock()
	t.dead = true
	t.deadMu.Unlock()
}
