// Package workerclient is a reference implementation of the worker side of
// the wire protocol (§6): connect, send hello, answer node.health /
// node.capabilities / workload.run, and keep the connection alive against
// the control plane's heartbeat watchdog. Used by integration tests; not
// part of the control plane itself.
//
// Grounded on the teacher's agent/internal/connection.Manager: the same
// connect-register-loop-reconnect shape, generalized from gRPC register/
// heartbeat/stream-jobs to the websocket hello/heartbeat/command protocol.
package workerclient

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/clawfleet/fleetd/internal/wire"
)

const (
	backoffInitial  = 1 * time.Second
	backoffMax      = 30 * time.Second
	backoffFactor   = 2.0
	jitterFraction  = 0.2
	heartbeatPeriod = 10 * time.Second
)

// CommandHandler answers one control-plane-originated request (e.g.
// node.health, node.capabilities, workload.run) and returns the JSON result
// to send back, or an error to report as a worker error frame.
type CommandHandler func(ctx context.Context, params json.RawMessage) (result any, err error)

// Config configures the worker client's identity and handlers.
type Config struct {
	ServerURL    string // e.g. "ws://localhost:8443/v1/connect"
	Name         string
	Token        string
	Capabilities wire.CapabilityWire
	Handlers     map[string]CommandHandler
}

// Client is a minimal worker: it dials the control plane, completes the
// hello handshake, answers dispatched commands, and reconnects with
// exponential backoff + jitter on any failure.
type Client struct {
	cfg Config
	log *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// New constructs a Client. Call Run to start the connect-and-serve loop.
func New(cfg Config, log *zap.Logger) *Client {
	return &Client{cfg: cfg, log: log.Named("workerclient")}
}

// Run connects to the server and serves commands until ctx is cancelled,
// reconnecting with backoff on any failure. Blocks until ctx is done.
func (c *Client) Run(ctx context.Context) {
	backoff := backoffInitial

	for {
		if ctx.Err() != nil {
			return
		}

		if err := c.connectAndServe(ctx); err != nil {
			c.log.Warn("connection lost, retrying", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return
			case <-time.After(jitter(backoff)):
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = backoffInitial
	}
}

func (c *Client) connectAndServe(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.ServerURL, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	hello := wire.HelloParams{Name: c.cfg.Name, Capabilities: c.cfg.Capabilities, Token: c.cfg.Token}
	helloParams, err := wire.Marshal(hello)
	if err != nil {
		return fmt.Errorf("encode hello: %w", err)
	}
	if err := conn.WriteJSON(wire.Frame{Method: "hello", Params: helloParams}); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	var welcomeFrame wire.Frame
	if err := conn.ReadJSON(&welcomeFrame); err != nil {
		return fmt.Errorf("await welcome: %w", err)
	}
	if welcomeFrame.Method != "welcome" {
		return fmt.Errorf("expected welcome, got method %q", welcomeFrame.Method)
	}

	go c.heartbeatLoop(ctx, conn)

	for {
		var frame wire.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		if !frame.IsRequest() {
			continue
		}
		go c.handleRequest(ctx, conn, frame)
	}
}

func (c *Client) handleRequest(ctx context.Context, conn *websocket.Conn, frame wire.Frame) {
	handler, ok := c.cfg.Handlers[frame.Method]
	if !ok {
		c.respondError(conn, frame.ID, "method-not-supported", fmt.Sprintf("no handler for %q", frame.Method))
		return
	}

	result, err := handler(ctx, frame.Params)
	if err != nil {
		c.respondError(conn, frame.ID, "worker-error", err.Error())
		return
	}

	payload, err := wire.Marshal(result)
	if err != nil {
		c.respondError(conn, frame.ID, "worker-error", fmt.Sprintf("failed to encode result: %v", err))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_ = conn.WriteJSON(wire.Frame{ID: frame.ID, Result: payload})
}

func (c *Client) respondError(conn *websocket.Conn, id int64, code, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = conn.WriteJSON(wire.Frame{ID: id, Error: &wire.FrameError{Code: code, Message: message}})
}

func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(heartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			err := conn.WriteJSON(wire.Frame{Method: "heartbeat"})
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	return d + time.Duration((rand.Float64()*2-1)*delta)
}

func nextBackoff(d time.Duration) time.Duration {
	next := time.Duration(float64(d) * backoffFactor)
	if next > backoffMax {
		return backoffMax
	}
	return next
}
