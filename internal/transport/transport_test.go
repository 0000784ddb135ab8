package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/clawfleet/fleetd/internal/wire"
)

// newPair spins up a real websocket connection between a client dialer and
// an httptest server, and wraps the server side in a Transport — enough to
// exercise Send/Recv/Ping/Close against a genuine gorilla/websocket.Conn
// rather than a mock.
func newPair(t *testing.T, cfg Config) (*Transport, *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}

	serverReady := make(chan *Transport, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverReady <- New(conn, cfg)
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { clientConn.Close() })

	select {
	case tr := <-serverReady:
		return tr, clientConn
	case <-time.After(2 * time.Second):
		t.Fatal("server side transport never became ready")
		return nil, nil
	}
}

func TestSendRecvRoundTrip(t *testing.T) {
	serverTransport, clientConn := newPair(t, Config{})

	go func() {
		_ = serverTransport.Send(wire.Frame{Method: "welcome", Result: []byte(`{"sessionId":"s1"}`)})
	}()

	var got wire.Frame
	require.NoError(t, clientConn.ReadJSON(&got))
	require.Equal(t, "welcome", got.Method)
}

func TestRecvReturnsTransportDeadAfterClose(t *testing.T) {
	serverTransport, clientConn := newPair(t, Config{})
	clientConn.Close()

	_, err := serverTransport.Recv()
	require.ErrorIs(t, err, ErrTransportDead)

	// Send must also report the transport as dead once marked.
	err = serverTransport.Send(wire.Frame{Method: "welcome"})
	require.ErrorIs(t, err, ErrTransportDead)
}

func TestCloseIsIdempotent(t *testing.T) {
	serverTransport, _ := newPair(t, Config{})
	require.NoError(t, serverTransport.Close("bye"))
	require.Error(t, serverTransport.Close("bye again")) // second close: socket already closed by gorilla
}
