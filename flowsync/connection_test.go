package flowsync

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func testConnectionSettings() *ConnectionSettings {
	settings := DefaultConnectionSettings()
	settings.RequireAuth = false
	settings.BackoffBase = 10 * time.Millisecond
	settings.BackoffCap = 50 * time.Millisecond
	return settings
}

type statusServer struct {
	server       *httptest.Server
	connectCount atomic.Int64

	mutex  sync.Mutex
	handle func(ws *websocket.Conn)
}

func newStatusServer(handle func(ws *websocket.Conn)) *statusServer {
	self := &statusServer{
		handle: handle,
	}
	upgrader := websocket.Upgrader{}
	self.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		self.connectCount.Add(1)
		self.mutex.Lock()
		handle := self.handle
		self.mutex.Unlock()
		handle(ws)
	}))
	return self
}

func (self *statusServer) setHandle(handle func(ws *websocket.Conn)) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.handle = handle
}

func (self *statusServer) url() string {
	return "ws" + strings.TrimPrefix(self.server.URL, "http")
}

func (self *statusServer) close() {
	self.server.Close()
}

func writeFrame(ws *websocket.Conn, frameType string, payload any) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frameBytes, err := json.Marshal(map[string]any{
		"type":    frameType,
		"payload": json.RawMessage(payloadBytes),
	})
	if err != nil {
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, frameBytes)
}

func holdOpen(ws *websocket.Conn) {
	defer ws.Close()
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func TestConnectionClassifiesFrames(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newStatusServer(func(ws *websocket.Conn) {
		// malformed frames and unknown types must be dropped silently
		ws.WriteMessage(websocket.TextMessage, []byte("{{{"))
		writeFrame(ws, "unrelated_type", map[string]any{"ignored": true})
		writeFrame(ws, FrameTypeWorkflowStatus, map[string]any{
			"execution_id": "exec-1",
			"status":       "running",
		})
		writeFrame(ws, FrameTypeWorkflowComponentStream, `{"component": "graph"}`)
		writeFrame(ws, FrameTypeWorkflowStatus, map[string]any{
			"execution_id": "exec-1",
			"action":       "progress",
			"current_segment": 2,
		})
		holdOpen(ws)
	})
	defer server.close()

	events := make(chan *StatusEvent, 16)
	components := make(chan json.RawMessage, 16)
	connection := NewConnection(ctx, server.url(), nil, ConnectionCallbacks{
		OnStatusEvent: func(event *StatusEvent) {
			events <- event
		},
		OnComponentStream: func(payload json.RawMessage) {
			components <- payload
		},
	}, testConnectionSettings())
	defer connection.Close()

	connection.Connect()

	select {
	case event := <-events:
		assert.Equal(t, event.Identity, "exec-1")
		assert.Equal(t, event.Status, StatusRunning)
	case <-time.After(5 * time.Second):
		t.Fatal("no status event")
	}

	select {
	case payload := <-components:
		// double-encoded payloads are decoded before forwarding
		assert.Equal(t, string(payload), `{"component": "graph"}`)
	case <-time.After(5 * time.Second):
		t.Fatal("no component stream payload")
	}

	select {
	case event := <-events:
		assert.Equal(t, event.Status, StatusRunning)
		// receipt times are strictly increasing per connection
	case <-time.After(5 * time.Second):
		t.Fatal("no progress event")
	}

	waitFor(t, 5*time.Second, connection.IsConnected)
	assert.Equal(t, connection.State(), ConnectionStateOpen)
}

func TestConnectionIdempotentConnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newStatusServer(holdOpen)
	defer server.close()

	connection := NewConnection(ctx, server.url(), nil, ConnectionCallbacks{}, testConnectionSettings())
	defer connection.Close()

	connection.Connect()
	waitFor(t, 5*time.Second, connection.IsConnected)
	connection.Connect()
	connection.Connect()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, server.connectCount.Load(), int64(1))
}

func TestConnectionReconnectsOnAbnormalClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newStatusServer(func(ws *websocket.Conn) {
		// abrupt close, no close frame
		ws.Close()
	})
	defer server.close()

	server.setHandle(func(ws *websocket.Conn) {
		if server.connectCount.Load() == 1 {
			ws.Close()
			return
		}
		holdOpen(ws)
	})

	connection := NewConnection(ctx, server.url(), nil, ConnectionCallbacks{}, testConnectionSettings())
	defer connection.Close()

	connection.Connect()
	waitFor(t, 5*time.Second, func() bool {
		return 2 <= server.connectCount.Load() && connection.IsConnected()
	})
	// the attempt counter reset on the successful open
	assert.Equal(t, connection.State(), ConnectionStateOpen)
}

func TestConnectionNormalCloseDoesNotReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newStatusServer(func(ws *websocket.Conn) {
		message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		ws.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
		// wait for the client echo then drop
		ws.ReadMessage()
		ws.Close()
	})
	defer server.close()

	disconnected := make(chan struct{}, 16)
	connection := NewConnection(ctx, server.url(), nil, ConnectionCallbacks{
		OnDisconnected: func() {
			disconnected <- struct{}{}
		},
	}, testConnectionSettings())
	defer connection.Close()

	connection.Connect()

	select {
	case <-disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("no disconnect")
	}

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, server.connectCount.Load(), int64(1))
	assert.Equal(t, connection.State(), ConnectionStateIdle)
}

func TestConnectionExplicitDisconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newStatusServer(holdOpen)
	defer server.close()

	connection := NewConnection(ctx, server.url(), nil, ConnectionCallbacks{}, testConnectionSettings())
	defer connection.Close()

	connection.Connect()
	waitFor(t, 5*time.Second, connection.IsConnected)

	connection.Disconnect()
	assert.Equal(t, connection.IsConnected(), false)

	time.Sleep(200 * time.Millisecond)
	// no auto-reconnect after an explicit disconnect
	assert.Equal(t, server.connectCount.Load(), int64(1))
	assert.Equal(t, connection.State(), ConnectionStateIdle)
}

func TestConnectionExhaustsReconnectAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newStatusServer(holdOpen)
	// a dead endpoint fails every dial
	deadUrl := server.url()
	server.close()

	settings := testConnectionSettings()
	settings.MaxReconnectAttempts = 2
	connection := NewConnection(ctx, deadUrl, nil, ConnectionCallbacks{}, settings)
	defer connection.Close()

	connection.Connect()
	waitFor(t, 5*time.Second, func() bool {
		return connection.State() == ConnectionStateExhausted
	})
	assert.Equal(t, connection.IsConnected(), false)
}

func TestConnectionUpdateCallbacks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newStatusServer(func(ws *websocket.Conn) {
		defer ws.Close()
		for {
			err := writeFrame(ws, FrameTypeWorkflowStatus, map[string]any{
				"execution_id": "exec-1",
				"status":       "running",
			})
			if err != nil {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	})
	defer server.close()

	connection := NewConnection(ctx, server.url(), nil, ConnectionCallbacks{}, testConnectionSettings())
	defer connection.Close()

	connection.Connect()
	waitFor(t, 5*time.Second, connection.IsConnected)

	// subscribe after the socket is already open, without a reconnect
	events := make(chan *StatusEvent, 16)
	connection.UpdateCallbacks(ConnectionCallbacks{
		OnStatusEvent: func(event *StatusEvent) {
			events <- event
		},
	})

	select {
	case event := <-events:
		assert.Equal(t, event.Identity, "exec-1")
	case <-time.After(5 * time.Second):
		t.Fatal("updated callback never fired")
	}
	assert.Equal(t, server.connectCount.Load(), int64(1))
}

type staticTokenProvider struct {
	token string
	err   error
}

func (self *staticTokenProvider) SessionToken(ctx context.Context) (string, error) {
	return self.token, self.err
}

func TestConnectionAppendsToken(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tokens := make(chan string, 16)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokens <- r.URL.Query().Get("token")
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		holdOpen(ws)
	}))
	defer server.Close()

	settings := testConnectionSettings()
	settings.RequireAuth = true
	connection := NewConnection(
		ctx,
		"ws"+strings.TrimPrefix(server.URL, "http"),
		&staticTokenProvider{token: "session-token-1"},
		ConnectionCallbacks{},
		settings,
	)
	defer connection.Close()

	connection.Connect()
	select {
	case token := <-tokens:
		assert.Equal(t, token, "session-token-1")
	case <-time.After(5 * time.Second):
		t.Fatal("no connection")
	}
}

func TestConnectionTokenFailureStillConnects(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newStatusServer(holdOpen)
	defer server.close()

	settings := testConnectionSettings()
	settings.RequireAuth = true
	connection := NewConnection(
		ctx,
		server.url(),
		&staticTokenProvider{err: context.DeadlineExceeded},
		ConnectionCallbacks{},
		settings,
	)
	defer connection.Close()

	// token acquisition failed, the dial proceeds without a credential
	connection.Connect()
	waitFor(t, 5*time.Second, connection.IsConnected)
}

func TestReconnectDelay(t *testing.T) {
	base := 1000 * time.Millisecond
	cap := 30000 * time.Millisecond

	assert.Equal(t, ReconnectDelay(1, base, cap), 1000*time.Millisecond)
	assert.Equal(t, ReconnectDelay(2, base, cap), 2000*time.Millisecond)
	assert.Equal(t, ReconnectDelay(3, base, cap), 4000*time.Millisecond)
	assert.Equal(t, ReconnectDelay(4, base, cap), 8000*time.Millisecond)
	assert.Equal(t, ReconnectDelay(5, base, cap), 16000*time.Millisecond)
	for attempt := 6; attempt < 64; attempt += 1 {
		assert.Equal(t, ReconnectDelay(attempt, base, cap), cap)
	}
}
