package flowsync

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type ConnectionSettings struct {
	WsHandshakeTimeout   time.Duration
	TokenTimeout         time.Duration
	WriteTimeout         time.Duration
	BackoffBase          time.Duration
	BackoffCap           time.Duration
	MaxReconnectAttempts int
	// append a session token to the url at dial time.
	// the websocket protocol carries no custom header channel after the handshake
	RequireAuth bool
}

func DefaultConnectionSettings() *ConnectionSettings {
	return &ConnectionSettings{
		WsHandshakeTimeout:   2 * time.Second,
		TokenTimeout:         5 * time.Second,
		WriteTimeout:         5 * time.Second,
		BackoffBase:          1 * time.Second,
		BackoffCap:           30 * time.Second,
		MaxReconnectAttempts: 10,
		RequireAuth:          true,
	}
}

// TokenProvider resolves a short-lived session credential before a dial.
// Acquisition failure never blocks a connection attempt.
type TokenProvider interface {
	SessionToken(ctx context.Context) (string, error)
}

// all slots are optional. nil slots in an UpdateCallbacks call leave the
// live slot unchanged, so a dynamic subscriber can swap one callback
// without tearing down the socket
type ConnectionCallbacks struct {
	OnStatusEvent     func(event *StatusEvent)
	OnConnected       func()
	OnDisconnected    func()
	OnComponentStream func(payload json.RawMessage)
}

type ConnectionState int

const (
	ConnectionStateIdle ConnectionState = iota
	ConnectionStateConnecting
	ConnectionStateOpen
	ConnectionStateReconnectScheduled
	ConnectionStateExhausted
)

func (self ConnectionState) String() string {
	switch self {
	case ConnectionStateIdle:
		return "idle"
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateOpen:
		return "open"
	case ConnectionStateReconnectScheduled:
		return "reconnect-scheduled"
	case ConnectionStateExhausted:
		return "exhausted"
	}
	return "unknown"
}

// Connection owns a single persistent websocket to the status endpoint.
// The transport handle is owned exclusively and replaced wholesale on
// reconnect. A generation counter keeps a stale transport's read loop from
// dispatching frames after a newer transport is installed.
type Connection struct {
	ctx    context.Context
	cancel context.CancelFunc

	connectUrl    string
	tokenProvider TokenProvider
	settings      *ConnectionSettings

	clock receiptClock

	mutex            sync.Mutex
	callbacks        ConnectionCallbacks
	ws               *websocket.Conn
	generation       int
	state            ConnectionState
	reconnectAttempt int
	reconnectPending bool
	reconnectTimer   *time.Timer
}

func NewConnectionWithDefaults(
	ctx context.Context,
	connectUrl string,
	tokenProvider TokenProvider,
	callbacks ConnectionCallbacks,
) *Connection {
	return NewConnection(ctx, connectUrl, tokenProvider, callbacks, DefaultConnectionSettings())
}

func NewConnection(
	ctx context.Context,
	connectUrl string,
	tokenProvider TokenProvider,
	callbacks ConnectionCallbacks,
	settings *ConnectionSettings,
) *Connection {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Connection{
		ctx:           cancelCtx,
		cancel:        cancel,
		connectUrl:    connectUrl,
		tokenProvider: tokenProvider,
		settings:      settings,
		callbacks:     callbacks,
	}
}

// Connect establishes the transport if not already open or opening.
// Calling Connect from the exhausted state restarts the attempt counter.
func (self *Connection) Connect() {
	self.mutex.Lock()
	if self.state == ConnectionStateOpen || self.state == ConnectionStateConnecting {
		self.mutex.Unlock()
		return
	}
	// a manual connect supersedes any scheduled reconnect
	self.cancelReconnectTimer()
	self.reconnectAttempt = 0
	self.reconnectPending = false
	self.state = ConnectionStateConnecting
	self.generation += 1
	generation := self.generation
	self.mutex.Unlock()

	go self.dial(generation)
}

// Disconnect closes the transport with a normal-closure code and suppresses
// auto-reconnect until Connect is called again.
func (self *Connection) Disconnect() {
	self.mutex.Lock()
	ws := self.ws
	self.ws = nil
	self.generation += 1
	self.state = ConnectionStateIdle
	self.reconnectAttempt = 0
	self.reconnectPending = false
	self.cancelReconnectTimer()
	onDisconnected := self.callbacks.OnDisconnected
	self.mutex.Unlock()

	if ws != nil {
		message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		ws.WriteControl(websocket.CloseMessage, message, time.Now().Add(self.settings.WriteTimeout))
		ws.Close()
		if onDisconnected != nil {
			onDisconnected()
		}
	}
}

// Close tears down the connection and cancels all pending work
func (self *Connection) Close() {
	self.cancel()
	self.Disconnect()
}

// UpdateCallbacks merges the non-nil slots into the live callback table
func (self *Connection) UpdateCallbacks(partial ConnectionCallbacks) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if partial.OnStatusEvent != nil {
		self.callbacks.OnStatusEvent = partial.OnStatusEvent
	}
	if partial.OnConnected != nil {
		self.callbacks.OnConnected = partial.OnConnected
	}
	if partial.OnDisconnected != nil {
		self.callbacks.OnDisconnected = partial.OnDisconnected
	}
	if partial.OnComponentStream != nil {
		self.callbacks.OnComponentStream = partial.OnComponentStream
	}
}

// State reports the reconnection state machine's current state.
// The owning application surfaces the exhausted state to the user.
func (self *Connection) State() ConnectionState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.state
}

func (self *Connection) IsConnected() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.state == ConnectionStateOpen && self.ws != nil
}

func (self *Connection) dial(generation int) {
	dialUrl := self.connectUrl
	if self.settings.RequireAuth && self.tokenProvider != nil {
		tokenCtx, tokenCancel := context.WithTimeout(self.ctx, self.settings.TokenTimeout)
		token, err := self.tokenProvider.SessionToken(tokenCtx)
		tokenCancel()
		if err != nil {
			// connect without a credential rather than block reconnection
			glog.Infof("[c]token error = %s\n", err)
		} else if token != "" {
			dialUrl = appendToken(dialUrl, token)
		}
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(self.ctx, dialUrl, nil)
	if err != nil {
		glog.Infof("[c]dial error = %s\n", err)
		self.mutex.Lock()
		if self.generation != generation || self.ctx.Err() != nil {
			self.mutex.Unlock()
			return
		}
		self.state = ConnectionStateIdle
		self.scheduleReconnect()
		self.mutex.Unlock()
		return
	}

	self.mutex.Lock()
	if self.generation != generation || self.ctx.Err() != nil {
		self.mutex.Unlock()
		ws.Close()
		return
	}
	self.ws = ws
	self.state = ConnectionStateOpen
	self.reconnectAttempt = 0
	self.reconnectPending = false
	self.cancelReconnectTimer()
	onConnected := self.callbacks.OnConnected
	self.mutex.Unlock()

	glog.V(2).Infof("[c]open %s\n", self.connectUrl)
	if onConnected != nil {
		onConnected()
	}

	go self.readLoop(ws, generation)
}

func (self *Connection) readLoop(ws *websocket.Conn, generation int) {
	defer ws.Close()
	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			self.handleClose(generation, err)
			return
		}
		self.handleMessage(generation, message)
	}
}

func (self *Connection) handleClose(generation int, err error) {
	normal := websocket.IsCloseError(err, websocket.CloseNormalClosure)

	self.mutex.Lock()
	if self.generation != generation {
		// a newer transport owns the connection
		self.mutex.Unlock()
		return
	}
	self.ws = nil
	self.state = ConnectionStateIdle
	onDisconnected := self.callbacks.OnDisconnected
	if !normal && self.ctx.Err() == nil {
		glog.Infof("[c]abnormal close = %s\n", err)
		self.scheduleReconnect()
	}
	self.mutex.Unlock()

	if onDisconnected != nil {
		onDisconnected()
	}
}

// must be called with the mutex held
func (self *Connection) scheduleReconnect() {
	if self.reconnectPending {
		// one scheduled or in-flight reconnect at a time
		return
	}
	if self.settings.MaxReconnectAttempts <= self.reconnectAttempt {
		self.state = ConnectionStateExhausted
		glog.Infof("[c]reconnect attempts exhausted after %d\n", self.reconnectAttempt)
		return
	}
	self.reconnectAttempt += 1
	delay := ReconnectDelay(self.reconnectAttempt, self.settings.BackoffBase, self.settings.BackoffCap)
	self.reconnectPending = true
	self.state = ConnectionStateReconnectScheduled
	glog.Infof("[c]reconnect %d in %s\n", self.reconnectAttempt, delay)
	self.reconnectTimer = time.AfterFunc(delay, func() {
		self.mutex.Lock()
		if !self.reconnectPending || self.ctx.Err() != nil {
			self.mutex.Unlock()
			return
		}
		self.reconnectPending = false
		self.reconnectTimer = nil
		self.state = ConnectionStateConnecting
		self.generation += 1
		generation := self.generation
		self.mutex.Unlock()

		self.dial(generation)
	})
}

// must be called with the mutex held
func (self *Connection) cancelReconnectTimer() {
	if self.reconnectTimer != nil {
		self.reconnectTimer.Stop()
		self.reconnectTimer = nil
	}
}

func (self *Connection) handleMessage(generation int, message []byte) {
	var frame wireFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		// malformed frames must never crash the pipeline
		glog.Infof("[c]drop malformed frame = %s\n", err)
		return
	}

	self.mutex.Lock()
	if self.generation != generation {
		self.mutex.Unlock()
		return
	}
	callbacks := self.callbacks
	self.mutex.Unlock()

	switch frame.Type {
	case FrameTypeWorkflowStatus:
		event, err := NormalizeStatusEvent(frame.Payload, self.clock.Now())
		if err != nil {
			glog.Infof("[c]drop malformed status payload = %s\n", err)
			return
		}
		glog.V(2).Infof("[c]%s<- %s\n", event.Identity, event.Status)
		if callbacks.OnStatusEvent != nil {
			callbacks.OnStatusEvent(event)
		}
	case FrameTypeWorkflowComponentStream:
		// a higher-frequency sub-stream, forwarded verbatim
		if callbacks.OnComponentStream != nil {
			callbacks.OnComponentStream(decodeComponentStream(frame.Payload))
		}
	default:
		glog.V(2).Infof("[c]ignore frame type=%s\n", frame.Type)
	}
}

// ReconnectDelay is the backoff delay before the given 1-based attempt:
// min(base * 2^(attempt-1), cap)
func ReconnectDelay(attempt int, base time.Duration, cap time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if 32 <= attempt {
		return cap
	}
	delay := base << uint(attempt-1)
	if cap < delay || delay <= 0 {
		return cap
	}
	return delay
}

func appendToken(rawUrl string, token string) string {
	u, err := url.Parse(rawUrl)
	if err != nil {
		return rawUrl
	}
	query := u.Query()
	query.Set("token", token)
	u.RawQuery = query.Encode()
	return u.String()
}
