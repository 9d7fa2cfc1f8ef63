package nostrclient

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/proxy"
)

// ConnState is the connection lifecycle state, owned exclusively by Conn.
// Everything else only observes it.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

const (
	defaultInitialBackoff = 1 * time.Second
	defaultMaxBackoff     = 60 * time.Second
	defaultMaxAttempts    = 10
	defaultSettleDelay    = 500 * time.Millisecond
	writeTimeout          = 10 * time.Second
	dialTimeout           = 10 * time.Second
)

// ConnConfig configures a relay connection.
type ConnConfig struct {
	URL string

	// ProxyAddr is an optional SOCKS5 proxy (host:port). Loopback relay
	// targets bypass the proxy unconditionally.
	ProxyAddr string

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxAttempts    int
	SettleDelay    time.Duration

	Logger *slog.Logger
}

func (cfg *ConnConfig) applyDefaults() {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = defaultSettleDelay
	}
}

// Conn manages a single websocket connection to one relay: lifecycle,
// the sequential inbound read loop, and the reconnect state machine.
type Conn struct {
	cfg    ConnConfig
	logger *slog.Logger

	mu             sync.Mutex
	ws             *websocket.Conn
	state          ConnState
	attempt        int
	permanent      bool
	closed         bool
	gen            int
	reconnectTimer *time.Timer

	writeMu sync.Mutex

	onFrame     func(Frame)
	onState     func(ConnState)
	onConnected func()
}

// NewConn creates an unconnected Conn.
func NewConn(cfg ConnConfig) *Conn {
	cfg.applyDefaults()
	return &Conn{
		cfg:    cfg,
		logger: loggerOrDefault(cfg.Logger).With("relay", cfg.URL),
		state:  StateDisconnected,
	}
}

// SetHandlers installs the inbound frame handler, the state-change observer
// and the connected hook (used to drain the pending queue). Must be called
// before Connect. Handlers must not call back into Conn methods that take
// locks while handling a state notification.
func (c *Conn) SetHandlers(onFrame func(Frame), onState func(ConnState), onConnected func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFrame = onFrame
	c.onState = onState
	c.onConnected = onConnected
}

// State returns the current connection state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// backoffDelay computes min(initial * 2^(attempt-1), max) for attempt >= 1.
func backoffDelay(attempt int, initial, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// isLoopbackTarget reports whether the relay URL points at the local host.
// Local relays are dialed directly even when a proxy is configured.
func isLoopbackTarget(relayURL string) bool {
	parsed, err := url.Parse(relayURL)
	if err != nil {
		return false
	}
	host := parsed.Hostname()
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// dial establishes the websocket, routing through the SOCKS proxy when one
// is configured and the target is not loopback.
func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: dialTimeout,
	}

	if c.cfg.ProxyAddr != "" && !isLoopbackTarget(c.cfg.URL) {
		socks, err := proxy.SOCKS5("tcp", c.cfg.ProxyAddr, nil, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("%w: socks proxy setup failed: %v", ErrTransportUnavailable, err)
		}
		contextDialer, ok := socks.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("%w: socks dialer does not support context dialing", ErrTransportUnavailable)
		}
		dialer.NetDialContext = contextDialer.DialContext
	}

	ws, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	return ws, nil
}

// Connect establishes the transport. The dial error is surfaced
// synchronously to this caller only; once connected, later transport
// errors are swallowed into the reconnect state machine.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.permanent = false
	c.stopReconnectTimerLocked()
	notify := c.setStateLocked(StateConnecting)
	c.mu.Unlock()
	notify()

	ws, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		notify = c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		notify()
		return err
	}

	c.installConn(ws)
	return nil
}

// installConn takes ownership of a freshly dialed socket.
func (c *Conn) installConn(ws *websocket.Conn) {
	c.mu.Lock()
	if c.closed || c.permanent {
		c.mu.Unlock()
		ws.Close()
		return
	}
	c.ws = ws
	c.attempt = 0
	c.gen++
	gen := c.gen
	settle := c.cfg.SettleDelay
	hook := c.onConnected
	notify := c.setStateLocked(StateConnected)
	c.mu.Unlock()

	notify()
	c.logger.Info("relay connected")

	go c.readLoop(ws, gen)

	if hook != nil {
		// Give the socket a moment to settle before draining the queue,
		// otherwise the first replayed events race connection readiness.
		time.AfterFunc(settle, hook)
	}
}

// readLoop processes the sequential inbound message stream for one socket
// generation. A malformed frame is logged and skipped, never aborts the loop.
func (c *Conn) readLoop(ws *websocket.Conn, gen int) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.handleDisconnect(gen, err)
			return
		}

		frame, err := ParseFrame(data)
		if err != nil {
			framesDroppedTotal.Add(1)
			c.logger.Debug("dropping malformed frame", "error", err)
			continue
		}

		c.mu.Lock()
		handler := c.onFrame
		c.mu.Unlock()
		if handler != nil {
			handler(frame)
		}
	}
}

// handleDisconnect reacts to a transport error or clean close on the read
// loop of the given generation. Stale generations are ignored.
func (c *Conn) handleDisconnect(gen int, cause error) {
	c.mu.Lock()
	if c.closed || gen != c.gen || c.ws == nil {
		c.mu.Unlock()
		return
	}
	c.ws.Close()
	c.ws = nil

	if c.permanent {
		notify := c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		notify()
		return
	}

	c.logger.Warn("relay connection lost", "error", cause)
	notify := c.setStateLocked(StateReconnecting)
	c.scheduleReconnectLocked()
	c.mu.Unlock()
	notify()
}

// scheduleReconnectLocked arms the next reconnect attempt. Caller holds mu.
func (c *Conn) scheduleReconnectLocked() {
	c.attempt++
	if c.attempt > c.cfg.MaxAttempts {
		c.logger.Error("reconnect attempts exhausted", "attempts", c.cfg.MaxAttempts)
		c.state = StateDisconnected
		if cb := c.onState; cb != nil {
			go cb(StateDisconnected)
		}
		return
	}

	delay := backoffDelay(c.attempt, c.cfg.InitialBackoff, c.cfg.MaxBackoff)
	c.logger.Info("scheduling reconnect", "attempt", c.attempt, "delay", delay)
	c.reconnectTimer = time.AfterFunc(delay, c.tryReconnect)
}

// tryReconnect is the timer callback for one reconnect attempt.
func (c *Conn) tryReconnect() {
	c.mu.Lock()
	if c.closed || c.permanent || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	ws, err := c.dial(ctx)
	cancel()

	if err != nil {
		c.logger.Warn("reconnect attempt failed", "error", err)
		c.mu.Lock()
		if !c.closed && !c.permanent && c.state == StateReconnecting {
			c.scheduleReconnectLocked()
		}
		c.mu.Unlock()
		return
	}

	reconnectsTotal.Add(1)
	c.installConn(ws)
}

// ResetBackoff clears the attempt counter. A connection parked in
// disconnected after exhausting its attempts is revived with Connect.
func (c *Conn) ResetBackoff() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempt = 0
}

// Disconnect closes the socket. Unless permanent, auto-reconnect stays
// armed for subsequent transport activity; permanent tears the connection
// down until the caller dials again.
func (c *Conn) Disconnect(permanent bool) {
	c.mu.Lock()
	c.permanent = permanent
	c.stopReconnectTimerLocked()
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
		c.gen++
	}
	notify := c.setStateLocked(StateDisconnected)
	c.mu.Unlock()
	notify()
}

// Close permanently shuts the connection down.
func (c *Conn) Close() {
	c.Disconnect(true)
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *Conn) stopReconnectTimerLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

// setStateLocked records a state transition and returns the deferred
// observer notification. Caller holds mu and invokes the returned func
// after unlocking.
func (c *Conn) setStateLocked(s ConnState) func() {
	if c.state == s {
		return func() {}
	}
	c.state = s
	cb := c.onState
	if cb == nil {
		return func() {}
	}
	return func() { cb(s) }
}

// WriteFrame sends one encoded frame with a write deadline. Returns
// ErrNotConnected while the socket is down.
func (c *Conn) WriteFrame(data []byte) error {
	c.mu.Lock()
	ws := c.ws
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || ws == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	defer ws.SetWriteDeadline(time.Time{})

	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}
