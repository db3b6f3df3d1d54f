// Package transport owns the single persistent socket to the coordination
// endpoint: open/close lifecycle, exponential-backoff reconnection and
// heartbeat liveness. All envelopes enter and leave the process here.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"github.com/Chicook/WoldVirtual3DlucIA-sub001/core/collab/common"
	"github.com/Chicook/WoldVirtual3DlucIA-sub001/core/collab/protocol"
)

// Config holds connection settings.
type Config struct {
	Endpoint             string        `json:"endpoint"`
	AutoReconnect        bool          `json:"auto_reconnect"`
	ConnectTimeout       time.Duration `json:"connect_timeout"`
	ReconnectInterval    time.Duration `json:"reconnect_interval"`
	MaxReconnectDelay    time.Duration `json:"max_reconnect_delay"`
	MaxReconnectAttempts int           `json:"max_reconnect_attempts"`
	HeartbeatInterval    time.Duration `json:"heartbeat_interval"`
	HeartbeatTimeout     time.Duration `json:"heartbeat_timeout"`
	QueueSize            int           `json:"queue_size"`
	MaxMessageSize       int64         `json:"max_message_size"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		AutoReconnect:        true,
		ConnectTimeout:       10 * time.Second,
		ReconnectInterval:    1 * time.Second,
		MaxReconnectDelay:    30 * time.Second,
		MaxReconnectAttempts: 10,
		HeartbeatInterval:    30 * time.Second,
		HeartbeatTimeout:     60 * time.Second,
		QueueSize:            1000,
		MaxMessageSize:       10 * 1024 * 1024,
	}
}

// Connection maintains exactly one live websocket with automatic
// recovery. Envelopes sent while the socket is down queue up and flush
// priority-descending, FIFO within a tier, once it reopens.
type Connection struct {
	cfg        Config
	codec      *protocol.Codec
	emit       common.EmitFunc
	onEnvelope func(*common.Envelope)
	logger     *slog.Logger

	mu               sync.Mutex
	state            common.ConnState
	ws               *websocket.Conn
	queue            *common.PriorityQueue
	gen              uint64
	attempts         int
	backoff          *backoff.ExponentialBackOff
	reconnectEnabled bool
	lastTraffic      time.Time
	pingSentAt       time.Time

	heartbeatTimer *time.Timer
	timeoutTimer   *time.Timer
	reconnectTimer *time.Timer
}

// NewConnection creates a connection in the CLOSED state. onEnvelope
// receives every decoded inbound envelope; emit must never block.
func NewConnection(cfg Config, codec *protocol.Codec, emit common.EmitFunc, onEnvelope func(*common.Envelope), logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	if emit == nil {
		emit = func(common.Event) {}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.ReconnectInterval
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = cfg.MaxReconnectDelay
	b.MaxElapsedTime = 0

	return &Connection{
		cfg:        cfg,
		codec:      codec,
		emit:       emit,
		onEnvelope: onEnvelope,
		logger:     logger.With("component", "transport"),
		queue:      common.NewPriorityQueue(cfg.QueueSize),
		backoff:    b,
	}
}

// State returns the current lifecycle state.
func (c *Connection) State() common.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// QueueLen returns the number of envelopes waiting for the socket.
func (c *Connection) QueueLen() int {
	return c.queue.Len()
}

// Connect transitions CLOSED -> CONNECTING and dials the endpoint. On
// success the queue flushes and heartbeats start. On failure the error is
// returned; with AutoReconnect enabled the backoff loop keeps retrying in
// the background until MaxReconnectAttempts failures have accumulated.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == common.ConnOpen || c.state == common.ConnConnecting {
		c.mu.Unlock()
		return common.ErrAlreadyConnected
	}
	c.state = common.ConnConnecting
	c.attempts = 0
	c.backoff.Reset()
	c.reconnectEnabled = c.cfg.AutoReconnect
	c.mu.Unlock()

	return c.dial(ctx)
}

// dial attempts one transport establishment and routes the outcome.
func (c *Connection) dial(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.ConnectTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	ws, _, err := dialer.DialContext(dialCtx, c.cfg.Endpoint, nil)
	if err != nil {
		return c.dialFailed(err)
	}

	if c.cfg.MaxMessageSize > 0 {
		ws.SetReadLimit(c.cfg.MaxMessageSize)
	}

	c.mu.Lock()
	if c.state != common.ConnConnecting {
		// Closed while the dial was in flight.
		c.mu.Unlock()
		ws.Close()
		return common.ErrConnectionClosed
	}
	c.ws = ws
	c.state = common.ConnOpen
	c.gen++
	gen := c.gen
	c.attempts = 0
	c.backoff.Reset()
	c.lastTraffic = time.Now()
	c.armHeartbeatLocked()
	c.mu.Unlock()

	c.logger.Info("connection open", "endpoint", c.cfg.Endpoint)
	c.emit(common.Event{Kind: common.EventConnOpen, Time: time.Now()})

	go c.readLoop(ws, gen)
	c.flush()
	return nil
}

// dialFailed counts the failure and either schedules the next backoff
// attempt or raises the terminal reconnect-failed event.
func (c *Connection) dialFailed(err error) error {
	c.mu.Lock()
	c.attempts++
	attempts := c.attempts
	terminal := !c.reconnectEnabled || attempts >= c.cfg.MaxReconnectAttempts
	if terminal {
		c.state = common.ConnClosed
		c.reconnectEnabled = false
	} else {
		delay := c.backoff.NextBackOff()
		c.reconnectTimer = time.AfterFunc(delay, c.redial)
		c.logger.Warn("dial failed, retrying", "attempt", attempts, "delay", delay, "error", err)
	}
	c.mu.Unlock()

	c.emit(common.Event{Kind: common.EventConnError, Time: time.Now(), Err: err})
	if terminal {
		if c.cfg.AutoReconnect {
			c.logger.Error("reconnect failed", "attempts", attempts, "error", err)
			c.emit(common.Event{Kind: common.EventReconnectFailed, Time: time.Now(), Attempt: attempts})
		}
		return &common.TransportError{Op: "connect", Err: err}
	}
	return &common.TransportError{Op: "connect", Err: err}
}

// redial is the reconnect timer callback.
func (c *Connection) redial() {
	c.mu.Lock()
	if c.state != common.ConnConnecting {
		c.mu.Unlock()
		return
	}
	attempt := c.attempts + 1
	c.mu.Unlock()

	c.emit(common.Event{Kind: common.EventReconnect, Time: time.Now(), Attempt: attempt})
	_ = c.dial(context.Background())
}

// Send attempts immediate transmission when OPEN and enqueues otherwise.
// A transmit failure re-enqueues the envelope once, at the head of its
// priority tier, and forces the reconnect path.
func (c *Connection) Send(env *common.Envelope) error {
	c.mu.Lock()
	if c.state != common.ConnOpen {
		c.mu.Unlock()
		c.enqueue(env)
		return nil
	}
	err := c.writeLocked(env)
	c.mu.Unlock()

	if err != nil {
		if env.Retries < 1 {
			env.Retries++
			c.queue.PushFront(env)
		} else {
			env.Status = common.DeliveryFailed
		}
		c.closeAndRecover(websocket.CloseAbnormalClosure, fmt.Sprintf("write: %v", err))
		return &common.TransportError{Op: "send", Err: err}
	}
	return nil
}

func (c *Connection) enqueue(env *common.Envelope) {
	if evicted, _ := c.queue.Push(env); evicted != nil && evicted != env {
		c.logger.Debug("queue overflow, evicted envelope",
			"id", common.ShortID(evicted.ID), "priority", evicted.Priority)
	}
}

// writeLocked encodes and writes a single envelope. Caller holds mu.
func (c *Connection) writeLocked(env *common.Envelope) error {
	data, err := c.codec.Encode(env)
	if err != nil {
		return err
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	env.Status = common.DeliverySent
	return nil
}

// flush drains the queue while the socket stays open.
func (c *Connection) flush() {
	for {
		c.mu.Lock()
		if c.state != common.ConnOpen {
			c.mu.Unlock()
			return
		}
		env, ok := c.queue.Pop()
		if !ok {
			c.mu.Unlock()
			return
		}
		err := c.writeLocked(env)
		c.mu.Unlock()

		if err != nil {
			if env.Retries < 1 {
				env.Retries++
				c.queue.PushFront(env)
			} else {
				env.Status = common.DeliveryFailed
			}
			c.closeAndRecover(websocket.CloseAbnormalClosure, fmt.Sprintf("flush: %v", err))
			return
		}
	}
}

// readLoop pumps inbound frames until the socket dies. gen guards against
// a stale loop acting on a newer socket.
func (c *Connection) readLoop(ws *websocket.Conn, gen uint64) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			stale := c.gen != gen || c.state != common.ConnOpen
			c.mu.Unlock()
			if !stale {
				c.closeAndRecover(websocket.CloseAbnormalClosure, fmt.Sprintf("read: %v", err))
			}
			return
		}

		c.mu.Lock()
		c.lastTraffic = time.Now()
		c.mu.Unlock()

		env, err := c.codec.Decode(data)
		if err != nil {
			// Invalid envelopes are dropped whole, surfaced as diagnostics.
			c.logger.Warn("dropping invalid envelope", "error", err)
			c.emit(common.Event{Kind: common.EventConnError, Time: time.Now(), Err: err})
			continue
		}

		// Connection-level probes are answered here; peer-addressed pings
		// travel up to the registry.
		if env.Type == common.MessageTypePing && env.To == "" {
			pong := &common.Envelope{
				ID:        env.ID,
				Type:      common.MessageTypePong,
				Priority:  env.Priority,
				Timestamp: time.Now().UnixMilli(),
			}
			_ = c.Send(pong)
			continue
		}

		if c.onEnvelope != nil {
			c.onEnvelope(env)
		}
	}
}

// armHeartbeatLocked schedules the next liveness probe. Caller holds mu.
func (c *Connection) armHeartbeatLocked() {
	c.stopTimerLocked(&c.heartbeatTimer)
	if c.cfg.HeartbeatInterval <= 0 {
		return
	}
	c.heartbeatTimer = time.AfterFunc(c.cfg.HeartbeatInterval, c.heartbeatTick)
}

// heartbeatTick sends a ping and arms the timeout watchdog.
func (c *Connection) heartbeatTick() {
	c.mu.Lock()
	if c.state != common.ConnOpen {
		c.mu.Unlock()
		return
	}
	c.pingSentAt = time.Now()
	ping := &common.Envelope{
		Type:      common.MessageTypePing,
		Priority:  100,
		Timestamp: c.pingSentAt.UnixMilli(),
	}
	err := c.writeLocked(ping)
	c.stopTimerLocked(&c.timeoutTimer)
	c.timeoutTimer = time.AfterFunc(c.cfg.HeartbeatTimeout, c.heartbeatExpired)
	c.armHeartbeatLocked()
	c.mu.Unlock()

	if err != nil {
		c.closeAndRecover(websocket.CloseAbnormalClosure, fmt.Sprintf("heartbeat: %v", err))
	}
}

// heartbeatExpired force-closes the connection when no traffic followed
// the last ping within the timeout.
func (c *Connection) heartbeatExpired() {
	c.mu.Lock()
	quiet := c.state == common.ConnOpen && !c.lastTraffic.After(c.pingSentAt)
	c.mu.Unlock()

	if quiet {
		c.logger.Warn("heartbeat timeout, forcing close")
		c.closeAndRecover(websocket.CloseGoingAway, "heartbeat timeout")
	}
}

// closeAndRecover tears down the socket and, when auto-reconnect is
// enabled, enters the backoff loop.
func (c *Connection) closeAndRecover(code int, reason string) {
	c.mu.Lock()
	if c.state != common.ConnOpen {
		c.mu.Unlock()
		return
	}
	c.teardownLocked()
	recover := c.reconnectEnabled
	if recover {
		c.state = common.ConnConnecting
		delay := c.backoff.NextBackOff()
		c.reconnectTimer = time.AfterFunc(delay, c.redial)
	} else {
		c.state = common.ConnClosed
	}
	c.mu.Unlock()

	c.emit(common.Event{Kind: common.EventConnClosed, Time: time.Now(), Code: code, Reason: reason})
}

// Close is terminal: timers cancelled, queue cleared, auto-reconnect
// disabled until Connect is called again.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.state == common.ConnClosed {
		c.mu.Unlock()
		c.queue.Clear()
		return nil
	}
	c.state = common.ConnClosing
	c.reconnectEnabled = false
	c.teardownLocked()
	c.queue.Clear()
	c.state = common.ConnClosed
	c.mu.Unlock()

	c.logger.Info("connection closed")
	c.emit(common.Event{Kind: common.EventConnClosed, Time: time.Now(), Code: websocket.CloseNormalClosure, Reason: "local close"})
	return nil
}

// teardownLocked stops every timer and drops the socket. Caller holds mu.
func (c *Connection) teardownLocked() {
	c.stopTimerLocked(&c.heartbeatTimer)
	c.stopTimerLocked(&c.timeoutTimer)
	c.stopTimerLocked(&c.reconnectTimer)
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
	c.gen++
}

func (c *Connection) stopTimerLocked(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
