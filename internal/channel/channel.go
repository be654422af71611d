// Package channel maintains the single authenticated push connection to the
// shift server and fans inbound events out to subscribers. Events are
// reconciliation triggers, not data: handlers are expected to re-fetch.
package channel

import (
	"encoding/json"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/protomem/shift-agent/internal/model"
)

// CloseAuthRejected is the application close code the server uses to signal
// an invalid token. It suppresses reconnection the same way a normal closure
// does.
const CloseAuthRejected = 4001

const (
	_defaultPingInterval = 30 * time.Second
	_defaultBackoffBase  = time.Second
	_defaultMaxAttempts  = 5
)

// State is the channel's connection state as seen by consumers.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnected    State = "connected"

	// StateDown means the reconnect budget is exhausted; the channel stays
	// down until Connect is called again.
	StateDown State = "down"
)

// Handler consumes one dispatched event. Handlers run on the read loop
// goroutine; a panicking handler is isolated and logged, the rest still run.
type Handler func(model.ChannelEvent)

// Config carries the connection parameters. Token is consulted on every
// connection attempt, so rotating the token needs no reconfiguration, only a
// TokenChanged call.
type Config struct {
	URL          string
	Token        func() string
	PingInterval time.Duration
	BackoffBase  time.Duration
	MaxAttempts  int
}

type subscription struct {
	id      int
	handler Handler
}

type Channel struct {
	logger *slog.Logger
	cfg    Config

	mu        sync.Mutex
	conn      *websocket.Conn
	pingStop  chan struct{}
	subs      map[model.EventType][]subscription
	nextSubID int
	attempt   int
	reconnect *time.Timer
	state     State
	closed    bool

	// writeMu serialises frame writes; the websocket connection allows one
	// concurrent writer.
	writeMu sync.Mutex
}

func New(logger *slog.Logger, cfg Config) *Channel {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = _defaultPingInterval
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = _defaultBackoffBase
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = _defaultMaxAttempts
	}

	return &Channel{
		logger: logger.With("module", "channel"),
		cfg:    cfg,
		subs:   make(map[model.EventType][]subscription),
		state:  StateDisconnected,
	}
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the push endpoint with the current token appended as a query
// parameter. It is a no-op when already connected, and logs and returns when
// no token is stored; the caller is expected to call Connect again once
// authenticated. A failed dial counts as an abnormal closure and schedules a
// backoff reconnect.
func (c *Channel) Connect() {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return
	}
	token := ""
	if c.cfg.Token != nil {
		token = c.cfg.Token()
	}
	if token == "" {
		c.mu.Unlock()
		c.logger.Debug("connect skipped, no auth token stored")
		return
	}
	c.closed = false
	c.mu.Unlock()

	endpoint, err := url.Parse(c.cfg.URL)
	if err != nil {
		c.logger.Error("invalid channel url", "url", c.cfg.URL, "err", err)
		return
	}
	query := endpoint.Query()
	query.Set("token", token)
	endpoint.RawQuery = query.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(endpoint.String(), nil)
	if err != nil {
		c.logger.Warn("dial failed", "err", err)
		c.scheduleReconnect()
		return
	}

	c.mu.Lock()
	if c.closed || c.conn != nil {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.attempt = 0
	c.state = StateConnected
	c.pingStop = make(chan struct{})
	pingStop := c.pingStop
	c.mu.Unlock()

	c.logger.Info("connected", "url", c.cfg.URL)

	go c.readLoop(conn)
	go c.pingLoop(conn, pingStop)
}

// Disconnect closes the connection with a normal-closure code and cancels any
// pending reconnect. Idempotent.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.closed = true
	c.state = StateDisconnected
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	conn := c.conn
	c.conn = nil
	c.stopPingLocked()
	c.mu.Unlock()

	if conn == nil {
		return
	}

	c.writeMu.Lock()
	conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	c.writeMu.Unlock()
	conn.Close()

	c.logger.Info("disconnected")
}

// Subscribe registers a handler for the given event types. Passing
// model.EventWildcard (or no types at all) receives every event. The returned
// function removes the registration; calling it more than once is harmless.
func (c *Channel) Subscribe(handler Handler, types ...model.EventType) func() {
	if len(types) == 0 {
		types = []model.EventType{model.EventWildcard}
	}

	c.mu.Lock()
	c.nextSubID++
	id := c.nextSubID
	for _, t := range types {
		c.subs[t] = append(c.subs[t], subscription{id: id, handler: handler})
	}
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for _, t := range types {
			subs := c.subs[t]
			for i := range subs {
				if subs[i].id == id {
					c.subs[t] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
		}
	}
}

// TokenChanged reacts to a change of the stored token: a vanished token
// closes the connection, a fresh token while disconnected dials.
func (c *Channel) TokenChanged() {
	token := ""
	if c.cfg.Token != nil {
		token = c.cfg.Token()
	}

	c.mu.Lock()
	connected := c.conn != nil
	if token != "" {
		c.attempt = 0
	}
	c.mu.Unlock()

	switch {
	case token == "" && connected:
		c.Disconnect()
	case token != "" && !connected:
		c.Connect()
	}
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(conn, err)
			return
		}

		var event model.ChannelEvent
		if err := json.Unmarshal(data, &event); err != nil {
			c.logger.Warn("dropping unparseable frame", "err", err)
			continue
		}
		event.Payload = data

		c.dispatch(event)
	}
}

// dispatch invokes exact-type subscribers first, then wildcard subscribers,
// in registration order. A handler panic must not starve the others.
func (c *Channel) dispatch(event model.ChannelEvent) {
	c.mu.Lock()
	handlers := make([]subscription, 0, len(c.subs[event.Type])+len(c.subs[model.EventWildcard]))
	handlers = append(handlers, c.subs[event.Type]...)
	if event.Type != model.EventWildcard {
		handlers = append(handlers, c.subs[model.EventWildcard]...)
	}
	c.mu.Unlock()

	for _, sub := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("event handler panicked", "type", event.Type, "panic", r)
				}
			}()
			sub.handler(event)
		}()
	}
}

func (c *Channel) handleClose(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		// A newer connection took over; this loop's closure is stale.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = StateDisconnected
	c.stopPingLocked()
	closed := c.closed
	c.mu.Unlock()

	code := websocket.CloseAbnormalClosure
	if closeErr, ok := err.(*websocket.CloseError); ok {
		code = closeErr.Code
	}

	switch {
	case closed:
		return
	case code == websocket.CloseNormalClosure:
		c.logger.Info("server closed connection")
	case code == CloseAuthRejected:
		c.logger.Warn("server rejected auth token, not reconnecting")
	default:
		c.logger.Warn("connection lost", "code", code, "err", err)
		c.scheduleReconnect()
	}
}

func (c *Channel) scheduleReconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.attempt >= c.cfg.MaxAttempts {
		c.state = StateDown
		c.mu.Unlock()
		c.logger.Error("reconnect attempts exhausted, channel down")
		c.dispatch(model.ChannelEvent{Type: model.EventChannelDown})
		return
	}

	delay := backoffDelay(c.cfg.BackoffBase, c.attempt)
	c.attempt++
	c.reconnect = time.AfterFunc(delay, c.Connect)
	c.mu.Unlock()

	c.logger.Info("reconnect scheduled", "delay", delay)
}

// backoffDelay is base * 2^attempt.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	return base << uint(attempt)
}

func (c *Channel) pingLoop(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteMessage(websocket.TextMessage, []byte("ping"))
			c.writeMu.Unlock()
			if err != nil {
				// The read loop observes the same failure and drives
				// reconnection.
				return
			}
		}
	}
}

func (c *Channel) stopPingLocked() {
	if c.pingStop != nil {
		close(c.pingStop)
		c.pingStop = nil
	}
}
