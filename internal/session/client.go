// Package session implements the persistent WebSocket session to a local
// backend: connect, optional reconnection, heartbeat pings and dispatch of
// inbound tagged frames to registered handlers.
//
// All state transitions and event publications happen under the client's
// mutex, and every transport carries a generation number so that events
// from a replaced or closed connection are ignored.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"gesturelink/internal/protocol"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrConnectFailed      = errors.New("session: connect failed")
	ErrConnectTimeout     = errors.New("session: connect timeout")
	ErrNotConnected       = errors.New("session: not connected")
	ErrReconnectExhausted = errors.New("session: reconnect attempts exhausted")
	ErrClosed             = errors.New("session: closed")
)

type eventKind int

const (
	eventOpen eventKind = iota
	eventClose
	eventError
)

type event struct {
	kind eventKind
	err  error
}

// Client owns one logical connection to a fixed URL.
type Client struct {
	id  string
	url string
	log zerolog.Logger

	dialer             *websocket.Dialer
	heartbeatInterval  time.Duration
	writeTimeout       time.Duration
	reconnect          ReconnectPolicy
	onState            func(from, to State)
	onPermanentFailure func(error)

	mu             sync.Mutex
	state          State
	gen            uint64
	conn           *websocket.Conn
	attempts       int
	cancelDial     context.CancelFunc
	stopHeartbeat  chan struct{}
	reconnectTimer *time.Timer
	waiters        map[uint64]chan event
	nextWaiter     uint64
	lastPong       time.Time

	// gorilla allows one concurrent writer.
	writeMu sync.Mutex

	handlersMu sync.RWMutex
	handlers   map[string]Handler
}

// URL builds the transport URL for a local backend port.
func URL(scheme, host string, port int) string {
	return scheme + "://" + net.JoinHostPort(host, strconv.Itoa(port))
}

// New creates a disconnected client for url. Call Connect to dial.
func New(url string, opts ...Option) *Client {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = defaultHandshakeTimeout

	c := &Client{
		id:                uuid.New().String(),
		url:               url,
		log:               log.Logger,
		dialer:            &dialer,
		heartbeatInterval: defaultHeartbeatInterval,
		writeTimeout:      defaultWriteTimeout,
		reconnect:         DefaultReconnectPolicy(),
		state:             StateDisconnected,
		waiters:           make(map[uint64]chan event),
		handlers:          make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With().Str("session", c.id[:8]).Str("url", url).Logger()
	return c
}

// ID returns the session's unique id.
func (c *Client) ID() string { return c.id }

// URL returns the target URL.
func (c *Client) URL() string { return c.url }

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastPong returns when the last pong was observed, zero if never.
func (c *Client) LastPong() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPong
}

// Connect starts dialing. It does nothing while Connecting or Connected
// and fails with ErrClosed once the client has been closed. The outcome
// arrives asynchronously; use WaitForReady to observe it.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateConnecting, StateConnected:
		return nil
	case StateClosed:
		return ErrClosed
	}

	c.stopReconnectTimerLocked()
	c.startDialLocked()
	return nil
}

func (c *Client) startDialLocked() {
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelDial = cancel
	c.setStateLocked(StateConnecting)

	go c.dial(ctx, cancel, gen)
}

func (c *Client) dial(ctx context.Context, cancel context.CancelFunc, gen uint64) {
	defer cancel()

	c.log.Debug().Msg("session dialing")
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)

	c.mu.Lock()
	if gen != c.gen || c.state != StateConnecting {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	c.cancelDial = nil

	if err != nil {
		c.log.Warn().Err(err).Int("attempt", c.attempts).Msg("session connect failed")
		c.publishLocked(event{kind: eventError, err: err})
		c.closedLocked(err)
		c.mu.Unlock()
		return
	}

	c.conn = conn
	c.attempts = 0
	c.setStateLocked(StateConnected)
	c.startHeartbeatLocked()
	c.publishLocked(event{kind: eventOpen})
	c.mu.Unlock()

	c.log.Info().Msg("session connected")
	go c.readPump(conn, gen)
}

// readPump reads frames until the transport fails or closes.
func (c *Client) readPump(conn *websocket.Conn, gen uint64) {
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.transportError(gen, err)
			}
			c.transportClosed(gen, err)
			return
		}
		c.Dispatch(data)
	}
}

// transportError records an error event. Errors never change state on
// their own; the close that follows does.
func (c *Client) transportError(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.state == StateClosed {
		return
	}
	c.log.Warn().Err(err).Msg("session read error")
	c.publishLocked(event{kind: eventError, err: err})
}

func (c *Client) transportClosed(gen uint64, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.state == StateClosed {
		return
	}
	c.conn = nil
	c.stopHeartbeatLocked()
	c.log.Info().Err(cause).Msg("session disconnected")
	c.closedLocked(cause)
}

// closedLocked moves out of Connecting/Connected after the transport went
// away, scheduling a reconnect when the policy allows one.
func (c *Client) closedLocked(cause error) {
	if !c.reconnect.Enabled {
		c.setStateLocked(StateDisconnected)
		c.publishLocked(event{kind: eventClose, err: cause})
		return
	}

	if c.attempts < c.reconnect.MaxAttempts {
		delay := c.reconnect.Delay(c.attempts)
		gen := c.gen
		c.setStateLocked(StateReconnecting)
		c.reconnectTimer = time.AfterFunc(delay, func() { c.retry(gen) })
		c.log.Info().Dur("delay", delay).Int("attempt", c.attempts+1).Msg("session reconnect scheduled")
		c.publishLocked(event{kind: eventClose, err: cause})
		return
	}

	exhausted := fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, c.attempts, cause)
	c.setStateLocked(StateDisconnected)
	c.publishLocked(event{kind: eventClose, err: cause})
	c.log.Error().Err(exhausted).Msg("session giving up")
	c.attempts = 0
	if c.onPermanentFailure != nil {
		go c.onPermanentFailure(exhausted)
	}
}

func (c *Client) retry(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.state != StateReconnecting {
		return
	}
	c.reconnectTimer = nil
	c.attempts++
	c.log.Info().Int("attempt", c.attempts).Msg("session reconnecting")
	c.startDialLocked()
}

func (c *Client) stopReconnectTimerLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

// startHeartbeatLocked runs the ping ticker for the current Connected
// period. Pongs are recorded by Dispatch but never enforced.
func (c *Client) startHeartbeatLocked() {
	if c.heartbeatInterval <= 0 {
		return
	}
	stop := make(chan struct{})
	c.stopHeartbeat = stop
	interval := c.heartbeatInterval

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.ping(stop)
			}
		}
	}()
}

// ping sends a heartbeat unless the Connected period that owns stop has
// already ended. Pings are never reported as dropped.
func (c *Client) ping(stop chan struct{}) {
	c.mu.Lock()
	conn := c.conn
	current := c.stopHeartbeat == stop && c.state == StateConnected && conn != nil
	c.mu.Unlock()
	if !current {
		return
	}
	c.log.Debug().Msg("heartbeat ping")
	c.write(conn, protocol.Ping())
}

func (c *Client) stopHeartbeatLocked() {
	if c.stopHeartbeat != nil {
		close(c.stopHeartbeat)
		c.stopHeartbeat = nil
	}
}

func (c *Client) heartbeatRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopHeartbeat != nil
}

// Send writes cmd if the session is Connected. Otherwise the command is
// dropped with a warning and ErrNotConnected is returned; nothing is
// queued.
func (c *Client) Send(cmd protocol.Command) error {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()

	if state != StateConnected || conn == nil {
		c.log.Warn().Str("command", cmd.Tag).Stringer("state", state).Msg("session not open, command dropped")
		return ErrNotConnected
	}

	return c.write(conn, cmd)
}

func (c *Client) write(conn *websocket.Conn, cmd protocol.Command) error {
	data, err := cmd.Encode()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.log.Warn().Err(err).Str("command", cmd.Tag).Msg("session write failed")
		return fmt.Errorf("send %s: %w", cmd.Tag, err)
	}
	return nil
}

// WaitForReady blocks until the session is Connected, the next close or
// error event, the timeout, or ctx is done, whichever comes first. It
// returns nil only for Connected. The event subscription and timer are
// released together on return.
func (c *Client) WaitForReady(ctx context.Context, timeout time.Duration) error {
	c.mu.Lock()
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	id, ch := c.subscribeLocked()
	c.mu.Unlock()
	defer c.unsubscribe(id)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev := <-ch:
		switch ev.kind {
		case eventOpen:
			return nil
		case eventError:
			return fmt.Errorf("%w: %v", ErrConnectFailed, ev.err)
		default:
			if errors.Is(ev.err, ErrClosed) {
				return ErrClosed
			}
			return fmt.Errorf("%w: closed before open", ErrConnectFailed)
		}
	case <-timer.C:
		c.log.Warn().Dur("timeout", timeout).Msg("session connect timed out")
		return fmt.Errorf("%w after %s", ErrConnectTimeout, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) subscribeLocked() (uint64, chan event) {
	c.nextWaiter++
	ch := make(chan event, 1)
	c.waiters[c.nextWaiter] = ch
	return c.nextWaiter, ch
}

func (c *Client) unsubscribe(id uint64) {
	c.mu.Lock()
	delete(c.waiters, id)
	c.mu.Unlock()
}

func (c *Client) listenerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// publishLocked hands ev to every waiter. Waiter channels hold one event,
// so only the first event after subscribing is ever observed.
func (c *Client) publishLocked(ev event) {
	for _, ch := range c.waiters {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (c *Client) setStateLocked(to State) {
	from := c.state
	if from == to {
		return
	}
	if !CanTransition(from, to) {
		c.log.Error().Stringer("from", from).Stringer("to", to).Msg("illegal session transition ignored")
		return
	}
	c.state = to
	c.log.Debug().Stringer("from", from).Stringer("to", to).Msg("session state")
	if c.onState != nil {
		c.onState(from, to)
	}
}

// Close stops the heartbeat and any pending reconnect, closes the
// transport, clears handlers and moves to Closed. Closing twice is a
// no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	c.stopReconnectTimerLocked()
	c.stopHeartbeatLocked()
	conn := c.conn
	c.conn = nil
	c.attempts = 0
	c.setStateLocked(StateClosed)
	c.publishLocked(event{kind: eventClose, err: ErrClosed})
	c.mu.Unlock()

	c.handlersMu.Lock()
	c.handlers = make(map[string]Handler)
	c.handlersMu.Unlock()

	if conn != nil {
		c.log.Info().Msg("session closing")
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout))
		return conn.Close()
	}
	return nil
}
