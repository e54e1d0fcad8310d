package session

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultHeartbeatInterval = 10 * time.Second
	defaultHandshakeTimeout  = 5 * time.Second
	defaultWriteTimeout      = 10 * time.Second
	defaultMaxReconnects     = 5
	defaultReconnectBase     = time.Second
)

// ReconnectPolicy controls automatic reconnection after an unexpected
// close. Attempt n (0-based) waits BaseDelay * 2^n.
type ReconnectPolicy struct {
	Enabled     bool
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultReconnectPolicy returns the policy used when none is given:
// disabled, with 5 attempts starting at 1s once enabled.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts: defaultMaxReconnects,
		BaseDelay:   defaultReconnectBase,
	}
}

// Delay returns the wait before reconnect attempt n.
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = defaultReconnectBase
	}
	if attempt < 0 {
		attempt = 0
	}
	return base * time.Duration(1<<uint(attempt))
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger; the session id and url are added as fields.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.log = logger
	}
}

// WithHeartbeatInterval sets the ping interval. Zero disables pings.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Client) {
		if d >= 0 {
			c.heartbeatInterval = d
		}
	}
}

// WithHandshakeTimeout bounds the WebSocket opening handshake.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.dialer.HandshakeTimeout = d
		}
	}
}

// WithWriteTimeout bounds each outbound write.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

// WithReconnect sets the reconnect policy.
func WithReconnect(p ReconnectPolicy) Option {
	return func(c *Client) {
		c.reconnect = p
	}
}

// WithHandler registers h for tag at construction time.
func WithHandler(tag string, h Handler) Option {
	return func(c *Client) {
		c.handlers[tag] = h
	}
}

// WithStateObserver installs fn, called on every state change. It runs
// with the client's lock held and must not call back into the Client.
func WithStateObserver(fn func(from, to State)) Option {
	return func(c *Client) {
		c.onState = fn
	}
}

// WithPermanentFailure installs fn, called once reconnect attempts are
// exhausted. The error wraps ErrReconnectExhausted.
func WithPermanentFailure(fn func(error)) Option {
	return func(c *Client) {
		c.onPermanentFailure = fn
	}
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) {
		if d != nil {
			dialer := *d
			c.dialer = &dialer
		}
	}
}
