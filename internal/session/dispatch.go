package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gesturelink/internal/protocol"
)

// ErrUnknownTag is returned when registering a handler for a tag the
// dispatcher never visits.
var ErrUnknownTag = errors.New("session: unknown tag")

// Message is one tagged value handed to a Handler.
type Message struct {
	Tag     string
	Payload json.RawMessage
	Frame   protocol.Frame
}

// Handler receives the payload of one tag of an inbound frame.
type Handler func(msg Message)

// RegisterHandler installs h for tag, replacing any previous handler.
func (c *Client) RegisterHandler(tag string, h Handler) error {
	if !knownTag(tag) {
		return fmt.Errorf("%w: %q", ErrUnknownTag, tag)
	}
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	if h == nil {
		delete(c.handlers, tag)
		return nil
	}
	c.handlers[tag] = h
	return nil
}

// UnregisterHandler removes the handler for tag.
func (c *Client) UnregisterHandler(tag string) {
	c.handlersMu.Lock()
	delete(c.handlers, tag)
	c.handlersMu.Unlock()
}

func (c *Client) handler(tag string) Handler {
	c.handlersMu.RLock()
	defer c.handlersMu.RUnlock()
	return c.handlers[tag]
}

// Dispatch decodes raw and runs the built-in behavior and the registered
// handler for each recognized tag, in protocol.TagPriority order.
// Malformed frames are logged and dropped; a panicking handler is
// recovered so it cannot take the session down.
func (c *Client) Dispatch(raw []byte) {
	frame, err := protocol.DecodeFrame(raw)
	if err != nil {
		c.log.Warn().Err(err).Int("bytes", len(raw)).Msg("discarding frame")
		return
	}

	tags := frame.Tags()
	if len(tags) == 0 {
		c.log.Debug().Strs("keys", frame.Unknown()).Msg("frame without known tags")
		return
	}

	for _, tag := range tags {
		switch tag {
		case protocol.TagStatus:
			c.log.Info().Str("status", frame.Text(tag)).Str("message", frame.Message()).Msg("backend status")
		case protocol.TagError:
			c.log.Warn().Str("error", frame.Text(tag)).Msg("backend error")
		case protocol.TagPong:
			c.mu.Lock()
			c.lastPong = time.Now()
			c.mu.Unlock()
			c.log.Debug().Msg("pong received")
		}

		if h := c.handler(tag); h != nil {
			c.invoke(h, Message{Tag: tag, Payload: frame[tag], Frame: frame})
		}
	}
}

func (c *Client) invoke(h Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Str("tag", msg.Tag).Interface("panic", r).Msg("handler panicked")
		}
	}()
	h(msg)
}

func knownTag(tag string) bool {
	for _, t := range protocol.TagPriority {
		if t == tag {
			return true
		}
	}
	return false
}
