// Package control is the surface UI screens consume: typed command
// senders and typed handlers over a session, plus the Link that owns the
// data and frames sessions and runs their warm-up sequences.
package control

import (
	"context"
	"time"

	"gesturelink/internal/protocol"
	"gesturelink/internal/session"

	"github.com/rs/zerolog"
)

// Channel is one named session with typed operations.
type Channel struct {
	name string
	s    *session.Client
	log  zerolog.Logger
}

// NewChannel wraps s. name labels log lines ("data", "frames").
func NewChannel(name string, s *session.Client, logger zerolog.Logger) *Channel {
	return &Channel{
		name: name,
		s:    s,
		log:  logger.With().Str("channel", name).Logger(),
	}
}

// Name returns the channel label.
func (c *Channel) Name() string { return c.name }

// Session returns the underlying session.
func (c *Channel) Session() *session.Client { return c.s }

// State returns the session state.
func (c *Channel) State() session.State { return c.s.State() }

// Connect dials and waits up to timeout for the session to open.
func (c *Channel) Connect(ctx context.Context, timeout time.Duration) error {
	if err := c.s.Connect(); err != nil {
		return err
	}
	return c.s.WaitForReady(ctx, timeout)
}

// Close closes the session.
func (c *Channel) Close() error { return c.s.Close() }

// Send transmits a raw command; it makes Channel a choreography target.
func (c *Channel) Send(cmd protocol.Command) error { return c.s.Send(cmd) }

func (c *Channel) StartDetection() error    { return c.Send(protocol.StartDetection()) }
func (c *Channel) StopDetection() error     { return c.Send(protocol.StopDetection()) }
func (c *Channel) StartCropHandMode() error { return c.Send(protocol.StartCropHandMode()) }
func (c *Channel) StopCropHandMode() error  { return c.Send(protocol.StopCropHandMode()) }
func (c *Channel) RequestCameras() error    { return c.Send(protocol.GetCamerasDisponiveis()) }
func (c *Channel) RequestCamera() error     { return c.Send(protocol.GetCamera()) }
func (c *Channel) RequestGestures() error   { return c.Send(protocol.GetAllGestos()) }
func (c *Channel) RequestBinds() error      { return c.Send(protocol.GetAllBinds()) }
func (c *Channel) RequestFrame() error      { return c.Send(protocol.GetFrame()) }

// SetCamera selects the capture device.
func (c *Channel) SetCamera(name string) error { return c.Send(protocol.SetCamera(name)) }

// RequestGesture asks for one gesture by name.
func (c *Channel) RequestGesture(name string) error { return c.Send(protocol.GetGesto(name)) }

// SaveGesture stores g, replacing an existing gesture of the same name
// when overwrite is set.
func (c *Channel) SaveGesture(g protocol.Gesture, overwrite bool) error {
	return c.Send(protocol.SaveGesto(g, overwrite))
}

// OnStatus registers fn for status frames.
func (c *Channel) OnStatus(fn func(protocol.Status)) {
	c.register(protocol.TagStatus, func(msg session.Message) {
		fn(protocol.Status{Status: msg.Frame.Text(protocol.TagStatus), Message: msg.Frame.Message()})
	})
}

// OnError registers fn for backend error text.
func (c *Channel) OnError(fn func(string)) {
	c.register(protocol.TagError, func(msg session.Message) {
		fn(msg.Frame.Text(protocol.TagError))
	})
}

// OnCameraList registers fn for the available camera list.
func (c *Channel) OnCameraList(fn func([]string)) {
	c.register(protocol.TagCamerasDisponiveis, func(msg session.Message) {
		cams, err := protocol.CameraList(msg.Payload)
		if c.decoded(msg.Tag, err) {
			fn(cams)
		}
	})
}

// OnGestures registers fn for the full gesture map.
func (c *Channel) OnGestures(fn func(map[string]protocol.Gesture)) {
	c.register(protocol.TagAllGestos, func(msg session.Message) {
		gestures, err := protocol.GestureMap(msg.Payload)
		if c.decoded(msg.Tag, err) {
			fn(gestures)
		}
	})
}

// OnBinds registers fn for the gesture-to-key bind map.
func (c *Channel) OnBinds(fn func(map[string]protocol.Gesture)) {
	c.register(protocol.TagAllBinds, func(msg session.Message) {
		binds, err := protocol.GestureMap(msg.Payload)
		if c.decoded(msg.Tag, err) {
			fn(binds)
		}
	})
}

// OnGesture registers fn for a single gesture.
func (c *Channel) OnGesture(fn func(protocol.Gesture)) {
	c.register(protocol.TagGesto, func(msg session.Message) {
		g, err := protocol.SingleGesture(msg.Payload)
		if c.decoded(msg.Tag, err) {
			fn(g)
		}
	})
}

// OnSelectedCamera registers fn for the selected camera name.
func (c *Channel) OnSelectedCamera(fn func(string)) {
	c.register(protocol.TagCameraSelecionada, func(msg session.Message) {
		name, err := protocol.CameraName(msg.Payload)
		if c.decoded(msg.Tag, err) {
			fn(name)
		}
	})
}

// OnFrame registers fn for decoded JPEG frames.
func (c *Channel) OnFrame(fn func([]byte)) {
	c.register(protocol.TagFrame, func(msg session.Message) {
		img, err := protocol.FrameImage(msg.Payload)
		if c.decoded(msg.Tag, err) {
			fn(img)
		}
	})
}

func (c *Channel) register(tag string, h session.Handler) {
	// Tags come from the protocol vocabulary, so registration cannot fail.
	c.s.RegisterHandler(tag, h)
}

func (c *Channel) decoded(tag string, err error) bool {
	if err != nil {
		c.log.Warn().Err(err).Str("tag", tag).Msg("dropping undecodable payload")
		return false
	}
	return true
}
