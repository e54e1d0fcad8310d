package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gesturelink/internal/bridge"
	"gesturelink/internal/choreo"
	"gesturelink/internal/session"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options configures both sessions of a Link.
type Options struct {
	Scheme            string
	Host              string
	HeartbeatInterval time.Duration
	ConnectTimeout    time.Duration
	Reconnect         session.ReconnectPolicy
	Logger            *zerolog.Logger

	// OnPermanentFailure is called with the channel name once a session
	// runs out of reconnect attempts.
	OnPermanentFailure func(channel string, err error)
}

func (o *Options) setDefaults() {
	if o.Scheme == "" {
		o.Scheme = "ws"
	}
	if o.Host == "" {
		o.Host = "127.0.0.1"
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 5 * time.Second
	}
}

// Link owns the data and frames channels for one backend.
type Link struct {
	Data   *Channel
	Frames *Channel

	ports  bridge.Ports
	log    zerolog.Logger
	runner *choreo.Runner
}

// NewLink builds the two channels for ports without connecting them.
func NewLink(ports bridge.Ports, opts Options) *Link {
	opts.setDefaults()
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	l := &Link{
		ports:  ports,
		log:    logger.With().Str("component", "link").Logger(),
		runner: choreo.NewRunner(logger),
	}
	l.Data = l.channel("data", ports.Data, opts, logger)
	l.Frames = l.channel("frames", ports.Frames, opts, logger)
	return l
}

func (l *Link) channel(name string, port int, opts Options, logger zerolog.Logger) *Channel {
	sopts := []session.Option{
		session.WithLogger(logger.With().Str("channel", name).Logger()),
		session.WithHeartbeatInterval(opts.HeartbeatInterval),
		session.WithReconnect(opts.Reconnect),
	}
	if opts.OnPermanentFailure != nil {
		fn := opts.OnPermanentFailure
		sopts = append(sopts, session.WithPermanentFailure(func(err error) { fn(name, err) }))
	}
	s := session.New(session.URL(opts.Scheme, opts.Host, port), sopts...)
	return NewChannel(name, s, logger)
}

// Ports returns the ports the link targets.
func (l *Link) Ports() bridge.Ports { return l.ports }

// Connect opens both channels concurrently and waits for both, each within
// timeout. On failure the joined error is returned and the channels stay
// open for the caller to retry or Close.
func (l *Link) Connect(ctx context.Context, timeout time.Duration) error {
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, ch := range []*Channel{l.Data, l.Frames} {
		wg.Add(1)
		go func(i int, ch *Channel) {
			defer wg.Done()
			if err := ch.Connect(ctx, timeout); err != nil {
				errs[i] = fmt.Errorf("%s channel: %w", ch.Name(), err)
			}
		}(i, ch)
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		l.log.Warn().Err(err).Msg("link not ready")
		return err
	}
	l.log.Info().Int("data", l.ports.Data).Int("frames", l.ports.Frames).Msg("link ready")
	return nil
}

// Warmup primes the home screen state.
func (l *Link) Warmup(ctx context.Context) error {
	return l.runner.Run(ctx, l.Data, choreo.HomeWarmup(l.Data, l.Frames))
}

// SwitchCamera restarts detection on camera name.
func (l *Link) SwitchCamera(ctx context.Context, name string) error {
	return l.runner.Run(ctx, l.Frames, choreo.CameraSwitch(l.Frames, name))
}

// BeginCapture enters crop-hand mode for recording a gesture.
func (l *Link) BeginCapture(ctx context.Context) error {
	return l.runner.Run(ctx, l.Data, choreo.CaptureWarmup(l.Data))
}

// EndCapture leaves crop-hand mode and stops capture detection.
func (l *Link) EndCapture(ctx context.Context) error {
	return l.runner.Run(ctx, l.Data, choreo.CaptureCooldown(l.Data))
}

// OpenCameraSelect asks for the camera list for the camera picker.
func (l *Link) OpenCameraSelect(ctx context.Context) error {
	return l.runner.Run(ctx, l.Data, choreo.CameraSelectWarmup(l.Data))
}

// Close closes both channels without telling the backend anything.
func (l *Link) Close() error {
	return errors.Join(l.Data.Close(), l.Frames.Close())
}

// Shutdown stops detection on the frames channel, then closes both
// channels. The stop is sent even when ctx is already done.
func (l *Link) Shutdown(ctx context.Context) error {
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	if err := l.runner.Run(ctx, l.Frames, choreo.HomeCooldown(l.Frames)); err != nil {
		l.log.Warn().Err(err).Msg("home cooldown interrupted")
	}
	return l.Close()
}

// Dial waits for ports from src, then connects a Link to them.
func Dial(ctx context.Context, src bridge.Source, opts Options) (*Link, error) {
	ports, err := bridge.Await(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("await ports: %w", err)
	}
	opts.setDefaults()
	l := NewLink(ports, opts)
	if err := l.Connect(ctx, opts.ConnectTimeout); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}
