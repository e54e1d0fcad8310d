// Command gesturelink launches the gesture backend on two free local ports
// and keeps a control link to it.
//
//	gesturelink [flags]            supervise the backend and attach to it
//	gesturelink --mode supervise   only launch the backend and publish ports
//	gesturelink --mode attach      only attach to ports published elsewhere
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gesturelink/internal/bridge"
	"gesturelink/internal/config"
	"gesturelink/internal/control"
	"gesturelink/internal/logging"
	"gesturelink/internal/portalloc"
	"gesturelink/internal/protocol"
	"gesturelink/internal/session"
	"gesturelink/internal/supervisor"

	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"
)

const (
	modeRun       = "run"
	modeSupervise = "supervise"
	modeAttach    = "attach"

	dialRetry  = 500 * time.Millisecond
	stderrTail = 20
)

type options struct {
	mode      string
	bridgeURL string
	camera    string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code, err := run(ctx, os.Args[1:])
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "gesturelink:", err)
		if code == 0 {
			code = 1
		}
	}
	os.Exit(code)
}

func run(ctx context.Context, args []string) (int, error) {
	cfg, opts, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0, nil
		}
		return 2, err
	}

	logger := logging.Init("gesturelink", cfg.LogLevel)

	switch opts.mode {
	case modeRun:
		return supervise(ctx, cfg, opts, logger, true)
	case modeSupervise:
		return supervise(ctx, cfg, opts, logger, false)
	case modeAttach:
		return 0, attach(ctx, cfg, opts, logger, nil)
	}
	return 2, fmt.Errorf("unknown mode %q", opts.mode)
}

func parseFlags(args []string) (config.Config, options, error) {
	fs := flag.NewFlagSet("gesturelink", flag.ContinueOnError)

	var (
		opts        options
		configPath  string
		dataRange   string
		framesRange string
		backend     string
		backendArgs []string
		portsFile   string
		bridgeAddr  string
		logLevel    string
		reconnect   bool
		heartbeat   time.Duration
		timeout     time.Duration
	)

	fs.StringVarP(&opts.mode, "mode", "m", modeRun, "run, supervise or attach")
	fs.StringVarP(&configPath, "config", "c", "", "TOML config file")
	fs.StringVar(&dataRange, "data-range", "", "Data channel port range (start-end)")
	fs.StringVar(&framesRange, "frames-range", "", "Frames channel port range (start-end)")
	fs.StringVarP(&backend, "backend", "b", "", "Backend command")
	fs.StringSliceVar(&backendArgs, "backend-arg", nil, "Backend argument before the ports (repeatable)")
	fs.StringVar(&portsFile, "ports-file", "", "Port bridge file")
	fs.StringVar(&bridgeAddr, "bridge-addr", "", "Serve the port bridge over HTTP on this address")
	fs.StringVar(&opts.bridgeURL, "bridge-url", "", "Attach through an HTTP port bridge instead of the file")
	fs.StringVar(&opts.camera, "camera", "", "Switch to this camera after warm-up")
	fs.BoolVar(&reconnect, "reconnect", false, "Reconnect with backoff after unexpected closes")
	fs.DurationVar(&heartbeat, "heartbeat", 0, "Heartbeat interval (0 keeps the configured value)")
	fs.DurationVar(&timeout, "connect-timeout", 0, "Connect timeout per channel")
	fs.StringVarP(&logLevel, "log-level", "l", "", "Log level")

	if err := fs.Parse(args); err != nil {
		return config.Config{}, options{}, err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, options{}, err
	}

	if fs.Changed("data-range") {
		if cfg.DataRange, err = config.ParseRange(dataRange); err != nil {
			return config.Config{}, options{}, err
		}
	}
	if fs.Changed("frames-range") {
		if cfg.FramesRange, err = config.ParseRange(framesRange); err != nil {
			return config.Config{}, options{}, err
		}
	}
	if fs.Changed("backend") {
		cfg.Backend.Command = backend
	}
	if fs.Changed("backend-arg") {
		cfg.Backend.Args = backendArgs
	}
	if fs.Changed("ports-file") {
		cfg.PortsFile = portsFile
	}
	if fs.Changed("bridge-addr") {
		cfg.BridgeAddr = bridgeAddr
	}
	if fs.Changed("reconnect") {
		cfg.Reconnect.Enabled = reconnect
	}
	if fs.Changed("heartbeat") && heartbeat > 0 {
		cfg.HeartbeatInterval = heartbeat
	}
	if fs.Changed("connect-timeout") {
		cfg.ConnectTimeout = timeout
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = logLevel
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, options{}, err
	}
	return cfg, opts, nil
}

// supervise allocates the two ports, launches the backend, publishes the
// ports and, when withLink is set, attaches a control link. Everything is
// torn down when the backend exits or ctx is cancelled; the backend's exit
// code becomes ours.
func supervise(ctx context.Context, cfg config.Config, opts options, logger zerolog.Logger, withLink bool) (int, error) {
	dataPort, framesPort, err := portalloc.AllocatePair(cfg.DataRange, cfg.FramesRange)
	if err != nil {
		return 1, err
	}
	ports := bridge.Ports{Data: dataPort, Frames: framesPort}
	logger.Info().Int("data", dataPort).Int("frames", framesPort).Msg("ports allocated")

	launcher := supervisor.NewLauncher(cfg.Backend.Command, cfg.Backend.Args,
		supervisor.WithWorkDir(cfg.Backend.WorkDir),
		supervisor.WithGracePeriod(cfg.Backend.StopGrace),
		supervisor.WithLogger(logger),
	)
	proc, err := launcher.Start(dataPort, framesPort)
	if err != nil {
		return 1, err
	}

	subID, lines, history := proc.Subscribe()
	defer proc.Unsubscribe(subID)
	go forwardOutput(lines, history, logger)

	src, cleanup, err := publish(cfg, ports, logger)
	if err != nil {
		proc.Stop()
		return 1, err
	}
	defer cleanup()

	linkCtx, cancelLink := context.WithCancel(ctx)
	defer cancelLink()
	linkDone := make(chan error, 1)
	if withLink {
		go func() { linkDone <- attach(linkCtx, cfg, opts, logger, src) }()
	}
	// stopLink cancels the link and waits for its shutdown sequence.
	stopLink := func() {
		cancelLink()
		if withLink {
			<-linkDone
		}
	}

	select {
	case <-proc.Done():
		// The UI goes away with the backend.
		stopLink()
		code := proc.ExitCode()
		if code != 0 {
			logger.Warn().Err(proc.Err()).Int("exit_code", code).Msg("backend failed")
			for _, line := range proc.Tail(stderrTail) {
				if line.Stream == supervisor.StreamStderr {
					logger.Warn().Str("backend", line.Data).Msg("backend stderr")
				}
			}
		}
		return code, nil

	case err := <-linkDone:
		withLink = false
		if ctx.Err() == nil {
			logger.Error().Err(err).Msg("control link failed")
			proc.Stop()
			return 1, err
		}

	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	stopLink()
	if err := proc.Stop(); err != nil && !errors.Is(err, supervisor.ErrNotRunning) {
		return 1, err
	}
	return 0, nil
}

// publish hands ports to the configured bridges: the ports file when set
// and an HTTP server when bridge_addr is set. It returns the source an
// in-process link reads from and a cleanup func undoing both.
func publish(cfg config.Config, ports bridge.Ports, logger zerolog.Logger) (bridge.Source, func(), error) {
	mem := bridge.NewMemory()
	if err := mem.Publish(ports); err != nil {
		return nil, nil, err
	}
	var (
		src      bridge.Source = mem
		cleanups []func()
	)
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	if cfg.PortsFile != "" {
		file := bridge.NewFile(cfg.PortsFile)
		if err := file.Publish(ports); err != nil {
			return nil, nil, err
		}
		cleanups = append(cleanups, func() {
			if err := file.Clear(); err != nil {
				logger.Warn().Err(err).Str("path", file.Path()).Msg("clear ports file")
			}
		})
		src = file
	}

	if cfg.BridgeAddr != "" {
		srv := &http.Server{Addr: cfg.BridgeAddr, Handler: bridge.Handler(mem)}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Str("addr", cfg.BridgeAddr).Msg("port bridge server")
			}
		}()
		cleanups = append(cleanups, func() { srv.Close() })
		logger.Info().Str("addr", cfg.BridgeAddr).Msg("port bridge listening")
	}
	return src, cleanup, nil
}

// forwardOutput logs backend output as it arrives: history first, then
// live lines until the subscription closes.
func forwardOutput(lines <-chan supervisor.OutputLine, history []supervisor.OutputLine, logger zerolog.Logger) {
	log := logger.With().Str("component", "backend").Logger()
	emit := func(line supervisor.OutputLine) {
		switch line.Stream {
		case supervisor.StreamStdout:
			log.Debug().Str("run", line.RunID).Msg(line.Data)
		case supervisor.StreamStderr:
			log.Info().Str("run", line.RunID).Str("stream", "stderr").Msg(line.Data)
		}
	}
	for _, line := range history {
		emit(line)
	}
	for line := range lines {
		emit(line)
	}
}

// attach connects the control link through src (the ports file when nil,
// or the HTTP bridge when --bridge-url is set), runs the home warm-up and
// logs what the backend reports until ctx is done or a channel fails for
// good. Leaving stops detection before the channels close.
func attach(ctx context.Context, cfg config.Config, opts options, logger zerolog.Logger, src bridge.Source) error {
	if src == nil {
		switch {
		case opts.bridgeURL != "":
			src = bridge.NewHTTP(opts.bridgeURL, nil)
		case cfg.PortsFile != "":
			src = bridge.NewFile(cfg.PortsFile)
		default:
			return errors.New("no ports file configured, use --bridge-url")
		}
	}

	failed := make(chan error, 2)
	link, err := dial(ctx, src, control.Options{
		Scheme:            cfg.Scheme,
		Host:              cfg.Host,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ConnectTimeout:    cfg.ConnectTimeout,
		Reconnect:         cfg.Reconnect,
		Logger:            &logger,
		OnPermanentFailure: func(channel string, err error) {
			failed <- fmt.Errorf("%s channel: %w", channel, err)
		},
	}, logger)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer link.Shutdown(ctx)

	report(link, logger)

	// Sequences only fail when ctx is cancelled.
	if err := link.Warmup(ctx); err != nil {
		return nil
	}
	if opts.camera != "" {
		if err := link.SwitchCamera(ctx, opts.camera); err != nil {
			return nil
		}
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-failed:
		return err
	}
}

// dial keeps dialing while the backend is still coming up. Any error other
// than a refused or timed-out connect is returned at once.
func dial(ctx context.Context, src bridge.Source, opts control.Options, logger zerolog.Logger) (*control.Link, error) {
	for {
		link, err := control.Dial(ctx, src, opts)
		if err == nil {
			return link, nil
		}
		if !errors.Is(err, session.ErrConnectFailed) && !errors.Is(err, session.ErrConnectTimeout) {
			return nil, err
		}
		logger.Debug().Err(err).Dur("retry_in", dialRetry).Msg("backend not ready")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(dialRetry):
		}
	}
}

// report logs the typed events of both channels.
func report(link *control.Link, logger zerolog.Logger) {
	link.Data.OnCameraList(func(cams []string) {
		logger.Info().Strs("cameras", cams).Msg("cameras available")
	})
	link.Data.OnSelectedCamera(func(name string) {
		logger.Info().Str("camera", name).Msg("camera selected")
	})
	link.Data.OnGestures(func(gestures map[string]protocol.Gesture) {
		logger.Info().Int("count", len(gestures)).Msg("gestures loaded")
	})
	link.Data.OnGesture(func(g protocol.Gesture) {
		logger.Info().Str("gesture", g.Nome).Str("bind", g.Bind).Msg("gesture")
	})
	frames := 0
	link.Frames.OnFrame(func(img []byte) {
		frames++
		logger.Debug().Int("bytes", len(img)).Int("seq", frames).Msg("frame")
	})
}
