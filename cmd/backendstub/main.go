// Command backendstub serves canned data and frames channels on two ports,
// taking them as positional arguments the way the real backend does:
//
//	backendstub [flags] <data-port> <frames-port>
//
// Under gesturelink it stands in for the backend with
// backend_command = "backendstub" and backend_args = [].
package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"gesturelink/internal/backendstub"
	"gesturelink/internal/logging"

	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"
)

func main() {
	fs := flag.NewFlagSet("backendstub", flag.ContinueOnError)
	var (
		host     string
		cameras  []string
		interval time.Duration
		level    string
	)
	fs.StringVar(&host, "host", "127.0.0.1", "Listen host")
	fs.StringSliceVar(&cameras, "camera", nil, "Camera name (repeatable)")
	fs.DurationVar(&interval, "push-interval", 0, "Push frames while detecting (0 disables)")
	fs.StringVarP(&level, "log-level", "l", "info", "Log level")

	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		os.Exit(2)
	}

	logger := logging.Init("backendstub", level)

	ports, err := parsePorts(fs.Args())
	if err != nil {
		fmt.Fprintln(os.Stderr, "backendstub:", err)
		fmt.Fprintln(os.Stderr, "usage: backendstub [flags] <data-port> <frames-port>")
		os.Exit(2)
	}

	stubs := []*backendstub.Server{
		backendstub.New(backendstub.Options{Name: "data", Cameras: cameras, Logger: &logger}),
		backendstub.New(backendstub.Options{Name: "frames", Cameras: cameras, PushInterval: interval, Logger: &logger}),
	}

	servers := make([]*http.Server, len(stubs))
	for i, stub := range stubs {
		servers[i] = &http.Server{
			Addr:    fmt.Sprintf("%s:%d", host, ports[i]),
			Handler: stub.Handler(),
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info().Msg("shutting down")
		for i, stub := range stubs {
			stub.Shutdown()
			servers[i].Close()
		}
	}()

	if err := serve(servers, logger); err != nil {
		logger.Error().Err(err).Msg("backend stub stopped")
		os.Exit(1)
	}
}

// serve runs every server until all of them return. The first listen
// failure closes the rest.
func serve(servers []*http.Server, logger zerolog.Logger) error {
	var (
		wg      sync.WaitGroup
		once    sync.Once
		failure error
	)
	for _, srv := range servers {
		wg.Add(1)
		go func(srv *http.Server) {
			defer wg.Done()
			logger.Info().Str("addr", srv.Addr).Msg("backend stub listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				once.Do(func() {
					failure = fmt.Errorf("listen %s: %w", srv.Addr, err)
					for _, other := range servers {
						other.Close()
					}
				})
			}
		}(srv)
	}
	wg.Wait()
	return failure
}

func parsePorts(args []string) ([2]int, error) {
	var ports [2]int
	if len(args) != 2 {
		return ports, fmt.Errorf("want 2 ports, got %d arguments", len(args))
	}
	for i, arg := range args {
		p, err := strconv.Atoi(arg)
		if err != nil || p < 1 || p > 65535 {
			return ports, fmt.Errorf("invalid port %q", arg)
		}
		ports[i] = p
	}
	return ports, nil
}
