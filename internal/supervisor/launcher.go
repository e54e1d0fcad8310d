// Package supervisor launches the backend with its two ports, collects its
// output and reports when it exits.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultScannerBufSize   = 1024 * 1024 // 1 MB
	defaultRingBufCapacity  = 1000
	defaultSubscriberBufCap = 100
	defaultGracefulTimeout  = 5 * time.Second
	drainTimeout            = time.Second
)

// ErrNotRunning is returned when stopping a process that already exited.
var ErrNotRunning = errors.New("supervisor: backend not running")

// Launcher starts the backend as `<command> <args...> <data> <frames>`.
type Launcher struct {
	command string
	args    []string
	dir     string
	grace   time.Duration
	log     zerolog.Logger
}

// LauncherOption configures a Launcher.
type LauncherOption func(*Launcher)

// WithWorkDir runs the backend in dir.
func WithWorkDir(dir string) LauncherOption {
	return func(l *Launcher) { l.dir = dir }
}

// WithGracePeriod sets how long Stop waits after interrupting before it
// kills the process.
func WithGracePeriod(d time.Duration) LauncherOption {
	return func(l *Launcher) {
		if d > 0 {
			l.grace = d
		}
	}
}

// WithLogger sets the logger backend output is forwarded to.
func WithLogger(logger zerolog.Logger) LauncherOption {
	return func(l *Launcher) { l.log = logger }
}

// NewLauncher returns a Launcher for command with leading args.
func NewLauncher(command string, args []string, opts ...LauncherOption) *Launcher {
	l := &Launcher{
		command: command,
		args:    append([]string(nil), args...),
		grace:   defaultGracefulTimeout,
		log:     log.Logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Process is a running (or exited) backend.
type Process struct {
	Run

	cmd     *exec.Cmd
	cancel  context.CancelFunc
	grace   time.Duration
	log     zerolog.Logger
	ringBuf *RingBuffer

	mu          sync.RWMutex
	state       State
	exitCode    int
	exitErr     error
	subscribers map[string]chan OutputLine

	pipes    []*os.File
	scanners sync.WaitGroup
	done     chan struct{}
}

// Start spawns the backend with the two ports appended as positional
// arguments.
func (l *Launcher) Start(dataPort, framesPort int) (*Process, error) {
	binaryPath, err := exec.LookPath(l.command)
	if err != nil {
		return nil, fmt.Errorf("backend command %q not found: %w", l.command, err)
	}

	args := append(append([]string(nil), l.args...), strconv.Itoa(dataPort), strconv.Itoa(framesPort))
	id := uuid.New().String()

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, binaryPath, args...)
	cmd.Dir = l.dir

	// Plain pipes instead of StdoutPipe so Wait does not close the read
	// ends while lines are still being scanned.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		cancel()
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	p := &Process{
		Run: Run{
			ID:         id,
			Command:    binaryPath,
			Args:       args,
			DataPort:   dataPort,
			FramesPort: framesPort,
			StartedAt:  time.Now().UTC(),
		},
		cmd:         cmd,
		cancel:      cancel,
		grace:       l.grace,
		log:         l.log.With().Str("component", "backend").Str("run", id[:8]).Logger(),
		ringBuf:     NewRingBuffer(defaultRingBufCapacity),
		state:       StateStarting,
		subscribers: make(map[string]chan OutputLine),
		done:        make(chan struct{}),
	}

	err = cmd.Start()
	// The child holds its own copies of the write ends.
	stdoutW.Close()
	stderrW.Close()
	if err != nil {
		cancel()
		stdoutR.Close()
		stderrR.Close()
		return nil, fmt.Errorf("failed to start backend: %w", err)
	}
	p.pipes = []*os.File{stdoutR, stderrR}

	p.mu.Lock()
	p.state = StateRunning
	p.mu.Unlock()
	p.log.Info().Str("command", binaryPath).Strs("args", args).Int("pid", cmd.Process.Pid).Msg("backend started")

	p.scanners.Add(2)
	go p.scanOutput(stdoutR, StreamStdout)
	go p.scanOutput(stderrR, StreamStderr)

	go p.waitForExit()

	return p, nil
}

// scanOutput reads lines from a pipe, logs them and fans them out.
func (p *Process) scanOutput(pipe io.Reader, stream Stream) {
	defer p.scanners.Done()

	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, defaultScannerBufSize), defaultScannerBufSize)

	for scanner.Scan() {
		line := OutputLine{
			RunID:     p.ID,
			Stream:    stream,
			Data:      scanner.Text(),
			Timestamp: time.Now().UTC(),
		}
		p.log.Debug().Str("stream", string(stream)).Msg(line.Data)
		p.ringBuf.Write(line)
		p.fanOut(line)
	}

	if err := scanner.Err(); err != nil {
		p.log.Warn().Err(err).Str("stream", string(stream)).Msg("scanner error")
	}
}

// fanOut sends a line to all subscribers.
func (p *Process) fanOut(line OutputLine) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, ch := range p.subscribers {
		select {
		case ch <- line:
		default:
			// Subscriber channel full, drop the line.
		}
	}
}

// waitForExit waits for the process, then records the exit code and
// closes Done.
func (p *Process) waitForExit() {
	err := p.cmd.Wait()
	p.cancel()
	p.drain()

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	exitLine := OutputLine{
		RunID:     p.ID,
		Stream:    StreamExit,
		Data:      fmt.Sprintf("exit_code:%d", exitCode),
		Timestamp: time.Now().UTC(),
	}
	p.ringBuf.Write(exitLine)
	p.fanOut(exitLine)

	p.mu.Lock()
	p.state = StateExited
	p.exitCode = exitCode
	p.exitErr = err
	for id, ch := range p.subscribers {
		close(ch)
		delete(p.subscribers, id)
	}
	p.mu.Unlock()

	ev := p.log.Info()
	if exitCode != 0 {
		ev = p.log.Warn().Err(err)
	}
	ev.Int("exit_code", exitCode).Msg("backend exited")
	close(p.done)
}

// drain gives the scanners a moment to read what the process wrote before
// exiting, then closes the read ends. Output from orphaned children that
// still hold the pipes is cut off.
func (p *Process) drain() {
	flushed := make(chan struct{})
	go func() {
		p.scanners.Wait()
		close(flushed)
	}()
	select {
	case <-flushed:
	case <-time.After(drainTimeout):
	}
	for _, f := range p.pipes {
		f.Close()
	}
	<-flushed
}

// State returns the current lifecycle state.
func (p *Process) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitCode returns the exit code, or -1 while still running or when the
// process was killed by a signal.
func (p *Process) ExitCode() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.state != StateExited {
		return -1
	}
	return p.exitCode
}

// Err returns the error reported by Wait, nil for a clean exit.
func (p *Process) Err() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.exitErr
}

// Tail returns at most n of the most recent buffered output lines, all of
// them when n <= 0.
func (p *Process) Tail(n int) []OutputLine {
	return p.ringBuf.Tail(n)
}

// Stop interrupts the process and kills it if it has not exited after the
// grace period. It returns once the process is gone.
func (p *Process) Stop() error {
	if p.State() == StateExited {
		return ErrNotRunning
	}

	p.log.Info().Dur("grace", p.grace).Msg("stopping backend")
	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		p.cancel()
	}

	timer := time.NewTimer(p.grace)
	defer timer.Stop()
	select {
	case <-p.done:
	case <-timer.C:
		p.log.Warn().Msg("backend ignored interrupt, killing")
		p.cancel()
		<-p.done
	}
	return nil
}

// Subscribe returns a channel receiving future output lines together with
// the lines already buffered. The channel is closed when the process exits.
func (p *Process) Subscribe() (string, <-chan OutputLine, []OutputLine) {
	subID := uuid.New().String()
	ch := make(chan OutputLine, defaultSubscriberBufCap)

	p.mu.Lock()
	defer p.mu.Unlock()

	history := p.ringBuf.ReadAll()
	if p.state == StateExited {
		close(ch)
		return subID, ch, history
	}
	p.subscribers[subID] = ch
	return subID, ch, history
}

// Unsubscribe removes a subscriber.
func (p *Process) Unsubscribe(subID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ch, ok := p.subscribers[subID]; ok {
		close(ch)
		delete(p.subscribers, subID)
	}
}
