package supervisor

import "time"

// State is the lifecycle state of a backend run.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateExited   State = "exited"
)

// Stream distinguishes stdout, stderr and exit lines.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
	StreamExit   Stream = "exit"
)

// OutputLine is a single line of backend output.
type OutputLine struct {
	RunID     string    `json:"runId"`
	Stream    Stream    `json:"stream"`
	Data      string    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Run describes one backend process.
type Run struct {
	ID         string    `json:"id"`
	Command    string    `json:"command"`
	Args       []string  `json:"args"`
	DataPort   int       `json:"dataPort"`
	FramesPort int       `json:"framesPort"`
	StartedAt  time.Time `json:"startedAt"`
}
