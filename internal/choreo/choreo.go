// Package choreo runs fixed, delay-based command sequences against a
// session. The backend never acknowledges readiness, so warm-up commands
// are spaced by empirically chosen delays instead.
package choreo

import (
	"context"
	"time"

	"gesturelink/internal/protocol"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Sender is the one capability a step needs from a session.
type Sender interface {
	Send(cmd protocol.Command) error
}

// Step waits Delay after the previous step finished, then runs Action
// against Target, or against the sender given to Run when Target is nil.
type Step struct {
	Delay  time.Duration
	Label  string
	Target Sender
	Action func(s Sender) error
}

// Send is a step that sends cmd to the Run sender.
func Send(delay time.Duration, cmd protocol.Command) Step {
	return Step{
		Delay:  delay,
		Label:  cmd.Tag,
		Action: func(s Sender) error { return s.Send(cmd) },
	}
}

// SendTo is a step that sends cmd to target regardless of the Run sender.
func SendTo(delay time.Duration, target Sender, cmd protocol.Command) Step {
	st := Send(delay, cmd)
	st.Target = target
	return st
}

// Runner executes sequences, logging each step.
type Runner struct {
	log zerolog.Logger
}

// NewRunner returns a Runner logging to logger.
func NewRunner(logger zerolog.Logger) *Runner {
	return &Runner{log: logger.With().Str("component", "choreo").Logger()}
}

// Run executes steps strictly in order: each step waits its delay, then
// its action runs to completion before the next delay starts. Send
// failures are logged and never stop the sequence; delivery is not
// verified. Cancelling ctx aborts between steps with ctx.Err().
func (r *Runner) Run(ctx context.Context, s Sender, steps []Step) error {
	start := time.Now()
	for i, st := range steps {
		if err := sleep(ctx, st.Delay); err != nil {
			r.log.Debug().Int("step", i).Str("label", st.Label).Msg("sequence cancelled")
			return err
		}

		target := s
		if st.Target != nil {
			target = st.Target
		}
		if target == nil || st.Action == nil {
			r.log.Warn().Int("step", i).Str("label", st.Label).Msg("step has no target, skipped")
			continue
		}

		if err := st.Action(target); err != nil {
			r.log.Warn().Err(err).Int("step", i).Str("label", st.Label).Msg("step not delivered")
			continue
		}
		r.log.Debug().Int("step", i).Str("label", st.Label).
			Dur("elapsed", time.Since(start)).Msg("step sent")
	}
	return nil
}

// Run executes steps with a Runner on the global logger.
func Run(ctx context.Context, s Sender, steps []Step) error {
	return NewRunner(log.Logger).Run(ctx, s, steps)
}

func sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
