// Package portalloc finds unused TCP ports on the loopback interface.
//
// A port returned here was free when probed; it is not reserved. Another
// process may bind it before the caller does, and callers must tolerate
// that.
package portalloc

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

const loopbackHost = "127.0.0.1"

var (
	ErrNoPortAvailable = errors.New("no port available")
	ErrInvalidRange    = errors.New("invalid port range")
)

// Range is an inclusive span of TCP ports.
type Range struct {
	Start int `toml:"start" json:"start"`
	End   int `toml:"end" json:"end"`
}

func (r Range) String() string {
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// Validate reports whether r describes a usable, non-empty span.
func (r Range) Validate() error {
	if r.Start < 1 || r.End > 65535 {
		return fmt.Errorf("%w: %s outside 1-65535", ErrInvalidRange, r)
	}
	if r.Start > r.End {
		return fmt.Errorf("%w: start %d after end %d", ErrInvalidRange, r.Start, r.End)
	}
	return nil
}

// Overlaps reports whether r and o share at least one port.
func (r Range) Overlaps(o Range) bool {
	return r.Start <= o.End && o.Start <= r.End
}

// Allocate returns the lowest port in [start, end] that could be bound on
// the loopback interface. Candidates are probed one at a time.
func Allocate(start, end int) (int, error) {
	r := Range{Start: start, End: end}
	if err := r.Validate(); err != nil {
		return 0, err
	}

	for candidate := start; candidate <= end; candidate++ {
		if probe(candidate) {
			return candidate, nil
		}
	}
	return 0, fmt.Errorf("%w in range %s", ErrNoPortAvailable, r)
}

// AllocateRange is Allocate over r.
func AllocateRange(r Range) (int, error) {
	return Allocate(r.Start, r.End)
}

// AllocatePair allocates one port for each channel. The ranges are expected
// not to overlap; when they do and both probes land on the same port the
// call fails instead of handing out a duplicate.
func AllocatePair(data, frames Range) (dataPort, framesPort int, err error) {
	dataPort, err = AllocateRange(data)
	if err != nil {
		return 0, 0, fmt.Errorf("data port: %w", err)
	}
	framesPort, err = AllocateRange(frames)
	if err != nil {
		return 0, 0, fmt.Errorf("frames port: %w", err)
	}
	if dataPort == framesPort {
		return 0, 0, fmt.Errorf("%w: data and frames ranges overlap at %d", ErrInvalidRange, dataPort)
	}
	return dataPort, framesPort, nil
}

// probe binds and immediately releases port. Any bind error (in use,
// permission denied) counts as unavailable.
func probe(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort(loopbackHost, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	l.Close()
	return true
}
