// Package bridge carries the two backend ports from the supervisor to the
// control side. A bridge may support pull (Ports), push (Watch) or both;
// Await copes with either.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrPortsUnavailable is returned by a pull before the ports are published.
var ErrPortsUnavailable = errors.New("bridge: ports unavailable")

// pollInterval paces Await against sources that only support pull.
const pollInterval = 100 * time.Millisecond

// Ports is the pair handed to the control side.
type Ports struct {
	Data   int `json:"data"`
	Frames int `json:"frames"`
}

// Valid reports whether both ports are set and usable.
func (p Ports) Valid() bool {
	return p.Data > 0 && p.Data <= 65535 && p.Frames > 0 && p.Frames <= 65535
}

func (p Ports) String() string {
	return fmt.Sprintf("data=%d frames=%d", p.Data, p.Frames)
}

// Source is the pull side: "get current ports".
type Source interface {
	Ports(ctx context.Context) (Ports, error)
}

// Notifier is the push side: fn is called once with the ports when they
// are set. Watch returns after delivering or when ctx is done.
type Notifier interface {
	Watch(ctx context.Context, fn func(Ports)) error
}

// Publisher is implemented by bridges the supervisor writes to.
type Publisher interface {
	Publish(p Ports) error
}

// Await returns the ports from src, pulling first. If they are not yet
// available it waits for the push notification when src supports one, and
// otherwise keeps pulling until ctx is done.
func Await(ctx context.Context, src Source) (Ports, error) {
	p, err := src.Ports(ctx)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrPortsUnavailable) {
		return Ports{}, err
	}

	if n, ok := src.(Notifier); ok {
		got := make(chan Ports, 1)
		err := n.Watch(ctx, func(p Ports) {
			select {
			case got <- p:
			default:
			}
		})
		select {
		case p := <-got:
			return p, nil
		default:
		}
		if err == nil {
			err = ErrPortsUnavailable
		}
		return Ports{}, err
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return Ports{}, ctx.Err()
		case <-ticker.C:
			p, err := src.Ports(ctx)
			if err == nil {
				return p, nil
			}
			if !errors.Is(err, ErrPortsUnavailable) {
				return Ports{}, err
			}
		}
	}
}
