package bridge

import (
	"context"
	"sync"
)

// Memory is an in-process bridge supporting both pull and push.
type Memory struct {
	mu      sync.Mutex
	ports   Ports
	set     bool
	waiters []chan Ports
}

// NewMemory returns an empty Memory bridge.
func NewMemory() *Memory {
	return &Memory{}
}

// Publish stores p and wakes every watcher. Only the first publish is
// pushed; later ones update what Ports returns.
func (m *Memory) Publish(p Ports) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ports = p
	m.set = true
	for _, ch := range m.waiters {
		ch <- p
	}
	m.waiters = nil
	return nil
}

// Ports returns the published ports or ErrPortsUnavailable.
func (m *Memory) Ports(ctx context.Context) (Ports, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.set {
		return Ports{}, ErrPortsUnavailable
	}
	return m.ports, nil
}

// Watch calls fn once when ports are published, immediately if they
// already are.
func (m *Memory) Watch(ctx context.Context, fn func(Ports)) error {
	m.mu.Lock()
	if m.set {
		p := m.ports
		m.mu.Unlock()
		fn(p)
		return nil
	}
	ch := make(chan Ports, 1)
	m.waiters = append(m.waiters, ch)
	m.mu.Unlock()

	select {
	case p := <-ch:
		fn(p)
		return nil
	case <-ctx.Done():
		m.remove(ch)
		return ctx.Err()
	}
}

func (m *Memory) remove(ch chan Ports) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, w := range m.waiters {
		if w == ch {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return
		}
	}
}
