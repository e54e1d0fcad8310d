package bridge

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestPorts_Valid(t *testing.T) {
	cases := []struct {
		p    Ports
		want bool
	}{
		{Ports{8000, 8201}, true},
		{Ports{0, 8201}, false},
		{Ports{8000, 0}, false},
		{Ports{8000, 70000}, false},
	}
	for _, c := range cases {
		if got := c.p.Valid(); got != c.want {
			t.Errorf("%s: Valid() = %v, want %v", c.p, got, c.want)
		}
	}
}

func TestFile_PublishAndPull(t *testing.T) {
	f := NewFile(filepath.Join(t.TempDir(), "ports.json"))

	if _, err := f.Ports(context.Background()); !errors.Is(err, ErrPortsUnavailable) {
		t.Fatalf("expected ErrPortsUnavailable before publish, got %v", err)
	}

	want := Ports{Data: 8051, Frames: 8201}
	if err := f.Publish(want); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got, err := f.Ports(context.Background())
	if err != nil {
		t.Fatalf("Ports: %v", err)
	}
	if got != want {
		t.Errorf("expected %s, got %s", want, got)
	}

	entries, _ := os.ReadDir(filepath.Dir(f.Path()))
	if len(entries) != 1 {
		t.Errorf("expected only the ports file, found %d entries", len(entries))
	}
}

func TestFile_PublishRejectsInvalid(t *testing.T) {
	f := NewFile(filepath.Join(t.TempDir(), "ports.json"))
	if err := f.Publish(Ports{Data: 8000}); err == nil {
		t.Error("expected error for missing frames port")
	}
}

func TestFile_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ports.json")
	os.WriteFile(path, []byte("{not json"), 0644)

	_, err := NewFile(path).Ports(context.Background())
	if err == nil || errors.Is(err, ErrPortsUnavailable) {
		t.Errorf("expected decode error, got %v", err)
	}
}

func TestFile_Clear(t *testing.T) {
	f := NewFile(filepath.Join(t.TempDir(), "ports.json"))
	f.Publish(Ports{Data: 8000, Frames: 8201})

	if err := f.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if err := f.Clear(); err != nil {
		t.Errorf("second Clear: %v", err)
	}
	if _, err := f.Ports(context.Background()); !errors.Is(err, ErrPortsUnavailable) {
		t.Errorf("expected ErrPortsUnavailable after Clear, got %v", err)
	}
}

func TestFile_WatchDeliversOnce(t *testing.T) {
	f := NewFile(filepath.Join(t.TempDir(), "ports.json"))
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	calls := make(chan Ports, 4)
	done := make(chan error, 1)
	go func() {
		done <- f.Watch(ctx, func(p Ports) { calls <- p })
	}()

	time.Sleep(100 * time.Millisecond)
	f.Publish(Ports{Data: 8000, Frames: 8201})
	f.Publish(Ports{Data: 8001, Frames: 8202})

	if err := <-done; err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if len(calls) != 1 {
		t.Fatalf("expected exactly one delivery, got %d", len(calls))
	}
	if p := <-calls; !p.Valid() {
		t.Errorf("delivered invalid ports %s", p)
	}
}

func TestFile_WatchAlreadyPublished(t *testing.T) {
	f := NewFile(filepath.Join(t.TempDir(), "ports.json"))
	f.Publish(Ports{Data: 8000, Frames: 8201})

	var got Ports
	if err := f.Watch(context.Background(), func(p Ports) { got = p }); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if got.Data != 8000 {
		t.Errorf("expected data 8000, got %d", got.Data)
	}
}

func TestFile_WatchCancelled(t *testing.T) {
	f := NewFile(filepath.Join(t.TempDir(), "ports.json"))
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := f.Watch(ctx, func(Ports) { t.Error("unexpected delivery") })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestMemory_PushThenPull(t *testing.T) {
	m := NewMemory()
	want := Ports{Data: 8000, Frames: 8201}

	got := make(chan Ports, 1)
	go m.Watch(context.Background(), func(p Ports) { got <- p })
	time.Sleep(20 * time.Millisecond)

	m.Publish(want)
	select {
	case p := <-got:
		if p != want {
			t.Errorf("expected %s, got %s", want, p)
		}
	case <-time.After(time.Second):
		t.Fatal("watcher not notified")
	}

	p, err := m.Ports(context.Background())
	if err != nil || p != want {
		t.Errorf("pull: got %s, %v", p, err)
	}
}

func TestMemory_WatchCancelledRemovesWaiter(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := m.Watch(ctx, func(Ports) {}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected Canceled, got %v", err)
	}
	m.mu.Lock()
	n := len(m.waiters)
	m.mu.Unlock()
	if n != 0 {
		t.Errorf("expected no waiters, got %d", n)
	}
}

func TestHTTP_Pull(t *testing.T) {
	m := NewMemory()
	srv := httptest.NewServer(Handler(m))
	defer srv.Close()

	src := NewHTTP(srv.URL+"/", nil)
	if _, err := src.Ports(context.Background()); !errors.Is(err, ErrPortsUnavailable) {
		t.Fatalf("expected ErrPortsUnavailable, got %v", err)
	}

	m.Publish(Ports{Data: 8010, Frames: 8210})
	p, err := src.Ports(context.Background())
	if err != nil {
		t.Fatalf("Ports: %v", err)
	}
	if p.Data != 8010 || p.Frames != 8210 {
		t.Errorf("unexpected ports %s", p)
	}
}

func TestAwait_PullFirst(t *testing.T) {
	m := NewMemory()
	m.Publish(Ports{Data: 8000, Frames: 8201})

	p, err := Await(context.Background(), m)
	if err != nil || p.Data != 8000 {
		t.Errorf("got %s, %v", p, err)
	}
}

func TestAwait_Push(t *testing.T) {
	f := NewFile(filepath.Join(t.TempDir(), "ports.json"))
	go func() {
		time.Sleep(100 * time.Millisecond)
		f.Publish(Ports{Data: 8002, Frames: 8203})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	p, err := Await(ctx, f)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if p.Data != 8002 {
		t.Errorf("expected data 8002, got %d", p.Data)
	}
}

func TestAwait_PollsPullOnlySource(t *testing.T) {
	m := NewMemory()
	srv := httptest.NewServer(Handler(m))
	defer srv.Close()

	go func() {
		time.Sleep(150 * time.Millisecond)
		m.Publish(Ports{Data: 8004, Frames: 8205})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	p, err := Await(ctx, NewHTTP(srv.URL, nil))
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if p.Frames != 8205 {
		t.Errorf("expected frames 8205, got %d", p.Frames)
	}
}

func TestAwait_Timeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := Await(ctx, NewMemory()); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}
