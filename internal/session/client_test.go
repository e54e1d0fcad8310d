package session

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gesturelink/internal/backendstub"
	"gesturelink/internal/protocol"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quiet = WithLogger(zerolog.Nop())

type stateRecorder struct {
	mu     sync.Mutex
	states []State
	ch     chan State
}

func newRecorder() *stateRecorder {
	return &stateRecorder{states: []State{StateDisconnected}, ch: make(chan State, 64)}
}

func (r *stateRecorder) observe(from, to State) {
	r.mu.Lock()
	r.states = append(r.states, to)
	r.mu.Unlock()
	r.ch <- to
}

func (r *stateRecorder) path() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func (r *stateRecorder) waitFor(t *testing.T, want State) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case s := <-r.ch:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s, path %v", want, r.path())
		}
	}
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func startStub(t *testing.T, opts backendstub.Options) (*backendstub.Server, string) {
	t.Helper()
	stub := backendstub.New(opts)
	srv := httptest.NewServer(stub.Handler())
	t.Cleanup(func() {
		stub.Shutdown()
		srv.Close()
	})
	return stub, wsURL(srv.URL)
}

// closingServer upgrades each request and closes it right away; the
// first hold connections are instead kept open until the test ends.
func closingServer(t *testing.T, hold int) (*httptest.Server, *int32) {
	t.Helper()
	var count int32
	var held []*websocket.Conn
	var mu sync.Mutex
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := atomic.AddInt32(&count, 1)
		if int(n) > hold {
			conn.Close()
			return
		}
		mu.Lock()
		held = append(held, conn)
		mu.Unlock()
	}))
	t.Cleanup(func() {
		mu.Lock()
		for _, c := range held {
			c.Close()
		}
		mu.Unlock()
		srv.Close()
	})
	return srv, &count
}

func TestCanTransition(t *testing.T) {
	legal := [][2]State{
		{StateDisconnected, StateConnecting},
		{StateConnecting, StateConnected},
		{StateConnected, StateReconnecting},
		{StateConnected, StateDisconnected},
		{StateReconnecting, StateConnecting},
		{StateConnecting, StateDisconnected},
		{StateConnected, StateClosed},
		{StateDisconnected, StateClosed},
	}
	for _, tr := range legal {
		assert.True(t, CanTransition(tr[0], tr[1]), "%s → %s", tr[0], tr[1])
	}

	illegal := [][2]State{
		{StateDisconnected, StateConnected},
		{StateReconnecting, StateConnected},
		{StateClosed, StateConnecting},
		{StateClosed, StateDisconnected},
		{StateConnected, StateConnecting},
	}
	for _, tr := range illegal {
		assert.False(t, CanTransition(tr[0], tr[1]), "%s → %s", tr[0], tr[1])
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestURL(t *testing.T) {
	assert.Equal(t, "ws://127.0.0.1:8051", URL("ws", "127.0.0.1", 8051))
}

func TestClient_AcceptThenCloseWalk(t *testing.T) {
	srv, _ := closingServer(t, 0)
	rec := newRecorder()

	c := New(wsURL(srv.URL), quiet, WithStateObserver(rec.observe))
	defer c.Close()

	require.NoError(t, c.Connect())
	rec.waitFor(t, StateDisconnected)

	assert.Equal(t, []State{StateDisconnected, StateConnecting, StateConnected, StateDisconnected}, rec.path())
	assert.False(t, c.heartbeatRunning())
}

func TestClient_HeartbeatExistsOnlyWhileConnected(t *testing.T) {
	stub, url := startStub(t, backendstub.Options{})
	rec := newRecorder()

	c := New(url, quiet, WithStateObserver(rec.observe), WithHeartbeatInterval(time.Hour))
	defer c.Close()

	assert.False(t, c.heartbeatRunning())
	require.NoError(t, c.Connect())
	require.NoError(t, c.WaitForReady(context.Background(), 2*time.Second))
	assert.True(t, c.heartbeatRunning())

	stub.Shutdown()
	rec.waitFor(t, StateDisconnected)
	assert.False(t, c.heartbeatRunning())
}

func TestClient_HeartbeatSendsPings(t *testing.T) {
	stub, url := startStub(t, backendstub.Options{})

	c := New(url, quiet, WithHeartbeatInterval(20*time.Millisecond))
	defer c.Close()

	require.NoError(t, c.Connect())
	require.NoError(t, c.WaitForReady(context.Background(), 2*time.Second))

	require.Eventually(t, func() bool {
		pings := 0
		for _, tag := range stub.Received() {
			if tag == protocol.CmdPing {
				pings++
			}
		}
		return pings >= 2 && !c.LastPong().IsZero()
	}, 3*time.Second, 10*time.Millisecond)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestClient_PingAfterPeriodEndsIsSilent(t *testing.T) {
	stub, url := startStub(t, backendstub.Options{})
	var logs syncBuffer

	c := New(url, WithLogger(zerolog.New(&logs)), WithHeartbeatInterval(time.Hour))
	defer c.Close()

	// Disconnected: a tick that lost the race with transportClosed.
	c.ping(make(chan struct{}))
	assert.NotContains(t, logs.String(), "command dropped")

	require.NoError(t, c.Connect())
	require.NoError(t, c.WaitForReady(context.Background(), 2*time.Second))

	// Connected, but the tick belongs to an earlier period.
	c.ping(make(chan struct{}))
	require.NoError(t, c.Send(protocol.GetCamera()))
	require.Eventually(t, func() bool { return len(stub.Received()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{protocol.CmdGetCamera}, stub.Received())
	assert.NotContains(t, logs.String(), "command dropped")

	c.Close()
	assert.ErrorIs(t, c.Send(protocol.GetCamera()), ErrNotConnected)
	assert.Contains(t, logs.String(), "command dropped")
}

func TestClient_ConnectIsIdempotent(t *testing.T) {
	srv, count := closingServer(t, 10)

	c := New(wsURL(srv.URL), quiet)
	defer c.Close()

	require.NoError(t, c.Connect())
	require.NoError(t, c.Connect())
	require.NoError(t, c.WaitForReady(context.Background(), 2*time.Second))
	require.NoError(t, c.Connect())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(count))
	assert.Equal(t, StateConnected, c.State())
}

func TestClient_WaitForReadyTimeout(t *testing.T) {
	// A listener that never answers the opening handshake.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	c := New("ws://"+l.Addr().String(), quiet)
	defer c.Close()
	require.NoError(t, c.Connect())

	start := time.Now()
	err = c.WaitForReady(context.Background(), 500*time.Millisecond)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrConnectTimeout)
	assert.GreaterOrEqual(t, elapsed, 500*time.Millisecond)
	assert.Less(t, elapsed, 3*time.Second)
	assert.Equal(t, 0, c.listenerCount())
	assert.Equal(t, StateConnecting, c.State())
}

func TestClient_WaitForReadyRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	c := New("ws://"+addr, quiet)
	defer c.Close()
	require.NoError(t, c.Connect())

	err = c.WaitForReady(context.Background(), 2*time.Second)
	assert.ErrorIs(t, err, ErrConnectFailed)
	assert.Equal(t, 0, c.listenerCount())
}

func TestClient_WaitForReadyResolvesOnce(t *testing.T) {
	_, url := startStub(t, backendstub.Options{})

	c := New(url, quiet)
	defer c.Close()

	const waiters = 5
	results := make(chan error, waiters*2)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- c.WaitForReady(context.Background(), 2*time.Second)
		}()
	}

	require.Eventually(t, func() bool { return c.listenerCount() == waiters }, time.Second, 5*time.Millisecond)
	require.NoError(t, c.Connect())
	wg.Wait()
	close(results)

	n := 0
	for err := range results {
		assert.NoError(t, err)
		n++
	}
	assert.Equal(t, waiters, n)
	assert.Equal(t, 0, c.listenerCount())

	// Later events find nobody listening.
	require.NoError(t, c.Close())
	assert.Equal(t, 0, c.listenerCount())
}

func TestClient_WaitForReadyAlreadyConnected(t *testing.T) {
	_, url := startStub(t, backendstub.Options{})

	c := New(url, quiet)
	defer c.Close()
	require.NoError(t, c.Connect())
	require.NoError(t, c.WaitForReady(context.Background(), 2*time.Second))

	start := time.Now()
	assert.NoError(t, c.WaitForReady(context.Background(), time.Millisecond))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestClient_WaitForReadyContextCancelled(t *testing.T) {
	c := New("ws://127.0.0.1:1", quiet)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.WaitForReady(ctx, time.Second), context.Canceled)
	assert.Equal(t, 0, c.listenerCount())
}

func TestClient_SendWhileDisconnectedIsDropped(t *testing.T) {
	stub, url := startStub(t, backendstub.Options{})

	c := New(url, quiet)
	defer c.Close()

	assert.ErrorIs(t, c.Send(protocol.StartDetection()), ErrNotConnected)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, stub.Received())
	assert.Equal(t, 0, stub.ClientCount())
}

func TestClient_SendAndDispatch(t *testing.T) {
	_, url := startStub(t, backendstub.Options{Cameras: []string{"cam0", "cam1"}})

	got := make(chan []string, 1)
	c := New(url, quiet, WithHandler(protocol.TagCamerasDisponiveis, func(msg Message) {
		cams, err := protocol.CameraList(msg.Payload)
		if err == nil {
			got <- cams
		}
	}))
	defer c.Close()

	require.NoError(t, c.Connect())
	require.NoError(t, c.WaitForReady(context.Background(), 2*time.Second))
	require.NoError(t, c.Send(protocol.GetCamerasDisponiveis()))

	select {
	case cams := <-got:
		assert.Equal(t, []string{"cam0", "cam1"}, cams)
	case <-time.After(2 * time.Second):
		t.Fatal("camera list handler not invoked")
	}
}

func TestClient_CloseIsTerminalAndIdempotent(t *testing.T) {
	stub, url := startStub(t, backendstub.Options{})
	rec := newRecorder()

	c := New(url, quiet, WithStateObserver(rec.observe))
	require.NoError(t, c.RegisterHandler(protocol.TagPong, func(Message) {}))
	require.NoError(t, c.Connect())
	require.NoError(t, c.WaitForReady(context.Background(), 2*time.Second))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.Equal(t, StateClosed, c.State())
	assert.False(t, c.heartbeatRunning())
	assert.Nil(t, c.handler(protocol.TagPong))
	assert.ErrorIs(t, c.Connect(), ErrClosed)
	assert.ErrorIs(t, c.WaitForReady(context.Background(), time.Millisecond), ErrClosed)
	assert.ErrorIs(t, c.Send(protocol.Ping()), ErrNotConnected)

	require.Eventually(t, func() bool { return stub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []State{StateDisconnected, StateConnecting, StateConnected, StateClosed}, rec.path())
}

func TestClient_CloseWakesWaiters(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	c := New("ws://"+l.Addr().String(), quiet)
	require.NoError(t, c.Connect())

	done := make(chan error, 1)
	go func() { done <- c.WaitForReady(context.Background(), 5*time.Second) }()
	require.Eventually(t, func() bool { return c.listenerCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Close())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not released by Close")
	}
}

func TestClient_ReconnectExhausted(t *testing.T) {
	// Rejecting the handshake keeps the attempt counter growing; a
	// successful open would reset it.
	var count int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&count, 1)
		http.Error(w, "backend starting", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	rec := newRecorder()
	failed := make(chan error, 1)

	c := New(wsURL(srv.URL), quiet,
		WithStateObserver(rec.observe),
		WithReconnect(ReconnectPolicy{Enabled: true, MaxAttempts: 2, BaseDelay: 10 * time.Millisecond}),
		WithPermanentFailure(func(err error) { failed <- err }),
	)
	defer c.Close()

	require.NoError(t, c.Connect())

	select {
	case err := <-failed:
		assert.ErrorIs(t, err, ErrReconnectExhausted)
	case <-time.After(3 * time.Second):
		t.Fatalf("no permanent failure, path %v", rec.path())
	}

	assert.Equal(t, int32(3), atomic.LoadInt32(&count))
	assert.Equal(t, StateDisconnected, c.State())

	path := rec.path()
	assert.Contains(t, path, StateReconnecting)
	for i := 1; i < len(path); i++ {
		assert.True(t, CanTransition(path[i-1], path[i]), "illegal step %s → %s", path[i-1], path[i])
	}
}

func TestClient_ReconnectRecovers(t *testing.T) {
	var count int32
	var held *websocket.Conn
	var mu sync.Mutex
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if atomic.AddInt32(&count, 1) == 1 {
			conn.Close()
			return
		}
		mu.Lock()
		held = conn
		mu.Unlock()
	}))
	defer func() {
		mu.Lock()
		if held != nil {
			held.Close()
		}
		mu.Unlock()
		srv.Close()
	}()

	rec := newRecorder()
	c := New(wsURL(srv.URL), quiet,
		WithStateObserver(rec.observe),
		WithReconnect(ReconnectPolicy{Enabled: true, MaxAttempts: 3, BaseDelay: 10 * time.Millisecond}),
	)
	defer c.Close()

	require.NoError(t, c.Connect())
	rec.waitFor(t, StateReconnecting)
	rec.waitFor(t, StateConnected)

	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, []State{
		StateDisconnected, StateConnecting, StateConnected,
		StateReconnecting, StateConnecting, StateConnected,
	}, rec.path())
}

func TestReconnectPolicy_Delay(t *testing.T) {
	p := ReconnectPolicy{BaseDelay: time.Second}
	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 16*time.Second, p.Delay(4))

	assert.Equal(t, time.Second, ReconnectPolicy{}.Delay(-1))
}
