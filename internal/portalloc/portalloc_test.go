package portalloc

import (
	"errors"
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// occupy binds a loopback listener on port and registers its cleanup.
func occupy(t *testing.T, port int) bool {
	t.Helper()
	l, err := net.Listen("tcp", net.JoinHostPort(loopbackHost, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	t.Cleanup(func() { l.Close() })
	return true
}

// ephemeralBase returns a port picked by the kernel and keeps it bound.
func ephemeralBase(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", net.JoinHostPort(loopbackHost, "0"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l.Addr().(*net.TCPAddr).Port
}

func TestAllocate_SkipsOccupiedPorts(t *testing.T) {
	base := ephemeralBase(t)
	if base+60 > 65535 {
		t.Skip("ephemeral port too close to the top of the range")
	}
	for p := base + 1; p <= base+50; p++ {
		if !occupy(t, p) {
			t.Skipf("port %d already in use by another process", p)
		}
	}
	if !probe(base + 51) {
		t.Skipf("port %d already in use by another process", base+51)
	}

	got, err := Allocate(base, base+60)
	require.NoError(t, err)
	assert.Equal(t, base+51, got)
}

func TestAllocate_ReturnsLowestFreePort(t *testing.T) {
	base := ephemeralBase(t)
	if base+2 > 65535 || !occupy(t, base+2) {
		t.Skip("neighbouring port unavailable")
	}
	if !probe(base + 1) {
		t.Skip("neighbouring port unavailable")
	}

	got, err := Allocate(base, base+2)
	require.NoError(t, err)
	assert.Equal(t, base+1, got)
}

func TestAllocate_SinglePortFree(t *testing.T) {
	base := ephemeralBase(t)
	// The helper still holds base; pick the port the kernel just freed.
	l, err := net.Listen("tcp", net.JoinHostPort(loopbackHost, "0"))
	require.NoError(t, err)
	free := l.Addr().(*net.TCPAddr).Port
	l.Close()
	require.NotEqual(t, base, free)

	got, err := Allocate(free, free)
	require.NoError(t, err)
	assert.Equal(t, free, got)
}

func TestAllocate_Exhausted(t *testing.T) {
	base := ephemeralBase(t)

	_, err := Allocate(base, base)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoPortAvailable))
}

func TestAllocate_InvalidRange(t *testing.T) {
	tests := []struct {
		name       string
		start, end int
	}{
		{"reversed", 9000, 8000},
		{"zero start", 0, 10},
		{"beyond max", 65530, 70000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Allocate(tt.start, tt.end)
			assert.ErrorIs(t, err, ErrInvalidRange)
		})
	}
}

func TestRange_Overlaps(t *testing.T) {
	data := Range{Start: 8000, End: 8200}

	assert.False(t, data.Overlaps(Range{Start: 8201, End: 8400}))
	assert.True(t, data.Overlaps(Range{Start: 8200, End: 8400}))
	assert.True(t, data.Overlaps(Range{Start: 7000, End: 9000}))
	assert.Equal(t, "8000-8200", data.String())
}

func TestAllocatePair_DistinctPorts(t *testing.T) {
	base := ephemeralBase(t)
	if base+40 > 65535 {
		t.Skip("ephemeral port too close to the top of the range")
	}

	data, frames, err := AllocatePair(
		Range{Start: base + 1, End: base + 20},
		Range{Start: base + 21, End: base + 40},
	)
	require.NoError(t, err)
	assert.NotEqual(t, data, frames)
	assert.True(t, data > base && data <= base+20)
	assert.True(t, frames > base+20 && frames <= base+40)
}

func TestAllocatePair_OverlappingRangesRejected(t *testing.T) {
	l, err := net.Listen("tcp", net.JoinHostPort(loopbackHost, "0"))
	require.NoError(t, err)
	free := l.Addr().(*net.TCPAddr).Port
	l.Close()

	_, _, err = AllocatePair(Range{Start: free, End: free}, Range{Start: free, End: free})
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestAllocatePair_ExhaustedFrames(t *testing.T) {
	base := ephemeralBase(t)

	_, _, err := AllocatePair(Range{Start: 1, End: 65535}, Range{Start: base, End: base})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoPortAvailable)
	assert.Contains(t, err.Error(), "frames port")
}
