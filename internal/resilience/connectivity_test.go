package resilience

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startProbeTarget(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()
	return listener.Addr().String()
}

// closedPort returns an address nothing is listening on.
func closedPort(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())
	return addr
}

func TestMonitor_CheckOnline(t *testing.T) {
	t.Parallel()

	monitor := NewMonitor(ConnectivityConfig{
		ProbeAddr:         startProbeTarget(t),
		ProbeTimeout:      2 * time.Second,
		DegradedThreshold: 10 * time.Second,
	})

	status := monitor.Check(context.Background())
	assert.Equal(t, Online, status.State)
	assert.True(t, status.Reachable())
}

func TestMonitor_CheckOffline(t *testing.T) {
	t.Parallel()

	monitor := NewMonitor(ConnectivityConfig{
		ProbeAddr:         closedPort(t),
		ProbeTimeout:      time.Second,
		DegradedThreshold: 300 * time.Millisecond,
	})

	status := monitor.Check(context.Background())
	assert.Equal(t, Offline, status.State)
	assert.False(t, status.Reachable())
}

// slowDialer delays each dial to simulate a high-latency link.
type slowDialer struct {
	delay  time.Duration
	target string
}

func (d *slowDialer) DialContext(ctx context.Context, network, _ string) (net.Conn, error) {
	time.Sleep(d.delay)
	var dialer net.Dialer
	return dialer.DialContext(ctx, network, d.target)
}

func TestMonitor_CheckDegraded(t *testing.T) {
	t.Parallel()

	target := startProbeTarget(t)
	monitor := NewMonitor(
		ConnectivityConfig{
			ProbeAddr:         target,
			ProbeTimeout:      5 * time.Second,
			DegradedThreshold: 10 * time.Millisecond,
		},
		WithDialer(&slowDialer{delay: 50 * time.Millisecond, target: target}),
	)

	status := monitor.Check(context.Background())
	assert.Equal(t, Degraded, status.State)
	assert.True(t, status.Reachable())
	assert.GreaterOrEqual(t, status.Latency, 10*time.Millisecond)
}

func TestMonitor_WaitForConnectivity_AlreadyOnline(t *testing.T) {
	t.Parallel()

	monitor := NewMonitor(ConnectivityConfig{
		ProbeAddr:         startProbeTarget(t),
		ProbeTimeout:      2 * time.Second,
		DegradedThreshold: 10 * time.Second,
	})

	err := monitor.WaitForConnectivity(context.Background(), 5*time.Second, 100*time.Millisecond)
	assert.NoError(t, err)
}

func TestMonitor_WaitForConnectivity_TimesOut(t *testing.T) {
	t.Parallel()

	monitor := NewMonitor(ConnectivityConfig{
		ProbeAddr:         closedPort(t),
		ProbeTimeout:      200 * time.Millisecond,
		DegradedThreshold: 300 * time.Millisecond,
	})

	start := time.Now()
	err := monitor.WaitForConnectivity(context.Background(), 500*time.Millisecond, 100*time.Millisecond)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}
