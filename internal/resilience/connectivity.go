package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ConnState describes the reachability of the remote.
type ConnState string

const (
	// Online means the probe succeeded with acceptable latency.
	Online ConnState = "online"

	// Offline means the probe failed.
	Offline ConnState = "offline"

	// Degraded means the probe succeeded but latency is high enough that
	// operations should expect slow round trips.
	Degraded ConnState = "degraded"
)

// ConnStatus is the result of one connectivity probe.
type ConnStatus struct {
	State   ConnState
	Latency time.Duration
}

// Reachable reports whether the remote can be talked to at all.
func (s ConnStatus) Reachable() bool {
	return s.State != Offline
}

// ConnectivityConfig configures the Monitor.
type ConnectivityConfig struct {
	// ProbeAddr is the host:port dialed by the reachability probe.
	ProbeAddr string

	// ProbeTimeout bounds one probe. It is deliberately shorter than any
	// operation timeout.
	ProbeTimeout time.Duration

	// DegradedThreshold is the probe latency above which the link is
	// reported Degraded rather than Online.
	DegradedThreshold time.Duration
}

// DefaultConnectivityConfig returns the standard probe tuning.
func DefaultConnectivityConfig() ConnectivityConfig {
	return ConnectivityConfig{
		ProbeAddr:         "github.com:443",
		ProbeTimeout:      5 * time.Second,
		DegradedThreshold: 300 * time.Millisecond,
	}
}

// Monitor probes remote reachability.
//
//go:generate mockgen -destination=mocks/mock_monitor.go -package=mocks -source=connectivity.go Monitor
type Monitor interface {
	// Check performs one short-timeout reachability probe.
	Check(ctx context.Context) ConnStatus

	// WaitForConnectivity blocks until the remote is reachable or maxWait
	// elapses, polling at pollInterval. It emits periodic progress through
	// the structured log and must be called from a worker that is not the
	// only application goroutine.
	WaitForConnectivity(ctx context.Context, maxWait, pollInterval time.Duration) error
}

// Dialer is the subset of net.Dialer the monitor needs, extracted so tests
// can substitute failures without touching the network.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// defaultMonitor implements Monitor with a TCP dial probe.
type defaultMonitor struct {
	cfg    ConnectivityConfig
	dialer Dialer
	now    func() time.Time
}

// MonitorOption customizes a Monitor.
type MonitorOption func(*defaultMonitor)

// WithDialer replaces the TCP dialer, used by tests.
func WithDialer(d Dialer) MonitorOption {
	return func(m *defaultMonitor) {
		m.dialer = d
	}
}

// NewMonitor creates a Monitor for the given probe config.
func NewMonitor(cfg ConnectivityConfig, opts ...MonitorOption) Monitor {
	if cfg.ProbeAddr == "" {
		cfg.ProbeAddr = DefaultConnectivityConfig().ProbeAddr
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultConnectivityConfig().ProbeTimeout
	}
	if cfg.DegradedThreshold <= 0 {
		cfg.DegradedThreshold = DefaultConnectivityConfig().DegradedThreshold
	}
	m := &defaultMonitor{
		cfg:    cfg,
		dialer: &net.Dialer{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Check performs one reachability probe against the configured address.
func (m *defaultMonitor) Check(ctx context.Context) ConnStatus {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	start := m.now()
	conn, err := m.dialer.DialContext(probeCtx, "tcp", m.cfg.ProbeAddr)
	if err != nil {
		slog.Debug("Connectivity probe failed", "addr", m.cfg.ProbeAddr, "error", err)
		return ConnStatus{State: Offline}
	}
	latency := m.now().Sub(start)
	_ = conn.Close()

	state := Online
	if latency > m.cfg.DegradedThreshold {
		state = Degraded
	}
	return ConnStatus{State: state, Latency: latency}
}

// WaitForConnectivity polls the probe until the remote is reachable or
// maxWait elapses.
func (m *defaultMonitor) WaitForConnectivity(ctx context.Context, maxWait, pollInterval time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	probe := func() (ConnStatus, error) {
		status := m.Check(waitCtx)
		if !status.Reachable() {
			return status, fmt.Errorf("remote %s unreachable", m.cfg.ProbeAddr)
		}
		return status, nil
	}

	status, err := backoff.Retry(waitCtx, probe,
		backoff.WithBackOff(backoff.NewConstantBackOff(pollInterval)),
		backoff.WithMaxElapsedTime(maxWait),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Info("Waiting for connectivity",
				"addr", m.cfg.ProbeAddr,
				"next_probe_in", next,
				"error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("connectivity did not return within %s: %w", maxWait, err)
	}

	slog.Info("Connectivity restored",
		"addr", m.cfg.ProbeAddr,
		"state", status.State,
		"latency", status.Latency)
	return nil
}
