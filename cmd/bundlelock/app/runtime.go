package app

import (
	"fmt"
	"log/slog"

	"github.com/spf13/viper"

	"github.com/bundlelock/bundlelock/internal/config"
	"github.com/bundlelock/bundlelock/internal/lock"
	"github.com/bundlelock/bundlelock/internal/queue"
	"github.com/bundlelock/bundlelock/internal/resilience"
	"github.com/bundlelock/bundlelock/internal/telemetry"
	"github.com/bundlelock/bundlelock/internal/vcs"
)

// appRuntime bundles the wired protocol components one command invocation
// needs. Close releases the offline queue.
type appRuntime struct {
	cfg         *config.Config
	coordinator lock.Coordinator
	queue       *queue.OfflineQueue
	monitor     resilience.Monitor
	runner      *resilience.Runner
	metrics     *telemetry.Metrics
	holderID    string

	// replayCoordinator shares the backend but is not wired to the queue,
	// so replayed intents hit the remote instead of re-queueing.
	replayCoordinator lock.Coordinator
}

func (r *appRuntime) Close() {
	if r.queue != nil {
		if err := r.queue.Close(); err != nil {
			slog.Warn("Failed to close offline queue", "error", err)
		}
	}
}

// loadConfig resolves the effective configuration from the --config file
// and flag overrides.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if path := viper.GetString("config"); path != "" {
		loaded, err := config.LoadConfig(config.WithConfigPath(path))
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.DefaultConfig()
	}

	if remote := viper.GetString("remote"); remote != "" {
		cfg.Remote.URL = remote
	}
	if cfg.Remote.URL == "" {
		return nil, fmt.Errorf("no remote configured: pass --remote or set remote.url in the config file")
	}
	return cfg, nil
}

// holderID resolves the identity this invocation acts as.
func holderID() string {
	if holder := viper.GetString("holder"); holder != "" {
		return holder
	}
	return lock.HolderIDFromEnvironment()
}

// buildRuntime wires the backend, resilience layer, queue, and coordinator.
// The offline queue and connectivity monitor are wired into the coordinator
// so mutations degrade to queued intents when the remote is away.
func buildRuntime() (*appRuntime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	vcsCfg, err := cfg.VCSConfig()
	if err != nil {
		// Missing credentials only matter once the remote asks for them;
		// public remotes and SSH-agent setups work without any.
		slog.Debug("No remote credentials resolved", "error", err)
		vcsCfg = vcs.Config{RemoteURL: cfg.Remote.URL}
	}

	backend, err := vcs.NewGitBackend(&vcsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create repository backend: %w", err)
	}

	metrics := telemetry.NewMetrics()
	breaker := resilience.NewCircuitBreaker(cfg.BreakerConfig(),
		resilience.WithStateChangeHook(metrics.BreakerTransition))
	runner := resilience.NewRunner(breaker, cfg.RetryPolicies(),
		resilience.WithMetricsRecorder(metrics))
	monitor := resilience.NewMonitor(cfg.MonitorConfig())

	queuePath, err := cfg.QueuePath()
	if err != nil {
		return nil, err
	}
	offlineQueue, err := queue.Open(queuePath, queue.WithQueueMetrics(metrics))
	if err != nil {
		return nil, err
	}

	coordinator := lock.NewCoordinator(backend, runner, cfg.CoordinatorConfig(),
		lock.WithLockMetrics(metrics),
		lock.WithConnectivityMonitor(monitor),
		lock.WithOfflineQueue(offlineQueue))
	replayCoordinator := lock.NewCoordinator(backend, runner, cfg.CoordinatorConfig(),
		lock.WithLockMetrics(metrics))

	return &appRuntime{
		cfg:               cfg,
		coordinator:       coordinator,
		queue:             offlineQueue,
		monitor:           monitor,
		runner:            runner,
		metrics:           metrics,
		holderID:          holderID(),
		replayCoordinator: replayCoordinator,
	}, nil
}
