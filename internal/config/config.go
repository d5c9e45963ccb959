// Package config provides configuration loading and management for the lock
// coordinator, its resilience layer, and the local daemon.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bundlelock/bundlelock/internal/lock"
	"github.com/bundlelock/bundlelock/internal/resilience"
	"github.com/bundlelock/bundlelock/internal/vcs"
)

const (
	// BackoffExponential doubles the delay between attempts.
	BackoffExponential = "exponential"

	// BackoffLinear grows the delay by the initial delay each attempt.
	BackoffLinear = "linear"

	// BackoffFixed waits the same delay between every attempt.
	BackoffFixed = "fixed"
)

// tokenEnvVar is the environment fallback for the remote auth token.
const tokenEnvVar = "BUNDLELOCK_TOKEN"

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		// Validate the path to prevent path traversal attacks
		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	Remote       RemoteConfig       `yaml:"remote"`
	Lock         LockConfig         `yaml:"lock,omitempty"`
	Retry        RetryConfig        `yaml:"retry,omitempty"`
	Breaker      BreakerConfig      `yaml:"breaker,omitempty"`
	Connectivity ConnectivityConfig `yaml:"connectivity,omitempty"`
	Queue        QueueConfig        `yaml:"queue,omitempty"`
	Daemon       DaemonConfig       `yaml:"daemon,omitempty"`
}

// RemoteConfig identifies the shared repository carrying the lock branch.
type RemoteConfig struct {
	// URL is the repository URL (HTTP/HTTPS/SSH)
	URL string `yaml:"url"`

	// Branch is the dedicated lock-manifest branch
	Branch string `yaml:"branch,omitempty"`

	// ManifestPath is the manifest file path within the branch
	ManifestPath string `yaml:"manifestPath,omitempty"`

	Auth *AuthConfig `yaml:"auth,omitempty"`
}

// AuthConfig defines remote credentials.
type AuthConfig struct {
	Username string `yaml:"username,omitempty"`

	// TokenFile is the path to a file containing the access token.
	// This is the recommended approach; the BUNDLELOCK_TOKEN environment
	// variable is the fallback.
	TokenFile string `yaml:"tokenFile,omitempty"`
}

// LockConfig defines lease and protocol tuning.
type LockConfig struct {
	// DefaultTTL is the lease length used when acquire gets no explicit TTL
	DefaultTTL string `yaml:"defaultTTL,omitempty"`

	// HeartbeatInterval is the renewal cadence while a lock is held
	HeartbeatInterval string `yaml:"heartbeatInterval,omitempty"`

	// StaleAfterIntervals is the number of missed heartbeat intervals
	// after which status surfaces a stale hint
	StaleAfterIntervals int `yaml:"staleAfterIntervals,omitempty"`

	// CASMaxRetries bounds the fetch-mutate-push loop
	CASMaxRetries int `yaml:"casMaxRetries,omitempty"`
}

// RetryConfig carries per-operation-class retry policies.
type RetryConfig struct {
	Fetch *RetryPolicyConfig `yaml:"fetch,omitempty"`
	Push  *RetryPolicyConfig `yaml:"push,omitempty"`
}

// RetryPolicyConfig defines one retry policy.
type RetryPolicyConfig struct {
	MaxAttempts  int    `yaml:"maxAttempts"`
	InitialDelay string `yaml:"initialDelay"`
	MaxDelay     string `yaml:"maxDelay"`

	// Backoff is one of exponential, linear, or fixed
	Backoff string `yaml:"backoff,omitempty"`
}

// BreakerConfig defines the circuit breaker guarding the remote.
type BreakerConfig struct {
	FailureThreshold int    `yaml:"failureThreshold,omitempty"`
	Cooldown         string `yaml:"cooldown,omitempty"`
}

// ConnectivityConfig defines the reachability probe.
type ConnectivityConfig struct {
	// ProbeAddress is the host:port dialed to judge reachability.
	// Defaults to the remote URL's host.
	ProbeAddress string `yaml:"probeAddress,omitempty"`

	ProbeTimeout string `yaml:"probeTimeout,omitempty"`

	// DegradedThreshold is the probe latency past which the link counts
	// as degraded rather than online
	DegradedThreshold string `yaml:"degradedThreshold,omitempty"`
}

// QueueConfig defines the durable offline intent queue.
type QueueConfig struct {
	// Path is the bolt database location.
	// Defaults to ~/.bundlelock/queue.db
	Path string `yaml:"path,omitempty"`
}

// DaemonConfig defines the local read-only status daemon.
type DaemonConfig struct {
	// Address is the listen address, loopback by default
	Address string `yaml:"address,omitempty"`
}

// GetToken returns the remote access token using the following priority:
// 1. Read from TokenFile if specified
// 2. Read from the BUNDLELOCK_TOKEN environment variable
//
// The token from file will have leading/trailing whitespace trimmed.
func (a *AuthConfig) GetToken() (string, error) {
	if a != nil && a.TokenFile != "" {
		// Use filepath.Clean to prevent path traversal attacks
		cleanPath := filepath.Clean(a.TokenFile)

		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return "", fmt.Errorf("failed to read token from file %s: %w", a.TokenFile, err)
		}

		return strings.TrimSpace(string(data)), nil
	}

	if envToken := os.Getenv(tokenEnvVar); envToken != "" {
		return envToken, nil
	}

	return "", fmt.Errorf(
		"no remote token configured: set remote.auth.tokenFile or the %s environment variable", tokenEnvVar,
	)
}

// DefaultConfig returns the configuration used when no file is given. The
// remote URL still has to be supplied by flag or file before use.
func DefaultConfig() *Config {
	return &Config{
		Remote: RemoteConfig{
			Branch:       "locks",
			ManifestPath: "locks.json",
		},
		Lock: LockConfig{
			DefaultTTL:          "4h",
			HeartbeatInterval:   "10m",
			StaleAfterIntervals: 6,
			CASMaxRetries:       5,
		},
		Retry: RetryConfig{
			Fetch: &RetryPolicyConfig{MaxAttempts: 3, InitialDelay: "1s", MaxDelay: "10s", Backoff: BackoffExponential},
			Push:  &RetryPolicyConfig{MaxAttempts: 5, InitialDelay: "1s", MaxDelay: "15s", Backoff: BackoffExponential},
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			Cooldown:         "60s",
		},
		Connectivity: ConnectivityConfig{
			ProbeTimeout:      "5s",
			DegradedThreshold: "300ms",
		},
		Daemon: DaemonConfig{
			Address: "127.0.0.1:7455",
		},
	}
}

// LoadConfig loads and parses configuration from a YAML file. Sections the
// file leaves out keep their defaults.
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	// As of now, this is required because there's no other options to load
	// configuration. Once we add more options, we can remove this check.
	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Validate performs validation on the configuration
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if c.Remote.URL == "" {
		return fmt.Errorf("remote.url is required")
	}

	if err := validateDuration(c.Lock.DefaultTTL, "lock.defaultTTL"); err != nil {
		return err
	}
	if err := validateDuration(c.Lock.HeartbeatInterval, "lock.heartbeatInterval"); err != nil {
		return err
	}
	if c.Lock.StaleAfterIntervals < 0 {
		return fmt.Errorf("lock.staleAfterIntervals must not be negative")
	}
	if c.Lock.CASMaxRetries < 0 {
		return fmt.Errorf("lock.casMaxRetries must not be negative")
	}

	if err := validateRetryPolicy(c.Retry.Fetch, "retry.fetch"); err != nil {
		return err
	}
	if err := validateRetryPolicy(c.Retry.Push, "retry.push"); err != nil {
		return err
	}

	if err := validateDuration(c.Breaker.Cooldown, "breaker.cooldown"); err != nil {
		return err
	}
	if err := validateDuration(c.Connectivity.ProbeTimeout, "connectivity.probeTimeout"); err != nil {
		return err
	}
	if err := validateDuration(c.Connectivity.DegradedThreshold, "connectivity.degradedThreshold"); err != nil {
		return err
	}

	return nil
}

// validateRetryPolicy validates a single retry policy section
func validateRetryPolicy(policy *RetryPolicyConfig, prefix string) error {
	if policy == nil {
		return nil
	}

	if policy.MaxAttempts < 1 {
		return fmt.Errorf("%s.maxAttempts must be at least 1", prefix)
	}
	if err := validateDuration(policy.InitialDelay, prefix+".initialDelay"); err != nil {
		return err
	}
	if err := validateDuration(policy.MaxDelay, prefix+".maxDelay"); err != nil {
		return err
	}

	switch policy.Backoff {
	case "", BackoffExponential, BackoffLinear, BackoffFixed:
		return nil
	default:
		return fmt.Errorf("%s.backoff must be one of %s, %s, or %s, got %s",
			prefix, BackoffExponential, BackoffLinear, BackoffFixed, policy.Backoff)
	}
}

// validateDuration ensures a duration field parses when set
func validateDuration(value, field string) error {
	if value == "" {
		return nil
	}
	if _, err := time.ParseDuration(value); err != nil {
		return fmt.Errorf("%s must be a valid duration (e.g., '30s', '10m'): %w", field, err)
	}
	return nil
}

// VCSConfig builds the backend configuration, resolving credentials.
func (c *Config) VCSConfig() (vcs.Config, error) {
	cfg := vcs.Config{RemoteURL: c.Remote.URL}

	if c.Remote.Auth != nil {
		token, err := c.Remote.Auth.GetToken()
		if err != nil {
			return vcs.Config{}, err
		}
		cfg.Auth = &vcs.AuthConfig{
			Username: c.Remote.Auth.Username,
			Password: token,
		}
	}

	return cfg, nil
}

// CoordinatorConfig builds the lock protocol tuning.
func (c *Config) CoordinatorConfig() lock.CoordinatorConfig {
	return lock.CoordinatorConfig{
		Branch:              c.Remote.Branch,
		ManifestPath:        c.Remote.ManifestPath,
		CASMaxRetries:       c.Lock.CASMaxRetries,
		HeartbeatInterval:   duration(c.Lock.HeartbeatInterval),
		StaleAfterIntervals: c.Lock.StaleAfterIntervals,
	}
}

// DefaultTTL returns the lease length for acquires without an explicit TTL.
func (c *Config) DefaultTTL() time.Duration {
	if d := duration(c.Lock.DefaultTTL); d > 0 {
		return d
	}
	return 4 * time.Hour
}

// RetryPolicies builds the per-operation-class retry policies for the
// resilience runner.
func (c *Config) RetryPolicies() map[string]resilience.RetryPolicy {
	return map[string]resilience.RetryPolicy{
		lock.OpClassFetch: retryPolicy(c.Retry.Fetch, resilience.DefaultFetchPolicy()),
		lock.OpClassPush:  retryPolicy(c.Retry.Push, resilience.DefaultPushPolicy()),
	}
}

// BreakerConfig builds the circuit breaker tuning.
func (c *Config) BreakerConfig() resilience.BreakerConfig {
	cfg := resilience.DefaultBreakerConfig()
	if c.Breaker.FailureThreshold > 0 {
		cfg.FailureThreshold = c.Breaker.FailureThreshold
	}
	if d := duration(c.Breaker.Cooldown); d > 0 {
		cfg.Cooldown = d
	}
	return cfg
}

// MonitorConfig builds the connectivity probe tuning. The probe address
// falls back to the remote URL's host when not set explicitly.
func (c *Config) MonitorConfig() resilience.ConnectivityConfig {
	cfg := resilience.DefaultConnectivityConfig()
	if c.Connectivity.ProbeAddress != "" {
		cfg.ProbeAddr = c.Connectivity.ProbeAddress
	} else if addr := vcs.ProbeAddress(c.Remote.URL); addr != "" {
		cfg.ProbeAddr = addr
	}
	if d := duration(c.Connectivity.ProbeTimeout); d > 0 {
		cfg.ProbeTimeout = d
	}
	if d := duration(c.Connectivity.DegradedThreshold); d > 0 {
		cfg.DegradedThreshold = d
	}
	return cfg
}

// QueuePath returns the offline queue location, defaulting to the user's
// home directory.
func (c *Config) QueuePath() (string, error) {
	if c.Queue.Path != "" {
		return c.Queue.Path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory for queue path: %w", err)
	}
	return filepath.Join(home, ".bundlelock", "queue.db"), nil
}

func retryPolicy(policy *RetryPolicyConfig, fallback resilience.RetryPolicy) resilience.RetryPolicy {
	if policy == nil {
		return fallback
	}
	return resilience.RetryPolicy{
		MaxAttempts:  policy.MaxAttempts,
		InitialDelay: duration(policy.InitialDelay),
		MaxDelay:     duration(policy.MaxDelay),
		Shape:        backoffShape(policy.Backoff),
	}
}

func backoffShape(name string) resilience.BackoffShape {
	switch name {
	case BackoffLinear:
		return resilience.BackoffLinear
	case BackoffFixed:
		return resilience.BackoffFixed
	default:
		return resilience.BackoffExponential
	}
}

// duration parses a validated duration field; empty yields zero.
func duration(value string) time.Duration {
	d, _ := time.ParseDuration(value)
	return d
}
