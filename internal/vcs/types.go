package vcs

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Sentinel errors surfaced by a Backend. The coordinator reacts to each one
// differently, so they are part of the interface contract.
var (
	// ErrPushConflict means the push was rejected because the local branch
	// tip is behind the remote: another client committed first. This is
	// the compare-and-swap failure signal.
	ErrPushConflict = errors.New("push rejected: branch tip moved")

	// ErrBranchNotFound means the remote does not have the branch yet.
	ErrBranchNotFound = errors.New("branch not found on remote")

	// ErrFileNotFound means the branch exists but does not contain the
	// requested file.
	ErrFileNotFound = errors.New("file not found in branch")

	// ErrAuth means the remote rejected our credentials.
	ErrAuth = errors.New("authentication failed")
)

// AuthConfig holds basic-auth credentials for the remote. Values are passed
// in by the config layer, never read from the environment here.
type AuthConfig struct {
	Username string
	Password string
}

// Config describes the remote repository a Backend talks to.
type Config struct {
	// RemoteURL is the HTTP(S) URL of the shared repository.
	RemoteURL string

	// Auth is optional basic-auth credentials.
	Auth *AuthConfig

	// CommitterName and CommitterEmail identify this client in the branch
	// history, which doubles as the lock audit log.
	CommitterName  string
	CommitterEmail string
}

// Validate checks the config for required fields and fills committer
// defaults.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("vcs configuration cannot be nil")
	}
	if c.RemoteURL == "" {
		return fmt.Errorf("remote URL cannot be empty")
	}
	if c.CommitterName == "" {
		c.CommitterName = "bundlelock"
	}
	if c.CommitterEmail == "" {
		c.CommitterEmail = "bundlelock@localhost"
	}
	return nil
}

// ProbeAddress derives the host:port a connectivity probe should dial for
// the given remote URL. Returns empty when no host can be derived.
func ProbeAddress(remoteURL string) string {
	if remoteURL == "" {
		return ""
	}

	// scp-like syntax: git@host:path
	if !strings.Contains(remoteURL, "://") {
		at := strings.Index(remoteURL, "@")
		if at < 0 {
			return ""
		}
		rest := remoteURL[at+1:]
		if colon := strings.Index(rest, ":"); colon > 0 {
			return rest[:colon] + ":22"
		}
		return ""
	}

	u, err := url.Parse(remoteURL)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	if u.Port() != "" {
		return u.Host
	}

	switch u.Scheme {
	case "http":
		return u.Hostname() + ":80"
	case "ssh", "git":
		return u.Hostname() + ":22"
	default:
		return u.Hostname() + ":443"
	}
}
