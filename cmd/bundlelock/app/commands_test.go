package app

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bundlelock/bundlelock/internal/lock"
	"github.com/bundlelock/bundlelock/internal/resilience"
)

func TestNewRootCmd_CommandTree(t *testing.T) {
	t.Parallel()

	root := NewRootCmd()

	names := make(map[string]bool)
	for _, cmd := range root.Commands() {
		names[cmd.Name()] = true
	}
	for _, want := range []string{"lock", "queue", "daemon", "version"} {
		assert.True(t, names[want], "missing %q subcommand", want)
	}

	for _, flag := range []string{"config", "remote", "holder"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(flag), "missing --%s", flag)
	}
}

func TestNewLockCmd_Subcommands(t *testing.T) {
	t.Parallel()

	lockCmd := newLockCmd()

	names := make(map[string]bool)
	for _, cmd := range lockCmd.Commands() {
		names[cmd.Name()] = true
	}
	for _, want := range []string{"acquire", "release", "heartbeat", "status", "break", "list"} {
		assert.True(t, names[want], "missing %q subcommand", want)
	}

	acquire, _, err := lockCmd.Find([]string{"acquire"})
	require.NoError(t, err)
	assert.NotNil(t, acquire.Flags().Lookup("ttl"))

	brk, _, err := lockCmd.Find([]string{"break"})
	require.NoError(t, err)
	assert.NotNil(t, brk.Flags().Lookup("force"))
}

func TestDescribeLockError(t *testing.T) {
	t.Parallel()

	expires := time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		err      error
		contains string
	}{
		{
			name: "held by another",
			err: &lock.HeldError{
				ResourceID: "band/Song.logicx",
				HolderID:   "bob@studio-b",
				ExpiresAt:  expires,
			},
			contains: "locked by bob@studio-b",
		},
		{
			name:     "cas exhaustion",
			err:      &lock.ConflictError{ResourceID: "band/Song.logicx", Attempts: 5},
			contains: "gave up after 5 attempts",
		},
		{
			name:     "network unavailable",
			err:      resilience.ErrNetworkUnavailable,
			contains: "the remote is unreachable",
		},
		{
			name:     "other errors pass through",
			err:      lock.ErrNotLocked,
			contains: lock.ErrNotLocked.Error(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := describeLockError(tt.err)
			require.Error(t, got)
			assert.Contains(t, got.Error(), tt.contains)
		})
	}
}

func TestDescribeLockError_PreservesSentinels(t *testing.T) {
	t.Parallel()

	got := describeLockError(resilience.ErrNetworkUnavailable)
	assert.True(t, errors.Is(got, resilience.ErrNetworkUnavailable))
}
