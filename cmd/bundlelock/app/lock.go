package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/bundlelock/bundlelock/internal/lock"
	"github.com/bundlelock/bundlelock/internal/resilience"
)

func newLockCmd() *cobra.Command {
	lockCmd := &cobra.Command{
		Use:   "lock",
		Short: "Acquire, release, and inspect resource locks",
	}

	lockCmd.AddCommand(newLockAcquireCmd())
	lockCmd.AddCommand(newLockReleaseCmd())
	lockCmd.AddCommand(newLockHeartbeatCmd())
	lockCmd.AddCommand(newLockStatusCmd())
	lockCmd.AddCommand(newLockBreakCmd())
	lockCmd.AddCommand(newLockListCmd())

	return lockCmd
}

func newLockAcquireCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "acquire <resource>",
		Short: "Take the lock on a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			ttl, err := cmd.Flags().GetDuration("ttl")
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = rt.cfg.DefaultTTL()
			}

			result, err := rt.coordinator.Acquire(cmd.Context(), args[0], rt.holderID, ttl)
			if err != nil {
				return describeLockError(err)
			}

			if result.Queued {
				fmt.Printf("Offline: acquire queued as %s, will apply when the remote returns\n", result.QueueID)
				return nil
			}

			fmt.Printf("Locked %s until %s (lock %s)\n",
				args[0],
				result.Entry.ExpiresAt.Local().Format(time.RFC1123),
				result.Entry.LockID)
			return nil
		},
	}
	cmd.Flags().Duration("ttl", 0, "Lease length, defaults to the configured TTL")
	return cmd
}

func newLockReleaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "release <resource>",
		Short: "Give up the lock on a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			force, err := cmd.Flags().GetBool("force")
			if err != nil {
				return err
			}

			err = rt.coordinator.Release(cmd.Context(), args[0], rt.holderID, force)
			var queued *lock.QueuedError
			if errors.As(err, &queued) {
				fmt.Printf("Offline: release queued as %s, will apply when the remote returns\n",
					queued.QueueID)
				return nil
			}
			if err != nil {
				return describeLockError(err)
			}
			fmt.Printf("Released %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().Bool("force", false, "Release even if held by someone else")
	return cmd
}

func newLockHeartbeatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "heartbeat <resource>",
		Short: "Renew a held lock",
		Long: `Renew a held lock, extending its expiry by the lease TTL.

With --watch the command keeps renewing on the configured cadence until
interrupted or the lock is lost.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			watch, err := cmd.Flags().GetBool("watch")
			if err != nil {
				return err
			}
			if watch {
				return watchHeartbeat(cmd.Context(), rt, args[0])
			}

			entry, err := rt.coordinator.Heartbeat(cmd.Context(), args[0], rt.holderID)
			var queued *lock.QueuedError
			if errors.As(err, &queued) {
				fmt.Printf("Offline: renewal queued as %s, the lease keeps draining until it applies\n",
					queued.QueueID)
				return nil
			}
			if err != nil {
				return describeLockError(err)
			}
			fmt.Printf("Renewed %s until %s\n", args[0], entry.ExpiresAt.Local().Format(time.RFC1123))
			return nil
		},
	}
	cmd.Flags().Bool("watch", false, "Keep renewing until interrupted")
	return cmd
}

// watchHeartbeat runs the renewal loop until a signal arrives or the lock
// is lost.
func watchHeartbeat(ctx context.Context, rt *appRuntime, resourceID string) error {
	interval := rt.cfg.CoordinatorConfig().HeartbeatInterval
	lost := make(chan error, 1)

	runner := lock.NewHeartbeatRunner(rt.coordinator, resourceID, rt.holderID, interval,
		lock.WithOnLost(func(err error) { lost <- err }))
	runner.Start(ctx)
	defer runner.Stop()

	fmt.Printf("Renewing %s every %s, Ctrl-C to stop\n", resourceID, interval)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
		fmt.Println("Stopped renewing, the lock remains held until its TTL runs out")
		return nil
	case err := <-lost:
		return describeLockError(err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func newLockStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <resource>",
		Short: "Show who holds a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			status, err := rt.coordinator.Status(cmd.Context(), args[0])
			if err != nil {
				return describeLockError(err)
			}

			if status.State == lock.Unlocked {
				fmt.Printf("%s is unlocked\n", args[0])
				return nil
			}

			fmt.Printf("%s is locked by %s\n", args[0], status.Entry.HolderID)
			fmt.Printf("  acquired:  %s\n", status.Entry.AcquiredAt.Local().Format(time.RFC1123))
			fmt.Printf("  expires:   %s (in %s)\n",
				status.Entry.ExpiresAt.Local().Format(time.RFC1123),
				status.Remaining.Round(time.Second))
			fmt.Printf("  heartbeat: %s ago\n", status.Staleness.Round(time.Second))
			if status.Stale {
				fmt.Println("  warning: the holder has missed several heartbeats; the lock may be abandoned")
			}
			return nil
		},
	}
}

func newLockBreakCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "break <resource>",
		Short: "Forcibly remove another holder's lock",
		Long: `Forcibly remove another holder's lock. Requires --force as explicit
confirmation; the break is recorded in the manifest history with your
identity for audit.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			force, err := cmd.Flags().GetBool("force")
			if err != nil {
				return err
			}

			if err := rt.coordinator.ForceBreak(cmd.Context(), args[0], rt.holderID, force); err != nil {
				if errors.Is(err, lock.ErrForceRequired) {
					return fmt.Errorf("breaking someone else's lock requires --force")
				}
				return describeLockError(err)
			}
			fmt.Printf("Broke the lock on %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().Bool("force", false, "Confirm breaking the lock")
	return cmd
}

func newLockListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every resource in the lock manifest",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			statuses, err := rt.coordinator.List(cmd.Context())
			if err != nil {
				return describeLockError(err)
			}
			if len(statuses) == 0 {
				fmt.Println("No locks recorded")
				return nil
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.Header("Resource", "State", "Holder", "Expires In", "Stale")
			for _, status := range statuses {
				row := []string{status.ResourceID, string(status.State), "", "", ""}
				if status.Entry != nil {
					row[2] = status.Entry.HolderID
					row[3] = status.Remaining.Round(time.Second).String()
					row[4] = fmt.Sprintf("%t", status.Stale)
				}
				if err := table.Append(row); err != nil {
					return err
				}
			}
			return table.Render()
		},
	}
}

// describeLockError rewrites protocol errors into actionable messages.
func describeLockError(err error) error {
	var held *lock.HeldError
	if errors.As(err, &held) {
		return fmt.Errorf("%s is locked by %s until %s",
			held.ResourceID, held.HolderID, held.ExpiresAt.Local().Format(time.RFC1123))
	}

	var conflict *lock.ConflictError
	if errors.As(err, &conflict) {
		return fmt.Errorf("gave up after %d attempts: other clients keep updating the lock branch, try again",
			conflict.Attempts)
	}

	if errors.Is(err, resilience.ErrNetworkUnavailable) {
		return fmt.Errorf("the remote is unreachable: %w", err)
	}
	return err
}
