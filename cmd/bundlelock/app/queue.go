package app

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/bundlelock/bundlelock/internal/queue"
)

func newQueueCmd() *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and replay intents recorded while offline",
	}

	queueCmd.AddCommand(newQueueListCmd())
	queueCmd.AddCommand(newQueueReplayCmd())
	queueCmd.AddCommand(newQueueClearCmd())

	return queueCmd
}

func newQueueListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queued intents in replay order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			queuePath, err := cfg.QueuePath()
			if err != nil {
				return err
			}
			q, err := queue.Open(queuePath)
			if err != nil {
				return fmt.Errorf("failed to open offline queue: %w", err)
			}
			defer q.Close()

			items, err := q.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Println("Queue is empty")
				return nil
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.Header("ID", "Operation", "Resource", "Queued At", "Attempts", "Status")
			for _, item := range items {
				status := "pending"
				if item.Parked {
					status = "parked: " + item.LastError
				}
				if err := table.Append([]string{
					item.ID,
					string(item.Kind),
					item.ResourceID,
					item.EnqueuedAt.Local().Format(time.RFC1123),
					fmt.Sprintf("%d", item.Attempts),
					status,
				}); err != nil {
					return err
				}
			}
			return table.Render()
		},
	}
}

func newQueueReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay",
		Short: "Apply queued intents against the remote",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			report, err := rt.queue.Replay(cmd.Context(), rt.replayCoordinator)
			if err != nil {
				if errors.Is(err, queue.ErrReplayInProgress) {
					return fmt.Errorf("another replay is already running against this queue")
				}
				return err
			}

			fmt.Printf("Replayed %d, failed %d, parked %d, skipped %d\n",
				report.Replayed, report.Failed, report.Parked, report.Skipped)
			if report.Parked > 0 {
				fmt.Println("Parked intents need manual review: bundlelock queue list")
			}
			return nil
		},
	}
}

func newQueueClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Discard every queued intent",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			queuePath, err := cfg.QueuePath()
			if err != nil {
				return err
			}
			q, err := queue.Open(queuePath)
			if err != nil {
				return fmt.Errorf("failed to open offline queue: %w", err)
			}
			defer q.Close()

			if err := q.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("Queue cleared")
			return nil
		},
	}
}
