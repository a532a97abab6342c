package commands

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zapcamp/zapcamp/pkg/zapcamp/queue"
)

// newQueueCmd creates the `zapcamp queue` command group for inspecting the
// buffering queue.
func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the message queue",
	}

	cmd.AddCommand(
		newQueueListCmd(),
		newQueueShowCmd(),
		newQueuePurgeCmd(),
	)

	return cmd
}

// openStore opens the queue store using the configured database path.
func openStore(cmd *cobra.Command) (*queue.SQLiteStore, error) {
	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		return nil, err
	}
	return queue.OpenSQLite(queue.SQLiteOptions{
		Path:         cfg.Database.Path,
		LeaseTimeout: cfg.Database.LeaseTimeout,
		MaxRetries:   cfg.Database.MaxRetries,
	})
}

// newQueueListCmd lists queue entries, optionally filtered by status.
func newQueueListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queue entries",
		Long: `List queue entries, newest first.

Examples:
  zapcamp queue list
  zapcamp queue list --status ready,processing
  zapcamp queue list --limit 10`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			statusFlag, _ := cmd.Flags().GetString("status")
			limit, _ := cmd.Flags().GetInt("limit")

			var statuses []queue.Status
			if statusFlag != "" {
				for _, s := range strings.Split(statusFlag, ",") {
					statuses = append(statuses, queue.Status(strings.TrimSpace(s)))
				}
			}

			entries, err := store.List(context.Background(), statuses, limit)
			if err != nil {
				return fmt.Errorf("listing entries: %w", err)
			}
			if len(entries) == 0 {
				fmt.Println("Queue is empty.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCONVERSATION\tSTATUS\tITEMS\tRETRIES\tUPDATED")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
					shortID(e.ID),
					e.Key.String(),
					e.Status,
					len(e.Payload),
					e.RetryCount,
					e.UpdatedAt.Local().Format("2006-01-02 15:04:05"),
				)
			}
			return w.Flush()
		},
	}

	cmd.Flags().String("status", "", "comma-separated status filter (collecting, ready, processing, completed, failed, sent)")
	cmd.Flags().Int("limit", 50, "maximum number of entries to show")
	return cmd
}

// newQueueShowCmd shows the full detail of one entry.
func newQueueShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show one queue entry in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			entry, err := store.Get(context.Background(), args[0])
			if err != nil {
				return fmt.Errorf("loading entry: %w", err)
			}

			now := time.Now()
			fmt.Printf("ID:           %s\n", entry.ID)
			fmt.Printf("Conversation: %s\n", entry.Key.String())
			fmt.Printf("Status:       %s\n", entry.Status)
			fmt.Printf("Window end:   %s\n", entry.WindowEnd.Local().Format(time.RFC3339))
			if entry.Due(now) {
				fmt.Printf("Due:          yes\n")
			}
			fmt.Printf("Retries:      %d\n", entry.RetryCount)
			if entry.LastError != "" {
				fmt.Printf("Last error:   %s\n", entry.LastError)
			}
			if entry.Lease != nil {
				state := "held"
				if entry.Lease.Expired(now, store.LeaseTimeout()) {
					state = "expired"
				}
				fmt.Printf("Lease:        %s since %s (%s)\n",
					entry.Lease.Owner, entry.Lease.AcquiredAt.Local().Format(time.RFC3339), state)
			}
			if entry.ScheduledSendAt != nil {
				fmt.Printf("Scheduled:    %s\n", entry.ScheduledSendAt.Local().Format(time.RFC3339))
			}
			if entry.SentAt != nil {
				fmt.Printf("Sent:         %s\n", entry.SentAt.Local().Format(time.RFC3339))
			}

			fmt.Printf("\nPayload (%d items):\n", len(entry.Payload))
			for i, item := range entry.Payload {
				fmt.Printf("  %d. [%s] %s — %s\n", i+1, item.Kind, item.SenderName, item.Content)
			}

			if entry.Reply != "" {
				fmt.Printf("\nReply:\n%s\n", entry.Reply)
			}
			return nil
		},
	}
}

// newQueuePurgeCmd deletes sent entries older than the retention cutoff.
func newQueuePurgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete sent entries older than the given age",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			olderThan, _ := cmd.Flags().GetDuration("older-than")
			cutoff := time.Now().Add(-olderThan)

			n, err := store.PurgeSentBefore(context.Background(), cutoff)
			if err != nil {
				return fmt.Errorf("purging entries: %w", err)
			}
			fmt.Printf("Purged %d sent entries older than %s.\n", n, olderThan)
			return nil
		},
	}

	cmd.Flags().Duration("older-than", 30*24*time.Hour, "purge sent entries older than this")
	return cmd
}

// shortID truncates a UUID for table display.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
