package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/daybook-app/daybook-go/internal/sync"
)

func newSyncCmd() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize with the daybook server",
		Long: `Run a sync round: queued local changes are submitted and remote changes are
merged into the local store. With --watch, keep syncing on the configured
interval and on local mutations until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireServer(); err != nil {
				return err
			}

			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if watch {
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()

				statusf(flagQuiet, "Watching for changes (interval %s); Ctrl-C to stop.\n", a.cfg.Interval)

				return a.scheduler.Run(ctx)
			}

			report, err := a.service.SyncNow(cmd.Context())

			// Rejections: the round completed (delta merged, cursor moved),
			// but some local changes need attention. Show the summary, then
			// fail so scripts notice.
			var rejErr *sync.RejectionError
			if errors.As(err, &rejErr) {
				printReport(report)
				statusf(flagQuiet, "Run 'daybook conflicts' to review rejected changes.\n")

				return err
			}

			if err != nil {
				return err
			}

			printReport(report)

			return nil
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep syncing until interrupted")

	return cmd
}

// reportJSON is the CLI's JSON shape for a sync round report.
type reportJSON struct {
	Sent         int             `json:"sent"`
	Accepted     int             `json:"accepted"`
	Rejected     []rejectionJSON `json:"rejected,omitempty"`
	DeltaApplied int             `json:"delta_applied"`
	DeltaDeleted int             `json:"delta_deleted"`
	Cursor       string          `json:"cursor"`
	DurationMS   int64           `json:"duration_ms"`
}

type rejectionJSON struct {
	EntryID string `json:"entry_id"`
	Reason  string `json:"reason"`
}

func printReport(r *sync.RoundReport) {
	if r == nil {
		return
	}

	if flagJSON {
		rejected := make([]rejectionJSON, len(r.Rejected))
		for i, rej := range r.Rejected {
			rejected[i] = rejectionJSON{EntryID: rej.EntryID, Reason: rej.Reason}
		}

		_ = json.NewEncoder(os.Stdout).Encode(reportJSON{
			Sent:         r.Sent,
			Accepted:     r.Accepted,
			Rejected:     rejected,
			DeltaApplied: r.DeltaApplied,
			DeltaDeleted: r.DeltaDeleted,
			Cursor:       r.Cursor,
			DurationMS:   r.Duration.Milliseconds(),
		})

		return
	}

	fmt.Printf("Sync complete: sent %d, accepted %d, rejected %d; merged %d remote change(s), %d deletion(s)\n",
		r.Sent, r.Accepted, len(r.Rejected), r.DeltaApplied, r.DeltaDeleted)
}
