package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/daybook-app/daybook-go/internal/sync"
)

func newConflictsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List changes the server rejected",
		Long: `List local changes the server rejected. Rejected changes are never retried
automatically; resolve each one with 'daybook conflicts resolve'.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			conflicts, err := a.service.Conflicts(cmd.Context())
			if err != nil {
				return err
			}

			if flagJSON {
				return printConflictsJSON(conflicts)
			}

			if len(conflicts) == 0 {
				statusf(flagQuiet, "No conflicts.\n")
				return nil
			}

			printConflictList(conflicts)

			return nil
		},
	}

	cmd.AddCommand(newConflictsResolveCmd())

	return cmd
}

func newConflictsResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <id> <resubmit|discard>",
		Short: "Resolve a rejected change",
		Long: `Resolve a rejected change: 'resubmit' sends the local version again on the
next sync, 'discard' drops it and lets the server's version stand.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := resolveEntryID(cmd.Context(), a.service, args[0])
			if err != nil {
				return err
			}

			resolution := sync.Resolution(args[1])
			if err := a.service.ResolveConflict(cmd.Context(), id, resolution); err != nil {
				return err
			}

			statusf(flagQuiet, "Conflict on %s resolved (%s)\n", shortID(id), resolution)

			return nil
		},
	}
}

// conflictJSON is the CLI's JSON shape for a rejected change.
type conflictJSON struct {
	EntryID  string `json:"entry_id"`
	Op       string `json:"op"`
	Reason   string `json:"reason"`
	QueuedAt string `json:"queued_at"`
}

func printConflictsJSON(conflicts []sync.PendingChange) error {
	out := make([]conflictJSON, len(conflicts))
	for i, c := range conflicts {
		out[i] = conflictJSON{
			EntryID:  c.EntryID,
			Op:       string(c.Op),
			Reason:   c.RejectReason,
			QueuedAt: time.Unix(0, c.QueuedAt).UTC().Format(time.RFC3339),
		}
	}

	return json.NewEncoder(os.Stdout).Encode(out)
}

func printConflictList(conflicts []sync.PendingChange) {
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		for _, c := range conflicts {
			fmt.Printf("%s\t%s\t%s\n", c.EntryID, c.Op, c.RejectReason)
		}

		return
	}

	rows := make([][]string, 0, len(conflicts))
	for _, c := range conflicts {
		rows = append(rows, []string{
			shortID(c.EntryID),
			string(c.Op),
			formatTime(time.Unix(0, c.QueuedAt)),
			c.RejectReason,
		})
	}

	printTable(os.Stdout, []string{"ID", "OP", "QUEUED", "REASON"}, rows)
}
