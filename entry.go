package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/daybook-app/daybook-go/internal/sync"
)

func newNewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "new [text...]",
		Short: "Create a journal entry",
		Long: `Create a journal entry from the arguments, or from standard input when no
text is given. The entry is stored locally immediately and queued for sync.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := contentFromArgsOrStdin(args)
			if err != nil {
				return err
			}

			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			entry, err := a.service.CreateEntry(cmd.Context(), content)
			if err != nil {
				return err
			}

			if flagJSON {
				return printEntryJSON(entry)
			}

			fmt.Println(entry.ID)
			statusf(flagQuiet, "Created entry %s (queued for sync)\n", shortID(entry.ID))

			return nil
		},
	}
}

func newEditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "edit <id> [text...]",
		Short: "Replace an entry's content",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := contentFromArgsOrStdin(args[1:])
			if err != nil {
				return err
			}

			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := resolveEntryID(cmd.Context(), a.service, args[0])
			if err != nil {
				return err
			}

			entry, err := a.service.UpdateEntry(cmd.Context(), id, content)
			if err != nil {
				return err
			}

			if flagJSON {
				return printEntryJSON(entry)
			}

			statusf(flagQuiet, "Updated entry %s (queued for sync)\n", shortID(entry.ID))

			return nil
		},
	}
}

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete an entry",
		Long: `Delete an entry. The deletion takes effect locally at once and propagates
to the server on the next sync.`,
		Args: cobra.ExactArgs(1),
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

			if err := a.service.DeleteEntry(cmd.Context(), id); err != nil {
				return err
			}

			statusf(flagQuiet, "Deleted entry %s (queued for sync)\n", shortID(id))

			return nil
		},
	}
}

func newListCmd() *cobra.Command {
	var showAll bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List journal entries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.service.Entries(cmd.Context(), showAll)
			if err != nil {
				return err
			}

			if flagJSON {
				return printEntriesJSON(entries)
			}

			printEntryList(entries)

			return nil
		},
	}

	cmd.Flags().BoolVarP(&showAll, "all", "a", false, "include deleted entries")

	return cmd
}

func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print an entry's full content",
		Args:  cobra.ExactArgs(1),
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

			entry, err := a.service.Entry(cmd.Context(), id)
			if err != nil {
				return err
			}

			if flagJSON {
				return printEntryJSON(entry)
			}

			if entry.Deleted {
				return fmt.Errorf("entry %s is deleted", shortID(id))
			}

			fmt.Println(entry.Content)

			return nil
		},
	}
}

// contentFromArgsOrStdin joins the arguments into entry content, or reads
// all of standard input when no arguments were given.
func contentFromArgsOrStdin(args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}

	if isatty.IsTerminal(os.Stdin.Fd()) {
		fmt.Fprintln(os.Stderr, "Reading entry from stdin; finish with Ctrl-D.")
	}

	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("reading entry from stdin: %w", err)
	}

	content := strings.TrimRight(string(data), "\n")
	if content == "" {
		return "", fmt.Errorf("entry content is empty")
	}

	return content, nil
}

// resolveEntryID resolves a full ID or a unique ID prefix to an entry ID.
func resolveEntryID(ctx context.Context, svc *sync.Service, arg string) (string, error) {
	if _, err := svc.Entry(ctx, arg); err == nil {
		return arg, nil
	}

	entries, err := svc.Entries(ctx, true)
	if err != nil {
		return "", err
	}

	var match string

	for _, e := range entries {
		if !strings.HasPrefix(e.ID, arg) {
			continue
		}

		if match != "" {
			return "", fmt.Errorf("entry ID prefix %q is ambiguous", arg)
		}

		match = e.ID
	}

	if match == "" {
		return "", fmt.Errorf("no entry matches %q", arg)
	}

	return match, nil
}

// entryJSON is the CLI's JSON shape for an entry, timestamps in RFC 3339.
type entryJSON struct {
	ID         string `json:"id"`
	Content    string `json:"content"`
	CreatedAt  string `json:"created_at"`
	ModifiedAt string `json:"modified_at"`
	Deleted    bool   `json:"deleted,omitempty"`
}

func toEntryJSON(e *sync.Entry) entryJSON {
	return entryJSON{
		ID:         e.ID,
		Content:    e.Content,
		CreatedAt:  time.Unix(0, e.CreatedAt).UTC().Format(time.RFC3339),
		ModifiedAt: time.Unix(0, e.ModifiedAt).UTC().Format(time.RFC3339),
		Deleted:    e.Deleted,
	}
}

func printEntryJSON(e *sync.Entry) error {
	return json.NewEncoder(os.Stdout).Encode(toEntryJSON(e))
}

func printEntriesJSON(entries []sync.Entry) error {
	out := make([]entryJSON, len(entries))
	for i := range entries {
		out[i] = toEntryJSON(&entries[i])
	}

	return json.NewEncoder(os.Stdout).Encode(out)
}

// printEntryList renders entries as an aligned table on a terminal, or as
// tab-separated lines when piped.
func printEntryList(entries []sync.Entry) {
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		for _, e := range entries {
			fmt.Printf("%s\t%s\t%s\n", e.ID, formatTime(time.Unix(0, e.ModifiedAt)), firstLine(e.Content))
		}

		return
	}

	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		preview := truncate(firstLine(e.Content), previewWidth)
		if e.Deleted {
			preview = "(deleted)"
		}

		rows = append(rows, []string{shortID(e.ID), formatTime(time.Unix(0, e.ModifiedAt)), preview})
	}

	printTable(os.Stdout, []string{"ID", "MODIFIED", "CONTENT"}, rows)
}
