package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/daybook-app/daybook-go/internal/tokenfile"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sync status",
		Long:  "Show the configured server, login state, queue depth, and sync cursor.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			st, err := a.service.SyncStatus(cmd.Context())
			if err != nil {
				return err
			}

			token, _, err := tokenfile.Load(a.cfg.TokenPath)
			if err != nil {
				return err
			}

			if flagJSON {
				return json.NewEncoder(os.Stdout).Encode(statusJSON{
					ServerURL: a.cfg.ServerURL,
					LoggedIn:  token != "",
					Cursor:    st.Cursor,
					Pending:   st.Pending,
					InFlight:  st.InFlight,
					Rejected:  st.Rejected,
				})
			}

			fmt.Printf("Server:    %s\n", orNone(a.cfg.ServerURL))
			fmt.Printf("Logged in: %s\n", yesNo(token != ""))
			fmt.Printf("Cursor:    %s\n", orNone(st.Cursor))
			fmt.Printf("Pending:   %d change(s)\n", st.Pending+st.InFlight)
			fmt.Printf("Conflicts: %d\n", st.Rejected)

			if !st.Scheduler.LastSyncAt.IsZero() {
				fmt.Printf("Last sync: %s\n", st.Scheduler.LastSyncAt.Format(time.RFC3339))
			}

			return nil
		},
	}
}

type statusJSON struct {
	ServerURL string `json:"server_url"`
	LoggedIn  bool   `json:"logged_in"`
	Cursor    string `json:"cursor"`
	Pending   int    `json:"pending"`
	InFlight  int    `json:"inflight"`
	Rejected  int    `json:"rejected"`
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}

	return s
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}

	return "no"
}
