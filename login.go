package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/daybook-app/daybook-go/internal/api"
	"github.com/daybook-app/daybook-go/internal/tokenfile"
)

// loginTimeout bounds the login round-trip.
const loginTimeout = 30 * time.Second

func newLoginCmd() *cobra.Command {
	var passwordStdin bool

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate with the daybook server",
		Long: `Exchange the journal password for a bearer token and save it locally.

The password is read interactively, or from standard input with
--password-stdin (for scripts: echo "$PASSWORD" | daybook login --password-stdin).`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireServer(); err != nil {
				return err
			}

			password, err := readPassword(passwordStdin)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), loginTimeout)
			defer cancel()

			client := api.NewClient(resolvedCfg.ServerURL, defaultHTTPClient(), nil, buildLogger())

			token, err := client.Login(ctx, password)
			if err != nil {
				return fmt.Errorf("login failed: %w", err)
			}

			meta := map[string]string{
				"server_url":   resolvedCfg.ServerURL,
				"logged_in_at": time.Now().UTC().Format(time.RFC3339),
			}

			if err := tokenfile.Save(resolvedCfg.TokenPath, token, meta); err != nil {
				return err
			}

			statusf(flagQuiet, "Logged in to %s\n", resolvedCfg.ServerURL)

			return nil
		},
	}

	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "read the password from standard input")

	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the saved bearer token",
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := tokenfile.Remove(resolvedCfg.TokenPath); err != nil {
				return err
			}

			statusf(flagQuiet, "Logged out\n")

			return nil
		},
	}
}

// readPassword reads the password from stdin. When stdin is a terminal and
// --password-stdin was not given, a prompt goes to stderr first.
func readPassword(fromStdin bool) (string, error) {
	if !fromStdin && isatty.IsTerminal(os.Stdin.Fd()) {
		fmt.Fprint(os.Stderr, "Password: ")
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading password: %w", err)
	}

	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", fmt.Errorf("empty password")
	}

	return password, nil
}
