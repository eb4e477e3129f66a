package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/aelling/parley/internal/api"
	"github.com/aelling/parley/internal/history"
	"github.com/aelling/parley/pkg/logger"
)

func init() {
	sessionsCmd.AddCommand(sessionsDeleteCmd)
	rootCmd.AddCommand(sessionsCmd)
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sessions used from this machine",
	RunE:  runSessionsList,
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a session on the server and locally",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsDelete,
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	store, err := history.NewStore(cfg.SessionsDir())
	if err != nil {
		return err
	}
	records, err := store.List()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No sessions yet. Start one with: parley chat")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tSTATUS\tTYPE\tLAST USED\tQUERY")
	for _, record := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			record.SessionID,
			orDash(record.Status),
			orDash(record.QueryType),
			lastUsed(record.UpdatedAtMs),
			truncate(record.Query, 60),
		)
	}
	return w.Flush()
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	sessionID := args[0]
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := api.New(cfg.ServerURL)
	if err := client.DeleteSession(ctx, sessionID); err != nil {
		// Still drop the local record; the server copy may already be gone.
		logger.Warnf("server delete failed: %v", err)
	}

	store, err := history.NewStore(cfg.SessionsDir())
	if err != nil {
		return err
	}
	if err := store.Delete(sessionID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted session %s\n", sessionID)
	return nil
}

func orDash(value string) string {
	if value == "" {
		return "-"
	}
	return value
}

func lastUsed(unixMillis int64) string {
	if unixMillis == 0 {
		return "-"
	}
	return time.UnixMilli(unixMillis).Local().Format("2006-01-02 15:04")
}

// truncate counts runes, not bytes, so multibyte queries are never cut
// mid-character.
func truncate(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit-3]) + "..."
}
