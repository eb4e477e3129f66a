package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aelling/parley/internal/api"
	"github.com/aelling/parley/internal/engine"
	"github.com/aelling/parley/internal/history"
	"github.com/aelling/parley/internal/tui"
	"github.com/aelling/parley/pkg/logger"
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat [session-id]",
	Short: "Open an interactive chat session",
	Long: `Open the interactive chat UI. With a session id, the existing
conversation is reloaded and followed live; without one, a new session is
created on the first message.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runChat,
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := history.NewStore(cfg.SessionsDir())
	if err != nil {
		return err
	}

	listener := tui.NewEngineListener()
	eng := engine.New(engine.Config{
		API:              api.New(cfg.ServerURL),
		QueryType:        cfg.QueryType,
		RepoName:         cfg.RepoName,
		OptimisticExpiry: cfg.OptimisticExpiry,
		BacklogLimit:     cfg.BacklogLimit,
	})
	defer eng.Close()
	eng.SetListener(listener)

	if len(args) == 1 {
		if err := eng.Open(ctx, args[0]); err != nil {
			return err
		}
	}

	if err := tui.Run(ctx, eng, listener, cfg.ReconnectInterval); err != nil {
		return fmt.Errorf("chat ui failed: %w", err)
	}

	saveSessionRecord(store, eng)
	return nil
}

// saveSessionRecord remembers the session so `parley sessions` can list it
// and `parley chat <id>` can resume it later.
func saveSessionRecord(store *history.Store, eng *engine.Engine) {
	sessionID := eng.SessionID()
	if sessionID == "" {
		return
	}
	session := eng.Session()
	err := store.Update(sessionID, func(record *history.Record) {
		record.Query = session.Query
		record.QueryType = session.QueryType
		record.RepoName = cfg.RepoName
		record.Status = session.Status
		record.CreatedAt = session.CreatedAt
	})
	if err != nil {
		logger.Warnf("failed to save session record: %v", err)
	}
}
