package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aelling/parley/internal/api"
	"github.com/aelling/parley/internal/engine"
	"github.com/aelling/parley/internal/history"
	"github.com/aelling/parley/internal/wire"
	"github.com/aelling/parley/pkg/logger"
)

func init() {
	askCmd.Flags().Duration("timeout", 5*time.Minute, "give up after this long")
	rootCmd.AddCommand(askCmd)
}

var askCmd = &cobra.Command{
	Use:   "ask <query>",
	Short: "Run a single query and print the result",
	Long: `Run one query to completion without the interactive UI. The session
is created, followed until it reaches a terminal state, and the final answer
is printed to stdout.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

// askListener waits for the session to reach a terminal state and keeps the
// final transcript around for printing.
type askListener struct {
	mu         sync.Mutex
	transcript []engine.DisplayMessage
	session    wire.Session
	failure    string

	done     chan struct{}
	doneOnce sync.Once
}

func newAskListener() *askListener {
	return &askListener{done: make(chan struct{})}
}

func (l *askListener) OnTranscript(messages []engine.DisplayMessage) {
	l.mu.Lock()
	l.transcript = messages
	l.mu.Unlock()
}

func (l *askListener) OnSession(session wire.Session) {
	l.mu.Lock()
	l.session = session
	l.mu.Unlock()
	if session.Terminal() {
		l.doneOnce.Do(func() { close(l.done) })
	}
}

func (l *askListener) OnConnection(connected bool) {}

func (l *askListener) OnSubmitFailed(input, message string) {
	l.mu.Lock()
	l.failure = message
	l.mu.Unlock()
	l.doneOnce.Do(func() { close(l.done) })
}

func (l *askListener) OnError(message string) {
	logger.Warnf("%s", message)
}

func runAsk(cmd *cobra.Command, args []string) error {
	query := strings.TrimSpace(strings.Join(args, " "))
	if query == "" {
		return fmt.Errorf("empty query")
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := history.NewStore(cfg.SessionsDir())
	if err != nil {
		return err
	}

	listener := newAskListener()
	eng := engine.New(engine.Config{
		API:              api.New(cfg.ServerURL),
		QueryType:        cfg.QueryType,
		RepoName:         cfg.RepoName,
		OptimisticExpiry: cfg.OptimisticExpiry,
		BacklogLimit:     cfg.BacklogLimit,
	})
	defer eng.Close()
	eng.SetListener(listener)

	if err := eng.Submit(ctx, query); err != nil {
		return err
	}

	select {
	case <-listener.done:
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return fmt.Errorf("timed out after %s waiting for a result", timeout)
	}

	listener.mu.Lock()
	transcript := listener.transcript
	session := listener.session
	failure := listener.failure
	listener.mu.Unlock()

	saveSessionRecord(store, eng)

	if failure != "" {
		return fmt.Errorf("submission rejected: %s", failure)
	}
	return printResult(cmd, transcript, session)
}

func printResult(cmd *cobra.Command, transcript []engine.DisplayMessage, session wire.Session) error {
	for i := len(transcript) - 1; i >= 0; i-- {
		message := transcript[i]
		switch message.Role {
		case engine.RoleAssistant:
			fmt.Fprintln(cmd.OutOrStdout(), message.Content)
			return nil
		case engine.RoleError:
			return fmt.Errorf("session failed: %s", message.Content)
		}
	}
	if session.Status == wire.StatusFailed {
		return fmt.Errorf("session failed: %s", session.Error)
	}
	fmt.Fprintln(cmd.OutOrStdout(), engine.ExtractResultText(session.Result, true))
	return nil
}
