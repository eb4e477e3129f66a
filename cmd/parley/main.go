// parley is a terminal client for live agent sessions. It reconstructs the
// conversation transcript from the server's event stream and keeps it
// consistent across reconnects and replays.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aelling/parley/internal/config"
	"github.com/aelling/parley/pkg/logger"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:           "parley",
	Short:         "Chat with a remote agent from the terminal",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		applyFlags(cmd, loaded)
		setupLogging(loaded)
		cfg = loaded
		return nil
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("server", "", "base URL of the agent session API")
	flags.String("query-type", "", "agent pipeline: chat, research, or docs")
	flags.String("repo", "", "repository scope for docs queries")
	flags.Bool("debug", false, "enable verbose logging")
}

// applyFlags overlays command-line flags on the loaded config. Flags win
// over both the config file and the environment.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	if server, _ := cmd.Flags().GetString("server"); server != "" {
		cfg.ServerURL = server
	}
	if queryType, _ := cmd.Flags().GetString("query-type"); queryType != "" {
		cfg.QueryType = queryType
	}
	if repo, _ := cmd.Flags().GetString("repo"); repo != "" {
		cfg.RepoName = repo
	}
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		cfg.Debug = true
	}
}

func setupLogging(cfg *config.Config) {
	level := logger.LevelInfo
	if cfg.LogLevel != "" {
		if parsed, err := logger.ParseLevel(cfg.LogLevel); err == nil {
			level = parsed
		}
	}
	if cfg.Debug {
		level = logger.LevelDebug
	}
	logger.SetLevel(level)
	logger.SetOutput(os.Stderr)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
