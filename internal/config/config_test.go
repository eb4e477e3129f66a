package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PARLEY_HOME", t.TempDir())
	t.Setenv("PARLEY_SERVER_URL", "")
	t.Setenv("PARLEY_QUERY_TYPE", "")
	t.Setenv("DEBUG", "")
	t.Setenv("PARLEY_DEBUG", "")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "http://localhost:8000", cfg.ServerURL)
	require.Equal(t, "chat", cfg.QueryType)
	require.Equal(t, 200, cfg.BacklogLimit)
	require.Equal(t, 5*time.Second, cfg.OptimisticExpiry)
	require.False(t, cfg.Debug)
}

func TestLoadEnvironmentWinsOverFile(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(home, "config.yaml"),
		[]byte("server_url: http://file.example:9\nquery_type: research\n"),
		0600,
	))
	t.Setenv("PARLEY_HOME", home)
	t.Setenv("PARLEY_SERVER_URL", "http://env.example:8")
	t.Setenv("PARLEY_QUERY_TYPE", "")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "http://env.example:8", cfg.ServerURL)
	// File value survives where no env override exists.
	require.Equal(t, "research", cfg.QueryType)
}

func TestLoadConfigFile(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(home, "config.yaml"),
		[]byte("repo_name: parley\noptimistic_expiry: 2s\nreconnect_interval: 10s\ndebug: true\n"),
		0600,
	))
	t.Setenv("PARLEY_HOME", home)
	t.Setenv("PARLEY_SERVER_URL", "")
	t.Setenv("PARLEY_REPO_NAME", "")
	t.Setenv("DEBUG", "")
	t.Setenv("PARLEY_DEBUG", "")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "parley", cfg.RepoName)
	require.Equal(t, 2*time.Second, cfg.OptimisticExpiry)
	require.Equal(t, 10*time.Second, cfg.ReconnectInterval)
	require.True(t, cfg.Debug)
}

func TestLoadRejectsUnknownQueryType(t *testing.T) {
	t.Setenv("PARLEY_HOME", t.TempDir())
	t.Setenv("PARLEY_QUERY_TYPE", "quantum")

	_, err := Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid query type")
}

func TestSessionsDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("PARLEY_HOME", home)
	t.Setenv("PARLEY_QUERY_TYPE", "")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, "sessions"), cfg.SessionsDir())
}
