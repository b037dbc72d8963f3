package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runCLI executes one command against the shared root and returns its
// combined output.
func runCLI(t *testing.T, args ...string) string {
	t.Helper()
	SetLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))

	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.ExecuteContext(context.Background()))
	return buf.String()
}

// localDatabase points the CLI at a throwaway SQLite file.
func localDatabase(t *testing.T) {
	t.Helper()
	t.Setenv("TMINUS_DB_PATH", filepath.Join(t.TempDir(), "tminus.db"))
	t.Setenv("DATABASE_URL", "")
	t.Setenv("RABBITMQ_URL", "")
	// A closed local port keeps the redis probe fast and failing.
	t.Setenv("REDIS_URL", "redis://127.0.0.1:1")
}

func TestVersionCommand(t *testing.T) {
	out := runCLI(t, "version")
	assert.Contains(t, out, "tminus dev")
}

func TestMigrateCommand(t *testing.T) {
	localDatabase(t)
	out := runCLI(t, "migrate")
	assert.Contains(t, out, "migrations applied")
}

func TestUserCommands(t *testing.T) {
	localDatabase(t)

	out := runCLI(t, "user", "add", "alice")
	assert.Contains(t, out, "registered alice")

	match := regexp.MustCompile(`\(([0-9a-f-]{36})\)`).FindStringSubmatch(out)
	require.Len(t, match, 2)
	userID := match[1]

	out = runCLI(t, "user", "list")
	assert.Contains(t, out, "alice")
	assert.Contains(t, out, userID)

	out = runCLI(t, "user", "remove", userID)
	assert.Contains(t, out, "purged user "+userID)

	out = runCLI(t, "user", "list")
	assert.Contains(t, out, "no users registered")
}

func TestAccountCommandsRequireAKnownUser(t *testing.T) {
	localDatabase(t)

	err := func() error {
		SetLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
		rootCmd.SetOut(io.Discard)
		rootCmd.SetErr(io.Discard)
		rootCmd.SetArgs([]string{
			"account", "connect", "google",
			"--user", "11111111-1111-1111-1111-111111111111",
			"--remote", "alice@example.com",
			"--refresh-token", "rt-1",
		})
		return rootCmd.ExecuteContext(context.Background())
	}()
	require.Error(t, err)
}
