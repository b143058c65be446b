package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cdpwebreq/internal/config"
	"cdpwebreq/internal/storage"
	"cdpwebreq/pkg/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd(context.Background(), &out, &errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

func writeConfig(t *testing.T) (string, config.SqliteConfig) {
	t.Helper()
	dir := t.TempDir()
	sq := config.SqliteConfig{Dsn: filepath.Join(dir, "events.db"), Prefix: "cli_"}
	body := fmt.Sprintf("sqlite:\n  dsn: %q\n  prefix: %q\nlog:\n  level: error\n  writer: []\n", sq.Dsn, sq.Prefix)
	path := filepath.Join(dir, "cdpwebreq.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path, sq
}

func TestEventsCommand(t *testing.T) {
	path, sq := writeConfig(t)
	store, err := storage.Open(sq, nil)
	require.NoError(t, err)
	now := time.Now()
	ctx := context.Background()
	require.NoError(t, store.Record(ctx, model.Event{Type: model.EventBlocked, URL: "https://ads.test/a.js", Timestamp: now.Add(-2 * time.Hour)}))
	require.NoError(t, store.Record(ctx, model.Event{Type: model.EventPassed, URL: "https://site.test/", Timestamp: now}))
	require.NoError(t, store.Close())

	stdout, _, err := runCLI(t, "--config", path, "events", "--limit", "1")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.Len(t, lines, 1)
	assert.Equal(t, "https://site.test/", gjson.Get(lines[0], "url").String())

	stdout, stderr, err := runCLI(t, "--config", path, "events", "--prune", "1h")
	require.NoError(t, err)
	assert.Contains(t, stderr, "1")
	assert.Len(t, strings.Split(strings.TrimSpace(stdout), "\n"), 1)
}

func TestRunRejectsBadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("browser:\n  majorVersion: abc\n"), 0o644))

	_, _, err := runCLI(t, "--config", path, "run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "majorVersion")
}

func TestOwnerName(t *testing.T) {
	assert.Equal(t, "adblock", ownerName("/etc/cdpwebreq/adblock.js"))
	assert.Equal(t, "rules", ownerName("rules.json"))
}
