package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scrypster/rapport/internal/backup"
	"github.com/scrypster/rapport/internal/config"
	"github.com/scrypster/rapport/internal/engine"
	"github.com/scrypster/rapport/internal/queue"
	"github.com/scrypster/rapport/internal/spool"
)

// testEnv points every command at a throwaway data directory and an
// unreachable model server.
func testEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("RAPPORT_CONFIG_FILE", "")
	t.Setenv("RAPPORT_DATA_PATH", dir)
	t.Setenv("RAPPORT_STORAGE_ENGINE", "sqlite")
	t.Setenv("RAPPORT_QUEUE_BACKEND", "sqlite")
	t.Setenv("RAPPORT_EVENTS_ENABLED", "false")
	t.Setenv("RAPPORT_LOG_LEVEL", "error")
	t.Setenv("RAPPORT_OLLAMA_URL", "http://127.0.0.1:1")
	t.Setenv("RAPPORT_LLM_TIMEOUT", "1s")
	return dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()
	for _, path := range [][]string{
		{"run"},
		{"queue", "stats"},
		{"queue", "dead-letters"},
		{"queue", "enqueue"},
		{"account", "enable"},
		{"account", "disable"},
		{"contact", "enable"},
		{"contact", "disable"},
		{"contact", "show"},
		{"backup"},
		{"backup", "list"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, "%v", path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}

func TestQueueCommands(t *testing.T) {
	testEnv(t)

	out, err := execute(t, "queue", "enqueue", engine.QueueIncoming, `{"message_id":"wamid.1","from":"+15550001","text":"hi"}`, "--priority", "2")
	require.NoError(t, err)
	assert.NotEmpty(t, out)

	out, err = execute(t, "queue", "stats", engine.QueueIncoming)
	require.NoError(t, err)
	var stats []queue.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	require.Len(t, stats, 1)
	assert.Equal(t, 1, stats[0].Pending)

	out, err = execute(t, "queue", "dead-letters", engine.QueueIncoming)
	require.NoError(t, err)
	assert.JSONEq(t, `null`, out)

	_, err = execute(t, "queue", "enqueue", engine.QueueIncoming, `not json`)
	assert.Error(t, err)
}

func TestQueueCommandsRejectMemoryBackend(t *testing.T) {
	testEnv(t)
	t.Setenv("RAPPORT_QUEUE_BACKEND", "memory")

	_, err := execute(t, "queue", "stats")
	assert.ErrorContains(t, err, "durable backend")
}

func TestAccountAndContactCommands(t *testing.T) {
	testEnv(t)

	out, err := execute(t, "account", "enable", "acct-1")
	require.NoError(t, err)
	assert.Contains(t, out, "automation_enabled=true")

	_, err = execute(t, "contact", "enable", "nobody")
	assert.Error(t, err)
}

func TestBackupCommand(t *testing.T) {
	testEnv(t)

	out, err := execute(t, "backup")
	require.NoError(t, err)
	var res backup.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Verified)

	out, err = execute(t, "backup", "list")
	require.NoError(t, err)
	var snaps []backup.Snapshot
	require.NoError(t, json.Unmarshal([]byte(out), &snaps))
	require.Len(t, snaps, 1)
	assert.Equal(t, res.Path, snaps[0].Path)
}

func TestDaemonIngestsSpooledMessages(t *testing.T) {
	dir := testEnv(t)
	cfg, err := config.LoadConfig()
	require.NoError(t, err)
	cfg.Orchestrator.FollowupInterval = 0
	cfg.Backup.Interval = 0
	cfg.Ingest.SpoolDir = filepath.Join(dir, "spool")

	st, err := openStores(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	d, err := newDaemon(cfg, st, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, d.followups)
	assert.Nil(t, d.hub)
	assert.Nil(t, d.backups)
	require.NotNil(t, d.spool)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.run(ctx) }()

	_, err = spool.Drop(cfg.Ingest.SpoolDir, map[string]any{
		"message_id": "wamid.1",
		"from":       "+15550001",
		"timestamp":  1700000000,
		"type":       "text",
		"text":       "hi there",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := st.data.GetContactByRef(ctx, cfg.Ingest.DefaultAccountID, "+15550001")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}
}
