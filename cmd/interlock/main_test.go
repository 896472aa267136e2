package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mistakeknot/interlock/client"
	"github.com/mistakeknot/interlock/internal/config"
	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/names"
	"github.com/mistakeknot/interlock/pkg/embedded"
)

// syncBuffer is written by the watch goroutine while the test reads it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func startServer(t *testing.T) string {
	t.Helper()
	t.Setenv(names.EnvAgent, "")
	t.Setenv(EnvURL, "")
	// install the writer before server goroutines start logging
	setupLogging("error")
	srv, err := embedded.New(embedded.Config{Dir: t.TempDir(), Backend: config.BackendMemory})
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })
	require.Eventually(t, func() bool {
		return client.New(srv.URL()).Health(context.Background()) == nil
	}, 2*time.Second, 10*time.Millisecond)
	return srv.URL()
}

func run(t *testing.T, url string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--server", url, "--log-level", "error"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestInitCommandWritesConfig(t *testing.T) {
	tmp := t.TempDir()
	cfgPath := filepath.Join(tmp, "interlock.yaml")
	dir := filepath.Join(tmp, "repo")
	require.NoError(t, os.Mkdir(dir, 0o755))

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--config", cfgPath, "init", "demo", dir})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute init: %v", err)
	}

	data, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatalf("read config file: %v", err)
	}
	if !bytes.Contains(data, []byte("demo")) {
		t.Fatalf("expected project section to be written")
	}
	assert.DirExists(t, filepath.Join(dir, ".interlock"))
	assert.Contains(t, out.String(), "default project: demo")
}

func TestLockWorkflow(t *testing.T) {
	url := startServer(t)

	out, err := run(t, url, "register", "-a", "alice", "--capability", "go,review")
	require.NoError(t, err)
	assert.Contains(t, out, "registered alice [go review]")

	_, err = run(t, url, "register", "-a", "bob")
	require.NoError(t, err)

	out, err = run(t, url, "lock", "-a", "alice", "src/main.go", "--reason", "refactor")
	require.NoError(t, err)
	assert.Contains(t, out, "locked src/main.go")

	out, err = run(t, url, "lock", "-a", "bob", "src/main.go")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errDenied))
	assert.Contains(t, out, "denied src/main.go: held by alice")

	_, err = run(t, url, "unlock", "-a", "bob", "src/main.go")
	assert.ErrorIs(t, err, core.ErrLockHeldByOther)

	out, err = run(t, url, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "alice")
	assert.Contains(t, out, "src/main.go")
	assert.Contains(t, out, "refactor")

	out, err = run(t, url, "heartbeat", "-a", "bob", "--status", "busy", "--task", "tests")
	require.NoError(t, err)
	assert.Contains(t, out, "bob alive at")

	out, err = run(t, url, "unlock", "-a", "alice", "src/main.go")
	require.NoError(t, err)
	assert.Contains(t, out, "unlocked src/main.go")

	out, err = run(t, url, "unlock", "-a", "alice", "src/main.go")
	require.NoError(t, err)
	assert.Contains(t, out, "was not locked")

	out, err = run(t, url, "log", "-n", "3")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "lock_released")
	assert.Contains(t, lines[3], "3 of 5 events")

	out, err = run(t, url, "--json", "log", "--action", "lock_denied")
	require.NoError(t, err)
	var res core.LogResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 1, res.TotalCount)
	assert.Equal(t, "held by alice", res.Events[0].Details)
}

func TestRegisterGeneratesAgentID(t *testing.T) {
	url := startServer(t)
	out, err := run(t, url, "--json", "register")
	require.NoError(t, err)
	var res core.RegisterResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Regexp(t, `^[a-z]+-[a-z]+-[0-9a-f]{4}$`, res.ID)
}

func TestAgentRequired(t *testing.T) {
	url := startServer(t)
	_, err := run(t, url, "lock", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), names.EnvAgent)

	t.Setenv(names.EnvAgent, "carol")
	out, err := run(t, url, "register")
	require.NoError(t, err)
	assert.Contains(t, out, "registered carol")
}

func TestUnknownProject(t *testing.T) {
	url := startServer(t)
	_, err := run(t, url, "-p", "ghost", "status")
	assert.ErrorIs(t, err, core.ErrProjectNotFound)
}

func TestWatchStreamsEvents(t *testing.T) {
	url := startServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := &syncBuffer{}
	cmd := newRootCmd()
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs([]string{"--server", url, "--log-level", "error", "watch", "--action", "lock_acquired"})
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	// lock until the watcher has connected and printed the event
	c := client.New(url)
	_, err := c.Register(ctx, "dave", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		if _, err := c.Lock(ctx, "dave", "watched.go", ""); err != nil {
			return false
		}
		return strings.Contains(out.String(), "watched.go")
	}, 5*time.Second, 50*time.Millisecond)
	assert.Contains(t, out.String(), "lock_acquired")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestVersion(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "interlock dev")
}

func TestBaseURLFromConfig(t *testing.T) {
	tmp := t.TempDir()
	cfgPath := filepath.Join(tmp, "interlock.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("listen: \":7555\"\n"), 0o644))
	t.Setenv(EnvURL, "")

	a := &app{cfgFile: cfgPath}
	base, err := a.baseURL()
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:7555", base)

	t.Setenv(EnvURL, "coord:9000")
	base, err = a.baseURL()
	require.NoError(t, err)
	assert.Equal(t, "http://coord:9000", base)
}
