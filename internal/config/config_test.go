package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/project"
)

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultListen, cfg.Listen)
	assert.Equal(t, BackendYAML, cfg.Backend)
	assert.Equal(t, 10*time.Minute, cfg.LeaseTTL.Std())
	assert.Equal(t, 2*time.Minute, cfg.StaleAfter.Std())
	assert.Equal(t, 50, cfg.LogLimit)
	assert.Equal(t, 1000, cfg.MaxLogLimit)
	assert.Equal(t, 64, cfg.NamespaceCacheSize)
	assert.Zero(t, cfg.ReapInterval)
	assert.True(t, cfg.FailOpen())
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(`
listen: ":9000"
backend: sqlite
default_project: demo
projects:
  demo: /srv/demo
lease_ttl: 90s
stale_after: 30s
reap_interval: 15s
log_limit: 10
max_log_limit: 20
storage:
  fail_open: false
  busy_retries: 3
`))
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, BackendSQLite, cfg.Backend)
	assert.Equal(t, 90*time.Second, cfg.LeaseTTL.Std())
	assert.Equal(t, 30*time.Second, cfg.StaleAfter.Std())
	assert.Equal(t, 15*time.Second, cfg.ReapInterval.Std())
	assert.False(t, cfg.FailOpen())
	assert.Equal(t, 3, cfg.Storage.BusyRetries)
	assert.Equal(t, map[string]string{"demo": filepath.Join("/srv/demo", project.StateDir)}, cfg.Roots())
	assert.Len(t, cfg.CoordOptions(), 4)
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"backend":         "backend: redis",
		"duration":        "lease_ttl: soon",
		"negative":        "stale_after: -1m",
		"limits":          "log_limit: 500\nmax_log_limit: 100",
		"unknown default": "default_project: ghost",
		"busy retries":    "storage:\n  busy_retries: -1",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	cfg, err := Parse([]byte("socket_path: ~/interlock.sock\nprojects:\n  demo: ~/src/demo\n"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "interlock.sock"), cfg.SocketPath)
	assert.Equal(t, filepath.Join(home, "src/demo"), cfg.Projects["demo"])
}

func TestPathPrecedence(t *testing.T) {
	t.Setenv(EnvConfig, "/etc/interlock.yaml")
	assert.Equal(t, "/tmp/x.yaml", Path("/tmp/x.yaml"))
	assert.Equal(t, "/etc/interlock.yaml", Path(""))
	t.Setenv(EnvConfig, "")
	assert.Equal(t, DefaultPath, Path(""))
}

func TestResolver(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(base, "scanned"), 0o755))

	cfg := Default()
	cfg.Projects = map[string]string{"demo": "/srv/demo"}
	cfg.DefaultProject = "demo"
	cfg.ProjectsDir = base

	static, r := cfg.Resolver()
	require.NotNil(t, static)
	root, err := r.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/srv/demo", project.StateDir), root)

	root, err = r.Resolve("scanned")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "scanned", project.StateDir), root)
	assert.Equal(t, []string{"demo", "scanned"}, r.List())

	_, err = r.Resolve("ghost")
	assert.ErrorIs(t, err, core.ErrProjectNotFound)
}

func TestInitProject(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "interlock.yaml")
	dir := filepath.Join(tmp, "repo")

	cfg, err := InitProject(path, "demo", dir)
	require.NoError(t, err)
	assert.Equal(t, "demo", cfg.DefaultProject)
	assert.DirExists(t, filepath.Join(dir, project.StateDir))

	_, err = InitProject(path, "second", filepath.Join(tmp, "other"))
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, yaml.Unmarshal(data, &raw))
	assert.Equal(t, "demo", raw["default_project"])
	assert.Equal(t, "10m0s", raw["lease_ttl"])

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, loaded.Projects, 2)

	// re-running for the same directory is fine, a different one is not
	_, err = InitProject(path, "demo", dir)
	require.NoError(t, err)
	_, err = InitProject(path, "demo", filepath.Join(tmp, "elsewhere"))
	assert.Error(t, err)

	_, err = InitProject(path, " ", dir)
	assert.Error(t, err)
}

func TestWatchReloadsProjects(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "interlock.yaml")
	_, err := InitProject(path, "demo", filepath.Join(tmp, "demo"))
	require.NoError(t, err)

	cfg, err := Load(path)
	require.NoError(t, err)
	static, _ := cfg.Resolver()

	var mu sync.Mutex
	var reloads int
	reload := ReloadProjects(static)
	onChange := func(c Config) {
		reload(c)
		mu.Lock()
		reloads++
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, onChange) }()

	// the watcher may not be registered yet; keep rewriting until it sees one
	require.Eventually(t, func() bool {
		if _, err := InitProject(path, "late", filepath.Join(tmp, "late")); err != nil {
			return false
		}
		_, err := static.Resolve("late")
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)

	// an invalid document is skipped and the last good map stays
	require.NoError(t, os.WriteFile(path, []byte("backend: nope\n"), 0o644))
	time.Sleep(100 * time.Millisecond)
	_, err = static.Resolve("demo")
	assert.NoError(t, err)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
	mu.Lock()
	assert.Positive(t, reloads)
	mu.Unlock()
}
