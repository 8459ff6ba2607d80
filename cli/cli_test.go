package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/cumulus13/ddf/config"
	"github.com/cumulus13/ddf/daemon"
	"github.com/cumulus13/ddf/logger"
	"github.com/cumulus13/ddf/sys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const compose = `services:
  web:
    image: nginx
    container_name: web
  db:
    image: postgres
  worker:
    image: app
`

func testConfig(t *testing.T) config.Config {
	t.Helper()
	port, err := sys.GetFreePort()
	require.NoError(t, err)
	cfg := config.Default()
	cfg.Cache.Backend = "pickle"
	cfg.Cache.LocalDir = t.TempDir()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = port
	cfg.Server.LockFile = filepath.Join(t.TempDir(), config.DefaultLockFileName)
	cfg.Backup.Directory = t.TempDir()
	return cfg
}

func writeCompose(t *testing.T) (dir, path string) {
	t.Helper()
	dir = t.TempDir()
	path = filepath.Join(dir, "docker-compose.yml")
	require.NoError(t, os.WriteFile(path, []byte(compose), 0o644))
	return dir, path
}

func newTestApp(t *testing.T, cfg config.Config, dir string, opts ...Option) *App {
	t.Helper()
	log := logger.NewTestLogger()
	base := []Option{
		WithNotifier(daemon.LogNotifier{Log: log}),
		WithSpawn(func() error { return assert.AnError }),
	}
	app := NewApp(cfg, log, "1.2.3", append(base, opts...)...)
	app.dir = dir
	t.Cleanup(func() { app.Close() })
	return app
}

func run(t *testing.T, app *App, args ...string) (int, string) {
	t.Helper()
	var out bytes.Buffer
	code := Execute(context.Background(), app, args, &out, &out)
	return code, out.String()
}

func services(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc struct {
		Services map[string]map[string]any `yaml:"services"`
	}
	require.NoError(t, yaml.Unmarshal(data, &doc))
	names := make([]string, 0, len(doc.Services))
	for name := range doc.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func TestNormalizeArgs(t *testing.T) {
	assert.Equal(t, []string{}, NormalizeArgs(nil))
	assert.Equal(t,
		[]string{"web", "--remove-service", "--rename-service=api", "--duplicate-service", "web2", "--health-check", "-c", "x.yml"},
		NormalizeArgs([]string{"web", "-rm", "-rn=api", "-dd", "web2", "-hc", "-c", "x.yml"}))
	assert.Equal(t, []string{"--", "-rm"}, NormalizeArgs([]string{"--", "-rm"}))
}

func TestLogLevel(t *testing.T) {
	cfg := config.Default()
	cfg.Log.Level = "error"
	assert.Equal(t, logger.LevelError, LogLevel(cfg, nil))
	assert.Equal(t, logger.LevelDebug, LogLevel(cfg, []string{"-L", "--debug"}))
	cfg.Log.Level = "bogus"
	assert.Equal(t, logger.LevelWarn, LogLevel(cfg, nil))
}

func TestListServices(t *testing.T) {
	dir, path := writeCompose(t)
	app := newTestApp(t, testConfig(t), dir)

	code, out := run(t, app, "-L")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "Available service names:")
	for _, name := range []string{"web", "db", "worker"} {
		assert.Contains(t, out, "  - "+name)
	}

	code, out = run(t, app, "-c", path, "-L", "-F", "WE")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "  - web")
	assert.NotContains(t, out, "  - db")

	code, out = run(t, app, "-L", "-F", "nothing")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "No matching services found")
}

func TestShowService(t *testing.T) {
	dir, _ := writeCompose(t)
	app := newTestApp(t, testConfig(t), dir)

	code, out := run(t, app, "db")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "image: postgres")

	code, out = run(t, app, "missing")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "❌")
}

func TestManifestNotFound(t *testing.T) {
	app := newTestApp(t, testConfig(t), t.TempDir())
	code, out := run(t, app, "-L")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "Compose file not found")

	code, _ = run(t, app, "-L", "-c", "missing.yml")
	assert.Equal(t, 1, code)
}

func TestEditsRunLocallyWithoutDaemon(t *testing.T) {
	dir, path := writeCompose(t)
	cfg := testConfig(t)
	app := newTestApp(t, cfg, dir)

	code, out := run(t, app, "web", "-rm", "-c", path)
	assert.Equal(t, 0, code, out)
	assert.Contains(t, out, "✅")
	assert.Equal(t, []string{"db", "worker"}, services(t, path))

	code, out = run(t, app, "db", "-dd", "db2")
	assert.Equal(t, 0, code, out)
	assert.Equal(t, []string{"db", "db2", "worker"}, services(t, path))

	code, out = run(t, app, "worker", "--rename-service", "jobs")
	assert.Equal(t, 0, code, out)
	assert.Equal(t, []string{"db", "db2", "jobs"}, services(t, path))

	code, out = run(t, app, "cron", "-n")
	assert.Equal(t, 0, code, out)
	assert.Equal(t, []string{"cron", "db", "db2", "jobs"}, services(t, path))

	code, out = run(t, app, "-L")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "  - cron", "listing sees the edit")

	backups, err := filepath.Glob(filepath.Join(cfg.Backup.Directory, "docker-compose.yml.*.backup"))
	require.NoError(t, err)
	assert.Len(t, backups, 4, "one backup per edit")
}

func TestBackupFlags(t *testing.T) {
	dir, path := writeCompose(t)
	app := newTestApp(t, testConfig(t), dir)

	code, out := run(t, app, "--list-backups")
	assert.Equal(t, 0, code, out)
	assert.Contains(t, out, "No backups")

	code, out = run(t, app, "--restore-backup")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "Cannot restore")

	code, out = run(t, app, "web", "-rm")
	require.Equal(t, 0, code, out)
	assert.Equal(t, []string{"db", "worker"}, services(t, path))

	code, out = run(t, app, "--list-backups")
	assert.Equal(t, 0, code, out)
	assert.Contains(t, out, "docker-compose.yml.remove_service.web.")

	code, out = run(t, app, "--restore-backup")
	assert.Equal(t, 0, code, out)
	assert.Contains(t, out, "Restored")
	assert.Equal(t, []string{"db", "web", "worker"}, services(t, path))
}

func TestEditFailures(t *testing.T) {
	dir, path := writeCompose(t)
	app := newTestApp(t, testConfig(t), dir)

	code, out := run(t, app, "nope", "-rn", "x")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "Service not found")

	code, out = run(t, app, "web", "-dd", "db")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "Service already exists")

	code, out = run(t, app, "-n")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "No service name provided")

	code, out = run(t, app, "web", "-rn", "web;reboot")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "Invalid service name")

	assert.Equal(t, []string{"db", "web", "worker"}, services(t, path))
}

func TestForwardFailureRunsLocally(t *testing.T) {
	dir, path := writeCompose(t)
	cfg := testConfig(t)
	cfg.Server.Active = true
	spawned := 0
	app := newTestApp(t, cfg, dir, WithSpawn(func() error {
		spawned++
		return assert.AnError
	}))

	code, out := run(t, app, "web", "-rm")
	assert.Equal(t, 0, code, out)
	assert.Equal(t, 1, spawned)
	assert.Contains(t, out, "Daemon unavailable, running locally")
	assert.Equal(t, []string{"db", "worker"}, services(t, path))
}

func TestFlushCache(t *testing.T) {
	app := newTestApp(t, testConfig(t), t.TempDir())
	code, out := run(t, app, "--flush-cache")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "Cache flushed (pickle)")
}

func TestHealthCheckWithoutDaemon(t *testing.T) {
	app := newTestApp(t, testConfig(t), t.TempDir())
	code, out := run(t, app, "-hc")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "Server is not running")
}

func TestVersion(t *testing.T) {
	app := newTestApp(t, testConfig(t), t.TempDir())
	code, out := run(t, app, "-v")
	assert.Equal(t, 0, code)
	assert.Equal(t, "ddf version 1.2.3\n", out)
}

func TestRunReportsFailuresInOutput(t *testing.T) {
	dir, path := writeCompose(t)
	app := newTestApp(t, testConfig(t), dir)

	var out bytes.Buffer
	err := app.Run(context.Background(), daemon.Invocation{
		ID:     "test",
		Args:   []string{"nope", "-rm", "-c", path},
		Dir:    dir,
		Stdout: &out,
		Stderr: &out,
	})
	require.NoError(t, err)
	assert.Equal(t, daemon.OutcomeFailure, daemon.Classify(out.String()))

	out.Reset()
	require.NoError(t, app.Run(context.Background(), daemon.Invocation{
		Args:   []string{"web", "-rm"},
		Dir:    dir,
		Stdout: &out,
		Stderr: &out,
	}))
	assert.Equal(t, daemon.OutcomeSuccess, daemon.Classify(out.String()))
	assert.Equal(t, []string{"db", "worker"}, services(t, path))
}

func TestServerModeExecutesForwardedEdits(t *testing.T) {
	dir, path := writeCompose(t)
	cfg := testConfig(t)
	cfg.Manifest.File = path
	server := newTestApp(t, cfg, dir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	type result struct {
		code int
		out  string
	}
	exited := make(chan result, 1)
	go func() {
		var out bytes.Buffer
		code := Execute(ctx, server, []string{"--server-mode"}, &out, &out)
		exited <- result{code, out.String()}
	}()
	require.Eventually(t, func() bool {
		return sys.PortOpen(cfg.Server.Addr(), 100*time.Millisecond)
	}, 5*time.Second, 50*time.Millisecond)

	clientCfg := cfg
	clientCfg.Server.Active = true
	client := newTestApp(t, clientCfg, dir)

	code, out := run(t, client, "web", "-rm")
	assert.Equal(t, 0, code, out)
	assert.Contains(t, out, "sent to background server")
	require.Eventually(t, func() bool {
		names := services(t, path)
		return len(names) == 2
	}, 5*time.Second, 50*time.Millisecond)

	code, out = run(t, client, "--health-check")
	assert.Equal(t, 0, code, out)
	assert.Contains(t, out, "healthy")

	code, out = run(t, newTestApp(t, cfg, dir), "--server-mode")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "Server already running")

	cancel()
	select {
	case res := <-exited:
		assert.Equal(t, 0, res.code, res.out)
		assert.Contains(t, res.out, "Listening on "+cfg.Server.Addr())
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.NoFileExists(t, cfg.Server.LockFile)
}
