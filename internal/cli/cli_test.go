package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cachedb/internal/cache"
	"cachedb/internal/config"
	"cachedb/internal/gateway/handlers"
	"cachedb/internal/storage"
	"cachedb/pkg/logger"
)

// run executes the root command against an isolated config file.
func run(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()

	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	t.Setenv("CACHEDB_STORAGE_PATH", filepath.Join(dir, "cache.db"))
	return runWith(t, configPath, stdin, args...)
}

func runWith(t *testing.T, configPath, stdin string, args ...string) (string, string, error) {
	t.Helper()
	config.Reset()
	t.Cleanup(config.Reset)

	var out bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--config", configPath, "-q"}, args...))

	err := cmd.Execute()
	logger.SetOutput(&bytes.Buffer{})
	return out.String(), configPath, err
}

func TestVersionJSON(t *testing.T) {
	out, _, err := run(t, "", "version", "--json")
	require.NoError(t, err)

	var info BuildInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, Version, info.Version)
	assert.NotEmpty(t, info.GoVersion)
}

func TestConfigInitThenShow(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	t.Setenv("CACHEDB_STORAGE_PATH", filepath.Join(dir, "cache.db"))

	_, _, err := runWith(t, configPath, "", "config", "init")
	require.NoError(t, err)
	require.FileExists(t, configPath)

	_, _, err = runWith(t, configPath, "", "config", "init")
	assert.Error(t, err, "init refuses to overwrite")

	_, _, err = runWith(t, configPath, "", "token", "set", "--token", "secret-token")
	require.NoError(t, err)

	out, _, err := runWith(t, configPath, "", "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "host.port = 18790")
	assert.Contains(t, out, "backend.token = se********en")
	assert.NotContains(t, out, "secret-token")

	out, _, err = runWith(t, configPath, "", "config", "show", "--all")
	require.NoError(t, err)
	assert.Contains(t, out, "backend.token = secret-token")
}

func TestTokenSetFromStdin(t *testing.T) {
	_, configPath, err := run(t, "piped-token\n", "token", "set")
	require.NoError(t, err)

	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "token: piped-token")
}

func TestTokenSetRejectsEmpty(t *testing.T) {
	_, _, err := run(t, "\n", "token", "set")
	assert.Error(t, err)
}

func TestTokenClearForgetsPersistedSession(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	dbPath := filepath.Join(dir, "cache.db")
	t.Setenv("CACHEDB_STORAGE_PATH", dbPath)

	db, err := storage.Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, db.KVSet(cache.TokenKey, "old", 0))
	require.NoError(t, db.Close())

	_, _, err = runWith(t, configPath, "", "token", "set", "--token", "abc")
	require.NoError(t, err)
	_, _, err = runWith(t, configPath, "", "token", "clear")
	require.NoError(t, err)

	db, err = storage.Open(dbPath)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.KVGet(cache.TokenKey)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "abc")
}

func TestMaskValue(t *testing.T) {
	assert.Equal(t, "***", maskValue("abc"))
	assert.Equal(t, "ab**ef", maskValue("abcdef"))
}

func TestAppServesHealthWhileBackendIsDown(t *testing.T) {
	config.Reset()
	t.Cleanup(config.Reset)
	logger.SetOutput(&bytes.Buffer{})

	// nothing listens on the backend address
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	backendAddr := dead.Addr().String()
	dead.Close()
	t.Setenv("CACHEDB_BACKEND_HOST", backendAddr)

	cfg, err := config.Load("")
	require.NoError(t, err)

	a, err := newApp(cfg, filepath.Join(t.TempDir(), "cache.db"), *logger.Get())
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, a.start(ln))
	defer a.stop(context.Background())

	_, ok := a.scheduler.NextRun(PurgeJob)
	assert.True(t, ok)

	var body handlers.HealthResponse
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return json.NewDecoder(resp.Body).Decode(&body) == nil
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "closed", body.Backend)
	assert.False(t, body.Authenticated)
	assert.Equal(t, 0, body.Ports)
}
