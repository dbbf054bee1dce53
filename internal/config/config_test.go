package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, TransportStdio, cfg.Transport)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
	assert.Equal(t, "http://localhost:8080/message", cfg.MessageURL())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cppmcp.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
transport: sse
sse:
  addr: 0.0.0.0:9000
  base_url: https://mcp.example.com/
  rate_limit: 5
  rate_burst: 10
  send_timeout: 5s
analysis:
  queries: [functions, classes]
  workers: 8
  allowed_roots: [/src]
log:
  level: debug
metrics:
  enabled: true
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, TransportSSE, cfg.Transport)
	assert.Equal(t, "0.0.0.0:9000", cfg.SSE.Addr)
	assert.Equal(t, 5*time.Second, cfg.SSE.SendTimeout)
	assert.Equal(t, []string{"functions", "classes"}, cfg.Analysis.Queries)
	assert.Equal(t, 8, cfg.Analysis.Workers)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "https://mcp.example.com/message", cfg.MessageURL())
	// Fields absent from the file keep their defaults.
	assert.Equal(t, "/sse", cfg.SSE.SSEPath)
	assert.Equal(t, 8<<20, cfg.Analysis.MaxDocumentBytes)
}

func TestLoadRejectsInvalidFiles(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "unknown field", content: "transprot: sse\n", want: "transprot"},
		{name: "bad transport", content: "transport: websocket\n", want: "Transport"},
		{name: "bad query", content: "analysis:\n  queries: [templates]\n", want: "Analysis.Queries[0]"},
		{name: "zero workers", content: "analysis:\n  workers: 0\n", want: "Analysis.Workers"},
		{name: "bad level", content: "log:\n  level: loud\n", want: "Log.Level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "cppmcp.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	env := map[string]string{
		"CPPMCP_TRANSPORT":     "sse",
		"CPPMCP_WORKERS":       "2",
		"CPPMCP_QUERIES":       "functions, calls",
		"CPPMCP_ALLOWED_ROOTS": "/a,/b",
		"CPPMCP_LOG_LEVEL":     "WARN",
		"CPPMCP_METRICS":       "true",
	}
	cfg := Default()
	applyEnv(&cfg, func(k string) string { return env[k] })

	require.NoError(t, cfg.Validate())
	assert.Equal(t, TransportSSE, cfg.Transport)
	assert.Equal(t, 2, cfg.Analysis.Workers)
	assert.Equal(t, []string{"functions", "calls"}, cfg.Analysis.Queries)
	assert.Equal(t, []string{"/a", "/b"}, cfg.Analysis.AllowedRoots)
	assert.Equal(t, slog.LevelWarn, cfg.SlogLevel())
	assert.True(t, cfg.Metrics.Enabled)
}
