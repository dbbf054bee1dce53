package telemetry_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MegaGrindStone/cppmcp/internal/telemetry"
)

func TestRecordingWithoutSetupIsSafe(t *testing.T) {
	ctx := context.Background()
	assert.NotPanics(t, func() {
		telemetry.RecordParse(ctx, time.Millisecond, 10, false)
		telemetry.RecordQuery(ctx, "", time.Millisecond, 0)
		telemetry.SessionOpened(ctx, "stdio")
		telemetry.SessionClosed(ctx, "stdio")
	})
}

func TestSetupExportsToolMetrics(t *testing.T) {
	p, err := telemetry.Setup()
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	telemetry.RecordToolCall(context.Background(), "find_functions", "", 5*time.Millisecond)
	telemetry.RecordIndexBuild(context.Background(), time.Millisecond, 3)

	srv := httptest.NewServer(p.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "cppmcp_tool_calls")
	assert.Contains(t, string(body), `tool="find_functions"`)
}
