package main

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gavv/httpexpect/v2"
	"github.com/stretchr/testify/require"
)

// TestIntegrationUnavailableTemplate checks the last-resort document: a
// sandboxed template that reads an allow-listed environment variable and is
// served with no-store once the origin is gone and nothing is cached.
func TestIntegrationUnavailableTemplate(t *testing.T) {
	if os.Getenv("OFFLINESHIM_INTEGRATION") == "" {
		t.Skip("set OFFLINESHIM_INTEGRATION=1 to run integration tests")
	}
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	origin := newIntegrationOrigin(t)
	temp := t.TempDir()
	templateDir := filepath.Join(temp, "templates")
	require.NoError(t, os.MkdirAll(templateDir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(templateDir, "offline.html"),
		[]byte(`<h1>{{ env "OFFLINESHIM_TEST_SITE" }} is offline</h1><p>{{ .Path }} ({{ .Status }})</p><p>{{ env "OFFLINESHIM_TEST_SECRET" }}</p>`), 0o600))

	port := allocatePort(t)
	configPath := writeIntegrationConfig(t, temp, integrationConfig{
		port:           port,
		origin:         origin.URL,
		precache:       []string{"/"},
		templateFolder: templateDir,
		allowedEnv:     []string{"OFFLINESHIM_TEST_SITE"},
		bodyFile:       "offline.html",
	})

	process := startServerProcess(t, configPath, map[string]string{
		"OFFLINESHIM_TEST_SITE":   "Example Shop",
		"OFFLINESHIM_TEST_SECRET": "do-not-render",
	})
	defer process.stop(t)

	client := &http.Client{Timeout: 5 * time.Second}
	waitForEndpoint(t, client, integrationURL(port, "/healthz"), 45*time.Second, nil)

	expect := httpexpect.WithConfig(httpexpect.Config{
		BaseURL:  integrationURL(port, ""),
		Reporter: httpexpect.NewRequireReporter(t),
		Client:   client,
	})

	t.Run("origin errors are served from the network", func(t *testing.T) {
		result := expect.GET("/missing").Expect()
		result.Status(http.StatusNotFound)
		result.Header("X-Offline-Source").IsEqual("network")
	})

	origin.Close()

	t.Run("precached root survives the outage", func(t *testing.T) {
		result := expect.GET("/").Expect()
		result.Status(http.StatusOK)
		result.Header("X-Offline-Source").IsEqual("cache")
	})

	t.Run("uncached page renders the unavailable template", func(t *testing.T) {
		result := expect.GET("/never-seen").Expect()
		result.Status(http.StatusServiceUnavailable)
		result.Header("X-Offline-Source").IsEqual("unavailable")
		result.Header("Cache-Control").IsEqual("no-store")
		body := result.Body().Raw()
		require.Contains(t, body, "Example Shop is offline")
		require.Contains(t, body, "/never-seen (503)")
		require.NotContains(t, body, "do-not-render", "variables outside the allow list stay hidden")
	})

	t.Run("writes pass through and fail while offline", func(t *testing.T) {
		result := expect.POST("/orders").Expect()
		result.Status(http.StatusBadGateway)
		result.Header("X-Offline-Source").IsEqual("unavailable")
	})
}
