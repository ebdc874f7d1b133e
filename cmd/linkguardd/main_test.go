package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/linkguard/internal/guard/common/log"
	"github.com/haukened/linkguard/internal/guard/config"
	"github.com/haukened/linkguard/internal/guard/gateways/apiclient"
)

// freePort finds an available loopback port.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

// fakeClassifier flags any URL containing "bad" as phishing.
func fakeClassifier(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var in struct {
			URL string `json:"url"`
		}
		_ = json.NewDecoder(r.Body).Decode(&in)
		phishing := strings.Contains(in.URL, "bad")
		conf := 0.02
		if phishing {
			conf = 0.93
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"is_phishing": phishing, "confidence": conf})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, endpoint string) *config.AppConfig {
	t.Helper()
	t.Chdir(t.TempDir())
	dir := t.TempDir()
	t.Setenv("LINKGUARD_ENV", "dev")
	t.Setenv("LINKGUARD_CACHE_DB", filepath.Join(dir, "state", "approvals.db"))
	t.Setenv("LINKGUARD_HISTORY_DB", filepath.Join(dir, "state", "history.db"))
	t.Setenv("LINKGUARD_API_ADDR", fmt.Sprintf("127.0.0.1:%d", freePort(t)))
	t.Setenv("LINKGUARD_CLASSIFIER_ENDPOINT", endpoint)
	t.Setenv("LINKGUARD_LAUNCHER_HANDLERS", "true")
	t.Setenv("LINKGUARD_LAUNCHER_FALLBACK", "true")
	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func TestApplication_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	log.SetLogger(log.NewNoopLogger())

	var calls atomic.Int32
	cfg := testConfig(t, fakeClassifier(t, &calls).URL)

	app, err := buildApplication(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	appErr := make(chan error, 1)
	go func() { appErr <- app.Run(ctx) }()

	client, err := apiclient.New(apiclient.Options{Addr: cfg.API.Addr, Timeout: 5 * time.Second})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, err := client.Stats(context.Background())
		return err == nil
	}, 2*time.Second, 20*time.Millisecond, "daemon did not come up")

	a, err := client.Resolve(context.Background(), "https://good.example.com", "")
	require.NoError(t, err)
	assert.Equal(t, "classified", a.Kind)
	assert.Equal(t, "safe", a.Verdict)

	a, err = client.Resolve(context.Background(), "https://good.example.com", "")
	require.NoError(t, err)
	assert.Equal(t, "open_directly", a.Kind)
	assert.Equal(t, int32(1), calls.Load())

	a, err = client.Resolve(context.Background(), "https://bad.example.com", "")
	require.NoError(t, err)
	assert.Equal(t, "phishing", a.Verdict)
	approved, err := client.IsApproved(context.Background(), "https://bad.example.com")
	require.NoError(t, err)
	assert.False(t, approved)

	st, err := client.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.Cache.Size)
	require.NotNil(t, st.History)
	assert.Equal(t, 2, st.History.Total)

	cancel()
	select {
	case err := <-appErr:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not shut down")
	}
}

func TestApplication_ApprovalsSurviveRestart(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	log.SetLogger(log.NewNoopLogger())

	var calls atomic.Int32
	cfg := testConfig(t, fakeClassifier(t, &calls).URL)

	run := func(fn func(c *apiclient.Client)) {
		app, err := buildApplication(cfg)
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- app.Run(ctx) }()

		c, err := apiclient.New(apiclient.Options{Addr: cfg.API.Addr, Timeout: 5 * time.Second})
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			_, err := c.Stats(context.Background())
			return err == nil
		}, 2*time.Second, 20*time.Millisecond)
		fn(c)
		cancel()
		require.NoError(t, <-done)
	}

	run(func(c *apiclient.Client) {
		require.NoError(t, c.Approve(context.Background(), "https://kept.example.com", time.Hour))
	})
	run(func(c *apiclient.Client) {
		ok, err := c.IsApproved(context.Background(), "https://kept.example.com")
		require.NoError(t, err)
		assert.True(t, ok)
	})
	assert.Equal(t, int32(0), calls.Load())
}

func TestBuildApplication_HistoryDisabled(t *testing.T) {
	log.SetLogger(log.NewNoopLogger())
	cfg := testConfig(t, "http://127.0.0.1:1/predict")
	cfg.History.Enabled = false

	app, err := buildApplication(cfg)
	require.NoError(t, err)
	app.close()
}

func TestBuildApplication_BadCachePath(t *testing.T) {
	log.SetLogger(log.NewNoopLogger())
	cfg := testConfig(t, "http://127.0.0.1:1/predict")
	cfg.Cache.DB = t.TempDir()

	_, err := buildApplication(cfg)
	assert.Error(t, err)
}
