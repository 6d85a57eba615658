package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/marketdesk/internal/config"
	"github.com/vdavid/marketdesk/internal/testutil"
)

func getTestConfig() *config.Config {
	return &config.Config{
		Environment:          "test",
		EncryptionKeyBase64:  testutil.TestKeyBase64(),
		APIToken:             "test-token",
		LogLevel:             "debug",
		Port:                 "8080",
		FetchInterval:        time.Millisecond,
		ManualBatchSize:      10,
		ThreadWindow:         24 * time.Hour,
		ThreadMinConfidence:  0.8,
		GmailDailyQuota:      1000,
		GmailQuotaMargin:     100,
		HistoryBatchSize:     10,
		WatchRenewalInterval: time.Hour,
		IMAPMaxWorkers:       1,
	}
}

func TestSetupLogging(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	tests := []struct {
		level string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"warn", zerolog.WarnLevel},
		{"", zerolog.InfoLevel},
		{"loud", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := getTestConfig()
			cfg.LogLevel = tt.level
			setupLogging(cfg)
			assert.Equal(t, tt.want, zerolog.GlobalLevel())
		})
	}
}

func TestNewApp(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	cfg := getTestConfig()
	app, err := NewApp(cfg, pool)
	require.NoError(t, err)
	defer app.Close()

	t.Run("serves the root", func(t *testing.T) {
		rr := httptest.NewRecorder()
		app.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

		res := rr.Result()
		defer func(Body io.ReadCloser) {
			_ = Body.Close()
		}(res.Body)
		body, err := io.ReadAll(res.Body)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, res.StatusCode)
		assert.Equal(t, "MarketDesk API is running", string(body))
	})

	t.Run("lists accounts of an authenticated user", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/accounts", nil)
		req.Header.Set("Authorization", "Bearer test-token")
		req.Header.Set("X-User-Email", "seller@example.com")
		rr := httptest.NewRecorder()
		app.Handler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{"accounts":[]}`, rr.Body.String())
	})

	t.Run("background work stops with the context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		var wg sync.WaitGroup
		app.StartBackground(ctx, &wg)
		cancel()

		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("background work did not stop")
		}
	})

	t.Run("rejects a bad encryption key", func(t *testing.T) {
		bad := getTestConfig()
		bad.EncryptionKeyBase64 = "not base64"
		_, err := NewApp(bad, pool)
		assert.Error(t, err)
	})
}
