package config

import (
	"os"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func clearStrideEnv(t *testing.T) {
	t.Helper()
	vars := []string{
		"STRIDE_SERVER_URL", "STRIDE_HTTP_TIMEOUT_SEC", "STRIDE_RETRY_BASE_MS",
		"STRIDE_RETRY_CAP_MS", "STRIDE_RETRY_MAX_TRIES", "STRIDE_STATE_DIR",
		"STRIDE_LOG_DIR", "STRIDE_PARALLELISM", "STRIDE_KEEP_LOGS_ON_SUCCESS",
		"STRIDE_SUBOPTIMAL_IS_ERROR", "STRIDE_UPLOADS_ENABLED", "STRIDE_NO_ENV",
		"STRIDE_NEAR_OR_BETTER_RATIO", "STRIDE_ENV",
	}
	originals := make(map[string]string, len(vars))
	for _, v := range vars {
		originals[v] = os.Getenv(v)
		os.Unsetenv(v)
	}
	t.Cleanup(func() {
		for k, v := range originals {
			if v == "" {
				os.Unsetenv(k)
			} else {
				os.Setenv(k, v)
			}
		}
	})
}

func TestLoadDefaults(t *testing.T) {
	clearStrideEnv(t)

	cfg := Load()

	assert.Equal(t, "https://stride.optil.io", cfg.ServerBaseURL)
	assert.Equal(t, 30*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, 500, cfg.RetryBaseMS)
	assert.Equal(t, 30000, cfg.RetryCapMS)
	assert.Equal(t, 5, cfg.RetryMaxTries)
	assert.Equal(t, ".stride", cfg.StateDir)
	assert.Equal(t, "stride-logs", cfg.LogRootDir)
	assert.Equal(t, runtime.NumCPU(), cfg.Parallelism)
	assert.False(t, cfg.KeepLogsOnSuccess)
	assert.False(t, cfg.SuboptimalIsError)
	assert.True(t, cfg.UploadsEnabled)
	assert.InDelta(t, 1.05, cfg.NearOrBetterRatio, 1e-9)
}

func TestLoadHonoursEnvironmentOverrides(t *testing.T) {
	clearStrideEnv(t)

	os.Setenv("STRIDE_SERVER_URL", "https://example.test")
	os.Setenv("STRIDE_PARALLELISM", "7")
	os.Setenv("STRIDE_KEEP_LOGS_ON_SUCCESS", "true")
	os.Setenv("STRIDE_NEAR_OR_BETTER_RATIO", "1.10")

	cfg := Load()

	assert.Equal(t, "https://example.test", cfg.ServerBaseURL)
	assert.Equal(t, 7, cfg.Parallelism)
	assert.True(t, cfg.KeepLogsOnSuccess)
	assert.InDelta(t, 1.10, cfg.NearOrBetterRatio, 1e-9)
}

func TestLoadRejectsInvalidRatio(t *testing.T) {
	clearStrideEnv(t)
	os.Setenv("STRIDE_NEAR_OR_BETTER_RATIO", "not-a-number")

	cfg := Load()

	assert.InDelta(t, 1.05, cfg.NearOrBetterRatio, 1e-9)
}

func TestGetEnvFallsBackToDefault(t *testing.T) {
	os.Unsetenv("STRIDE_TEST_KEY")
	assert.Equal(t, "fallback", getEnv("STRIDE_TEST_KEY", "fallback"))

	os.Setenv("STRIDE_TEST_KEY", "set")
	defer os.Unsetenv("STRIDE_TEST_KEY")
	assert.Equal(t, "set", getEnv("STRIDE_TEST_KEY", "fallback"))
}
