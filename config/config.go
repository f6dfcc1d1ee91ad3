// Package config carries the process-wide defaults the (out-of-scope) CLI
// flag parser falls back to, the way the teacher's config.New() reads
// MINIO_*/DISCORD_*/etc. environment variables. It deliberately does not
// read or write config.json — that file's persistence format belongs to
// the excluded collaborator named in spec.md §1.
package config

import (
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Defaults holds the fallback values for every flag in spec.md §6 that
// has one, plus the Server Client / cache knobs spec.md treats as given.
type Defaults struct {
	// Server Client (spec §4.E)
	ServerBaseURL string
	HTTPTimeout   time.Duration
	RetryBaseMS   int
	RetryCapMS    int
	RetryMaxTries int

	// On-disk layout (spec §6)
	StateDir   string // ".stride/" holding metadata.db, instances.db
	LogRootDir string // "stride-logs/"

	// Run Engine (spec §4.H, §6)
	Parallelism       int
	Timeout           time.Duration
	Grace             time.Duration
	KeepLogsOnSuccess bool
	SuboptimalIsError bool
	UploadsEnabled    bool
	NoEnv             bool

	// Upload gate (spec §4.H item 8): score <= ceil(nearOrBetterRatio * best_known)
	NearOrBetterRatio float64

	Environment string // "development" or "production", mirrors teacher's ENV
}

// Load reads environment variables over the built-in defaults, optionally
// preceded by a local ".env" file (teacher's godotenv.Load() convenience;
// ignored if absent — this is a workbench, not a deployed service).
func Load() *Defaults {
	_ = godotenv.Load()

	httpTimeoutSec, _ := strconv.Atoi(getEnv("STRIDE_HTTP_TIMEOUT_SEC", "30"))
	retryBaseMS, _ := strconv.Atoi(getEnv("STRIDE_RETRY_BASE_MS", "500"))
	retryCapMS, _ := strconv.Atoi(getEnv("STRIDE_RETRY_CAP_MS", "30000"))
	retryMaxTries, _ := strconv.Atoi(getEnv("STRIDE_RETRY_MAX_TRIES", "5"))
	nearOrBetterRatio, err := strconv.ParseFloat(getEnv("STRIDE_NEAR_OR_BETTER_RATIO", "1.05"), 64)
	if err != nil || nearOrBetterRatio <= 0 {
		nearOrBetterRatio = 1.05
	}

	parallelism, _ := strconv.Atoi(getEnv("STRIDE_PARALLELISM", "0"))
	if parallelism <= 0 {
		parallelism = runtime.NumCPU()
	}

	return &Defaults{
		ServerBaseURL:     getEnv("STRIDE_SERVER_URL", "https://stride.optil.io"),
		HTTPTimeout:       time.Duration(httpTimeoutSec) * time.Second,
		RetryBaseMS:       retryBaseMS,
		RetryCapMS:        retryCapMS,
		RetryMaxTries:     retryMaxTries,
		StateDir:          getEnv("STRIDE_STATE_DIR", ".stride"),
		LogRootDir:        getEnv("STRIDE_LOG_DIR", "stride-logs"),
		Parallelism:       parallelism,
		Timeout:           0,
		Grace:             0,
		KeepLogsOnSuccess: parseBool(getEnv("STRIDE_KEEP_LOGS_ON_SUCCESS", "false")),
		SuboptimalIsError: parseBool(getEnv("STRIDE_SUBOPTIMAL_IS_ERROR", "false")),
		UploadsEnabled:    parseBool(getEnv("STRIDE_UPLOADS_ENABLED", "true")),
		NoEnv:             parseBool(getEnv("STRIDE_NO_ENV", "false")),
		NearOrBetterRatio: nearOrBetterRatio,
		Environment:       getEnv("STRIDE_ENV", "development"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseBool(s string) bool {
	v, err := strconv.ParseBool(s)
	if err != nil {
		return false
	}
	return v
}
