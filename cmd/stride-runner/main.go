// Command stride-runner wires the nine components of the Dominating Set
// workbench together behind a small flag table (spec §6), the way the
// teacher's main.go wires its services before handing off to fiber.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/stride-runner/stride/config"
	"github.com/stride-runner/stride/engine"
	"github.com/stride-runner/stride/instancecache"
	"github.com/stride-runner/stride/metadatastore"
	"github.com/stride-runner/stride/monitoring"
	"github.com/stride-runner/stride/pkg/logging"
	"github.com/stride-runner/stride/selector"
	"github.com/stride-runner/stride/serverclient"
)

// lowMemoryThresholdBytes backs the backpressure warning logged while a
// run is underway (spec §4.L/§5): the Resource Monitor informs, it never
// overrides, the Run Engine's own `-j` bound.
const lowMemoryThresholdBytes = 512 * 1024 * 1024

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Load()
	resMon := monitoring.NewResourceMonitor(5 * time.Second)
	defaultParallelism := cfg.Parallelism
	if os.Getenv("STRIDE_PARALLELISM") == "" {
		defaultParallelism = resMon.DefaultParallelism()
	}

	var (
		solverBin         = flag.String("solver", "", "path to the solver binary to supervise")
		iidFile           = flag.String("iids", "", "path to a newline-delimited file of instance ids to run")
		where             = flag.String("where", "", "SQL WHERE predicate against the metadata store's Instance table")
		timeoutSec        = flag.Int("timeout", 30, "per-job wall-clock timeout in seconds before SIGTERM")
		graceSec          = flag.Int("grace", 5, "grace period in seconds between SIGTERM and SIGKILL")
		parallelism       = flag.Int("parallelism", defaultParallelism, "number of concurrent solver jobs")
		keepLogsOnSuccess = flag.Bool("keep-logs-on-success", cfg.KeepLogsOnSuccess, "retain per-job logs even for Best outcomes")
		suboptimalIsError = flag.Bool("suboptimal-is-error", cfg.SuboptimalIsError, "treat Suboptimal outcomes as failures for log retention")
		noEnv             = flag.Bool("no-env", cfg.NoEnv, "don't pass instance metadata to the solver via environment variables")
		uploadsEnabled    = flag.Bool("uploads", cfg.UploadsEnabled, "upload eligible solutions to the remote server")
		solverUUID        = flag.String("solver-uuid", "", "solver identity used for failure-metadata-only uploads")
		logLevel          = flag.String("l", "info", "log level: trace, debug, info, off")
		refreshMetadata   = flag.Bool("refresh-metadata", false, "download and atomically replace the metadata store before running")
	)
	flag.Parse()

	logger, err := logging.New("stride-runner", &logging.Config{
		Level:        logging.LevelFromFlag(*logLevel),
		OutputFormat: "json",
		Output:       os.Stdout,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize logger:", err)
		return 1
	}

	if *solverBin == "" {
		logger.Warn("no -solver given, nothing to run")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serverclient.EnsureDir(cfg.StateDir); err != nil {
		logger.Warn("failed to create state dir", "error", err)
		return 1
	}

	client := serverclient.New(cfg)

	metaPath := filepath.Join(cfg.StateDir, "metadata.db")
	if *refreshMetadata || !fileExists(metaPath) {
		if err := refreshMetadataStore(ctx, client, cfg.StateDir, metaPath); err != nil {
			logger.Warn("failed to refresh metadata store", "error", err)
			return 1
		}
	}

	store, err := metadatastore.Open(metaPath)
	if err != nil {
		logger.Warn("failed to open metadata store", "error", err)
		return 1
	}
	defer store.Close()

	cache, err := instancecache.Open(filepath.Join(cfg.StateDir, "instances.db"), client, logger)
	if err != nil {
		logger.Warn("failed to open instance cache", "error", err)
		return 1
	}
	defer cache.Close()

	iids, err := resolveSelection(store, *iidFile, *where)
	if err != nil {
		logger.Warn("instance selection failed", "error", err)
		return 2
	}
	if len(iids) == 0 {
		logger.Warn("selection matched zero instances")
		return 0
	}

	eng := engine.New(engine.Config{
		SolverBin:         *solverBin,
		SolverArgs:        flag.Args(),
		Parallelism:       *parallelism,
		Timeout:           time.Duration(*timeoutSec) * time.Second,
		Grace:             time.Duration(*graceSec) * time.Second,
		KeepLogsOnSuccess: *keepLogsOnSuccess,
		SuboptimalIsError: *suboptimalIsError,
		NoEnv:             *noEnv,
		UploadsEnabled:    *uploadsEnabled,
		NearOrBetterRatio: cfg.NearOrBetterRatio,
		LogRootDir:        cfg.LogRootDir,
		SolverUUID:        *solverUUID,
	}, store, cache, client, logger)

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go resMon.Watch(watchCtx, func(sample monitoring.ResourceSample) {
		if sample.MemAvailableBytes < lowMemoryThresholdBytes {
			logger.Warn("low memory while run is in progress",
				"mem_available_bytes", sample.MemAvailableBytes,
				"cpu_percent", sample.CPUPercent,
			)
		}
	})

	summary, err := eng.Run(ctx, iids)
	if err != nil {
		logger.Warn("run failed", "error", err)
		return 1
	}

	logger.Info("run complete",
		"run_uuid", summary.RunUUID,
		"log_dir", summary.LogDir,
		"attempted", summary.Attempted,
		"outcomes", summary.Outcomes,
	)
	return 0
}

func resolveSelection(store *metadatastore.Store, iidFile, where string) ([]uint32, error) {
	var fileIIDs []uint32
	hasFile := iidFile != ""
	if hasFile {
		f, err := os.Open(iidFile)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		fileIIDs, err = selector.ParseIIDFile(f)
		if err != nil {
			return nil, err
		}
	}
	return selector.Select(store, fileIIDs, hasFile, where, where != "")
}

func refreshMetadataStore(ctx context.Context, client *serverclient.Client, stateDir, metaPath string) error {
	dumpPath, err := client.FetchMetadataDump(ctx, stateDir)
	if err != nil {
		return err
	}
	defer os.Remove(dumpPath)
	return metadatastore.ReplaceFromDump(metaPath, dumpPath)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
