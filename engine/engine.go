// Package engine implements component H: the bounded worker pool that
// drives each selected instance through fetch -> supervise -> verify ->
// record -> upload (spec §4.H), grounded on the teacher's
// ConcurrentProcessor/WorkerPool goroutine-per-worker shape and
// generalized from file-upload jobs to solver jobs.
package engine

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/stride-runner/stride/graph"
	"github.com/stride-runner/stride/metadatastore"
	"github.com/stride-runner/stride/monitoring"
	"github.com/stride-runner/stride/pkg/logging"
	"github.com/stride-runner/stride/serverclient"
	"github.com/stride-runner/stride/supervisor"
	"github.com/stride-runner/stride/uploadqueue"
	"github.com/stride-runner/stride/verify"
)

// DrainDeadline bounds how long cooperative shutdown waits for the upload
// queue to finish in-flight work after SIGINT (spec §4.H).
const DrainDeadline = 10 * time.Second

// Config carries every per-run knob the CLI flag table exposes (spec §6)
// that the engine itself consults.
type Config struct {
	SolverBin         string
	SolverArgs        []string
	Parallelism       int
	Timeout           time.Duration
	Grace             time.Duration
	KeepLogsOnSuccess bool
	SuboptimalIsError bool
	NoEnv             bool
	UploadsEnabled    bool
	NearOrBetterRatio float64
	LogRootDir        string
	SolverUUID        string
}

// Store is the subset of metadatastore.Store the engine needs.
type Store interface {
	Attributes(iid uint32) (*metadatastore.InstanceMetadata, error)
}

// Cache is the subset of instancecache.Cache the engine needs.
type Cache interface {
	GetOrFetch(ctx context.Context, iid uint32) (*graph.Graph, error)
}

// Engine owns the RunContext, the Upload Queue, and the worker pool for
// one `run` invocation (spec §3 Ownership).
type Engine struct {
	cfg     Config
	store   Store
	cache   Cache
	client  *serverclient.Client
	logger  *logging.Logger
	metrics *monitoring.RunMetrics
}

// New builds an Engine from its collaborators.
func New(cfg Config, store Store, cache Cache, client *serverclient.Client, logger *logging.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		store:   store,
		cache:   cache,
		client:  client,
		logger:  logger,
		metrics: monitoring.NewRunMetrics(),
	}
}

// Metrics exposes the in-process run metrics (spec §4.M) for the
// (out-of-scope) progress renderer and for tests.
func (e *Engine) Metrics() *monitoring.RunMetrics { return e.metrics }

// Summary is the engine's return value: the run's log directory and a
// per-state outcome tally, mirroring what the CSV on disk records.
type Summary struct {
	RunUUID   string
	LogDir    string
	Outcomes  map[string]int64
	Attempted int
}

// Run selects nothing itself (that's component F's job): it takes an
// already-resolved, ordered list of IIDs and drives each one through the
// full per-job lifecycle (spec §4.H), honouring ctx cancellation for
// cooperative SIGINT shutdown (spec §4.H, §5).
func (e *Engine) Run(ctx context.Context, iids []uint32) (*Summary, error) {
	runUUID := uuid.New().String()
	runLogger := e.logger.ForRun(runUUID)
	now := time.Now()
	logDir := filepath.Join(e.cfg.LogRootDir, fmt.Sprintf("%s_%s_%s", now.Format("2006-01-02"), now.Format("15-04-05"), runUUID))
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	runLogger.Info("run started", "instances", len(iids), "parallelism", e.cfg.Parallelism)

	csvWriter, csvFile, err := openSummaryCSV(logDir)
	if err != nil {
		return nil, err
	}
	defer csvFile.Close()

	uploads := uploadqueue.New(ctx, e.client, e.logger, e.cfg.Parallelism, 2)

	jobs := make(chan uint32, len(iids))
	for _, iid := range iids {
		jobs <- iid
	}
	close(jobs)

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < e.cfg.Parallelism; w++ {
		g.Go(func() error {
			for iid := range jobs {
				select {
				case <-gctx.Done():
					// Stop accepting new jobs once cancelled (spec §4.H,
					// §5); jobs already queued but not yet started are
					// skipped rather than spawning a solver just to kill it.
					return nil
				default:
				}
				e.runJob(gctx, iid, runUUID, logDir, csvWriter, uploads)
			}
			return nil
		})
	}
	_ = g.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), DrainDeadline)
	defer cancel()
	drained := make(chan struct{})
	go func() { uploads.Close(); close(drained) }()
	select {
	case <-drained:
	case <-drainCtx.Done():
		runLogger.Warn("upload queue drain deadline exceeded", "deadline", DrainDeadline)
	}

	runLogger.Info("run complete", "attempted", int(e.metrics.Total()))

	return &Summary{
		RunUUID:   runUUID,
		LogDir:    logDir,
		Outcomes:  e.metrics.Counts(),
		Attempted: int(e.metrics.Total()),
	}, nil
}

// csvAppender serializes summary.csv writes behind a single mutex so each
// row is one atomic O_APPEND write (spec §5, §8 P6).
type csvAppender struct {
	mu sync.Mutex
	w  *csv.Writer
	f  *os.File
}

func openSummaryCSV(logDir string) (*csvAppender, *os.File, error) {
	f, err := os.OpenFile(filepath.Join(logDir, "summary.csv"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open summary.csv: %w", err)
	}
	return &csvAppender{w: csv.NewWriter(f), f: f}, f, nil
}

func (c *csvAppender) appendRow(iid uint32, wallSeconds float64, state string, score, bestKnown *int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	row := []string{
		fmt.Sprintf("%d", iid),
		fmt.Sprintf("%.2f", wallSeconds),
		state,
		formatOptionalInt(score),
		formatOptionalInt(bestKnown),
	}
	if err := c.w.Write(row); err != nil {
		return err
	}
	c.w.Flush()
	return c.w.Error()
}

func formatOptionalInt(v *int) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%d", *v)
}

// runJob implements the nine numbered steps of spec §4.H for one instance.
func (e *Engine) runJob(ctx context.Context, iid uint32, runUUID, logDir string, csvWriter *csvAppender, uploads *uploadqueue.Queue) {
	jobLogger := e.logger.ForJob(iid)
	start := time.Now()

	// Step 1: resolve metadata and graph.
	meta, err := e.store.Attributes(iid)
	if err != nil || meta == nil {
		jobLogger.Warn("failed to resolve instance metadata", "error", err)
		e.recordOutcome(csvWriter, iid, time.Since(start), "error", nil, nil)
		return
	}
	g, err := e.cache.GetOrFetch(ctx, iid)
	if err != nil {
		jobLogger.Warn("failed to resolve instance graph", "error", err)
		e.recordOutcome(csvWriter, iid, time.Since(start), "error", nil, meta.BestScore)
		return
	}

	// Step 2: create per-job log files, stdin first.
	stdinPath := filepath.Join(logDir, fmt.Sprintf("iid%d.stdin.gr", iid))
	stdoutPath := filepath.Join(logDir, fmt.Sprintf("iid%d.stdout", iid))
	stderrPath := filepath.Join(logDir, fmt.Sprintf("iid%d.stderr", iid))

	stdinFile, err := os.Create(stdinPath)
	if err != nil {
		jobLogger.Warn("failed to create stdin log", "error", err)
		e.recordOutcome(csvWriter, iid, time.Since(start), "error", nil, meta.BestScore)
		return
	}
	if err := g.Emit(stdinFile); err != nil {
		stdinFile.Close()
		jobLogger.Warn("failed to emit instance body", "error", err)
		e.recordOutcome(csvWriter, iid, time.Since(start), "error", nil, meta.BestScore)
		return
	}
	stdinFile.Close()
	stdinBytes, err := os.ReadFile(stdinPath)
	if err != nil {
		jobLogger.Warn("failed to re-read stdin log", "error", err)
		e.recordOutcome(csvWriter, iid, time.Since(start), "error", nil, meta.BestScore)
		return
	}

	env := e.buildEnv(meta)

	// Step 3: invoke Supervisor.
	result, err := supervisor.Supervise(ctx, e.logger, iid, e.cfg.SolverBin, e.cfg.SolverArgs, env, stdinBytes, e.cfg.Timeout, e.cfg.Grace)
	wall := time.Since(start)
	if err != nil {
		jobLogger.Warn("supervision failed", "error", err)
		e.recordOutcome(csvWriter, iid, wall, "error", nil, meta.BestScore)
		e.cleanupLogs(stdinPath, stdoutPath, stderrPath, "error")
		return
	}

	_ = os.WriteFile(stdoutPath, result.Stdout, 0o644)
	_ = os.WriteFile(stderrPath, result.Stderr, 0o644)

	state, score, vertices := e.classify(result, g, meta.BestScore)

	// Step 7: retention policy.
	e.cleanupLogs(stdinPath, stdoutPath, stderrPath, state)

	// Step 8: upload gate.
	e.maybeUpload(ctx, uploads, iid, runUUID, state, score, vertices, meta.BestScore, wall)

	// Step 9: CSV row.
	e.recordOutcome(csvWriter, iid, wall, state, score, meta.BestScore)
}

func (e *Engine) buildEnv(meta *metadatastore.InstanceMetadata) []string {
	if e.cfg.NoEnv {
		return os.Environ()
	}
	env := append([]string{}, os.Environ()...)
	env = append(env,
		fmt.Sprintf("STRIDE_NODES=%d", meta.Nodes),
		fmt.Sprintf("STRIDE_EDGES=%d", meta.Edges),
		fmt.Sprintf("STRIDE_IID=%d", meta.IID),
	)
	if meta.BestScore != nil {
		env = append(env, fmt.Sprintf("STRIDE_BEST_SCORE=%d", *meta.BestScore))
	}
	if meta.Bipartite != nil {
		env = append(env, fmt.Sprintf("STRIDE_BIPARTITE=%t", *meta.Bipartite))
	}
	if meta.Diameter != nil {
		env = append(env, fmt.Sprintf("STRIDE_DIAMETER=%d", *meta.Diameter))
	}
	if meta.Treewidth != nil {
		env = append(env, fmt.Sprintf("STRIDE_TREEWIDTH=%d", *meta.Treewidth))
	}
	if meta.Planar != nil {
		env = append(env, fmt.Sprintf("STRIDE_PLANAR=%t", *meta.Planar))
	}
	return env
}

// classify maps a SupervisionResult onto a JobOutcome.state (spec §4.H
// steps 4-6).
func (e *Engine) classify(result *supervisor.Result, g *graph.Graph, bestKnown *int) (string, *int, []int) {
	switch result.Phase {
	case supervisor.PhaseTimedOut, supervisor.PhaseKilled, supervisor.PhaseCancelled:
		return "timeout", nil, nil
	case supervisor.PhaseSignaled:
		return "error", nil, nil
	case supervisor.PhaseExited:
		if result.ExitCode != 0 {
			return "error", nil, nil
		}
		res := verify.Verify(g, bytes.NewReader(result.Stdout), bestKnown)
		return string(res.State), res.Score, res.Vertices
	default:
		return "error", nil, nil
	}
}

func (e *Engine) recordOutcome(csvWriter *csvAppender, iid uint32, wall time.Duration, state string, score, bestKnown *int) {
	e.metrics.RecordOutcome(state, wall)
	if err := csvWriter.appendRow(iid, wall.Seconds(), state, score, bestKnown); err != nil {
		e.logger.Warn("failed to append summary row", "iid", iid, "error", err)
	}
}

// cleanupLogs implements spec §4.H step 7: delete the three log files iff
// state == Best and neither retention flag is set; with
// suboptimal_is_error, Suboptimal logs are also kept (display priority
// only, the CSV state string is unchanged).
func (e *Engine) cleanupLogs(stdinPath, stdoutPath, stderrPath, state string) {
	shouldDelete := state == string(verify.Best) && !e.cfg.KeepLogsOnSuccess && !e.cfg.SuboptimalIsError
	if state == string(verify.Suboptimal) && e.cfg.SuboptimalIsError {
		shouldDelete = false
	}
	if !shouldDelete {
		return
	}
	os.Remove(stdinPath)
	os.Remove(stdoutPath)
	os.Remove(stderrPath)
}

// maybeUpload implements spec §4.H step 8: enqueue iff uploads are
// enabled AND state is Best/Suboptimal AND the score is near-or-better,
// OR a solver UUID is configured for failure-metadata-only uploads.
func (e *Engine) maybeUpload(ctx context.Context, uploads *uploadqueue.Queue, iid uint32, runUUID, state string, score *int, vertices []int, bestKnown *int, wall time.Duration) {
	isSolutionEligible := uploadqueue.ShouldUploadSolution(state, e.cfg.UploadsEnabled) && e.nearOrBetter(score, bestKnown)
	isFailureMetadataEligible := !isSolutionEligible && e.cfg.UploadsEnabled && e.cfg.SolverUUID != ""

	if !isSolutionEligible && !isFailureMetadataEligible {
		return
	}

	payload := serverclient.UploadPayload{
		IID:        iid,
		SolverUUID: e.cfg.SolverUUID,
		RunUUID:    runUUID,
		Score:      score,
		Metadata: serverclient.UploadMeta{
			RuntimeMS: wall.Milliseconds(),
			State:     state,
		},
	}
	if isSolutionEligible {
		payload.Vertices = vertices
	}

	if err := uploads.Submit(ctx, payload); err != nil {
		e.logger.Warn("upload submission cancelled", "iid", iid, "error", err)
	}
}

// nearOrBetter implements the "near or better" upload cutoff (spec §4.H
// item 8, §9): score <= best_known, or best_known absent, or score <=
// ceil(ratio * best_known).
func (e *Engine) nearOrBetter(score, bestKnown *int) bool {
	if score == nil {
		return false
	}
	if bestKnown == nil {
		return true
	}
	if *score <= *bestKnown {
		return true
	}
	ratio := e.cfg.NearOrBetterRatio
	if ratio <= 0 {
		ratio = 1.05
	}
	cutoff := int(ceilFloat(ratio * float64(*bestKnown)))
	return *score <= cutoff
}

func ceilFloat(v float64) float64 {
	i := float64(int(v))
	if i < v {
		return i + 1
	}
	return i
}
