// Package uploadqueue implements component I: a bounded, best-effort
// asynchronous upload pipeline with backpressure (spec §4.I), grounded on
// the teacher's ConcurrentProcessor job-queue-plus-worker-pool shape,
// generalized from file-upload jobs to solution uploads.
package uploadqueue

import (
	"context"
	"log/slog"
	"sync"

	"github.com/stride-runner/stride/serverclient"
	"github.com/stride-runner/stride/sterr"
)

// Uploader is the subset of serverclient.Client the queue needs.
type Uploader interface {
	UploadSolution(ctx context.Context, payload serverclient.UploadPayload) error
}

// Logger is the subset of pkg/logging.Logger the queue needs: a per-iid
// scoped child logger for terminal-failure reporting (spec §4.K), kept as
// an interface so tests can fake it without constructing a real Logger.
type Logger interface {
	ForUpload(iid uint32) *slog.Logger
}

// Queue is the bounded channel (capacity = 4*j, spec §4.I) with 1-2
// uploader goroutines draining it concurrently via the Server Client.
type Queue struct {
	ch       chan serverclient.UploadPayload
	uploader Uploader
	logger   Logger
	wg       sync.WaitGroup
}

// New creates a Queue with capacity 4*parallelism and starts numUploaders
// (1 or 2, spec §4.I) draining goroutines bound to ctx.
func New(ctx context.Context, uploader Uploader, logger Logger, parallelism, numUploaders int) *Queue {
	if numUploaders < 1 {
		numUploaders = 1
	}
	if numUploaders > 2 {
		numUploaders = 2
	}
	q := &Queue{
		ch:       make(chan serverclient.UploadPayload, 4*parallelism),
		uploader: uploader,
		logger:   logger,
	}
	for i := 0; i < numUploaders; i++ {
		q.wg.Add(1)
		go q.drain(ctx)
	}
	return q
}

func (q *Queue) drain(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case payload, ok := <-q.ch:
			if !ok {
				return
			}
			if err := q.uploader.UploadSolution(ctx, payload); err != nil {
				// Terminal failures are logged but never block the engine
				// (spec §4.I): a dropped upload does not fail the job it
				// came from.
				jobLogger := q.logger.ForUpload(payload.IID)
				if sr, ok := err.(*sterr.ServerRejected); ok {
					jobLogger.Warn("upload rejected by server", "status", sr.Status)
				} else {
					jobLogger.Warn("upload failed after retries", "error", err)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// Submit enqueues a payload, blocking the calling worker when the queue
// is full (spec §4.I: "submission blocks the publishing worker, providing
// natural backpressure"). It returns ctx.Err() if ctx is cancelled first.
func (q *Queue) Submit(ctx context.Context, payload serverclient.UploadPayload) error {
	select {
	case q.ch <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting new submissions and waits for in-flight uploads
// to drain, used during the Run Engine's cooperative shutdown (spec
// §4.H) within its bounded deadline.
func (q *Queue) Close() {
	close(q.ch)
	q.wg.Wait()
}

// ShouldUploadSolution implements the solution half of the spec §4.H item
// 8 upload gate: only Best/Suboptimal outcomes are ever eligible, and
// only when uploads are enabled at all. The near-or-better score
// comparison happens in the engine, which has the score and best_known
// values this helper does not need.
func ShouldUploadSolution(state string, uploadsEnabled bool) bool {
	if !uploadsEnabled {
		return false
	}
	return state == "best" || state == "suboptimal"
}
