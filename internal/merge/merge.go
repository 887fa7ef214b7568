// Package merge runs the clipper over many datasets with a bounded worker
// pool and folds the results into one feature collection under a deadline.
package merge

import (
	"context"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/coverage-cli/internal/clip"
)

// Stats aggregates per-dataset outcomes of one merge run.
// Attempted == Succeeded + Failed holds for every run, including partial
// (timed-out) ones.
type Stats struct {
	Attempted     int  `json:"attempted"`
	Succeeded     int  `json:"succeeded"`
	Failed        int  `json:"failed"`
	TotalOriginal int  `json:"total_original_features"`
	TotalClipped  int  `json:"total_clipped_features"`
	TimedOut      bool `json:"timed_out"`
}

// Options configures a merge run.
type Options struct {
	// MaxWorkers caps the worker pool; the effective bound is
	// min(MaxWorkers, NumCPU-1), at least 1. Defaults to 4.
	MaxWorkers int
	// Timeout bounds the whole merge. Expiry returns the partial result
	// tagged TimedOut, not an error. Defaults to 10 minutes.
	Timeout time.Duration
	// Progress, when set, is invoked after each folded dataset.
	Progress func(done, total int)
}

// outcome is what each worker publishes onto the completion channel.
// Completion order across datasets is unspecified and irrelevant.
type outcome struct {
	datasetID int64
	result    *clip.Result
	err       error
}

// workerBound resolves the effective pool size.
func workerBound(maxWorkers int) int {
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	bound := min(maxWorkers, runtime.NumCPU()-1)
	return max(1, bound)
}

// Merge clips every dataset via clipFn (normally the cache-wrapped clipper)
// and folds the results into one collection. A single dataset's failure is
// counted in Stats and excluded from the merge; it never fails the job. The
// accumulator has a single owner, the coordinator loop; workers only publish
// to the completion channel.
func Merge(ctx context.Context, datasets []clip.Request, clipFn clip.Func, opts Options) (*clip.FeatureCollection, Stats, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Minute
	}

	if len(datasets) == 0 {
		return &clip.FeatureCollection{}, Stats{}, nil
	}

	bound := workerBound(opts.MaxWorkers)
	jobID := uuid.NewString()
	log := zap.L().With(
		zap.String("component", "merge"),
		zap.String("job_id", jobID),
	)
	log.Info("starting merge",
		zap.Int("datasets", len(datasets)),
		zap.Int("workers", bound),
		zap.Duration("timeout", opts.Timeout),
	)

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan clip.Request, len(datasets))
	for _, req := range datasets {
		jobs <- req
	}
	close(jobs)

	outcomes := make(chan outcome, len(datasets))
	g, gctx := errgroup.WithContext(workerCtx)
	for range bound {
		g.Go(func() error {
			for req := range jobs {
				if gctx.Err() != nil {
					return nil
				}
				result, err := clipFn(gctx, req)
				outcomes <- outcome{datasetID: req.DatasetID, result: result, err: err}
			}
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(outcomes)
	}()

	return collect(ctx, outcomes, len(datasets), opts, log)
}

// collect is the coordinator loop and single owner of the accumulator. It runs
// until every outcome arrives, the deadline expires, the context is cancelled,
// or the completion channel closes short of the expected count.
func collect(ctx context.Context, outcomes <-chan outcome, total int, opts Options, log *zap.Logger) (*clip.FeatureCollection, Stats, error) {
	stats := Stats{Attempted: total}
	fc := &clip.FeatureCollection{}

	deadline := time.NewTimer(opts.Timeout)
	defer deadline.Stop()

	done := 0
	for done < total {
		select {
		case out, ok := <-outcomes:
			if !ok {
				stats.Failed = stats.Attempted - stats.Succeeded
				if ctx.Err() != nil {
					// Workers drained early because the context was cancelled.
					stats.TimedOut = true
					log.Warn("merge cancelled, returning partial result",
						zap.Int("completed", done),
						zap.Int("total", total),
					)
					return fc, stats, nil
				}
				// The pool wound down before delivering every outcome.
				return fc, stats, eris.New("merge: worker pool terminated before all datasets completed")
			}
			done++
			fold(fc, &stats, out, log)
			if opts.Progress != nil {
				opts.Progress(done, total)
			}

		case <-deadline.C:
			log.Warn("merge deadline exceeded, returning partial result",
				zap.Int("completed", done),
				zap.Int("total", total),
			)
			stats.TimedOut = true
			stats.Failed = stats.Attempted - stats.Succeeded
			return fc, stats, nil

		case <-ctx.Done():
			log.Warn("merge cancelled, returning partial result",
				zap.Int("completed", done),
				zap.Int("total", total),
			)
			stats.TimedOut = true
			stats.Failed = stats.Attempted - stats.Succeeded
			return fc, stats, nil
		}
	}

	log.Info("merge complete",
		zap.Int("succeeded", stats.Succeeded),
		zap.Int("failed", stats.Failed),
		zap.Int("features", len(fc.Features)),
	)
	return fc, stats, nil
}

// fold applies one outcome to the accumulator. Features are tagged with their
// originating dataset id so source attribution survives the unordered merge.
func fold(fc *clip.FeatureCollection, stats *Stats, out outcome, log *zap.Logger) {
	if out.err != nil {
		stats.Failed++
		log.Warn("dataset clip failed",
			zap.Int64("dataset_id", out.datasetID),
			zap.Error(out.err),
		)
		return
	}

	stats.Succeeded++
	stats.TotalOriginal += out.result.OriginalCount
	stats.TotalClipped += out.result.ClippedCount

	for _, f := range out.result.Features {
		if f.Properties == nil {
			f.Properties = map[string]any{}
		}
		f.Properties["file_id"] = out.datasetID
		fc.Features = append(fc.Features, f)
	}
}
