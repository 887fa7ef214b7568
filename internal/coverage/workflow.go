// Package coverage orchestrates the full acquisition pipeline: catalog query,
// file selection, rate-limited download, safe extraction, and the cached
// clip-and-merge over the area of interest.
package coverage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/coverage-cli/internal/archive"
	"github.com/sells-group/coverage-cli/internal/cache"
	"github.com/sells-group/coverage-cli/internal/clip"
	"github.com/sells-group/coverage-cli/internal/merge"
	"github.com/sells-group/coverage-cli/pkg/bdc"
)

// ProgressFunc reports pipeline progress, decoupled from any UI.
type ProgressFunc func(stage string, done, total int)

// Runner wires the pipeline stages together.
type Runner struct {
	Client  *bdc.Client
	Limiter *bdc.RateLimiter
	// Cache is optional; when nil every clip is computed fresh.
	Cache *cache.Store
	// TempDir roots the per-run scratch directory. Empty means the system
	// temp dir.
	TempDir        string
	MaxWorkers     int
	MergeTimeout   time.Duration
	MinRecordCount int
	Category       string
	Progress       ProgressFunc
}

// Report is the outcome of one pipeline run.
type Report struct {
	Collection *clip.FeatureCollection
	Stats      merge.Stats
	Selected   []bdc.FileDescriptor
	Downloads  []bdc.DownloadOutcome
	Extracted  []archive.ExtractedDataset
}

// Run executes the pipeline for one AOI. Per-file and per-dataset failures
// degrade into statistics; only an unreachable catalog, zero usable files, or
// zero extracted geometry containers fail the job outright.
func (r *Runner) Run(ctx context.Context, aoi clip.AOI, asOfDate, stateFIPS string) (*Report, error) {
	log := zap.L().With(zap.String("component", "coverage"))

	files, err := r.listCatalog(ctx, asOfDate)
	if err != nil {
		return nil, eris.Wrap(err, "coverage: query catalog")
	}

	selected := bdc.SelectFiles(files, stateFIPS, r.MinRecordCount)
	if len(selected) == 0 {
		return nil, eris.Errorf("coverage: no usable files in catalog for state %s as of %s", stateFIPS, asOfDate)
	}
	log.Info("selected catalog files",
		zap.Int("catalog", len(files)),
		zap.Int("selected", len(selected)),
		zap.String("state_fips", stateFIPS),
	)

	scratch, err := os.MkdirTemp(r.TempDir, "coverage-*")
	if err != nil {
		return nil, eris.Wrap(err, "coverage: create scratch dir")
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			log.Warn("failed to clean scratch dir", zap.String("dir", scratch), zap.Error(err))
		}
	}()

	report := &Report{Selected: selected}

	r.progress("download", 0, len(selected))
	report.Downloads = r.Client.DownloadAll(ctx, r.Limiter, selected, filepath.Join(scratch, "downloads"))
	r.progress("download", len(report.Downloads), len(selected))

	report.Extracted = r.extractAll(report.Downloads, filepath.Join(scratch, "extract"))

	datasets := clipRequests(report.Extracted, aoi)
	if len(datasets) == 0 {
		return nil, eris.New("coverage: no geometry containers found in downloaded archives")
	}

	clipFn := clip.Func(clip.Clip)
	if r.Cache != nil {
		clipFn = r.Cache.Cached(clipFn)
	}

	fc, stats, err := merge.Merge(ctx, datasets, clipFn, merge.Options{
		MaxWorkers: r.MaxWorkers,
		Timeout:    r.MergeTimeout,
		Progress: func(done, total int) {
			r.progress("merge", done, total)
		},
	})
	if err != nil {
		return nil, eris.Wrap(err, "coverage: merge")
	}

	report.Collection = fc
	report.Stats = stats
	return report, nil
}

// listCatalog queries the configured category plus the unfiltered list and
// dedupes by file id, mirroring the upstream catalog's split listings.
func (r *Runner) listCatalog(ctx context.Context, asOfDate string) ([]bdc.FileDescriptor, error) {
	var files []bdc.FileDescriptor
	seen := make(map[int64]bool)

	categories := []string{r.Category}
	if r.Category != "" {
		categories = append(categories, "")
	}
	for _, category := range categories {
		listed, err := r.Client.ListAvailability(ctx, asOfDate, category, "")
		if err != nil {
			return nil, err
		}
		for _, f := range listed {
			if seen[f.FileID] {
				continue
			}
			seen[f.FileID] = true
			files = append(files, f)
		}
	}
	return files, nil
}

// extractAll unpacks every successful download. A corrupt archive is a
// per-file failure: logged, skipped, and the batch continues.
func (r *Runner) extractAll(downloads []bdc.DownloadOutcome, extractRoot string) []archive.ExtractedDataset {
	var extracted []archive.ExtractedDataset
	total := 0
	for _, dl := range downloads {
		if !dl.OK {
			continue
		}
		total++

		destDir := filepath.Join(extractRoot, fmt.Sprintf("%d", dl.FileID))
		members, err := archive.Extract(dl.OutputPath, destDir)
		if err != nil {
			zap.L().Warn("archive extraction failed",
				zap.Int64("file_id", dl.FileID),
				zap.String("archive", dl.OutputPath),
				zap.Error(err),
			)
			continue
		}
		extracted = append(extracted, archive.ExtractedDataset{
			FileID:  dl.FileID,
			RootDir: destDir,
			Members: members,
		})
	}
	r.progress("extract", len(extracted), total)
	return extracted
}

// clipRequests builds one clip request per extracted geometry container.
func clipRequests(datasets []archive.ExtractedDataset, aoi clip.AOI) []clip.Request {
	var reqs []clip.Request
	for _, ds := range datasets {
		members := archive.MembersByExt(ds.Members, ".gpkg")
		if len(members) == 0 {
			members = archive.MembersByExt(ds.Members, ".shp")
		}
		for _, m := range members {
			reqs = append(reqs, clip.Request{
				DatasetID: ds.FileID,
				Path:      m,
				AOI:       aoi,
			})
		}
	}
	return reqs
}

func (r *Runner) progress(stage string, done, total int) {
	if r.Progress != nil {
		r.Progress(stage, done, total)
	}
}
