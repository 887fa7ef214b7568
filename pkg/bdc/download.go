package bdc

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/coverage-cli/internal/resilience"
)

// gpkgFileType selects the GeoPackage variant of an availability file.
const gpkgFileType = 2

// RateLimiter spaces sequential download calls to stay under the catalog's
// calls-per-minute ceiling. It owns its own limiter state; there is no
// process-wide singleton.
type RateLimiter struct {
	lim *rate.Limiter
}

// NewRateLimiter builds a limiter allowing callsPerMinute calls with no burst,
// so consecutive calls are spaced 60/callsPerMinute seconds apart. The first
// call is never delayed.
func NewRateLimiter(callsPerMinute int) *RateLimiter {
	if callsPerMinute <= 0 {
		callsPerMinute = 10
	}
	interval := time.Minute / time.Duration(callsPerMinute)
	return &RateLimiter{lim: rate.NewLimiter(rate.Every(interval), 1)}
}

// Wait blocks until the next call is allowed or the context is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.lim.Wait(ctx)
}

// DownloadFile fetches one availability file archive to destPath, retrying
// transient upstream failures. A non-200 response or transport failure is
// recorded in the outcome, not returned as an error; the outcome reflects the
// final attempt.
func (c *Client) DownloadFile(ctx context.Context, fileID int64, destPath string) DownloadOutcome {
	var outcome DownloadOutcome
	_ = resilience.Do(ctx, c.retry, func(ctx context.Context) error {
		var attemptErr error
		outcome, attemptErr = c.downloadOnce(ctx, fileID, destPath)
		return attemptErr
	})
	return outcome
}

// downloadOnce performs a single download attempt. The returned error exists
// only for retry classification; the outcome is authoritative.
func (c *Client) downloadOnce(ctx context.Context, fileID int64, destPath string) (DownloadOutcome, error) {
	outcome := DownloadOutcome{FileID: fileID}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		err = eris.Wrap(err, "bdc: create download dir")
		outcome.Err = err.Error()
		return outcome, err
	}

	rawURL := fmt.Sprintf("%s/map/downloads/downloadFile/availability/%d/%d", c.opts.BaseURL, fileID, gpkgFileType)
	req, err := c.newRequest(ctx, rawURL)
	if err != nil {
		outcome.Err = err.Error()
		return outcome, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		outcome.Err = err.Error()
		return outcome, err
	}
	defer resp.Body.Close() //nolint:errcheck

	outcome.StatusCode = resp.StatusCode
	if resp.StatusCode != http.StatusOK {
		// Keep a bounded slice of the error body for diagnostics.
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1000))
		outcome.Err = string(body)
		statusErr := eris.Errorf("bdc: download status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return outcome, resilience.NewTransientError(statusErr, resp.StatusCode)
		}
		return outcome, statusErr
	}

	f, err := os.Create(destPath)
	if err != nil {
		err = eris.Wrap(err, "bdc: create file")
		outcome.Err = err.Error()
		return outcome, err
	}
	defer f.Close() //nolint:errcheck

	n, err := io.Copy(f, resp.Body)
	if err != nil {
		err = eris.Wrap(err, "bdc: write file")
		outcome.Err = err.Error()
		return outcome, err
	}

	outcome.OK = true
	outcome.Bytes = n
	outcome.OutputPath = destPath
	return outcome, nil
}

// DownloadAll fetches the given descriptors strictly in sequence under the
// rate limiter, producing exactly one outcome per descriptor. Individual
// failures never abort the batch; attempted == successes + failures always
// holds. Returns early only when the context is cancelled, with outcomes for
// every descriptor attempted so far.
func (c *Client) DownloadAll(ctx context.Context, limiter *RateLimiter, files []FileDescriptor, destDir string) []DownloadOutcome {
	log := zap.L().With(zap.String("component", "bdc.download"))

	outcomes := make([]DownloadOutcome, 0, len(files))
	for i, f := range files {
		if err := limiter.Wait(ctx); err != nil {
			log.Warn("download batch cancelled",
				zap.Int("completed", i),
				zap.Int("total", len(files)),
				zap.Error(err),
			)
			return outcomes
		}

		destPath := filepath.Join(destDir, fmt.Sprintf("%d.gpkg.zip", f.FileID))
		outcome := c.DownloadFile(ctx, f.FileID, destPath)
		outcomes = append(outcomes, outcome)

		if outcome.OK {
			log.Info("downloaded availability file",
				zap.Int64("file_id", f.FileID),
				zap.String("file_name", f.FileName),
				zap.Int64("bytes", outcome.Bytes),
			)
		} else {
			log.Warn("availability file download failed",
				zap.Int64("file_id", f.FileID),
				zap.String("file_name", f.FileName),
				zap.Int("status", outcome.StatusCode),
				zap.String("error", outcome.Err),
			)
		}
	}
	return outcomes
}
