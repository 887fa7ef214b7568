package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/coverage-cli/internal/cache"
	"github.com/sells-group/coverage-cli/internal/clip"
	"github.com/sells-group/coverage-cli/internal/coverage"
	"github.com/sells-group/coverage-cli/internal/merge"
	"github.com/sells-group/coverage-cli/pkg/bdc"
	"github.com/sells-group/coverage-cli/pkg/geocode"
)

var (
	covAddress  string
	covLat      float64
	covLon      float64
	covRadius   float64
	covAsOfDate string
	covState    string
	covOut      string
	covSimplify bool
)

var coverageCmd = &cobra.Command{
	Use:   "coverage",
	Short: "Download, clip and merge coverage for an area of interest",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		aoi, err := resolveAOI(ctx, covAddress, covLat, covLon, covRadius)
		if err != nil {
			return err
		}
		if covAsOfDate == "" {
			return eris.New("--as-of-date is required")
		}
		if covState == "" {
			return eris.New("--state is required")
		}

		runner, closeFn, err := newRunner()
		if err != nil {
			return err
		}
		defer closeFn()

		report, err := runner.Run(ctx, aoi, covAsOfDate, covState)
		if err != nil {
			return err
		}

		fc := report.Collection
		if covSimplify {
			fc = merge.SimplifyByTechnology(fc, aoi, cfg.Merge.SimplifyTolerance)
		}

		if err := writeGeoJSON(covOut, fc, report.Stats); err != nil {
			return err
		}

		fmt.Printf("merged %d features from %d/%d datasets (%d failed)\n",
			len(fc.Features), report.Stats.Succeeded, report.Stats.Attempted, report.Stats.Failed)
		if report.Stats.TimedOut {
			fmt.Println("warning: merge deadline exceeded; result is partial")
		}
		return nil
	},
}

// resolveAOI builds the area of interest from either an address or explicit
// coordinates.
func resolveAOI(ctx context.Context, address string, lat, lon, radius float64) (clip.AOI, error) {
	if radius <= 0 {
		return clip.AOI{}, eris.New("--radius must be positive")
	}

	if address != "" {
		result, err := geocode.NewClient().Geocode(ctx, address)
		if err != nil {
			return clip.AOI{}, eris.Wrap(err, "geocode address")
		}
		if !result.Matched {
			return clip.AOI{}, eris.Errorf("address %q did not geocode", address)
		}
		return clip.AOI{Lat: result.Latitude, Lon: result.Longitude, RadiusMiles: radius}, nil
	}

	if lat == 0 && lon == 0 {
		return clip.AOI{}, eris.New("either --address or --lat/--lon is required")
	}
	return clip.AOI{Lat: lat, Lon: lon, RadiusMiles: radius}, nil
}

// newRunner assembles the pipeline from config. The returned close function
// releases the cache handle.
func newRunner() (*coverage.Runner, func(), error) {
	runner := &coverage.Runner{
		Client:         newBDCClient(),
		Limiter:        bdc.NewRateLimiter(cfg.BDC.DownloadsPerMin),
		TempDir:        cfg.BDC.TempDir,
		MaxWorkers:     cfg.Merge.MaxWorkers,
		MergeTimeout:   time.Duration(cfg.Merge.TimeoutSecs) * time.Second,
		MinRecordCount: cfg.BDC.MinRecordCount,
		Category:       cfg.BDC.Category,
		Progress: func(stage string, done, total int) {
			zap.L().Info("pipeline progress",
				zap.String("stage", stage),
				zap.Int("done", done),
				zap.Int("total", total),
			)
		},
	}

	closeFn := func() {}
	if cfg.Cache.Enabled {
		store, err := cache.Open(cfg.Cache.Path)
		if err != nil {
			return nil, nil, eris.Wrap(err, "open result cache")
		}
		runner.Cache = store
		closeFn = func() { _ = store.Close() }
	}
	return runner, closeFn, nil
}

// writeGeoJSON writes the collection (with stats embedded as foreign members)
// to the given path, or stdout when path is "-" or empty.
func writeGeoJSON(path string, fc *clip.FeatureCollection, stats merge.Stats) error {
	features := fc.Features
	if features == nil {
		features = []clip.Feature{}
	}
	payload := struct {
		Type     string         `json:"type"`
		Features []clip.Feature `json:"features"`
		Stats    merge.Stats    `json:"stats"`
	}{"FeatureCollection", features, stats}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return eris.Wrap(err, "encode geojson")
	}

	if path == "" || path == "-" {
		_, err = os.Stdout.Write(append(data, '\n'))
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return eris.Wrap(err, "write geojson")
	}
	return nil
}

func init() {
	coverageCmd.Flags().StringVar(&covAddress, "address", "", "street address to center the AOI on")
	coverageCmd.Flags().Float64Var(&covLat, "lat", 0, "AOI center latitude")
	coverageCmd.Flags().Float64Var(&covLon, "lon", 0, "AOI center longitude")
	coverageCmd.Flags().Float64Var(&covRadius, "radius", 5, "AOI radius in miles")
	coverageCmd.Flags().StringVar(&covAsOfDate, "as-of-date", "", "data vintage (YYYY-MM-DD)")
	coverageCmd.Flags().StringVar(&covState, "state", "", "state FIPS code")
	coverageCmd.Flags().StringVar(&covOut, "out", "-", "output path for GeoJSON (- for stdout)")
	coverageCmd.Flags().BoolVar(&covSimplify, "simplify", false, "aggregate and simplify features per technology")
	rootCmd.AddCommand(coverageCmd)
}
