package coverage

import (
	"archive/zip"
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/peterstace/simplefeatures/geom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/sells-group/coverage-cli/internal/archive"
	"github.com/sells-group/coverage-cli/internal/cache"
	"github.com/sells-group/coverage-cli/internal/clip"
	"github.com/sells-group/coverage-cli/internal/resilience"
	"github.com/sells-group/coverage-cli/pkg/bdc"
)

// buildGPKGArchive produces a ZIP holding a one-layer GeoPackage whose single
// polygon sits at the given center.
func buildGPKGArchive(t *testing.T, lon, lat float64, provider string) []byte {
	t.Helper()

	gpkgPath := filepath.Join(t.TempDir(), "coverage.gpkg")
	db, err := sql.Open("sqlite", gpkgPath)
	require.NoError(t, err)

	stmts := []string{
		`CREATE TABLE gpkg_contents (table_name TEXT PRIMARY KEY, data_type TEXT)`,
		`CREATE TABLE gpkg_geometry_columns (table_name TEXT, column_name TEXT)`,
		`CREATE TABLE coverage (fid INTEGER PRIMARY KEY, geom BLOB, provider TEXT, technology INTEGER)`,
		`INSERT INTO gpkg_contents VALUES ('coverage', 'features')`,
		`INSERT INTO gpkg_geometry_columns VALUES ('coverage', 'geom')`,
	}
	for _, s := range stmts {
		_, err := db.Exec(s)
		require.NoError(t, err)
	}

	wkt := fmt.Sprintf("POLYGON((%[1]f %[2]f,%[3]f %[2]f,%[3]f %[4]f,%[1]f %[4]f,%[1]f %[2]f))",
		lon-0.01, lat-0.01, lon+0.01, lat+0.01)
	g, err := geom.UnmarshalWKT(wkt)
	require.NoError(t, err)
	blob := append([]byte{'G', 'P', 0, 0x01, 0xE6, 0x10, 0x00, 0x00}, g.AsBinary()...)

	_, err = db.Exec(`INSERT INTO coverage (geom, provider, technology) VALUES (?, ?, 50)`, blob, provider)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	data, err := os.ReadFile(gpkgPath)
	require.NoError(t, err)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	fw, err := zw.Create("coverage.gpkg")
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func newTestRunner(t *testing.T, handler http.Handler) *Runner {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return &Runner{
		Client: bdc.NewClient(bdc.Options{
			BaseURL: srv.URL,
			Retry:   resilience.RetryConfig{MaxAttempts: 1},
		}),
		Limiter:      bdc.NewRateLimiter(60000),
		TempDir:      t.TempDir(),
		MaxWorkers:   2,
		MergeTimeout: time.Minute,
		Category:     "State",
	}
}

func catalogHandler(t *testing.T, goodArchive []byte) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /map/downloads/listAvailabilityData/2024-06-30", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[
			{"file_id":1,"file_name":"bdc_06_fiber.zip","record_count":5000,"technology_code":50,"provider_name":"ExampleNet"},
			{"file_id":2,"file_name":"bdc_06_cable.zip","record_count":2000,"technology_code":40,"provider_name":"OtherCo"}
		]}`))
	})
	mux.HandleFunc("GET /map/downloads/downloadFile/availability/{id}/2", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") == "2" {
			http.Error(w, "gone", http.StatusNotFound)
			return
		}
		w.Write(goodArchive)
	})
	return mux
}

func TestRunner_Run(t *testing.T) {
	goodArchive := buildGPKGArchive(t, -95, 30, "ExampleNet")

	var stages []string
	runner := newTestRunner(t, catalogHandler(t, goodArchive))
	runner.Progress = func(stage string, done, total int) {
		stages = append(stages, stage)
	}

	aoi := clip.AOI{Lat: 30, Lon: -95, RadiusMiles: 5}
	report, err := runner.Run(context.Background(), aoi, "2024-06-30", "06")
	require.NoError(t, err)

	require.Len(t, report.Selected, 2)
	require.Len(t, report.Downloads, 2)
	assert.True(t, report.Downloads[0].OK)
	assert.False(t, report.Downloads[1].OK)
	require.Len(t, report.Extracted, 1)

	// Only the extracted dataset reaches the merge; its polygon overlaps the AOI.
	assert.Equal(t, 1, report.Stats.Attempted)
	assert.Equal(t, 1, report.Stats.Succeeded)
	assert.Equal(t, 0, report.Stats.Failed)
	require.Len(t, report.Collection.Features, 1)
	assert.Equal(t, "ExampleNet", report.Collection.Features[0].Properties["provider"])
	assert.Equal(t, int64(1), report.Collection.Features[0].Properties["file_id"])

	joined := strings.Join(stages, ",")
	assert.Contains(t, joined, "download")
	assert.Contains(t, joined, "extract")
	assert.Contains(t, joined, "merge")
}

func TestRunner_Run_WithCache(t *testing.T) {
	goodArchive := buildGPKGArchive(t, -95, 30, "ExampleNet")

	runner := newTestRunner(t, catalogHandler(t, goodArchive))
	store, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer store.Close() //nolint:errcheck
	runner.Cache = store

	aoi := clip.AOI{Lat: 30, Lon: -95, RadiusMiles: 5}

	first, err := runner.Run(context.Background(), aoi, "2024-06-30", "06")
	require.NoError(t, err)
	second, err := runner.Run(context.Background(), aoi, "2024-06-30", "06")
	require.NoError(t, err)

	assert.Equal(t, first.Stats, second.Stats)
	require.Len(t, second.Collection.Features, 1)
}

func TestRunner_Run_EmptyCatalog(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /map/downloads/listAvailabilityData/2024-06-30", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[]}`))
	})
	runner := newTestRunner(t, mux)

	_, err := runner.Run(context.Background(), clip.AOI{Lat: 30, Lon: -95, RadiusMiles: 5}, "2024-06-30", "06")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no usable files")
}

func TestRunner_Run_CatalogUnreachable(t *testing.T) {
	runner := newTestRunner(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := runner.Run(context.Background(), clip.AOI{Lat: 30, Lon: -95, RadiusMiles: 5}, "2024-06-30", "06")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query catalog")
}

func TestRunner_Run_NoGeometryContainers(t *testing.T) {
	// An archive holding no .gpkg or .shp members.
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	fw, err := zw.Create("readme.txt")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("nothing spatial here")) //nolint:errcheck
	require.NoError(t, zw.Close())

	runner := newTestRunner(t, catalogHandler(t, buf.Bytes()))

	_, err = runner.Run(context.Background(), clip.AOI{Lat: 30, Lon: -95, RadiusMiles: 5}, "2024-06-30", "06")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no geometry containers")
}

func TestClipRequests_PrefersGeoPackage(t *testing.T) {
	aoi := clip.AOI{Lat: 30, Lon: -95, RadiusMiles: 5}
	datasets := []archive.ExtractedDataset{
		{FileID: 1, Members: []string{"/x/a.gpkg", "/x/a.shp"}},
		{FileID: 2, Members: []string{"/y/b.shp", "/y/b.dbf"}},
		{FileID: 3, Members: []string{"/z/readme.txt"}},
	}

	reqs := clipRequests(datasets, aoi)
	require.Len(t, reqs, 2)
	assert.Equal(t, int64(1), reqs[0].DatasetID)
	assert.Equal(t, "/x/a.gpkg", reqs[0].Path)
	assert.Equal(t, "/y/b.shp", reqs[1].Path)
	assert.Equal(t, aoi, reqs[0].AOI)
}
