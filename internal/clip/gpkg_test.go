package clip

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/peterstace/simplefeatures/geom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gpkgBlob wraps a geometry's WKB in a minimal GeoPackage binary header
// (little endian, no envelope, SRS 4326).
func gpkgBlob(t *testing.T, wkt string) []byte {
	t.Helper()
	g, err := geom.UnmarshalWKT(wkt)
	require.NoError(t, err)
	header := []byte{'G', 'P', 0, 0x01, 0xE6, 0x10, 0x00, 0x00}
	return append(header, g.AsBinary()...)
}

type gpkgRow struct {
	wkt        string
	provider   string
	technology int
	pct        float64
}

// writeTestGPKG builds a small GeoPackage with a single feature layer.
func writeTestGPKG(t *testing.T, rows []gpkgRow) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "coverage.gpkg")

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close() //nolint:errcheck

	stmts := []string{
		`CREATE TABLE gpkg_contents (table_name TEXT PRIMARY KEY, data_type TEXT)`,
		`CREATE TABLE gpkg_geometry_columns (table_name TEXT, column_name TEXT)`,
		`CREATE TABLE coverage (fid INTEGER PRIMARY KEY, geom BLOB, provider TEXT, technology INTEGER, pct REAL)`,
		`INSERT INTO gpkg_contents VALUES ('coverage', 'features')`,
		`INSERT INTO gpkg_geometry_columns VALUES ('coverage', 'geom')`,
	}
	for _, s := range stmts {
		_, err := db.Exec(s)
		require.NoError(t, err)
	}

	for _, row := range rows {
		_, err := db.Exec(
			`INSERT INTO coverage (geom, provider, technology, pct) VALUES (?, ?, ?, ?)`,
			gpkgBlob(t, row.wkt), row.provider, row.technology, row.pct,
		)
		require.NoError(t, err)
	}
	return path
}

func TestReadGeoPackage(t *testing.T) {
	path := writeTestGPKG(t, []gpkgRow{
		{wkt: "POLYGON((-95.01 29.99,-94.99 29.99,-94.99 30.01,-95.01 30.01,-95.01 29.99))", provider: "ExampleNet", technology: 50, pct: 0.98},
		{wkt: "POINT(-95 30)", provider: "OtherCo", technology: 40, pct: 0.5},
	})

	layers, err := readGeoPackage(path)
	require.NoError(t, err)
	require.Len(t, layers, 1)

	layer := layers[0]
	assert.Equal(t, "coverage", layer.name)
	assert.Equal(t, []string{"fid", "provider", "technology", "pct"}, layer.columns)
	require.Len(t, layer.records, 2)

	rec := layer.records[0]
	assert.Equal(t, "ExampleNet", rec.attrs["provider"])
	assert.Equal(t, int64(50), rec.attrs["technology"])
	assert.Equal(t, 0.98, rec.attrs["pct"])
	assert.False(t, rec.geometry.IsEmpty())
}

func TestReadGeoPackage_SkipsNullGeometryRows(t *testing.T) {
	path := writeTestGPKG(t, []gpkgRow{
		{wkt: "POLYGON((-95.01 29.99,-94.99 29.99,-94.99 30.01,-95.01 30.01,-95.01 29.99))", provider: "ExampleNet", technology: 50, pct: 0.9},
	})

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO coverage (geom, provider) VALUES (NULL, 'NullCo')`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO coverage (geom, provider) VALUES (x'0102', 'BadCo')`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	layers, err := readGeoPackage(path)
	require.NoError(t, err)
	require.Len(t, layers, 1)
	require.Len(t, layers[0].records, 1)
	assert.Equal(t, "ExampleNet", layers[0].records[0].attrs["provider"])
}

func TestClip_SkipsNullGeometryRows(t *testing.T) {
	path := writeTestGPKG(t, []gpkgRow{
		{wkt: "POLYGON((-95.01 29.99,-94.99 29.99,-94.99 30.01,-95.01 30.01,-95.01 29.99))", provider: "ExampleNet", technology: 50, pct: 0.9},
	})

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO coverage (geom, provider) VALUES (NULL, 'NullCo')`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	result, err := Clip(context.Background(), Request{DatasetID: 7, Path: path, AOI: AOI{Lat: 30, Lon: -95, RadiusMiles: 5}})
	require.NoError(t, err)
	assert.Equal(t, 1, result.ClippedCount)
	require.Len(t, result.Features, 1)
	assert.Equal(t, "ExampleNet", result.Features[0].Properties["provider"])
}

func TestReadGeoPackage_NoFeatureLayers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.gpkg")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE gpkg_contents (table_name TEXT PRIMARY KEY, data_type TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE gpkg_geometry_columns (table_name TEXT, column_name TEXT)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	layers, err := readGeoPackage(path)
	require.NoError(t, err)
	assert.Empty(t, layers)
}

func TestParseGPKGGeometry(t *testing.T) {
	blob := gpkgBlob(t, "POINT(-95 30)")
	g, err := parseGPKGGeometry(blob)
	require.NoError(t, err)
	assert.Equal(t, "POINT(-95 30)", g.AsText())
}

func TestParseGPKGGeometry_Invalid(t *testing.T) {
	tests := []struct {
		name string
		blob []byte
	}{
		{"too short", []byte{'G', 'P'}},
		{"bad magic", append([]byte{'X', 'X', 0, 0x01, 0, 0, 0, 0}, 1, 2, 3)},
		{"extended flag", []byte{'G', 'P', 0, 0x21, 0, 0, 0, 0, 1}},
		{"truncated envelope", []byte{'G', 'P', 0, 0x03, 0, 0, 0, 0, 1, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseGPKGGeometry(tt.blob)
			require.Error(t, err)
		})
	}
}

func TestCoerceAttr(t *testing.T) {
	assert.Nil(t, coerceAttr(nil))
	assert.Equal(t, int64(7), coerceAttr(int64(7)))
	assert.Equal(t, 1.5, coerceAttr(1.5))
	assert.Equal(t, "x", coerceAttr("x"))
	assert.Equal(t, "bytes", coerceAttr([]byte("bytes")))
	assert.Equal(t, true, coerceAttr(true))
}

func TestQuoteIdent(t *testing.T) {
	assert.Equal(t, `"coverage"`, quoteIdent("coverage"))
	assert.Equal(t, `"a""b"`, quoteIdent(`a"b`))
}
