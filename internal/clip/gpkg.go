package clip

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/peterstace/simplefeatures/geom"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// record is one dataset row: a parsed geometry plus its non-geometry
// attributes, already coerced to primitive values.
type record struct {
	geometry geom.Geometry
	attrs    map[string]any
}

// layerData is one fully-read dataset layer.
type layerData struct {
	name    string
	columns []string
	records []record
}

// readGeoPackage reads every feature layer of a GeoPackage file. A GeoPackage
// is a SQLite database; layers are discovered through the
// gpkg_geometry_columns metadata table and geometry blobs carry a GP header
// ahead of standard WKB.
func readGeoPackage(path string) ([]layerData, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrapf(err, "clip: open geopackage %s", path)
	}
	defer db.Close() //nolint:errcheck

	rows, err := db.Query(`
		SELECT c.table_name, g.column_name
		FROM gpkg_contents c
		JOIN gpkg_geometry_columns g ON g.table_name = c.table_name
		WHERE c.data_type = 'features'
		ORDER BY c.table_name`)
	if err != nil {
		return nil, eris.Wrap(err, "clip: list geopackage layers")
	}
	defer rows.Close() //nolint:errcheck

	type layerRef struct{ table, geomCol string }
	var refs []layerRef
	for rows.Next() {
		var ref layerRef
		if err := rows.Scan(&ref.table, &ref.geomCol); err != nil {
			return nil, eris.Wrap(err, "clip: scan layer metadata")
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "clip: iterate layer metadata")
	}

	layers := make([]layerData, 0, len(refs))
	for _, ref := range refs {
		layer, err := readGPKGLayer(db, ref.table, ref.geomCol)
		if err != nil {
			return nil, err
		}
		layers = append(layers, layer)
	}
	return layers, nil
}

// readGPKGLayer reads all rows of one feature table. Rows with a NULL or
// unreadable geometry are skipped, not fatal to the layer.
func readGPKGLayer(db *sql.DB, table, geomCol string) (layerData, error) {
	layer := layerData{name: table}

	rows, err := db.Query(fmt.Sprintf(`SELECT * FROM %s`, quoteIdent(table)))
	if err != nil {
		return layer, eris.Wrapf(err, "clip: read layer %s", table)
	}
	defer rows.Close() //nolint:errcheck

	cols, err := rows.Columns()
	if err != nil {
		return layer, eris.Wrapf(err, "clip: columns of layer %s", table)
	}
	for _, c := range cols {
		if !strings.EqualFold(c, geomCol) {
			layer.columns = append(layer.columns, c)
		}
	}

	var skipped int
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return layer, eris.Wrapf(err, "clip: scan layer %s row", table)
		}

		rec := record{attrs: make(map[string]any, len(cols)-1)}
		bad := false
		for i, c := range cols {
			if strings.EqualFold(c, geomCol) {
				blob, _ := values[i].([]byte)
				g, err := parseGPKGGeometry(blob)
				if err != nil {
					bad = true
					break
				}
				rec.geometry = g
				continue
			}
			rec.attrs[c] = coerceAttr(values[i])
		}
		if bad {
			skipped++
			continue
		}
		layer.records = append(layer.records, rec)
	}
	if err := rows.Err(); err != nil {
		return layer, eris.Wrapf(err, "clip: iterate layer %s", table)
	}

	if skipped > 0 {
		zap.L().Warn("clip: skipped rows with unreadable geometry",
			zap.String("layer", table),
			zap.Int("skipped", skipped),
		)
	}
	return layer, nil
}

// gpkgEnvelopeSizes maps the GP header envelope indicator to envelope byte
// length. Indicators above 4 are invalid.
var gpkgEnvelopeSizes = [5]int{0, 32, 48, 48, 64}

// parseGPKGGeometry strips the GeoPackage binary header and parses the
// trailing WKB. Geometries are parsed without validation; invalid ones are
// repaired or dropped later, per feature.
func parseGPKGGeometry(blob []byte) (geom.Geometry, error) {
	if len(blob) < 8 || blob[0] != 'G' || blob[1] != 'P' {
		return geom.Geometry{}, eris.New("clip: not a geopackage geometry blob")
	}
	flags := blob[3]
	if flags&0x20 != 0 {
		return geom.Geometry{}, eris.New("clip: extended geopackage geometry not supported")
	}
	envIndicator := int(flags>>1) & 0x07
	if envIndicator >= len(gpkgEnvelopeSizes) {
		return geom.Geometry{}, eris.Errorf("clip: invalid envelope indicator %d", envIndicator)
	}
	headerLen := 8 + gpkgEnvelopeSizes[envIndicator]
	if len(blob) < headerLen {
		return geom.Geometry{}, eris.New("clip: truncated geopackage geometry blob")
	}
	g, err := geom.UnmarshalWKB(blob[headerLen:], geom.NoValidate{})
	if err != nil {
		return geom.Geometry{}, eris.Wrap(err, "clip: parse WKB")
	}
	return g, nil
}

// coerceAttr maps a SQL value to a JSON-portable primitive. Byte slices and
// any other non-primitive types become strings.
func coerceAttr(v any) any {
	switch val := v.(type) {
	case nil, bool, int64, float64, string:
		return val
	case []byte:
		return string(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// quoteIdent quotes a SQL identifier that originates from gpkg metadata.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
