package clip

import (
	"path/filepath"
	"strings"

	shp "github.com/jonas-p/go-shp"
	"github.com/peterstace/simplefeatures/geom"
	"github.com/rotisserie/eris"
	twgeom "github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/wkb"
	"go.uber.org/zap"
)

// readShapefile reads a shapefile as a single layer. Shapes are bridged
// through go-geom's WKB encoder into the geometry engine; records whose shape
// cannot be converted are skipped, not fatal.
func readShapefile(path string) ([]layerData, error) {
	reader, err := shp.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "clip: open shapefile %s", path)
	}
	defer func() { _ = reader.Close() }()

	layer := layerData{name: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))}

	fields := reader.Fields()
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = strings.TrimRight(f.String(), "\x00")
	}
	layer.columns = append(layer.columns, names...)

	var skipped int
	for reader.Next() {
		_, shape := reader.Shape()

		g, err := shapeGeometry(shape)
		if err != nil || g.IsEmpty() {
			skipped++
			continue
		}

		rec := record{geometry: g, attrs: make(map[string]any, len(names))}
		for i, name := range names {
			val := strings.TrimSpace(strings.TrimRight(reader.Attribute(i), "\x00"))
			if val == "" {
				rec.attrs[name] = nil
			} else {
				rec.attrs[name] = val
			}
		}
		layer.records = append(layer.records, rec)
	}

	if skipped > 0 {
		zap.L().Debug("clip: skipped shapefile records",
			zap.String("path", path),
			zap.Int("skipped", skipped),
		)
	}
	return []layerData{layer}, nil
}

// shapeGeometry converts a go-shp shape to an engine geometry via WKB.
func shapeGeometry(shape shp.Shape) (geom.Geometry, error) {
	var g twgeom.T

	switch s := shape.(type) {
	case *shp.Point:
		g = twgeom.NewPointFlat(twgeom.XY, []float64{s.X, s.Y})
	case *shp.PolyLine:
		g = polyLineGeom(s)
	case *shp.Polygon:
		g = polygonGeom(s)
	default:
		return geom.Geometry{}, nil
	}
	if g == nil {
		return geom.Geometry{}, nil
	}

	data, err := wkb.Marshal(g, wkb.NDR)
	if err != nil {
		return geom.Geometry{}, eris.Wrap(err, "clip: encode shape WKB")
	}
	parsed, err := geom.UnmarshalWKB(data, geom.NoValidate{})
	if err != nil {
		return geom.Geometry{}, eris.Wrap(err, "clip: parse shape WKB")
	}
	return parsed, nil
}

// polyLineGeom converts a shapefile PolyLine to a go-geom MultiLineString.
func polyLineGeom(pl *shp.PolyLine) twgeom.T {
	if pl == nil || pl.NumParts == 0 || len(pl.Points) == 0 {
		return nil
	}

	mls := twgeom.NewMultiLineString(twgeom.XY)
	for i := int32(0); i < pl.NumParts; i++ {
		ls := twgeom.NewLineStringFlat(twgeom.XY, partCoords(pl.Points, pl.Parts, i, pl.NumParts))
		if err := mls.Push(ls); err != nil {
			continue
		}
	}
	if mls.NumLineStrings() == 0 {
		return nil
	}
	return mls
}

// polygonGeom converts a shapefile Polygon to a go-geom MultiPolygon.
func polygonGeom(p *shp.Polygon) twgeom.T {
	if p == nil || p.NumParts == 0 || len(p.Points) == 0 {
		return nil
	}

	mp := twgeom.NewMultiPolygon(twgeom.XY)
	for i := int32(0); i < p.NumParts; i++ {
		ring := twgeom.NewLinearRingFlat(twgeom.XY, partCoords(p.Points, p.Parts, i, p.NumParts))
		poly := twgeom.NewPolygon(twgeom.XY)
		if err := poly.Push(ring); err != nil {
			continue
		}
		if err := mp.Push(poly); err != nil {
			continue
		}
	}
	if mp.NumPolygons() == 0 {
		return nil
	}
	return mp
}

// partCoords extracts the flat coordinates of one shapefile part.
func partCoords(points []shp.Point, parts []int32, i, numParts int32) []float64 {
	start := parts[i]
	end := int32(len(points))
	if i+1 < numParts {
		end = parts[i+1]
	}
	flat := make([]float64, 0, (end-start)*2)
	for j := start; j < end; j++ {
		flat = append(flat, points[j].X, points[j].Y)
	}
	return flat
}
