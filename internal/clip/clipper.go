package clip

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/peterstace/simplefeatures/geom"
	"github.com/peterstace/simplefeatures/rtree"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Clipper computes clip results for dataset files. Func is the signature the
// merge coordinator consumes, so caches and test fakes can stand in for the
// real implementation.
type Func func(ctx context.Context, req Request) (*Result, error)

// Clip loads one dataset, clips every layer against the AOI buffer, and
// returns clipped features with per-layer counts. An empty dataset or one
// with no intersecting features is a success with zero clipped features,
// not an error.
func Clip(ctx context.Context, req Request) (*Result, error) {
	log := zap.L().With(
		zap.String("component", "clip"),
		zap.Int64("dataset_id", req.DatasetID),
	)

	area, bbox := buildAOI(req.AOI)

	layers, err := readDataset(req.Path)
	if err != nil {
		return nil, err
	}

	result := &Result{DatasetID: req.DatasetID}
	for _, layer := range layers {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "clip: cancelled")
		}
		stat, features := clipLayer(layer, area, bbox, log)
		result.Layers = append(result.Layers, stat)
		result.OriginalCount += stat.FeatureCount
		result.ClippedCount += stat.ClippedCount
		result.Features = append(result.Features, features...)
	}

	log.Debug("dataset clipped",
		zap.Int("original", result.OriginalCount),
		zap.Int("clipped", result.ClippedCount),
		zap.Int("layers", len(result.Layers)),
	)
	return result, nil
}

// readDataset dispatches on the dataset file extension.
func readDataset(path string) ([]layerData, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gpkg":
		return readGeoPackage(path)
	case ".shp":
		return readShapefile(path)
	default:
		return nil, eris.Errorf("clip: unsupported dataset format %q", filepath.Ext(path))
	}
}

// clipLayer clips one layer. Geometries are shortlisted by bounding box via an
// r-tree before exact intersection tests, then intersected in mercator space.
// Individually broken geometries are repaired when possible and otherwise
// dropped without failing the layer.
func clipLayer(layer layerData, area geom.Geometry, bbox geom.Envelope, log *zap.Logger) (LayerStat, []Feature) {
	stat := LayerStat{
		Layer:        layer.name,
		FeatureCount: len(layer.records),
		Columns:      layer.columns,
	}
	if len(layer.records) == 0 {
		return stat, nil
	}

	candidates := shortlist(layer.records, bbox)

	var features []Feature
	var dropped int
	for _, idx := range candidates {
		rec := layer.records[idx]

		clipped, ok := clipGeometry(rec.geometry, area)
		if !ok {
			dropped++
			continue
		}
		if clipped.IsEmpty() {
			continue
		}

		features = append(features, Feature{
			Properties: rec.attrs,
			Geometry:   clipped.TransformXY(toGeographic),
		})
	}

	if dropped > 0 {
		log.Warn("dropped unrepairable geometries",
			zap.String("layer", layer.name),
			zap.Int("dropped", dropped),
		)
	}

	stat.ClippedCount = len(features)
	return stat, features
}

// shortlist returns indexes of records whose bounding box intersects the AOI
// bounding box, avoiding exact intersection tests on the full layer.
func shortlist(records []record, bbox geom.Envelope) []int {
	items := make([]rtree.BulkItem, 0, len(records))
	for i, rec := range records {
		box, ok := envelopeBox(rec.geometry.Envelope())
		if !ok {
			continue
		}
		items = append(items, rtree.BulkItem{Box: box, RecordID: i})
	}
	tree := rtree.BulkLoad(items)

	searchBox, ok := envelopeBox(bbox)
	if !ok {
		return nil
	}

	var candidates []int
	tree.RangeSearch(searchBox, func(recordID int) error {
		candidates = append(candidates, recordID)
		return nil
	})
	return candidates
}

// envelopeBox converts a geometry envelope to an r-tree box. Empty envelopes
// (empty geometries) have no box.
func envelopeBox(env geom.Envelope) (rtree.Box, bool) {
	lo, hi, ok := env.MinMaxXYs()
	if !ok {
		return rtree.Box{}, false
	}
	return rtree.Box{MinX: lo.X, MinY: lo.Y, MaxX: hi.X, MaxY: hi.Y}, true
}

// clipGeometry projects a geometry to mercator and intersects it with the AOI
// buffer. Invalid geometries get one repair attempt; ok=false means the
// feature should be dropped.
func clipGeometry(g geom.Geometry, area geom.Geometry) (geom.Geometry, bool) {
	planar := g.TransformXY(toMercator)

	if err := planar.Validate(); err != nil {
		repaired, rerr := repairGeometry(planar)
		if rerr != nil {
			return geom.Geometry{}, false
		}
		planar = repaired
	}

	if !geom.Intersects(planar, area) {
		return geom.Geometry{}, true
	}

	clipped, err := geom.Intersection(planar, area)
	if err != nil {
		planar, rerr := repairGeometry(planar)
		if rerr != nil {
			return geom.Geometry{}, false
		}
		clipped, err = geom.Intersection(planar, area)
		if err != nil {
			return geom.Geometry{}, false
		}
	}
	return clipped, true
}

// repairGeometry rebuilds a geometry's topology by unioning it with an empty
// geometry, the planar analogue of zero-width buffering.
func repairGeometry(g geom.Geometry) (geom.Geometry, error) {
	repaired, err := geom.Union(g, geom.Geometry{})
	if err != nil {
		return geom.Geometry{}, eris.Wrap(err, "clip: repair geometry")
	}
	return repaired, nil
}
