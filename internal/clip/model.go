// Package clip loads geometry datasets and intersects their features against
// a circular area of interest, producing GeoJSON features with per-layer
// statistics.
package clip

import (
	"encoding/json"

	"github.com/peterstace/simplefeatures/geom"
)

// AOI is the circular area of interest: a geographic center plus a radius.
type AOI struct {
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	RadiusMiles float64 `json:"radius_miles"`
}

// Request identifies one dataset file to clip against an AOI.
type Request struct {
	DatasetID int64  `json:"dataset_id"`
	Path      string `json:"path"`
	AOI       AOI    `json:"aoi"`
}

// LayerStat reports per-layer clipping counts.
type LayerStat struct {
	Layer        string   `json:"layer"`
	FeatureCount int      `json:"feature_count"`
	ClippedCount int      `json:"clipped_count"`
	Columns      []string `json:"columns,omitempty"`
}

// Result is the output of clipping one dataset.
type Result struct {
	DatasetID     int64       `json:"dataset_id"`
	OriginalCount int         `json:"original_count"`
	ClippedCount  int         `json:"clipped_count"`
	Features      []Feature   `json:"features"`
	Layers        []LayerStat `json:"layers"`
	Cached        bool        `json:"cached"`
}

// Feature is one clipped GeoJSON feature. Geometry coordinates are geographic
// (lon/lat); properties hold only primitive values.
type Feature struct {
	Properties map[string]any
	Geometry   geom.Geometry
}

type featureJSON struct {
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
	Geometry   geom.Geometry  `json:"geometry"`
}

// MarshalJSON encodes the feature as GeoJSON.
func (f Feature) MarshalJSON() ([]byte, error) {
	props := f.Properties
	if props == nil {
		props = map[string]any{}
	}
	return json.Marshal(featureJSON{Type: "Feature", Properties: props, Geometry: f.Geometry})
}

// UnmarshalJSON decodes a GeoJSON feature.
func (f *Feature) UnmarshalJSON(data []byte) error {
	var raw featureJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	f.Properties = raw.Properties
	f.Geometry = raw.Geometry
	return nil
}

// FeatureCollection is a GeoJSON feature collection.
type FeatureCollection struct {
	Features []Feature
}

// MarshalJSON encodes the collection as GeoJSON. Features is always an array,
// never null, so empty merges render as a valid empty collection.
func (fc FeatureCollection) MarshalJSON() ([]byte, error) {
	features := fc.Features
	if features == nil {
		features = []Feature{}
	}
	return json.Marshal(struct {
		Type     string    `json:"type"`
		Features []Feature `json:"features"`
	}{"FeatureCollection", features})
}

// UnmarshalJSON decodes a GeoJSON feature collection.
func (fc *FeatureCollection) UnmarshalJSON(data []byte) error {
	var raw struct {
		Features []Feature `json:"features"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	fc.Features = raw.Features
	return nil
}
