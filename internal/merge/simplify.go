package merge

import (
	"fmt"
	"sort"

	"github.com/peterstace/simplefeatures/geom"
	"go.uber.org/zap"

	"github.com/sells-group/coverage-cli/internal/clip"
)

// SimplifyByTechnology collapses a merged collection into one aggregated
// feature per technology code: features sharing a technology are unioned,
// clipped back to the AOI circle, and the result simplified with the given
// tolerance (in degrees). Rendering-size reduction only; the full collection
// is the source of truth. Any failure leaves the input collection untouched.
func SimplifyByTechnology(fc *clip.FeatureCollection, aoi clip.AOI, tolerance float64) *clip.FeatureCollection {
	if fc == nil || len(fc.Features) == 0 {
		return fc
	}

	grouped := make(map[string][]geom.Geometry)
	for _, f := range fc.Features {
		if f.Geometry.IsEmpty() {
			continue
		}
		grouped[techKey(f.Properties)] = append(grouped[techKey(f.Properties)], f.Geometry)
	}

	keys := make([]string, 0, len(grouped))
	for k := range grouped {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	area := aoi.Buffer()

	out := &clip.FeatureCollection{}
	for _, key := range keys {
		merged, err := geom.UnionMany(grouped[key])
		if err != nil {
			zap.L().Warn("simplify: union failed, keeping full collection",
				zap.String("technology", key),
				zap.Error(err),
			)
			return fc
		}
		merged, err = geom.Intersection(merged, area)
		if err != nil {
			zap.L().Warn("simplify: clip to area failed, keeping full collection",
				zap.String("technology", key),
				zap.Error(err),
			)
			return fc
		}
		if merged.IsEmpty() {
			continue
		}
		if tolerance > 0 {
			simplified, err := merged.Simplify(tolerance, geom.NoValidate{})
			if err == nil && !simplified.IsEmpty() {
				merged = simplified
			}
		}
		out.Features = append(out.Features, clip.Feature{
			Properties: map[string]any{
				"technology": key,
				"aggregated": true,
			},
			Geometry: merged,
		})
	}
	return out
}

// techKey extracts the technology attribute in either of the forms the
// upstream datasets use.
func techKey(props map[string]any) string {
	for _, name := range []string{"technology", "technology_code"} {
		if v, ok := props[name]; ok && v != nil {
			return fmt.Sprintf("%v", v)
		}
	}
	return "0"
}
