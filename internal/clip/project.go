package clip

import (
	"math"

	"github.com/peterstace/simplefeatures/geom"
)

// Web mercator (EPSG:3857) spherical formulas. Distances and buffers are
// computed in this planar CRS so the radius is metric rather than in degrees.
const (
	earthRadiusMeters = 6378137.0
	metersPerMile     = 1609.34
)

// toMercator projects a geographic lon/lat coordinate to web mercator meters.
func toMercator(xy geom.XY) geom.XY {
	x := earthRadiusMeters * xy.X * math.Pi / 180
	y := earthRadiusMeters * math.Log(math.Tan(math.Pi/4+xy.Y*math.Pi/360))
	return geom.XY{X: x, Y: y}
}

// toGeographic is the inverse of toMercator.
func toGeographic(xy geom.XY) geom.XY {
	lon := xy.X / earthRadiusMeters * 180 / math.Pi
	lat := (2*math.Atan(math.Exp(xy.Y/earthRadiusMeters)) - math.Pi/2) * 180 / math.Pi
	return geom.XY{X: lon, Y: lat}
}

// circleSegments controls how finely the AOI buffer approximates a circle.
const circleSegments = 64

// searchArea builds the AOI buffer as a regular polygon of radiusMeters around
// the projected center, in mercator coordinates.
func searchArea(centerMercator geom.XY, radiusMeters float64) geom.Geometry {
	coords := make([]float64, 0, (circleSegments+1)*2)
	for i := 0; i <= circleSegments; i++ {
		theta := 2 * math.Pi * float64(i%circleSegments) / circleSegments
		coords = append(coords,
			centerMercator.X+radiusMeters*math.Cos(theta),
			centerMercator.Y+radiusMeters*math.Sin(theta),
		)
	}
	ring := geom.NewLineString(geom.NewSequence(coords, geom.DimXY))
	return geom.NewPolygon([]geom.LineString{ring}).AsGeometry()
}

// buildAOI returns the AOI buffer in mercator space together with its
// geographic bounding box for spatial-index prefiltering.
func buildAOI(aoi AOI) (geom.Geometry, geom.Envelope) {
	center := toMercator(geom.XY{X: aoi.Lon, Y: aoi.Lat})
	area := searchArea(center, aoi.RadiusMiles*metersPerMile)
	return area, area.TransformXY(toGeographic).Envelope()
}

// Buffer returns the AOI circle as a geographic polygon.
func (a AOI) Buffer() geom.Geometry {
	center := toMercator(geom.XY{X: a.Lon, Y: a.Lat})
	return searchArea(center, a.RadiusMiles*metersPerMile).TransformXY(toGeographic)
}
