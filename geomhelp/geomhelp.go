// Package geomhelp formats geometries for log output.
package geomhelp

import (
	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/encoding/wkt"
	"github.com/muesli/reflow/truncate"
)

// ExtentToPolygon returns the extent's footprint as a single closed ring,
// counterclockwise from the lower left corner.
func ExtentToPolygon(e geom.Extent) geom.Polygon {
	return geom.Polygon{{
		{e.MinX(), e.MinY()},
		{e.MaxX(), e.MinY()},
		{e.MaxX(), e.MaxY()},
		{e.MinX(), e.MaxY()},
	}}
}

// WktExtent encodes an extent as a WKT polygon, truncated to width
// characters for log lines. Width 0 disables truncation.
func WktExtent(e geom.Extent, width uint) string {
	return WktMustEncode(ExtentToPolygon(e), width)
}

func WktMustEncode(g geom.Geometry, width uint) string {
	if width == 0 {
		return wkt.MustEncode(g)
	}
	return truncate.StringWithTail(wkt.MustEncode(g), width, "...")
}
