package warp

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-spatial/geom"
	"github.com/terrascope/geometry"
	"github.com/terrascope/proj4go"
)

const (
	webMercatorProj4 = "+proj=merc +a=6378137 +b=6378137 +lat_ts=0.0 +lon_0=0.0 +x_0=0.0 +y_0=0 +k=1.0 +units=m +nadgrids=@null +wktext  +no_defs"
	geographicProj4  = "+proj=longlat +ellps=WGS84 +datum=WGS84 +no_defs"
)

// SRS is a resolved spatial reference: the proj4 definition driving the
// projection engine plus the EPSG code when one is known. Raw proj4 input
// has no code.
type SRS struct {
	EPSG  uint
	Proj4 string
}

// ParseSRS resolves an srs argument: an "EPSG:nnnn" authority string, the
// well-worn "EPSG:900913" alias, or a raw "+proj=..." definition passed
// through untouched.
func ParseSRS(srs string) (SRS, error) {
	srs = strings.TrimSpace(srs)
	if strings.HasPrefix(srs, "+") {
		return SRS{Proj4: srs}, nil
	}
	code, err := strconv.ParseUint(strings.TrimPrefix(strings.ToUpper(srs), "EPSG:"), 10, 32)
	if err != nil {
		return SRS{}, fmt.Errorf("%w: %q", ErrUnsupportedSRS, srs)
	}
	return SRSForEPSG(uint(code))
}

// SRSForEPSG resolves an EPSG code against the built-in registry: the two
// global systems this tool tiles in, plus the WGS84 UTM zones its source
// masks come in.
func SRSForEPSG(code uint) (SRS, error) {
	switch {
	case code == 4326:
		return SRS{EPSG: 4326, Proj4: geographicProj4}, nil
	case code == 3857 || code == 900913:
		return SRS{EPSG: 3857, Proj4: webMercatorProj4}, nil
	case code >= 32601 && code <= 32660:
		return SRS{EPSG: code, Proj4: utmProj4(code-32600, false)}, nil
	case code >= 32701 && code <= 32760:
		return SRS{EPSG: code, Proj4: utmProj4(code-32700, true)}, nil
	default:
		return SRS{}, fmt.Errorf("%w: EPSG:%d", ErrUnsupportedSRS, code)
	}
}

func utmProj4(zone uint, south bool) string {
	hemisphere := ""
	if south {
		hemisphere = " +south"
	}
	return fmt.Sprintf("+proj=utm +zone=%d%s +datum=WGS84 +units=m +no_defs", zone, hemisphere)
}

// TransformBounds projects the corners of bounds from one system to another
// and returns the enclosing box. Good enough for the diagnostics and skip
// checks it serves; the warp itself projects per pixel.
func TransformBounds(bounds geom.Extent, from, to SRS) (geom.Extent, error) {
	coverage := proj4go.Coverage{
		BoundingBox: geometry.BBox(bounds.MinX(), bounds.MinY(), bounds.MaxX(), bounds.MaxY()),
		Proj4:       from.Proj4,
	}
	transformed, err := coverage.Transform(to.Proj4)
	if err != nil {
		return geom.Extent{}, fmt.Errorf("%w: %v", ErrReprojection, err)
	}
	box := transformed.BoundingBox
	return geom.Extent{box.Min.X, box.Min.Y, box.Max.X, box.Max.Y}, nil
}
