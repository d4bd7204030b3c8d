// Package tilegrid resolves geographic bounding boxes to the ranges of map
// tiles that cover them, for quadtree tiling schemes such as the Google Maps
// compatible and TMS compatible global grids. Schemes are embedded JSON
// profiles; the forward and inverse slippy-map transforms are implemented
// here, everything heavier (datum transforms, warping) belongs elsewhere.
package tilegrid

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/slippy"
	"github.com/perimeterx/marshmallow"

	"github.com/pdok/tilemask/mathhelp"
)

var (
	//go:embed schemes/*.json
	embeddedSchemesFS    embed.FS
	embeddedSchemesCache = make(map[string]*Scheme)

	validate = validator.New(validator.WithRequiredStructEnabled())
)

var (
	ErrInvalidBounds = errors.New("invalid bounding box")
	ErrInvalidZoom   = errors.New("invalid zoom level")
	ErrUnknownScheme = errors.New("unknown tiling scheme")
)

// CornerOfOrigin selects the tile row orientation of a scheme. Internally
// all rows are counted from the top-left corner (XYZ); a bottomLeft scheme
// only flips the row index in externally visible paths and indices.
type CornerOfOrigin string

const (
	TopLeft    CornerOfOrigin = "topLeft"
	BottomLeft CornerOfOrigin = "bottomLeft"
)

// Scheme is a quadtree tiling profile: 2^zoom x 2^zoom tiles over a fixed
// native extent. Loaded from an embedded JSON profile.
type Scheme struct {
	ID             string         `validate:"required" json:"id"`
	Title          string         `json:"title,omitempty"`
	CRS            string         `validate:"required,startswith=EPSG:" json:"crs"`
	CornerOfOrigin CornerOfOrigin `default:"topLeft" validate:"oneof=topLeft bottomLeft" json:"cornerOfOrigin,omitempty"`
	TileSize       int            `default:"256" validate:"gt=0" json:"tileSize,omitempty"`
	MinZoom        int            `validate:"gte=0" json:"minZoom"`
	MaxZoom        int            `validate:"required,gtefield=MinZoom,lte=30" json:"maxZoom"`
	// Extent is the native (projected) extent covered by the scheme,
	// GeographicExtent the same in lon/lat. Both are parsed as specials.
	Extent           geom.Extent `json:"-"`
	GeographicExtent geom.Extent `json:"-"`
}

func (s *Scheme) UnmarshalJSON(data []byte) error {
	err := defaults.Set(s)
	if err != nil {
		return err
	}

	specials, err := marshmallow.Unmarshal(data, s, marshmallow.WithExcludeKnownFieldsFromMap(true))
	if err != nil {
		return err
	}

	s.Extent, err = unmarshalExtent(specials, "extent")
	if err != nil {
		return err
	}
	s.GeographicExtent, err = unmarshalExtent(specials, "geographicExtent")
	if err != nil {
		return err
	}

	return validate.Struct(s)
}

func unmarshalExtent(specials map[string]interface{}, key string) (geom.Extent, error) {
	var extent geom.Extent
	raw, ok := specials[key]
	if !ok {
		return extent, fmt.Errorf("missing key %q", key)
	}
	list, ok := raw.([]interface{})
	if !ok || len(list) != 4 {
		return extent, fmt.Errorf("%q should be an array of 4 numbers", key)
	}
	for i, rawOrd := range list {
		ord, ok := rawOrd.(float64)
		if !ok {
			return extent, fmt.Errorf("%q should contain numbers only, got %T", key, rawOrd)
		}
		extent[i] = ord
	}
	if extent.MinX() >= extent.MaxX() || extent.MinY() >= extent.MaxY() {
		return extent, fmt.Errorf("%q should span a nonempty area", key)
	}
	return extent, nil
}

// LoadScheme returns the embedded scheme with the given id.
func LoadScheme(id string) (Scheme, error) {
	if cached, ok := embeddedSchemesCache[id]; ok {
		return *cached, nil
	}
	data, err := embeddedSchemesFS.ReadFile("schemes/" + id + ".json")
	if err != nil {
		return Scheme{}, fmt.Errorf("%w: %q", ErrUnknownScheme, id)
	}
	var s Scheme
	if err = json.Unmarshal(data, &s); err != nil {
		return Scheme{}, fmt.Errorf("tiling scheme %q: %w", id, err)
	}
	embeddedSchemesCache[id] = &s
	return s, nil
}

// SchemeIDs lists the embedded scheme ids in alphabetical order.
func SchemeIDs() []string {
	entries, err := embeddedSchemesFS.ReadDir("schemes")
	if err != nil {
		return nil
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, strings.TrimSuffix(entry.Name(), ".json"))
	}
	sort.Strings(ids)
	return ids
}

// SRID returns the numeric EPSG code of the scheme's CRS.
func (s *Scheme) SRID() uint {
	code, err := strconv.ParseUint(strings.TrimPrefix(s.CRS, "EPSG:"), 10, 32)
	if err != nil {
		panic(fmt.Errorf("scheme %s has a non-numeric crs authority code: %w", s.ID, err))
	}
	return uint(code)
}

// CheckZoom validates a zoom against the scheme's range.
func (s *Scheme) CheckZoom(zoom int) error {
	if !mathhelp.BetweenInc(int64(zoom), int64(s.MinZoom), int64(s.MaxZoom)) {
		return fmt.Errorf("%w: %d is outside [%d, %d] of scheme %s", ErrInvalidZoom, zoom, s.MinZoom, s.MaxZoom, s.ID)
	}
	return nil
}

// CheckBounds validates a (west, south, east, north) box. A degenerate box
// (a point or a line) is allowed, it still covers at least one tile.
func CheckBounds(bounds geom.Extent) error {
	for _, ord := range bounds {
		if math.IsNaN(ord) || math.IsInf(ord, 0) {
			return fmt.Errorf("%w: ordinates must be finite, got %v", ErrInvalidBounds, bounds)
		}
	}
	if bounds.MinX() > bounds.MaxX() {
		return fmt.Errorf("%w: west %v exceeds east %v", ErrInvalidBounds, bounds.MinX(), bounds.MaxX())
	}
	if bounds.MinY() > bounds.MaxY() {
		return fmt.Errorf("%w: south %v exceeds north %v", ErrInvalidBounds, bounds.MinY(), bounds.MaxY())
	}
	return nil
}

func (s *Scheme) matrixSize(zoom int) uint {
	return mathhelp.Pow2(uint(zoom))
}

// CellSize returns the size of one pixel in native units at the given zoom.
func (s *Scheme) CellSize(zoom int) float64 {
	return (s.Extent.MaxX() - s.Extent.MinX()) / float64(s.TileSize) / float64(s.matrixSize(zoom))
}

// Resolve returns the minimal range of tiles whose union covers bbox
// (west, south, east, north in degrees) at the given zoom. The box is
// clamped to the scheme's geographic extent, the result to [0, 2^zoom).
func (s *Scheme) Resolve(bbox geom.Extent, zoom int) (Range, error) {
	if err := s.CheckZoom(zoom); err != nil {
		return Range{}, err
	}
	if err := CheckBounds(bbox); err != nil {
		return Range{}, err
	}
	clamped := clampToExtent(bbox, s.GeographicExtent)
	size := s.matrixSize(zoom)
	return rangeFromContinuous(zoom, size,
		colFraction(clamped.MinX(), size),
		colFraction(clamped.MaxX(), size),
		rowFraction(clamped.MaxY(), size),
		rowFraction(clamped.MinY(), size)), nil
}

// ResolveNative is Resolve for bounds already in the scheme's native CRS.
func (s *Scheme) ResolveNative(bounds geom.Extent, zoom int) (Range, error) {
	if err := s.CheckZoom(zoom); err != nil {
		return Range{}, err
	}
	if err := CheckBounds(bounds); err != nil {
		return Range{}, err
	}
	clamped := clampToExtent(bounds, s.Extent)
	size := s.matrixSize(zoom)
	tileSpanX := (s.Extent.MaxX() - s.Extent.MinX()) / float64(size)
	tileSpanY := (s.Extent.MaxY() - s.Extent.MinY()) / float64(size)
	return rangeFromContinuous(zoom, size,
		(clamped.MinX()-s.Extent.MinX())/tileSpanX,
		(clamped.MaxX()-s.Extent.MinX())/tileSpanX,
		(s.Extent.MaxY()-clamped.MaxY())/tileSpanY,
		(s.Extent.MaxY()-clamped.MinY())/tileSpanY), nil
}

// colFraction maps a longitude to a continuous column coordinate.
func colFraction(lon float64, size uint) float64 {
	return (lon + 180) / 360 * float64(size)
}

// rowFraction maps a latitude to a continuous row coordinate, row 0 at the
// north edge.
func rowFraction(lat float64, size uint) float64 {
	latRad := lat * math.Pi / 180
	return (1 - math.Log(math.Tan(latRad)+1/math.Cos(latRad))/math.Pi) / 2 * float64(size)
}

func rangeFromContinuous(zoom int, size uint, colMinF, colMaxF, rowMinF, rowMaxF float64) Range {
	minCol := firstCovered(colMinF, size)
	minRow := firstCovered(rowMinF, size)
	return Range{
		Zoom:   zoom,
		MinCol: minCol,
		MaxCol: lastCovered(colMaxF, minCol, size),
		MinRow: minRow,
		MaxRow: lastCovered(rowMaxF, minRow, size),
	}
}

func firstCovered(f float64, size uint) uint {
	return uint(mathhelp.Clamp(int(math.Floor(f)), 0, int(size)-1))
}

// lastCovered applies the half-open interval semantics: tile [n, n+1)
// covers coordinate n but not n+1, so a box edge exactly on a tile boundary
// does not pull in the tile on its far side. The range never shrinks below
// the first tile.
func lastCovered(f float64, first, size uint) uint {
	last := math.Floor(f)
	if last == f && last > float64(first) {
		last--
	}
	return uint(mathhelp.Clamp(int(last), int(first), int(size)-1))
}

func clampToExtent(bounds, limit geom.Extent) geom.Extent {
	return geom.Extent{
		mathhelp.Clamp(bounds.MinX(), limit.MinX(), limit.MaxX()),
		mathhelp.Clamp(bounds.MinY(), limit.MinY(), limit.MaxY()),
		mathhelp.Clamp(bounds.MaxX(), limit.MinX(), limit.MaxX()),
		mathhelp.Clamp(bounds.MaxY(), limit.MinY(), limit.MaxY()),
	}
}

// Range is a contiguous rectangle of tiles at one zoom, all bounds
// inclusive. Rows are in top-left-origin orientation regardless of the
// scheme's CornerOfOrigin, see FlipRow.
type Range struct {
	Zoom   int
	MinCol uint
	MaxCol uint
	MinRow uint
	MaxRow uint
}

func (r Range) Count() int {
	return int(r.MaxCol-r.MinCol+1) * int(r.MaxRow-r.MinRow+1)
}

// Tiles materializes the range in row-major order.
func (r Range) Tiles() []*slippy.Tile {
	tiles := make([]*slippy.Tile, 0, r.Count())
	for row := r.MinRow; row <= r.MaxRow; row++ {
		for col := r.MinCol; col <= r.MaxCol; col++ {
			tiles = append(tiles, slippy.NewTile(uint(r.Zoom), col, row))
		}
	}
	return tiles
}

func (r Range) Contains(t *slippy.Tile) bool {
	return int(t.Z) == r.Zoom &&
		t.X >= r.MinCol && t.X <= r.MaxCol &&
		t.Y >= r.MinRow && t.Y <= r.MaxRow
}

// ContainsRange reports whether o lies fully inside r.
func (r Range) ContainsRange(o Range) bool {
	return r.Zoom == o.Zoom &&
		o.MinCol >= r.MinCol && o.MaxCol <= r.MaxCol &&
		o.MinRow >= r.MinRow && o.MaxRow <= r.MaxRow
}

// Parent returns the covering range one zoom up.
func (r Range) Parent() Range {
	return Range{
		Zoom:   r.Zoom - 1,
		MinCol: r.MinCol / 2,
		MaxCol: r.MaxCol / 2,
		MinRow: r.MinRow / 2,
		MaxRow: r.MaxRow / 2,
	}
}

// TileExtent returns the native (projected) footprint of a tile.
func (s *Scheme) TileExtent(t *slippy.Tile) geom.Extent {
	size := float64(s.matrixSize(int(t.Z)))
	tileSpanX := (s.Extent.MaxX() - s.Extent.MinX()) / size
	tileSpanY := (s.Extent.MaxY() - s.Extent.MinY()) / size
	minX := s.Extent.MinX() + float64(t.X)*tileSpanX
	maxY := s.Extent.MaxY() - float64(t.Y)*tileSpanY
	return geom.Extent{minX, maxY - tileSpanY, minX + tileSpanX, maxY}
}

// RangeExtent returns the native footprint of a whole range.
func (s *Scheme) RangeExtent(r Range) geom.Extent {
	northWest := s.TileExtent(slippy.NewTile(uint(r.Zoom), r.MinCol, r.MinRow))
	southEast := s.TileExtent(slippy.NewTile(uint(r.Zoom), r.MaxCol, r.MaxRow))
	return geom.Extent{northWest.MinX(), southEast.MinY(), southEast.MaxX(), northWest.MaxY()}
}

// RangeGeographicExtent returns the lon/lat footprint of a whole range.
func (s *Scheme) RangeGeographicExtent(r Range) geom.Extent {
	northWest := s.TileGeographicExtent(slippy.NewTile(uint(r.Zoom), r.MinCol, r.MinRow))
	southEast := s.TileGeographicExtent(slippy.NewTile(uint(r.Zoom), r.MaxCol, r.MaxRow))
	return geom.Extent{northWest.MinX(), southEast.MinY(), southEast.MaxX(), northWest.MaxY()}
}

// TileGeographicExtent returns the lon/lat footprint of a tile, the inverse
// of the slippy-map transform.
func (s *Scheme) TileGeographicExtent(t *slippy.Tile) geom.Extent {
	size := float64(s.matrixSize(int(t.Z)))
	lonMin := float64(t.X)/size*360 - 180
	lonMax := (float64(t.X)+1)/size*360 - 180
	latMax := rowEdgeLat(float64(t.Y), size)
	latMin := rowEdgeLat(float64(t.Y)+1, size)
	return geom.Extent{lonMin, latMin, lonMax, latMax}
}

// rowEdgeLat returns the latitude of the top edge of a tile row.
func rowEdgeLat(row, size float64) float64 {
	n := math.Pi * (1 - 2*row/size)
	return math.Atan(math.Sinh(n)) * 180 / math.Pi
}

// FlipRow returns the externally visible row index of a tile under the
// scheme's corner-of-origin convention.
func (s *Scheme) FlipRow(t *slippy.Tile) uint {
	if s.CornerOfOrigin == BottomLeft {
		return s.matrixSize(int(t.Z)) - 1 - t.Y
	}
	return t.Y
}

// TilePath returns dir/z/col/row.ext with the scheme's row orientation
// applied to row.
func (s *Scheme) TilePath(dir string, t *slippy.Tile, ext string) string {
	return filepath.Join(dir,
		strconv.FormatUint(uint64(t.Z), 10),
		strconv.FormatUint(uint64(t.X), 10),
		strconv.FormatUint(uint64(s.FlipRow(t)), 10)+"."+ext)
}
