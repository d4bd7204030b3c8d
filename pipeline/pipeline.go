// Package pipeline chains the stages of a mask tiling run: resolve the
// tile range for diagnostics, open the source raster, warp it onto the
// target grid, cut the pyramid, verify the per-level counts. Strictly
// linear and one-shot: the first error aborts the run and whatever was
// already written stays behind for the caller to clean up.
package pipeline

import (
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/go-spatial/geom"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/pdok/tilemask/geomhelp"
	"github.com/pdok/tilemask/geotiff"
	"github.com/pdok/tilemask/mapslicehelp"
	"github.com/pdok/tilemask/pyramid"
	"github.com/pdok/tilemask/tilegrid"
	"github.com/pdok/tilemask/warp"
)

var ErrBadConfig = errors.New("invalid pipeline config")

// ErrIncomplete flags a run whose tile counts do not add up; the output
// must not be trusted.
var ErrIncomplete = errors.New("pyramid incomplete")

var validate = newValidate()

func newValidate() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.RegisterValidation("powoftwo", func(fl validator.FieldLevel) bool {
		n := fl.Field().Int()
		return n > 0 && n&(n-1) == 0
	}); err != nil {
		panic(err)
	}
	return v
}

// Config carries every parameter of a run. Zero values get defaults in
// Validate, which has to pass before anything touches the disk.
type Config struct {
	SourcePath string `validate:"required"`
	TargetDir  string `validate:"required"`
	// BBox is the area of interest in lon/lat: west, south, east, north.
	BBox    geom.Extent
	ZoomMin int `validate:"gte=0"`
	ZoomMax int `validate:"gtefield=ZoomMin,lte=30"`
	// TargetSRS has to resolve to the tiling scheme's reference system.
	TargetSRS string `default:"EPSG:3857"`
	// XRes and YRes set the warped pixel size; 0 derives the scheme cell
	// size at ZoomMax, which lines warped pixels up with base tile pixels.
	XRes       float64 `validate:"gte=0"`
	YRes       float64 `validate:"gte=0"`
	Resampling string  `default:"nearest"`
	TileSize   int     `default:"256" validate:"powoftwo"`
	SchemeID   string  `default:"WebMercatorQuad"`
	Format     string  `default:"png" validate:"oneof=png tif"`
	MBTiles    string
	// KeepWarped writes the intermediate raster as warped.tif in the
	// output directory, where a rerun will pick it up and skip the warp.
	KeepWarped bool
	// Timestamped puts the output in a bbox_<w>_<s>_<e>_<n>_<unix>
	// directory under TargetDir.
	Timestamped bool
	Workers     int `default:"4" validate:"gt=0"`
	Overwrite   bool

	scheme     tilegrid.Scheme
	srs        warp.SRS
	resampling warp.Resampling
	xRes, yRes float64
}

// ParseBBox parses "west,south,east,north".
func ParseBBox(s string) (geom.Extent, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return geom.Extent{}, fmt.Errorf("%w: bbox must be west,south,east,north", ErrBadConfig)
	}
	var bbox geom.Extent
	for i, part := range parts {
		value, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return geom.Extent{}, fmt.Errorf("%w: bbox ordinate %q: %w", ErrBadConfig, part, err)
		}
		bbox[i] = value
	}
	return bbox, nil
}

// ParseZoomRange parses a single zoom like "17" or a range like "14-17".
func ParseZoomRange(s string) (minZoom, maxZoom int, err error) {
	lo, hi, found := strings.Cut(s, "-")
	if !found {
		hi = lo
	}
	minZoom, err = strconv.Atoi(strings.TrimSpace(lo))
	if err == nil {
		maxZoom, err = strconv.Atoi(strings.TrimSpace(hi))
	}
	if err != nil {
		return 0, 0, fmt.Errorf("%w: zoom must be like 17 or 14-17, got %q", ErrBadConfig, s)
	}
	if maxZoom < minZoom {
		return 0, 0, fmt.Errorf("%w: zoom range %d-%d is inverted", ErrBadConfig, minZoom, maxZoom)
	}
	return minZoom, maxZoom, nil
}

// Validate applies defaults and checks the whole configuration, so that a
// run that cannot complete fails here instead of after the warp.
func (c *Config) Validate() error {
	if err := defaults.Set(c); err != nil {
		return err
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrBadConfig, err)
	}
	scheme, err := tilegrid.LoadScheme(c.SchemeID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBadConfig, err)
	}
	if err := tilegrid.CheckBounds(c.BBox); err != nil {
		return fmt.Errorf("%w: %w", ErrBadConfig, err)
	}
	if err := scheme.CheckZoom(c.ZoomMin); err != nil {
		return fmt.Errorf("%w: %w", ErrBadConfig, err)
	}
	if err := scheme.CheckZoom(c.ZoomMax); err != nil {
		return fmt.Errorf("%w: %w", ErrBadConfig, err)
	}
	c.resampling, err = warp.ParseResampling(c.Resampling)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBadConfig, err)
	}
	c.srs, err = warp.ParseSRS(c.TargetSRS)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBadConfig, err)
	}
	if c.srs.EPSG != scheme.SRID() {
		return fmt.Errorf("%w: target %s does not match scheme %s (EPSG:%d)",
			ErrBadConfig, c.TargetSRS, scheme.ID, scheme.SRID())
	}
	if c.MBTiles != "" && c.Format != "png" {
		return fmt.Errorf("%w: an mbtiles archive holds png tiles, not %s", ErrBadConfig, c.Format)
	}
	c.xRes, c.yRes = c.XRes, c.YRes
	if c.xRes == 0 {
		c.xRes = scheme.CellSize(c.ZoomMax)
	}
	if c.yRes == 0 {
		c.yRes = scheme.CellSize(c.ZoomMax)
	}
	c.scheme = scheme
	return nil
}

// Report sums up a completed run.
type Report struct {
	OutDir string
	// Range is the resolved base-zoom range the run was verified against.
	Range      tilegrid.Range
	Warped     bool
	WarpedPath string
	Levels     *orderedmap.OrderedMap[int, pyramid.LevelStat]
	Tiles      int
	Bytes      int64
	Duration   time.Duration
}

// Run executes one batch run.
func Run(cfg Config) (*Report, error) {
	start := time.Now()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	outDir := cfg.TargetDir
	if cfg.Timestamped {
		outDir = filepath.Join(outDir, runDirName(cfg.BBox, start))
	}

	rng, err := cfg.scheme.Resolve(cfg.BBox, cfg.ZoomMax)
	if err != nil {
		return nil, err
	}
	log.Printf("bbox: %s", geomhelp.WktExtent(cfg.BBox, 120))
	log.Printf("tile range at zoom %d: columns %d-%d, rows %d-%d, %d tiles",
		rng.Zoom, rng.MinCol, rng.MaxCol, rng.MinRow, rng.MaxRow, rng.Count())

	ds, err := geotiff.Open(cfg.SourcePath)
	if err != nil {
		return nil, err
	}
	defer ds.Close()
	width, height := ds.Size()
	resX, resY := ds.Resolution()
	log.Printf("source %s: %dx%d pixels, EPSG:%d, %gx%g per pixel",
		cfg.SourcePath, width, height, ds.EPSG(), resX, resY)

	bounds := cfg.scheme.RangeExtent(rng)

	var src pyramid.Source = ds
	var raster *warp.Raster
	if onTargetGrid(ds, cfg.srs, bounds, cfg.xRes, cfg.yRes) {
		log.Print("source already on the target grid, warp skipped")
	} else {
		log.Printf("warping to %s at %gx%g per pixel, %s resampling",
			cfg.TargetSRS, cfg.xRes, cfg.yRes, cfg.resampling)
		raster, err = warp.Reproject(ds, bounds, cfg.TargetSRS, cfg.xRes, cfg.yRes, cfg.resampling)
		if err != nil {
			return nil, err
		}
		src = raster
	}

	warpedPath := ""
	if raster != nil && cfg.KeepWarped {
		warpedPath = filepath.Join(outDir, "warped.tif")
		if err := writeWarped(warpedPath, raster); err != nil {
			return nil, err
		}
		log.Printf("kept warped raster: %s", warpedPath)
	}

	result, err := pyramid.Generate(src, pyramid.Options{
		OutDir:     outDir,
		MinZoom:    cfg.ZoomMin,
		MaxZoom:    cfg.ZoomMax,
		TileSize:   cfg.TileSize,
		SchemeID:   cfg.SchemeID,
		Format:     cfg.Format,
		Resampling: cfg.resampling,
		MBTiles:    cfg.MBTiles,
		Workers:    cfg.Workers,
		Overwrite:  cfg.Overwrite,
	})
	if err != nil {
		log.Printf("aborted, partial output may remain under %s", outDir)
		return nil, err
	}

	if err := verify(result, rng, cfg.ZoomMin, outDir); err != nil {
		return nil, err
	}

	report := &Report{
		OutDir:     outDir,
		Range:      rng,
		Warped:     raster != nil,
		WarpedPath: warpedPath,
		Levels:     result.Levels,
		Tiles:      result.Tiles,
		Bytes:      result.Bytes,
		Duration:   time.Since(start),
	}
	log.Printf("wrote %d tiles, %d bytes, in %s",
		report.Tiles, report.Bytes, report.Duration.Round(time.Millisecond))
	return report, nil
}

// verify compares each level against the resolver's expectation, the
// final bookkeeping step of a run. On a mismatch the output is partial
// and the run fails.
func verify(result *pyramid.Result, rng tilegrid.Range, minZoom int, outDir string) error {
	base, ok := result.Levels.Get(rng.Zoom)
	if !ok || base.Range != rng {
		return fmt.Errorf("%w: generated base range %+v does not match resolved range %+v",
			ErrIncomplete, base.Range, rng)
	}
	built := mapslicehelp.AsKeys(mapslicehelp.OrderedMapKeys(result.Levels))
	for zoom := minZoom; zoom <= rng.Zoom; zoom++ {
		if _, ok := built[zoom]; !ok {
			return fmt.Errorf("%w: zoom %d missing from output under %s", ErrIncomplete, zoom, outDir)
		}
	}
	for pair := result.Levels.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.Written != pair.Value.Expected {
			return fmt.Errorf("%w: zoom %d has %d of %d tiles, output under %s is partial",
				ErrIncomplete, pair.Key, pair.Value.Written, pair.Value.Expected, outDir)
		}
	}
	return nil
}

// onTargetGrid reports whether the dataset already is the warp output:
// same reference system, same pixel size, same footprint. The usual case
// is a kept warped raster from an earlier run of the same bbox.
func onTargetGrid(ds *geotiff.Dataset, srs warp.SRS, bounds geom.Extent, xRes, yRes float64) bool {
	if ds.EPSG() != srs.EPSG {
		return false
	}
	resX, resY := ds.Resolution()
	if math.Abs(resX-xRes) > xRes*1e-9 || math.Abs(resY-yRes) > yRes*1e-9 {
		return false
	}
	got := ds.Bounds()
	tol := math.Max(xRes, yRes) * 1e-6
	for i := range bounds {
		if math.Abs(got[i]-bounds[i]) > tol {
			return false
		}
	}
	return true
}

func writeWarped(path string, raster *warp.Raster) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	img, err := raster.Gray()
	if err != nil {
		return err
	}
	resX, resY := raster.Resolution()
	bounds := raster.Bounds()
	return geotiff.WriteGray(path, img, geotiff.Georef{
		OriginX: bounds.MinX(),
		OriginY: bounds.MaxY(),
		ResX:    resX,
		ResY:    resY,
		EPSG:    raster.EPSG(),
		NoData:  raster.NoData(),
	}, geotiff.WithDeflate(), geotiff.WithPredictor())
}

// runDirName is the bbox_<w>_<s>_<e>_<n>_<unix> run directory convention.
func runDirName(bbox geom.Extent, at time.Time) string {
	return fmt.Sprintf("bbox_%s_%s_%s_%s_%d",
		formatOrdinate(bbox.MinX()), formatOrdinate(bbox.MinY()),
		formatOrdinate(bbox.MaxX()), formatOrdinate(bbox.MaxY()),
		at.Unix())
}

func formatOrdinate(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
