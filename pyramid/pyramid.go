// Package pyramid cuts a tile pyramid from a mask grid: one fixed-size
// image per tile of the range covering the source bounds, from the base
// zoom up through the requested overview levels, written as a z/col/row
// tree and optionally an MBTiles archive. The source must already be on
// the tiling scheme's reference system; getting it there is the warp
// stage's job.
package pyramid

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/slippy"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"golang.org/x/image/draw"

	"github.com/pdok/tilemask/geotiff"
	"github.com/pdok/tilemask/processing"
	"github.com/pdok/tilemask/tilegrid"
	"github.com/pdok/tilemask/warp"
)

var ErrBadOptions = errors.New("invalid pyramid options")

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

// Source is the stage boundary: the grid the pyramid is cut from. Both
// *warp.Raster and *geotiff.Dataset implement it.
type Source interface {
	Size() (width, height int)
	Bounds() geom.Extent
	Resolution() (x, y float64)
	EPSG() uint
	NoData() uint8
	ReadGray(rect image.Rectangle) (*image.Gray, error)
}

// Options configures a pyramid run. Zero values take their defaults; the
// whole record is validated before any filesystem work happens.
type Options struct {
	OutDir     string          `validate:"required"`
	MinZoom    int             `validate:"gte=0"`
	MaxZoom    int             `validate:"gtefield=MinZoom,lte=30"`
	TileSize   int             `default:"256" validate:"powoftwo"`
	SchemeID   string          `default:"WebMercatorQuad"`
	Format     string          `default:"png" validate:"oneof=png tif"`
	Resampling warp.Resampling `validate:"gte=0,lte=2"`
	// MBTiles optionally names an archive to build alongside the tree. The
	// MBTiles format stores web image blobs, so it requires Format png.
	MBTiles   string
	Workers   int `default:"4" validate:"gt=0"`
	Overwrite bool
}

// Validate applies defaults and checks the whole record, including that the
// scheme exists and covers the zoom range. It is called by Generate but is
// also usable on its own for early pipeline validation.
func (o *Options) Validate() error {
	if err := defaults.Set(o); err != nil {
		return fmt.Errorf("%w: %w", ErrBadOptions, err)
	}
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("%w: %w", ErrBadOptions, err)
	}
	if o.MBTiles != "" && o.Format != "png" {
		return fmt.Errorf("%w: an mbtiles archive stores png tiles, not %s", ErrBadOptions, o.Format)
	}
	scheme, err := tilegrid.LoadScheme(o.SchemeID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBadOptions, err)
	}
	if err := scheme.CheckZoom(o.MinZoom); err != nil {
		return fmt.Errorf("%w: %w", ErrBadOptions, err)
	}
	if err := scheme.CheckZoom(o.MaxZoom); err != nil {
		return fmt.Errorf("%w: %w", ErrBadOptions, err)
	}
	return nil
}

// LevelStat is the outcome of one zoom level.
type LevelStat struct {
	Range    tilegrid.Range
	Expected int
	Written  int
}

// Result sums up a run, levels in generation order (deep to shallow).
type Result struct {
	Levels   *orderedmap.OrderedMap[int, LevelStat]
	Tiles    int
	Bytes    int64
	Duration time.Duration
}

type generator struct {
	src     Source
	opts    Options
	scheme  tilegrid.Scheme
	nodata  uint8
	archive *mbtilesWriter
}

// Generate cuts the pyramid. The base level reads windows from the source;
// every shallower level is composed from the four children below it, so a
// tile never goes back to the source twice.
func Generate(src Source, opts Options) (*Result, error) {
	start := time.Now()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	scheme, err := tilegrid.LoadScheme(opts.SchemeID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadOptions, err)
	}
	if src.EPSG() != scheme.SRID() {
		return nil, fmt.Errorf("%w: source is EPSG:%d but scheme %s tiles EPSG:%d",
			ErrBadOptions, src.EPSG(), scheme.ID, scheme.SRID())
	}

	baseRange, err := scheme.ResolveNative(src.Bounds(), opts.MaxZoom)
	if err != nil {
		return nil, err
	}

	g := &generator{src: src, opts: opts, scheme: scheme, nodata: src.NoData()}
	if opts.MBTiles != "" {
		g.archive, err = newMBTilesWriter(opts.MBTiles, mbtilesMetadata{
			name:    strings.TrimSuffix(filepath.Base(opts.MBTiles), filepath.Ext(opts.MBTiles)),
			bounds:  scheme.RangeGeographicExtent(baseRange),
			minZoom: opts.MinZoom,
			maxZoom: opts.MaxZoom,
		})
		if err != nil {
			return nil, err
		}
	}

	result := &Result{Levels: orderedmap.New[int, LevelStat]()}
	rng := baseRange
	for zoom := opts.MaxZoom; zoom >= opts.MinZoom; zoom-- {
		render := g.renderBase
		if zoom < opts.MaxZoom {
			rng = rng.Parent()
			render = g.renderOverview
		}
		outcome, err := g.level(rng, render)
		if err != nil {
			_ = g.closeArchive()
			return nil, fmt.Errorf("zoom %d: %w", zoom, err)
		}
		result.Levels.Set(zoom, outcome.LevelStat)
		result.Tiles += outcome.Written
		result.Bytes += outcome.bytes
		log.Printf("  zoom %2d: %d/%d tiles", zoom, outcome.Written, outcome.Expected)
	}
	if err := g.closeArchive(); err != nil {
		return nil, err
	}

	result.Duration = time.Since(start)
	return result, nil
}

func (g *generator) closeArchive() error {
	if g.archive == nil {
		return nil
	}
	err := g.archive.Close()
	g.archive = nil
	return err
}

type renderedTile struct {
	tile    *slippy.Tile
	img     *image.Gray
	data    []byte // encoded png, nil for tif
	skipped bool
	err     error
}

// level runs one zoom through the worker pool: workers render and encode,
// the collector persists. Persistence stays single-threaded so the sqlite
// archive sees one writer.
func (g *generator) level(rng tilegrid.Range, render func(*slippy.Tile) (*image.Gray, error)) (levelOutcome, error) {
	outcome := levelOutcome{LevelStat: LevelStat{Range: rng, Expected: rng.Count()}}
	var firstErr error

	processing.Run(g.opts.Workers,
		func(jobs chan<- *slippy.Tile) {
			for row := rng.MinRow; row <= rng.MaxRow; row++ {
				for col := rng.MinCol; col <= rng.MaxCol; col++ {
					jobs <- slippy.NewTile(uint(rng.Zoom), col, row)
				}
			}
		},
		func(tile *slippy.Tile) renderedTile {
			if g.skipExisting(tile) {
				return renderedTile{tile: tile, skipped: true}
			}
			img, err := render(tile)
			if err != nil {
				return renderedTile{tile: tile, err: err}
			}
			rendered := renderedTile{tile: tile, img: img}
			if g.opts.Format == "png" {
				buffer := bytes.Buffer{}
				if err := png.Encode(&buffer, img); err != nil {
					return renderedTile{tile: tile, err: err}
				}
				rendered.data = buffer.Bytes()
			}
			return rendered
		},
		func(rendered renderedTile) {
			if rendered.err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("tile %d/%d/%d: %w",
						rendered.tile.Z, rendered.tile.X, rendered.tile.Y, rendered.err)
				}
				return
			}
			if rendered.skipped {
				outcome.Written++
				return
			}
			written, err := g.persist(rendered)
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("tile %d/%d/%d: %w",
						rendered.tile.Z, rendered.tile.X, rendered.tile.Y, err)
				}
				return
			}
			outcome.Written++
			outcome.bytes += written
		})

	return outcome, firstErr
}

// skipExisting implements resume: with Overwrite off, a tile that already
// has a non-empty file is left alone. Not applicable when an archive is
// being built, its blobs have to be rendered regardless.
func (g *generator) skipExisting(tile *slippy.Tile) bool {
	if g.opts.Overwrite || g.archive != nil {
		return false
	}
	info, err := os.Stat(g.scheme.TilePath(g.opts.OutDir, tile, g.opts.Format))
	return err == nil && info.Size() > 0
}

func (g *generator) persist(rendered renderedTile) (int64, error) {
	path := g.scheme.TilePath(g.opts.OutDir, rendered.tile, g.opts.Format)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, err
	}

	var written int64
	switch g.opts.Format {
	case "tif":
		extent := g.scheme.TileExtent(rendered.tile)
		err := geotiff.WriteGray(path, rendered.img, geotiff.Georef{
			OriginX: extent.MinX(),
			OriginY: extent.MaxY(),
			ResX:    extent.XSpan() / float64(g.opts.TileSize),
			ResY:    extent.YSpan() / float64(g.opts.TileSize),
			EPSG:    g.scheme.SRID(),
			NoData:  g.nodata,
		})
		if err != nil {
			return 0, err
		}
		if info, err := os.Stat(path); err == nil {
			written = info.Size()
		}
	default:
		if err := os.WriteFile(path, rendered.data, 0o644); err != nil {
			return 0, err
		}
		written = int64(len(rendered.data))
	}

	if g.archive != nil {
		if err := g.archive.WriteTile(rendered.tile, rendered.data); err != nil {
			return written, err
		}
	}
	return written, nil
}

// renderBase cuts one base-level tile out of the source. When the source
// sits exactly on the tile lattice the window is the tile; otherwise the
// enclosing window is read and scaled onto the canvas.
func (g *generator) renderBase(tile *slippy.Tile) (*image.Gray, error) {
	extent := g.scheme.TileExtent(tile)
	bounds := g.src.Bounds()
	resX, resY := g.src.Resolution()

	// outward to whole source pixels, with a snap tolerance so an aligned
	// grid yields an exact tile-sized window
	const snap = 1e-6
	x0 := (extent.MinX() - bounds.MinX()) / resX
	x1 := (extent.MaxX() - bounds.MinX()) / resX
	y0 := (bounds.MaxY() - extent.MaxY()) / resY
	y1 := (bounds.MaxY() - extent.MinY()) / resY
	window := image.Rect(
		int(math.Floor(x0+snap)), int(math.Floor(y0+snap)),
		int(math.Ceil(x1-snap)), int(math.Ceil(y1-snap)))

	source, err := g.src.ReadGray(window)
	if err != nil {
		return nil, err
	}
	if window.Dx() == g.opts.TileSize && window.Dy() == g.opts.TileSize {
		return source, nil
	}

	canvas := g.blankTile(g.opts.TileSize)
	g.opts.Resampling.Scaler().Scale(canvas, canvas.Rect, source, source.Rect, draw.Src, nil)
	return canvas, nil
}

// renderOverview composes a tile from its four children on the level below,
// read back from what was just written. A child outside the pyramid stays a
// nodata quadrant.
func (g *generator) renderOverview(tile *slippy.Tile) (*image.Gray, error) {
	size := g.opts.TileSize
	mosaic := g.blankTile(2 * size)
	for _, quadrant := range [4][2]uint{{0, 0}, {1, 0}, {0, 1}, {1, 1}} {
		child := slippy.NewTile(tile.Z+1, 2*tile.X+quadrant[0], 2*tile.Y+quadrant[1])
		img, err := g.readTile(g.scheme.TilePath(g.opts.OutDir, child, g.opts.Format))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("child %d/%d/%d: %w", child.Z, child.X, child.Y, err)
		}
		offsetX := int(quadrant[0]) * size
		offsetY := int(quadrant[1]) * size
		draw.Draw(mosaic, image.Rect(offsetX, offsetY, offsetX+size, offsetY+size), img, img.Bounds().Min, draw.Src)
	}

	canvas := g.blankTile(size)
	g.opts.Resampling.Scaler().Scale(canvas, canvas.Rect, mosaic, mosaic.Rect, draw.Src, nil)
	return canvas, nil
}

// readTile loads a written tile back, in whichever format the run writes.
func (g *generator) readTile(path string) (*image.Gray, error) {
	if g.opts.Format == "tif" {
		ds, err := geotiff.Open(path)
		if err != nil {
			return nil, err
		}
		defer ds.Close()
		return ds.Gray()
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	decoded, err := png.Decode(file)
	if err != nil {
		return nil, err
	}
	gray, ok := decoded.(*image.Gray)
	if !ok {
		return nil, fmt.Errorf("%s: not an 8-bit grayscale png", path)
	}
	return gray, nil
}

func (g *generator) blankTile(size int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, size, size))
	if g.nodata != 0 {
		for i := range img.Pix {
			img.Pix[i] = g.nodata
		}
	}
	return img
}

type levelOutcome struct {
	LevelStat
	bytes int64
}
