// Package fetch downloads the imagery tiles for a bbox from an XYZ tile
// service, the counterpart acquisition step to cutting the mask pyramid.
// Failures end up in a failed_tiles.txt next to the tiles; a later run
// can re-fetch exactly those.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "image/jpeg"
	_ "image/png"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/slippy"
	"github.com/umpc/go-sortedmap"

	"github.com/pdok/tilemask/mathhelp"
	"github.com/pdok/tilemask/processing"
	"github.com/pdok/tilemask/tilegrid"
)

var ErrBadConfig = errors.New("invalid fetch config")

var validate = validator.New(validator.WithRequiredStructEnabled())

// retryBackoff is the base delay between attempts for one tile; attempt n
// waits n times this.
const retryBackoff = 500 * time.Millisecond

const failedListName = "failed_tiles.txt"
const refailedListName = "refailed_tiles.txt"

// Config is a fetch run. URL is a template with {z}, {x} and {y}
// placeholders ({-y} for services counting rows from the south).
type Config struct {
	URL    string `validate:"required"`
	OutDir string `validate:"required"`
	// BBox is the area of interest in lon/lat: west, south, east, north.
	BBox     geom.Extent
	Zoom     int    `default:"17" validate:"gte=0"`
	SchemeID string `default:"WebMercatorQuad"`
	// Layout flat writes z_x_y.png straight into OutDir, nested the
	// z/col/row.png tree the pyramid uses.
	Layout  string `default:"flat" validate:"oneof=flat nested"`
	Workers int    `default:"16" validate:"gt=0"`
	// Attempts is the total number of tries per tile, with backoff
	// between them.
	Attempts int           `default:"3" validate:"gt=0"`
	Timeout  time.Duration `default:"10s"`
	// FailedList switches to re-fetch mode: instead of resolving BBox,
	// fetch exactly the z,col,row lines of this file. Tiles that fail
	// again are logged to refailed_tiles.txt.
	FailedList string

	scheme tilegrid.Scheme
}

// Validate applies defaults and checks the whole configuration before any
// network or filesystem work.
func (c *Config) Validate() error {
	if err := defaults.Set(c); err != nil {
		return err
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrBadConfig, err)
	}
	if !strings.Contains(c.URL, "{z}") || !strings.Contains(c.URL, "{x}") ||
		(!strings.Contains(c.URL, "{y}") && !strings.Contains(c.URL, "{-y}")) {
		return fmt.Errorf("%w: url template needs {z}, {x} and {y} or {-y}, got %q", ErrBadConfig, c.URL)
	}
	scheme, err := tilegrid.LoadScheme(c.SchemeID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBadConfig, err)
	}
	if c.FailedList == "" {
		if err := tilegrid.CheckBounds(c.BBox); err != nil {
			return fmt.Errorf("%w: %w", ErrBadConfig, err)
		}
		if err := scheme.CheckZoom(c.Zoom); err != nil {
			return fmt.Errorf("%w: %w", ErrBadConfig, err)
		}
	}
	c.scheme = scheme
	return nil
}

// Report sums up a fetch run.
type Report struct {
	Total   int
	Fetched int
	Failed  int
	// FailedList is the path of the written failure log, empty when every
	// tile came through.
	FailedList string
	Duration   time.Duration
}

type fetchResult struct {
	tile *slippy.Tile
	err  error
}

// tileKey orders failure log lines by (zoom, column, row).
type tileKey struct{ z, x, y uint }

func tileKeyLess(i, j interface{}) bool {
	a, b := i.(tileKey), j.(tileKey)
	if a.z != b.z {
		return a.z < b.z
	}
	if a.x != b.x {
		return a.x < b.x
	}
	return a.y < b.y
}

// Fetch downloads all tiles of the configured bbox and zoom, or of the
// failed list in re-fetch mode. Tile failures do not abort the run, they
// are counted and logged; the error return is for the run itself.
func Fetch(ctx context.Context, cfg Config) (*Report, error) {
	start := time.Now()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	refetch := cfg.FailedList != ""
	var tiles []*slippy.Tile
	if refetch {
		var err error
		tiles, err = readFailedList(cfg.FailedList, cfg.scheme)
		if err != nil {
			return nil, err
		}
		log.Printf("re-fetching %d tiles from %s", len(tiles), cfg.FailedList)
	} else {
		rng, err := cfg.scheme.Resolve(cfg.BBox, cfg.Zoom)
		if err != nil {
			return nil, err
		}
		tiles = rng.Tiles()
		log.Printf("tile range at zoom %d: columns %d-%d, rows %d-%d, %d tiles",
			rng.Zoom, rng.MinCol, rng.MaxCol, rng.MinRow, rng.MaxRow, rng.Count())
	}
	if err := os.MkdirAll(cfg.OutDir, 0o755); err != nil {
		return nil, err
	}

	f := fetcher{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
	failed := sortedmap.New(len(tiles)/8+1, tileKeyLess)
	fetched := 0

	processing.Run(cfg.Workers,
		func(jobs chan<- *slippy.Tile) {
			for _, tile := range tiles {
				jobs <- tile
			}
		},
		func(tile *slippy.Tile) fetchResult {
			if err := ctx.Err(); err != nil {
				return fetchResult{tile: tile, err: err}
			}
			return fetchResult{tile: tile, err: f.fetch(ctx, tile)}
		},
		func(result fetchResult) {
			if result.err != nil {
				failed.Insert(tileKey{result.tile.Z, result.tile.X, result.tile.Y}, result.err)
				return
			}
			fetched++
		})

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	report := &Report{
		Total:    len(tiles),
		Fetched:  fetched,
		Failed:   failed.Len(),
		Duration: time.Since(start),
	}
	log.Printf("fetched %d/%d tiles in %s", fetched, len(tiles), report.Duration.Round(time.Millisecond))
	if failed.Len() > 0 {
		name := failedListName
		if refetch {
			name = refailedListName
		}
		path := filepath.Join(cfg.OutDir, name)
		if err := writeFailedList(path, failed); err != nil {
			return nil, err
		}
		report.FailedList = path
		log.Printf("%d failures logged to %s", failed.Len(), path)
	}
	return report, nil
}

type fetcher struct {
	cfg    Config
	client *http.Client
}

func (f *fetcher) fetch(ctx context.Context, tile *slippy.Tile) error {
	url := tileURL(f.cfg.URL, tile)
	var lastErr error
	for attempt := 1; attempt <= f.cfg.Attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt-1) * retryBackoff):
			}
		}
		lastErr = f.fetchOnce(ctx, url, tile)
		if lastErr == nil || ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

func (f *fetcher) fetchOnce(ctx context.Context, url string, tile *slippy.Tile) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %s", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	// reject error pages served with status 200
	if _, _, err := image.DecodeConfig(bytes.NewReader(body)); err != nil {
		return fmt.Errorf("payload is not an image: %w", err)
	}
	path := f.tilePath(tile)
	if f.cfg.Layout == "nested" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, body, 0o644)
}

func (f *fetcher) tilePath(tile *slippy.Tile) string {
	if f.cfg.Layout == "nested" {
		return f.cfg.scheme.TilePath(f.cfg.OutDir, tile, "png")
	}
	return filepath.Join(f.cfg.OutDir, fmt.Sprintf("%d_%d_%d.png", tile.Z, tile.X, tile.Y))
}

// tileURL fills the template placeholders. {-y} counts rows from the
// south edge.
func tileURL(template string, tile *slippy.Tile) string {
	flipped := mathhelp.Pow2(tile.Z) - 1 - tile.Y
	return strings.NewReplacer(
		"{z}", strconv.FormatUint(uint64(tile.Z), 10),
		"{x}", strconv.FormatUint(uint64(tile.X), 10),
		"{y}", strconv.FormatUint(uint64(tile.Y), 10),
		"{-y}", strconv.FormatUint(uint64(flipped), 10),
	).Replace(template)
}

// readFailedList parses z,col,row lines as written by a previous run.
func readFailedList(path string, scheme tilegrid.Scheme) ([]*slippy.Tile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tiles []*slippy.Tile
	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) != 3 {
			return nil, fmt.Errorf("%w: %s line %d: want z,col,row, got %q", ErrBadConfig, path, i+1, line)
		}
		var zxy [3]uint64
		for j, part := range parts {
			zxy[j], err = strconv.ParseUint(strings.TrimSpace(part), 10, 32)
			if err != nil {
				return nil, fmt.Errorf("%w: %s line %d: %w", ErrBadConfig, path, i+1, err)
			}
		}
		if err := scheme.CheckZoom(int(zxy[0])); err != nil {
			return nil, fmt.Errorf("%w: %s line %d: %w", ErrBadConfig, path, i+1, err)
		}
		tiles = append(tiles, slippy.NewTile(uint(zxy[0]), uint(zxy[1]), uint(zxy[2])))
	}
	return tiles, nil
}

func writeFailedList(path string, failed *sortedmap.SortedMap) error {
	var lines strings.Builder
	for _, key := range failed.Keys() {
		k := key.(tileKey)
		fmt.Fprintf(&lines, "%d,%d,%d\n", k.z, k.x, k.y)
	}
	return os.WriteFile(path, []byte(lines.String()), 0o644)
}
