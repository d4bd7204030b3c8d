package pyramid

import (
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/slippy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdok/tilemask/geotiff"
	"github.com/pdok/tilemask/tilegrid"
	"github.com/pdok/tilemask/warp"
)

// fakeSource is an in-memory Source on an arbitrary grid.
type fakeSource struct {
	img    *image.Gray
	bounds geom.Extent
	res    float64
	epsg   uint
	nodata uint8
	reads  atomic.Int64
}

func (f *fakeSource) Size() (int, int)               { return f.img.Rect.Dx(), f.img.Rect.Dy() }
func (f *fakeSource) Bounds() geom.Extent            { return f.bounds }
func (f *fakeSource) Resolution() (float64, float64) { return f.res, f.res }
func (f *fakeSource) EPSG() uint                     { return f.epsg }
func (f *fakeSource) NoData() uint8                  { return f.nodata }

func (f *fakeSource) ReadGray(rect image.Rectangle) (*image.Gray, error) {
	f.reads.Add(1)
	window := image.NewGray(rect)
	for i := range window.Pix {
		window.Pix[i] = f.nodata
	}
	clip := rect.Intersect(f.img.Rect)
	for y := clip.Min.Y; y < clip.Max.Y; y++ {
		for x := clip.Min.X; x < clip.Max.X; x++ {
			window.SetGray(x, y, f.img.GrayAt(x, y))
		}
	}
	return window, nil
}

// tileAlignedSource builds a source sitting exactly on the tile lattice:
// cols x rows tiles starting at the given tile, one pixel per cell.
func tileAlignedSource(t *testing.T, scheme tilegrid.Scheme, zoom int, col, row, cols, rows uint) *fakeSource {
	t.Helper()
	northWest := scheme.TileExtent(slippy.NewTile(uint(zoom), col, row))
	southEast := scheme.TileExtent(slippy.NewTile(uint(zoom), col+cols-1, row+rows-1))
	return &fakeSource{
		img:    image.NewGray(image.Rect(0, 0, int(cols)*scheme.TileSize, int(rows)*scheme.TileSize)),
		bounds: geom.Extent{northWest.MinX(), southEast.MinY(), southEast.MaxX(), northWest.MaxY()},
		res:    scheme.CellSize(zoom),
		epsg:   scheme.SRID(),
		nodata: 0,
	}
}

func mustScheme(t *testing.T, id string) tilegrid.Scheme {
	t.Helper()
	scheme, err := tilegrid.LoadScheme(id)
	require.NoError(t, err)
	return scheme
}

func readPNG(t *testing.T, path string) *image.Gray {
	t.Helper()
	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()
	decoded, err := png.Decode(file)
	require.NoError(t, err)
	gray, ok := decoded.(*image.Gray)
	require.True(t, ok, "tile should decode as 8-bit grayscale")
	return gray
}

func TestOptionsValidateDefaults(t *testing.T) {
	opts := Options{OutDir: "out", MaxZoom: 5}
	require.NoError(t, opts.Validate())
	assert.Equal(t, 256, opts.TileSize)
	assert.Equal(t, "WebMercatorQuad", opts.SchemeID)
	assert.Equal(t, "png", opts.Format)
	assert.Equal(t, warp.Nearest, opts.Resampling)
	assert.Equal(t, 4, opts.Workers)
}

func TestOptionsValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{name: "missing out dir", opts: Options{MaxZoom: 5}},
		{name: "tile size not a power of two", opts: Options{OutDir: "out", MaxZoom: 5, TileSize: 100}},
		{name: "unknown format", opts: Options{OutDir: "out", MaxZoom: 5, Format: "webp"}},
		{name: "max below min", opts: Options{OutDir: "out", MinZoom: 6, MaxZoom: 5}},
		{name: "zoom beyond scheme", opts: Options{OutDir: "out", MaxZoom: 25}},
		{name: "unknown scheme", opts: Options{OutDir: "out", MaxZoom: 5, SchemeID: "AtlantisQuad"}},
		{name: "unknown resampling", opts: Options{OutDir: "out", MaxZoom: 5, Resampling: warp.Resampling(9)}},
		{name: "mbtiles with tif tiles", opts: Options{OutDir: "out", MaxZoom: 5, Format: "tif", MBTiles: "out.mbtiles"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.ErrorIs(t, tt.opts.Validate(), ErrBadOptions)
		})
	}
}

func TestGenerateBadOptionsTouchesNothing(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "never")
	src := tileAlignedSource(t, mustScheme(t, "WebMercatorQuad"), 5, 9, 12, 1, 1)

	_, err := Generate(src, Options{OutDir: dir, MaxZoom: 5, TileSize: 100})
	require.ErrorIs(t, err, ErrBadOptions)

	assert.Zero(t, src.reads.Load(), "a rejected configuration must not read the source")
	_, statErr := os.Stat(dir)
	assert.True(t, os.IsNotExist(statErr), "a rejected configuration must not create output")
}

func TestGenerateSchemeMismatch(t *testing.T) {
	src := tileAlignedSource(t, mustScheme(t, "WebMercatorQuad"), 5, 9, 12, 1, 1)
	src.epsg = 4326

	_, err := Generate(src, Options{OutDir: t.TempDir(), MaxZoom: 5})
	require.ErrorIs(t, err, ErrBadOptions)
	assert.Zero(t, src.reads.Load())
}

func TestGenerateSingleAlignedTile(t *testing.T) {
	scheme := mustScheme(t, "WebMercatorQuad")
	src := tileAlignedSource(t, scheme, 5, 9, 12, 1, 1)
	for i := range src.img.Pix {
		src.img.Pix[i] = uint8(i % 199)
	}
	dir := t.TempDir()

	result, err := Generate(src, Options{OutDir: dir, MinZoom: 5, MaxZoom: 5, Workers: 2})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Tiles)
	assert.Positive(t, result.Bytes)
	assert.Positive(t, result.Duration)
	stat, ok := result.Levels.Get(5)
	require.True(t, ok)
	assert.Equal(t, 1, stat.Expected)
	assert.Equal(t, 1, stat.Written)
	assert.Equal(t, tilegrid.Range{Zoom: 5, MinCol: 9, MaxCol: 9, MinRow: 12, MaxRow: 12}, stat.Range)

	got := readPNG(t, filepath.Join(dir, "5", "9", "12.png"))
	assert.Equal(t, src.img.Pix, got.Pix, "an aligned source maps onto the tile 1:1")
}

func TestGenerateEdgeTilePadding(t *testing.T) {
	scheme := mustScheme(t, "WebMercatorQuad")
	// one and a half tiles wide: the east tile is half nodata
	src := tileAlignedSource(t, scheme, 6, 10, 20, 2, 1)
	src.nodata = 17
	src.img = src.img.SubImage(image.Rect(0, 0, 384, 256)).(*image.Gray)
	src.bounds[2] = src.bounds[0] + 0.75*(src.bounds[2]-src.bounds[0])
	for i := range src.img.Pix {
		src.img.Pix[i] = 200
	}
	dir := t.TempDir()

	result, err := Generate(src, Options{OutDir: dir, MinZoom: 6, MaxZoom: 6, Workers: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Tiles)

	east := readPNG(t, filepath.Join(dir, "6", "11", "20.png"))
	assert.Equal(t, uint8(200), east.GrayAt(10, 100).Y, "west half holds data")
	assert.Equal(t, uint8(17), east.GrayAt(200, 100).Y, "east half is nodata padding")

	west := readPNG(t, filepath.Join(dir, "6", "10", "20.png"))
	for _, pix := range west.Pix {
		require.Equal(t, uint8(200), pix)
	}
}

func TestGeneratePyramidWithOverviews(t *testing.T) {
	scheme := mustScheme(t, "WebMercatorQuad")
	src := tileAlignedSource(t, scheme, 6, 10, 20, 2, 2)
	// four solid base tiles with distinct values
	for y := 0; y < 512; y++ {
		for x := 0; x < 512; x++ {
			value := uint8(64)
			switch {
			case x >= 256 && y < 256:
				value = 128
			case x < 256 && y >= 256:
				value = 192
			case x >= 256 && y >= 256:
				value = 255
			}
			src.img.Pix[y*src.img.Stride+x] = value
		}
	}
	dir := t.TempDir()

	result, err := Generate(src, Options{OutDir: dir, MinZoom: 5, MaxZoom: 6, Workers: 3})
	require.NoError(t, err)

	assert.Equal(t, 5, result.Tiles)
	assert.Equal(t, 2, result.Levels.Len())
	base, _ := result.Levels.Get(6)
	assert.Equal(t, 4, base.Written)
	overview, _ := result.Levels.Get(5)
	assert.Equal(t, 1, overview.Written)

	first := result.Levels.Oldest()
	assert.Equal(t, 6, first.Key, "levels are recorded deep to shallow")

	got := readPNG(t, filepath.Join(dir, "5", "5", "10.png"))
	assert.Equal(t, uint8(64), got.GrayAt(64, 64).Y)
	assert.Equal(t, uint8(128), got.GrayAt(192, 64).Y)
	assert.Equal(t, uint8(192), got.GrayAt(64, 192).Y)
	assert.Equal(t, uint8(255), got.GrayAt(192, 192).Y)
}

func TestGenerateOverviewMissingChildren(t *testing.T) {
	scheme := mustScheme(t, "WebMercatorQuad")
	// a single base tile whose parent has three absent children
	src := tileAlignedSource(t, scheme, 6, 10, 20, 1, 1)
	src.nodata = 17
	for i := range src.img.Pix {
		src.img.Pix[i] = 200
	}
	dir := t.TempDir()

	_, err := Generate(src, Options{OutDir: dir, MinZoom: 5, MaxZoom: 6, Workers: 2})
	require.NoError(t, err)

	got := readPNG(t, filepath.Join(dir, "5", "5", "10.png"))
	assert.Equal(t, uint8(200), got.GrayAt(64, 64).Y, "the present child fills its quadrant")
	assert.Equal(t, uint8(17), got.GrayAt(192, 64).Y, "absent children stay nodata")
	assert.Equal(t, uint8(17), got.GrayAt(64, 192).Y)
	assert.Equal(t, uint8(17), got.GrayAt(192, 192).Y)
}

func TestGenerateTMSRowOrientation(t *testing.T) {
	scheme := mustScheme(t, "WebMercatorQuadTMS")
	src := tileAlignedSource(t, scheme, 6, 10, 20, 1, 1)
	dir := t.TempDir()

	_, err := Generate(src, Options{OutDir: dir, MinZoom: 6, MaxZoom: 6, SchemeID: "WebMercatorQuadTMS"})
	require.NoError(t, err)

	// 2^6-1-20 = 43
	assert.FileExists(t, filepath.Join(dir, "6", "10", "43.png"))
}

func TestGenerateTifTiles(t *testing.T) {
	scheme := mustScheme(t, "WebMercatorQuad")
	src := tileAlignedSource(t, scheme, 5, 9, 12, 1, 1)
	src.nodata = 17
	for i := range src.img.Pix {
		src.img.Pix[i] = uint8(i % 251)
	}
	dir := t.TempDir()

	_, err := Generate(src, Options{OutDir: dir, MinZoom: 5, MaxZoom: 5, Format: "tif"})
	require.NoError(t, err)

	ds, err := geotiff.Open(filepath.Join(dir, "5", "9", "12.tif"))
	require.NoError(t, err)
	defer ds.Close()

	assert.Equal(t, uint(3857), ds.EPSG())
	assert.Equal(t, uint8(17), ds.NoData())
	extent := scheme.TileExtent(slippy.NewTile(5, 9, 12))
	bounds := ds.Bounds()
	assert.InDelta(t, extent.MinX(), bounds.MinX(), 1e-6)
	assert.InDelta(t, extent.MaxY(), bounds.MaxY(), 1e-6)

	got, err := ds.Gray()
	require.NoError(t, err)
	assert.Equal(t, src.img.Pix, got.Pix)
}

func TestGenerateResume(t *testing.T) {
	scheme := mustScheme(t, "WebMercatorQuad")
	src := tileAlignedSource(t, scheme, 5, 9, 12, 1, 1)
	dir := t.TempDir()
	path := filepath.Join(dir, "5", "9", "12.png")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("sentinel"), 0o644))

	result, err := Generate(src, Options{OutDir: dir, MinZoom: 5, MaxZoom: 5})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Tiles)
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("sentinel"), content, "without overwrite an existing tile is kept")

	_, err = Generate(src, Options{OutDir: dir, MinZoom: 5, MaxZoom: 5, Overwrite: true})
	require.NoError(t, err)
	readPNG(t, path)
}
