// Package geotiff reads and writes single-band 8-bit GeoTIFF rasters, the
// mask format this tool consumes and produces. It understands just enough of
// the format for that job: striped or tiled layout, no/LZW/Deflate
// compression, pixel scale + tiepoint georeferencing and an EPSG code from
// the GeoKey directory. Everything fancier is rejected up front.
package geotiff

import (
	"bytes"
	"compress/zlib"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/go-spatial/geom"
	"github.com/google/tiff"
	_ "github.com/google/tiff/bigtiff"
	_ "github.com/google/tiff/geotiff"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/image/tiff/lzw"
)

var (
	ErrUnsupportedLayout = errors.New("unsupported geotiff layout")
	ErrNotGeoreferenced  = errors.New("missing georeferencing tags")

	errShortRead = errors.New("short read")
)

const (
	compressionNone       = 1
	compressionLZW        = 5
	compressionDeflate    = 8
	compressionDeflateOld = 32946

	tagGeoDoubleParams = 34736
	tagGeoASCIIParams  = 34737
)

// maskIFD is a struct into which github.com/google/tiff can unmarshal an IFD.
// Absent tags are left at their zero value and normalized afterwards.
type maskIFD struct {
	ImageWidth                uint32    `tiff:"field,tag=256"`
	ImageLength               uint32    `tiff:"field,tag=257"`
	BitsPerSample             uint16    `tiff:"field,tag=258"`
	Compression               uint16    `tiff:"field,tag=259"`
	PhotometricInterpretation uint16    `tiff:"field,tag=262"`
	StripOffsets              []uint64  `tiff:"field,tag=273"`
	SamplesPerPixel           uint16    `tiff:"field,tag=277"`
	RowsPerStrip              uint32    `tiff:"field,tag=278"`
	StripByteCounts           []uint64  `tiff:"field,tag=279"`
	PlanarConfiguration       uint16    `tiff:"field,tag=284"`
	Predictor                 uint16    `tiff:"field,tag=317"`
	TileWidth                 uint16    `tiff:"field,tag=322"`
	TileLength                uint16    `tiff:"field,tag=323"`
	TileOffsets               []uint64  `tiff:"field,tag=324"`
	TileByteCounts            []uint64  `tiff:"field,tag=325"`
	SampleFormat              uint16    `tiff:"field,tag=339"`
	ModelPixelScaleTag        []float64 `tiff:"field,tag=33550"`
	ModelTiepointTag          []float64 `tiff:"field,tag=33922"`
	GeoKeyDirectoryTag        []uint16  `tiff:"field,tag=34735"`
	GeoDoubleParamsTag        []float64 `tiff:"field,tag=34736"`
	GeoASCIIParamsTag         string    `tiff:"field,tag=34737"`
	GDALNoData                string    `tiff:"field,tag=42113"`
}

// Dataset is an open, georeferenced, single-band 8-bit raster. It is
// read-only; blocks are decoded on demand and kept in an LRU cache.
type Dataset struct {
	file   *os.File
	path   string
	width  int
	height int

	originX float64 // top left corner in native units
	originY float64
	resX    float64 // pixel size, always positive
	resY    float64
	epsg    uint
	nodata  uint8

	tiled        bool
	blockWidth   int
	blockHeight  int
	blocksAcross int
	blocksDown   int
	offsets      []uint64
	counts       []uint64
	compression  uint16
	predictor    uint16

	cacheBytes int
	blockCache *lru.Cache[int, []byte]
}

type Option func(*Dataset)

// WithCacheBytes bounds the decoded-block cache. The default is 64MB.
func WithCacheBytes(n int) Option {
	return func(d *Dataset) {
		d.cacheBytes = n
	}
}

// Open parses the file's IFD and georeferencing. The first IFD is used; any
// further IFDs (overviews) are ignored. Pixel data is not read until
// ReadGray or Gray is called.
func Open(path string, options ...Option) (*Dataset, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	d := &Dataset{
		file:       file,
		path:       path,
		cacheBytes: 64 << 20,
	}
	for _, option := range options {
		option(d)
	}

	if err := d.parse(); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("geotiff %s: %w", path, err)
	}
	return d, nil
}

//nolint:cyclop,funlen
func (d *Dataset) parse() error {
	parsed, err := tiff.Parse(d.file, tiff.GetTagSpace("GeoTIFF"), nil)
	if err != nil {
		return err
	}
	if len(parsed.IFDs()) == 0 {
		return fmt.Errorf("%w: no IFDs", ErrUnsupportedLayout)
	}

	// first IFD is the full resolution image
	var ifd maskIFD
	if err := tiff.UnmarshalIFD(parsed.IFDs()[0], &ifd); err != nil {
		return err
	}

	// absent defaultable tags
	if ifd.Compression == 0 {
		ifd.Compression = compressionNone
	}
	if ifd.SamplesPerPixel == 0 {
		ifd.SamplesPerPixel = 1
	}
	if ifd.PlanarConfiguration == 0 {
		ifd.PlanarConfiguration = 1
	}
	if ifd.Predictor == 0 {
		ifd.Predictor = 1
	}
	if ifd.SampleFormat == 0 {
		ifd.SampleFormat = 1
	}

	switch {
	case ifd.ImageWidth == 0 || ifd.ImageLength == 0:
		return fmt.Errorf("%w: empty image", ErrUnsupportedLayout)
	case ifd.BitsPerSample != 8:
		return fmt.Errorf("%w: %d bits per sample, need 8", ErrUnsupportedLayout, ifd.BitsPerSample)
	case ifd.SamplesPerPixel != 1:
		return fmt.Errorf("%w: %d samples per pixel, need 1", ErrUnsupportedLayout, ifd.SamplesPerPixel)
	case ifd.SampleFormat != 1:
		return fmt.Errorf("%w: sample format %d, need unsigned", ErrUnsupportedLayout, ifd.SampleFormat)
	case ifd.PlanarConfiguration != 1:
		return fmt.Errorf("%w: planar configuration %d", ErrUnsupportedLayout, ifd.PlanarConfiguration)
	case ifd.PhotometricInterpretation > 1:
		return fmt.Errorf("%w: photometric interpretation %d", ErrUnsupportedLayout, ifd.PhotometricInterpretation)
	case ifd.Predictor != 1 && ifd.Predictor != 2:
		return fmt.Errorf("%w: predictor %d", ErrUnsupportedLayout, ifd.Predictor)
	}
	switch ifd.Compression {
	case compressionNone, compressionLZW, compressionDeflate, compressionDeflateOld:
	default:
		return fmt.Errorf("%w: compression %d", ErrUnsupportedLayout, ifd.Compression)
	}

	d.width = int(ifd.ImageWidth)
	d.height = int(ifd.ImageLength)
	d.compression = ifd.Compression
	d.predictor = ifd.Predictor

	switch {
	case len(ifd.TileOffsets) > 0:
		if ifd.TileWidth == 0 || ifd.TileLength == 0 {
			return fmt.Errorf("%w: tile offsets without tile size", ErrUnsupportedLayout)
		}
		d.tiled = true
		d.blockWidth = int(ifd.TileWidth)
		d.blockHeight = int(ifd.TileLength)
		d.offsets = ifd.TileOffsets
		d.counts = ifd.TileByteCounts
	case len(ifd.StripOffsets) > 0:
		rowsPerStrip := int(ifd.RowsPerStrip)
		if rowsPerStrip == 0 || rowsPerStrip > d.height {
			rowsPerStrip = d.height
		}
		d.blockWidth = d.width
		d.blockHeight = rowsPerStrip
		d.offsets = ifd.StripOffsets
		d.counts = ifd.StripByteCounts
	default:
		return fmt.Errorf("%w: neither strips nor tiles", ErrUnsupportedLayout)
	}
	d.blocksAcross = (d.width + d.blockWidth - 1) / d.blockWidth
	d.blocksDown = (d.height + d.blockHeight - 1) / d.blockHeight
	if len(d.offsets) != d.blocksAcross*d.blocksDown || len(d.counts) != len(d.offsets) {
		return fmt.Errorf("%w: %d blocks described, %d expected",
			ErrUnsupportedLayout, len(d.offsets), d.blocksAcross*d.blocksDown)
	}

	if err := d.parseGeoref(&ifd); err != nil {
		return err
	}

	d.nodata = parseGDALNoData(ifd.GDALNoData)

	blockBytes := d.blockWidth * d.blockHeight
	d.blockCache, err = lru.New[int, []byte](max(1, d.cacheBytes/blockBytes))
	return err
}

func (d *Dataset) parseGeoref(ifd *maskIFD) error {
	if len(ifd.ModelPixelScaleTag) < 2 || len(ifd.ModelTiepointTag) < 6 {
		return ErrNotGeoreferenced
	}
	scaleX, scaleY := ifd.ModelPixelScaleTag[0], ifd.ModelPixelScaleTag[1]
	if scaleX <= 0 || scaleY <= 0 {
		return fmt.Errorf("%w: non-positive pixel scale", ErrUnsupportedLayout)
	}
	// only the plain north-up case: the tiepoint anchors raster (0,0)
	i, j := ifd.ModelTiepointTag[0], ifd.ModelTiepointTag[1]
	if i != 0 || j != 0 {
		return fmt.Errorf("%w: tiepoint not anchored at the raster origin", ErrUnsupportedLayout)
	}
	d.resX = scaleX
	d.resY = scaleY
	d.originX = ifd.ModelTiepointTag[3]
	d.originY = ifd.ModelTiepointTag[4]

	keys, err := parseGeoKeys(ifd.GeoKeyDirectoryTag, ifd.GeoDoubleParamsTag, ifd.GeoASCIIParamsTag)
	if err != nil {
		return err
	}
	d.epsg, err = keys.epsg()
	if err != nil {
		return err
	}
	// PixelIsPoint means the tiepoint names a cell center, not its corner
	if keys.shorts[keyRasterType] == rasterTypePixelIsPoint {
		d.originX -= d.resX / 2
		d.originY += d.resY / 2
	}
	return nil
}

func parseGDALNoData(s string) uint8 {
	v, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimRight(s, "\x00")), 64)
	if err != nil || math.IsNaN(v) {
		return 0
	}
	return uint8(math.Round(math.Min(math.Max(v, 0), 255)))
}

func (d *Dataset) Close() error {
	return d.file.Close()
}

// Size returns the raster dimensions in pixels.
func (d *Dataset) Size() (width, height int) {
	return d.width, d.height
}

// Bounds returns the raster extent in native units.
func (d *Dataset) Bounds() geom.Extent {
	return geom.Extent{
		d.originX,
		d.originY - float64(d.height)*d.resY,
		d.originX + float64(d.width)*d.resX,
		d.originY,
	}
}

// Resolution returns the pixel size in native units, both positive.
func (d *Dataset) Resolution() (x, y float64) {
	return d.resX, d.resY
}

// EPSG returns the authority code of the raster's CRS.
func (d *Dataset) EPSG() uint {
	return d.epsg
}

// NoData returns the nodata value, 0 when the file declares none.
func (d *Dataset) NoData() uint8 {
	return d.nodata
}

// ReadGray reads a window given in pixel coordinates. The window may extend
// beyond the raster; pixels outside are filled with the nodata value.
func (d *Dataset) ReadGray(rect image.Rectangle) (*image.Gray, error) {
	rect = rect.Canon()
	img := image.NewGray(rect)
	if d.nodata != 0 {
		for i := range img.Pix {
			img.Pix[i] = d.nodata
		}
	}

	clip := rect.Intersect(image.Rect(0, 0, d.width, d.height))
	if clip.Empty() {
		return img, nil
	}

	for blockRow := clip.Min.Y / d.blockHeight; blockRow <= (clip.Max.Y-1)/d.blockHeight; blockRow++ {
		for blockCol := clip.Min.X / d.blockWidth; blockCol <= (clip.Max.X-1)/d.blockWidth; blockCol++ {
			data, err := d.block(blockRow*d.blocksAcross + blockCol)
			if err != nil {
				return nil, fmt.Errorf("geotiff %s: block %d,%d: %w", d.path, blockCol, blockRow, err)
			}
			originX := blockCol * d.blockWidth
			originY := blockRow * d.blockHeight
			x0 := max(clip.Min.X, originX)
			x1 := min(clip.Max.X, originX+d.blockWidth)
			y0 := max(clip.Min.Y, originY)
			y1 := min(clip.Max.Y, originY+d.blockRows(blockRow))
			for y := y0; y < y1; y++ {
				src := (y-originY)*d.blockWidth + (x0 - originX)
				dst := (y-rect.Min.Y)*img.Stride + (x0 - rect.Min.X)
				copy(img.Pix[dst:dst+(x1-x0)], data[src:src+(x1-x0)])
			}
		}
	}
	return img, nil
}

// Gray reads the whole raster.
func (d *Dataset) Gray() (*image.Gray, error) {
	return d.ReadGray(image.Rect(0, 0, d.width, d.height))
}

// blockRows returns the number of valid rows in the given block row; the
// final strip of a striped file may be short.
func (d *Dataset) blockRows(blockRow int) int {
	if d.tiled {
		return d.blockHeight
	}
	return min(d.blockHeight, d.height-blockRow*d.blockHeight)
}

func (d *Dataset) block(index int) ([]byte, error) {
	if data, ok := d.blockCache.Get(index); ok {
		return data, nil
	}
	data, err := d.decodeBlock(index)
	if err != nil {
		return nil, err
	}
	d.blockCache.Add(index, data)
	return data, nil
}

func (d *Dataset) decodeBlock(index int) ([]byte, error) {
	compressed := make([]byte, d.counts[index])
	switch n, err := d.file.ReadAt(compressed, int64(d.offsets[index])); {
	case err != nil && !errors.Is(err, io.EOF):
		return nil, err
	case n != len(compressed):
		return nil, errShortRead
	}

	want := d.blockRows(index/d.blocksAcross) * d.blockWidth
	var data []byte
	switch d.compression {
	case compressionNone:
		data = compressed
	case compressionLZW:
		data = make([]byte, want)
		reader := lzw.NewReader(bytes.NewReader(compressed), lzw.MSB, 8)
		if _, err := io.ReadFull(reader, data); err != nil {
			return nil, err
		}
	case compressionDeflate, compressionDeflateOld:
		reader, err := zlib.NewReader(bytes.NewReader(compressed))
		if err != nil {
			return nil, err
		}
		data = make([]byte, want)
		if _, err := io.ReadFull(reader, data); err != nil {
			return nil, err
		}
	}
	if len(data) < want {
		return nil, errShortRead
	}

	if d.predictor == 2 {
		undoHorizontalPredictor(data, d.blockWidth)
	}
	return data, nil
}

// undoHorizontalPredictor reverses TIFF predictor 2 (horizontal
// differencing) in place, row by row.
func undoHorizontalPredictor(data []byte, rowLength int) {
	for row := 0; row+rowLength <= len(data); row += rowLength {
		for i := 1; i < rowLength; i++ {
			data[row+i] += data[row+i-1]
		}
	}
}
