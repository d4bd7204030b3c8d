package geotiff

import (
	"bufio"
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"image"
	"io"
	"math"
	"os"
	"strconv"
)

// Georef describes where a raster sits. OriginX/OriginY is the top left
// corner, ResX/ResY the pixel size (both positive).
type Georef struct {
	OriginX float64
	OriginY float64
	ResX    float64
	ResY    float64
	EPSG    uint
	NoData  uint8
}

type WriteOption func(*tiffWriter)

// WithDeflate compresses strips with zlib deflate.
func WithDeflate() WriteOption {
	return func(w *tiffWriter) {
		w.compression = compressionDeflate
	}
}

// WithPredictor enables horizontal differencing before compression. It has
// no effect without WithDeflate.
func WithPredictor() WriteOption {
	return func(w *tiffWriter) {
		w.predictor = 2
	}
}

// WithRowsPerStrip overrides the strip height. The default targets strips of
// about 8KB, like libtiff.
func WithRowsPerStrip(rows int) WriteOption {
	return func(w *tiffWriter) {
		w.rowsPerStrip = rows
	}
}

const (
	typeASCII  = 2
	typeShort  = 3
	typeLong   = 4
	typeDouble = 12
)

type ifdEntry struct {
	tag   uint16
	typ   uint16
	count uint32
	value []byte // little-endian encoded
}

type tiffWriter struct {
	compression  uint16
	predictor    uint16
	rowsPerStrip int
}

// WriteGray writes img as a striped, little-endian, single-band GeoTIFF.
// The epsg code in the georef is stored as a projected CRS geokey, or as a
// geodetic one for plain lon/lat rasters.
func WriteGray(path string, img *image.Gray, georef Georef, options ...WriteOption) error {
	width := img.Rect.Dx()
	height := img.Rect.Dy()
	if width == 0 || height == 0 {
		return fmt.Errorf("geotiff %s: %w: empty image", path, ErrUnsupportedLayout)
	}
	if georef.ResX <= 0 || georef.ResY <= 0 {
		return fmt.Errorf("geotiff %s: %w: non-positive pixel scale", path, ErrUnsupportedLayout)
	}

	w := &tiffWriter{compression: compressionNone, predictor: 1}
	for _, option := range options {
		option(w)
	}
	if w.rowsPerStrip <= 0 {
		w.rowsPerStrip = max(1, 8192/width)
	}
	w.rowsPerStrip = min(w.rowsPerStrip, height)

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := w.write(file, img, georef); err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		return fmt.Errorf("geotiff %s: %w", path, err)
	}
	return file.Close()
}

func (w *tiffWriter) write(file *os.File, img *image.Gray, georef Georef) error {
	width := img.Rect.Dx()
	height := img.Rect.Dy()
	stripCount := (height + w.rowsPerStrip - 1) / w.rowsPerStrip

	buffered := bufio.NewWriter(file)
	// header with a placeholder ifd offset, fixed up at the end
	if _, err := buffered.Write([]byte{'I', 'I', 42, 0, 0, 0, 0, 0}); err != nil {
		return err
	}

	offsets := make([]uint32, 0, stripCount)
	counts := make([]uint32, 0, stripCount)
	position := uint32(8)
	row := make([]byte, width)
	for strip := 0; strip < stripCount; strip++ {
		encoded, err := w.encodeStrip(img, strip, row)
		if err != nil {
			return err
		}
		if _, err := buffered.Write(encoded); err != nil {
			return err
		}
		offsets = append(offsets, position)
		counts = append(counts, uint32(len(encoded)))
		position += uint32(len(encoded))
	}
	if position%2 == 1 {
		if err := buffered.WriteByte(0); err != nil {
			return err
		}
		position++
	}

	ifdOffset := position
	ifd := w.buildIFD(width, height, offsets, counts, georef)
	if err := writeIFD(buffered, ifd, ifdOffset); err != nil {
		return err
	}
	if err := buffered.Flush(); err != nil {
		return err
	}

	header := []byte{'I', 'I', 42, 0, 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(header[4:], ifdOffset)
	_, err := file.WriteAt(header, 0)
	return err
}

// encodeStrip extracts one strip and applies the predictor and compression.
// row is scratch space of one row, reused across strips.
func (w *tiffWriter) encodeStrip(img *image.Gray, strip int, row []byte) ([]byte, error) {
	width := img.Rect.Dx()
	firstRow := strip * w.rowsPerStrip
	lastRow := min(firstRow+w.rowsPerStrip, img.Rect.Dy())

	var buffer bytes.Buffer
	var destination io.Writer = &buffer
	var compressor *zlib.Writer
	if w.compression == compressionDeflate {
		compressor = zlib.NewWriter(&buffer)
		destination = compressor
	}

	for y := firstRow; y < lastRow; y++ {
		offset := img.PixOffset(img.Rect.Min.X, img.Rect.Min.Y+y)
		source := img.Pix[offset : offset+width]
		if w.predictor == 2 {
			row[0] = source[0]
			for i := 1; i < width; i++ {
				row[i] = source[i] - source[i-1]
			}
			source = row
		}
		if _, err := destination.Write(source); err != nil {
			return nil, err
		}
	}
	if compressor != nil {
		if err := compressor.Close(); err != nil {
			return nil, err
		}
	}
	return buffer.Bytes(), nil
}

//nolint:funlen
func (w *tiffWriter) buildIFD(width, height int, offsets, counts []uint32, georef Georef) []ifdEntry {
	modelType := uint16(modelTypeProjected)
	crsKey := keyProjectedCRS
	if geographicEPSG[georef.EPSG] {
		modelType = modelTypeGeographic
		crsKey = keyGeodeticCRS
	}
	geoKeyDirectory := []uint16{
		1, 1, 1, 3,
		uint16(keyModelType), 0, 1, modelType,
		uint16(keyRasterType), 0, 1, rasterTypePixelIsArea,
		uint16(crsKey), 0, 1, uint16(georef.EPSG),
	}
	nodata := strconv.Itoa(int(georef.NoData)) + "\x00"

	entries := []ifdEntry{
		{256, typeLong, 1, encodeLongs([]uint32{uint32(width)})},
		{257, typeLong, 1, encodeLongs([]uint32{uint32(height)})},
		{258, typeShort, 1, encodeShorts([]uint16{8})},
		{259, typeShort, 1, encodeShorts([]uint16{w.compression})},
		{262, typeShort, 1, encodeShorts([]uint16{1})},
		{273, typeLong, uint32(len(offsets)), encodeLongs(offsets)},
		{277, typeShort, 1, encodeShorts([]uint16{1})},
		{278, typeLong, 1, encodeLongs([]uint32{uint32(w.rowsPerStrip)})},
		{279, typeLong, uint32(len(counts)), encodeLongs(counts)},
		{284, typeShort, 1, encodeShorts([]uint16{1})},
	}
	if w.compression == compressionDeflate && w.predictor == 2 {
		entries = append(entries, ifdEntry{317, typeShort, 1, encodeShorts([]uint16{2})})
	}
	entries = append(entries,
		ifdEntry{339, typeShort, 1, encodeShorts([]uint16{1})},
		ifdEntry{33550, typeDouble, 3, encodeDoubles([]float64{georef.ResX, georef.ResY, 0})},
		ifdEntry{33922, typeDouble, 6, encodeDoubles([]float64{0, 0, 0, georef.OriginX, georef.OriginY, 0})},
		ifdEntry{34735, typeShort, uint32(len(geoKeyDirectory)), encodeShorts(geoKeyDirectory)},
		ifdEntry{42113, typeASCII, uint32(len(nodata)), []byte(nodata)},
	)
	return entries
}

// writeIFD writes the entry table followed by all out-of-line values. Tags
// are already in ascending order as the format requires.
func writeIFD(buffered *bufio.Writer, entries []ifdEntry, ifdOffset uint32) error {
	extraOffset := ifdOffset + 2 + 12*uint32(len(entries)) + 4

	table := encodeShorts([]uint16{uint16(len(entries))})
	var extras []byte
	for _, entry := range entries {
		table = append(table, encodeShorts([]uint16{entry.tag, entry.typ})...)
		table = append(table, encodeLongs([]uint32{entry.count})...)
		if len(entry.value) <= 4 {
			inline := make([]byte, 4)
			copy(inline, entry.value)
			table = append(table, inline...)
			continue
		}
		table = append(table, encodeLongs([]uint32{extraOffset})...)
		extras = append(extras, entry.value...)
		if len(entry.value)%2 == 1 {
			extras = append(extras, 0)
		}
		extraOffset += uint32(len(entry.value) + len(entry.value)%2)
	}
	table = append(table, 0, 0, 0, 0) // no next ifd

	if _, err := buffered.Write(table); err != nil {
		return err
	}
	_, err := buffered.Write(extras)
	return err
}

// geographicEPSG lists the lon/lat systems this tool can encounter. Anything
// else is written as a projected CRS key.
var geographicEPSG = map[uint]bool{
	4326: true,
	4258: true,
	4269: true,
}

func encodeShorts(values []uint16) []byte {
	encoded := make([]byte, 2*len(values))
	for i, value := range values {
		binary.LittleEndian.PutUint16(encoded[2*i:], value)
	}
	return encoded
}

func encodeLongs(values []uint32) []byte {
	encoded := make([]byte, 4*len(values))
	for i, value := range values {
		binary.LittleEndian.PutUint32(encoded[4*i:], value)
	}
	return encoded
}

func encodeDoubles(values []float64) []byte {
	encoded := make([]byte, 8*len(values))
	for i, value := range values {
		binary.LittleEndian.PutUint64(encoded[8*i:], math.Float64bits(value))
	}
	return encoded
}
