package geotiff

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-spatial/geom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testImage returns a 40x25 gradient with a few recognizable values.
func testImage() *image.Gray {
	img := image.NewGray(image.Rect(0, 0, 40, 25))
	for y := 0; y < 25; y++ {
		for x := 0; x < 40; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8(x*5 + y)})
		}
	}
	img.SetGray(0, 0, color.Gray{Y: 200})
	img.SetGray(39, 24, color.Gray{Y: 201})
	return img
}

func testGeoref() Georef {
	return Georef{
		OriginX: 594000,
		OriginY: 4159000,
		ResX:    30,
		ResY:    30,
		EPSG:    32617,
		NoData:  255,
	}
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		options []WriteOption
	}{
		{name: "uncompressed"},
		{name: "deflate", options: []WriteOption{WithDeflate()}},
		{name: "deflate with predictor", options: []WriteOption{WithDeflate(), WithPredictor()}},
		{name: "many short strips", options: []WriteOption{WithRowsPerStrip(1)}},
		{name: "single strip", options: []WriteOption{WithRowsPerStrip(25)}},
		{name: "strip count not dividing height", options: []WriteOption{WithRowsPerStrip(7), WithDeflate()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "mask.tif")
			img := testImage()
			require.NoError(t, WriteGray(path, img, testGeoref(), tt.options...))

			dataset, err := Open(path)
			require.NoError(t, err)
			defer dataset.Close()

			width, height := dataset.Size()
			assert.Equal(t, 40, width)
			assert.Equal(t, 25, height)
			assert.Equal(t, uint(32617), dataset.EPSG())
			assert.Equal(t, uint8(255), dataset.NoData())

			resX, resY := dataset.Resolution()
			assert.Equal(t, 30.0, resX)
			assert.Equal(t, 30.0, resY)
			assert.Equal(t, geom.Extent{594000, 4159000 - 25*30, 594000 + 40*30, 4159000}, dataset.Bounds())

			got, err := dataset.Gray()
			require.NoError(t, err)
			assert.Equal(t, img.Pix, got.Pix)
		})
	}
}

func TestRoundTripGeographic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mask.tif")
	georef := Georef{OriginX: -80.9, OriginY: 37.8, ResX: 0.001, ResY: 0.001, EPSG: 4326}
	require.NoError(t, WriteGray(path, testImage(), georef))

	dataset, err := Open(path)
	require.NoError(t, err)
	defer dataset.Close()

	assert.Equal(t, uint(4326), dataset.EPSG())
	assert.Equal(t, uint8(0), dataset.NoData())
}

func TestReadGrayWindow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mask.tif")
	img := testImage()
	require.NoError(t, WriteGray(path, img, testGeoref(), WithRowsPerStrip(4)))

	dataset, err := Open(path)
	require.NoError(t, err)
	defer dataset.Close()

	t.Run("interior window crossing strips", func(t *testing.T) {
		got, err := dataset.ReadGray(image.Rect(3, 2, 17, 11))
		require.NoError(t, err)
		for y := 2; y < 11; y++ {
			for x := 3; x < 17; x++ {
				assert.Equal(t, img.GrayAt(x, y), got.GrayAt(x, y), "pixel %d,%d", x, y)
			}
		}
	})

	t.Run("window beyond the raster is nodata padded", func(t *testing.T) {
		got, err := dataset.ReadGray(image.Rect(30, 20, 50, 30))
		require.NoError(t, err)
		assert.Equal(t, img.GrayAt(35, 22), got.GrayAt(35, 22))
		assert.Equal(t, uint8(255), got.GrayAt(45, 22).Y, "east of the raster")
		assert.Equal(t, uint8(255), got.GrayAt(35, 27).Y, "south of the raster")
	})

	t.Run("fully outside window", func(t *testing.T) {
		got, err := dataset.ReadGray(image.Rect(100, 100, 110, 110))
		require.NoError(t, err)
		for _, pix := range got.Pix {
			require.Equal(t, uint8(255), pix)
		}
	})
}

func TestOpenErrors(t *testing.T) {
	t.Run("no such file", func(t *testing.T) {
		_, err := Open(filepath.Join(t.TempDir(), "absent.tif"))
		require.Error(t, err)
	})

	t.Run("not a tiff", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "garbage.tif")
		require.NoError(t, os.WriteFile(path, []byte("PNG is not TIFF, promise"), 0o644))
		_, err := Open(path)
		require.Error(t, err)
	})

	t.Run("no georeferencing", func(t *testing.T) {
		// a bare tiff written by stripping the geo tags: simplest to fake by
		// writing a valid file and truncating it below the ifd
		path := filepath.Join(t.TempDir(), "cut.tif")
		require.NoError(t, WriteGray(path, testImage(), testGeoref()))
		info, err := os.Stat(path)
		require.NoError(t, err)
		require.NoError(t, os.Truncate(path, info.Size()/2))
		_, err = Open(path)
		require.Error(t, err)
	})
}

func TestWriteGrayRejects(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name   string
		img    *image.Gray
		georef Georef
	}{
		{name: "empty image", img: image.NewGray(image.Rect(0, 0, 0, 0)), georef: testGeoref()},
		{name: "zero resolution", img: testImage(), georef: Georef{ResX: 0, ResY: 30, EPSG: 3857}},
		{name: "negative resolution", img: testImage(), georef: Georef{ResX: 30, ResY: -30, EPSG: 3857}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := WriteGray(filepath.Join(dir, "out.tif"), tt.img, tt.georef)
			require.ErrorIs(t, err, ErrUnsupportedLayout)
		})
	}
}

func TestWriteGraySubimage(t *testing.T) {
	// a window into a larger image must serialize its own pixels only
	big := image.NewGray(image.Rect(0, 0, 100, 100))
	for i := range big.Pix {
		big.Pix[i] = uint8(i % 251)
	}
	sub, ok := big.SubImage(image.Rect(10, 20, 42, 52)).(*image.Gray)
	require.True(t, ok)

	path := filepath.Join(t.TempDir(), "sub.tif")
	require.NoError(t, WriteGray(path, sub, testGeoref()))

	dataset, err := Open(path)
	require.NoError(t, err)
	defer dataset.Close()

	width, height := dataset.Size()
	require.Equal(t, 32, width)
	require.Equal(t, 32, height)
	got, err := dataset.Gray()
	require.NoError(t, err)
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			assert.Equal(t, big.GrayAt(10+x, 20+y).Y, got.GrayAt(x, y).Y)
		}
	}
}

func TestParseGDALNoData(t *testing.T) {
	tests := []struct {
		in   string
		want uint8
	}{
		{in: "", want: 0},
		{in: "0", want: 0},
		{in: "255", want: 255},
		{in: "255\x00", want: 255},
		{in: " 17 ", want: 17},
		{in: "3.7", want: 4},
		{in: "-1", want: 0},
		{in: "300", want: 255},
		{in: "nan", want: 0},
		{in: "not a number", want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, parseGDALNoData(tt.in))
		})
	}
}

func TestUndoHorizontalPredictor(t *testing.T) {
	data := []byte{10, 5, 251, 3, 100, 156, 1, 255}
	undoHorizontalPredictor(data, 4)
	assert.Equal(t, []byte{10, 15, 10, 13, 100, 0, 1, 0}, data)
}
