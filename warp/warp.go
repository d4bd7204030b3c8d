// Package warp reprojects single-band mask rasters between spatial
// reference systems. The projection mathematics are the engine's
// (terrascope samples every output pixel through proj4go); this package
// owns the grid bookkeeping around it: output alignment, resampling
// strategy and nodata handling.
package warp

import (
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/go-spatial/geom"
	"github.com/terrascope/geometry"
	"github.com/terrascope/proj4go"
	"github.com/terrascope/raster"
	"github.com/terrascope/scimage"
	"golang.org/x/image/draw"

	"github.com/pdok/tilemask/geotiff"
	"github.com/pdok/tilemask/mathhelp"
	"github.com/pdok/tilemask/tilegrid"
)

var (
	ErrReprojection      = errors.New("reprojection failed")
	ErrUnsupportedSRS    = errors.New("unsupported spatial reference system")
	ErrUnknownResampling = errors.New("unknown resampling method")
)

// Raster is a reprojected in-memory grid: the output of Reproject and the
// input of the pyramid stage. Immutable once returned.
type Raster struct {
	img    *image.Gray
	bounds geom.Extent
	xRes   float64
	yRes   float64
	srs    SRS
	nodata uint8
}

// Size returns the grid dimensions in pixels.
func (r *Raster) Size() (width, height int) {
	return r.img.Rect.Dx(), r.img.Rect.Dy()
}

// Bounds returns the grid extent in target units.
func (r *Raster) Bounds() geom.Extent {
	return r.bounds
}

// Resolution returns the pixel size in target units, both positive.
func (r *Raster) Resolution() (x, y float64) {
	return r.xRes, r.yRes
}

// EPSG returns the authority code of the target system, 0 for a raw proj4
// target.
func (r *Raster) EPSG() uint {
	return r.srs.EPSG
}

func (r *Raster) NoData() uint8 {
	return r.nodata
}

// ReadGray reads a window given in pixel coordinates. The window may extend
// beyond the grid; pixels outside are filled with the nodata value.
func (r *Raster) ReadGray(rect image.Rectangle) (*image.Gray, error) {
	rect = rect.Canon()
	window := image.NewGray(rect)
	if r.nodata != 0 {
		for i := range window.Pix {
			window.Pix[i] = r.nodata
		}
	}
	draw.Draw(window, rect.Intersect(r.img.Rect), r.img, rect.Intersect(r.img.Rect).Min, draw.Src)
	return window, nil
}

// Gray returns the full grid.
func (r *Raster) Gray() (*image.Gray, error) {
	return r.img, nil
}

// Reproject warps the dataset onto a new grid: bounds (in target units,
// grown outward to the pixel lattice anchored at its top left corner),
// target system and pixel size. Pixels the source does not cover come out
// as the source's nodata value.
//
// Nearest warps straight into the target grid. Bilinear and cubic first
// warp onto an intermediate grid near the source's own resolution, where
// nearest sampling loses nothing, then scale that to the target grid with
// the matching interpolator.
func Reproject(ds *geotiff.Dataset, bounds geom.Extent, targetSRS string,
	xRes, yRes float64, method Resampling) (*Raster, error) {
	if xRes <= 0 || yRes <= 0 {
		return nil, fmt.Errorf("%w: non-positive resolution %gx%g", ErrReprojection, xRes, yRes)
	}
	if !method.valid() {
		return nil, fmt.Errorf("%w: %w: %d", ErrReprojection, ErrUnknownResampling, int(method))
	}
	if err := tilegrid.CheckBounds(bounds); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReprojection, err)
	}
	target, err := ParseSRS(targetSRS)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReprojection, err)
	}
	source, err := SRSForEPSG(ds.EPSG())
	if err != nil {
		return nil, fmt.Errorf("%w: source: %w", ErrReprojection, err)
	}

	minX, maxX := mathhelp.AlignOut(bounds.MinX(), bounds.MaxX(), bounds.MinX(), xRes)
	minY, maxY := mathhelp.AlignOut(bounds.MinY(), bounds.MaxY(), bounds.MaxY(), yRes)
	width := max(1, int(math.Round((maxX-minX)/xRes)))
	height := max(1, int(math.Round((maxY-minY)/yRes)))
	aligned := geom.Extent{minX, maxY - float64(height)*yRes, minX + float64(width)*xRes, maxY}

	out := &Raster{
		bounds: aligned,
		xRes:   xRes,
		yRes:   yRes,
		srs:    target,
		nodata: ds.NoData(),
	}

	in, err := sourceRaster(ds, source)
	if err != nil {
		return nil, fmt.Errorf("%w: reading source: %w", ErrReprojection, err)
	}

	if method == Nearest {
		warped := warpInto(width, height, aligned, target, in, out.nodata)
		out.img = &image.Gray{Pix: warped.Pix, Stride: warped.Stride, Rect: warped.Rect}
		return out, nil
	}

	interWidth, interHeight := intermediateSize(ds, source, target, aligned, width, height)
	warped := warpInto(interWidth, interHeight, aligned, target, in, out.nodata)
	intermediate := &image.Gray{Pix: warped.Pix, Stride: warped.Stride, Rect: warped.Rect}

	out.img = image.NewGray(image.Rect(0, 0, width, height))
	if out.nodata != 0 {
		for i := range out.img.Pix {
			out.img.Pix[i] = out.nodata
		}
	}
	method.Scaler().Scale(out.img, out.img.Rect, intermediate, intermediate.Rect, draw.Src, nil)
	return out, nil
}

// sourceRaster loads the dataset into the engine's raster type.
func sourceRaster(ds *geotiff.Dataset, srs SRS) (*raster.Raster, error) {
	img, err := ds.Gray()
	if err != nil {
		return nil, err
	}
	bounds := ds.Bounds()
	return &raster.Raster{
		Image: &scimage.GrayU8{
			Pix:    img.Pix,
			Stride: img.Stride,
			Rect:   img.Rect,
			Min:    0,
			Max:    255,
			NoData: ds.NoData(),
		},
		Coverage: proj4go.Coverage{
			BoundingBox: geometry.BBox(bounds.MinX(), bounds.MinY(), bounds.MaxX(), bounds.MaxY()),
			Proj4:       srs.Proj4,
		},
	}, nil
}

// warpInto samples the input onto a fresh nodata-filled grid over extent.
// The engine leaves output pixels it cannot cover untouched, which is what
// makes the prefill the nodata guarantee.
func warpInto(width, height int, extent geom.Extent, srs SRS, in *raster.Raster, nodata uint8) *scimage.GrayU8 {
	out := scimage.NewGrayU8(image.Rect(0, 0, width, height), 0, 255, nodata)
	for i := range out.Pix {
		out.Pix[i] = nodata
	}
	warped := &raster.Raster{
		Image: out,
		Coverage: proj4go.Coverage{
			BoundingBox: geometry.BBox(extent.MinX(), extent.MinY(), extent.MaxX(), extent.MaxY()),
			Proj4:       srs.Proj4,
		},
	}
	warped.Warp(in)
	return out
}

// intermediateSize picks the grid for the first pass of bilinear and cubic
// warps: the number of source pixels under the output extent, so the warp
// itself runs near 1:1. Clamped to keep a pathological ratio from blowing
// up memory.
func intermediateSize(ds *geotiff.Dataset, source, target SRS, aligned geom.Extent, width, height int) (int, int) {
	srcResX, srcResY := ds.Resolution()
	footprint, err := TransformBounds(aligned, target, source)
	if err != nil {
		return width, height
	}
	src := ds.Bounds()
	spanX := math.Min(footprint.MaxX(), src.MaxX()) - math.Max(footprint.MinX(), src.MinX())
	spanY := math.Min(footprint.MaxY(), src.MaxY()) - math.Max(footprint.MinY(), src.MinY())
	if spanX <= 0 || spanY <= 0 {
		return width, height
	}
	interWidth := mathhelp.Clamp(int(math.Round(spanX/srcResX)), 1, 4*width)
	interHeight := mathhelp.Clamp(int(math.Round(spanY/srcResY)), 1, 4*height)
	return interWidth, interHeight
}
