package warp

import (
	"fmt"

	"golang.org/x/image/draw"
)

// Resampling selects how pixel values are interpolated when the source and
// target grids do not coincide.
type Resampling int

const (
	Nearest Resampling = iota
	Bilinear
	Cubic
)

// ParseResampling maps the user-facing method names. The empty string means
// the default, nearest.
func ParseResampling(name string) (Resampling, error) {
	switch name {
	case "", "nearest":
		return Nearest, nil
	case "bilinear":
		return Bilinear, nil
	case "cubic":
		return Cubic, nil
	default:
		return Nearest, fmt.Errorf("%w: %q", ErrUnknownResampling, name)
	}
}

func (r Resampling) String() string {
	switch r {
	case Nearest:
		return "nearest"
	case Bilinear:
		return "bilinear"
	case Cubic:
		return "cubic"
	default:
		return fmt.Sprintf("resampling(%d)", int(r))
	}
}

func (r Resampling) valid() bool {
	return r >= Nearest && r <= Cubic
}

// Scaler returns the image scaler implementing the method.
func (r Resampling) Scaler() draw.Interpolator {
	switch r {
	case Bilinear:
		return draw.ApproxBiLinear
	case Cubic:
		return draw.CatmullRom
	default:
		return draw.NearestNeighbor
	}
}
