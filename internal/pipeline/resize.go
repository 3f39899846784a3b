package pipeline

import (
	"fmt"
	"math"

	"github.com/disintegration/imaging"
)

// Resize downsamples the raster to maxWidth when it is wider, preserving
// aspect ratio with the height rounded to the nearest integer. Rasters
// already within maxWidth are returned unchanged; the pipeline never
// upsamples.
func Resize(r Raster, maxWidth int) (Raster, error) {
	if maxWidth <= 0 {
		return Raster{}, fmt.Errorf("%w: max width %d", ErrResize, maxWidth)
	}

	w, h := r.Width(), r.Height()
	if w <= maxWidth {
		return r, nil
	}

	height := int(math.Round(float64(h) * float64(maxWidth) / float64(w)))
	if height < 1 {
		return Raster{}, fmt.Errorf("%w: %dx%d resolves to zero height at width %d", ErrResize, w, h, maxWidth)
	}

	return Raster{
		Img:  imaging.Resize(r.Img, maxWidth, height, imaging.Lanczos),
		Mode: r.Mode,
	}, nil
}

// FitWithin scales the raster down so neither dimension exceeds the box,
// preserving aspect ratio. Rasters already inside the box are unchanged.
func FitWithin(r Raster, boxWidth, boxHeight int) (Raster, error) {
	if boxWidth <= 0 || boxHeight <= 0 {
		return Raster{}, fmt.Errorf("%w: bounding box %dx%d", ErrResize, boxWidth, boxHeight)
	}
	return Raster{
		Img:  imaging.Fit(r.Img, boxWidth, boxHeight, imaging.Lanczos),
		Mode: r.Mode,
	}, nil
}
