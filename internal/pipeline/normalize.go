package pipeline

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

// background is the opaque canvas color alpha and palette transparency are
// composited onto.
var background = color.NRGBA{R: 255, G: 255, B: 255, A: 255}

// Normalize flattens any alpha or indexed representation onto an opaque
// white canvas, guaranteeing a raster whose mode is gray or rgb. Opaque
// inputs pass through unchanged, which makes the stage idempotent.
func Normalize(r Raster) (Raster, error) {
	if err := r.validate(); err != nil {
		return Raster{}, err
	}

	switch r.Mode {
	case ModeGray, ModeRGB:
		return r, nil
	}

	b := r.Img.Bounds()
	canvas := imaging.New(b.Dx(), b.Dy(), background)
	flat := imaging.Overlay(canvas, r.Img, image.Pt(0, 0), 1.0)
	return Raster{Img: flat, Mode: ModeRGB}, nil
}
