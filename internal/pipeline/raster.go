package pipeline

import (
	"fmt"
	"image"
)

// ColorMode is the channel layout of a decoded raster.
type ColorMode string

const (
	ModeGray      ColorMode = "gray"
	ModeGrayAlpha ColorMode = "gray_alpha"
	ModeRGB       ColorMode = "rgb"
	ModeRGBA      ColorMode = "rgba"
	ModeIndexed   ColorMode = "indexed"
)

// Raster is the working representation passed between pipeline stages.
// Each stage consumes its input by value and returns a fresh Raster; no
// stage mutates an image another stage still holds.
type Raster struct {
	Img  image.Image
	Mode ColorMode
}

func (r Raster) Width() int {
	return r.Img.Bounds().Dx()
}

func (r Raster) Height() int {
	return r.Img.Bounds().Dy()
}

func classifyMode(img image.Image) ColorMode {
	switch v := img.(type) {
	case *image.Gray, *image.Gray16:
		return ModeGray
	case *image.Paletted:
		return ModeIndexed
	case *image.YCbCr, *image.CMYK:
		return ModeRGB
	case *image.Alpha, *image.Alpha16:
		return ModeGrayAlpha
	case *image.RGBA:
		if v.Opaque() {
			return ModeRGB
		}
		return ModeRGBA
	case *image.NRGBA:
		if v.Opaque() {
			return ModeRGB
		}
		return ModeRGBA
	default:
		// Unknown representations are treated as carrying alpha so they
		// always pass through the normalizer's composite.
		return ModeRGBA
	}
}

// validate guards the normalizer against rasters whose declared geometry
// does not match their backing buffer. Decoders never produce these; a
// hand-built raster can.
func (r Raster) validate() error {
	if r.Img == nil {
		return fmt.Errorf("%w: nil image", ErrColorConversion)
	}
	b := r.Img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return fmt.Errorf("%w: empty bounds %v", ErrColorConversion, b)
	}

	switch img := r.Img.(type) {
	case *image.Paletted:
		if len(img.Palette) == 0 {
			return fmt.Errorf("%w: indexed image with empty palette", ErrColorConversion)
		}
		if shortBuffer(len(img.Pix), img.Stride, b, 1) {
			return fmt.Errorf("%w: indexed pixel buffer too short", ErrColorConversion)
		}
	case *image.NRGBA:
		if shortBuffer(len(img.Pix), img.Stride, b, 4) {
			return fmt.Errorf("%w: rgba pixel buffer too short", ErrColorConversion)
		}
	case *image.RGBA:
		if shortBuffer(len(img.Pix), img.Stride, b, 4) {
			return fmt.Errorf("%w: rgba pixel buffer too short", ErrColorConversion)
		}
	case *image.Gray:
		if shortBuffer(len(img.Pix), img.Stride, b, 1) {
			return fmt.Errorf("%w: gray pixel buffer too short", ErrColorConversion)
		}
	}
	return nil
}

func shortBuffer(n, stride int, b image.Rectangle, bpp int) bool {
	if stride < b.Dx()*bpp {
		return true
	}
	need := (b.Dy()-1)*stride + b.Dx()*bpp
	return n < need
}
