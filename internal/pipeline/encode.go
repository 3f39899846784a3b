package pipeline

import (
	"bytes"
	"fmt"
	"image/png"
	"strings"

	"github.com/disintegration/imaging"
)

// encodeProfile captures the format-specific encode parameters for one
// extension. The table replaces per-format branching: the encoder looks a
// profile up once and applies it.
type encodeProfile struct {
	format         imaging.Format
	supportsAlpha  bool
	qualityApplies bool
}

var encodeProfiles = map[string]encodeProfile{
	"jpg":  {format: imaging.JPEG, supportsAlpha: false, qualityApplies: true},
	"jpeg": {format: imaging.JPEG, supportsAlpha: false, qualityApplies: true},
	"png":  {format: imaging.PNG, supportsAlpha: true, qualityApplies: false},
	"gif":  {format: imaging.GIF, supportsAlpha: true, qualityApplies: false},
	"tif":  {format: imaging.TIFF, supportsAlpha: true, qualityApplies: false},
	"tiff": {format: imaging.TIFF, supportsAlpha: true, qualityApplies: false},
	"bmp":  {format: imaging.BMP, supportsAlpha: false, qualityApplies: false},
}

func profileFor(ext string) (encodeProfile, bool) {
	prof, ok := encodeProfiles[strings.ToLower(ext)]
	return prof, ok
}

// Encode serializes the raster in the format implied by ext. Lossy formats
// honor quality (1..100); lossless formats get best-effort compression.
func Encode(r Raster, ext string, quality int) ([]byte, error) {
	prof, ok := profileFor(ext)
	if !ok {
		return nil, fmt.Errorf("%w: no encoder for .%s", ErrEncode, ext)
	}

	var opts []imaging.EncodeOption
	if prof.qualityApplies {
		if quality <= 0 || quality > 100 {
			quality = 85
		}
		opts = append(opts, imaging.JPEGQuality(quality))
	}
	if prof.format == imaging.PNG {
		opts = append(opts, imaging.PNGCompressionLevel(png.BestCompression))
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, r.Img, prof.format, opts...); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	return buf.Bytes(), nil
}
