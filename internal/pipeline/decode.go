package pipeline

import (
	"bytes"
	"fmt"
	"image"
	"net/http"
	"path/filepath"
	"strings"

	// Decode support is wider than encode support so signature checks and
	// error messages stay accurate for formats the allow-list may admit.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// sniffedTypes maps claimed extensions to the content type the byte
// signature must resolve to. Extensions outside this table are accepted on
// allow-list grounds alone and left to the decoder to reject.
var sniffedTypes = map[string]string{
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"webp": "image/webp",
	"bmp":  "image/bmp",
}

func validateExtension(filename string, spec EncodeSpec) (string, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	if ext == "" {
		return "", fmt.Errorf("%w: %q has no extension", ErrUnsupportedFormat, filename)
	}
	if !spec.AllowedExtensions[ext] {
		return "", fmt.Errorf("%w: .%s", ErrUnsupportedFormat, ext)
	}
	return ext, nil
}

// checkSignature cross-checks the byte signature against the claimed
// extension family, rejecting polyglots such as HTML served as .jpg.
func checkSignature(data []byte, ext string) error {
	contentType := http.DetectContentType(data)
	if want, known := sniffedTypes[ext]; known {
		if contentType != want {
			return fmt.Errorf("%w: .%s claimed but signature is %s", ErrUnsupportedFormat, ext, contentType)
		}
		return nil
	}
	if strings.HasPrefix(contentType, "image/") || contentType == "application/octet-stream" {
		return nil
	}
	return fmt.Errorf("%w: signature is %s", ErrUnsupportedFormat, contentType)
}

// decodeRaster probes the header first so a small file claiming an extreme
// resolution is rejected before any pixel buffer is allocated.
func decodeRaster(data []byte, maxPixels int64) (Raster, error) {
	if len(data) == 0 {
		return Raster{}, fmt.Errorf("%w: empty input", ErrDecode)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Raster{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Raster{}, fmt.Errorf("%w: header declares %dx%d", ErrDecode, cfg.Width, cfg.Height)
	}
	if maxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		return Raster{}, fmt.Errorf("%w: %dx%d exceeds %d pixel ceiling", ErrDecode, cfg.Width, cfg.Height, maxPixels)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Raster{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return Raster{Img: img, Mode: classifyMode(img)}, nil
}
