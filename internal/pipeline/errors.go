package pipeline

import "errors"

// Failure taxonomy for a pipeline run. Every error returned from Process,
// DeriveThumbnail, or Delete wraps exactly one of these sentinels; callers
// classify with errors.Is and decide whether to retry with different input.
var (
	ErrUnsupportedFormat = errors.New("unsupported image format")
	ErrDecode            = errors.New("image decode failed")
	ErrColorConversion   = errors.New("color conversion failed")
	ErrResize            = errors.New("resize failed")
	ErrEncode            = errors.New("image encode failed")
	ErrNotFound          = errors.New("artifact not found")
	ErrStorage           = errors.New("artifact storage failed")
)
