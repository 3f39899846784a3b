package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/rs/zerolog"

	"github.com/urbanatlas/fotopipe/internal/domain"
	"github.com/urbanatlas/fotopipe/internal/id"
)

// RawUpload is one submitted file: opaque bytes plus the filename the
// client claimed. It is consumed by a single Process call and discarded.
type RawUpload struct {
	Filename string
	Data     []byte
}

// EncodeSpec bundles the caller-supplied constraints for one pipeline run.
// It is never mutated by the pipeline. MaxBytes is enforced by the caller
// before invocation, not here; it travels with the rest of the constraints
// so the caller has one bundle to hold.
type EncodeSpec struct {
	MaxWidth          int
	Quality           int
	MaxBytes          int64
	MaxPixels         int64
	AllowedExtensions map[string]bool
}

func DefaultEncodeSpec() EncodeSpec {
	return EncodeSpec{
		MaxWidth:  1200,
		Quality:   85,
		MaxBytes:  5 << 20,
		MaxPixels: 40_000_000,
		AllowedExtensions: map[string]bool{
			"png":  true,
			"jpg":  true,
			"jpeg": true,
		},
	}
}

// ThumbnailSpec bounds a derived thumbnail: neither output dimension
// exceeds the box.
type ThumbnailSpec struct {
	BoxWidth  int
	BoxHeight int
	Quality   int
	MaxPixels int64
}

func DefaultThumbnailSpec() ThumbnailSpec {
	return ThumbnailSpec{
		BoxWidth:  200,
		BoxHeight: 200,
		Quality:   80,
		MaxPixels: 40_000_000,
	}
}

// Result describes a stored artifact.
type Result struct {
	Name         string
	Format       string
	Width        int
	Height       int
	Bytes        int
	SourceWidth  int
	SourceHeight int
}

// ArtifactStore is the filesystem-backed key space the pipeline writes to.
// Read reports a missing artifact with an error satisfying
// errors.Is(err, fs.ErrNotExist). Delete removes an artifact together with
// its sibling thumbnail and treats absence as success.
type ArtifactStore interface {
	Write(ctx context.Context, name string, data []byte) error
	Read(ctx context.Context, name string) ([]byte, error)
	Delete(ctx context.Context, name string) error
}

type Pipeline struct {
	store  ArtifactStore
	logger zerolog.Logger
}

func New(store ArtifactStore, logger zerolog.Logger) *Pipeline {
	return &Pipeline{store: store, logger: logger}
}

// Process runs one upload through decode, orientation correction, color
// normalization, resize, and encode, then stores the result under a fresh
// collision-resistant name. The run owns every intermediate raster; nothing
// is shared across concurrent runs.
func (p *Pipeline) Process(ctx context.Context, upload RawUpload, spec EncodeSpec) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	default:
	}

	ext, err := validateExtension(upload.Filename, spec)
	if err != nil {
		return Result{}, err
	}
	if len(upload.Data) == 0 {
		return Result{}, fmt.Errorf("%w: empty upload", ErrDecode)
	}
	if err := checkSignature(upload.Data, ext); err != nil {
		return Result{}, err
	}

	raster, err := decodeRaster(upload.Data, spec.MaxPixels)
	if err != nil {
		return Result{}, err
	}
	srcW, srcH := raster.Width(), raster.Height()

	tag, exifErr := readOrientation(bytes.NewReader(upload.Data))
	if exifErr != nil {
		// Broken orientation metadata degrades to identity instead of
		// failing the run; the notice is the only trace.
		p.logger.Warn().
			Err(exifErr).
			Str("filename", upload.Filename).
			Msg("orientation metadata unreadable, keeping stored pixel order")
		tag = 0
	}
	upright := Orient(raster, tag)

	flat, err := Normalize(upright)
	if err != nil {
		return Result{}, err
	}

	resized, err := Resize(flat, spec.MaxWidth)
	if err != nil {
		return Result{}, err
	}

	encoded, err := Encode(resized, ext, spec.Quality)
	if err != nil {
		return Result{}, err
	}

	stem, err := id.New()
	if err != nil {
		return Result{}, fmt.Errorf("%w: name artifact: %v", ErrStorage, err)
	}
	name := stem + "." + ext

	if err := p.store.Write(ctx, name, encoded); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	p.logger.Debug().
		Str("artifact", name).
		Int("width", resized.Width()).
		Int("height", resized.Height()).
		Int("bytes", len(encoded)).
		Int("orientation", tag).
		Msg("artifact stored")

	return Result{
		Name:         name,
		Format:       ext,
		Width:        resized.Width(),
		Height:       resized.Height(),
		Bytes:        len(encoded),
		SourceWidth:  srcW,
		SourceHeight: srcH,
	}, nil
}

// DeriveThumbnail re-opens a stored main artifact and stores a bounded
// sibling under the "<stem>_thumb.<ext>" convention. It runs independently
// of the original Process call, typically later and on another process.
func (p *Pipeline) DeriveThumbnail(ctx context.Context, mainName string, spec ThumbnailSpec) (Result, error) {
	if !domain.ValidArtifactName(mainName) || domain.IsThumbnailName(mainName) {
		return Result{}, fmt.Errorf("%w: %s", ErrNotFound, mainName)
	}

	data, err := p.store.Read(ctx, mainName)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Result{}, fmt.Errorf("%w: %s", ErrNotFound, mainName)
		}
		return Result{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	raster, err := decodeRaster(data, spec.MaxPixels)
	if err != nil {
		return Result{}, err
	}
	srcW, srcH := raster.Width(), raster.Height()

	ext := domain.ArtifactExt(mainName)
	prof, ok := profileFor(ext)
	if !ok {
		return Result{}, fmt.Errorf("%w: no encoder for .%s", ErrEncode, ext)
	}

	thumb, err := FitWithin(raster, spec.BoxWidth, spec.BoxHeight)
	if err != nil {
		return Result{}, err
	}
	if !prof.supportsAlpha {
		thumb, err = Normalize(thumb)
		if err != nil {
			return Result{}, err
		}
	}

	encoded, err := Encode(thumb, ext, spec.Quality)
	if err != nil {
		return Result{}, err
	}

	thumbName := domain.ThumbnailName(mainName)
	if err := p.store.Write(ctx, thumbName, encoded); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	p.logger.Debug().
		Str("artifact", mainName).
		Str("thumbnail", thumbName).
		Int("width", thumb.Width()).
		Int("height", thumb.Height()).
		Msg("thumbnail stored")

	return Result{
		Name:         thumbName,
		Format:       ext,
		Width:        thumb.Width(),
		Height:       thumb.Height(),
		Bytes:        len(encoded),
		SourceWidth:  srcW,
		SourceHeight: srcH,
	}, nil
}

// Delete removes an artifact and its sibling thumbnail. Absence is success:
// deleting an unknown or already-deleted name returns nil. A name that
// cannot address any stored artifact is treated the same as an absent one.
func (p *Pipeline) Delete(ctx context.Context, name string) error {
	if !domain.ValidArtifactName(name) {
		return nil
	}
	if err := p.store.Delete(ctx, name); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}
