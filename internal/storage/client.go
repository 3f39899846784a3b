package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/urbanatlas/fotopipe/internal/domain"
)

// ErrInvalidName is returned for any key that does not follow the generated
// artifact naming convention. Names never come from users, so a mismatch is
// rejected before touching the filesystem.
var ErrInvalidName = errors.New("invalid artifact name")

// Store is a flat-directory artifact store. Every artifact lives directly
// under the managed directory; existence is determined purely by filename
// convention, with no manifest.
type Store struct {
	dir string
}

func New(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("artifact directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact directory %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) Dir() string {
	return s.dir
}

// Write stores an artifact atomically: bytes land in a dot-prefixed temp
// file first and are renamed into place, so a concurrent reader never sees
// a partial artifact.
func (s *Store) Write(ctx context.Context, name string, data []byte) error {
	if !domain.ValidArtifactName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	tmp := filepath.Join(s.dir, "."+uuid.NewString()+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write artifact temp file: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, name)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish artifact %s: %w", name, err)
	}
	return nil
}

// Read returns the stored bytes for name. A missing artifact satisfies
// errors.Is(err, fs.ErrNotExist).
func (s *Store) Read(ctx context.Context, name string) ([]byte, error) {
	if !domain.ValidArtifactName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", name, err)
	}
	return data, nil
}

func (s *Store) Exists(ctx context.Context, name string) (bool, error) {
	if !domain.ValidArtifactName(name) {
		return false, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	_, err := os.Stat(filepath.Join(s.dir, name))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat artifact %s: %w", name, err)
}

// Delete removes an artifact and its sibling thumbnail. Absence of either
// file is success, so repeated deletes of the same name always succeed.
// Both removals are attempted even if the first fails; whichever half
// succeeded stays deleted.
func (s *Store) Delete(ctx context.Context, name string) error {
	if !domain.ValidArtifactName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	thumb := domain.ThumbnailName(name)
	mainErr := removeIfPresent(filepath.Join(s.dir, name))
	thumbErr := removeIfPresent(filepath.Join(s.dir, thumb))

	if mainErr != nil {
		return fmt.Errorf("remove artifact %s: %w", name, mainErr)
	}
	if thumbErr != nil {
		return fmt.Errorf("remove thumbnail %s: %w", thumb, thumbErr)
	}
	return nil
}

func removeIfPresent(path string) error {
	err := os.Remove(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
