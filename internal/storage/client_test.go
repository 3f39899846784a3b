package storage

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/urbanatlas/fotopipe/internal/domain"
)

const (
	testMain  = "0123456789abcdef0123456789abcdef.jpg"
	testThumb = "0123456789abcdef0123456789abcdef_thumb.jpg"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New store: %v", err)
	}
	return s
}

func TestWriteReadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	want := []byte("jpeg bytes")
	if err := s.Write(ctx, testMain, want); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := s.Read(ctx, testMain)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("Read = %q, want %q", got, want)
	}

	exists, err := s.Exists(ctx, testMain)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if !exists {
		t.Fatal("Exists = false after Write")
	}
}

func TestWriteLeavesNoTempFiles(t *testing.T) {
	s := newTestStore(t)
	if err := s.Write(context.Background(), testMain, []byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	entries, err := os.ReadDir(s.Dir())
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != testMain {
		t.Fatalf("directory contains %d entries, want only %s", len(entries), testMain)
	}
}

func TestReadMissingIsNotExist(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Read(context.Background(), testMain)
	if err == nil {
		t.Fatal("Read of missing artifact succeeded")
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("Read error = %v, want fs.ErrNotExist", err)
	}
}

func TestDeleteRemovesPair(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Write(ctx, testMain, []byte("main")); err != nil {
		t.Fatalf("Write main: %v", err)
	}
	if err := s.Write(ctx, testThumb, []byte("thumb")); err != nil {
		t.Fatalf("Write thumb: %v", err)
	}

	if err := s.Delete(ctx, testMain); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	for _, name := range []string{testMain, testThumb} {
		if _, err := os.Stat(filepath.Join(s.Dir(), name)); !errors.Is(err, fs.ErrNotExist) {
			t.Errorf("%s still present after Delete", name)
		}
	}
}

func TestDeleteIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Write(ctx, testMain, []byte("main")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// First delete removes; second observes absence. Both succeed.
	if err := s.Delete(ctx, testMain); err != nil {
		t.Fatalf("first Delete: %v", err)
	}
	if err := s.Delete(ctx, testMain); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
}

func TestDeleteMainWithoutThumbnail(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Write(ctx, testMain, []byte("main")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Delete(ctx, testMain); err != nil {
		t.Fatalf("Delete with missing thumbnail: %v", err)
	}
	exists, err := s.Exists(ctx, testMain)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if exists {
		t.Fatal("main artifact still present after Delete")
	}
}

func TestInvalidNamesRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	bad := []string{
		"",
		"photo.jpg",
		"../escape.jpg",
		"0123456789abcdef0123456789abcdef.jpg/../x.jpg",
		"0123456789ABCDEF0123456789ABCDEF.jpg",
	}
	for _, name := range bad {
		if err := s.Write(ctx, name, []byte("x")); !errors.Is(err, ErrInvalidName) {
			t.Errorf("Write(%q) error = %v, want ErrInvalidName", name, err)
		}
		if _, err := s.Read(ctx, name); !errors.Is(err, ErrInvalidName) {
			t.Errorf("Read(%q) error = %v, want ErrInvalidName", name, err)
		}
		if err := s.Delete(ctx, name); !errors.Is(err, ErrInvalidName) {
			t.Errorf("Delete(%q) error = %v, want ErrInvalidName", name, err)
		}
	}
}

func TestThumbnailNameConvention(t *testing.T) {
	if got := domain.ThumbnailName(testMain); got != testThumb {
		t.Fatalf("ThumbnailName = %q, want %q", got, testThumb)
	}
}
