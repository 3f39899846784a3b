package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	IngestStatusStored          = "stored"
	IngestStatusThumbnailing    = "thumbnailing"
	IngestStatusComplete        = "complete"
	IngestStatusThumbnailFailed = "thumbnail_failed"
)

// IngestRecord tracks one stored photo and its thumbnail lifecycle. The
// pipeline itself never reads or writes these; they belong to the
// surrounding service.
type IngestRecord struct {
	ID             string
	SourceFilename string
	ArtifactName   string
	ThumbnailName  string
	Width          int
	Height         int
	Status         string
	WebhookURL     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (r IngestRecord) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("ingest id is required")
	}
	if !ValidArtifactName(r.ArtifactName) {
		return fmt.Errorf("invalid artifact name: %q", r.ArtifactName)
	}
	switch r.Status {
	case IngestStatusStored, IngestStatusThumbnailing, IngestStatusComplete, IngestStatusThumbnailFailed:
	default:
		return fmt.Errorf("unsupported ingest status: %s", r.Status)
	}
	return nil
}

// ProcessingStats captures per-run pipeline cost, recorded after each
// successful ingest.
type ProcessingStats struct {
	IngestID        string
	PixelsProcessed int64
	BytesIn         int64
	BytesOut        int64
	ComputeTimeMS   int64
	CreatedAt       time.Time
}
