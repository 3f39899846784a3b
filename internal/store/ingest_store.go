// Package store persists ingest records, the bookkeeping rows that track
// each stored photo and its thumbnail lifecycle. Two implementations exist:
// an in-memory map for development and tests, and Postgres for production.
package store

import (
	"context"
	"errors"

	"github.com/urbanatlas/fotopipe/internal/domain"
)

var ErrIngestNotFound = errors.New("ingest record not found")

type IngestStore interface {
	Create(ctx context.Context, rec domain.IngestRecord) error
	Get(ctx context.Context, id string) (domain.IngestRecord, bool, error)
	GetByArtifact(ctx context.Context, artifactName string) (domain.IngestRecord, bool, error)
	// SetThumbnail records the derived thumbnail name together with the
	// resulting status in one step.
	SetThumbnail(ctx context.Context, id, thumbnailName, status string) (domain.IngestRecord, error)
	UpdateStatus(ctx context.Context, id, status string) (domain.IngestRecord, error)
	// DeleteByArtifact is idempotent: deleting an absent record succeeds.
	DeleteByArtifact(ctx context.Context, artifactName string) error
	RecordStats(ctx context.Context, stats domain.ProcessingStats) error
}
