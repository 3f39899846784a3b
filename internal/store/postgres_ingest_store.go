package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/urbanatlas/fotopipe/internal/domain"
	_ "github.com/lib/pq"
)

const ingestSchemaSQL = `
CREATE TABLE IF NOT EXISTS ingests (
	id TEXT PRIMARY KEY,
	source_filename TEXT NOT NULL,
	artifact_name TEXT NOT NULL UNIQUE,
	thumbnail_name TEXT NOT NULL DEFAULT '',
	width INTEGER NOT NULL,
	height INTEGER NOT NULL,
	status TEXT NOT NULL,
	webhook_url TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS ingest_stats (
	id BIGSERIAL PRIMARY KEY,
	ingest_id TEXT NOT NULL,
	pixels_processed BIGINT NOT NULL,
	bytes_in BIGINT NOT NULL,
	bytes_out BIGINT NOT NULL,
	compute_time_ms BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
`

type PostgresIngestStore struct {
	db *sql.DB
}

var _ IngestStore = (*PostgresIngestStore)(nil)

func NewPostgresIngestStore(ctx context.Context, dsn string) (*PostgresIngestStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresIngestStore{db: db}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *PostgresIngestStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, ingestSchemaSQL); err != nil {
		return fmt.Errorf("ensure ingest schema: %w", err)
	}
	return nil
}

func (s *PostgresIngestStore) Close() error {
	return s.db.Close()
}

func (s *PostgresIngestStore) Create(ctx context.Context, rec domain.IngestRecord) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO ingests (id, source_filename, artifact_name, thumbnail_name, width, height, status, webhook_url, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID,
		rec.SourceFilename,
		rec.ArtifactName,
		rec.ThumbnailName,
		rec.Width,
		rec.Height,
		rec.Status,
		rec.WebhookURL,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert ingest record: %w", err)
	}
	return nil
}

func (s *PostgresIngestStore) Get(ctx context.Context, id string) (domain.IngestRecord, bool, error) {
	return s.getWhere(ctx, "id = $1", id)
}

func (s *PostgresIngestStore) GetByArtifact(ctx context.Context, artifactName string) (domain.IngestRecord, bool, error) {
	return s.getWhere(ctx, "artifact_name = $1", artifactName)
}

func (s *PostgresIngestStore) getWhere(ctx context.Context, where string, arg any) (domain.IngestRecord, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, source_filename, artifact_name, thumbnail_name, width, height, status, webhook_url, created_at, updated_at
		 FROM ingests
		 WHERE `+where,
		arg,
	)

	var rec domain.IngestRecord
	if err := row.Scan(
		&rec.ID,
		&rec.SourceFilename,
		&rec.ArtifactName,
		&rec.ThumbnailName,
		&rec.Width,
		&rec.Height,
		&rec.Status,
		&rec.WebhookURL,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return domain.IngestRecord{}, false, nil
		}
		return domain.IngestRecord{}, false, fmt.Errorf("query ingest record: %w", err)
	}

	return rec, true, nil
}

func (s *PostgresIngestStore) SetThumbnail(ctx context.Context, id, thumbnailName, status string) (domain.IngestRecord, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE ingests
		 SET thumbnail_name = $1, status = $2, updated_at = $3
		 WHERE id = $4`,
		thumbnailName,
		status,
		now,
		id,
	)
	if err != nil {
		return domain.IngestRecord{}, fmt.Errorf("update ingest thumbnail: %w", err)
	}
	return s.mustGet(ctx, id)
}

func (s *PostgresIngestStore) UpdateStatus(ctx context.Context, id, status string) (domain.IngestRecord, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE ingests
		 SET status = $1, updated_at = $2
		 WHERE id = $3`,
		status,
		now,
		id,
	)
	if err != nil {
		return domain.IngestRecord{}, fmt.Errorf("update ingest status: %w", err)
	}
	return s.mustGet(ctx, id)
}

func (s *PostgresIngestStore) mustGet(ctx context.Context, id string) (domain.IngestRecord, error) {
	rec, ok, err := s.Get(ctx, id)
	if err != nil {
		return domain.IngestRecord{}, err
	}
	if !ok {
		return domain.IngestRecord{}, ErrIngestNotFound
	}
	return rec, nil
}

func (s *PostgresIngestStore) DeleteByArtifact(ctx context.Context, artifactName string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM ingests WHERE artifact_name = $1`, artifactName); err != nil {
		return fmt.Errorf("delete ingest record: %w", err)
	}
	return nil
}

func (s *PostgresIngestStore) RecordStats(ctx context.Context, stats domain.ProcessingStats) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO ingest_stats (ingest_id, pixels_processed, bytes_in, bytes_out, compute_time_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		stats.IngestID,
		stats.PixelsProcessed,
		stats.BytesIn,
		stats.BytesOut,
		stats.ComputeTimeMS,
		stats.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert ingest stats: %w", err)
	}
	return nil
}
