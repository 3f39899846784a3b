package store

import (
	"context"
	"sync"
	"time"

	"github.com/urbanatlas/fotopipe/internal/domain"
)

// MemoryIngestStore keeps records in process memory. Used when no database
// DSN is configured, and by tests.
type MemoryIngestStore struct {
	mu         sync.RWMutex
	records    map[string]domain.IngestRecord
	byArtifact map[string]string
	stats      []domain.ProcessingStats
}

var _ IngestStore = (*MemoryIngestStore)(nil)

func NewMemoryIngestStore() *MemoryIngestStore {
	return &MemoryIngestStore{
		records:    make(map[string]domain.IngestRecord),
		byArtifact: make(map[string]string),
	}
}

func (s *MemoryIngestStore) Create(ctx context.Context, rec domain.IngestRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec
	s.byArtifact[rec.ArtifactName] = rec.ID
	return nil
}

func (s *MemoryIngestStore) Get(ctx context.Context, id string) (domain.IngestRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	return rec, ok, nil
}

func (s *MemoryIngestStore) GetByArtifact(ctx context.Context, artifactName string) (domain.IngestRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byArtifact[artifactName]
	if !ok {
		return domain.IngestRecord{}, false, nil
	}
	rec, ok := s.records[id]
	return rec, ok, nil
}

func (s *MemoryIngestStore) SetThumbnail(ctx context.Context, id, thumbnailName, status string) (domain.IngestRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return domain.IngestRecord{}, ErrIngestNotFound
	}

	rec.ThumbnailName = thumbnailName
	rec.Status = status
	rec.UpdatedAt = time.Now().UTC()
	s.records[id] = rec
	return rec, nil
}

func (s *MemoryIngestStore) UpdateStatus(ctx context.Context, id, status string) (domain.IngestRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return domain.IngestRecord{}, ErrIngestNotFound
	}

	rec.Status = status
	rec.UpdatedAt = time.Now().UTC()
	s.records[id] = rec
	return rec, nil
}

func (s *MemoryIngestStore) DeleteByArtifact(ctx context.Context, artifactName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byArtifact[artifactName]
	if !ok {
		return nil
	}
	delete(s.byArtifact, artifactName)
	delete(s.records, id)
	return nil
}

func (s *MemoryIngestStore) RecordStats(ctx context.Context, stats domain.ProcessingStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = append(s.stats, stats)
	return nil
}

// Stats returns a copy of everything recorded so far.
func (s *MemoryIngestStore) Stats() []domain.ProcessingStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ProcessingStats, len(s.stats))
	copy(out, s.stats)
	return out
}
