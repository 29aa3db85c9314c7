package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benchlens/benchlens/internal/models"
)

// ErrNotFound is returned for unknown job IDs and for jobs whose retention
// window has lapsed. Callers cannot tell the two apart, which keeps expiry
// indistinguishable from never-existed.
var ErrNotFound = errors.New("job not found")

// Store persists jobs for the orchestrator and the polling API.
// Implementations must be safe for concurrent use.
type Store interface {
	// Create inserts a new job record.
	Create(ctx context.Context, job *models.Job) error
	// Get returns a snapshot of the job, or ErrNotFound.
	Get(ctx context.Context, id string) (*models.Job, error)
	// Update overwrites the stored record with the given snapshot.
	Update(ctx context.Context, job *models.Job) error
	// Expire removes terminal jobs last updated before the cutoff. It returns
	// the number of records removed.
	Expire(ctx context.Context, cutoff time.Time) (int, error)
	// Close releases store resources.
	Close() error
}

// MemoryStore keeps jobs in process memory. Retention is enforced both by
// the orchestrator's periodic Expire sweep and lazily on Get, so a finished
// job past its window 404s even if a sweep has not run yet.
type MemoryStore struct {
	mu        sync.RWMutex
	jobs      map[string]models.Job
	retention time.Duration
	now       func() time.Time
}

// NewMemoryStore builds an in-memory store. retention <= 0 means one hour.
func NewMemoryStore(retention time.Duration) *MemoryStore {
	if retention <= 0 {
		retention = time.Hour
	}
	return &MemoryStore{
		jobs:      make(map[string]models.Job),
		retention: retention,
		now:       time.Now,
	}
}

func (s *MemoryStore) Create(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = *job
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*models.Job, error) {
	s.mu.RLock()
	job, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if job.Status.Terminal() && s.now().Sub(job.UpdatedAt) > s.retention {
		s.mu.Lock()
		delete(s.jobs, id)
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	snapshot := job
	return &snapshot, nil
}

func (s *MemoryStore) Update(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return ErrNotFound
	}
	s.jobs[job.ID] = *job
	return nil
}

func (s *MemoryStore) Expire(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, job := range s.jobs {
		if job.Status.Terminal() && job.UpdatedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Close() error { return nil }
