package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benchlens/benchlens/internal/models"
)

func storedJob(id string, status models.JobStatus, updatedAt time.Time) *models.Job {
	return &models.Job{
		ID:        id,
		Kind:      models.JobAnalyzeRun,
		Status:    status,
		CreatedAt: updatedAt,
		UpdatedAt: updatedAt,
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Hour)

	job := storedJob("job-1", models.JobPending, time.Now().UTC())
	require.NoError(t, store.Create(ctx, job))

	got, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, *job, *got)

	// The returned snapshot is a copy; mutating it does not touch the store.
	got.Status = models.JobFailed
	again, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, again.Status)

	job.Status = models.JobRunning
	require.NoError(t, store.Update(ctx, job))
	got, err = store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobRunning, got.Status)
}

func TestMemoryStoreUnknownJob(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Hour)

	_, err := store.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	err = store.Update(ctx, storedJob("nope", models.JobRunning, time.Now()))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreLazyExpiry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Hour)

	base := time.Now().UTC()
	store.now = func() time.Time { return base }

	require.NoError(t, store.Create(ctx, storedJob("done", models.JobCompleted, base)))
	require.NoError(t, store.Create(ctx, storedJob("live", models.JobRunning, base)))

	// Inside the window both are visible.
	_, err := store.Get(ctx, "done")
	require.NoError(t, err)

	store.now = func() time.Time { return base.Add(2 * time.Hour) }

	_, err = store.Get(ctx, "done")
	assert.ErrorIs(t, err, ErrNotFound)

	// Non-terminal jobs never expire lazily.
	_, err = store.Get(ctx, "live")
	assert.NoError(t, err)
}

func TestMemoryStoreExpireSweep(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Hour)
	base := time.Now().UTC()

	require.NoError(t, store.Create(ctx, storedJob("old-done", models.JobCompleted, base.Add(-2*time.Hour))))
	require.NoError(t, store.Create(ctx, storedJob("old-failed", models.JobFailed, base.Add(-2*time.Hour))))
	require.NoError(t, store.Create(ctx, storedJob("fresh-done", models.JobCompleted, base)))
	require.NoError(t, store.Create(ctx, storedJob("old-running", models.JobRunning, base.Add(-2*time.Hour))))

	removed, err := store.Expire(ctx, base.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, err = store.Get(ctx, "fresh-done")
	assert.NoError(t, err)
	_, err = store.Get(ctx, "old-running")
	assert.NoError(t, err)
}
