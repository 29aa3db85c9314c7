package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/benchlens/benchlens/internal/models"
)

// PgStore persists jobs in Postgres so poll state survives process restarts
// and is shared across replicas. Results are stored as JSONB.
type PgStore struct {
	pool      *pgxpool.Pool
	retention time.Duration
}

// NewPgStore connects to Postgres and ensures the jobs table exists.
// Terminal jobs older than retention are invisible to Get even before the
// periodic sweep deletes them.
func NewPgStore(ctx context.Context, dsn string, retention time.Duration) (*PgStore, error) {
	if retention <= 0 {
		retention = time.Hour
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	store := &PgStore{pool: pool, retention: retention}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *PgStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS analysis_jobs (
		job_id     TEXT PRIMARY KEY,
		kind       TEXT NOT NULL,
		status     TEXT NOT NULL,
		current    INTEGER NOT NULL DEFAULT 0,
		total      INTEGER NOT NULL DEFAULT 0,
		message    TEXT NOT NULL DEFAULT '',
		result     JSONB,
		error      TEXT NOT NULL DEFAULT '',
		target     TEXT NOT NULL DEFAULT '',
		cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create analysis_jobs: %w", err)
	}
	return nil
}

func (s *PgStore) Create(ctx context.Context, job *models.Job) error {
	var resultJSON []byte
	if job.Result != nil {
		resultJSON, _ = json.Marshal(job.Result)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO analysis_jobs (job_id,kind,status,current,total,message,result,error,target,cancel_requested,created_at,updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		job.ID, job.Kind, job.Status, job.Current, job.Total, job.Message,
		resultJSON, job.Error, job.Target, job.CancelRequested, job.CreatedAt, job.UpdatedAt)
	return err
}

func (s *PgStore) Get(ctx context.Context, id string) (*models.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT job_id,kind,status,current,total,message,result,error,target,cancel_requested,created_at,updated_at
		 FROM analysis_jobs
		 WHERE job_id=$1
		   AND NOT (status IN ('completed','failed','cancelled') AND updated_at < $2)`,
		id, time.Now().Add(-s.retention))
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *PgStore) Update(ctx context.Context, job *models.Job) error {
	var resultJSON []byte
	if job.Result != nil {
		resultJSON, _ = json.Marshal(job.Result)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE analysis_jobs SET status=$1,current=$2,total=$3,message=$4,result=$5,error=$6,cancel_requested=$7,updated_at=$8
		 WHERE job_id=$9`,
		job.Status, job.Current, job.Total, job.Message, resultJSON, job.Error, job.CancelRequested, job.UpdatedAt, job.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PgStore) Expire(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM analysis_jobs WHERE status IN ('completed','failed','cancelled') AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PgStore) Close() error {
	s.pool.Close()
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanJob(row scannable) (*models.Job, error) {
	var job models.Job
	var resultJSON []byte
	err := row.Scan(&job.ID, &job.Kind, &job.Status, &job.Current, &job.Total,
		&job.Message, &resultJSON, &job.Error, &job.Target, &job.CancelRequested,
		&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(resultJSON) > 0 {
		var result models.JobResult
		if json.Unmarshal(resultJSON, &result) == nil {
			job.Result = &result
		}
	}
	return &job, nil
}

var _ Store = (*PgStore)(nil)
