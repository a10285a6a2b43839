package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/dunamismax/thumbforge/internal/domain"
)

const jobSchemaSQL = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	source_type TEXT NOT NULL,
	webhook_url TEXT NOT NULL DEFAULT '',
	product_key TEXT NOT NULL DEFAULT '',
	background_key TEXT NOT NULL DEFAULT '',
	transform JSONB NOT NULL,
	filename TEXT NOT NULL DEFAULT '',
	original_name TEXT NOT NULL DEFAULT '',
	remove_background BOOLEAN NOT NULL DEFAULT FALSE,
	result JSONB,
	output_key TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`

const selectJobSQL = `SELECT id, status, source_type, webhook_url, product_key, background_key, transform,
	filename, original_name, remove_background, result, output_key, created_at, updated_at
 FROM jobs
 WHERE id = $1`

type PostgresJobStore struct {
	db *sql.DB
}

func NewPostgresJobStore(ctx context.Context, dsn string) (*PostgresJobStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := NewPostgresJobStoreFromDB(db)
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// NewPostgresJobStoreFromDB wraps an open handle without touching the schema.
func NewPostgresJobStoreFromDB(db *sql.DB) *PostgresJobStore {
	return &PostgresJobStore{db: db}
}

func (s *PostgresJobStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, jobSchemaSQL); err != nil {
		return fmt.Errorf("ensure jobs schema: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) Close() error {
	return s.db.Close()
}

func (s *PostgresJobStore) Create(ctx context.Context, job domain.Job) error {
	transformJSON, err := json.Marshal(job.Transform)
	if err != nil {
		return fmt.Errorf("marshal job transform: %w", err)
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO jobs (id, status, source_type, webhook_url, product_key, background_key, transform,
			filename, original_name, remove_background, output_key, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		job.ID,
		job.Status,
		job.SourceType,
		job.WebhookURL,
		job.ProductKey,
		job.BackgroundKey,
		transformJSON,
		job.Filename,
		job.OriginalName,
		job.RemoveBackground,
		job.OutputKey,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	return nil
}

func (s *PostgresJobStore) Get(ctx context.Context, id string) (domain.Job, bool, error) {
	row := s.db.QueryRowContext(ctx, selectJobSQL, id)

	var (
		job           domain.Job
		transformJSON []byte
		resultJSON    []byte
	)
	if err := row.Scan(
		&job.ID,
		&job.Status,
		&job.SourceType,
		&job.WebhookURL,
		&job.ProductKey,
		&job.BackgroundKey,
		&transformJSON,
		&job.Filename,
		&job.OriginalName,
		&job.RemoveBackground,
		&resultJSON,
		&job.OutputKey,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, false, nil
		}
		return domain.Job{}, false, fmt.Errorf("query job: %w", err)
	}

	if err := json.Unmarshal(transformJSON, &job.Transform); err != nil {
		return domain.Job{}, false, fmt.Errorf("unmarshal job transform: %w", err)
	}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &job.Result); err != nil {
			return domain.Job{}, false, fmt.Errorf("unmarshal job result: %w", err)
		}
	}

	return job, true, nil
}

func (s *PostgresJobStore) UpdateStatus(ctx context.Context, id, status string) (domain.Job, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs
		 SET status = $1, updated_at = $2
		 WHERE id = $3`,
		status,
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return domain.Job{}, fmt.Errorf("update job status: %w", err)
	}
	return s.reload(ctx, id, res)
}

func (s *PostgresJobStore) Complete(ctx context.Context, id, status string, result domain.ExportResult, outputKey string) (domain.Job, error) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return domain.Job{}, fmt.Errorf("marshal job result: %w", err)
	}

	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs
		 SET status = $1, result = $2, output_key = $3, updated_at = $4
		 WHERE id = $5`,
		status,
		resultJSON,
		outputKey,
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return domain.Job{}, fmt.Errorf("complete job: %w", err)
	}
	return s.reload(ctx, id, res)
}

func (s *PostgresJobStore) reload(ctx context.Context, id string, res sql.Result) (domain.Job, error) {
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.Job{}, ErrJobNotFound
	}

	job, ok, err := s.Get(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}

	return job, nil
}
