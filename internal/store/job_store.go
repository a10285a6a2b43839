package store

import (
	"context"
	"errors"

	"github.com/dunamismax/thumbforge/internal/domain"
)

var ErrJobNotFound = errors.New("job not found")

type JobStore interface {
	Create(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, bool, error)
	UpdateStatus(ctx context.Context, id, status string) (domain.Job, error)
	// Complete records the terminal status with the export outcome.
	Complete(ctx context.Context, id, status string, result domain.ExportResult, outputKey string) (domain.Job, error)
}
