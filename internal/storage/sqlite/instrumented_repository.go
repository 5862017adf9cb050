package sqlite

import (
	"context"
	"database/sql"

	"github.com/vidfetch/vidfetchd/internal/storage"
	"github.com/vidfetch/vidfetchd/internal/telemetry"
)

// InstrumentedJobRepository wraps JobRepository with telemetry.
type InstrumentedJobRepository struct {
	repo      *JobRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedJobRepository creates a new instrumented job repository.
func NewInstrumentedJobRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedJobRepository {
	return &InstrumentedJobRepository{
		repo:      NewJobRepository(dbConn),
		telemetry: tel,
	}
}

func (r *InstrumentedJobRepository) RecordJob(rec storage.JobRecord) error {
	return r.telemetry.InstrumentDBOperation(context.Background(), "record_job", func(ctx context.Context) error {
		return r.repo.RecordJob(rec)
	})
}

func (r *InstrumentedJobRepository) FinishJob(id, status, artifactPath string) error {
	return r.telemetry.InstrumentDBOperation(context.Background(), "finish_job", func(ctx context.Context) error {
		return r.repo.FinishJob(id, status, artifactPath)
	})
}

func (r *InstrumentedJobRepository) RecentJobs(limit int) ([]storage.JobRecord, error) {
	var result []storage.JobRecord

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(context.Background(), "recent_jobs", func(ctx context.Context) error {
		result, err = r.repo.RecentJobs(limit)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}
