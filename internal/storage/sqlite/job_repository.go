package sqlite

import (
	"database/sql"
	"time"

	"github.com/vidfetch/vidfetchd/internal/storage"
)

type JobRepository struct {
	db *sql.DB
}

func NewJobRepository(dbConn *sql.DB) *JobRepository {
	return &JobRepository{db: dbConn}
}

// RecordJob inserts the row for a freshly created job.
func (r *JobRepository) RecordJob(rec storage.JobRecord) error {
	_, err := r.db.Exec(`
		INSERT INTO jobs (id, url, profile, status, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, rec.ID, rec.URL, rec.Profile, rec.Status, time.Now().Format(time.RFC3339))

	return err
}

// FinishJob stamps the terminal status for a job.
func (r *JobRepository) FinishJob(id, status, artifactPath string) error {
	_, err := r.db.Exec(`
		UPDATE jobs SET status = ?, artifact_path = ?, finished_at = ? WHERE id = ?
	`, status, artifactPath, time.Now().Format(time.RFC3339), id)

	return err
}

// RecentJobs returns the newest rows, most recent first.
func (r *JobRepository) RecentJobs(limit int) ([]storage.JobRecord, error) {
	rows, err := r.db.Query(`
		SELECT id, url, profile, status, artifact_path, created_at, finished_at
		FROM jobs ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []storage.JobRecord

	for rows.Next() {
		var rec storage.JobRecord

		var artifactPath, finishedAt sql.NullString

		if err := rows.Scan(&rec.ID, &rec.URL, &rec.Profile, &rec.Status, &artifactPath, &rec.CreatedAt, &finishedAt); err != nil {
			return nil, err
		}

		if artifactPath.Valid {
			rec.ArtifactPath = artifactPath.String
		}

		if finishedAt.Valid {
			rec.FinishedAt = finishedAt.String
		}

		records = append(records, rec)
	}

	return records, rows.Err()
}
