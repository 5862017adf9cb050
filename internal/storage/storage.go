package storage

// JobRecord is the persisted trace of a download job. The live job state
// stays in memory; these rows back the history endpoint and let a restart
// reason about leftover temp directories.
type JobRecord struct {
	ID           string
	URL          string
	Profile      string
	Status       string
	ArtifactPath string
	CreatedAt    string
	FinishedAt   string
}

// JobRepository is the persistence surface the service needs.
type JobRepository interface {
	RecordJob(rec JobRecord) error
	FinishJob(id, status, artifactPath string) error
	RecentJobs(limit int) ([]JobRecord, error)
}
