package sqlite

import (
	"database/sql"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the SQLite database and creates the jobs table if it
// doesn't exist.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		profile TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'queued',
		artifact_path TEXT,
		created_at DATETIME NOT NULL,
		finished_at DATETIME
	)`)

	if err != nil {
		return nil, err
	}

	return db, nil
}
