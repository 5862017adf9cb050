package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vidfetch/vidfetchd/internal/job"
	"github.com/vidfetch/vidfetchd/internal/logctx"
)

// SweepTempRoot removes leftover per-job working directories from a previous
// run. Anything under root matching the job directory prefix is an orphan
// because job state does not survive a restart.
func SweepTempRoot(ctx context.Context, root string) error {
	logger := logctx.LoggerFromContext(ctx)

	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return err
	}

	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "job_") {
			continue
		}

		path := filepath.Join(root, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			logger.Error("failed to remove orphaned work dir", "dir", path, "err", err)

			continue
		}

		logger.Info("removed orphaned work dir", "dir", path)
	}

	return nil
}

// DeleteExpiredArtifacts removes the working directories of finished jobs
// whose retention window has passed and forgets the jobs themselves.
// Artifacts are normally deleted the moment they are served; this sweep
// catches downloads nobody ever collected.
func DeleteExpiredArtifacts(ctx context.Context, jobs *job.Manager, now time.Time) {
	logger := logctx.LoggerFromContext(ctx)

	for _, expired := range jobs.Expired(now) {
		if !expired.Status.Terminal() {
			// A job this old is stuck; killing it triggers its own cleanup.
			logger.Warn("cancelling stuck job", "job_id", expired.ID, "status", expired.Status)
			jobs.Cancel(expired.ID)

			continue
		}

		if expired.TempDir != "" {
			if err := os.RemoveAll(expired.TempDir); err != nil && !os.IsNotExist(err) {
				logger.Error("failed to delete expired artifact", "job_id", expired.ID, "dir", expired.TempDir, "err", err)

				continue
			}
		}

		jobs.Remove(expired.ID)
		logger.Info("deleted expired job", "job_id", expired.ID, "status", expired.Status)
	}
}
