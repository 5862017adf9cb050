package fetch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/vidfetch/vidfetchd/internal/job"
	"github.com/vidfetch/vidfetchd/internal/logctx"
	"github.com/vidfetch/vidfetchd/internal/storage"
	"github.com/vidfetch/vidfetchd/internal/telemetry"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	dirPerm = 0755

	// waitDelay gives the tool a moment to die after context cancellation
	// before Wait stops pumping its pipes.
	waitDelay = 5 * time.Second

	// stderrTailLimit caps how much stderr we keep for error mapping.
	stderrTailLimit = 8 * 1024
)

// Fetcher runs one external downloader process per job, bounded by a
// weighted semaphore. Terminal jobs are announced on the event channels;
// main consumes them for notifications.
type Fetcher struct {
	opts Options
	jobs *job.Manager
	repo storage.JobRepository
	tel  *telemetry.Telemetry
	sem  *semaphore.Weighted

	OnJobFinished chan job.Job
	OnJobFailed   chan job.Job
}

// Options configures the Fetcher.
type Options struct {
	YtdlpPath   string
	FfmpegPath  string
	TempRoot    string
	MaxParallel int64
	MaxFileSize int64
}

func NewFetcher(opts Options, jobs *job.Manager, repo storage.JobRepository, tel *telemetry.Telemetry) *Fetcher {
	if opts.MaxParallel < 1 {
		opts.MaxParallel = 1
	}

	return &Fetcher{
		opts:          opts,
		jobs:          jobs,
		repo:          repo,
		tel:           tel,
		sem:           semaphore.NewWeighted(opts.MaxParallel),
		OnJobFinished: make(chan job.Job),
		OnJobFailed:   make(chan job.Job),
	}
}

func (f *Fetcher) Close() {
	close(f.OnJobFinished)
	close(f.OnJobFailed)
}

// Run drives the whole lifecycle of one job: semaphore slot, temp dir,
// subprocess, progress relay, post-processing, terminal bookkeeping. It
// blocks until the job is terminal; callers spawn it in a goroutine.
func (f *Fetcher) Run(ctx context.Context, id, formatOverride string) {
	snapshot, ok := f.jobs.Get(id)
	if !ok {
		return
	}

	logger := logctx.LoggerFromContext(ctx).With("job_id", id)
	ctx = logctx.WithLogger(ctx, logger)

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	f.jobs.RegisterCancel(id, cancel)

	err := f.tel.InstrumentJob(jobCtx, func(ctx context.Context) error {
		return f.download(ctx, id, snapshot.URL, snapshot.Profile, formatOverride)
	})

	final, _ := f.jobs.Get(id)

	if err != nil {
		status := job.StatusError
		if jobCtx.Err() != nil {
			status = job.StatusCancelled
		}

		final, _ = f.jobs.Update(id, func(j *job.Job) {
			j.Status = status
			j.Error = err.Error()
		})

		// Failed downloads must leave nothing behind.
		f.removeJobDir(ctx, final)
		f.persistTerminal(ctx, final)

		logger.Error("job failed", "status", status, "err", err)

		f.OnJobFailed <- final

		return
	}

	f.persistTerminal(ctx, final)

	logger.Info("job finished",
		"file", final.Filename,
		"size", humanize.Bytes(uint64(final.TotalBytes)),
	)

	f.OnJobFinished <- final
}

func (f *Fetcher) download(ctx context.Context, id, url string, profile job.Profile, formatOverride string) error {
	logger := logctx.LoggerFromContext(ctx)

	if err := f.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("waiting for download slot: %w", err)
	}

	defer f.sem.Release(1)

	if err := os.MkdirAll(f.opts.TempRoot, dirPerm); err != nil {
		return fmt.Errorf("failed to create temp root: %w", err)
	}

	tempDir, err := os.MkdirTemp(f.opts.TempRoot, "job_")
	if err != nil {
		return fmt.Errorf("failed to create temp dir: %w", err)
	}

	f.jobs.Update(id, func(j *job.Job) {
		j.Status = job.StatusStarting
		j.TempDir = tempDir
	})

	destination, err := f.runTool(ctx, id, url, tempDir, profile, formatOverride)
	if err != nil {
		return err
	}

	artifact, err := resolveArtifact(tempDir, destination)
	if err != nil {
		return err
	}

	f.jobs.Update(id, func(j *job.Job) {
		j.Status = job.StatusPostprocessing
	})

	if remuxErr := f.remux(ctx, artifact); remuxErr != nil {
		// Remux is best effort; the original download is still served.
		logger.Warn("faststart remux failed", "file", artifact, "err", remuxErr)
	}

	info, err := os.Stat(artifact)
	if err != nil {
		return fmt.Errorf("failed to stat artifact: %w", err)
	}

	if f.opts.MaxFileSize > 0 && info.Size() > f.opts.MaxFileSize {
		return &ArtifactTooLargeError{Size: info.Size(), Limit: f.opts.MaxFileSize}
	}

	f.jobs.Update(id, func(j *job.Job) {
		j.Status = job.StatusFinished
		j.Percent = "100%"
		j.ArtifactPath = artifact
		j.Filename = filepath.Base(artifact)
		j.TotalBytes = info.Size()
	})

	return nil
}

// runTool spawns the downloader and relays its output lines as job updates
// until the process exits. It returns the destination path the tool
// reported, if any.
func (f *Fetcher) runTool(ctx context.Context, id, url, tempDir string, profile job.Profile, formatOverride string) (string, error) {
	logger := logctx.LoggerFromContext(ctx)

	args := append(buildArgs(tempDir, profile, formatOverride), url)

	var destination string

	var stderrTail strings.Builder

	toolErr := f.tel.InstrumentToolOperation(ctx, "download", func(ctx context.Context) error {
		cmd := exec.CommandContext(ctx, f.opts.YtdlpPath, args...)
		cmd.WaitDelay = waitDelay

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return fmt.Errorf("failed to open stdout pipe: %w", err)
		}

		stderr, err := cmd.StderrPipe()
		if err != nil {
			return fmt.Errorf("failed to open stderr pipe: %w", err)
		}

		if err := cmd.Start(); err != nil {
			return fmt.Errorf("failed to start downloader: %w", err)
		}

		logger.Debug("downloader started", "pid", cmd.Process.Pid, "args", strings.Join(args, " "))

		type outputLine struct {
			text       string
			fromStderr bool
		}

		lines := make(chan outputLine, 64)

		var pump errgroup.Group

		pump.Go(func() error {
			scanner := bufio.NewScanner(stdout)
			for scanner.Scan() {
				lines <- outputLine{text: scanner.Text()}
			}

			return scanner.Err()
		})

		pump.Go(func() error {
			scanner := bufio.NewScanner(stderr)
			for scanner.Scan() {
				lines <- outputLine{text: scanner.Text(), fromStderr: true}
			}

			return scanner.Err()
		})

		go func() {
			// Close once both pipes are drained so the relay loop ends.
			pump.Wait() //nolint:errcheck // scanner errors surface via Wait below
			close(lines)
		}()

		for line := range lines {
			if line.fromStderr && stderrTail.Len() < stderrTailLimit {
				stderrTail.WriteString(line.text)
				stderrTail.WriteByte('\n')
			}

			f.relayLine(id, line.text, &destination)
		}

		if err := cmd.Wait(); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			exitCode := -1

			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				exitCode = exitErr.ExitCode()
			}

			return toolErrorFromStderr(exitCode, stderrTail.String(), err)
		}

		return nil
	})

	return destination, toolErr
}

// relayLine applies one parsed output line to the job, which broadcasts it
// to all progress subscribers.
func (f *Fetcher) relayLine(id, raw string, destination *string) {
	ev := ParseLine(raw)
	if ev.Raw == "" {
		return
	}

	switch ev.Kind {
	case KindProgress:
		f.jobs.Update(id, func(j *job.Job) {
			j.Status = job.StatusDownloading
			j.Percent = ev.Percent
			j.Message = ev.Raw

			if ev.Speed != "" {
				j.Speed = ev.Speed
			}

			if ev.ETA != "" {
				j.ETA = ev.ETA
			}

			if ev.TotalBytes > 0 {
				j.TotalBytes = ev.TotalBytes
				j.DownloadedBytes = int64(ev.PercentValue / 100 * float64(ev.TotalBytes))
			}
		})
	case KindDestination:
		*destination = ev.Destination

		f.jobs.Update(id, func(j *job.Job) {
			j.Filename = filepath.Base(ev.Destination)
			j.Message = ev.Raw
		})
	case KindPostprocessing:
		f.jobs.Update(id, func(j *job.Job) {
			j.Status = job.StatusPostprocessing
			j.Message = ev.Raw
		})
	default:
		f.jobs.Update(id, func(j *job.Job) {
			j.Message = ev.Raw
		})
	}
}

// resolveArtifact locates the finished file: the tool-reported destination
// when it exists, otherwise the newest regular file in the temp dir.
func resolveArtifact(tempDir, destination string) (string, error) {
	if destination != "" {
		if _, err := os.Stat(destination); err == nil {
			return destination, nil
		}
	}

	entries, err := os.ReadDir(tempDir)
	if err != nil {
		return "", fmt.Errorf("failed to read temp dir: %w", err)
	}

	var (
		newest     string
		newestTime time.Time
	)

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if strings.HasSuffix(name, ".part") || strings.HasSuffix(name, ".ytdl") {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		if newest == "" || info.ModTime().After(newestTime) {
			newest = filepath.Join(tempDir, name)
			newestTime = info.ModTime()
		}
	}

	if newest == "" {
		return "", ErrNoOutput
	}

	return newest, nil
}

func (f *Fetcher) persistTerminal(ctx context.Context, j job.Job) {
	if f.repo == nil {
		return
	}

	if err := f.repo.FinishJob(j.ID, string(j.Status), j.ArtifactPath); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to persist job outcome", "job_id", j.ID, "err", err)
	}
}

func (f *Fetcher) removeJobDir(ctx context.Context, j job.Job) {
	if j.TempDir == "" {
		return
	}

	if err := os.RemoveAll(j.TempDir); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to remove temp dir", "dir", j.TempDir, "err", err)
	}
}
