package fetch

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// remux rewrites an MP4 artifact with the moov atom up front so browsers
// can start playback while the response streams. Non-MP4 artifacts and a
// missing ffmpeg binary are silently skipped; the caller treats any error
// as non-fatal.
func (f *Fetcher) remux(ctx context.Context, path string) error {
	if !strings.EqualFold(filepath.Ext(path), ".mp4") {
		return nil
	}

	if _, err := exec.LookPath(f.opts.FfmpegPath); err != nil {
		return nil
	}

	return f.tel.InstrumentToolOperation(ctx, "remux", func(ctx context.Context) error {
		tempFile := path + ".faststart"

		cmd := exec.CommandContext(ctx, f.opts.FfmpegPath,
			"-y",
			"-i", path,
			"-c", "copy",
			"-movflags", "+faststart",
			"-loglevel", "error",
			"-f", "mp4",
			tempFile,
		)

		if out, err := cmd.CombinedOutput(); err != nil {
			os.Remove(tempFile)

			return fmt.Errorf("ffmpeg remux: %w: %s", err, strings.TrimSpace(string(out)))
		}

		if err := os.Rename(tempFile, path); err != nil {
			os.Remove(tempFile)

			return fmt.Errorf("failed to replace artifact with remuxed file: %w", err)
		}

		return nil
	})
}
