package fetch

import (
	"path/filepath"

	"github.com/vidfetch/vidfetchd/internal/job"
)

const (
	outputTemplate = "%(title)s.%(ext)s"
	userAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
)

// formatSelector returns the tool's format expression for a profile.
func formatSelector(profile job.Profile) string {
	switch profile {
	case job.Profile1080p:
		return "bestvideo*[height<=1080]+bestaudio/best[height<=1080]"
	case job.Profile720p:
		return "bestvideo*[height<=720]+bestaudio/best[height<=720]"
	case job.ProfileAudio:
		return "bestaudio/best"
	default:
		return "bestvideo*+bestaudio/best"
	}
}

// buildArgs assembles the downloader argv for one job. formatOverride, when
// set, replaces the profile's selector (it comes from the probe flow and is
// validated at the HTTP boundary).
func buildArgs(tempDir string, profile job.Profile, formatOverride string) []string {
	selector := formatSelector(profile)
	if formatOverride != "" {
		selector = formatOverride
	}

	args := []string{
		"--newline",
		"--no-colors",
		"--no-playlist",
		"--restrict-filenames",
		"--user-agent", userAgent,
		"--add-header", "Accept-Language:en-US,en;q=0.9",
		"-f", selector,
		"-o", filepath.Join(tempDir, outputTemplate),
	}

	if profile == job.ProfileAudio && formatOverride == "" {
		args = append(args, "-x", "--audio-format", "mp3")
	} else {
		args = append(args, "--merge-output-format", "mp4")
	}

	return args
}
