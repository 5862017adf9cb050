package fetch

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoOutput is returned when the tool exits cleanly but no artifact can
// be located in the job's temp directory.
var ErrNoOutput = errors.New("output file not found")

// ToolError represents a failed run of the external downloader. Reason is
// the user-facing explanation distilled from the tool's stderr; Stderr
// keeps the tail for the logs.
type ToolError struct {
	ExitCode int
	Reason   string
	Stderr   string
	Err      error
}

func (e *ToolError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}

	return fmt.Sprintf("downloader exited with code %d", e.ExitCode)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// ArtifactTooLargeError is returned when the finished file exceeds the
// configured size limit.
type ArtifactTooLargeError struct {
	Size  int64
	Limit int64
}

func (e *ArtifactTooLargeError) Error() string {
	return fmt.Sprintf("file too large: %d bytes (limit %d)", e.Size, e.Limit)
}

// stderr fragments the tool emits for well-known failure classes, mapped
// to messages fit for the browser.
var stderrReasons = []struct {
	fragment string
	reason   string
}{
	{"Unsupported URL", "this site is not supported"},
	{"is not a valid URL", "this is not a valid media URL"},
	{"Requested format is not available", "the requested format is not available for this video"},
	{"Video unavailable", "the video is unavailable or has been removed"},
	{"Private video", "the video is private"},
	{"This video is not available in your country", "the video is not available in this region"},
	{"Sign in to confirm your age", "the video requires age confirmation"},
	{"Only images are available", "this post contains only images and cannot be downloaded"},
}

// toolErrorFromStderr distills the stderr tail into a ToolError.
func toolErrorFromStderr(exitCode int, stderr string, err error) *ToolError {
	reason := ""

	for _, m := range stderrReasons {
		if strings.Contains(stderr, m.fragment) {
			reason = m.reason

			break
		}
	}

	if reason == "" {
		// Surface the tool's own last ERROR line verbatim, per the
		// "report external failures as-is" contract.
		for _, line := range strings.Split(strings.TrimSpace(stderr), "\n") {
			if strings.HasPrefix(line, "ERROR:") {
				reason = strings.TrimSpace(strings.TrimPrefix(line, "ERROR:"))
			}
		}
	}

	return &ToolError{
		ExitCode: exitCode,
		Reason:   reason,
		Stderr:   stderr,
		Err:      err,
	}
}
