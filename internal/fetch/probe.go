package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
)

// ProbeResult is what the probe endpoint returns to the browser: media
// metadata plus the selectable formats, best first.
type ProbeResult struct {
	Meta    ProbeMeta     `json:"meta"`
	Formats []ProbeFormat `json:"formats"`
}

type ProbeMeta struct {
	Title     string  `json:"title"`
	Duration  float64 `json:"duration,omitempty"`
	Thumbnail string  `json:"thumbnail,omitempty"`
}

// ProbeFormat is one downloadable format. Selector is the expression the
// submit endpoint accepts back as a format override.
type ProbeFormat struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Label    string `json:"label"`
	Ext      string `json:"ext,omitempty"`
	Res      string `json:"res,omitempty"`
	FPS      int    `json:"fps,omitempty"`
	Height   int    `json:"height,omitempty"`
	TBR      int    `json:"tbr,omitempty"`
	VCodec   string `json:"vcodec,omitempty"`
	ACodec   string `json:"acodec,omitempty"`
	Selector string `json:"fmt"`
}

// toolInfo mirrors the slice of the tool's JSON dump we care about.
type toolInfo struct {
	Title     string       `json:"title"`
	Duration  float64      `json:"duration"`
	Thumbnail string       `json:"thumbnail"`
	Formats   []toolFormat `json:"formats"`
}

type toolFormat struct {
	FormatID       string  `json:"format_id"`
	Ext            string  `json:"ext"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	FPS            float64 `json:"fps"`
	TBR            float64 `json:"tbr"`
	VCodec         string  `json:"vcodec"`
	ACodec         string  `json:"acodec"`
	Filesize       float64 `json:"filesize"`
	FilesizeApprox float64 `json:"filesize_approx"`
}

// Probe asks the tool for metadata and formats without downloading.
func (f *Fetcher) Probe(ctx context.Context, url string) (*ProbeResult, error) {
	var result *ProbeResult

	err := f.tel.InstrumentToolOperation(ctx, "probe", func(ctx context.Context) error {
		cmd := exec.CommandContext(ctx, f.opts.YtdlpPath,
			"--dump-json",
			"--no-playlist",
			"--no-warnings",
			"--user-agent", userAgent,
			url,
		)

		var stderr bytes.Buffer
		cmd.Stderr = &stderr

		out, err := cmd.Output()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			exitCode := -1

			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				exitCode = exitErr.ExitCode()
			}

			return toolErrorFromStderr(exitCode, stderr.String(), err)
		}

		result, err = parseProbeOutput(out)

		return err
	})

	return result, err
}

// parseProbeOutput turns the tool's JSON dump into a ProbeResult.
func parseProbeOutput(out []byte) (*ProbeResult, error) {
	var info toolInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return nil, fmt.Errorf("failed to parse tool metadata: %w", err)
	}

	result := &ProbeResult{
		Meta: ProbeMeta{
			Title:     info.Title,
			Duration:  info.Duration,
			Thumbnail: info.Thumbnail,
		},
	}

	for _, tf := range info.Formats {
		if tf.FormatID == "" {
			continue
		}

		hasVideo := tf.VCodec != "" && tf.VCodec != "none"
		hasAudio := tf.ACodec != "" && tf.ACodec != "none"

		var kind string

		switch {
		case hasVideo && hasAudio:
			kind = "av"
		case hasVideo:
			kind = "video"
		default:
			// Audio-only and storyboard formats are not offered; the
			// audio profile covers that path.
			continue
		}

		selector := tf.FormatID
		if kind == "video" {
			selector = tf.FormatID + "+bestaudio[ext=m4a]/bestaudio"
		}

		var res string
		if tf.Width > 0 && tf.Height > 0 {
			res = fmt.Sprintf("%dx%d", tf.Width, tf.Height)
		}

		result.Formats = append(result.Formats, ProbeFormat{
			ID:       tf.FormatID,
			Type:     kind,
			Label:    formatLabel(tf, kind),
			Ext:      tf.Ext,
			Res:      res,
			FPS:      int(tf.FPS),
			Height:   tf.Height,
			TBR:      int(math.Round(tf.TBR)),
			VCodec:   tf.VCodec,
			ACodec:   tf.ACodec,
			Selector: selector,
		})
	}

	sort.SliceStable(result.Formats, func(i, j int) bool {
		a, b := result.Formats[i], result.Formats[j]

		if a.Type != b.Type {
			return a.Type == "av"
		}

		if a.Height != b.Height {
			return a.Height > b.Height
		}

		return a.TBR > b.TBR
	})

	return result, nil
}

// formatLabel builds the human-readable line the format picker shows.
func formatLabel(tf toolFormat, kind string) string {
	var parts []string

	parts = append(parts, strings.ToUpper(kind))

	if tf.Height > 0 {
		parts = append(parts, fmt.Sprintf("%dp", tf.Height))
	}

	if tf.FPS > 0 {
		parts = append(parts, fmt.Sprintf("%dfps", int(tf.FPS)))
	}

	if tf.Ext != "" {
		parts = append(parts, strings.ToUpper(tf.Ext))
	}

	if tf.TBR > 0 {
		parts = append(parts, fmt.Sprintf("%dk", int(math.Round(tf.TBR))))
	}

	size := tf.Filesize
	if size == 0 {
		size = tf.FilesizeApprox
	}

	if size > 0 {
		parts = append(parts, "~"+humanize.Bytes(uint64(size)))
	}

	return strings.Join(parts, " · ")
}
