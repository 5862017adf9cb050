package fetch

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// EventKind classifies a single output line of the downloader.
type EventKind int

const (
	// KindNoise is a line with no state to extract; it is still relayed
	// verbatim as the event message.
	KindNoise EventKind = iota
	KindProgress
	KindDestination
	KindPostprocessing
)

// LineEvent is the parsed form of one stdout/stderr line.
type LineEvent struct {
	Kind EventKind
	Raw  string

	// KindProgress fields.
	Percent      string
	PercentValue float64
	TotalBytes   int64
	Speed        string
	ETA          string

	// KindDestination field.
	Destination string
}

var (
	ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

	// "[download]  45.3% of 10.00MiB at  500.00KiB/s ETA 00:20"
	// "[download] 100% of ~3.17MiB in 00:05 at 599.99KiB/s"
	downloadLine = regexp.MustCompile(`^\[download\]\s+([0-9.]+)%(?:\s+of\s+~?\s*([0-9.]+[KMGT]?i?B))?`)
	speedField   = regexp.MustCompile(`\bat\s+([0-9.]+[KMGT]?i?B/s)`)
	etaField     = regexp.MustCompile(`\bETA\s+(\S+)`)

	// "[download] Destination: /tmp/.../Some_Title.f137.mp4"
	// "[Merger] Merging formats into "/tmp/.../Some_Title.mp4""
	// "[ExtractAudio] Destination: /tmp/.../Some_Title.mp3"
	destinationLine = regexp.MustCompile(`^\[(?:download|ExtractAudio|ffmpeg)\] Destination: (.+)$`)
	mergerLine      = regexp.MustCompile(`^\[Merger\] Merging formats into "(.+)"$`)
)

// postprocessingMarkers are stage prefixes that mean the download finished
// and the tool moved on to muxing or conversion.
var postprocessingMarkers = []string{
	"[Merger]",
	"[ExtractAudio]",
	"[ffmpeg]",
	"[FixupM4a]",
	"[FixupM3u8]",
	"[VideoConvertor]",
	"[Metadata]",
}

// ParseLine turns one raw output line of the downloader into a LineEvent.
// ANSI color codes are stripped first; yt-dlp is invoked with --no-colors
// but older builds leak them on some sites.
func ParseLine(raw string) LineEvent {
	line := strings.TrimSpace(ansiEscape.ReplaceAllString(raw, ""))
	ev := LineEvent{Kind: KindNoise, Raw: line}

	if line == "" {
		return ev
	}

	if m := destinationLine.FindStringSubmatch(line); m != nil {
		ev.Kind = KindDestination
		ev.Destination = m[1]

		return ev
	}

	if m := mergerLine.FindStringSubmatch(line); m != nil {
		ev.Kind = KindDestination
		ev.Destination = m[1]

		return ev
	}

	if m := downloadLine.FindStringSubmatch(line); m != nil {
		ev.Kind = KindProgress
		ev.Percent = m[1] + "%"

		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			ev.PercentValue = v
		}

		if m[2] != "" {
			if total, err := humanize.ParseBytes(m[2]); err == nil {
				ev.TotalBytes = int64(total)
			}
		}

		if sm := speedField.FindStringSubmatch(line); sm != nil {
			ev.Speed = sm[1]
		}

		if em := etaField.FindStringSubmatch(line); em != nil {
			ev.ETA = em[1]
		}

		return ev
	}

	for _, marker := range postprocessingMarkers {
		if strings.HasPrefix(line, marker) {
			ev.Kind = KindPostprocessing

			return ev
		}
	}

	return ev
}
