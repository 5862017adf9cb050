package fetch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLineProgress(t *testing.T) {
	tests := []struct {
		name        string
		line        string
		wantPercent string
		wantSpeed   string
		wantETA     string
		wantTotal   int64
	}{
		{
			name:        "mid download",
			line:        "[download]  45.3% of 10.00MiB at  500.00KiB/s ETA 00:20",
			wantPercent: "45.3%",
			wantSpeed:   "500.00KiB/s",
			wantETA:     "00:20",
			wantTotal:   10 * 1024 * 1024,
		},
		{
			name:        "estimated total",
			line:        "[download]   2.1% of ~3.17MiB at  1.20MiB/s ETA 00:02",
			wantPercent: "2.1%",
			wantSpeed:   "1.20MiB/s",
			wantETA:     "00:02",
			wantTotal:   3323985,
		},
		{
			name:        "completion line without eta",
			line:        "[download] 100% of 5.00MiB in 00:03 at 1.55MiB/s",
			wantPercent: "100%",
			wantSpeed:   "1.55MiB/s",
			wantTotal:   5 * 1024 * 1024,
		},
		{
			name:        "no size yet",
			line:        "[download]   0.0% of ~  0.00B at Unknown B/s ETA Unknown",
			wantPercent: "0.0%",
			wantETA:     "Unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := ParseLine(tt.line)
			require.Equal(t, KindProgress, ev.Kind)
			require.Equal(t, tt.wantPercent, ev.Percent)
			require.Equal(t, tt.wantSpeed, ev.Speed)
			require.Equal(t, tt.wantETA, ev.ETA)
			require.Equal(t, tt.wantTotal, ev.TotalBytes)
		})
	}
}

func TestParseLineDestination(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
	}{
		{
			name: "download destination",
			line: "[download] Destination: /tmp/vidfetch/job_1/Some_Title.f137.mp4",
			want: "/tmp/vidfetch/job_1/Some_Title.f137.mp4",
		},
		{
			name: "merger output",
			line: `[Merger] Merging formats into "/tmp/vidfetch/job_1/Some_Title.mp4"`,
			want: "/tmp/vidfetch/job_1/Some_Title.mp4",
		},
		{
			name: "audio extraction",
			line: "[ExtractAudio] Destination: /tmp/vidfetch/job_1/Some_Title.mp3",
			want: "/tmp/vidfetch/job_1/Some_Title.mp3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := ParseLine(tt.line)
			require.Equal(t, KindDestination, ev.Kind)
			require.Equal(t, tt.want, ev.Destination)
		})
	}
}

func TestParseLinePostprocessing(t *testing.T) {
	for _, line := range []string{
		"[Merger] Merging formats",
		"[ExtractAudio] converting",
		"[ffmpeg] fixing container",
		"[FixupM3u8] Fixing MPEG-TS in MP4 container",
	} {
		ev := ParseLine(line)
		require.Equal(t, KindPostprocessing, ev.Kind, "line %q", line)
	}
}

func TestParseLineNoise(t *testing.T) {
	for _, line := range []string{
		"[youtube] abc123: Downloading webpage",
		"[info] abc123: Downloading 1 format(s): 137+140",
		"WARNING: something odd",
	} {
		ev := ParseLine(line)
		require.Equal(t, KindNoise, ev.Kind, "line %q", line)
		require.Equal(t, line, ev.Raw)
	}
}

func TestParseLineStripsANSICodes(t *testing.T) {
	ev := ParseLine("\x1b[0;94m[download]\x1b[0m  12.5% of 8.00MiB at 2.00MiB/s ETA 00:03")
	require.Equal(t, KindProgress, ev.Kind)
	require.Equal(t, "12.5%", ev.Percent)
}

func TestParseLineEmpty(t *testing.T) {
	ev := ParseLine("   ")
	require.Equal(t, KindNoise, ev.Kind)
	require.Empty(t, ev.Raw)
}
