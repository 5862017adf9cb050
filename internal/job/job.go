package job

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a download job.
type Status string

const (
	StatusQueued         Status = "queued"
	StatusStarting       Status = "starting"
	StatusDownloading    Status = "downloading"
	StatusPostprocessing Status = "postprocessing"
	StatusFinished       Status = "finished"
	StatusError          Status = "error"
	StatusCancelled      Status = "cancelled"
)

// Terminal reports whether no further updates can follow this status.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusError || s == StatusCancelled
}

// Profile is a named quality selection the submit form offers.
type Profile string

const (
	ProfileBest  Profile = "best"
	Profile1080p Profile = "1080p"
	Profile720p  Profile = "720p"
	ProfileAudio Profile = "audio"
)

// ParseProfile validates a user-supplied profile name.
func ParseProfile(s string) (Profile, error) {
	switch Profile(s) {
	case ProfileBest, Profile1080p, Profile720p, ProfileAudio:
		return Profile(s), nil
	}

	return "", fmt.Errorf("unsupported quality profile: %q", s)
}

// Job is the unit of work tracked by the Manager. Snapshots of it are what
// the progress channel pushes to clients.
type Job struct {
	ID              string    `json:"job_id"`
	URL             string    `json:"url"`
	Profile         Profile   `json:"profile"`
	Status          Status    `json:"status"`
	Percent         string    `json:"percent,omitempty"`
	Speed           string    `json:"speed,omitempty"`
	ETA             string    `json:"eta,omitempty"`
	DownloadedBytes int64     `json:"downloaded_bytes,omitempty"`
	TotalBytes      int64     `json:"total_bytes,omitempty"`
	Filename        string    `json:"filename,omitempty"`
	Message         string    `json:"message,omitempty"`
	Error           string    `json:"error,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`

	// ArtifactPath is the absolute path of the finished file. It stays
	// server-side; clients fetch through the artifact endpoint instead.
	ArtifactPath string `json:"-"`

	// TempDir is the per-job scratch directory the subprocess writes into.
	TempDir string `json:"-"`
}
