package models

// SettingsKey is the store key of the settings singleton.
const SettingsKey = "settings"

// TagFilter limits which detector tags are surfaced for a given object
// class.
type TagFilter struct {
	Tag            string  `json:"tag"`
	MinProbability float64 `json:"minProbability"`
}

// Settings is the single mutable configuration record shared by all
// cameras. The API layer is its only mutator; the supervisor re-reads it
// every tick.
type Settings struct {
	DiskBaseDir string `json:"disk_base_dir"`

	// Disk cleanup loop: cadence in minutes and the usage percentage at
	// which reclamation starts.
	CleanupIntervalMin  int     `json:"disk_cleanup_interval"`
	CleanupCapacityPct  float64 `json:"disk_cleanup_capacity"`

	EnableDetection    bool   `json:"enable_detection"`
	DetectionModel     string `json:"detection_model,omitempty"`
	DetectionHardware  string `json:"detection_hardware,omitempty"`
	DetectionFramesDir string `json:"detection_frames_path,omitempty"`

	// StreamVerifyTimeoutMS bounds how long a freshly spawned transcoder
	// may take to produce a fresh manifest.
	StreamVerifyTimeoutMS int `json:"stream_verify_timeout_ms"`

	// MLRestartSchedule is an HH:MM wall-clock time for the daily detector
	// restart. Empty disables the restart.
	MLRestartSchedule string `json:"ml_restart_schedule"`

	TagFilters []TagFilter `json:"detection_tag_filters,omitempty"`
}

const (
	defaultStreamVerifyTimeoutMS = 10000
	defaultCleanupIntervalMin    = 1
	defaultCleanupCapacityPct    = 90
	// DefaultMLRestartSchedule arms the daily detector restart on a fresh
	// install (store bootstrap). An operator clears the field to disable.
	DefaultMLRestartSchedule = "01:00"
)

// VerifyTimeoutMS returns the stream verification budget with the default
// applied.
func (s *Settings) VerifyTimeoutMS() int {
	if s.StreamVerifyTimeoutMS <= 0 {
		return defaultStreamVerifyTimeoutMS
	}
	return s.StreamVerifyTimeoutMS
}

// CleanupCapacity returns the disk usage threshold with the default applied.
func (s *Settings) CleanupCapacity() float64 {
	if s.CleanupCapacityPct <= 0 {
		return defaultCleanupCapacityPct
	}
	return s.CleanupCapacityPct
}

// CleanupInterval returns the cleanup cadence in minutes with the default
// applied.
func (s *Settings) CleanupInterval() int {
	if s.CleanupIntervalMin <= 0 {
		return defaultCleanupIntervalMin
	}
	return s.CleanupIntervalMin
}

// FramesDir returns where extracted frames and bounded playlists live for a
// camera: <disk_base_dir>/<detection_frames_path> when configured, else the
// camera's own media directory.
func (s *Settings) FramesDir(cam *Camera) string {
	if s.DetectionFramesDir != "" {
		return s.DiskBaseDir + "/" + s.DetectionFramesDir
	}
	return cam.MediaDir()
}
