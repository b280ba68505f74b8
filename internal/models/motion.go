package models

import "time"

// ProcessingState tracks a motion record through the frame-extraction
// pipeline.
type ProcessingState string

const (
	ProcessingPending    ProcessingState = "pending"
	ProcessingProcessing ProcessingState = "processing"
	ProcessingCompleted  ProcessingState = "completed"
	ProcessingFailed     ProcessingState = "failed"
)

// Terminal reports whether the state will never change again.
func (s ProcessingState) Terminal() bool {
	return s == ProcessingCompleted || s == ProcessingFailed
}

// DetectionStatus is the user-visible phase of the detection side of a
// motion record.
type DetectionStatus string

const (
	DetectionStarting   DetectionStatus = "starting"
	DetectionExtracting DetectionStatus = "extracting"
	DetectionAnalyzing  DetectionStatus = "analyzing"
	DetectionComplete   DetectionStatus = "complete"
	DetectionFailed     DetectionStatus = "failed"
)

// DetectionTag is one aggregated object class across every analyzed frame
// of an episode.
type DetectionTag struct {
	Tag                 string  `json:"tag"`
	MaxProbability      float64 `json:"maxProbability"`
	Count               int     `json:"count"`
	MaxProbabilityImage string  `json:"maxProbabilityImage"`
}

// DetectionOutput aggregates per-frame detector results onto the record.
type DetectionOutput struct {
	Tags []DetectionTag `json:"tags"`
}

// Motion is one motion episode. Keyed in the store by the fixed-width
// millisecond start time; the same key is embedded in frame filenames so
// detector results can be correlated back without back-pointers.
type Motion struct {
	Key       string `json:"key"`
	CameraKey string `json:"cameraKey"`
	StartDate int64  `json:"startDate"` // ms

	// First HLS segment covered by the episode and the live manifest's
	// target duration at detection time.
	StartSegment   int `json:"startSegment"`
	SegDurationSec int `json:"lhs_seg_duration_seq"`

	Seconds                      int `json:"seconds"`
	PollCount                    int `json:"pollCount"`
	ConsecutivePollsWithoutMove  int `json:"consecutivePollsWithoutMovement"`

	PlaylistPath        string `json:"playlist_path,omitempty"`
	PlaylistLastSegment int    `json:"playlist_last_segment"`

	ProcessingState       ProcessingState `json:"processing_state"`
	ProcessingStartedAt   int64           `json:"processing_started_at,omitempty"`
	ProcessingCompletedAt int64           `json:"processing_completed_at,omitempty"`
	ProcessingError       string          `json:"processing_error,omitempty"`

	DetectionStatus    DetectionStatus  `json:"detection_status,omitempty"`
	DetectionStartedAt int64            `json:"detection_started_at,omitempty"`
	DetectionEndedAt   int64            `json:"detection_ended_at,omitempty"`
	DetectionOutput    *DetectionOutput `json:"detection_output,omitempty"`

	FramesSentToML       int   `json:"frames_sent_to_ml"`
	FramesReceivedFromML int   `json:"frames_received_from_ml"`
	MLTotalProcessingMS  int64 `json:"ml_total_processing_time_ms"`
	MLMaxProcessingMS    int64 `json:"ml_max_processing_time_ms"`
}

// Open reports whether the episode is still being extended by the motion
// detector. A camera has at most one open episode at a time.
func (m *Motion) Open() bool {
	return m.DetectionEndedAt == 0
}

// Start returns the episode start as a time.Time.
func (m *Motion) Start() time.Time {
	return time.UnixMilli(m.StartDate)
}
