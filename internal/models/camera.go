// Package models defines the persisted records of the NVR supervisor:
// cameras, the settings singleton, and motion events. All records are
// JSON-encoded into the store; field names match the on-disk layout.
package models

import (
	"fmt"
	"net/url"
	"strings"
)

// Camera is the declared desired state for one camera. Records are created
// by the API layer and reconciled by the supervisor; deletion only sets the
// Deleted tombstone so historic motion records keep a valid owner.
type Camera struct {
	Key    string `json:"key"`
	Name   string `json:"name"`
	Folder string `json:"folder"`
	Disk   string `json:"disk"`

	// StreamSource overrides the built RTSP URL. A non-RTSP scheme (an
	// .m3u8 URL or a plain file) switches the transcoder to file-source
	// mode.
	StreamSource string `json:"streamSource,omitempty"`
	IP           string `json:"ip,omitempty"`
	Passwd       string `json:"passwd,omitempty"`
	// MotionURL overrides the Reolink-style motion endpoint built from
	// IP and Passwd.
	MotionURL string `json:"motionUrl,omitempty"`

	EnableStreaming bool `json:"enable_streaming"`
	EnableMovement  bool `json:"enable_movement"`

	// Motion-episode tuning.
	MSPollFrequency         int `json:"mSPollFrequency"`
	PollsWithoutMovement    int `json:"pollsWithoutMovement"`
	SecMaxSingleMovement    int `json:"secMaxSingleMovement"`
	SecMovementStartupDelay int `json:"secMovementStartupDelay"`

	// Playback padding around an event, in segments.
	SegPre  int `json:"segments_prior_to_movement"`
	SegPost int `json:"segments_post_movement"`

	// LastProcessedMovementKey is the per-camera processing pointer: every
	// motion key less than or equal to it is in a terminal processing
	// state. Monotonically non-decreasing, string-comparable against
	// motion keys.
	LastProcessedMovementKey string `json:"state_lastProcessedMovementKey"`

	Deleted bool `json:"deleted,omitempty"`
}

// Defaults applied when a camera record omits tuning values.
const (
	DefaultPollFrequencyMS       = 1000
	DefaultSecMaxSingleMovement  = 600
)

// PollFrequencyMS returns the motion poll cadence with the default applied.
func (c *Camera) PollFrequencyMS() int {
	if c.MSPollFrequency <= 0 {
		return DefaultPollFrequencyMS
	}
	return c.MSPollFrequency
}

// MaxSingleMovementSec returns the episode duration cap with the default
// applied.
func (c *Camera) MaxSingleMovementSec() int {
	if c.SecMaxSingleMovement <= 0 {
		return DefaultSecMaxSingleMovement
	}
	return c.SecMaxSingleMovement
}

// MediaDir returns the directory holding this camera's live HLS output.
func (c *Camera) MediaDir() string {
	return c.Disk + "/" + c.Folder
}

// SourceURL returns the stream input: the explicit StreamSource when set,
// otherwise the Reolink main-stream RTSP URL built from IP and Passwd.
func (c *Camera) SourceURL() string {
	if c.StreamSource != "" {
		return c.StreamSource
	}
	return fmt.Sprintf("rtsp://admin:%s@%s:554/h264Preview_01_main", url.QueryEscape(c.Passwd), c.IP)
}

// FileSource reports whether the declared source selects file-source mode
// (anything that is not an rtsp:// URL).
func (c *Camera) FileSource() bool {
	return c.StreamSource != "" && !strings.HasPrefix(c.StreamSource, "rtsp://")
}

// MotionEndpoint returns the motion poll URL: the explicit MotionURL when
// set, otherwise the Reolink GetMdState endpoint.
func (c *Camera) MotionEndpoint() string {
	if c.MotionURL != "" {
		return c.MotionURL
	}
	return fmt.Sprintf("http://%s/api.cgi?cmd=GetMdState&user=admin&password=%s", c.IP, url.QueryEscape(c.Passwd))
}
