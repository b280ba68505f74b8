package stream

import (
	"log/slog"
	"os"
	"time"

	"github.com/openhaus/nvrd/internal/models"
)

const (
	// confirmInterval is the minimum spacing between liveness probes of a
	// healthy stream.
	confirmInterval = 5 * time.Second
	// staleManifestAge marks a stream as stalled when the manifest's
	// mtime falls this far behind.
	staleManifestAge = 10 * time.Second
)

// ConfirmResult reports one liveness probe of a camera's manifest.
type ConfirmResult struct {
	Healthy bool
	// ShouldRestart reports that the probe killed the child. Confirm has
	// already cleared the child reference, so the controller respawns on
	// the next tick.
	ShouldRestart bool
	Checked       bool
}

// Confirm is component D for one camera: a rate-limited stat of the live
// manifest. An empty or stale manifest kills the child on the spot.
func (c *Controller) Confirm(cam *models.Camera) ConfirmResult {
	c.mu.Lock()
	st, ok := c.cams[cam.Key]
	if !ok || st.process == nil || !st.process.Alive() {
		c.mu.Unlock()
		return ConfirmResult{}
	}
	now := c.clk.Now()
	if !st.lastCheck.IsZero() && now.Sub(st.lastCheck) < confirmInterval {
		c.mu.Unlock()
		return ConfirmResult{Healthy: st.confirmed}
	}
	p := st.process
	c.mu.Unlock()

	manifest := cam.MediaDir() + "/stream.m3u8"
	info, err := os.Stat(manifest)
	stale := err != nil || info.Size() == 0 || now.Sub(info.ModTime()) > staleManifestAge

	if stale {
		c.logger.Warn("stream manifest stale, killing transcoder",
			slog.String("camera", cam.Key),
			slog.String("manifest", manifest))
		go p.Terminate(killGrace)

		c.mu.Lock()
		st.process = nil
		st.confirmed = false
		c.mu.Unlock()
		return ConfirmResult{ShouldRestart: true, Checked: true}
	}

	c.mu.Lock()
	st.lastCheck = now
	st.confirmed = true
	if st.streamStartedAt.IsZero() {
		st.streamStartedAt = now
	}
	c.mu.Unlock()
	return ConfirmResult{Healthy: true, Checked: true}
}

// Confirmed reports whether the camera's stream has passed a liveness probe
// since it last started.
func (c *Controller) Confirmed(cameraKey string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.cams[cameraKey]
	return ok && st.confirmed
}
