// Package stream keeps one RTSP→HLS transcoder running per enabled camera
// (the controller) and watches its manifest for staleness (confirm.go).
package stream

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/openhaus/nvrd/internal/clock"
	"github.com/openhaus/nvrd/internal/models"
	"github.com/openhaus/nvrd/internal/proc"
)

const (
	// killGrace is how long a misbehaving transcoder gets between SIGTERM
	// and SIGKILL.
	killGrace = 2 * time.Second
	// maxManifestAgeCap caps the freshness window used during startup
	// verification.
	maxManifestAgeCap = 5 * time.Second
)

type camState struct {
	process         proc.Process
	streamStartedAt time.Time
	inProgress      bool

	// Confirmation state (component D).
	confirmed bool
	lastCheck time.Time
}

// Controller reconciles the desired streaming state of every camera with
// the set of live transcoder children. One instance is shared by all
// cameras; per-camera state lives in the cams map and is re-derived empty
// on supervisor start.
type Controller struct {
	ffmpeg string
	spawn  proc.SpawnFunc
	clk    clock.Clock
	logger *slog.Logger

	mu           sync.Mutex
	cams         map[string]*camState
	shuttingDown bool
}

// NewController builds a stream controller. ffmpegBin is the transcoder
// binary; tests point it at a stub.
func NewController(ffmpegBin string, spawn proc.SpawnFunc, clk clock.Clock, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		ffmpeg: ffmpegBin,
		spawn:  spawn,
		clk:    clk,
		logger: logger.With(slog.String("component", "stream")),
		cams:   make(map[string]*camState),
	}
}

func (c *Controller) state(key string) *camState {
	st, ok := c.cams[key]
	if !ok {
		st = &camState{}
		c.cams[key] = st
	}
	return st
}

// Alive reports whether the camera currently has a live transcoder child.
func (c *Controller) Alive(cameraKey string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.cams[cameraKey]
	return ok && st.process != nil && st.process.Alive()
}

// StartedAt returns when the camera's current stream came up, or zero.
func (c *Controller) StartedAt(cameraKey string) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.cams[cameraKey]; ok {
		return st.streamStartedAt
	}
	return time.Time{}
}

// SetShuttingDown stops the restart branch; live children are killed by
// Shutdown.
func (c *Controller) SetShuttingDown() {
	c.mu.Lock()
	c.shuttingDown = true
	c.mu.Unlock()
}

// Tick is component C for one camera: ensure the transcoder matches the
// declared enable_streaming flag, spawning or killing as needed.
func (c *Controller) Tick(cam *models.Camera, set *models.Settings) {
	c.mu.Lock()
	st := c.state(cam.Key)
	if st.inProgress || c.shuttingDown {
		c.mu.Unlock()
		return
	}
	alive := st.process != nil && st.process.Alive()

	if !cam.EnableStreaming {
		if alive {
			p := st.process
			st.process = nil
			st.confirmed = false
			c.mu.Unlock()
			c.logger.Info("streaming disabled, stopping transcoder", slog.String("camera", cam.Key))
			go p.Terminate(killGrace)
			return
		}
		c.mu.Unlock()
		return
	}

	if alive {
		c.mu.Unlock()
		return
	}

	// Claim the slot before the blocking startup verification.
	st.inProgress = true
	c.mu.Unlock()

	c.start(cam, set, st)
}

func (c *Controller) start(cam *models.Camera, set *models.Settings, st *camState) {
	defer func() {
		c.mu.Lock()
		st.inProgress = false
		c.mu.Unlock()
	}()

	mediaDir := cam.MediaDir()
	if err := os.MkdirAll(mediaDir, 0o755); err != nil {
		c.logger.Error("creating media dir", slog.String("camera", cam.Key), slog.String("error", err.Error()))
		return
	}
	manifest := mediaDir + "/stream.m3u8"
	args := transcodeArgs(cam, mediaDir, c.clk.Now())

	logger := c.logger.With(slog.String("camera", cam.Key))
	p, err := c.spawn(proc.Spec{
		Name: "stream-" + cam.Key,
		Cmd:  c.ffmpeg,
		Args: args,
		OnStderr: func(line string) {
			logger.Debug("transcoder", slog.String("line", line))
		},
		OnClose: func(code int, signal string) {
			c.onTranscoderClose(cam.Key, code, signal)
		},
	})
	if err != nil {
		logger.Error("spawning transcoder", slog.String("error", err.Error()))
		return
	}

	budget := time.Duration(set.VerifyTimeoutMS()) * time.Millisecond
	maxAge := budget / 2
	if maxAge > maxManifestAgeCap {
		maxAge = maxManifestAgeCap
	}
	err = proc.VerifyStartup(p, proc.VerifyConfig{
		OutputFilePath: manifest,
		MaxWait:        budget,
		MaxFileAge:     maxAge,
	})
	if err != nil {
		logger.Warn("transcoder produced no fresh manifest, killing", slog.String("error", err.Error()))
		p.Terminate(killGrace)
		return
	}

	c.mu.Lock()
	st.process = p
	st.streamStartedAt = c.clk.Now()
	st.confirmed = false
	st.lastCheck = time.Time{}
	c.mu.Unlock()
	logger.Info("transcoder started", slog.Int("pid", p.PID()))
}

func (c *Controller) onTranscoderClose(cameraKey string, code int, signal string) {
	c.mu.Lock()
	shuttingDown := c.shuttingDown
	st, ok := c.cams[cameraKey]
	if ok && st.process != nil && !st.process.Alive() {
		st.process = nil
		st.confirmed = false
	}
	c.mu.Unlock()

	if code != 0 && signal == "" && !shuttingDown {
		c.logger.Warn("transcoder exited unexpectedly",
			slog.String("camera", cameraKey),
			slog.Int("code", code))
		// Next tick restarts it.
	}
}

// Shutdown kills every live transcoder, waiting up to grace each before
// SIGKILL. Called concurrently with other controllers during §4.I.
func (c *Controller) Shutdown(grace time.Duration) {
	c.mu.Lock()
	var procs []proc.Process
	for _, st := range c.cams {
		if st.process != nil && st.process.Alive() {
			procs = append(procs, st.process)
		}
		st.process = nil
	}
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range procs {
		wg.Add(1)
		go func(p proc.Process) {
			defer wg.Done()
			p.Terminate(grace)
		}(p)
	}
	wg.Wait()
}

// transcodeArgs builds the ffmpeg command line for one camera: copy the
// video codec and segment to a 2 s, 5-segment sliding HLS window whose
// start number encodes the supervisor epoch.
func transcodeArgs(cam *models.Camera, mediaDir string, now time.Time) []string {
	var args []string
	args = append(args, "-loglevel", "warning", "-hide_banner")

	src := cam.SourceURL()
	if cam.FileSource() {
		if !strings.HasSuffix(src, ".m3u8") {
			// Plain files loop forever to emulate a live source.
			args = append(args, "-re", "-stream_loop", "-1")
		} else {
			args = append(args, "-re")
		}
	} else {
		args = append(args,
			"-rtsp_transport", "tcp",
			"-max_delay", "2000000",
			"-reorder_queue_size", "500")
	}
	args = append(args, "-i", src)

	args = append(args,
		"-c:v", "copy",
		"-an",
		"-f", "hls",
		"-hls_time", "2",
		"-hls_list_size", "5",
		"-hls_flags", "delete_segments",
		"-start_number", strconv.FormatInt(models.EpochSeconds(now), 10),
		"-hls_segment_filename", mediaDir+"/stream%d.ts",
		fmt.Sprintf("%s/stream.m3u8", mediaDir),
	)
	return args
}
