// Package detector manages the single shared object-detection worker. Frame
// paths from every camera's extractor fan in to the worker's stdin; JSON
// result lines on its stdout are merged back onto the owning motion record,
// correlated by the motion key embedded in each frame filename.
package detector

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/openhaus/nvrd/internal/clock"
	"github.com/openhaus/nvrd/internal/models"
	"github.com/openhaus/nvrd/internal/proc"
	"github.com/openhaus/nvrd/internal/push"
	"github.com/openhaus/nvrd/internal/store"
)

const (
	// restartWindow is how long after the scheduled HH:MM a restart may
	// still trigger.
	restartWindow = 30 * time.Minute
	// mergeRetryDelay spaces retries of a result line whose motion record
	// has a merge already in flight.
	mergeRetryDelay = 50 * time.Millisecond
)

// resultLine is one detection result from the worker.
type resultLine struct {
	Image      string `json:"image"`
	Detections []struct {
		Object      string    `json:"object"`
		Probability float64   `json:"probability"`
		Box         []float64 `json:"box"`
	} `json:"detections"`
	Error string `json:"error,omitempty"`
}

// ResultHook is called after each merged result so the processing
// supervisor can update its slot counters and re-check finalization.
type ResultHook func(cameraKey, movementKey string, processingMS int64)

// Controller is component G.
type Controller struct {
	store  *store.Store
	sink   push.PushSink
	clk    clock.Clock
	spawn  proc.SpawnFunc
	logger *slog.Logger

	// Cmd and Args launch the worker from Dir. Settings-derived arguments
	// (model, target hardware) are appended at spawn time.
	Cmd  string
	Args []string
	Dir  string

	// OnResult is wired to the processing supervisor.
	OnResult ResultHook

	mu              sync.Mutex
	worker          proc.Process
	startedAt       time.Time
	restartPending  bool
	lastRestartDate string
	shuttingDown    bool

	// frameSentTimes holds frames written to the worker but not yet
	// answered; pendingUpdates serializes merges per motion key.
	frameSentTimes map[string]time.Time
	pendingUpdates map[string]int
}

// NewController builds a detector controller.
func NewController(st *store.Store, sink push.PushSink, clk clock.Clock, spawn proc.SpawnFunc, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		store:          st,
		sink:           sink,
		clk:            clk,
		spawn:          spawn,
		logger:         logger.With(slog.String("component", "detector")),
		Cmd:            "python3",
		Args:           []string{"detect.py"},
		Dir:            "ai",
		frameSentTimes: make(map[string]time.Time),
		pendingUpdates: make(map[string]int),
	}
}

// Running reports whether the worker is alive.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.worker != nil && c.worker.Alive()
}

// RestartPending reports whether a drain-then-restart is in progress.
func (c *Controller) RestartPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.restartPending
}

// InFlight returns the number of unanswered frames.
func (c *Controller) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frameSentTimes)
}

// Tick applies the lifecycle rules: kill when disabled, spawn when enabled
// and absent, drain-and-restart at the scheduled time.
func (c *Controller) Tick(set *models.Settings) {
	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		return
	}
	alive := c.worker != nil && c.worker.Alive()

	if !set.EnableDetection {
		if alive {
			w := c.worker
			c.worker = nil
			c.mu.Unlock()
			c.logger.Info("detection disabled, stopping worker")
			go w.Terminate(killGrace)
			return
		}
		c.mu.Unlock()
		return
	}

	if !alive {
		c.mu.Unlock()
		c.spawnWorker(set)
		return
	}

	c.tickRestartLocked(set)
	c.mu.Unlock()
}

const killGrace = 2 * time.Second

// tickRestartLocked drives the scheduled daily restart. Called with the
// lock held and a live worker.
func (c *Controller) tickRestartLocked(set *models.Settings) {
	schedule := set.MLRestartSchedule
	if schedule == "" {
		return
	}
	now := c.clk.Now()
	today := now.Format("2006-01-02")

	if !c.restartPending {
		if c.lastRestartDate == today {
			return
		}
		at, err := time.ParseInLocation("2006-01-02 15:04", today+" "+schedule, now.Location())
		if err != nil {
			c.logger.Warn("invalid ml_restart_schedule", slog.String("schedule", schedule))
			return
		}
		if now.Before(at) || now.Sub(at) > restartWindow {
			return
		}
		c.restartPending = true
		c.logger.Info("detector restart scheduled, draining",
			slog.Int("frames_in_flight", len(c.frameSentTimes)))
	}

	// Drain: only kill once every in-flight frame has been answered.
	if len(c.frameSentTimes) > 0 {
		return
	}
	w := c.worker
	c.worker = nil
	c.lastRestartDate = today
	c.logger.Info("detector drained, restarting worker")
	go w.Terminate(killGrace)
}

func (c *Controller) spawnWorker(set *models.Settings) {
	args := append([]string{}, c.Args...)
	if set.DetectionModel != "" {
		args = append(args, "--model", set.DetectionModel)
	}
	if set.DetectionHardware != "" {
		args = append(args, "--device", set.DetectionHardware)
	}

	w, err := c.spawn(proc.Spec{
		Name: "detector",
		Cmd:  c.Cmd,
		Args: args,
		Dir:  c.Dir,
		OnStdout: func(line string) {
			c.handleLine(line)
		},
		OnStderr: func(line string) {
			c.logger.Debug("detector", slog.String("line", line))
		},
		OnError: func(err error) {
			c.logger.Warn("detector worker error", slog.String("error", err.Error()))
		},
		OnClose: func(code int, signal string) {
			c.onWorkerClose(code, signal)
		},
	})
	if err != nil {
		c.logger.Error("spawning detector worker", slog.String("error", err.Error()))
		return
	}

	c.mu.Lock()
	c.worker = w
	c.startedAt = c.clk.Now()
	c.restartPending = false
	c.mu.Unlock()
	c.logger.Info("detector worker started", slog.Int("pid", w.PID()))
}

func (c *Controller) onWorkerClose(code int, signal string) {
	c.mu.Lock()
	shuttingDown := c.shuttingDown
	if c.worker != nil && !c.worker.Alive() {
		c.worker = nil
	}
	c.mu.Unlock()

	if code != 0 && signal == "" && !shuttingDown {
		c.logger.Warn("detector worker exited unexpectedly", slog.Int("code", code))
		// Next tick respawns it.
	}
}

// SendImage writes one frame path to the worker's stdin. Best-effort: the
// write is dropped (and reported false) while a restart is draining, or
// when the worker is dead or its stdin unwritable.
func (c *Controller) SendImage(movementKey, imagePath string) bool {
	c.mu.Lock()
	if c.restartPending || c.worker == nil || !c.worker.Alive() {
		c.mu.Unlock()
		c.logger.Debug("dropping frame for detector",
			slog.String("movement", movementKey),
			slog.String("image", imagePath))
		return false
	}
	w := c.worker
	c.frameSentTimes[imagePath] = c.clk.Now()
	c.mu.Unlock()

	if !w.WriteStdin(imagePath + "\n") {
		c.mu.Lock()
		delete(c.frameSentTimes, imagePath)
		c.mu.Unlock()
		return false
	}
	return true
}

// handleLine ingests one stdout line from the worker.
func (c *Controller) handleLine(line string) {
	var res resultLine
	if err := json.Unmarshal([]byte(line), &res); err != nil {
		c.logger.Debug("unparseable detector line", slog.String("line", line))
		return
	}
	key, ok := models.MotionKeyFromFrame(res.Image)
	if !ok {
		c.logger.Warn("detector result without motion key", slog.String("image", res.Image))
		return
	}

	// Serialize merges per motion key: if a merge for this record is in
	// flight, retry this line shortly.
	c.mu.Lock()
	if c.pendingUpdates[key] > 0 {
		c.mu.Unlock()
		time.AfterFunc(mergeRetryDelay, func() { c.handleLine(line) })
		return
	}
	c.pendingUpdates[key]++
	sentAt, sent := c.frameSentTimes[res.Image]
	delete(c.frameSentTimes, res.Image)
	c.mu.Unlock()

	var processingMS int64
	if sent {
		processingMS = c.clk.Now().Sub(sentAt).Milliseconds()
	}

	cameraKey := c.merge(key, &res)

	c.mu.Lock()
	c.pendingUpdates[key]--
	if c.pendingUpdates[key] <= 0 {
		delete(c.pendingUpdates, key)
	}
	c.mu.Unlock()

	if c.OnResult != nil && cameraKey != "" {
		c.OnResult(cameraKey, key, processingMS)
	}
}

// merge folds one result line into the motion record's detection output and
// returns the owning camera key ("" when the merge failed).
func (c *Controller) merge(key string, res *resultLine) string {
	m, err := c.store.GetMotion(key)
	if err != nil {
		c.logger.Warn("detector result for unknown motion record",
			slog.String("movement", key),
			slog.String("error", err.Error()))
		return ""
	}

	if res.Error != "" {
		c.logger.Warn("detector reported frame error",
			slog.String("movement", key),
			slog.String("image", res.Image),
			slog.String("error", res.Error))
	}

	if m.DetectionOutput == nil {
		m.DetectionOutput = &models.DetectionOutput{}
	}
	imageName := filepath.Base(res.Image)
	for _, det := range res.Detections {
		prob := math.Round(det.Probability*100) / 100
		idx := -1
		for i := range m.DetectionOutput.Tags {
			if m.DetectionOutput.Tags[i].Tag == det.Object {
				idx = i
				break
			}
		}
		if idx < 0 {
			m.DetectionOutput.Tags = append(m.DetectionOutput.Tags, models.DetectionTag{
				Tag:                 det.Object,
				MaxProbability:      prob,
				MaxProbabilityImage: imageName,
			})
			idx = len(m.DetectionOutput.Tags) - 1
		} else if prob > m.DetectionOutput.Tags[idx].MaxProbability {
			m.DetectionOutput.Tags[idx].MaxProbability = prob
			m.DetectionOutput.Tags[idx].MaxProbabilityImage = imageName
		}
		m.DetectionOutput.Tags[idx].Count++
	}
	sort.SliceStable(m.DetectionOutput.Tags, func(i, j int) bool {
		return m.DetectionOutput.Tags[i].MaxProbability > m.DetectionOutput.Tags[j].MaxProbability
	})

	m.DetectionStatus = ""
	if err := c.store.PutMotion(m); err != nil {
		c.logger.Error("persisting detection merge",
			slog.String("movement", key),
			slog.String("error", err.Error()))
		return ""
	}
	c.sink.Broadcast(push.EventMovementUpdate, m)
	return m.CameraKey
}

// Shutdown kills the worker as part of §4.I.
func (c *Controller) Shutdown(grace time.Duration) {
	c.mu.Lock()
	c.shuttingDown = true
	w := c.worker
	c.worker = nil
	c.mu.Unlock()
	if w != nil && w.Alive() {
		w.Terminate(grace)
	}
}

// String describes the worker state for diagnostics.
func (c *Controller) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.worker == nil {
		return "detector: stopped"
	}
	return fmt.Sprintf("detector: pid %d, %d in flight", c.worker.PID(), len(c.frameSentTimes))
}
