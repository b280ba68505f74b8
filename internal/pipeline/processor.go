// Package pipeline claims pending motion episodes (ended or still open)
// camera by camera,
// extracts frames from each episode's bounded playlist with a short-lived
// ffmpeg child, streams the frame paths into the shared detector, and
// writes the single finalizing update once extraction and analysis have
// both settled.
package pipeline

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/openhaus/nvrd/internal/clock"
	"github.com/openhaus/nvrd/internal/hls"
	"github.com/openhaus/nvrd/internal/models"
	"github.com/openhaus/nvrd/internal/proc"
	"github.com/openhaus/nvrd/internal/push"
	"github.com/openhaus/nvrd/internal/store"
)

const (
	// extractorGraceAfterTerm is the SIGTERM→SIGKILL escalation window.
	extractorGraceAfterTerm = 2 * time.Second
	// orphanReleaseAfter force-releases a slot whose killed extractor
	// never delivered its exit.
	orphanReleaseAfter = 10 * time.Second
	// mlResultTimeout finalizes a record even though not every frame sent
	// to the detector was answered.
	mlResultTimeout = 30 * time.Second
)

var progressFrameRe = regexp.MustCompile(`^frame=\s*(\d+)`)
var stderrErrorRe = regexp.MustCompile(`(?i)error|invalid|failed|no such file`)

// FrameSink receives extracted frame paths; the detector controller
// implements it.
type FrameSink interface {
	SendImage(movementKey, imagePath string) bool
}

// slot is the per-camera processing state. At most one exists per camera;
// holding it is what makes invariant "one extractor per camera" true.
type slot struct {
	movementKey string
	framesDir   string
	startedAt   time.Time
	process     proc.Process
	pid         int

	killedAt       time.Time
	ffmpegExited   bool
	ffmpegExitedAt time.Time
	exitCode       int
	exitSignal     string

	maxFrameSeen   int
	framesSent     int
	framesReceived int
	mlTotalMS      int64
	mlMaxMS        int64
	firstStderrErr string

	onAllFramesProcessed func()
	finalized            bool
}

// Processor is component F, shared across cameras.
type Processor struct {
	store  *store.Store
	sink   push.PushSink
	frames FrameSink
	clk    clock.Clock
	spawn  proc.SpawnFunc
	logger *slog.Logger
	ffmpeg string

	mu    sync.Mutex
	slots map[string]*slot

	// closeWG tracks in-flight finalizations so shutdown can await them.
	closeWG sync.WaitGroup
}

// NewProcessor builds the processing supervisor.
func NewProcessor(st *store.Store, sink push.PushSink, frames FrameSink, ffmpegBin string, spawn proc.SpawnFunc, clk clock.Clock, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:  st,
		sink:   sink,
		frames: frames,
		clk:    clk,
		spawn:  spawn,
		logger: logger.With(slog.String("component", "pipeline")),
		ffmpeg: ffmpegBin,
		slots:  make(map[string]*slot),
	}
}

// SlotHeld reports whether the camera currently holds its processing slot.
func (p *Processor) SlotHeld(cameraKey string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.slots[cameraKey]
	return ok
}

// Tick is component F for one camera: progress the held slot, or claim the
// next eligible motion record and spawn its extractor.
func (p *Processor) Tick(cam *models.Camera, set *models.Settings) {
	p.mu.Lock()
	if s, held := p.slots[cam.Key]; held {
		p.tickHeldLocked(cam, s)
		p.mu.Unlock()
		return
	}
	// Claim with a placeholder before the store scan and spawn so the
	// camera's next tick cannot double-claim.
	placeholder := &slot{startedAt: p.clk.Now()}
	p.slots[cam.Key] = placeholder
	p.mu.Unlock()

	if !p.claim(cam, set, placeholder) {
		p.mu.Lock()
		if p.slots[cam.Key] == placeholder {
			delete(p.slots, cam.Key)
		}
		p.mu.Unlock()
	}
}

// tickHeldLocked handles timeout and orphan release for a held slot.
func (p *Processor) tickHeldLocked(cam *models.Camera, s *slot) {
	now := p.clk.Now()

	if !s.killedAt.IsZero() {
		if now.Sub(s.killedAt) > orphanReleaseAfter {
			p.logger.Error("abandoning extractor that ignored SIGKILL",
				slog.String("camera", cam.Key),
				slog.Int("pid", s.pid))
			delete(p.slots, cam.Key)
		}
		return
	}

	wallCap := time.Duration(cam.MaxSingleMovementSec()+60) * time.Second
	if s.process != nil && now.Sub(s.startedAt) > wallCap {
		p.logger.Warn("extractor exceeded wall-time cap, killing",
			slog.String("camera", cam.Key),
			slog.String("movement", s.movementKey))
		s.killedAt = now
		go s.process.Terminate(extractorGraceAfterTerm)
		go p.failRecord(s.movementKey, fmt.Sprintf("extraction timed out after %s", wallCap))
	}
}

// failRecord transitions a record to failed outside the finalize closure
// (timeout path and scan-rejection path).
func (p *Processor) failRecord(movementKey, reason string) {
	m, err := p.store.GetMotion(movementKey)
	if err != nil {
		p.logger.Error("reading motion record to fail it",
			slog.String("movement", movementKey),
			slog.String("error", err.Error()))
		return
	}
	if m.ProcessingState.Terminal() {
		return
	}
	m.ProcessingState = models.ProcessingFailed
	m.DetectionStatus = models.DetectionFailed
	m.ProcessingCompletedAt = p.clk.Now().UnixMilli()
	m.ProcessingError = reason
	if err := p.store.PutMotion(m); err != nil {
		p.logger.Error("persisting failed motion record",
			slog.String("movement", movementKey),
			slog.String("error", err.Error()))
		return
	}
	p.sink.Broadcast(push.EventMovementUpdate, m)
}

// claim scans pending work beyond the camera's pointer and, on a match,
// spawns the extractor into the placeholder slot. Returns false when the
// slot should be released.
func (p *Processor) claim(cam *models.Camera, set *models.Settings, s *slot) bool {
	var target *models.Motion
	err := p.store.AscendMotion(cam.LastProcessedMovementKey, func(m *models.Motion) (bool, error) {
		if m.CameraKey != cam.Key {
			return true, nil
		}
		if m.ProcessingState != models.ProcessingPending && m.ProcessingState != models.ProcessingProcessing {
			return true, nil
		}
		if reason, ok := p.playable(m); !ok {
			// Disk cleanup got there first: fail the record, advance
			// past it, keep scanning.
			p.failRecord(m.Key, reason)
			if err := p.advancePointer(cam, m.Key); err != nil {
				return false, err
			}
			return true, nil
		}
		target = m
		return false, nil
	})
	if err != nil {
		p.logger.Error("scanning pending motion records",
			slog.String("camera", cam.Key),
			slog.String("error", err.Error()))
		return false
	}
	if target == nil {
		return false
	}
	return p.startExtractor(cam, set, s, target)
}

// playable verifies the bounded playlist still points at real segments.
func (p *Processor) playable(m *models.Motion) (string, bool) {
	if m.PlaylistPath == "" {
		return "No playlist recorded for movement", false
	}
	if _, err := os.Stat(m.PlaylistPath); err != nil {
		return "Playlist file missing", false
	}
	segs, err := hls.SegmentURIs(m.PlaylistPath)
	if err != nil || len(segs) == 0 {
		return "Playlist lists no segments", false
	}
	if _, err := os.Stat(segs[0]); err != nil {
		return "Segment files deleted by disk cleanup", false
	}
	return "", true
}

func (p *Processor) startExtractor(cam *models.Camera, set *models.Settings, s *slot, m *models.Motion) bool {
	now := p.clk.Now()
	framesDir := set.FramesDir(cam)

	m.ProcessingState = models.ProcessingProcessing
	m.ProcessingStartedAt = now.UnixMilli()
	m.DetectionStatus = models.DetectionExtracting
	if err := p.store.PutMotion(m); err != nil {
		p.logger.Error("claiming motion record",
			slog.String("movement", m.Key),
			slog.String("error", err.Error()))
		return false
	}
	p.sink.Broadcast(push.EventMovementUpdate, m)

	logger := p.logger.With(slog.String("camera", cam.Key), slog.String("movement", m.Key))
	args := extractorArgs(m, cam, framesDir)
	movementKey := m.Key

	// Fill the placeholder before spawning so close/progress callbacks
	// from an instantly-exiting child still find their slot.
	p.mu.Lock()
	s.movementKey = movementKey
	s.framesDir = framesDir
	s.startedAt = now
	p.mu.Unlock()

	procHandle, err := p.spawn(proc.Spec{
		Name: "extract-" + movementKey,
		Cmd:  p.ffmpeg,
		Args: args,
		OnStdout: func(line string) {
			p.onProgressLine(cam.Key, movementKey, framesDir, line)
		},
		OnStderr: func(line string) {
			p.onStderrLine(cam.Key, line)
			logger.Debug("extractor", slog.String("line", line))
		},
		OnClose: func(code int, signal string) {
			p.onExtractorClose(cam.Key, code, signal)
		},
	})
	if err != nil {
		logger.Error("spawning extractor", slog.String("error", err.Error()))
		p.failRecord(movementKey, "spawning extractor: "+err.Error())
		p.advanceAndLog(cam.Key, movementKey)
		return false
	}

	p.mu.Lock()
	s.process = procHandle
	s.pid = procHandle.PID()
	p.mu.Unlock()
	logger.Info("extractor started", slog.Int("pid", procHandle.PID()))
	return true
}

// extractorArgs builds the ffmpeg command that replays the bounded
// playlist into 2 fps letterboxed 640×640 JPEG frames.
func extractorArgs(m *models.Motion, cam *models.Camera, framesDir string) []string {
	maxSec := cam.MaxSingleMovementSec()
	readTimeoutUS := int64(maxSec+30) * 1_000_000
	return []string{
		"-loglevel", "warning", "-hide_banner",
		"-f", "hls",
		"-live_start_index", "0",
		"-allowed_extensions", "ALL",
		"-rw_timeout", strconv.FormatInt(readTimeoutUS, 10),
		"-i", m.PlaylistPath,
		"-t", strconv.Itoa(maxSec + 60),
		"-an",
		"-vf", "fps=2,scale=640:640:force_original_aspect_ratio=decrease,pad=640:640:(ow-iw)/2:(oh-ih)/2",
		"-q:v", "2",
		"-progress", "pipe:1",
		fmt.Sprintf("%s/mov%s_%%04d.jpg", framesDir, m.Key),
	}
}

// onProgressLine tracks frame= progress and pushes each newly written frame
// into the detector.
func (p *Processor) onProgressLine(cameraKey, movementKey, framesDir, line string) {
	match := progressFrameRe.FindStringSubmatch(strings.TrimSpace(line))
	if match == nil {
		return
	}
	n, err := strconv.Atoi(match[1])
	if err != nil {
		return
	}

	p.mu.Lock()
	s, held := p.slots[cameraKey]
	if !held || s.movementKey != movementKey || n <= s.maxFrameSeen {
		p.mu.Unlock()
		return
	}
	first := s.maxFrameSeen + 1
	s.maxFrameSeen = n
	p.mu.Unlock()

	for i := first; i <= n; i++ {
		path := fmt.Sprintf("%s/mov%s_%04d.jpg", framesDir, movementKey, i)
		if p.frames.SendImage(movementKey, path) {
			p.mu.Lock()
			if s2, ok := p.slots[cameraKey]; ok && s2.movementKey == movementKey {
				s2.framesSent++
			}
			p.mu.Unlock()
		}
	}
}

// onStderrLine keeps the first error-looking stderr line for the failure
// reason.
func (p *Processor) onStderrLine(cameraKey, line string) {
	if !stderrErrorRe.MatchString(line) {
		return
	}
	p.mu.Lock()
	if s, ok := p.slots[cameraKey]; ok && s.firstStderrErr == "" {
		s.firstStderrErr = strings.TrimSpace(line)
	}
	p.mu.Unlock()
}

// onExtractorClose records the exit and installs the finalize closure; the
// closure fires from CheckAndFinalize once the detector has answered every
// frame (or the ML-result timeout passes).
func (p *Processor) onExtractorClose(cameraKey string, code int, signal string) {
	p.mu.Lock()
	s, held := p.slots[cameraKey]
	if !held || s.movementKey == "" {
		p.mu.Unlock()
		return
	}
	s.ffmpegExited = true
	s.ffmpegExitedAt = p.clk.Now()
	s.exitCode = code
	s.exitSignal = signal
	movementKey := s.movementKey
	s.onAllFramesProcessed = func() {
		p.finalize(cameraKey, movementKey, s)
	}
	p.mu.Unlock()

	p.CheckAndFinalize(cameraKey)
}

// CheckAndFinalize fires the finalize closure for a held slot whose
// extractor has exited, once every frame sent to the detector has been
// answered or the ML-result timeout has passed. Invoked on every detector
// result, on extractor exit, and once per tick for every held slot.
func (p *Processor) CheckAndFinalize(cameraKey string) {
	p.mu.Lock()
	s, held := p.slots[cameraKey]
	if !held || !s.ffmpegExited || s.finalized || s.onAllFramesProcessed == nil {
		p.mu.Unlock()
		return
	}
	settled := s.framesSent == s.framesReceived
	timedOut := p.clk.Now().Sub(s.ffmpegExitedAt) > mlResultTimeout
	if !settled && !timedOut {
		p.mu.Unlock()
		return
	}
	if timedOut && !settled {
		p.logger.Warn("finalizing with unanswered detector frames",
			slog.String("camera", cameraKey),
			slog.Int("sent", s.framesSent),
			slog.Int("received", s.framesReceived))
	}
	s.finalized = true
	fire := s.onAllFramesProcessed
	p.mu.Unlock()

	p.closeWG.Add(1)
	go func() {
		defer p.closeWG.Done()
		fire()
	}()
}

// finalize writes the single terminal update for the slot's motion record,
// advances the camera pointer, and releases the slot.
func (p *Processor) finalize(cameraKey, movementKey string, s *slot) {
	defer func() {
		p.mu.Lock()
		if cur, ok := p.slots[cameraKey]; ok && cur == s {
			delete(p.slots, cameraKey)
		}
		p.mu.Unlock()
	}()

	m, err := p.store.GetMotion(movementKey)
	if err != nil {
		p.logger.Error("reading motion record for finalize",
			slog.String("movement", movementKey),
			slog.String("error", err.Error()))
		return
	}

	p.mu.Lock()
	totalFrames := s.maxFrameSeen
	exitCode := s.exitCode
	exitSignal := s.exitSignal
	firstErr := s.firstStderrErr
	m.FramesSentToML = s.framesSent
	m.FramesReceivedFromML = s.framesReceived
	m.MLTotalProcessingMS = s.mlTotalMS
	m.MLMaxProcessingMS = s.mlMaxMS
	p.mu.Unlock()

	// The timeout path may have finalized the record already; never
	// overwrite a terminal state.
	if m.ProcessingState.Terminal() {
		p.logger.Debug("record already finalized, skipping",
			slog.String("movement", movementKey))
		return
	}

	graceful := exitSignal != "" || exitCode == 0
	if totalFrames > 0 && graceful {
		m.ProcessingState = models.ProcessingCompleted
		m.DetectionStatus = models.DetectionComplete
	} else {
		m.ProcessingState = models.ProcessingFailed
		m.DetectionStatus = models.DetectionFailed
		switch {
		case firstErr != "":
			m.ProcessingError = firstErr
		case totalFrames == 0:
			m.ProcessingError = "No frames extracted"
		default:
			m.ProcessingError = fmt.Sprintf("ffmpeg exited with code %d", exitCode)
		}
	}
	m.ProcessingCompletedAt = p.clk.Now().UnixMilli()

	if err := p.store.PutMotion(m); err != nil {
		p.logger.Error("persisting finalized motion record",
			slog.String("movement", movementKey),
			slog.String("error", err.Error()))
		return
	}

	p.advanceAndLog(cameraKey, movementKey)

	p.logger.Info("movement processed",
		slog.String("camera", cameraKey),
		slog.String("movement", movementKey),
		slog.String("state", string(m.ProcessingState)),
		slog.Int("frames", totalFrames))
	p.sink.Broadcast(push.EventMovementUpdate, m)
}

func (p *Processor) advanceAndLog(cameraKey, movementKey string) {
	cam, err := p.store.GetCamera(cameraKey)
	if err != nil {
		p.logger.Error("reading camera for pointer advance",
			slog.String("camera", cameraKey),
			slog.String("error", err.Error()))
		return
	}
	if err := p.advancePointer(cam, movementKey); err != nil {
		p.logger.Error("advancing processing pointer",
			slog.String("camera", cameraKey),
			slog.String("error", err.Error()))
	}
}

// advancePointer moves the camera's processing pointer forward, never back.
func (p *Processor) advancePointer(cam *models.Camera, movementKey string) error {
	if movementKey <= cam.LastProcessedMovementKey {
		return nil
	}
	cam.LastProcessedMovementKey = movementKey
	return p.store.PutCamera(cam)
}

// OnMLResult is the detector's ResultHook: it updates the slot counters and
// re-checks finalization.
func (p *Processor) OnMLResult(cameraKey, movementKey string, processingMS int64) {
	p.mu.Lock()
	if s, ok := p.slots[cameraKey]; ok && s.movementKey == movementKey {
		s.framesReceived++
		s.mlTotalMS += processingMS
		if processingMS > s.mlMaxMS {
			s.mlMaxMS = processingMS
		}
	}
	p.mu.Unlock()

	p.CheckAndFinalize(cameraKey)
}

// Sweep re-checks every held slot; the tick scheduler calls it so the
// ML-result timeout progresses even for quiet cameras.
func (p *Processor) Sweep() {
	p.mu.Lock()
	keys := make([]string, 0, len(p.slots))
	for k := range p.slots {
		keys = append(keys, k)
	}
	p.mu.Unlock()
	for _, k := range keys {
		p.CheckAndFinalize(k)
	}
}

// Shutdown kills live extractors and waits for in-flight finalizations.
func (p *Processor) Shutdown(grace time.Duration) {
	p.mu.Lock()
	var procs []proc.Process
	for _, s := range p.slots {
		if s.process != nil && s.process.Alive() {
			procs = append(procs, s.process)
		}
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, pr := range procs {
		wg.Add(1)
		go func(pr proc.Process) {
			defer wg.Done()
			pr.Terminate(grace)
		}(pr)
	}
	wg.Wait()

	// Extractor deaths trigger finalization; give those closures a
	// moment to settle before the store closes.
	done := make(chan struct{})
	go func() {
		p.closeWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		p.logger.Warn("shutdown proceeded with unfinished finalizations")
	}
}
