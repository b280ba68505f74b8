// Package motion polls each camera's motion API and turns the observed
// state into motion episodes: store records paired with a bounded HLS
// playlist covering the footage of the episode.
package motion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/openhaus/nvrd/internal/clock"
	"github.com/openhaus/nvrd/internal/hls"
	"github.com/openhaus/nvrd/internal/models"
	"github.com/openhaus/nvrd/internal/push"
	"github.com/openhaus/nvrd/internal/reolink"
	"github.com/openhaus/nvrd/internal/store"
)

// Poller abstracts the camera motion API for tests.
type Poller interface {
	MotionState(ctx context.Context, endpoint string) (bool, error)
}

type camMotion struct {
	breaker *breaker

	lastPoll time.Time
	// currentMovementKey is the open episode, re-derived from the store
	// on first touch after a supervisor start.
	currentMovementKey string
	derived            bool
	status             string
}

// Detector is component E, shared across cameras.
type Detector struct {
	store  *store.Store
	poller Poller
	sink   push.PushSink
	clk    clock.Clock
	logger *slog.Logger

	mu   sync.Mutex
	cams map[string]*camMotion
}

// NewDetector builds a motion detector.
func NewDetector(st *store.Store, poller Poller, sink push.PushSink, clk clock.Clock, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	if poller == nil {
		poller = reolink.NewClient()
	}
	return &Detector{
		store:  st,
		poller: poller,
		sink:   sink,
		clk:    clk,
		logger: logger.With(slog.String("component", "motion")),
		cams:   make(map[string]*camMotion),
	}
}

func (d *Detector) state(key string) *camMotion {
	cm, ok := d.cams[key]
	if !ok {
		cm = &camMotion{breaker: newBreaker(d.clk)}
		d.cams[key] = cm
	}
	return cm
}

// Status returns the camera's latest in-memory poll status line.
func (d *Detector) Status(cameraKey string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cm, ok := d.cams[cameraKey]; ok {
		return cm.status
	}
	return ""
}

// OpenMovementKey returns the camera's open episode key, or empty.
func (d *Detector) OpenMovementKey(cameraKey string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cm, ok := d.cams[cameraKey]; ok {
		return cm.currentMovementKey
	}
	return ""
}

// Tick is component E for one camera. streamStartedAt comes from the
// stream controller; the supervisor has already checked enable_movement,
// child liveness and confirmation.
func (d *Detector) Tick(ctx context.Context, cam *models.Camera, set *models.Settings, streamStartedAt time.Time) {
	now := d.clk.Now()

	d.mu.Lock()
	cm := d.state(cam.Key)
	if delay := time.Duration(cam.SecMovementStartupDelay) * time.Second; now.Sub(streamStartedAt) < delay {
		d.mu.Unlock()
		return
	}
	if !cm.lastPoll.IsZero() && now.Sub(cm.lastPoll) < time.Duration(cam.PollFrequencyMS())*time.Millisecond {
		d.mu.Unlock()
		return
	}
	if !cm.breaker.tryEnter() {
		d.mu.Unlock()
		return
	}
	cm.lastPoll = now
	d.mu.Unlock()

	err := d.poll(ctx, cam, set, cm)

	d.mu.Lock()
	if err != nil {
		cm.status = redact(err.Error(), cam)
		if errors.Is(err, reolink.ErrAPIError) {
			cm.breaker.fail(apiErrorBackoff)
		} else {
			cm.breaker.fail(transportBackoff)
		}
		d.logger.Warn("motion poll failed",
			slog.String("camera", cam.Key),
			slog.String("error", cm.status))
	} else {
		cm.breaker.succeed()
	}
	cm.breaker.exit()
	d.mu.Unlock()
}

func (d *Detector) poll(ctx context.Context, cam *models.Camera, set *models.Settings, cm *camMotion) error {
	if err := d.deriveOpenEpisode(cam, cm); err != nil {
		return err
	}

	pollCtx, cancel := context.WithTimeout(ctx, reolink.DefaultTimeout)
	defer cancel()
	moving, err := d.poller.MotionState(pollCtx, cam.MotionEndpoint())
	if err != nil {
		return err
	}

	d.mu.Lock()
	openKey := cm.currentMovementKey
	d.mu.Unlock()

	switch {
	case moving && openKey == "":
		return d.openEpisode(cam, set, cm)
	case moving:
		return d.extendEpisode(cam, cm, openKey)
	case openKey != "":
		return d.maybeEndEpisode(cam, cm, openKey)
	default:
		d.mu.Lock()
		cm.status = "No movement"
		d.mu.Unlock()
		return nil
	}
}

// deriveOpenEpisode rebuilds the in-memory open-episode pointer from the
// store once per camera per supervisor lifetime.
func (d *Detector) deriveOpenEpisode(cam *models.Camera, cm *camMotion) error {
	d.mu.Lock()
	if cm.derived {
		d.mu.Unlock()
		return nil
	}
	cm.derived = true
	d.mu.Unlock()

	var openKey string
	err := d.store.AscendMotion("", func(m *models.Motion) (bool, error) {
		if m.CameraKey == cam.Key && m.Open() {
			openKey = m.Key
		}
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("re-deriving open episode: %w", err)
	}
	if openKey != "" {
		d.mu.Lock()
		cm.currentMovementKey = openKey
		d.mu.Unlock()
	}
	return nil
}

func (d *Detector) openEpisode(cam *models.Camera, set *models.Settings, cm *camMotion) error {
	now := d.clk.Now()
	mediaDir := cam.MediaDir()

	live, err := hls.ReadLive(mediaDir + "/stream.m3u8")
	if err != nil {
		return err
	}

	lookback := int(math.Ceil(float64(cam.PollFrequencyMS()) / float64(live.TargetDuration*1000)))
	startSegment := live.LastSegment - lookback
	if startSegment < live.FirstSegment {
		startSegment = live.FirstSegment
	}

	framesDir := set.FramesDir(cam)
	if err := os.MkdirAll(framesDir, 0o755); err != nil {
		return fmt.Errorf("creating frames dir: %w", err)
	}

	key := models.NewMotionKey(now)
	playlistPath := fmt.Sprintf("%s/mov%s.m3u8", framesDir, key)
	if err := hls.WriteBounded(playlistPath, mediaDir, live.TargetDuration, startSegment, live.LastSegment); err != nil {
		return err
	}

	m := &models.Motion{
		Key:                 key,
		CameraKey:           cam.Key,
		StartDate:           now.UnixMilli(),
		StartSegment:        startSegment,
		SegDurationSec:      live.TargetDuration,
		PlaylistPath:        playlistPath,
		PlaylistLastSegment: live.LastSegment,
		ProcessingState:     models.ProcessingPending,
		DetectionStatus:     models.DetectionStarting,
		DetectionStartedAt:  now.UnixMilli(),
	}
	if err := d.store.PutMotion(m); err != nil {
		return fmt.Errorf("persisting new motion record: %w", err)
	}

	d.mu.Lock()
	cm.currentMovementKey = key
	cm.status = "Movement detected"
	d.mu.Unlock()

	d.logger.Info("movement started",
		slog.String("camera", cam.Key),
		slog.String("movement", key),
		slog.Int("start_segment", startSegment))
	d.sink.Broadcast(push.EventMovementNew, m)
	return nil
}

func (d *Detector) extendEpisode(cam *models.Camera, cm *camMotion, key string) error {
	m, err := d.store.GetMotion(key)
	if err != nil {
		return fmt.Errorf("reading open motion record: %w", err)
	}

	now := d.clk.Now()
	elapsed := int(now.Sub(m.Start()) / time.Second)
	if elapsed > cam.MaxSingleMovementSec() {
		return d.endEpisode(cam, cm, m, elapsed)
	}

	live, err := hls.ReadLive(cam.MediaDir() + "/stream.m3u8")
	if err != nil {
		return err
	}
	if live.LastSegment > m.PlaylistLastSegment {
		err = hls.AppendSegments(m.PlaylistPath, cam.MediaDir(), m.SegDurationSec, m.PlaylistLastSegment+1, live.LastSegment)
		if err != nil {
			return err
		}
		m.PlaylistLastSegment = live.LastSegment
	}

	m.Seconds = elapsed
	m.PollCount++
	m.ConsecutivePollsWithoutMove = 0
	if err := d.store.PutMotion(m); err != nil {
		return fmt.Errorf("updating motion record: %w", err)
	}

	d.mu.Lock()
	cm.status = "Movement continuing"
	d.mu.Unlock()
	d.sink.Broadcast(push.EventMovementUpdate, m)
	return nil
}

func (d *Detector) maybeEndEpisode(cam *models.Camera, cm *camMotion, key string) error {
	m, err := d.store.GetMotion(key)
	if err != nil {
		return fmt.Errorf("reading open motion record: %w", err)
	}

	now := d.clk.Now()
	m.ConsecutivePollsWithoutMove++
	elapsed := int(now.Sub(m.Start()) / time.Second)

	ends := cam.PollsWithoutMovement == 0 ||
		m.ConsecutivePollsWithoutMove >= cam.PollsWithoutMovement ||
		elapsed > cam.MaxSingleMovementSec()
	if !ends {
		m.Seconds = elapsed
		if err := d.store.PutMotion(m); err != nil {
			return fmt.Errorf("updating motion record: %w", err)
		}
		return nil
	}
	return d.endEpisode(cam, cm, m, elapsed)
}

// endEpisode finalizes the bounded playlist and closes the record. It
// leaves processing_state as stored (pending, or processing if the
// pipeline already claimed the open episode): closing an episode is a
// detection-side event.
func (d *Detector) endEpisode(cam *models.Camera, cm *camMotion, m *models.Motion, elapsed int) error {
	if err := hls.Finalize(m.PlaylistPath); err != nil {
		return err
	}

	m.Seconds = elapsed
	m.DetectionEndedAt = d.clk.Now().UnixMilli()
	if err := d.store.PutMotion(m); err != nil {
		return fmt.Errorf("finalizing motion record: %w", err)
	}

	d.mu.Lock()
	cm.currentMovementKey = ""
	cm.status = "Movement complete"
	d.mu.Unlock()

	d.logger.Info("movement complete",
		slog.String("camera", cam.Key),
		slog.String("movement", m.Key),
		slog.Int("seconds", m.Seconds))
	d.sink.Broadcast(push.EventMovementComplete, m)
	return nil
}

// redact strips camera credentials and addressing from a message before it
// is stored on the camera's status.
func redact(msg string, cam *models.Camera) string {
	if cam.Passwd != "" {
		msg = strings.ReplaceAll(msg, cam.Passwd, "[redacted]")
	}
	if cam.IP != "" {
		msg = strings.ReplaceAll(msg, cam.IP, "[redacted]")
	}
	return msg
}
