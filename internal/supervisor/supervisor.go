// Package supervisor drives the whole recorder from one 1 Hz tick: the
// detector singleton first, then per camera the stream controller, stream
// confirmation, motion detector, and processing supervisor, each behind its
// own entry criteria. A separate cron-paced loop reclaims disk space.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/openhaus/nvrd/internal/cleanup"
	"github.com/openhaus/nvrd/internal/clock"
	"github.com/openhaus/nvrd/internal/detector"
	"github.com/openhaus/nvrd/internal/models"
	"github.com/openhaus/nvrd/internal/motion"
	"github.com/openhaus/nvrd/internal/pipeline"
	"github.com/openhaus/nvrd/internal/push"
	"github.com/openhaus/nvrd/internal/store"
	"github.com/openhaus/nvrd/internal/stream"
)

const (
	// tickInterval is the reconciliation cadence.
	tickInterval = time.Second
	// keepAliveEvery fires the SSE keep-alive every N ticks.
	keepAliveEvery = 30
	// shutdownGrace is the per-child window between SIGTERM and SIGKILL
	// during shutdown.
	shutdownGrace = 5 * time.Second
)

// Supervisor composes the controllers and owns the tick loop.
type Supervisor struct {
	store     *store.Store
	streams   *stream.Controller
	motion    *motion.Detector
	processor *pipeline.Processor
	detector  *detector.Controller
	cleaner   *cleanup.Cleaner
	sink      push.PushSink
	clk       clock.Clock
	logger    *slog.Logger

	ticks        uint64
	shuttingDown atomic.Bool
	loggedEmpty  bool

	// camBusy marks cameras whose controllers are still running from an
	// earlier tick; camWG tracks those workers for shutdown.
	camMu   sync.Mutex
	camBusy map[string]bool
	camWG   sync.WaitGroup
}

// New wires the controllers together. The detector's result hook is
// connected to the processor here.
func New(st *store.Store, streams *stream.Controller, mot *motion.Detector, proc *pipeline.Processor, det *detector.Controller, cleaner *cleanup.Cleaner, sink push.PushSink, clk clock.Clock, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	det.OnResult = proc.OnMLResult
	return &Supervisor{
		store:     st,
		streams:   streams,
		motion:    mot,
		processor: proc,
		detector:  det,
		cleaner:   cleaner,
		sink:      sink,
		clk:       clk,
		logger:    logger.With(slog.String("component", "supervisor")),
		camBusy:   make(map[string]bool),
	}
}

// Run ticks until ctx is cancelled, then performs the ordered shutdown.
// The store is left open for the caller to close.
func (s *Supervisor) Run(ctx context.Context) error {
	set, err := s.store.GetSettings()
	if err != nil {
		return fmt.Errorf("reading settings on start: %w", err)
	}

	cleanupCron := cron.New()
	spec := fmt.Sprintf("@every %dm", set.CleanupInterval())
	if _, err := cleanupCron.AddFunc(spec, s.cleaner.Pass); err != nil {
		return fmt.Errorf("scheduling disk cleanup: %w", err)
	}
	cleanupCron.Start()
	defer func() {
		<-cleanupCron.Stop().Done()
	}()

	s.logger.Info("supervisor started", slog.String("cleanup_schedule", spec))

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one reconciliation pass. Exported so tests can drive the
// supervisor without the wall-clock ticker.
func (s *Supervisor) Tick(ctx context.Context) {
	if s.shuttingDown.Load() {
		return
	}
	s.ticks++

	set, err := s.store.GetSettings()
	if err != nil {
		s.logger.Error("reading settings", slog.String("error", err.Error()))
		return
	}

	s.detector.Tick(set)

	cams, err := s.store.ListCameras()
	if err != nil {
		s.logger.Error("listing cameras", slog.String("error", err.Error()))
		return
	}

	active := 0
	for _, cam := range cams {
		if cam.Deleted {
			continue
		}
		active++
		s.dispatchCamera(ctx, cam, set)
	}
	if active == 0 && !s.loggedEmpty {
		s.logger.Info("No cameras configured")
		s.loggedEmpty = true
	}

	// Progress the ML-result timeout even for cameras with no events
	// this tick.
	s.processor.Sweep()

	if s.ticks%keepAliveEvery == 0 {
		s.sink.KeepAlive()
	}
}

// dispatchCamera runs one camera's controllers on their own goroutine so a
// camera blocked on stream verification or a slow motion endpoint never
// stalls the others. The intra-camera C→D→E→F order stays sequential
// inside the worker; a camera still busy from an earlier tick is skipped,
// never run re-entrantly.
func (s *Supervisor) dispatchCamera(ctx context.Context, cam *models.Camera, set *models.Settings) {
	s.camMu.Lock()
	if s.camBusy[cam.Key] {
		s.camMu.Unlock()
		return
	}
	s.camBusy[cam.Key] = true
	s.camMu.Unlock()

	s.camWG.Add(1)
	go func() {
		defer func() {
			s.camMu.Lock()
			delete(s.camBusy, cam.Key)
			s.camMu.Unlock()
			s.camWG.Done()
		}()
		s.tickCamera(ctx, cam, set)
	}()
}

func (s *Supervisor) tickCamera(ctx context.Context, cam *models.Camera, set *models.Settings) {
	s.streams.Tick(cam, set)

	if s.streams.Alive(cam.Key) {
		s.streams.Confirm(cam)
	}

	if cam.EnableMovement && s.streams.Alive(cam.Key) && s.streams.Confirmed(cam.Key) {
		s.motion.Tick(ctx, cam, set, s.streams.StartedAt(cam.Key))
	}

	s.processor.Tick(cam, set)
}

// shutdown is component I: stop the restart branches, terminate every
// child in parallel with SIGKILL escalation, then wait for in-flight
// finalizations.
func (s *Supervisor) shutdown() {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return
	}
	s.logger.Info("shutting down")
	s.streams.SetShuttingDown()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		s.streams.Shutdown(shutdownGrace)
	}()
	go func() {
		defer wg.Done()
		s.processor.Shutdown(shutdownGrace)
	}()
	go func() {
		defer wg.Done()
		s.detector.Shutdown(shutdownGrace)
	}()
	wg.Wait()

	// Let in-flight camera workers drain before the caller closes the
	// store; a worker stuck on a motion poll is bounded by its 5 s fetch
	// deadline anyway.
	workers := make(chan struct{})
	go func() {
		s.camWG.Wait()
		close(workers)
	}()
	select {
	case <-workers:
	case <-time.After(shutdownGrace):
		s.logger.Warn("camera workers still running at shutdown")
	}
	s.logger.Info("all children stopped")
}
