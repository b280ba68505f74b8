package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhaus/nvrd/internal/clock"
	"github.com/openhaus/nvrd/internal/hls"
	"github.com/openhaus/nvrd/internal/models"
	"github.com/openhaus/nvrd/internal/push"
	"github.com/openhaus/nvrd/internal/store"
	"github.com/openhaus/nvrd/internal/testutil"
)

const waitFor = 2 * time.Second

// recordingFrames captures frame paths handed to the detector.
type recordingFrames struct {
	mu     sync.Mutex
	frames []string
	drop   bool
}

func (r *recordingFrames) SendImage(movementKey, imagePath string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.drop {
		return false
	}
	r.frames = append(r.frames, imagePath)
	return true
}

func (r *recordingFrames) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

type fixture struct {
	store   *store.Store
	clk     *clock.Fake
	spawner *testutil.FakeSpawner
	frames  *recordingFrames
	proc    *Processor
	set     *models.Settings
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clk := clock.NewFake(time.UnixMilli(1700000000000))
	spawner := testutil.NewFakeSpawner()
	frames := &recordingFrames{}
	set := &models.Settings{DiskBaseDir: t.TempDir()}
	require.NoError(t, st.PutSettings(set))

	return &fixture{
		store:   st,
		clk:     clk,
		spawner: spawner,
		frames:  frames,
		proc:    NewProcessor(st, push.NopSink{}, frames, "ffmpeg", spawner.Spawn, clk, nil),
		set:     set,
	}
}

// addCamera persists a camera with a finalized pending motion record whose
// bounded playlist and segments exist on disk.
func (f *fixture) addCamera(t *testing.T, camKey, movKey string) (*models.Camera, *models.Motion) {
	t.Helper()
	mediaDir := filepath.Join(f.set.DiskBaseDir, camKey)
	testutil.WriteLiveManifest(t, mediaDir, 10, 12)

	cam := &models.Camera{
		Key:                  camKey,
		Disk:                 f.set.DiskBaseDir,
		Folder:               camKey,
		SecMaxSingleMovement: 600,
	}
	require.NoError(t, f.store.PutCamera(cam))

	playlist := filepath.Join(f.set.DiskBaseDir, "mov"+movKey+".m3u8")
	require.NoError(t, hls.WriteBounded(playlist, mediaDir, 2, 10, 12))
	require.NoError(t, hls.Finalize(playlist))

	m := &models.Motion{
		Key:                 movKey,
		CameraKey:           camKey,
		StartDate:           f.clk.Now().UnixMilli(),
		StartSegment:        10,
		SegDurationSec:      2,
		PlaylistPath:        playlist,
		PlaylistLastSegment: 12,
		ProcessingState:     models.ProcessingPending,
		DetectionEndedAt:    f.clk.Now().UnixMilli(),
	}
	require.NoError(t, f.store.PutMotion(m))
	return cam, m
}

func (f *fixture) motion(t *testing.T, key string) *models.Motion {
	t.Helper()
	m, err := f.store.GetMotion(key)
	require.NoError(t, err)
	return m
}

func TestClaimSpawnsExtractor(t *testing.T) {
	f := newFixture(t)
	cam, m := f.addCamera(t, "C100", "0000000000500")

	f.proc.Tick(cam, f.set)

	require.Equal(t, 1, len(f.spawner.Procs))
	assert.True(t, f.proc.SlotHeld("C100"))

	got := f.motion(t, m.Key)
	assert.Equal(t, models.ProcessingProcessing, got.ProcessingState)
	assert.Equal(t, models.DetectionExtracting, got.DetectionStatus)

	args := f.spawner.Last().Spec.Args
	assert.Contains(t, args, m.PlaylistPath)
	assert.Contains(t, args, "-progress")
}

func TestNoPendingWorkReleasesSlot(t *testing.T) {
	f := newFixture(t)
	cam, _ := f.addCamera(t, "C100", "0000000000500")
	require.NoError(t, f.store.DeleteBatch([]string{"0000000000500"}))

	f.proc.Tick(cam, f.set)
	assert.False(t, f.proc.SlotHeld("C100"))
	assert.Empty(t, f.spawner.Procs)
}

func TestAtMostOneExtractorPerCamera(t *testing.T) {
	f := newFixture(t)
	cam, _ := f.addCamera(t, "C100", "0000000000500")

	f.proc.Tick(cam, f.set)
	f.proc.Tick(cam, f.set)
	f.proc.Tick(cam, f.set)

	assert.Equal(t, 1, len(f.spawner.Procs))
}

func TestParallelismAcrossCameras(t *testing.T) {
	f := newFixture(t)
	cams := make([]*models.Camera, 0, 3)
	for i := 0; i < 3; i++ {
		cam, _ := f.addCamera(t, fmt.Sprintf("C10%d", i), fmt.Sprintf("000000000050%d", i))
		cams = append(cams, cam)
	}

	for _, cam := range cams {
		f.proc.Tick(cam, f.set)
	}
	assert.Equal(t, 3, f.spawner.LiveCount())
}

func TestProgressPushesFrames(t *testing.T) {
	f := newFixture(t)
	cam, m := f.addCamera(t, "C100", "0000000000500")
	f.proc.Tick(cam, f.set)

	ex := f.spawner.Last()
	ex.EmitStdout("frame=2")
	ex.EmitStdout("fps=2.0")
	ex.EmitStdout("frame=3")
	// A repeated progress line must not resend frames.
	ex.EmitStdout("frame=3")

	require.Equal(t, 3, f.frames.count())
	framesDir := f.set.FramesDir(cam)
	f.frames.mu.Lock()
	defer f.frames.mu.Unlock()
	assert.Equal(t, framesDir+"/mov"+m.Key+"_0001.jpg", f.frames.frames[0])
	assert.Equal(t, framesDir+"/mov"+m.Key+"_0003.jpg", f.frames.frames[2])
}

func TestHappyPathFinalize(t *testing.T) {
	f := newFixture(t)
	cam, m := f.addCamera(t, "C100", "0000000000500")
	f.proc.Tick(cam, f.set)

	ex := f.spawner.Last()
	ex.EmitStdout("frame=6")
	ex.Exit(0, "")

	// Extractor done but detector answers outstanding: not finalized yet.
	assert.Equal(t, models.ProcessingProcessing, f.motion(t, m.Key).ProcessingState)

	for i := 0; i < 6; i++ {
		f.proc.OnMLResult("C100", m.Key, 40)
	}

	require.Eventually(t, func() bool {
		return f.motion(t, m.Key).ProcessingState == models.ProcessingCompleted
	}, waitFor, 10*time.Millisecond)

	got := f.motion(t, m.Key)
	assert.Equal(t, models.DetectionComplete, got.DetectionStatus)
	assert.Equal(t, 6, got.FramesSentToML)
	assert.Equal(t, 6, got.FramesReceivedFromML)
	assert.Equal(t, int64(240), got.MLTotalProcessingMS)
	assert.Equal(t, int64(40), got.MLMaxProcessingMS)
	assert.NotZero(t, got.ProcessingCompletedAt)

	// Pointer advanced, slot released.
	camAfter, err := f.store.GetCamera("C100")
	require.NoError(t, err)
	assert.Equal(t, m.Key, camAfter.LastProcessedMovementKey)
	require.Eventually(t, func() bool {
		return !f.proc.SlotHeld("C100")
	}, waitFor, 10*time.Millisecond)
}

func TestZeroFramesFails(t *testing.T) {
	f := newFixture(t)
	cam, m := f.addCamera(t, "C100", "0000000000500")
	f.proc.Tick(cam, f.set)

	f.spawner.Last().Exit(0, "")

	require.Eventually(t, func() bool {
		return f.motion(t, m.Key).ProcessingState == models.ProcessingFailed
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, "No frames extracted", f.motion(t, m.Key).ProcessingError)
}

func TestCrashUsesFirstStderrError(t *testing.T) {
	f := newFixture(t)
	cam, m := f.addCamera(t, "C100", "0000000000500")
	f.proc.Tick(cam, f.set)

	ex := f.spawner.Last()
	ex.EmitStderr("stream103.ts: No such file or directory")
	ex.EmitStderr("Error opening input")
	ex.Exit(1, "")

	require.Eventually(t, func() bool {
		return f.motion(t, m.Key).ProcessingState == models.ProcessingFailed
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, "stream103.ts: No such file or directory", f.motion(t, m.Key).ProcessingError)
}

func TestSegmentsDeletedFailsWithoutSpawn(t *testing.T) {
	f := newFixture(t)
	cam, m := f.addCamera(t, "C100", "0000000000500")
	// Disk cleanup got the first segment.
	require.NoError(t, os.Remove(filepath.Join(f.set.DiskBaseDir, "C100", "stream10.ts")))

	f.proc.Tick(cam, f.set)

	assert.Empty(t, f.spawner.Procs)
	assert.False(t, f.proc.SlotHeld("C100"))

	got := f.motion(t, m.Key)
	assert.Equal(t, models.ProcessingFailed, got.ProcessingState)
	assert.Equal(t, "Segment files deleted by disk cleanup", got.ProcessingError)

	camAfter, err := f.store.GetCamera("C100")
	require.NoError(t, err)
	assert.Equal(t, m.Key, camAfter.LastProcessedMovementKey)
}

func TestMLTimeoutFinalizes(t *testing.T) {
	f := newFixture(t)
	cam, m := f.addCamera(t, "C100", "0000000000500")
	f.proc.Tick(cam, f.set)

	ex := f.spawner.Last()
	ex.EmitStdout("frame=4")
	ex.Exit(0, "")

	f.proc.OnMLResult("C100", m.Key, 25)
	assert.Equal(t, models.ProcessingProcessing, f.motion(t, m.Key).ProcessingState)

	// Past the 30 s ML-result window the per-tick sweep finalizes anyway.
	f.clk.Advance(31 * time.Second)
	f.proc.Sweep()

	require.Eventually(t, func() bool {
		return f.motion(t, m.Key).ProcessingState == models.ProcessingCompleted
	}, waitFor, 10*time.Millisecond)
	got := f.motion(t, m.Key)
	assert.Equal(t, 4, got.FramesSentToML)
	assert.Equal(t, 1, got.FramesReceivedFromML)
}

func TestWallTimeCapKillsExtractor(t *testing.T) {
	f := newFixture(t)
	cam, m := f.addCamera(t, "C100", "0000000000500")
	cam.SecMaxSingleMovement = 30
	require.NoError(t, f.store.PutCamera(cam))

	f.proc.Tick(cam, f.set)
	ex := f.spawner.Last()
	ex.EmitStdout("frame=1")

	// Cap is secMaxSingleMovement + 60 s.
	f.clk.Advance(91 * time.Second)
	f.proc.Tick(cam, f.set)

	require.Eventually(t, func() bool {
		return !ex.Alive()
	}, waitFor, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return f.motion(t, m.Key).ProcessingState == models.ProcessingFailed
	}, waitFor, 10*time.Millisecond)
	assert.Contains(t, f.motion(t, m.Key).ProcessingError, "timed out")
}

func TestPointerNeverRegresses(t *testing.T) {
	f := newFixture(t)
	cam, _ := f.addCamera(t, "C100", "0000000000500")
	cam.LastProcessedMovementKey = "0000000000900"
	require.NoError(t, f.store.PutCamera(cam))

	// The only record sorts before the pointer: nothing to claim.
	f.proc.Tick(cam, f.set)
	assert.Empty(t, f.spawner.Procs)

	camAfter, err := f.store.GetCamera("C100")
	require.NoError(t, err)
	assert.Equal(t, "0000000000900", camAfter.LastProcessedMovementKey)
}
