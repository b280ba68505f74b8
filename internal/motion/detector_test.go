package motion

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhaus/nvrd/internal/clock"
	"github.com/openhaus/nvrd/internal/hls"
	"github.com/openhaus/nvrd/internal/models"
	"github.com/openhaus/nvrd/internal/push"
	"github.com/openhaus/nvrd/internal/reolink"
	"github.com/openhaus/nvrd/internal/store"
	"github.com/openhaus/nvrd/internal/testutil"
)

// fakePoller returns scripted motion states or errors.
type fakePoller struct {
	state bool
	err   error
	calls int
}

func (f *fakePoller) MotionState(ctx context.Context, endpoint string) (bool, error) {
	f.calls++
	return f.state, f.err
}

// recordingSink captures broadcast event types.
type recordingSink struct{ events []string }

func (r *recordingSink) Broadcast(eventType string, _ *models.Motion) {
	r.events = append(r.events, eventType)
}
func (r *recordingSink) KeepAlive() {}

type fixture struct {
	store  *store.Store
	clk    *clock.Fake
	poller *fakePoller
	sink   *recordingSink
	det    *Detector
	cam    *models.Camera
	set    *models.Settings
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	disk := t.TempDir()
	cam := &models.Camera{
		Key:                  "C100",
		Disk:                 disk,
		Folder:               "porch",
		EnableMovement:       true,
		MSPollFrequency:      1000,
		PollsWithoutMovement: 2,
		SecMaxSingleMovement: 600,
	}
	require.NoError(t, st.PutCamera(cam))
	set := &models.Settings{DiskBaseDir: disk}
	require.NoError(t, st.PutSettings(set))

	testutil.WriteLiveManifest(t, cam.MediaDir(), 100, 104)

	clk := clock.NewFake(time.UnixMilli(1700000000000))
	poller := &fakePoller{}
	sink := &recordingSink{}
	return &fixture{
		store:  st,
		clk:    clk,
		poller: poller,
		sink:   sink,
		det:    NewDetector(st, poller, sink, clk, nil),
		cam:    cam,
		set:    set,
	}
}

func (f *fixture) tick(t *testing.T) {
	t.Helper()
	f.det.Tick(context.Background(), f.cam, f.set, f.clk.Now().Add(-time.Minute))
}

func (f *fixture) openMotion(t *testing.T) *models.Motion {
	t.Helper()
	key := f.det.OpenMovementKey(f.cam.Key)
	require.NotEmpty(t, key)
	m, err := f.store.GetMotion(key)
	require.NoError(t, err)
	return m
}

func TestNoMovementNoRecord(t *testing.T) {
	f := newFixture(t)
	f.tick(t)

	assert.Equal(t, "No movement", f.det.Status(f.cam.Key))
	assert.Empty(t, f.det.OpenMovementKey(f.cam.Key))
	assert.Empty(t, f.sink.events)
}

func TestMovementOpensEpisode(t *testing.T) {
	f := newFixture(t)
	f.poller.state = true
	f.tick(t)

	m := f.openMotion(t)
	assert.Equal(t, "C100", m.CameraKey)
	assert.Equal(t, models.ProcessingPending, m.ProcessingState)
	assert.True(t, m.Open())
	assert.Equal(t, 2, m.SegDurationSec)
	// lookback = ceil(1000 / 2000) = 1 → start at 104-1.
	assert.Equal(t, 103, m.StartSegment)
	assert.Equal(t, 104, m.PlaylistLastSegment)
	assert.Equal(t, []string{push.EventMovementNew}, f.sink.events)

	uris, err := hls.SegmentURIs(m.PlaylistPath)
	require.NoError(t, err)
	assert.Equal(t, []string{
		f.cam.MediaDir() + "/stream103.ts",
		f.cam.MediaDir() + "/stream104.ts",
	}, uris)
}

func TestEpisodeSingleton(t *testing.T) {
	f := newFixture(t)
	f.poller.state = true

	for i := 0; i < 5; i++ {
		f.tick(t)
		f.clk.Advance(1100 * time.Millisecond)
	}

	open := 0
	require.NoError(t, f.store.AscendMotion("", func(m *models.Motion) (bool, error) {
		if m.Open() {
			open++
		}
		return true, nil
	}))
	assert.Equal(t, 1, open)
}

func TestMovementExtendsPlaylist(t *testing.T) {
	f := newFixture(t)
	f.poller.state = true
	f.tick(t)
	first := f.openMotion(t)

	// The transcoder advances the live window.
	testutil.WriteLiveManifest(t, f.cam.MediaDir(), 103, 107)
	f.clk.Advance(1100 * time.Millisecond)
	f.tick(t)

	m := f.openMotion(t)
	assert.Equal(t, first.Key, m.Key)
	assert.Equal(t, 107, m.PlaylistLastSegment)
	assert.Equal(t, 1, m.PollCount)

	uris, err := hls.SegmentURIs(m.PlaylistPath)
	require.NoError(t, err)
	assert.Equal(t, f.cam.MediaDir()+"/stream107.ts", uris[len(uris)-1])
}

func TestEpisodeEndsAfterQuietPolls(t *testing.T) {
	f := newFixture(t)
	f.poller.state = true
	f.tick(t)
	key := f.det.OpenMovementKey(f.cam.Key)

	f.poller.state = false
	// pollsWithoutMovement = 2: first quiet poll keeps it open.
	f.clk.Advance(1100 * time.Millisecond)
	f.tick(t)
	assert.Equal(t, key, f.det.OpenMovementKey(f.cam.Key))

	f.clk.Advance(1100 * time.Millisecond)
	f.tick(t)
	assert.Empty(t, f.det.OpenMovementKey(f.cam.Key))

	m, err := f.store.GetMotion(key)
	require.NoError(t, err)
	assert.False(t, m.Open())
	assert.Equal(t, models.ProcessingPending, m.ProcessingState, "finalization is a detection-side event")
	assert.Equal(t, []string{push.EventMovementNew, push.EventMovementComplete}, f.sink.events)

	data, err := os.ReadFile(m.PlaylistPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), hls.EndList)
}

func TestEpisodeEndsAtMaxDuration(t *testing.T) {
	f := newFixture(t)
	f.cam.SecMaxSingleMovement = 10
	f.poller.state = true
	f.tick(t)
	key := f.det.OpenMovementKey(f.cam.Key)

	f.clk.Advance(11 * time.Second)
	f.tick(t)

	assert.Empty(t, f.det.OpenMovementKey(f.cam.Key))
	m, err := f.store.GetMotion(key)
	require.NoError(t, err)
	assert.False(t, m.Open())
	assert.Equal(t, 11, m.Seconds)
}

func TestPollFrequencyThrottles(t *testing.T) {
	f := newFixture(t)
	f.tick(t)
	f.tick(t)
	assert.Equal(t, 1, f.poller.calls)

	f.clk.Advance(1100 * time.Millisecond)
	f.tick(t)
	assert.Equal(t, 2, f.poller.calls)
}

func TestTransportErrorArmsBackoff(t *testing.T) {
	f := newFixture(t)
	f.poller.err = errors.New("dial tcp: connection refused")
	f.tick(t)
	assert.Equal(t, 1, f.poller.calls)

	// Inside the 10 s backoff window nothing is polled.
	f.clk.Advance(5 * time.Second)
	f.tick(t)
	assert.Equal(t, 1, f.poller.calls)

	f.poller.err = nil
	f.clk.Advance(6 * time.Second)
	f.tick(t)
	assert.Equal(t, 2, f.poller.calls)
}

func TestAPIErrorBacksOffLonger(t *testing.T) {
	f := newFixture(t)
	f.poller.err = fmt.Errorf("%w: login failed", reolink.ErrAPIError)
	f.tick(t)

	f.poller.err = nil
	f.clk.Advance(15 * time.Second)
	f.tick(t)
	assert.Equal(t, 1, f.poller.calls, "still inside the 30 s API-error backoff")

	f.clk.Advance(20 * time.Second)
	f.tick(t)
	assert.Equal(t, 2, f.poller.calls)
}

func TestErrorStatusIsRedacted(t *testing.T) {
	f := newFixture(t)
	f.cam.IP = "10.1.2.3"
	f.cam.Passwd = "hunter2"
	f.poller.err = errors.New(`GET http://10.1.2.3/api.cgi?password=hunter2 refused`)
	f.tick(t)

	status := f.det.Status(f.cam.Key)
	assert.NotContains(t, status, "hunter2")
	assert.NotContains(t, status, "10.1.2.3")
	assert.True(t, strings.Contains(status, "[redacted]"))
}

func TestStartupDelayDefersPolling(t *testing.T) {
	f := newFixture(t)
	f.cam.SecMovementStartupDelay = 30

	// Stream started just now: inside the startup delay.
	f.det.Tick(context.Background(), f.cam, f.set, f.clk.Now())
	assert.Zero(t, f.poller.calls)

	f.clk.Advance(31 * time.Second)
	f.det.Tick(context.Background(), f.cam, f.set, f.clk.Now().Add(-31*time.Second))
	assert.Equal(t, 1, f.poller.calls)
}

func TestRederivesOpenEpisodeAfterRestart(t *testing.T) {
	f := newFixture(t)
	f.poller.state = true
	f.tick(t)
	key := f.det.OpenMovementKey(f.cam.Key)
	require.NotEmpty(t, key)

	// A fresh detector instance simulates a supervisor restart.
	det2 := NewDetector(f.store, f.poller, f.sink, f.clk, nil)
	f.clk.Advance(1100 * time.Millisecond)
	det2.Tick(context.Background(), f.cam, f.set, f.clk.Now().Add(-time.Minute))
	assert.Equal(t, key, det2.OpenMovementKey(f.cam.Key))
}
