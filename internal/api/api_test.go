package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhaus/nvrd/internal/models"
	"github.com/openhaus/nvrd/internal/push"
	"github.com/openhaus/nvrd/internal/store"
)

type fixture struct {
	store  *store.Store
	server *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	srv := NewServer(st, push.NewBroadcaster(nil), "", nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &fixture{store: st, server: ts}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestCameraCRUD(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/cameras", map[string]any{
		"name": "porch", "folder": "porch", "disk": "/media", "passwd": "hunter2",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[models.Camera](t, resp)
	assert.NotEmpty(t, created.Key)
	assert.Empty(t, created.Passwd, "credentials never leave the API")

	resp = f.do(t, http.MethodGet, "/api/cameras/"+created.Key, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[models.Camera](t, resp)
	assert.Equal(t, "porch", got.Name)

	// Stored record keeps the password even though responses drop it.
	stored, err := f.store.GetCamera(created.Key)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", stored.Passwd)

	// Update cannot move the processing pointer.
	stored.LastProcessedMovementKey = "0000000000005"
	require.NoError(t, f.store.PutCamera(stored))
	resp = f.do(t, http.MethodPut, "/api/cameras/"+created.Key, map[string]any{
		"name": "front porch", "folder": "porch", "disk": "/media",
		"state_lastProcessedMovementKey": "0000000000001",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stored, err = f.store.GetCamera(created.Key)
	require.NoError(t, err)
	assert.Equal(t, "front porch", stored.Name)
	assert.Equal(t, "0000000000005", stored.LastProcessedMovementKey)
	assert.Equal(t, "hunter2", stored.Passwd, "empty passwd in update keeps the stored one")

	// Delete tombstones instead of destroying.
	resp = f.do(t, http.MethodDelete, "/api/cameras/"+created.Key, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	stored, err = f.store.GetCamera(created.Key)
	require.NoError(t, err)
	assert.True(t, stored.Deleted)

	resp = f.do(t, http.MethodGet, "/api/cameras", nil)
	cams := decode[[]models.Camera](t, resp)
	assert.Empty(t, cams, "tombstoned cameras are hidden from listings")
}

func TestCreateCameraValidation(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodPost, "/api/cameras", map[string]any{"name": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCameraNotFound(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/api/cameras/C999", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSettingsRoundTrip(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPut, "/api/settings", map[string]any{
		"disk_base_dir": "/media", "enable_detection": true, "ml_restart_schedule": "01:00",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/settings", nil)
	set := decode[models.Settings](t, resp)
	assert.Equal(t, "/media", set.DiskBaseDir)
	assert.True(t, set.EnableDetection)
	assert.Equal(t, "01:00", set.MLRestartSchedule)
}

func TestListMovementsNewestFirst(t *testing.T) {
	f := newFixture(t)
	for _, k := range []string{"0000000000001", "0000000000002", "0000000000003"} {
		require.NoError(t, f.store.PutMotion(&models.Motion{Key: k, CameraKey: "C100", ProcessingState: models.ProcessingPending}))
	}
	require.NoError(t, f.store.PutMotion(&models.Motion{Key: "0000000000004", CameraKey: "C200", ProcessingState: models.ProcessingPending}))

	resp := f.do(t, http.MethodGet, "/api/movements?limit=2", nil)
	movs := decode[[]models.Motion](t, resp)
	require.Len(t, movs, 2)
	assert.Equal(t, "0000000000004", movs[0].Key)
	assert.Equal(t, "0000000000003", movs[1].Key)

	resp = f.do(t, http.MethodGet, "/api/movements?camera=C200", nil)
	movs = decode[[]models.Motion](t, resp)
	require.Len(t, movs, 1)
	assert.Equal(t, "0000000000004", movs[0].Key)
}

func TestServeMedia(t *testing.T) {
	f := newFixture(t)
	disk := t.TempDir()
	cam := &models.Camera{Key: "C100", Disk: disk, Folder: "porch"}
	require.NoError(t, f.store.PutCamera(cam))
	require.NoError(t, os.MkdirAll(cam.MediaDir(), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cam.MediaDir(), "stream.m3u8"), []byte("#EXTM3U\n"), 0o644))

	resp := f.do(t, http.MethodGet, "/video/C100/stream.m3u8", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/vnd.apple.mpegurl", resp.Header.Get("Content-Type"))

	resp = f.do(t, http.MethodGet, "/video/C100/missing.ts", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServeMediaRangeRequests(t *testing.T) {
	f := newFixture(t)
	disk := t.TempDir()
	cam := &models.Camera{Key: "C100", Disk: disk, Folder: "porch"}
	require.NoError(t, f.store.PutCamera(cam))
	require.NoError(t, os.MkdirAll(cam.MediaDir(), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cam.MediaDir(), "stream5.ts"), bytes.Repeat([]byte("x"), 1000), 0o644))

	req, err := http.NewRequest(http.MethodGet, f.server.URL+"/video/C100/stream5.ts", nil)
	require.NoError(t, err)
	req.Header.Set("Range", "bytes=0-99")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "100", resp.Header.Get("Content-Length"))
}
