package push

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhaus/nvrd/internal/models"
)

func TestNewEventEnvelope(t *testing.T) {
	m := &models.Motion{Key: "0000000000001", CameraKey: "C100"}
	ev := NewEvent(EventMovementNew, m)

	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, EventMovementNew, ev.Type)
	assert.Equal(t, m, ev.Movement)

	ev2 := NewEvent(EventMovementNew, m)
	assert.NotEqual(t, ev.ID, ev2.ID)
}

func TestBroadcastWithoutClients(t *testing.T) {
	b := NewBroadcaster(nil)
	b.Broadcast(EventMovementUpdate, &models.Motion{Key: "0000000000001"})
	b.KeepAlive()
	assert.Zero(t, b.ClientCount())
}

func TestSSEDeliversEvents(t *testing.T) {
	b := NewBroadcaster(nil)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("GET", "/api/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		b.ServeHTTP(rec, req)
		close(done)
	}()

	require.Eventually(t, func() bool { return b.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	b.Broadcast(EventMovementComplete, &models.Motion{Key: "0000000000007", CameraKey: "C100"})
	b.KeepAlive()

	// Give the writer loop a moment to flush both frames, then hang up.
	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done

	body := rec.Body.String()
	assert.Contains(t, body, "event: movement_complete\n")
	assert.Contains(t, body, `"0000000000007"`)
	assert.Contains(t, body, ": keepalive")
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Zero(t, b.ClientCount())
}

func TestSlowClientDoesNotBlock(t *testing.T) {
	b := NewBroadcaster(nil)

	// A registered channel that nobody drains fills after its buffer;
	// broadcasts must still return promptly.
	b.mu.Lock()
	b.clients["stuck"] = make(chan []byte, 1)
	b.mu.Unlock()

	donech := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Broadcast(EventMovementUpdate, &models.Motion{Key: "0000000000001"})
		}
		close(donech)
	}()
	select {
	case <-donech:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a slow client")
	}
}
