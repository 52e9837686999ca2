package events

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubPublishSubscribe(t *testing.T) {
	h := NewHub(8)
	ch, cancel := h.Subscribe()
	defer cancel()

	h.Publish(JobSettled, JobEvent{HandleID: "h1", JobID: "2", Status: "succeeded", PID: 77})

	select {
	case ev := <-ch:
		assert.Equal(t, JobSettled, ev.Type)
		assert.Equal(t, int64(1), ev.ID)

		var je JobEvent
		require.NoError(t, ev.Decode(&je))
		assert.Equal(t, "2", je.JobID)
		assert.Equal(t, 77, je.PID)
		assert.Contains(t, ev.String(), "job=2 status=succeeded pid=77")
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestHubRingBuffer(t *testing.T) {
	h := NewHub(3)
	for i := 0; i < 5; i++ {
		h.Publish(WorkerSpawned, WorkerEvent{Slot: i, PID: 100 + i})
	}

	all := h.SnapshotSince(0)
	require.Len(t, all, 3)
	assert.Equal(t, int64(3), all[0].ID)
	assert.Equal(t, int64(5), all[2].ID)

	since := h.SnapshotSince(4)
	require.Len(t, since, 1)
	assert.Equal(t, int64(5), since[0].ID)
}

func TestHubCancelClosesChannel(t *testing.T) {
	h := NewHub(0)
	ch, cancel := h.Subscribe()
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)

	// Publishing with no subscribers never blocks.
	h.Publish(WorkerExited, nil)
	assert.Len(t, h.SnapshotSince(0), 1)
}

func TestHubCloseAndDropped(t *testing.T) {
	h := NewHub(4)
	ch, cancel := h.Subscribe()
	defer cancel()

	for i := 0; i < subscriberBuffer+3; i++ {
		h.Publish(JobStarted, JobEvent{JobID: "x"})
	}
	assert.EqualValues(t, 3, h.Dropped())
	assert.Len(t, h.SnapshotSince(0), 4)

	h.Close()
	h.Close()
	n := 0
	for range ch {
		n++
	}
	assert.Equal(t, subscriberBuffer, n)

	assert.Zero(t, h.Publish(JobSettled, nil).ID)
	late, lateCancel := h.Subscribe()
	lateCancel()
	_, ok := <-late
	assert.False(t, ok)
}

func TestEventString(t *testing.T) {
	ev := Event{Type: WorkerExited, At: time.Now(), Data: []byte(`{"slot":1,"pid":9,"reason":"crashed"}`)}
	assert.True(t, strings.HasSuffix(ev.String(), "slot=1 pid=9 reason=crashed"))

	ev = Event{Type: "custom", At: time.Now(), Data: []byte(`{}`)}
	assert.True(t, strings.HasSuffix(ev.String(), "{}"))
}
