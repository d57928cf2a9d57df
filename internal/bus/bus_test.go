package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traceline/bomflow/internal/model"
)

func progressEvent(jobID string, progress float64) model.ProgressEvent {
	return model.ProgressEvent{
		Type:     model.EventProgress,
		JobID:    jobID,
		Status:   model.JobStatusRunning,
		Stage:    model.StageEnrichment,
		Progress: progress,
		At:       time.Now().UTC(),
	}
}

func TestSubscribeReceivesPublished(t *testing.T) {
	b := New(8)
	sub := b.Subscribe("job-1")
	defer sub.Close()

	b.Publish(progressEvent("job-1", 25))

	select {
	case ev := <-sub.Events():
		assert.Equal(t, model.EventProgress, ev.Type)
		assert.Equal(t, "job-1", ev.JobID)
		assert.InDelta(t, 25.0, ev.Progress, 0.001)
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestSubscribeFiltersByJob(t *testing.T) {
	b := New(8)
	sub := b.Subscribe("job-1")
	defer sub.Close()

	b.Publish(progressEvent("job-2", 50))
	b.Publish(progressEvent("job-1", 75))

	ev := <-sub.Events()
	assert.Equal(t, "job-1", ev.JobID)
	assert.InDelta(t, 75.0, ev.Progress, 0.001)
	assert.Empty(t, sub.Events())
}

func TestSubscribeAllJobs(t *testing.T) {
	b := New(8)
	sub := b.Subscribe("")
	defer sub.Close()

	b.Publish(progressEvent("job-1", 10))
	b.Publish(progressEvent("job-2", 20))

	first := <-sub.Events()
	second := <-sub.Events()
	assert.Equal(t, "job-1", first.JobID)
	assert.Equal(t, "job-2", second.JobID)
}

func TestLaggedSubscriberIsDropped(t *testing.T) {
	b := New(1)
	sub := b.Subscribe("job-1")

	// Buffer holds one event; the second cannot be delivered.
	b.Publish(progressEvent("job-1", 10))
	b.Publish(progressEvent("job-1", 20))

	// The buffered event is still readable, then the channel closes.
	ev, ok := <-sub.Events()
	require.True(t, ok)
	assert.InDelta(t, 10.0, ev.Progress, 0.001)

	_, ok = <-sub.Events()
	assert.False(t, ok)
	assert.Equal(t, int64(1), b.LaggedTotal())
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestLaggedDropDoesNotAffectOthers(t *testing.T) {
	b := New(1)
	slow := b.Subscribe("job-1")
	fast := b.Subscribe("job-1")

	b.Publish(progressEvent("job-1", 10))
	// Drain the fast subscriber so it keeps up.
	<-fast.Events()

	b.Publish(progressEvent("job-1", 20))

	ev := <-fast.Events()
	assert.InDelta(t, 20.0, ev.Progress, 0.001)
	assert.Equal(t, 1, b.SubscriberCount())

	// The slow subscriber was closed after its buffered event.
	<-slow.Events()
	_, ok := <-slow.Events()
	assert.False(t, ok)
}

func TestCloseSubscriptionIdempotent(t *testing.T) {
	b := New(8)
	sub := b.Subscribe("job-1")

	sub.Close()
	sub.Close()

	_, ok := <-sub.Events()
	assert.False(t, ok)
	assert.Equal(t, 0, b.SubscriberCount())
	assert.Equal(t, int64(0), b.LaggedTotal())
}

func TestPublishAfterBusClose(t *testing.T) {
	b := New(8)
	sub := b.Subscribe("job-1")

	b.Close()
	b.Publish(progressEvent("job-1", 10)) // must not panic

	_, ok := <-sub.Events()
	assert.False(t, ok)
}

func TestSubscribeAfterBusClose(t *testing.T) {
	b := New(8)
	b.Close()

	sub := b.Subscribe("job-1")
	_, ok := <-sub.Events()
	assert.False(t, ok)
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestBusCloseIdempotent(t *testing.T) {
	b := New(8)
	b.Subscribe("job-1")
	b.Close()
	b.Close()
	assert.Equal(t, 0, b.SubscriberCount())
}
