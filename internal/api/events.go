package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/traceline/bomflow/internal/model"
)

// keepaliveInterval paces SSE comment frames so idle streams (paused jobs,
// empty queues) survive proxies that reap quiet connections.
const keepaliveInterval = 15 * time.Second

// streamEvents serves the per-job progress stream. The client first receives
// a connected event carrying a fresh job snapshot, then live events until the
// job reaches a terminal state or the client disconnects. The bus does not
// replay: subscribing happens before the snapshot read, so anything published
// after the snapshot arrives on the channel and anything before it is already
// in the snapshot.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	job := s.loadJob(w, r)
	if job == nil {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub := s.bus.Subscribe(job.ID)
	defer sub.Close()

	if fresh, err := s.store.GetJob(r.Context(), job.ID); err == nil && fresh != nil {
		job = fresh
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	connected := model.ProgressEvent{
		Type:          model.EventConnected,
		JobID:         job.ID,
		Status:        job.Status,
		Stage:         job.Stage,
		Progress:      job.OverallProgress,
		TotalItems:    job.TotalItems,
		EnrichedItems: job.EnrichedItems,
		FailedItems:   job.FailedItems,
		At:            time.Now().UTC(),
	}
	if entry, err := s.sched.Describe(r.Context(), job.ID); err == nil && entry != nil {
		connected.ETASeconds = entry.ETASeconds
	}
	writeSSE(w, connected)
	flusher.Flush()

	// A terminal job has nothing more to stream; the snapshot is the story.
	if job.Status.Terminal() {
		return
	}

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, open := <-sub.Events():
			if !open {
				// Dropped as a laggard or the bus closed; the client
				// reconnects and reconciles from the next snapshot.
				zap.L().Debug("event stream closed by bus", zap.String("job_id", job.ID))
				return
			}
			writeSSE(w, ev)
			flusher.Flush()
			if ev.Type == model.EventCompleted || ev.Type == model.EventError || ev.Status.Terminal() {
				return
			}
		}
	}
}

func writeSSE(w io.Writer, ev model.ProgressEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		zap.L().Warn("marshal progress event", zap.Error(err))
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
}
