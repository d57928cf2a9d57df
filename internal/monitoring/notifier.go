package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/traceline/bomflow/internal/bus"
	"github.com/traceline/bomflow/internal/model"
)

// Notifier forwards terminal job events from the bus to an external webhook,
// so downstream systems learn about finished BOMs without polling. Lost
// deliveries are logged and dropped; the job journal remains the durable
// record.
type Notifier struct {
	bus    *bus.Bus
	url    string
	client *http.Client
}

// NewNotifier creates a notifier posting to url. An empty url disables it.
func NewNotifier(b *bus.Bus, url string) *Notifier {
	return &Notifier{
		bus:    b,
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Run subscribes to all jobs and blocks until ctx is cancelled or the bus
// closes. Only completed and error events are forwarded.
func (n *Notifier) Run(ctx context.Context) {
	if n.url == "" {
		return
	}

	log := zap.L().With(zap.String("component", "monitoring.notifier"))
	sub := n.bus.Subscribe("")
	defer sub.Close()
	log.Info("starting job notifier", zap.String("url", n.url))

	for {
		select {
		case <-ctx.Done():
			log.Info("job notifier stopped")
			return
		case ev, ok := <-sub.Events():
			if !ok {
				log.Warn("job notifier dropped from bus")
				return
			}
			if ev.Type != model.EventCompleted && ev.Type != model.EventError {
				continue
			}
			if err := n.post(ctx, ev); err != nil {
				log.Error("failed to deliver job notification",
					zap.String("job_id", ev.JobID),
					zap.String("type", string(ev.Type)),
					zap.Error(err),
				)
				continue
			}
			log.Debug("job notification delivered",
				zap.String("job_id", ev.JobID),
				zap.String("type", string(ev.Type)),
			)
		}
	}
}

func (n *Notifier) post(ctx context.Context, ev model.ProgressEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal notification")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create notification request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: notification request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: notification webhook returned status %d", resp.StatusCode)
	}
	return nil
}
