package webhooks

import (
	"context"
	"log"
	"time"

	"github.com/zhilfond/domo/backend/store"
)

// RetryWorker re-runs events whose next_retry_at has passed.
type RetryWorker struct {
	in       *Ingestor
	interval time.Duration
	batch    int
}

func NewRetryWorker(in *Ingestor, interval time.Duration) *RetryWorker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &RetryWorker{in: in, interval: interval, batch: 50}
}

// Run polls until ctx is cancelled.
func (w *RetryWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *RetryWorker) sweep(ctx context.Context) {
	due, err := w.in.db.ListWebhookEventsDue(ctx, time.Now(), w.batch)
	if err != nil {
		log.Printf("[WEBHOOK RETRY] list due events failed: %v", err)
		return
	}
	for _, ev := range due {
		if ev.Status != store.WebhookRetrying {
			continue
		}
		cfg, ok := w.in.sources[ev.Source]
		if !ok {
			continue
		}
		w.in.process(ctx, ev, cfg)
	}
}
