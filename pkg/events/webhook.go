package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/agentd-project/agentd/pkg/metrics"
	"github.com/agentd-project/agentd/pkg/models"
)

// WebhookSpec configures one outbound webhook subscriber.
type WebhookSpec struct {
	BaseURL string            `json:"base_url"`
	Headers map[string]string `json:"headers,omitempty"`
	// EventBufferSize is the queue length that triggers an immediate flush.
	EventBufferSize int `json:"event_buffer_size"`
	// FlushDelay is the idle flush timer in seconds, measured from the most
	// recent event.
	FlushDelay float64 `json:"flush_delay"`
	// NumRetries is the number of additional delivery attempts after the
	// first failure.
	NumRetries int `json:"num_retries"`
	// RetryDelay is the wait between delivery attempts, in seconds.
	RetryDelay float64 `json:"retry_delay"`
}

// Validate checks the spec's bounds.
func (s WebhookSpec) Validate() error {
	if s.BaseURL == "" {
		return fmt.Errorf("webhook base_url is required")
	}
	if s.EventBufferSize < 1 {
		return fmt.Errorf("webhook event_buffer_size must be >= 1, got %d", s.EventBufferSize)
	}
	if s.FlushDelay <= 0 {
		return fmt.Errorf("webhook flush_delay must be > 0, got %v", s.FlushDelay)
	}
	if s.NumRetries < 0 {
		return fmt.Errorf("webhook num_retries must be >= 0, got %d", s.NumRetries)
	}
	if s.RetryDelay < 0 {
		return fmt.Errorf("webhook retry_delay must be >= 0, got %v", s.RetryDelay)
	}
	return nil
}

// webhookPostTimeout bounds a single batch POST.
const webhookPostTimeout = 30 * time.Second

// WebhookSubscriber buffers events and POSTs them in batches to
// {base_url}/events. A batch is sent when the buffer reaches
// event_buffer_size or when flush_delay elapses after the most recent
// event. Failed batches are retried num_retries times with retry_delay
// between attempts, then re-queued at the front for a future flush.
//
// Within one subscriber, batches go out in the order events were received.
type WebhookSubscriber struct {
	spec           WebhookSpec
	conversationID string
	sessionAPIKey  string
	client         *http.Client
	log            *slog.Logger

	// mu guards queue, timer, and closed.
	mu     sync.Mutex
	queue  []models.Event
	timer  *time.Timer
	closed bool

	// flushMu serializes flushes; the queue snapshot is taken under it so
	// batches cannot reorder.
	flushMu sync.Mutex
}

// NewWebhookSubscriber builds a subscriber for one conversation and spec.
// sessionAPIKey, when non-empty, is sent as X-Session-API-Key on every POST.
func NewWebhookSubscriber(conversationID string, spec WebhookSpec, sessionAPIKey string) *WebhookSubscriber {
	return &WebhookSubscriber{
		spec:           spec,
		conversationID: conversationID,
		sessionAPIKey:  sessionAPIKey,
		client:         &http.Client{Timeout: webhookPostTimeout},
		log: slog.With(
			"conversation_id", conversationID,
			"webhook_url", spec.BaseURL),
	}
}

// OnEvent enqueues an event. Intended as a PubSub subscriber callback, so
// invocations for one subscriber never overlap.
func (w *WebhookSubscriber) OnEvent(evt models.Event) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.queue = append(w.queue, evt)
	full := len(w.queue) >= w.spec.EventBufferSize

	if full {
		if w.timer != nil {
			w.timer.Stop()
			w.timer = nil
		}
	} else {
		delay := time.Duration(w.spec.FlushDelay * float64(time.Second))
		if w.timer == nil {
			w.timer = time.AfterFunc(delay, w.onIdleTimer)
		} else {
			w.timer.Reset(delay)
		}
	}
	w.mu.Unlock()

	if full {
		w.flush(context.Background())
	}
}

// onIdleTimer fires flush_delay after the most recent event.
func (w *WebhookSubscriber) onIdleTimer() {
	w.flush(context.Background())
}

// QueueLen returns the number of buffered events.
func (w *WebhookSubscriber) QueueLen() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// flush snapshots the queue and delivers it. On persistent failure the
// snapshot is returned to the front of the queue.
func (w *WebhookSubscriber) flush(ctx context.Context) {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	batch := w.queue
	w.queue = nil
	w.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	if err := w.deliver(ctx, batch); err != nil {
		w.log.Warn("Webhook delivery failed after retries, re-queueing batch",
			"batch_size", len(batch), "error", err)
		w.mu.Lock()
		w.queue = append(append([]models.Event{}, batch...), w.queue...)
		w.mu.Unlock()
	}
}

// deliver POSTs one batch, retrying per the spec.
func (w *WebhookSubscriber) deliver(ctx context.Context, batch []models.Event) error {
	payload := make([]json.RawMessage, 0, len(batch))
	for _, evt := range batch {
		data, err := models.MarshalEvent(evt)
		if err != nil {
			// An unserializable event would poison the queue forever; drop
			// it rather than stall the subscriber.
			w.log.Error("Dropping unserializable event from webhook batch",
				"event_id", evt.EventID(), "error", err)
			continue
		}
		payload = append(payload, data)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook batch: %w", err)
	}

	retryDelay := time.Duration(w.spec.RetryDelay * float64(time.Second))
	attempts := w.spec.NumRetries + 1
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 && retryDelay > 0 {
			select {
			case <-ctx.Done():
				return lastErr
			case <-time.After(retryDelay):
			}
		}

		lastErr = w.post(ctx, body)
		if lastErr == nil {
			metrics.WebhookPosts.WithLabelValues("success").Inc()
			return nil
		}
		w.log.Debug("Webhook POST attempt failed",
			"attempt", attempt, "attempts", attempts, "error", lastErr)
	}

	metrics.WebhookPosts.WithLabelValues("failure").Inc()
	return lastErr
}

// post issues a single POST of the serialized batch.
func (w *WebhookSubscriber) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.spec.BaseURL+"/events", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.spec.Headers {
		req.Header.Set(k, v)
	}
	if w.sessionAPIKey != "" {
		req.Header.Set("X-Session-API-Key", w.sessionAPIKey)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook POST failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook POST returned status %d", resp.StatusCode)
	}
	return nil
}

// Close cancels the idle timer and flushes the remaining queue once,
// synchronously, with the spec's bounded retry pass.
func (w *WebhookSubscriber) Close(ctx context.Context) {
	w.mu.Lock()
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()

	w.flush(ctx)
}
