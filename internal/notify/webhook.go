package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mschirtzinger/huddle/internal/metrics"
)

// WebhookConfig configures a Webhook.
type WebhookConfig struct {
	URL     string
	Workers int
	Buffer  int
	Timeout time.Duration

	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Webhook POSTs notifications as JSON from a fixed pool of workers. When
// the buffer is full the notification is dropped.
type Webhook struct {
	cfg    WebhookConfig
	client *http.Client
	logger *zap.Logger

	jobs chan Notification
	wg   sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewWebhook starts the worker pool.
func NewWebhook(cfg WebhookConfig) (*Webhook, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook URL is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	w := &Webhook{
		cfg:    cfg,
		client: client,
		logger: cfg.Logger.Named("webhook"),
		jobs:   make(chan Notification, cfg.Buffer),
	}
	for i := 0; i < cfg.Workers; i++ {
		w.wg.Add(1)
		go w.worker(i)
	}
	return w, nil
}

func (w *Webhook) Notify(_ context.Context, n Notification) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	select {
	case w.jobs <- n:
	default:
		w.logger.Warn("webhook buffer full, dropping notification", zap.String("kind", string(n.Kind)))
		metrics.RecordNotification(string(n.Kind), "webhook", "dropped")
	}
}

// Close stops accepting notifications and waits for queued ones to be sent.
func (w *Webhook) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.jobs)
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *Webhook) worker(id int) {
	defer w.wg.Done()
	for n := range w.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), w.cfg.Timeout)
		err := w.post(ctx, n)
		cancel()
		if err != nil {
			w.logger.Error("webhook delivery failed",
				zap.Int("worker", id),
				zap.String("kind", string(n.Kind)),
				zap.Error(err))
			metrics.RecordNotification(string(n.Kind), "webhook", "failed")
			continue
		}
		metrics.RecordNotification(string(n.Kind), "webhook", "sent")
	}
}

func (w *Webhook) post(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
