// Package webhook delivers events to owner-registered HTTP endpoints from a
// bounded queue drained by a worker pool.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/filora/filora/internal/logging"
	"github.com/filora/filora/internal/metadata"
	"github.com/filora/filora/internal/metrics"
)

const (
	HeaderEvent     = "X-Filora-Event"
	HeaderSignature = "X-Filora-Signature"
	HeaderDelivery  = "X-Filora-Delivery"
)

// Lister returns an owner's webhooks.
type Lister interface {
	ListWebhooks(ctx context.Context, owner string) ([]metadata.Webhook, error)
}

// Config holds dispatcher settings.
type Config struct {
	Workers    int
	QueueSize  int
	MaxRetries int
	Timeout    time.Duration
	BaseDelay  time.Duration
}

// Payload is the JSON body POSTed to a webhook.
type Payload struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

type job struct {
	owner string
	event string
	data  any
	at    time.Time
}

// Dispatcher queues events and delivers them in the background.
type Dispatcher struct {
	cfg    Config
	hooks  Lister
	client *http.Client

	mu     sync.RWMutex
	closed bool
	queue  chan job
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewDispatcher creates a Dispatcher. Call Start before events arrive.
func NewDispatcher(cfg Config, hooks Lister) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	return &Dispatcher{
		cfg:    cfg,
		hooks:  hooks,
		client: &http.Client{},
		queue:  make(chan job, cfg.QueueSize),
	}
}

// Start launches the worker goroutines.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	logging.Info("webhook dispatcher started", zap.Int("workers", d.cfg.Workers))
}

// Stop rejects new events, waits for queued jobs to be delivered and then
// releases the workers' context.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
	if d.cancel != nil {
		d.cancel()
	}
	logging.Info("webhook dispatcher stopped")
}

// Notify enqueues an event. It never blocks; a full queue drops the event.
func (d *Dispatcher) Notify(_ context.Context, owner, event string, data any) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- job{owner: owner, event: event, data: data, at: time.Now().UTC()}:
	default:
		metrics.RecordWebhookDropped()
		logging.Warn("webhook queue full, dropping event", zap.String("event", event))
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for j := range d.queue {
		d.dispatch(ctx, j)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, j job) {
	hooks, err := d.hooks.ListWebhooks(ctx, j.owner)
	if err != nil {
		logging.Warn("failed to list webhooks", zap.String("event", j.event), zap.Error(err))
		return
	}
	var body []byte
	for _, h := range hooks {
		if !h.Subscribes(j.event) {
			continue
		}
		if body == nil {
			body, err = json.Marshal(Payload{Event: j.event, Timestamp: j.at, Data: j.data})
			if err != nil {
				logging.Error("failed to encode webhook payload", zap.String("event", j.event), zap.Error(err))
				return
			}
		}
		err := d.deliver(ctx, h, j.event, body)
		metrics.RecordWebhookDelivery(j.event, err == nil)
		if err != nil {
			logging.Warn("webhook delivery failed",
				zap.String("webhook_id", h.ID.String()),
				zap.String("event", j.event),
				zap.Error(err))
		}
	}
}

// deliver POSTs body, retrying network errors, 429 and 5xx with
// exponential backoff.
func (d *Dispatcher) deliver(ctx context.Context, h metadata.Webhook, event string, body []byte) error {
	backoff := retry.WithMaxRetries(uint64(max(d.cfg.MaxRetries, 0)), retry.NewExponential(d.cfg.BaseDelay))
	deliveryID := uuid.NewString()
	signature := Sign(h.Secret, body)

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "filora-webhook/1")
		req.Header.Set(HeaderEvent, event)
		req.Header.Set(HeaderDelivery, deliveryID)
		req.Header.Set(HeaderSignature, signature)

		resp, err := d.client.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return retry.RetryableError(fmt.Errorf("endpoint returned %d", resp.StatusCode))
		default:
			return fmt.Errorf("endpoint returned %d", resp.StatusCode)
		}
	})
}

// Sign returns the X-Filora-Signature value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header against body in constant time.
func Verify(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}
