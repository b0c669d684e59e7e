package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"assessline/internal/config"
	"assessline/internal/domain"
	"assessline/internal/repo"
)

const (
	defaultInterval       = 2 * time.Second
	defaultWebhookTimeout = 5 * time.Second
	defaultBatch          = 100
	defaultMaxAttempts    = 10
)

// Handler reacts to one outbox event in-process. Handlers must tolerate
// redelivery: a failed publish is retried on the next tick.
type Handler func(ctx context.Context, evt domain.Event) error

// Dispatcher drains the outbox: every pending event goes to the handlers
// registered for its type and to each matching webhook. An event is marked
// published only when all of them succeed.
type Dispatcher struct {
	Repo        repo.Repo
	Webhooks    []config.WebhookConfig
	Client      *http.Client
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
	Logger      *log.Logger
	Now         func() time.Time

	mu       sync.RWMutex
	handlers map[string][]Handler
	wake     chan struct{}
}

func NewDispatcher(r repo.Repo, cfg config.OutboxConfig, logger *log.Logger) *Dispatcher {
	return &Dispatcher{
		Repo:        r,
		Webhooks:    cfg.Webhooks,
		Client:      &http.Client{Timeout: defaultWebhookTimeout},
		Interval:    cfg.Interval,
		BatchSize:   cfg.BatchSize,
		MaxAttempts: cfg.MaxPublishAttempts,
		Logger:      logger,
		handlers:    map[string][]Handler{},
		wake:        make(chan struct{}, 1),
	}
}

// Handle registers h for events of evtType.
func (d *Dispatcher) Handle(evtType string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handlers == nil {
		d.handlers = map[string][]Handler{}
	}
	d.handlers[evtType] = append(d.handlers[evtType], h)
}

// Notify asks a running dispatcher to drain the outbox without waiting for the
// next tick. It never blocks.
func (d *Dispatcher) Notify() {
	if d.wake == nil {
		return
	}
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Stats summarises one drain pass.
type Stats struct {
	Published    int `json:"published"`
	Failed       int `json:"failed"`
	DeadLettered int `json:"dead_lettered"`
}

// Run drains the outbox every Interval until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	interval := d.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	if d.wake == nil {
		d.wake = make(chan struct{}, 1)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := d.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
			d.logger().Printf("[outbox] dispatch failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-d.wake:
		}
	}
}

// DispatchOnce publishes one batch of pending events in id order.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (Stats, error) {
	var stats Stats
	batch := d.BatchSize
	if batch <= 0 {
		batch = defaultBatch
	}
	pending, err := d.Repo.PendingEvents(ctx, batch)
	if err != nil {
		return stats, fmt.Errorf("fetch pending events: %w", err)
	}
	for _, evt := range pending {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if perr := d.publish(ctx, evt); perr != nil {
			stats.Failed++
			dead, err := d.Repo.MarkEventFailed(ctx, evt.ID, perr.Error(), d.maxAttempts())
			if err != nil {
				return stats, fmt.Errorf("mark event %d failed: %w", evt.ID, err)
			}
			if dead {
				stats.DeadLettered++
				d.logger().Printf("[outbox] event %d (%s) dead-lettered: %v", evt.ID, evt.Type, perr)
			} else {
				d.logger().Printf("[outbox] event %d (%s) publish failed: %v", evt.ID, evt.Type, perr)
			}
			continue
		}
		if err := d.Repo.MarkEventPublished(ctx, evt.ID, d.now()); err != nil && !errors.Is(err, repo.ErrNotFound) {
			return stats, fmt.Errorf("mark event %d published: %w", evt.ID, err)
		}
		stats.Published++
	}
	return stats, nil
}

func (d *Dispatcher) publish(ctx context.Context, evt domain.Event) error {
	d.mu.RLock()
	handlers := append([]Handler(nil), d.handlers[evt.Type]...)
	d.mu.RUnlock()
	var errs []error
	for _, h := range handlers {
		if err := h(ctx, evt); err != nil {
			errs = append(errs, fmt.Errorf("handler: %w", err))
		}
	}
	for _, hook := range d.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		if !newEventFilter(hook.Events).match(evt.Type) {
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			errs = append(errs, fmt.Errorf("webhook %s: %w", hook.URL, err))
		}
	}
	return errors.Join(errs...)
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	SessionID  string          `json:"session_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func (d *Dispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage([]byte("{}"))
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage([]byte(evt.Payload))
		} else {
			raw = evt.Payload
		}
	}
	body := webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		SessionID:  evt.SessionID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	if hook.TimeoutSeconds > 0 {
		if timeout := time.Duration(hook.TimeoutSeconds) * time.Second; timeout != client.Timeout {
			client = &http.Client{Timeout: timeout, Transport: client.Transport}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Assessline-Event", evt.Type)
	req.Header.Set("X-Assessline-Delivery", fmt.Sprintf("%d", evt.ID))
	if evt.SessionID != "" {
		req.Header.Set("X-Assessline-Session", evt.SessionID)
	}
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Assessline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

func (d *Dispatcher) maxAttempts() int {
	if d.MaxAttempts <= 0 {
		return defaultMaxAttempts
	}
	return d.MaxAttempts
}

func (d *Dispatcher) now() string {
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	return now().UTC().Format(time.RFC3339)
}

func (d *Dispatcher) logger() *log.Logger {
	if d.Logger == nil {
		return log.Default()
	}
	return d.Logger
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
