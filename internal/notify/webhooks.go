package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"labelflow/internal/config"
	"labelflow/internal/domain"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// EventSource reads the durable event log.
type EventSource interface {
	EventsAfter(ctx context.Context, limit int, cursor int64, projectID string) ([]domain.Event, error)
	LatestEventID(ctx context.Context, projectID string) (int64, error)
}

// WebhookDispatcher tails the event log and POSTs matching events to each
// configured hook. Each hook keeps its own cursor and starts at the log head;
// a failed delivery is retried on the next tick.
type WebhookDispatcher struct {
	Source   EventSource
	Hooks    []config.Webhook
	Interval time.Duration
	Client   *http.Client
	Logger   *slog.Logger

	mu      sync.Mutex
	cursors map[string]int64
}

func NewWebhookDispatcher(src EventSource, hooks []config.Webhook, logger *slog.Logger) *WebhookDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookDispatcher{
		Source:   src,
		Hooks:    hooks,
		Interval: defaultWebhookInterval,
		Client:   &http.Client{Timeout: defaultWebhookTimeout},
		Logger:   logger,
		cursors:  map[string]int64{},
	}
}

// Run dispatches until ctx is done.
func (d *WebhookDispatcher) Run(ctx context.Context) {
	if len(d.Hooks) == 0 {
		return
	}
	interval := d.Interval
	if interval <= 0 {
		interval = defaultWebhookInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchOnce delivers every pending event once per enabled hook.
func (d *WebhookDispatcher) DispatchOnce(ctx context.Context) {
	for _, hook := range d.Hooks {
		if !hook.IsEnabled() || strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchHook(ctx, hook)
	}
}

func (d *WebhookDispatcher) dispatchHook(ctx context.Context, hook config.Webhook) {
	cursor, err := d.cursorFor(ctx, hook.ID)
	if err != nil {
		d.Logger.Warn("webhook cursor init failed", "hook", hook.ID, "error", err)
		return
	}
	events, err := d.Source.EventsAfter(ctx, defaultWebhookBatch, cursor, "")
	if err != nil {
		d.Logger.Warn("webhook fetch events failed", "hook", hook.ID, "error", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if filter.match(evt.Type) {
			if err := d.postEvent(ctx, hook, evt); err != nil {
				d.Logger.Warn("webhook delivery failed", "hook", hook.ID, "url", hook.URL, "event_id", evt.ID, "error", err)
				return
			}
		}
		d.setCursor(hook.ID, evt.ID)
	}
}

func (d *WebhookDispatcher) cursorFor(ctx context.Context, hookID string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cursors == nil {
		d.cursors = map[string]int64{}
	}
	if cur, ok := d.cursors[hookID]; ok {
		return cur, nil
	}
	cur, err := d.Source.LatestEventID(ctx, "")
	if err != nil {
		return 0, err
	}
	d.cursors[hookID] = cur
	return cur, nil
}

func (d *WebhookDispatcher) setCursor(hookID string, value int64) {
	d.mu.Lock()
	d.cursors[hookID] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	ProjectID  string          `json:"project_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, hook config.Webhook, evt domain.Event) error {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	data, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		ProjectID:  evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Labelflow-Event", evt.Type)
	req.Header.Set("X-Labelflow-Delivery", fmt.Sprintf("%d", evt.ID))
	if evt.ProjectID != "" {
		req.Header.Set("X-Labelflow-Project", evt.ProjectID)
	}
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Labelflow-Secret", hook.Secret)
	}
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// eventFilter matches exact types and "prefix.*" patterns; empty matches all.
type eventFilter struct {
	all      bool
	exact    map[string]struct{}
	prefixes []string
}

func newEventFilter(events []string) eventFilter {
	f := eventFilter{exact: map[string]struct{}{}}
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		switch {
		case key == "":
		case key == "*":
			f.all = true
		case strings.HasSuffix(key, ".*"):
			f.prefixes = append(f.prefixes, strings.TrimSuffix(key, "*"))
		default:
			f.exact[key] = struct{}{}
		}
	}
	if len(f.exact) == 0 && len(f.prefixes) == 0 {
		f.all = true
	}
	return f
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	if _, ok := f.exact[evt]; ok {
		return true
	}
	for _, p := range f.prefixes {
		if strings.HasPrefix(evt, p) {
			return true
		}
	}
	return false
}
