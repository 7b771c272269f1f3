package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"ballotbox/internal/config"
	"ballotbox/internal/domain"
	"ballotbox/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// WebhookDispatcher polls the event log and posts new events to the
// configured hooks. Each hook keeps its own cursor; a failed delivery is
// retried on the next tick.
type WebhookDispatcher struct {
	repo     repo.Repo
	webhooks []config.WebhookConfig
	client   *http.Client
	logger   *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	cursors map[int]int64
}

func NewWebhookDispatcher(r repo.Repo, hooks []config.WebhookConfig, logger *slog.Logger) *WebhookDispatcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &WebhookDispatcher{
		repo:     r,
		webhooks: hooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		logger:   logger,
		interval: defaultWebhookInterval,
		cursors:  make(map[int]int64),
	}
}

// Run dispatches until ctx is done. Hooks start from the newest event at
// their first poll; older events are not replayed.
func (d *WebhookDispatcher) Run(ctx context.Context) {
	if len(d.webhooks) == 0 {
		return
	}
	ticker := time.NewTicker(d.interval)
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

func (d *WebhookDispatcher) DispatchOnce(ctx context.Context) {
	for i, hook := range d.webhooks {
		if ctx.Err() != nil {
			return
		}
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := d.cursorFor(ctx, idx)
	events, err := d.repo.EventsAfter(ctx, defaultWebhookBatch, cursor)
	if err != nil {
		d.logger.Warn("webhook: fetch events failed", "error", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			d.logger.Warn("webhook: delivery failed", "url", hook.URL, "event_id", evt.ID, "error", err)
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

func (d *WebhookDispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.repo.LatestEventID(ctx)
	if err != nil {
		d.logger.Warn("webhook: init cursor failed", "error", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *WebhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID          int64           `json:"id"`
	Type        string          `json:"type"`
	ProposalKey uint64          `json:"proposal_key"`
	ActorID     string          `json:"actor_id"`
	TS          string          `json:"ts"`
	Payload     json.RawMessage `json:"payload"`
	PayloadRaw  string          `json:"payload_raw,omitempty"`
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage("{}")
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage(evt.Payload)
		} else {
			raw = evt.Payload
		}
	}
	data, err := json.Marshal(webhookEvent{
		ID:          evt.ID,
		Type:        evt.Type,
		ProposalKey: evt.ProposalKey,
		ActorID:     evt.ActorID,
		TS:          evt.TS,
		Payload:     payload,
		PayloadRaw:  raw,
	})
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		if timeout := time.Duration(hook.TimeoutSeconds) * time.Second; timeout != d.client.Timeout {
			client = &http.Client{Timeout: timeout}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Ballotbox-Event", evt.Type)
	req.Header.Set("X-Ballotbox-Delivery", strconv.FormatInt(evt.ID, 10))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Ballotbox-Secret", hook.Secret)
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

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
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
