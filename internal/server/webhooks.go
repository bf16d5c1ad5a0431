package server

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

	"meterline/internal/config"
	"meterline/internal/domain"
	"meterline/internal/engine"
	"meterline/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// webhookDispatcher polls the journal and posts events to the configured
// endpoints. Per-endpoint cursors persist in the DB so a restart resumes
// exactly where delivery stopped.
type webhookDispatcher struct {
	engine   *engine.Engine
	agency   string
	webhooks []config.Webhook
	client   *http.Client
	mu       sync.Mutex
	cursors  map[string]int64
}

func startWebhookDispatcher(e *engine.Engine) {
	if e.Config == nil || len(e.Config.Webhooks) == 0 {
		return
	}
	agency := e.Config.Agency.Code
	if strings.TrimSpace(agency) == "" {
		return
	}
	d := &webhookDispatcher{
		engine:   e,
		agency:   agency,
		webhooks: e.Config.Webhooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		cursors:  make(map[string]int64),
	}
	go d.run()
}

func (d *webhookDispatcher) run() {
	ticker := time.NewTicker(defaultWebhookInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll()
		<-ticker.C
	}
}

func (d *webhookDispatcher) dispatchAll() {
	for _, hook := range d.webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(hook config.Webhook) {
	ctx := context.Background()
	cursor := d.cursorFor(ctx, hook)
	events, err := d.engine.Repo.EventsAfter(ctx, defaultWebhookBatch, cursor, d.agency)
	if err != nil {
		log.Printf("webhook: fetch events failed: %v", err)
		return
	}
	if len(events) == 0 {
		return
	}
	filter := newEventFilter(hook.Types)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			d.setCursor(ctx, hook.Name, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			// Stop this batch so the failed event is retried next tick.
			log.Printf("webhook: deliver to %s failed: %v", hook.URL, err)
			return
		}
		d.setCursor(ctx, hook.Name, evt.ID)
	}
}

// cursorFor resolves the endpoint's cursor: in-memory, then the persisted
// row, then the current journal head for fresh endpoints. New endpoints only
// receive events appended after they were configured.
func (d *webhookDispatcher) cursorFor(ctx context.Context, hook config.Webhook) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[hook.Name]; ok {
		return cur
	}
	cur, err := d.engine.Repo.GetWebhookCursor(ctx, hook.Name)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			log.Printf("webhook: load cursor failed: %v", err)
		}
		cur, err = d.engine.Repo.LatestEventID(ctx, d.agency)
		if err != nil {
			log.Printf("webhook: init cursor failed: %v", err)
			cur = 0
		}
	}
	d.cursors[hook.Name] = cur
	return cur
}

func (d *webhookDispatcher) setCursor(ctx context.Context, name string, value int64) {
	d.mu.Lock()
	d.cursors[name] = value
	d.mu.Unlock()
	if err := d.engine.Repo.SetWebhookCursor(ctx, name, value); err != nil {
		log.Printf("webhook: persist cursor failed: %v", err)
	}
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	AgencyCode string          `json:"agency_code"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (d *webhookDispatcher) postEvent(ctx context.Context, hook config.Webhook, evt domain.Event) error {
	payload := json.RawMessage([]byte("{}"))
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage([]byte(evt.Payload))
	}
	body := webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		AgencyCode: evt.AgencyCode,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Meterline-Event", evt.Type)
	req.Header.Set("X-Meterline-Delivery", fmt.Sprintf("%d", evt.ID))
	req.Header.Set("X-Meterline-Agency", d.agency)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Meterline-Secret", hook.Secret)
	}
	res, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(buf)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(types []string) eventFilter {
	if len(types) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		key := strings.TrimSpace(t)
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

// StartWebhookDispatcher begins background delivery for the engine's
// configured webhooks. Call once after the HTTP handler is built.
func StartWebhookDispatcher(e *engine.Engine) {
	startWebhookDispatcher(e)
}
