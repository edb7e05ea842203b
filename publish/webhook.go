package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jmcleod/certledger/internal/uuid"
)

// webhookQueueSize is the bounded channel capacity for outbound events.
const webhookQueueSize = 1024

// webhookEvent is the JSON payload POSTed to the external endpoint.
type webhookEvent struct {
	DeliveryID     string `json:"delivery_id"`
	Kind           string `json:"kind"` // "store" or "revoke"
	Username       string `json:"username,omitempty"`
	DN             string `json:"dn,omitempty"`
	CAFingerprint  string `json:"ca_fingerprint,omitempty"`
	Status         int    `json:"status,omitempty"`
	Reason         int    `json:"reason,omitempty"`
	RevocationDate string `json:"revocation_date,omitempty"`
	ProfileID      int    `json:"profile_id,omitempty"`
	Timestamp      string `json:"timestamp"`
}

// WebhookPublisher delivers certificate state changes to an external HTTP
// endpoint. Events are enqueued non-blockingly into a bounded channel and
// sent by a background goroutine; if the queue is full the call fails so the
// caller's best-effort accounting records the drop.
type WebhookPublisher struct {
	url        string
	authHeader string // "Header: Value" format
	client     *http.Client
	logger     *slog.Logger
	events     chan webhookEvent
	wg         sync.WaitGroup
}

// NewWebhookPublisher creates a publisher and starts its background loop.
func NewWebhookPublisher(url, authHeader string, logger *slog.Logger) *WebhookPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &WebhookPublisher{
		url:        url,
		authHeader: authHeader,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger.With("component", "webhook-publisher"),
		events:     make(chan webhookEvent, webhookQueueSize),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

var _ Publisher = (*WebhookPublisher)(nil)

func (w *WebhookPublisher) StoreCertificate(_ context.Context, req StoreRequest) error {
	return w.enqueue(webhookEvent{
		DeliveryID:    uuid.New(),
		Kind:          "store",
		Username:      req.Username,
		DN:            req.DN,
		CAFingerprint: req.CAFingerprint,
		Status:        req.Status,
		ProfileID:     req.ProfileID,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	})
}

func (w *WebhookPublisher) RevokeCertificate(_ context.Context, req RevokeRequest) error {
	evt := webhookEvent{
		DeliveryID:    uuid.New(),
		Kind:          "revoke",
		Username:      req.Username,
		DN:            req.DN,
		CAFingerprint: req.CAFingerprint,
		Reason:        req.Reason,
		ProfileID:     req.ProfileID,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}
	if !req.RevocationDate.IsZero() {
		evt.RevocationDate = req.RevocationDate.UTC().Format(time.RFC3339)
	}
	return w.enqueue(evt)
}

// enqueue adds an event to the dispatch queue without blocking.
func (w *WebhookPublisher) enqueue(evt webhookEvent) error {
	select {
	case w.events <- evt:
		return nil
	default:
		return fmt.Errorf("webhook queue full, dropping %s event", evt.Kind)
	}
}

// Close shuts down the dispatcher, draining any remaining events.
func (w *WebhookPublisher) Close() {
	close(w.events)
	w.wg.Wait()
}

func (w *WebhookPublisher) loop() {
	defer w.wg.Done()
	for evt := range w.events {
		w.send(evt)
	}
}

// send POSTs the event to the configured URL with one retry on 5xx.
func (w *WebhookPublisher) send(evt webhookEvent) {
	body, err := json.Marshal(evt)
	if err != nil {
		w.logger.Warn("marshal failed", "error", err)
		return
	}
	for attempt := 0; attempt < 2; attempt++ {
		req, err := http.NewRequest(http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			w.logger.Warn("request build failed", "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		if w.authHeader != "" {
			if name, value, ok := splitHeader(w.authHeader); ok {
				req.Header.Set(name, value)
			}
		}
		resp, err := w.client.Do(req)
		if err != nil {
			w.logger.Warn("delivery failed", "delivery_id", evt.DeliveryID, "error", err)
			return
		}
		resp.Body.Close()
		if resp.StatusCode < 500 {
			if resp.StatusCode >= 400 {
				w.logger.Warn("delivery rejected", "delivery_id", evt.DeliveryID, "status", resp.StatusCode)
			}
			return
		}
		w.logger.Warn("delivery got server error, retrying", "delivery_id", evt.DeliveryID, "status", resp.StatusCode)
	}
}

func splitHeader(header string) (name, value string, ok bool) {
	for i := 0; i < len(header); i++ {
		if header[i] == ':' {
			name = header[:i]
			value = header[i+1:]
			for len(value) > 0 && value[0] == ' ' {
				value = value[1:]
			}
			return name, value, name != ""
		}
	}
	return "", "", false
}
