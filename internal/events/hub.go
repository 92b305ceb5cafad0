package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"dialog/internal/domain"
)

type Config struct {
	BrokerURL   string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

// CatalogSink receives intent definitions reported over the wire.
type CatalogSink interface {
	Apply(report domain.CatalogReport) bool
}

// Hub feeds turn and frame events onto the broker and keeps the intent
// catalog current from reports published there. Without a broker URL the
// hub never connects and every publish degrades to a debug log, so the
// dialogue core runs identically with or without MQTT.
type Hub struct {
	cfg     Config
	client  paho.Client
	catalog CatalogSink
	logger  *slog.Logger

	pendingMu sync.Mutex
	pending   map[string]chan domain.CatalogReport
}

func NewHub(cfg Config, catalog CatalogSink, logger *slog.Logger) *Hub {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "dialog"
	}
	return &Hub{
		cfg:     cfg,
		catalog: catalog,
		logger:  logger,
		pending: make(map[string]chan domain.CatalogReport),
	}
}

func (h *Hub) Enabled() bool {
	return h != nil && h.cfg.BrokerURL != ""
}

func (h *Hub) Start(ctx context.Context) error {
	if !h.Enabled() {
		h.logger.Info("mqtt disabled, events stay local")
		return nil
	}

	opts := paho.NewClientOptions().
		AddBroker(h.cfg.BrokerURL).
		SetClientID(h.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true)

	if h.cfg.Username != "" {
		opts.SetUsername(h.cfg.Username)
		opts.SetPassword(h.cfg.Password)
	}

	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		h.logger.Error("mqtt connection lost", "error", err)
	})

	h.client = paho.NewClient(opts)
	if token := h.client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}

	if err := h.subscribeHandlers(); err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		h.client.Disconnect(100)
	}()

	return nil
}

func (h *Hub) subscribeHandlers() error {
	if token := h.client.Subscribe(TopicCatalogReport(h.cfg.TopicPrefix), 1, h.handleCatalogReport); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	if token := h.client.Subscribe(TopicCatalogResults(h.cfg.TopicPrefix), 1, h.handleCatalogResult); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

func (h *Hub) PublishTurn(evt domain.TurnEvent) {
	h.publish(TopicTurn(h.cfg.TopicPrefix, evt.SessionID), evt)
}

func (h *Hub) PublishFrame(evt domain.FrameEvent) {
	h.publish(TopicFrame(h.cfg.TopicPrefix, evt.SessionID), evt)
}

// publish is fire-and-forget at qos 0; a slow broker must not slow the
// turn pipeline down.
func (h *Hub) publish(topic string, payload any) {
	if h.client == nil || !h.client.IsConnected() {
		h.logger.Debug("event dropped, no broker", "topic", topic)
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		h.logger.Warn("event marshal failed", "topic", topic, "error", err)
		return
	}
	if token := h.client.Publish(topic, 0, false, body); token.Wait() && token.Error() != nil {
		h.logger.Warn("event publish failed", "topic", topic, "error", token.Error())
	}
}

func (h *Hub) handleCatalogReport(_ paho.Client, msg paho.Message) {
	report, err := decodeCatalogReport(msg.Payload())
	if err != nil {
		h.logger.Warn("invalid catalog report", "topic", msg.Topic(), "error", err)
		return
	}
	if h.catalog == nil {
		return
	}
	if !h.catalog.Apply(report) {
		h.logger.Warn("stale catalog report rejected",
			"source", report.Source,
			"catalog_version", report.CatalogVersion,
		)
		return
	}
	h.logger.Info("catalog updated",
		"source", report.Source,
		"catalog_version", report.CatalogVersion,
		"intent_count", len(report.Intents),
	)
}

func (h *Hub) handleCatalogResult(_ paho.Client, msg paho.Message) {
	requestID := parseRequestID(msg.Topic())
	if requestID == "" {
		return
	}

	report, err := decodeCatalogReport(msg.Payload())
	if err != nil {
		h.logger.Warn("invalid catalog result", "topic", msg.Topic(), "error", err)
		return
	}

	h.pendingMu.Lock()
	ch, ok := h.pending[requestID]
	h.pendingMu.Unlock()
	if !ok {
		return
	}

	select {
	case ch <- report:
	default:
	}
}

// RequestCatalog asks whoever owns the intent catalog to report it now,
// and applies the response. Used at startup so a fresh instance does not
// wait for the next periodic report.
func (h *Hub) RequestCatalog(ctx context.Context) (domain.CatalogReport, error) {
	if h.client == nil || !h.client.IsConnected() {
		return domain.CatalogReport{}, fmt.Errorf("no broker connection")
	}

	requestID := uuid.NewString()
	resultCh := make(chan domain.CatalogReport, 1)
	h.pendingMu.Lock()
	h.pending[requestID] = resultCh
	h.pendingMu.Unlock()
	defer func() {
		h.pendingMu.Lock()
		delete(h.pending, requestID)
		h.pendingMu.Unlock()
	}()

	topic := TopicCatalogRequest(h.cfg.TopicPrefix, requestID)
	if token := h.client.Publish(topic, 1, false, []byte(`{}`)); token.Wait() && token.Error() != nil {
		return domain.CatalogReport{}, token.Error()
	}

	select {
	case <-ctx.Done():
		return domain.CatalogReport{}, ctx.Err()
	case report := <-resultCh:
		if h.catalog != nil {
			h.catalog.Apply(report)
		}
		return report, nil
	case <-time.After(10 * time.Second):
		return domain.CatalogReport{}, fmt.Errorf("catalog request timeout")
	}
}

// decodeCatalogReport tolerates a bare definition array for reporters
// that predate the versioned envelope.
func decodeCatalogReport(payload []byte) (domain.CatalogReport, error) {
	var report domain.CatalogReport
	if err := json.Unmarshal(payload, &report); err != nil {
		var defs []domain.IntentDefinition
		if err2 := json.Unmarshal(payload, &defs); err2 != nil {
			return domain.CatalogReport{}, err
		}
		report = domain.CatalogReport{Intents: defs}
	}
	return report, nil
}
