// Package telemetry publishes game server lifecycle events to an MQTT broker.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/crss-project/crss/internal/config"
	"github.com/crss-project/crss/internal/events"
	"github.com/crss-project/crss/internal/util"
)

// Topic suffixes, appended to the configured prefix.
const (
	TopicManagerAdmin = "manager/admin"
	TopicServerStatus = "server/status"
	TopicServerInfo   = "server/info"
	TopicServerError  = "server/error"
)

// MQTTHandler manages the MQTT connection and publishes telemetry events.
type MQTTHandler struct {
	cfg      config.MQTTConfig
	eventBus *events.EventBus
	client   mqtt.Client

	// Metadata included in every message
	metadata map[string]interface{}
}

// NewMQTTHandler creates a new MQTT telemetry handler. appVersion is reported
// in every message.
func NewMQTTHandler(cfg config.MQTTConfig, appVersion string, eventBus *events.EventBus) (*MQTTHandler, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	sysInfo := util.GetSystemInfo()
	handler := &MQTTHandler{
		cfg:      cfg,
		eventBus: eventBus,
		metadata: map[string]interface{}{
			"hostname":    sysInfo.Hostname,
			"platform":    sysInfo.Platform,
			"cpu_model":   sysInfo.CPUModel,
			"cpu_cores":   sysInfo.CPUCores,
			"memory_mb":   sysInfo.TotalMemory,
			"app_version": appVersion,
		},
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)

	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("crss-%s", sysInfo.Hostname))
	}
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(false)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Msg("MQTT connected")
	})

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})

	handler.client = mqtt.NewClient(opts)

	return handler, nil
}

// Start connects to the MQTT broker, subscribes to events and blocks until
// ctx is cancelled. The subscriptions outlive ctx so the status clients'
// final disconnects still go out; Close ends them.
func (h *MQTTHandler) Start(ctx context.Context) error {
	log.Info().
		Str("broker", h.cfg.BrokerURL).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.subscribeEvents()

	<-ctx.Done()
	return nil
}

// Close unsubscribes, announces the shutdown and disconnects from the
// broker. Call it once the status clients are closed and the event bus has
// drained.
func (h *MQTTHandler) Close() {
	h.unsubscribeEvents()
	if !h.client.IsConnected() {
		return
	}
	h.PublishShutdown()
	h.client.Disconnect(5000)
	log.Info().Msg("MQTT disconnected")
}

var statusEvents = []events.EventType{
	events.EventServerConnected,
	events.EventServerDisconnected,
	events.EventServerVersion,
}

func (h *MQTTHandler) subscribeEvents() {
	for _, t := range statusEvents {
		h.eventBus.Subscribe(t, "mqtt.status", h.onServerStatus)
	}
	h.eventBus.Subscribe(events.EventServerInfo, "mqtt.info", h.onServerInfo)
	h.eventBus.Subscribe(events.EventServerError, "mqtt.error", h.onServerError)
}

func (h *MQTTHandler) unsubscribeEvents() {
	for _, t := range statusEvents {
		h.eventBus.Unsubscribe(t, "mqtt.status")
	}
	h.eventBus.Unsubscribe(events.EventServerInfo, "mqtt.info")
	h.eventBus.Unsubscribe(events.EventServerError, "mqtt.error")
}

func (h *MQTTHandler) topic(suffix string) string {
	if h.cfg.TopicPrefix == "" {
		return suffix
	}
	return h.cfg.TopicPrefix + "/" + suffix
}

// publish sends a JSON message to an MQTT topic.
func (h *MQTTHandler) publish(topic string, payload interface{}) {
	if !h.client.IsConnected() {
		return
	}

	data, err := json.Marshal(h.buildMessage(payload))
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := h.client.Publish(topic, 1, false, data) // QoS 1
	go func() {
		token.Wait()
		if token.Error() != nil {
			log.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

// buildMessage combines metadata with the event payload.
func (h *MQTTHandler) buildMessage(payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{}, len(h.metadata)+2)

	for k, v := range h.metadata {
		msg[k] = v
	}

	msg["payload"] = payload
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)

	return msg
}

// Event handlers

func (h *MQTTHandler) onServerStatus(ctx context.Context, event events.Event) error {
	h.publish(h.topic(TopicServerStatus), map[string]interface{}{
		"event":   string(event.Type),
		"payload": event.Payload,
	})
	return nil
}

func (h *MQTTHandler) onServerInfo(ctx context.Context, event events.Event) error {
	h.publish(h.topic(TopicServerInfo), event.Payload)
	return nil
}

func (h *MQTTHandler) onServerError(ctx context.Context, event events.Event) error {
	h.publish(h.topic(TopicServerError), event.Payload)
	return nil
}

// PublishShutdown sends a shutdown message to the MQTT broker.
func (h *MQTTHandler) PublishShutdown() {
	h.publish(h.topic(TopicManagerAdmin), map[string]interface{}{
		"event": "shutdown",
	})
}
