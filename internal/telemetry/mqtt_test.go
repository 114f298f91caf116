package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/crss-project/crss/internal/config"
	"github.com/crss-project/crss/internal/events"
)

func TestNewMQTTHandlerDisabled(t *testing.T) {
	if _, err := NewMQTTHandler(config.MQTTConfig{}, "1.0.0", events.NewEventBus()); err == nil {
		t.Fatal("expected error for disabled MQTT")
	}
}

func TestTopicAndMessage(t *testing.T) {
	h, err := NewMQTTHandler(config.MQTTConfig{
		Enabled:     true,
		BrokerURL:   "tcp://127.0.0.1:1883",
		TopicPrefix: "crss",
	}, "2.4.0", events.NewEventBus())
	if err != nil {
		t.Fatal(err)
	}

	if got := h.topic(TopicServerStatus); got != "crss/server/status" {
		t.Errorf("topic = %q", got)
	}
	h.cfg.TopicPrefix = ""
	if got := h.topic(TopicServerInfo); got != "server/info" {
		t.Errorf("unprefixed topic = %q", got)
	}

	msg := h.buildMessage(events.VersionPayload{ServerID: "main", Version: "1.2.3"})
	if msg["app_version"] != "2.4.0" {
		t.Errorf("app_version = %v", msg["app_version"])
	}
	if p, ok := msg["payload"].(events.VersionPayload); !ok || p.Version != "1.2.3" {
		t.Errorf("payload = %#v", msg["payload"])
	}
	if _, ok := msg["timestamp"]; !ok {
		t.Error("missing timestamp")
	}
}

func TestPublishSkippedWhenDisconnected(t *testing.T) {
	bus := events.NewEventBus()
	h, err := NewMQTTHandler(config.MQTTConfig{Enabled: true, BrokerURL: "tcp://127.0.0.1:1"}, "1.0.0", bus)
	if err != nil {
		t.Fatal(err)
	}

	h.subscribeEvents()
	if n := bus.HandlerCount(events.EventServerConnected); n != 1 {
		t.Errorf("status handlers = %d", n)
	}
	// Never connected, so this must return without blocking.
	h.onServerStatus(context.Background(), events.Event{Type: events.EventServerConnected})

	h.unsubscribeEvents()
	if n := bus.HandlerCount(events.EventServerInfo); n != 0 {
		t.Errorf("info handlers after unsubscribe = %d", n)
	}
}

type doneToken struct{ mqtt.Token }

func (doneToken) Wait() bool   { return true }
func (doneToken) Error() error { return nil }

// recordingClient stands in for the broker connection and records what the
// handler publishes.
type recordingClient struct {
	mqtt.Client

	mu           sync.Mutex
	connected    bool
	disconnected bool
	topics       []string
	events       []string
}

func (c *recordingClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *recordingClient) Connect() mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	return doneToken{}
}

func (c *recordingClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnected = true
}

func (c *recordingClient) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	var msg struct {
		Payload struct {
			Event string `json:"event"`
		} `json:"payload"`
	}
	json.Unmarshal(payload.([]byte), &msg)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = append(c.topics, topic)
	c.events = append(c.events, msg.Payload.Event)
	return doneToken{}
}

func (c *recordingClient) published() ([]string, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.topics...), append([]string(nil), c.events...)
}

func TestFinalDisconnectPublishedBeforeClose(t *testing.T) {
	bus := events.NewEventBus()
	h, err := NewMQTTHandler(config.MQTTConfig{
		Enabled:     true,
		BrokerURL:   "tcp://127.0.0.1:1883",
		TopicPrefix: "crss",
	}, "1.0.0", bus)
	if err != nil {
		t.Fatal(err)
	}
	client := &recordingClient{}
	h.client = client

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Start(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for bus.HandlerCount(events.EventServerDisconnected) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("handler did not subscribe")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}

	// Status clients close after the context is cancelled.
	if err := bus.EmitSync(context.Background(), events.Event{
		Type:    events.EventServerDisconnected,
		Payload: events.DisconnectPayload{ServerID: "main", Reason: events.ReasonShutdown},
	}); err != nil {
		t.Fatal(err)
	}
	bus.Stop()
	h.Close()

	topics, evs := client.published()
	wantTopics := []string{"crss/server/status", "crss/manager/admin"}
	wantEvents := []string{string(events.EventServerDisconnected), "shutdown"}
	if len(topics) != 2 || topics[0] != wantTopics[0] || topics[1] != wantTopics[1] {
		t.Errorf("topics = %v, want %v", topics, wantTopics)
	}
	if len(evs) != 2 || evs[0] != wantEvents[0] || evs[1] != wantEvents[1] {
		t.Errorf("events = %v, want %v", evs, wantEvents)
	}
	if !client.disconnected {
		t.Error("client not disconnected")
	}
	if n := bus.HandlerCount(events.EventServerDisconnected); n != 0 {
		t.Errorf("handlers after Close = %d", n)
	}
}
