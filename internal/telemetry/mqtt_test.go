package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/energizer-project/courier/internal/config"
	"github.com/energizer-project/courier/internal/events"
)

type sent struct {
	topic string
	msg   map[string]interface{}
}

type capture struct {
	mu   sync.Mutex
	msgs []sent
}

func (c *capture) send(topic string, data []byte) {
	var msg map[string]interface{}
	json.Unmarshal(data, &msg)
	c.mu.Lock()
	c.msgs = append(c.msgs, sent{topic: topic, msg: msg})
	c.mu.Unlock()
}

func (c *capture) all() []sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sent(nil), c.msgs...)
}

func newHandler(t *testing.T) (*MQTTHandler, *events.EventBus, *capture) {
	t.Helper()
	cfg := config.DefaultConfig()
	app := cfg.GetApplicationData()
	app.MQTT.Enabled = true
	app.MQTT.BrokerURL = "broker.test"
	app.MQTT.Port = 1883
	cfg.SetApplicationData(app)

	bus := events.NewEventBus()
	h, err := NewMQTTHandler(cfg, bus, "1.2.3")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	c := &capture{}
	h.send = c.send
	h.subscribeEvents()
	return h, bus, c
}

func TestNewMQTTHandlerDisabled(t *testing.T) {
	if _, err := NewMQTTHandler(config.DefaultConfig(), events.NewEventBus(), "x"); err == nil {
		t.Fatalf("Unexpected success with MQTT disabled")
	}
}

func TestTransferEventsArePublished(t *testing.T) {
	// Arrange
	_, bus, c := newHandler(t)

	// Act
	bus.Emit(context.Background(), events.Event{
		Type:    events.EventTransferCompleted,
		Source:  "fetch",
		Payload: events.TransferPayload{ID: 3, URL: "http://a.test/", State: events.JobStateCompleted, Bytes: 9},
	})
	bus.Wait()

	// Assert
	msgs := c.all()
	if len(msgs) != 1 || msgs[0].topic != TopicTransfer {
		t.Fatalf("Unexpected messages %+v", msgs)
	}
	m := msgs[0].msg
	if m["app_version"] != "1.2.3" || m["timestamp"] == nil {
		t.Fatalf("Unexpected metadata %+v", m)
	}
	inner := m["payload"].(map[string]interface{})
	if inner["event"] != string(events.EventTransferCompleted) {
		t.Fatalf("Unexpected payload %+v", inner)
	}
	transfer := inner["payload"].(map[string]interface{})
	if transfer["state"] != "completed" || transfer["bytes"] != float64(9) {
		t.Fatalf("Unexpected transfer %+v", transfer)
	}
}

func TestNotifyUsesPayloadTopic(t *testing.T) {
	h, bus, c := newHandler(t)

	bus.Emit(context.Background(), events.Event{
		Type:    events.EventNotifyMQTT,
		Payload: events.MQTTPayload{Topic: "courier/heartbeat", Data: map[string]int{"active": 2}},
	})
	bus.Emit(context.Background(), events.Event{
		Type:    events.EventNotifyMQTT,
		Payload: "plain",
	})
	bus.Wait()
	h.PublishShutdown()

	topics := map[string]int{}
	for _, m := range c.all() {
		topics[m.topic]++
	}
	if topics["courier/heartbeat"] != 1 || topics[TopicStatus] != 1 || topics[TopicAdmin] != 1 {
		t.Fatalf("Unexpected topics %v", topics)
	}
}

func TestBuildTLSConfigRejectsMissingCA(t *testing.T) {
	_, err := buildTLSConfig(config.MQTTConfig{CAFile: t.TempDir() + "/missing.pem"})
	if err == nil {
		t.Fatalf("Unexpected success")
	}
	cfg, err := buildTLSConfig(config.MQTTConfig{})
	if err != nil || cfg.MinVersion == 0 {
		t.Fatalf("Unexpected result %+v %v", cfg, err)
	}
}
