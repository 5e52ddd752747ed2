package gate

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"parking-edge-sync/internal/models"
)

type fakeToken struct{ err error }

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *fakeToken) Error() error { return t.err }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

// fakeBroker loops published commands straight back as acks.
type fakeBroker struct {
	ackHandler mqtt.MessageHandler
	published  []string
	ackOK      bool
	ackError   string
	silent     bool // swallow commands, never ack
}

func (b *fakeBroker) Connect() mqtt.Token { return &fakeToken{} }
func (b *fakeBroker) Disconnect(uint)     {}
func (b *fakeBroker) IsConnected() bool   { return true }

func (b *fakeBroker) Subscribe(_ string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	b.ackHandler = cb
	return &fakeToken{}
}

func (b *fakeBroker) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	raw := payload.([]byte)
	b.published = append(b.published, topic)
	if b.silent {
		return &fakeToken{}
	}
	var cmd commandMessage
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return &fakeToken{err: err}
	}
	ack, _ := json.Marshal(ackMessage{RequestID: cmd.RequestID, OK: b.ackOK, Error: b.ackError})
	go b.ackHandler(nil, &fakeMessage{topic: strings.Replace(topic, "/commands", "/ack", 1), payload: ack})
	return &fakeToken{}
}

func newTestController(t *testing.T, broker *fakeBroker, timeout time.Duration) *MQTTController {
	t.Helper()
	ctrl, err := newMQTTController("gate-north", MQTTOptions{
		Prefix:     "sparking/gates",
		AckTimeout: timeout,
	}, broker)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	return ctrl
}

func TestApplyAcknowledged(t *testing.T) {
	broker := &fakeBroker{ackOK: true}
	ctrl := newTestController(t, broker, time.Second)

	err := ctrl.Apply(context.Background(), models.GateCommand{GateID: "gate-north", Action: "open"})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(broker.published) != 1 || broker.published[0] != "sparking/gates/gate-north/commands" {
		t.Fatalf("unexpected publishes: %v", broker.published)
	}
}

func TestApplyRejectedByFirmware(t *testing.T) {
	broker := &fakeBroker{ackOK: false, ackError: "barrier jammed"}
	ctrl := newTestController(t, broker, time.Second)

	err := ctrl.Apply(context.Background(), models.GateCommand{GateID: "gate-north", Action: "open"})
	if err == nil || !strings.Contains(err.Error(), "barrier jammed") {
		t.Fatalf("expected firmware rejection, got %v", err)
	}
}

func TestApplyAckTimeout(t *testing.T) {
	broker := &fakeBroker{silent: true}
	ctrl := newTestController(t, broker, 30*time.Millisecond)

	err := ctrl.Apply(context.Background(), models.GateCommand{GateID: "gate-north", Action: "close"})
	if err == nil || !strings.Contains(err.Error(), "no ack") {
		t.Fatalf("expected ack timeout, got %v", err)
	}
}

func TestApplyContextCancelled(t *testing.T) {
	broker := &fakeBroker{silent: true}
	ctrl := newTestController(t, broker, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := ctrl.Apply(ctx, models.GateCommand{GateID: "gate-north", Action: "open"})
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
