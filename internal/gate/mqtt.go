package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"parking-edge-sync/internal/models"
)

const (
	commandTopic = "%s/%s/commands" // prefix/gateID
	ackTopic     = "%s/%s/ack"      // prefix/gateID
)

// ackMessage is what gate firmware publishes after executing a command.
type ackMessage struct {
	RequestID string `json:"request_id"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}

// commandMessage is the wire format sent to gate firmware.
type commandMessage struct {
	RequestID string `json:"request_id"`
	Action    string `json:"action"`
	Reason    string `json:"reason,omitempty"`
}

// MQTTClient narrows the paho client so tests can fake the broker.
type MQTTClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	IsConnected() bool
}

// MQTTController drives one gate over an MQTT broker: it publishes a command
// to the gate's command topic and waits for the matching acknowledgement on
// the ack topic.
type MQTTController struct {
	gateID     string
	prefix     string
	ackTimeout time.Duration
	client     MQTTClient

	mu      sync.Mutex
	pending map[string]chan ackMessage
}

// MQTTOptions configures the shared broker connection.
type MQTTOptions struct {
	Broker     string // host:port
	Username   string
	Password   string
	Prefix     string
	AckTimeout time.Duration
}

// NewMQTTController connects and subscribes to the gate's ack topic.
func NewMQTTController(gateID string, opts MQTTOptions) (*MQTTController, error) {
	clientOpts := mqtt.NewClientOptions()
	clientOpts.AddBroker(fmt.Sprintf("tcp://%s", opts.Broker))
	clientOpts.SetClientID(fmt.Sprintf("sparking-sync-%s-%d", gateID, time.Now().Unix()))
	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
		clientOpts.SetPassword(opts.Password)
	}
	clientOpts.SetKeepAlive(30 * time.Second)
	clientOpts.SetPingTimeout(10 * time.Second)
	clientOpts.SetAutoReconnect(true)
	clientOpts.SetMaxReconnectInterval(30 * time.Second)
	clientOpts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("gate %s: mqtt connection lost: %v", gateID, err)
	})

	client := mqtt.NewClient(clientOpts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("gate %s: mqtt connect timeout", gateID)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("gate %s: mqtt connect: %w", gateID, err)
	}
	return newMQTTController(gateID, opts, client)
}

// newMQTTController wires an already-connected client; split out for tests.
func newMQTTController(gateID string, opts MQTTOptions, client MQTTClient) (*MQTTController, error) {
	c := &MQTTController{
		gateID:     gateID,
		prefix:     opts.Prefix,
		ackTimeout: opts.AckTimeout,
		client:     client,
		pending:    make(map[string]chan ackMessage),
	}
	if c.ackTimeout == 0 {
		c.ackTimeout = 5 * time.Second
	}
	token := client.Subscribe(c.topic(ackTopic), 1, c.handleAck)
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("gate %s: ack subscribe timeout", gateID)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("gate %s: ack subscribe: %w", gateID, err)
	}
	return c, nil
}

func (c *MQTTController) topic(format string) string {
	return fmt.Sprintf(format, c.prefix, c.gateID)
}

// Apply publishes the command and blocks until the firmware acks it, the ack
// timeout elapses, or ctx is cancelled.
func (c *MQTTController) Apply(ctx context.Context, cmd models.GateCommand) error {
	msg := commandMessage{
		RequestID: uuid.New().String(),
		Action:    cmd.Action,
		Reason:    cmd.Reason,
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal gate command: %w", err)
	}

	ch := make(chan ackMessage, 1)
	c.mu.Lock()
	c.pending[msg.RequestID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.RequestID)
		c.mu.Unlock()
	}()

	token := c.client.Publish(c.topic(commandTopic), 1, false, raw)
	if !token.WaitTimeout(c.ackTimeout) {
		return fmt.Errorf("gate %s: publish timeout", c.gateID)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("gate %s: publish: %w", c.gateID, err)
	}

	select {
	case ack := <-ch:
		if !ack.OK {
			return fmt.Errorf("gate %s rejected %s: %s", c.gateID, cmd.Action, ack.Error)
		}
		return nil
	case <-time.After(c.ackTimeout):
		return fmt.Errorf("gate %s: no ack for %s within %s", c.gateID, cmd.Action, c.ackTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *MQTTController) handleAck(_ mqtt.Client, m mqtt.Message) {
	var ack ackMessage
	if err := json.Unmarshal(m.Payload(), &ack); err != nil {
		log.Printf("gate %s: bad ack payload: %v", c.gateID, err)
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[ack.RequestID]
	c.mu.Unlock()
	if ok {
		select {
		case ch <- ack:
		default:
		}
	}
}

// Close drops the broker connection.
func (c *MQTTController) Close() {
	c.client.Disconnect(250)
}
