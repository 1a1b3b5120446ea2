package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/clawinfra/wabridge/internal/session"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	publishBuffer  = 64
)

// PublisherOptions configures the MQTT publisher.
type PublisherOptions struct {
	Broker      string // tcp://host:1883
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	Session     string
}

// Publisher sends events to <prefix>/<session>/state (retained) and
// <prefix>/<session>/queue.
type Publisher struct {
	opts   PublisherOptions
	logger *slog.Logger
	client MQTTClient
	events chan Event

	// Factory function for creating MQTT client
	clientFactory func(opts *mqtt.ClientOptions) MQTTClient
}

var _ Notifier = (*Publisher)(nil)

// NewPublisher creates a publisher backed by paho.
func NewPublisher(opts PublisherOptions, logger *slog.Logger) *Publisher {
	return NewPublisherWithClient(opts, logger, func(o *mqtt.ClientOptions) MQTTClient {
		return &DefaultMQTTClient{client: mqtt.NewClient(o)}
	})
}

// NewPublisherWithClient creates a publisher with a custom client factory (for testing)
func NewPublisherWithClient(opts PublisherOptions, logger *slog.Logger, clientFactory func(*mqtt.ClientOptions) MQTTClient) *Publisher {
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = "wabridge"
	}
	if opts.ClientID == "" {
		opts.ClientID = fmt.Sprintf("wabridge-%s-%d", opts.Session, time.Now().Unix())
	}
	return &Publisher{
		opts:          opts,
		logger:        logger.With("component", "notify", "sink", "mqtt"),
		events:        make(chan Event, publishBuffer),
		clientFactory: clientFactory,
	}
}

// StateTopic is where state events are published.
func (p *Publisher) StateTopic() string {
	return p.opts.TopicPrefix + "/" + p.opts.Session + "/state"
}

// QueueTopic is where queue outcomes are published.
func (p *Publisher) QueueTopic() string {
	return p.opts.TopicPrefix + "/" + p.opts.Session + "/queue"
}

// Connect dials the broker. The broker announces a disconnected state on
// the state topic if this process vanishes.
func (p *Publisher) Connect() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(p.opts.Broker)
	opts.SetClientID(p.opts.ClientID)
	if p.opts.Username != "" {
		opts.SetUsername(p.opts.Username)
		opts.SetPassword(p.opts.Password)
	}
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)

	will, err := json.Marshal(Event{
		Type:    TypeState,
		Session: p.opts.Session,
		State:   &StateEvent{To: session.Disconnected, Reason: "bridge offline"},
	})
	if err != nil {
		return fmt.Errorf("marshal will: %w", err)
	}
	opts.SetBinaryWill(p.StateTopic(), will, 1, true)

	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		p.logger.Warn("mqtt connection lost", "error", err)
	})
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		p.logger.Info("mqtt connected", "broker", p.opts.Broker)
	})

	p.client = p.clientFactory(opts)

	p.logger.Info("connecting to mqtt broker", "broker", p.opts.Broker)
	token := p.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to mqtt: %w", err)
	}
	return nil
}

// Notify queues ev for publishing; it drops the event when the buffer is
// full.
func (p *Publisher) Notify(ev Event) {
	select {
	case p.events <- ev:
	default:
		p.logger.Warn("mqtt publish buffer full, event dropped", "type", ev.Type)
	}
}

// Run publishes queued events until ctx is done, then disconnects.
func (p *Publisher) Run(ctx context.Context) error {
	if p.client == nil {
		return fmt.Errorf("mqtt publisher not connected")
	}
	defer p.client.Disconnect(250)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-p.events:
			if err := p.publish(ev); err != nil {
				p.logger.Error("mqtt publish failed", "type", ev.Type, "error", err)
			}
		}
	}
}

func (p *Publisher) publish(ev Event) error {
	if !p.client.IsConnected() {
		return fmt.Errorf("mqtt not connected")
	}

	topic, retained := p.QueueTopic(), false
	if ev.Type == TypeState {
		topic, retained = p.StateTopic(), true
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// Publish with QoS 1 (at least once delivery)
	token := p.client.Publish(topic, 1, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	p.logger.Debug("event published", "topic", topic, "size", len(payload))
	return nil
}
