package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/clawinfra/wabridge/internal/dispatch"
	"github.com/clawinfra/wabridge/internal/session"
)

// MockMQTTToken implements mqtt.Token for testing
type MockMQTTToken struct {
	err     error
	timeout bool
}

func (m *MockMQTTToken) Wait() bool { return true }

func (m *MockMQTTToken) WaitTimeout(duration time.Duration) bool { return !m.timeout }

func (m *MockMQTTToken) Error() error { return m.err }

func (m *MockMQTTToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// MockMQTTClient implements MQTTClient for testing
type MockMQTTClient struct {
	ConnectFunc func() mqtt.Token
	PublishFunc func(topic string) mqtt.Token

	mu           sync.Mutex
	connected    bool
	disconnected bool
	published    []published
}

func (m *MockMQTTClient) Connect() mqtt.Token {
	if m.ConnectFunc != nil {
		return m.ConnectFunc()
	}
	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	return &MockMQTTToken{}
}

func (m *MockMQTTClient) Disconnect(quiesce uint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	m.disconnected = true
}

func (m *MockMQTTClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	if m.PublishFunc != nil {
		if tok := m.PublishFunc(topic); tok != nil {
			return tok
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, published{topic, qos, retained, payload.([]byte)})
	return &MockMQTTToken{}
}

func (m *MockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockMQTTClient) snapshot() []published {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]published(nil), m.published...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPublisher(t *testing.T, mock *MockMQTTClient) (*Publisher, *mqtt.ClientOptions) {
	t.Helper()
	var seen *mqtt.ClientOptions
	p := NewPublisherWithClient(PublisherOptions{
		Broker:   "tcp://broker:1883",
		Username: "bridge",
		Password: "pw",
		Session:  "sales",
	}, testLogger(), func(o *mqtt.ClientOptions) MQTTClient {
		seen = o
		return mock
	})
	if err := p.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return p, seen
}

func TestPublisherConnectConfiguresClient(t *testing.T) {
	mock := &MockMQTTClient{}
	p, opts := newTestPublisher(t, mock)

	if !mock.IsConnected() {
		t.Fatal("client not connected")
	}
	if opts == nil || len(opts.Servers) != 1 || opts.Servers[0].Host != "broker:1883" {
		t.Fatalf("broker not configured: %+v", opts)
	}
	if opts.Username != "bridge" || opts.Password != "pw" {
		t.Error("credentials not configured")
	}
	if !opts.WillEnabled || opts.WillTopic != p.StateTopic() || !opts.WillRetained {
		t.Errorf("will = %v %q %v", opts.WillEnabled, opts.WillTopic, opts.WillRetained)
	}
	if p.StateTopic() != "wabridge/sales/state" || p.QueueTopic() != "wabridge/sales/queue" {
		t.Errorf("topics = %q %q", p.StateTopic(), p.QueueTopic())
	}
}

func TestPublisherConnectFailures(t *testing.T) {
	tests := []struct {
		name  string
		token *MockMQTTToken
	}{
		{"refused", &MockMQTTToken{err: errors.New("connection refused")}},
		{"timeout", &MockMQTTToken{timeout: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &MockMQTTClient{ConnectFunc: func() mqtt.Token { return tt.token }}
			p := NewPublisherWithClient(PublisherOptions{Broker: "tcp://x:1883", Session: "s"}, testLogger(),
				func(*mqtt.ClientOptions) MQTTClient { return mock })
			if err := p.Connect(); err == nil {
				t.Fatal("expected connect error")
			}
		})
	}
}

func TestPublisherRunPublishes(t *testing.T) {
	mock := &MockMQTTClient{}
	p, _ := newTestPublisher(t, mock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	p.Notify(StateChanged("sales", session.Change{From: session.Authenticated, To: session.Ready, At: time.Now()}))
	p.Notify(QueueOutcome("sales", dispatch.Item{ID: "q1", Destination: "1@c.us"}, "WA1", nil))

	deadline := time.Now().Add(2 * time.Second)
	for len(mock.snapshot()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := mock.snapshot()
	if len(got) != 2 {
		t.Fatalf("published %d messages, want 2", len(got))
	}
	if got[0].topic != "wabridge/sales/state" || !got[0].retained || got[0].qos != 1 {
		t.Errorf("state publish = %+v", got[0])
	}
	if got[1].topic != "wabridge/sales/queue" || got[1].retained {
		t.Errorf("queue publish = %+v", got[1])
	}

	var ev Event
	if err := json.Unmarshal(got[0].payload, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != TypeState || ev.State == nil || ev.State.To != session.Ready {
		t.Errorf("state event = %+v", ev)
	}
	if !mock.disconnected {
		t.Error("client not disconnected after Run")
	}
}

func TestPublisherRunRequiresConnect(t *testing.T) {
	p := NewPublisherWithClient(PublisherOptions{Session: "s"}, testLogger(), nil)
	if err := p.Run(context.Background()); err == nil {
		t.Fatal("expected error when not connected")
	}
}

func TestPublisherNotifyDropsWhenFull(t *testing.T) {
	p := NewPublisherWithClient(PublisherOptions{Session: "s"}, testLogger(), nil)
	for i := 0; i < publishBuffer+10; i++ {
		p.Notify(Event{Type: TypeQueue})
	}
	if len(p.events) != publishBuffer {
		t.Errorf("buffer holds %d, want %d", len(p.events), publishBuffer)
	}
}

func TestPublisherSkipsWhileDisconnected(t *testing.T) {
	mock := &MockMQTTClient{}
	p, _ := newTestPublisher(t, mock)
	mock.Disconnect(0)

	if err := p.publish(Event{Type: TypeState}); err == nil {
		t.Fatal("expected error while disconnected")
	}
	if len(mock.snapshot()) != 0 {
		t.Error("published while disconnected")
	}
}

func TestPublishTimeout(t *testing.T) {
	mock := &MockMQTTClient{PublishFunc: func(string) mqtt.Token { return &MockMQTTToken{timeout: true} }}
	p, _ := newTestPublisher(t, mock)
	if err := p.publish(Event{Type: TypeQueue}); err == nil {
		t.Fatal("expected publish timeout")
	}
}
