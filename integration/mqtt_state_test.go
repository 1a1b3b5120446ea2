//go:build integration

// Package integration checks the MQTT contract between the bridge and the
// operators watching it, against a real broker.
//
// Prerequisites:
//   - MQTT broker (Mosquitto) running on localhost:1883
//   - Set MQTT_BROKER and MQTT_PORT env vars to override defaults
//
// Run with: go test -v -tags=integration -timeout=60s ./integration/...
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/clawinfra/wabridge/internal/dispatch"
	"github.com/clawinfra/wabridge/internal/notify"
	"github.com/clawinfra/wabridge/internal/session"
)

func mqttBroker() string {
	if b := os.Getenv("MQTT_BROKER"); b != "" {
		return b
	}
	return "localhost"
}

func mqttPort() int {
	if p := os.Getenv("MQTT_PORT"); p != "" {
		if port, err := strconv.Atoi(p); err == nil {
			return port
		}
	}
	return 1883
}

func brokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", mqttBroker(), mqttPort())
}

// newClient creates a connected observer client, skipping the test when
// no broker is reachable.
func newClient(t *testing.T, clientID string) mqtt.Client {
	t.Helper()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL())
	opts.SetClientID(clientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectTimeout(5 * time.Second)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		t.Skip("MQTT broker not available (connection timeout), skipping integration test")
	}
	if err := token.Error(); err != nil {
		t.Skipf("MQTT broker not available (%v), skipping integration test", err)
	}
	t.Cleanup(func() { client.Disconnect(250) })
	return client
}

func subscribe(t *testing.T, client mqtt.Client, topic string) <-chan mqtt.Message {
	t.Helper()
	ch := make(chan mqtt.Message, 8)
	token := client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		select {
		case ch <- msg:
		default:
		}
	})
	if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
		t.Fatalf("subscribe %s failed: %v", topic, token.Error())
	}
	return ch
}

func waitEvent(t *testing.T, ch <-chan mqtt.Message) (notify.Event, mqtt.Message) {
	t.Helper()
	select {
	case msg := <-ch:
		var ev notify.Event
		if err := json.Unmarshal(msg.Payload(), &ev); err != nil {
			t.Fatalf("invalid event payload %s: %v", msg.Payload(), err)
		}
		return ev, msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return notify.Event{}, nil
	}
}

// clearRetained removes the retained state so later runs start clean.
func clearRetained(client mqtt.Client, topic string) {
	client.Publish(topic, 1, true, []byte{}).WaitTimeout(5 * time.Second)
}

func startPublisher(t *testing.T, sessionName string) *notify.Publisher {
	t.Helper()
	p := notify.NewPublisher(notify.PublisherOptions{
		Broker:  brokerURL(),
		Session: sessionName,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := p.Connect(); err != nil {
		t.Skipf("MQTT broker not available (%v), skipping integration test", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return p
}

func TestStateChangeIsRetained(t *testing.T) {
	name := fmt.Sprintf("it-state-%d", time.Now().UnixNano())
	p := startPublisher(t, name)
	observer := newClient(t, name+"-observer")
	t.Cleanup(func() { clearRetained(observer, p.StateTopic()) })

	p.Notify(notify.StateChanged(name, session.Change{
		From: session.Authenticated, To: session.Ready, At: time.Now(), Reason: "connected",
	}))

	// Wait for the live delivery before checking retention.
	live := subscribe(t, observer, p.StateTopic())
	ev, _ := waitEvent(t, live)
	if ev.Type != notify.TypeState || ev.State == nil || ev.State.To != session.Ready {
		t.Fatalf("unexpected event %+v", ev)
	}

	late := newClient(t, name+"-late")
	ev, msg := waitEvent(t, subscribe(t, late, p.StateTopic()))
	if !msg.Retained() {
		t.Error("state event not retained")
	}
	if ev.Session != name || ev.State == nil || ev.State.To != session.Ready {
		t.Errorf("retained event = %+v", ev)
	}
}

func TestQueueOutcomeTopic(t *testing.T) {
	name := fmt.Sprintf("it-queue-%d", time.Now().UnixNano())
	p := startPublisher(t, name)
	observer := newClient(t, name+"-observer")
	ch := subscribe(t, observer, p.QueueTopic())

	item := dispatch.Item{ID: "q-1", Destination: "5511999999999@c.us", Attempts: 3, MaxAttempts: 3}
	p.Notify(notify.QueueOutcome(name, item, "", fmt.Errorf("send failed")))

	ev, msg := waitEvent(t, ch)
	if msg.Retained() {
		t.Error("queue events must not be retained")
	}
	if ev.Queue == nil || ev.Queue.Result != notify.ResultDropped || ev.Queue.Attempts != 3 {
		t.Errorf("unexpected queue event %+v", ev.Queue)
	}
}
