package natsbus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/aamat-dev/crew-ia/internal/config"
	"github.com/aamat-dev/crew-ia/internal/persist"
	"github.com/nats-io/nats.go"
)

func startTestBus(t *testing.T) *Bus {
	t.Helper()
	bus, err := New(config.NATSConfig{Port: -1})
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	t.Cleanup(bus.Close)
	return bus
}

func newTestClient(t *testing.T, bus *Bus) *Client {
	t.Helper()
	client, err := NewClient(bus)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestBusStartStop(t *testing.T) {
	bus, err := New(config.NATSConfig{
		Port:    -1, // Random port
		DataDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	defer bus.Close()

	if bus.ClientURL() == "" {
		t.Fatal("expected non-empty client URL")
	}
	if bus.Port() <= 0 {
		t.Fatalf("expected resolved port, got %d", bus.Port())
	}
}

func TestPubSub(t *testing.T) {
	bus := startTestBus(t)
	client := newTestClient(t, bus)

	received := make(chan string, 1)
	_, err := client.Subscribe("test.topic", func(msg *nats.Msg) {
		received <- string(msg.Data)
	})
	if err != nil {
		t.Fatalf("subscribe error: %v", err)
	}

	if err := client.Publish("test.topic", []byte("hello")); err != nil {
		t.Fatalf("publish error: %v", err)
	}
	client.Flush()

	select {
	case data := <-received:
		if data != "hello" {
			t.Errorf("expected 'hello', got '%s'", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestRequestJSON(t *testing.T) {
	bus := startTestBus(t)
	client := newTestClient(t, bus)

	_, err := client.Subscribe(TopicControl("status"), func(msg *nats.Msg) {
		var req map[string]string
		_ = json.Unmarshal(msg.Data, &req)
		data, _ := json.Marshal(map[string]string{"run_id": req["run_id"], "status": "running"})
		_ = msg.Respond(data)
	})
	if err != nil {
		t.Fatalf("subscribe error: %v", err)
	}
	client.Flush()

	var resp map[string]string
	if err := client.RequestJSON(TopicControl("status"), map[string]string{"run_id": "r1"}, &resp, 2*time.Second); err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp["run_id"] != "r1" || resp["status"] != "running" {
		t.Errorf("unexpected reply %v", resp)
	}
}

func TestEventPublisher(t *testing.T) {
	bus := startTestBus(t)
	client := newTestClient(t, bus)
	pub := NewEventPublisher(client)

	events := make(chan persist.Event, 4)
	_, err := client.Subscribe(TopicEventsAll, func(msg *nats.Msg) {
		var ev persist.Event
		if err := json.Unmarshal(msg.Data, &ev); err == nil {
			events <- ev
		}
	})
	if err != nil {
		t.Fatalf("subscribe error: %v", err)
	}
	done := make(chan string, 1)
	_, _ = client.Subscribe(TopicRunsDone, func(msg *nats.Msg) {
		done <- msg.Subject
	})
	client.Flush()

	ctx := context.Background()
	_ = pub.SaveEvent(ctx, persist.NewEvent("run-1", "a", persist.EventNodeCompleted, ""))
	_ = pub.SaveEvent(ctx, persist.NewEvent("run-1", "", persist.EventRunCompleted, ""))
	client.Flush()

	for i := 0; i < 2; i++ {
		select {
		case ev := <-events:
			if ev.RunID != "run-1" {
				t.Errorf("unexpected event %+v", ev)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for event")
		}
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected run finished notification")
	}

	// Reads are not served by a publisher.
	if run, err := pub.GetRun(ctx, "run-1"); run != nil || err != nil {
		t.Errorf("expected no run from publisher, got %v, %v", run, err)
	}
}

func TestTopicNames(t *testing.T) {
	if got := TopicRunEvents("r1"); got != "crew.events.r1" {
		t.Errorf("expected crew.events.r1, got %s", got)
	}
	if got := TopicRunEvents("a.b c"); got != "crew.events.a_b_c" {
		t.Errorf("expected sanitized token, got %s", got)
	}
	if got := TopicControl("pause"); got != "crew.control.pause" {
		t.Errorf("expected crew.control.pause, got %s", got)
	}
}
