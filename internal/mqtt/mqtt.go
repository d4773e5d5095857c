// Package mqtt publishes run events to an MQTT broker.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aamat-dev/crew-ia/internal/config"
	"github.com/aamat-dev/crew-ia/internal/persist"
	paho "github.com/eclipse/paho.mqtt.golang"
)

const publishTimeout = 5 * time.Second

// ConnectTimeoutError indicates the broker did not answer in time.
type ConnectTimeoutError struct {
	Broker string
}

func (e *ConnectTimeoutError) Error() string {
	return "mqtt connect timeout: " + e.Broker
}

// PublishTimeoutError indicates a publish was not acknowledged in time.
type PublishTimeoutError struct {
	Topic string
}

func (e *PublishTimeoutError) Error() string {
	return "mqtt publish timeout: " + e.Topic
}

type publisher interface {
	publish(topic string, payload []byte) error
	disconnect()
}

type pahoPublisher struct {
	mu     sync.Mutex
	client paho.Client
}

func (p *pahoPublisher) publish(topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	token := p.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return &PublishTimeoutError{Topic: topic}
	}
	return token.Error()
}

func (p *pahoPublisher) disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.client.Disconnect(1000)
}

// EventPublisher is a write-only persistence backend that publishes events
// on <prefix>/runs/<run_id>/events.
type EventPublisher struct {
	persist.NopBackend
	pub    publisher
	prefix string
}

// Connect dials the configured broker. The client reconnects on its own
// after the first successful connection.
func Connect(cfg config.MQTTConfig) (*EventPublisher, error) {
	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetKeepAlive(30 * time.Second).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			slog.Warn("mqtt connection lost", "broker", cfg.Broker, "error", err)
		})

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, &ConnectTimeoutError{Broker: cfg.Broker}
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}
	slog.Info("mqtt connected", "broker", cfg.Broker)
	return newEventPublisher(&pahoPublisher{client: client}, cfg.TopicPrefix), nil
}

func newEventPublisher(pub publisher, prefix string) *EventPublisher {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "crew"
	}
	return &EventPublisher{pub: pub, prefix: prefix}
}

func (p *EventPublisher) Name() string { return "mqtt" }

// Topic returns the topic a run's events are published on.
func (p *EventPublisher) Topic(runID string) string {
	return fmt.Sprintf("%s/runs/%s/events", p.prefix, topicLevel(runID))
}

func (p *EventPublisher) SaveEvent(_ context.Context, ev *persist.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return p.pub.publish(p.Topic(ev.RunID), data)
}

func (p *EventPublisher) Close() {
	p.pub.disconnect()
}

var levelReplacer = strings.NewReplacer("/", "_", "+", "_", "#", "_")

// topicLevel makes s usable as one topic level.
func topicLevel(s string) string {
	return levelReplacer.Replace(s)
}
