// ABOUTME: MQTT telemetry publisher for overflow events and periodic session stats
// ABOUTME: Buffers messages in a bounded backlog while the broker is unreachable
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/harper/pcm-capture/internal/domain"
)

const publishTimeout = 2 * time.Second

var ErrUnknownEncoding = errors.New("unknown telemetry encoding")

// Client is the part of mqtt.Client the publisher needs.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
}

type Config struct {
	Broker        string
	ClientID      string
	Topic         string
	QoS           byte
	Encoding      string
	StatsInterval time.Duration
	Backlog       int
}

// Connect dials the broker with auto-reconnect enabled.
func Connect(cfg Config) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		slog.Info("mqtt connection established", "broker", cfg.Broker, "client_id", cfg.ClientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		slog.Warn("mqtt connection lost, will auto-reconnect", "broker", cfg.Broker, "error", err)
	}

	client := mqtt.NewClient(opts)

	slog.Info("connecting to mqtt broker", "broker", cfg.Broker)

	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		// Connect keeps retrying in the background.
		slog.Warn("mqtt broker not reachable yet, continuing", "broker", cfg.Broker)
		return client, nil
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}

	return client, nil
}

// Encode marshals v as "json" or "msgpack".
func Encode(encoding string, v any) ([]byte, error) {
	switch encoding {
	case "", "json":
		return json.Marshal(v)
	case "msgpack":
		return msgpack.Marshal(v)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEncoding, encoding)
	}
}

type message struct {
	topic   string
	payload []byte
}

type Stats struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Errors    uint64 `json:"errors"`
	Pending   int    `json:"pending"`
}

type Publisher struct {
	client Client
	cfg    Config

	events chan domain.OverflowEvent

	mu      sync.Mutex
	backlog *queue.Queue

	published atomic.Uint64
	dropped   atomic.Uint64
	failures  atomic.Uint64
}

func New(client Client, cfg Config) *Publisher {
	if cfg.Backlog <= 0 {
		cfg.Backlog = 256
	}
	return &Publisher{
		client:  client,
		cfg:     cfg,
		events:  make(chan domain.OverflowEvent, cfg.Backlog),
		backlog: queue.New(),
	}
}

// Overflow never blocks; it is called from capture producers.
func (p *Publisher) Overflow(ev domain.OverflowEvent) {
	select {
	case p.events <- ev:
	default:
		p.dropped.Add(1)
	}
}

// Run publishes queued events and a stats snapshot every StatsInterval until
// ctx is done. stats maps session ID to its payload.
func (p *Publisher) Run(ctx context.Context, stats func() map[string]any) {
	var tick <-chan time.Time
	if p.cfg.StatsInterval > 0 && stats != nil {
		ticker := time.NewTicker(p.cfg.StatsInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			p.drainEvents()
			p.flush()
			return
		case ev := <-p.events:
			p.enqueueEvent(ev)
			p.flush()
		case <-tick:
			for id, payload := range stats() {
				p.enqueue(p.topic(id, "stats"), payload)
			}
			p.flush()
		}
	}
}

func (p *Publisher) drainEvents() {
	for {
		select {
		case ev := <-p.events:
			p.enqueueEvent(ev)
		default:
			return
		}
	}
}

func (p *Publisher) enqueueEvent(ev domain.OverflowEvent) {
	p.enqueue(p.topic(ev.SessionID, "overflow"), ev)
}

func (p *Publisher) topic(session, kind string) string {
	return fmt.Sprintf("%s/%s/%s", p.cfg.Topic, session, kind)
}

func (p *Publisher) enqueue(topic string, v any) {
	payload, err := Encode(p.cfg.Encoding, v)
	if err != nil {
		p.failures.Add(1)
		slog.Error("telemetry encode failed", "topic", topic, "error", err)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.backlog.Length() >= p.cfg.Backlog {
		p.backlog.Remove()
		p.dropped.Add(1)
	}
	p.backlog.Add(message{topic: topic, payload: payload})
}

// flush publishes the backlog oldest first and stops at the first failure.
func (p *Publisher) flush() {
	for p.client.IsConnected() {
		p.mu.Lock()
		if p.backlog.Length() == 0 {
			p.mu.Unlock()
			return
		}
		msg := p.backlog.Peek().(message)
		p.mu.Unlock()

		token := p.client.Publish(msg.topic, p.cfg.QoS, false, msg.payload)
		if !token.WaitTimeout(publishTimeout) {
			p.failures.Add(1)
			slog.Warn("telemetry publish timeout", "topic", msg.topic)
			return
		}
		if err := token.Error(); err != nil {
			p.failures.Add(1)
			slog.Warn("telemetry publish failed", "topic", msg.topic, "error", err)
			return
		}

		p.mu.Lock()
		p.backlog.Remove()
		p.mu.Unlock()

		p.published.Add(1)
		slog.Debug("telemetry published", "topic", msg.topic, "size", len(msg.payload))
	}
}

func (p *Publisher) Stats() Stats {
	p.mu.Lock()
	pending := p.backlog.Length()
	p.mu.Unlock()

	return Stats{
		Published: p.published.Load(),
		Dropped:   p.dropped.Load(),
		Errors:    p.failures.Load(),
		Pending:   pending,
	}
}
