// ABOUTME: Tests for the MQTT telemetry publisher
// ABOUTME: Uses a fake client to verify topics, encodings, and the offline backlog
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/harper/pcm-capture/internal/domain"
)

type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic   string
	payload []byte
}

type fakeClient struct {
	mu        sync.Mutex
	connected bool
	fail      error
	messages  []published
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return &fakeToken{err: c.fail}
	}
	c.messages = append(c.messages, published{topic: topic, payload: payload.([]byte)})
	return &fakeToken{}
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func (c *fakeClient) sent() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.messages...)
}

func TestEncode(t *testing.T) {
	ev := domain.OverflowEvent{SessionID: "pru0", DroppedBytes: 48, Total: 96}

	data, err := Encode("json", ev)
	if err != nil {
		t.Fatalf("json encode failed: %v", err)
	}
	var fromJSON map[string]any
	if err := json.Unmarshal(data, &fromJSON); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if fromJSON["session_id"] != "pru0" {
		t.Errorf("expected session_id pru0, got %v", fromJSON["session_id"])
	}

	data, err = Encode("msgpack", ev)
	if err != nil {
		t.Fatalf("msgpack encode failed: %v", err)
	}
	var fromMsgpack domain.OverflowEvent
	if err := msgpack.Unmarshal(data, &fromMsgpack); err != nil {
		t.Fatalf("invalid msgpack: %v", err)
	}
	if fromMsgpack.DroppedBytes != 48 || fromMsgpack.Total != 96 {
		t.Errorf("unexpected msgpack event %+v", fromMsgpack)
	}

	if _, err := Encode("xml", ev); !errors.Is(err, ErrUnknownEncoding) {
		t.Errorf("expected ErrUnknownEncoding, got %v", err)
	}
}

func TestPublisher_OverflowTopic(t *testing.T) {
	client := &fakeClient{connected: true}
	p := New(client, Config{Topic: "pcm", Encoding: "json", Backlog: 8})

	p.Overflow(domain.OverflowEvent{SessionID: "pru0", DroppedBytes: 24})
	p.drainEvents()
	p.flush()

	msgs := client.sent()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].topic != "pcm/pru0/overflow" {
		t.Errorf("unexpected topic %q", msgs[0].topic)
	}
	if p.Stats().Published != 1 {
		t.Errorf("expected 1 published, got %d", p.Stats().Published)
	}
}

func TestPublisher_BacklogWhileDisconnected(t *testing.T) {
	client := &fakeClient{}
	p := New(client, Config{Topic: "pcm", Encoding: "json", Backlog: 3})

	for i := 0; i < 5; i++ {
		p.enqueue(p.topic("pru0", "stats"), map[string]int{"seq": i})
	}
	p.flush()

	if got := p.Stats(); got.Pending != 3 || got.Dropped != 2 {
		t.Fatalf("expected 3 pending and 2 dropped, got %+v", got)
	}

	client.setConnected(true)
	p.flush()

	msgs := client.sent()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages after reconnect, got %d", len(msgs))
	}
	var first map[string]int
	json.Unmarshal(msgs[0].payload, &first)
	if first["seq"] != 2 {
		t.Errorf("oldest entries should be dropped first, got seq %d", first["seq"])
	}
	if p.Stats().Pending != 0 {
		t.Errorf("backlog should be empty, got %d", p.Stats().Pending)
	}
}

func TestPublisher_PublishFailureKeepsMessage(t *testing.T) {
	client := &fakeClient{connected: true, fail: errors.New("broker gone")}
	p := New(client, Config{Topic: "pcm", Backlog: 4})

	p.enqueue("pcm/pru0/stats", map[string]int{"a": 1})
	p.flush()

	if got := p.Stats(); got.Pending != 1 || got.Errors != 1 {
		t.Fatalf("expected message kept with 1 error, got %+v", got)
	}
}

func TestPublisher_OverflowNeverBlocks(t *testing.T) {
	p := New(&fakeClient{}, Config{Topic: "pcm", Backlog: 2})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			p.Overflow(domain.OverflowEvent{SessionID: "pru0"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Overflow blocked with nobody draining")
	}
	if p.Stats().Dropped != 8 {
		t.Errorf("expected 8 dropped events, got %d", p.Stats().Dropped)
	}
}

func TestPublisher_RunPublishesStats(t *testing.T) {
	client := &fakeClient{connected: true}
	p := New(client, Config{Topic: "pcm", Encoding: "msgpack", StatsInterval: 5 * time.Millisecond, Backlog: 16})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx, func() map[string]any {
			return map[string]any{"pru0": map[string]int{"overflows": 0}}
		})
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(client.sent()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	msgs := client.sent()
	if len(msgs) == 0 {
		t.Fatal("expected stats to be published")
	}
	if msgs[0].topic != "pcm/pru0/stats" {
		t.Errorf("unexpected topic %q", msgs[0].topic)
	}
}
