// Package eventbus implements Event Fan-out (spec.md §4.5): per-execution
// and per-workflow topics with a bounded replay buffer, so a subscriber
// that attaches slightly after an execution starts still sees its recent
// history instead of silence.
//
// Grounded on the teacher's websocket Hub
// (internal/infrastructure/websocket/hub.go): a register/unregister/
// broadcast actor loop over channels, restructured around topics instead
// of client sockets and with a replay buffer added per spec.md §4.5.
package eventbus

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one fan-out notification. Data is a small, JSON-marshalable
// payload (never a raw Bundle — events are signals, not data transport).
type Event struct {
	Type        string
	ExecutionID uuid.UUID
	WorkflowID  string
	NodeID      string
	Timestamp   time.Time
	Data        any
}

// Subscription is a handle returned by Subscribe; the caller reads C until
// Close is called or the bus is closed.
type Subscription struct {
	C      <-chan Event
	bus    *Bus
	topic  string
	ch     chan Event
	closed bool
	mu     sync.Mutex
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.bus.unsubscribe(s.topic, s.ch)
}

// Bus is the production Event Fan-out: one replay-buffered topic per
// execution ID and per workflow ID, non-blocking per-subscriber delivery.
type Bus struct {
	mu         sync.RWMutex
	subs       map[string]map[chan Event]struct{}
	replay     map[string][]Event
	window     time.Duration
	maxReplay  int
	subBufSize int
}

// Config holds the replay-buffer bounds (spec.md §6 EVENT_REPLAY_* keys).
type Config struct {
	ReplayWindow    time.Duration
	MaxReplayEvents int
	SubscriberBuf   int
}

// DefaultConfig matches spec.md §6's documented defaults: a 10s replay
// window capped at 50 events, 32-deep subscriber buffers.
func DefaultConfig() Config {
	return Config{ReplayWindow: 10 * time.Second, MaxReplayEvents: 50, SubscriberBuf: 32}
}

// New builds a Bus with cfg's replay bounds.
func New(cfg Config) *Bus {
	if cfg.MaxReplayEvents <= 0 {
		cfg.MaxReplayEvents = 50
	}
	if cfg.SubscriberBuf <= 0 {
		cfg.SubscriberBuf = 32
	}
	return &Bus{
		subs:       make(map[string]map[chan Event]struct{}),
		replay:     make(map[string][]Event),
		window:     cfg.ReplayWindow,
		maxReplay:  cfg.MaxReplayEvents,
		subBufSize: cfg.SubscriberBuf,
	}
}

func executionTopic(id uuid.UUID) string { return "execution:" + id.String() }
func workflowTopic(id string) string     { return "workflow:" + id }

// Publish fans ev out to both its execution topic and its workflow topic,
// recording it in each topic's replay buffer first so a Subscribe racing
// with this Publish still sees it.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.publishToTopic(executionTopic(ev.ExecutionID), ev)
	if ev.WorkflowID != "" {
		b.publishToTopic(workflowTopic(ev.WorkflowID), ev)
	}
}

func (b *Bus) publishToTopic(topic string, ev Event) {
	b.mu.Lock()
	buf := append(b.replay[topic], ev)
	buf = trimReplay(buf, b.window, b.maxReplay)
	b.replay[topic] = buf
	subscribers := make([]chan Event, 0, len(b.subs[topic]))
	for ch := range b.subs[topic] {
		subscribers = append(subscribers, ch)
	}
	b.mu.Unlock()

	for _, ch := range subscribers {
		select {
		case ch <- ev:
		default:
			// Subscriber too slow: drop rather than block the publisher
			// (spec.md §4.5 non-blocking send).
		}
	}
}

func trimReplay(buf []Event, window time.Duration, max int) []Event {
	if window > 0 {
		cutoff := time.Now().Add(-window)
		start := 0
		for start < len(buf) && buf[start].Timestamp.Before(cutoff) {
			start++
		}
		buf = buf[start:]
	}
	if max > 0 && len(buf) > max {
		buf = buf[len(buf)-max:]
	}
	return buf
}

// SubscribeExecution attaches to one execution's topic and immediately
// replays whatever of its recent history is still within the replay
// window, in order, before live events.
func (b *Bus) SubscribeExecution(id uuid.UUID) *Subscription {
	return b.subscribe(executionTopic(id))
}

// SubscribeWorkflow attaches to every execution of one workflow.
func (b *Bus) SubscribeWorkflow(workflowID string) *Subscription {
	return b.subscribe(workflowTopic(workflowID))
}

func (b *Bus) subscribe(topic string) *Subscription {
	ch := make(chan Event, b.subBufSize)

	// Registration and backlog replay happen under the same lock Publish
	// uses to append+fan out, so a Publish racing with this Subscribe can
	// never land a live event in ch ahead of its replay backlog.
	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[chan Event]struct{})
	}
	b.subs[topic][ch] = struct{}{}
	for _, ev := range b.replay[topic] {
		select {
		case ch <- ev:
		default:
		}
	}
	b.mu.Unlock()

	return &Subscription{C: ch, bus: b, topic: topic, ch: ch}
}

func (b *Bus) unsubscribe(topic string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[topic]; ok {
		delete(set, ch)
		if len(set) == 0 {
			delete(b.subs, topic)
		}
	}
	close(ch)
}
