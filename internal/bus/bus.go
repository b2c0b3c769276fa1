// Package bus is the in-process mission event stream. Publication is
// fire-and-forget: a slow or absent subscriber never blocks orchestration.
// Events can additionally be mirrored to NATS subjects for external
// observers.
package bus

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/worldmind/worldmind/internal/logger"
)

// Event topics, in rough lifecycle order.
const (
	TopicMissionStarted   = "mission.started"
	TopicMissionCompleted = "mission.completed"
	TopicMissionFailed    = "mission.failed"
	TopicNodeEntered      = "node.entered"
	TopicNodeCompleted    = "node.completed"
	TopicWaveScheduled    = "wave.scheduled"
	TopicWaveCompleted    = "wave.completed"
	TopicTaskDispatched   = "task.dispatched"
	TopicTaskCompleted    = "task.completed"
	TopicTaskRetried      = "task.retried"
	TopicGateDecided      = "gate.decided"
	TopicOscillation      = "oscillation.detected"
	TopicDeployDiagnosed  = "deploy.diagnosed"
)

// Event is one mission occurrence.
type Event struct {
	Topic     string         `json:"topic"`
	MissionID string         `json:"mission_id"`
	At        time.Time      `json:"at"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Handler consumes events. Handlers run on the bus goroutine per subscriber;
// a handler that blocks only delays its own queue.
type Handler func(Event)

type subscriber struct {
	ch   chan Event
	done chan struct{}
}

// Bus fans events out to subscribers asynchronously. A subscriber whose
// buffer is full loses the event rather than stalling the publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscriber
	closed bool
	nc     *nats.Conn
	log    *logger.Logger
}

// New creates a Bus. natsURL is optional; when non-empty the bus mirrors
// every event to the worldmind.<topic> NATS subject.
func New(natsURL string, log *logger.Logger) (*Bus, error) {
	b := &Bus{log: log}
	if natsURL != "" {
		nc, err := nats.Connect(natsURL,
			nats.Name("worldmind"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			return nil, err
		}
		b.nc = nc
	}
	return b, nil
}

// Subscribe registers a handler for all topics. The returned func cancels the
// subscription.
func (b *Bus) Subscribe(h Handler) func() {
	sub := &subscriber{
		ch:   make(chan Event, 256),
		done: make(chan struct{}),
	}
	go func() {
		for {
			select {
			case ev := <-sub.ch:
				h(ev)
			case <-sub.done:
				return
			}
		}
	}()

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(sub.done)
			b.mu.Lock()
			for i, s := range b.subs {
				if s == sub {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
		})
	}
}

// Publish delivers an event to all subscribers without blocking. Nil buses
// are safe so components can publish unconditionally.
func (b *Bus) Publish(topic, missionID string, fields map[string]any) {
	if b == nil {
		return
	}
	ev := Event{Topic: topic, MissionID: missionID, At: time.Now().UTC(), Fields: fields}

	b.mu.RLock()
	closed := b.closed
	subs := b.subs
	nc := b.nc
	b.mu.RUnlock()
	if closed {
		return
	}

	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		default:
			// Dropped: subscriber buffers bound publisher latency.
		}
	}

	if nc != nil {
		data, err := json.Marshal(ev)
		if err == nil {
			if perr := nc.Publish("worldmind."+topic, data); perr != nil {
				b.log.Debugf("bus: nats publish %s: %v", topic, perr)
			}
		}
	}
}

// Close stops publication and drains the NATS connection.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	nc := b.nc
	b.nc = nil
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.done)
	}
	if nc != nil {
		nc.Drain()
	}
}
