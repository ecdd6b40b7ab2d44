// Package feed fans change events out to subscribers keyed by topic.
package feed

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventType is the row operation an Event reports.
type EventType string

const (
	Insert EventType = "INSERT"
	Update EventType = "UPDATE"
	Delete EventType = "DELETE"
)

// Event is one row change as delivered by a backend change feed.
// New and Old hold row images with column names as keys.
type Event struct {
	Table string            `json:"table"`
	Type  EventType         `json:"type"`
	Keys  map[string]string `json:"keys,omitempty"`
	New   json.RawMessage   `json:"new,omitempty"`
	Old   json.RawMessage   `json:"old,omitempty"`
}

// Filter selects events of a table, optionally narrowed to column = value.
// Only columns the publisher lists in Event.Keys can be filtered on.
type Filter struct {
	Table  string
	Column string
	Value  string
}

func (f Filter) Topic() string {
	if f.Column == "" {
		return f.Table
	}
	return f.Table + ":" + f.Column + "=" + f.Value
}

// Subscription receives values published on one topic until closed.
type Subscription[T any] struct {
	ID    string
	C     <-chan T
	topic string
	ch    chan T
	done  chan struct{}
	hub   *Hub[T]
	once  sync.Once
}

// Close detaches the subscription and closes C. Safe to call more than once.
func (s *Subscription[T]) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
		close(s.done)
	})
}

// Done is closed once the subscription has been closed.
func (s *Subscription[T]) Done() <-chan struct{} {
	return s.done
}

// Hub is an in-process publish/subscribe point. Publishing never blocks:
// a subscriber whose buffer is full misses the value.
type Hub[T any] struct {
	mu     sync.RWMutex
	subs   map[string]map[string]*Subscription[T]
	closed bool
	log    *zap.Logger
}

// NewHub returns a hub with no subscribers.
func NewHub[T any](log *zap.Logger) *Hub[T] {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub[T]{
		subs: make(map[string]map[string]*Subscription[T]),
		log:  log,
	}
}

// Subscribe registers a subscriber on topic with the given channel buffer.
// On a closed hub the returned subscription is already closed.
func (h *Hub[T]) Subscribe(topic string, buffer int) *Subscription[T] {
	ch := make(chan T, buffer)
	sub := &Subscription[T]{
		ID:    uuid.NewString(),
		C:     ch,
		topic: topic,
		ch:    ch,
		done:  make(chan struct{}),
		hub:   h,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		sub.once.Do(func() { close(sub.done) })
		return sub
	}
	if h.subs[topic] == nil {
		h.subs[topic] = make(map[string]*Subscription[T])
	}
	h.subs[topic][sub.ID] = sub
	return sub
}

// SubscribeContext is Subscribe with the subscription closed when ctx ends.
func (h *Hub[T]) SubscribeContext(ctx context.Context, topic string, buffer int) *Subscription[T] {
	sub := h.Subscribe(topic, buffer)
	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()
	return sub
}

// Publish delivers v to every subscriber of topic and returns how many received it.
func (h *Hub[T]) Publish(topic string, v T) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for _, sub := range h.subs[topic] {
		select {
		case sub.ch <- v:
			delivered++
		default:
			h.log.Warn("subscriber buffer full, value dropped",
				zap.String("topic", topic), zap.String("subscription", sub.ID))
		}
	}
	return delivered
}

// Subscribers returns the number of live subscriptions on topic.
func (h *Hub[T]) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[topic])
}

// Close closes every subscription. Later subscriptions are born closed.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	all := h.subs
	h.subs = make(map[string]map[string]*Subscription[T])
	h.closed = true
	h.mu.Unlock()

	for _, topic := range all {
		for _, sub := range topic {
			close(sub.ch)
			sub.once.Do(func() { close(sub.done) })
		}
	}
}

func (h *Hub[T]) remove(s *Subscription[T]) {
	h.mu.Lock()
	defer h.mu.Unlock()
	topic, ok := h.subs[s.topic]
	if !ok {
		return
	}
	if _, ok := topic[s.ID]; !ok {
		return
	}
	delete(topic, s.ID)
	if len(topic) == 0 {
		delete(h.subs, s.topic)
	}
	close(s.ch)
}

// Dispatch publishes ev on its table topic and on one topic per key.
func Dispatch(h *Hub[Event], ev Event) {
	h.Publish(ev.Table, ev)
	for col, val := range ev.Keys {
		h.Publish(Filter{Table: ev.Table, Column: col, Value: val}.Topic(), ev)
	}
}
