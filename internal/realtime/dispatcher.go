// Package realtime fans messages out to per-topic subscribers.
package realtime

import (
	"context"
	"sync"
)

const defaultBufferSize = 16

// Dispatcher delivers messages to subscribers of a topic without blocking publishers.
// A subscriber whose buffer is full misses the message.
type Dispatcher[T any] struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber[T]
	nextID      int64
	bufferSize  int
}

type subscriber[T any] struct {
	id     int64
	stream chan T
}

// NewDispatcher constructs a dispatcher whose subscriber buffers hold bufferSize messages.
func NewDispatcher[T any](bufferSize int) *Dispatcher[T] {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Dispatcher[T]{
		subscribers: make(map[string]map[int64]*subscriber[T]),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers for topic until ctx ends or cleanup is called. The stream is
// closed once the subscription is removed.
func (d *Dispatcher[T]) Subscribe(ctx context.Context, topic string) (<-chan T, func()) {
	if topic == "" {
		ch := make(chan T)
		close(ch)
		return ch, func() {}
	}
	d.mu.Lock()
	d.nextID++
	sub := &subscriber[T]{id: d.nextID, stream: make(chan T, d.bufferSize)}
	if _, ok := d.subscribers[topic]; !ok {
		d.subscribers[topic] = make(map[int64]*subscriber[T])
	}
	d.subscribers[topic][sub.id] = sub
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregister(topic, sub.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish offers message to every subscriber of topic and returns how many accepted it.
func (d *Dispatcher[T]) Publish(topic string, message T) int {
	if topic == "" {
		return 0
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	delivered := 0
	for _, sub := range d.subscribers[topic] {
		select {
		case sub.stream <- message:
			delivered++
		default:
		}
	}
	return delivered
}

// SubscriberCount returns the number of live subscriptions on topic.
func (d *Dispatcher[T]) SubscriberCount(topic string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[topic])
}

func (d *Dispatcher[T]) unregister(topic string, id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subscribers := d.subscribers[topic]
	if subscribers == nil {
		return
	}
	if sub, ok := subscribers[id]; ok {
		close(sub.stream)
		delete(subscribers, id)
	}
	if len(subscribers) == 0 {
		delete(d.subscribers, topic)
	}
}
