package notify

import (
	"context"
	"sync"
)

// AllEvents subscribes to every event type.
const AllEvents = "*"

// Subscriber receives notifications on its own goroutine.
type Subscriber func(Notification)

// Bus is a non-blocking in-process pub/sub. A subscriber whose buffer is full
// misses the notification; publishers never wait.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan Notification
	bufferSize  int
	dropped     func(eventType string)
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[string][]chan Notification),
		bufferSize:  bufferSize,
	}
}

// OnDrop registers a callback for notifications lost to full buffers.
func (b *Bus) OnDrop(fn func(eventType string)) {
	b.mu.Lock()
	b.dropped = fn
	b.mu.Unlock()
}

// Subscribe registers fn for eventType (or AllEvents) and returns the
// unsubscribe function.
func (b *Bus) Subscribe(eventType string, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Notification, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for n := range ch {
			func() {
				defer func() { _ = recover() }()
				fn(n)
			}()
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subscribers[eventType]
			for i, c := range subs {
				if c == ch {
					b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
					close(ch)
					break
				}
			}
		})
	}
}

// Notify implements Sink so the bus can sit in a Multi.
func (b *Bus) Notify(_ context.Context, n Notification) error {
	b.Publish(n)
	return nil
}

func (b *Bus) Publish(n Notification) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	b.deliver(b.subscribers[n.Type], n)
	b.deliver(b.subscribers[AllEvents], n)
}

func (b *Bus) deliver(subs []chan Notification, n Notification) {
	for _, ch := range subs {
		select {
		case ch <- n:
		default:
			if b.dropped != nil {
				b.dropped(n.Type)
			}
		}
	}
}

// Close closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
}
