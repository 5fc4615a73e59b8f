package events

import (
	"context"
	"sync"
	"time"
)

// Event types published by the sync engine.
const (
	TypeNetworkChanged = "network_changed"
	TypeSyncStarted    = "sync_started"
	TypeTableSynced    = "table_synced"
	TypeSyncCompleted  = "sync_completed"
	TypeSyncError      = "sync_error"
)

const defaultBufferSize = 16

// Event is a notification about connectivity or sync progress.
type Event struct {
	Type      string    `json:"type"`
	Table     string    `json:"table,omitempty"`
	Online    bool      `json:"online"`
	Status    string    `json:"status,omitempty"`
	Pulled    int       `json:"pulled,omitempty"`
	Pushed    int       `json:"pushed,omitempty"`
	Failed    int       `json:"failed,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Dispatcher fans events out to subscribers over buffered channels. A slow
// subscriber misses events instead of blocking publishers.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	types  map[string]struct{}
	stream chan Event
	once   sync.Once
}

// NewDispatcher constructs an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[int64]*subscriber),
		bufferSize:  defaultBufferSize,
	}
}

// Subscribe registers a stream receiving the given event types, or every
// type when none are listed. The stream closes on cleanup or when ctx ends.
func (d *Dispatcher) Subscribe(ctx context.Context, types ...string) (<-chan Event, func()) {
	sub := &subscriber{
		stream: make(chan Event, d.bufferSize),
	}
	if len(types) > 0 {
		sub.types = make(map[string]struct{}, len(types))
		for _, eventType := range types {
			sub.types[eventType] = struct{}{}
		}
	}

	d.mu.Lock()
	d.nextID++
	sub.id = d.nextID
	d.subscribers[sub.id] = sub
	d.mu.Unlock()

	cleanup := func() {
		d.unregister(sub.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish delivers an event to every interested subscriber.
func (d *Dispatcher) Publish(event Event) {
	if event.Type == "" {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, sub := range d.subscribers {
		if sub.types != nil {
			if _, ok := sub.types[event.Type]; !ok {
				continue
			}
		}
		select {
		case sub.stream <- event:
		default:
		}
	}
}

// Subscribers returns the number of registered subscribers.
func (d *Dispatcher) Subscribers() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

func (d *Dispatcher) unregister(id int64) {
	d.mu.Lock()
	sub, ok := d.subscribers[id]
	if ok {
		delete(d.subscribers, id)
	}
	d.mu.Unlock()
	if ok {
		sub.once.Do(func() { close(sub.stream) })
	}
}
