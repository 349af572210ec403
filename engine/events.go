package engine

import (
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/pos_sync/netmon"
	"bitbucket.org/mmdatafocus/pos_sync/store"
	"github.com/sirupsen/logrus"
)

type EventType string

const (
	EventProductSync     EventType = "product-sync"
	EventTransactionSync EventType = "transaction-sync"
	EventQueueStats      EventType = "queue-stats"
	EventNetworkStatus   EventType = "network-status"
)

// Event is the fan-out payload; exactly one of the pointer fields is set,
// matching the event type.
type Event struct {
	Type    EventType         `json:"type"`
	At      time.Time         `json:"at"`
	Pull    *PullResult       `json:"pull,omitempty"`
	Push    *PushResult       `json:"push,omitempty"`
	Queue   *store.QueueStats `json:"queue,omitempty"`
	Network *NetworkChange    `json:"network,omitempty"`
}

type NetworkChange struct {
	New netmon.Status `json:"new"`
	Old netmon.Status `json:"old"`
}

// eventBus is a typed in-process observer registry. Delivery is isolated
// per listener: one panicking subscriber cannot break fan-out to the rest
// or halt the scheduler.
type eventBus struct {
	mu     sync.Mutex
	subs   map[EventType]map[int]func(Event)
	nextId int
	logger *logrus.Logger
}

func newEventBus(logger *logrus.Logger) *eventBus {
	return &eventBus{
		subs:   make(map[EventType]map[int]func(Event)),
		logger: logger,
	}
}

func (b *eventBus) subscribe(t EventType, fn func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[t] == nil {
		b.subs[t] = make(map[int]func(Event))
	}
	id := b.nextId
	b.nextId++
	b.subs[t][id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[t], id)
	}
}

func (b *eventBus) publish(ev Event) {
	b.mu.Lock()
	listeners := make([]func(Event), 0, len(b.subs[ev.Type]))
	for _, fn := range b.subs[ev.Type] {
		listeners = append(listeners, fn)
	}
	b.mu.Unlock()

	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil && b.logger != nil {
					b.logger.WithFields(logrus.Fields{
						"module": "engine",
						"event":  ev.Type,
						"panic":  r,
					}).Error("event listener panicked")
				}
			}()
			fn(ev)
		}()
	}
}
