// internal/handler/event_bus.go
package handler

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"device-link/internal/model"
)

// EventBus fans link events out to subscribers. Publish never blocks, so it
// can be handed to the supervisor as its event sink.
type EventBus struct {
	subscribers map[uuid.UUID]chan model.LinkEvent
	events      chan model.LinkEvent
	mutex       sync.RWMutex
	logger      *zap.Logger

	done     chan struct{}
	stopOnce sync.Once
}

// NewEventBus creates a new event bus
func NewEventBus(logger *zap.Logger) *EventBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventBus{
		subscribers: make(map[uuid.UUID]chan model.LinkEvent),
		events:      make(chan model.LinkEvent, 1000),
		logger:      logger.With(zap.String("component", "event-bus")),
		done:        make(chan struct{}),
	}
}

// Start distributes events until Stop is called
func (eb *EventBus) Start() {
	for {
		select {
		case event := <-eb.events:
			eb.distributeEvent(event)
		case <-eb.done:
			return
		}
	}
}

// Stop ends distribution and closes every subscriber channel
func (eb *EventBus) Stop() {
	eb.stopOnce.Do(func() {
		close(eb.done)

		eb.mutex.Lock()
		defer eb.mutex.Unlock()
		for id, subscriber := range eb.subscribers {
			close(subscriber)
			delete(eb.subscribers, id)
		}
	})
}

// Publish queues an event, dropping it when the bus is full
func (eb *EventBus) Publish(event model.LinkEvent) {
	select {
	case eb.events <- event:
	default:
		eb.logger.Warn("Event bus full, dropping event",
			zap.String("event_type", string(event.Type)),
		)
	}
}

// Subscribe returns a channel receiving every event published after the
// call, and a function that cancels the subscription
func (eb *EventBus) Subscribe() (<-chan model.LinkEvent, func()) {
	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	id := uuid.New()
	subscriber := make(chan model.LinkEvent, 100)

	select {
	case <-eb.done:
		close(subscriber)
		return subscriber, func() {}
	default:
	}

	eb.subscribers[id] = subscriber
	return subscriber, func() { eb.unsubscribe(id) }
}

func (eb *EventBus) unsubscribe(id uuid.UUID) {
	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	if subscriber, ok := eb.subscribers[id]; ok {
		close(subscriber)
		delete(eb.subscribers, id)
	}
}

// SubscriberCount returns the number of active subscriptions
func (eb *EventBus) SubscriberCount() int {
	eb.mutex.RLock()
	defer eb.mutex.RUnlock()
	return len(eb.subscribers)
}

// distributeEvent distributes an event to subscribers
func (eb *EventBus) distributeEvent(event model.LinkEvent) {
	eb.mutex.RLock()
	defer eb.mutex.RUnlock()

	for _, subscriber := range eb.subscribers {
		select {
		case subscriber <- event:
		default:
			// Subscriber is slow, skip
		}
	}
}
