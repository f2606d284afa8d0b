package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventSignalGenerated EventType = "SIGNAL_GENERATED"
	EventSignalRejected  EventType = "SIGNAL_REJECTED"
	EventTradeOpened     EventType = "TRADE_OPENED"
	EventTradeClosed     EventType = "TRADE_CLOSED"
	EventStopMoved       EventType = "STOP_MOVED"
	EventOrderTimeout    EventType = "ORDER_TIMEOUT"
	EventForcedExit      EventType = "FORCED_EXIT"
	EventScenarioPaused  EventType = "SCENARIO_PAUSED"
	EventScenarioResumed EventType = "SCENARIO_RESUMED"
	EventReconcile       EventType = "RECONCILE"
	EventError           EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type       EventType              `json:"type"`
	ScenarioID string                 `json:"scenarioId,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Data       map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	// Set timestamp if not provided
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Notify specific subscribers
	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event) // Run in goroutine to avoid blocking
		}
	}

	// Notify all-event subscribers
	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishSignal publishes a signal generated event
func (eb *EventBus) PublishSignal(scenarioID, symbol, signalType, reason string, price float64) {
	eb.Publish(Event{
		Type:       EventSignalGenerated,
		ScenarioID: scenarioID,
		Data: map[string]interface{}{
			"symbol":      symbol,
			"signal_type": signalType,
			"reason":      reason,
			"price":       price,
		},
	})
}

// PublishTradeOpened publishes a trade opened event
func (eb *EventBus) PublishTradeOpened(scenarioID, symbol, side string, entryPrice, quantity float64) {
	eb.Publish(Event{
		Type:       EventTradeOpened,
		ScenarioID: scenarioID,
		Data: map[string]interface{}{
			"symbol":      symbol,
			"side":        side,
			"entry_price": entryPrice,
			"quantity":    quantity,
		},
	})
}

// PublishTradeClosed publishes a trade closed event
func (eb *EventBus) PublishTradeClosed(scenarioID, symbol, reason string, exitPrice, pnl, pnlPercent float64) {
	eb.Publish(Event{
		Type:       EventTradeClosed,
		ScenarioID: scenarioID,
		Data: map[string]interface{}{
			"symbol":      symbol,
			"reason":      reason,
			"exit_price":  exitPrice,
			"pnl":         pnl,
			"pnl_percent": pnlPercent,
		},
	})
}

// PublishForcedExit publishes a forced exit event after repeated order timeouts
func (eb *EventBus) PublishForcedExit(scenarioID, symbol string, timeouts int) {
	eb.Publish(Event{
		Type:       EventForcedExit,
		ScenarioID: scenarioID,
		Data: map[string]interface{}{
			"symbol":   symbol,
			"timeouts": timeouts,
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(scenarioID, source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type:       EventError,
		ScenarioID: scenarioID,
		Data:       data,
	})
}
