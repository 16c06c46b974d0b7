// Package events provides an in-process publish/subscribe bus for
// engine-wide notifications (trades, vetoes, run outcomes, breaker state).
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType represents different event types
type EventType string

const (
	TradeExecuted         EventType = "TRADE_EXECUTED"
	ExecutionFailed       EventType = "EXECUTION_FAILED"
	RiskVeto              EventType = "RISK_VETO"
	RunCompleted          EventType = "RUN_COMPLETED"
	StrategyStatusChanged EventType = "STRATEGY_STATUS_CHANGED"
	CircuitBreakerTripped EventType = "CIRCUIT_BREAKER_TRIPPED"
	CircuitBreakerReset   EventType = "CIRCUIT_BREAKER_RESET"
	BackupCompleted       EventType = "BACKUP_COMPLETED"
)

// AllTypes lists every event type the bus carries, in a stable order.
// The SSE stream subscribes to all of them by default.
func AllTypes() []EventType {
	return []EventType{
		TradeExecuted,
		ExecutionFailed,
		RiskVeto,
		RunCompleted,
		StrategyStatusChanged,
		CircuitBreakerTripped,
		CircuitBreakerReset,
		BackupCompleted,
	}
}

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Module    string                 `json:"module"`
	Data      map[string]interface{} `json:"data"`
}

// Handler is a subscriber callback. Handlers must not block; slow work
// belongs in the handler's own goroutine.
type Handler func(*Event)

// Bus is an in-process pub/sub event bus. Emit delivers synchronously to
// every subscriber of the event's type, in subscription order.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	log      zerolog.Logger
}

// NewBus creates a new event bus
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
		log:      log.With().Str("component", "events").Logger(),
	}
}

// Subscribe registers a handler for an event type
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Emit publishes an event to all subscribers of its type
func (b *Bus) Emit(eventType EventType, module string, data map[string]interface{}) {
	event := &Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Module:    module,
		Data:      data,
	}

	b.mu.RLock()
	handlers := b.handlers[eventType]
	b.mu.RUnlock()

	b.log.Debug().
		Str("event_type", string(eventType)).
		Str("module", module).
		Int("subscribers", len(handlers)).
		Msg("Event emitted")

	for _, h := range handlers {
		h(event)
	}
}
