// Package event provides the in-process bus strategies and services publish
// lifecycle and trading events on.
package event

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Type names an event kind.
type Type string

const (
	TickerUpdate    Type = "TICKER_UPDATE"
	OrderFilled     Type = "ORDER_FILLED"
	OrderRejected   Type = "ORDER_REJECTED"
	StrategySignal  Type = "STRATEGY_SIGNAL"
	SystemError     Type = "SYSTEM_ERROR"
	StrategyStarted Type = "STRATEGY_STARTED"
	StrategyStopped Type = "STRATEGY_STOPPED"
)

// Event is one published message. Payload is owned by the publisher and must
// not be mutated by handlers.
type Event struct {
	Type    Type
	Source  string
	Payload any
	Time    time.Time
}

// Handler receives events it subscribed to.
type Handler func(ctx context.Context, e Event)

// Bus dispatches events synchronously to the handlers subscribed to their
// type. A nil *Bus drops everything, so components can take one optionally.
type Bus struct {
	logger   *zap.Logger
	mu       sync.RWMutex
	handlers map[Type][]Handler
}

// NewBus creates an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		logger:   logger.Named("event-bus"),
		handlers: make(map[Type][]Handler),
	}
}

// Subscribe registers h for events of type t.
func (b *Bus) Subscribe(t Type, h Handler) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
	b.logger.Debug("Subscribed", zap.String("type", string(t)))
}

// Publish delivers e to every handler of its type in subscription order. A
// panicking handler is logged and does not stop delivery to the others.
func (b *Bus) Publish(ctx context.Context, e Event) {
	if b == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[e.Type]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.dispatch(ctx, h, e)
	}
}

func (b *Bus) dispatch(ctx context.Context, h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panicked",
				zap.String("type", string(e.Type)),
				zap.String("source", e.Source),
				zap.Error(fmt.Errorf("%v", r)),
			)
		}
	}()
	h(ctx, e)
}
