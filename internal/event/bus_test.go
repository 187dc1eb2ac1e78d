package event

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestBus_PublishDeliversToSubscribersOfType(t *testing.T) {
	bus := NewBus(zap.NewNop())

	var filled, rejected []Event
	bus.Subscribe(OrderFilled, func(_ context.Context, e Event) { filled = append(filled, e) })
	bus.Subscribe(OrderRejected, func(_ context.Context, e Event) { rejected = append(rejected, e) })

	bus.Publish(context.Background(), Event{Type: OrderFilled, Source: "grid", Payload: "x"})

	assert.Len(t, filled, 1)
	assert.Empty(t, rejected)
	assert.Equal(t, "grid", filled[0].Source)
	assert.False(t, filled[0].Time.IsZero(), "publish should stamp the event time")
}

func TestBus_HandlersRunInSubscriptionOrder(t *testing.T) {
	bus := NewBus(zap.NewNop())

	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		bus.Subscribe(StrategyStarted, func(context.Context, Event) { order = append(order, i) })
	}
	bus.Publish(context.Background(), Event{Type: StrategyStarted})

	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestBus_PanickingHandlerDoesNotStopDelivery(t *testing.T) {
	bus := NewBus(zap.NewNop())

	delivered := false
	bus.Subscribe(SystemError, func(context.Context, Event) { panic("boom") })
	bus.Subscribe(SystemError, func(context.Context, Event) { delivered = true })

	assert.NotPanics(t, func() {
		bus.Publish(context.Background(), Event{Type: SystemError})
	})
	assert.True(t, delivered)
}

func TestBus_NilBusIsNoop(t *testing.T) {
	var bus *Bus
	assert.NotPanics(t, func() {
		bus.Subscribe(OrderFilled, func(context.Context, Event) {})
		bus.Publish(context.Background(), Event{Type: OrderFilled})
	})
}
