package events

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestManagerPublishFanOutInOrder(t *testing.T) {
	m := NewManager(zerolog.Nop())

	var order []string
	m.Subscribe(TradeExecuted, func(d EventData) {
		order = append(order, "first")
	})
	m.Subscribe(TradeExecuted, func(d EventData) {
		order = append(order, "second")
	})

	m.Publish(&TradeExecutedData{AccountID: "acc-1", ContractID: "c-1"})

	require.Equal(t, []string{"first", "second"}, order)
}

func TestManagerPublishOnlyMatchingType(t *testing.T) {
	m := NewManager(zerolog.Nop())

	called := false
	m.Subscribe(TradeFailed, func(d EventData) { called = true })

	m.Publish(&TradeExecutedData{AccountID: "acc-1"})

	require.False(t, called)
}

func TestManagerListenerPanicDoesNotStopFanOut(t *testing.T) {
	m := NewManager(zerolog.Nop())

	secondCalled := false
	m.Subscribe(TradeExecuted, func(d EventData) { panic("boom") })
	m.Subscribe(TradeExecuted, func(d EventData) { secondCalled = true })

	require.NotPanics(t, func() {
		m.Publish(&TradeExecutedData{AccountID: "acc-1"})
	})
	require.True(t, secondCalled)
}
