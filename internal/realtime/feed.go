package realtime

import (
	"encoding/json"

	"orderflow/internal/observability"
	"orderflow/internal/orders/saga"
)

// SagaFeed broadcasts saga transitions to websocket subscribers, one topic per saga key.
type SagaFeed struct {
	hub     *Hub
	metrics *observability.Metrics
}

// NewSagaFeed constructs a SagaFeed over hub.
func NewSagaFeed(hub *Hub, metrics *observability.Metrics) *SagaFeed {
	return &SagaFeed{hub: hub, metrics: metrics}
}

// Publish never blocks the saga; events that cannot be queued are counted and dropped.
func (f *SagaFeed) Publish(event saga.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	if !f.hub.Publish(Message{Topic: event.SagaKey, Data: data}) {
		f.metrics.Incr("realtime.dropped")
	}
}
