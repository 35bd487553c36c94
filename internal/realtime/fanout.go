package realtime

import "orderflow/internal/orders/saga"

// Sink receives saga events.
type Sink interface {
	Publish(event saga.Event)
}

// Fanout forwards each saga event to every sink in order.
type Fanout struct {
	sinks []Sink
}

// NewFanout constructs a Fanout, skipping nil sinks.
func NewFanout(sinks ...Sink) *Fanout {
	f := &Fanout{}
	for _, sink := range sinks {
		if sink != nil {
			f.sinks = append(f.sinks, sink)
		}
	}
	return f
}

func (f *Fanout) Publish(event saga.Event) {
	for _, sink := range f.sinks {
		sink.Publish(event)
	}
}
