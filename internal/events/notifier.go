package events

import (
	"context"
)

// BusNotifier adapts an EventEmitter into the engine's notification sink.
// Deliveries become nabr.notification CloudEvents; the downstream transport
// (email, SMS, push) subscribes to the Pub/Sub topic and is out of scope here.
type BusNotifier struct {
	bus    EventEmitter
	source string
}

// NewBusNotifier creates a notifier publishing onto the given bus.
func NewBusNotifier(bus EventEmitter, source string) *BusNotifier {
	if source == "" {
		source = "/verification"
	}
	return &BusNotifier{bus: bus, source: source}
}

// Deliver implements collab.Notifier.
func (bn *BusNotifier) Deliver(ctx context.Context, subjectID, kind string, payload map[string]interface{}) error {
	data := map[string]interface{}{"kind": kind}
	for k, v := range payload {
		data[k] = v
	}
	bn.bus.Emit(TypeNotification, bn.source, subjectID, data)
	return nil
}
