// Package notify delivers out-of-band domain events. Delivery is best-effort:
// publishing never blocks the caller and sink failures are logged, not returned.
package notify

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TopicOrderCreated is emitted once per newly committed order.
const TopicOrderCreated = "order.created"

// Event is the envelope sent to every sink.
type Event struct {
	ID         string    `json:"id"`
	Topic      string    `json:"topic"`
	OrderID    string    `json:"orderId"`
	UserID     string    `json:"userId"`
	Total      int64     `json:"total"`
	OccurredAt time.Time `json:"occurredAt"`
}

// OrderCreated builds the order.created event for a committed order.
func OrderCreated(orderID, userID string, total int64, at time.Time) Event {
	return Event{
		ID:         uuid.NewString(),
		Topic:      TopicOrderCreated,
		OrderID:    orderID,
		UserID:     userID,
		Total:      total,
		OccurredAt: at.UTC(),
	}
}

// Decode parses an event body as produced by the sinks.
func Decode(body []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(body, &e)
	return e, err
}
