// Package streaming carries domain events (status changes, assignments,
// mode changes) to downstream consumers: the notifier, analytics and the
// ops dashboard. Publishing is best-effort and never blocks the write path.
package streaming

import (
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
)

// Event is a domain event on the service bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Subject   string                 `json:"subject"` // usually a request number
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// NewEvent builds an event with a fresh id and timestamp.
func NewEvent(eventType, subject string, data map[string]interface{}) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Subject:   subject,
		Data:      data,
		Timestamp: time.Now(),
	}
}

// Publisher delivers events to the bus.
type Publisher interface {
	Publish(event Event)
	Close() error
}

// LogPublisher writes events to the process log. Default in development
// and the terminal fallback when the bus is down.
type LogPublisher struct{}

func NewLogPublisher() *LogPublisher {
	return &LogPublisher{}
}

func (p *LogPublisher) Publish(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("[EVENTS] failed to marshal %s: %v", event.Type, err)
		return
	}
	log.Printf("[EVENTS] %s", data)
}

func (p *LogPublisher) Close() error { return nil }
