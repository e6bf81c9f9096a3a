package bus

import "time"

// Event is a single run event as persisted and streamed to clients.
// Seq is assigned by the run manager's privileged sink during publish;
// subscribers always observe events with their final sequence number.
type Event struct {
	RunID   string                 `json:"runId"`
	Seq     int64                  `json:"seq"`
	Type    string                 `json:"type"`
	TS      time.Time              `json:"ts"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// EventHandler consumes events on a subscriber's own goroutine.
type EventHandler func(Event)

// SinkHandler is a privileged synchronous sink run inside Publish, before
// fan-out. It may mutate the event (sequence assignment, persistence).
type SinkHandler func(*Event)

// Publisher is the bus surface the executor and scheduler publish through.
type Publisher interface {
	Publish(ev Event)
	Subscribe(runID string, handler EventHandler) string
	Unsubscribe(id string)
	OnAll(sink SinkHandler)
	Close()
}
