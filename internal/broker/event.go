package broker

import (
	"encoding/json"

	"github.com/shineum/mailcatcher-lite/internal/email"
)

// Event is a lifecycle notification delivered to subscribers. The concrete
// types are NewMail, DeletedMail and Ping. Every subscriber receives its own
// copy, slices included.
type Event interface {
	// Name is the event name used on the wire.
	Name() string
	// Payload is the structured event data, nil for Ping.
	Payload() any
	// Data is the payload rendered as event-stream text.
	Data() string
	clone() Event
}

// NewMail announces a message that is already readable from the store.
type NewMail struct {
	Summary email.Summary
}

// DeletedMail announces a removed message.
type DeletedMail struct {
	ID string
}

// Ping is the periodic heartbeat.
type Ping struct{}

func (NewMail) Name() string     { return "newMail" }
func (DeletedMail) Name() string { return "delMail" }
func (Ping) Name() string        { return "ping" }

func (e NewMail) Payload() any     { return e.Summary }
func (e DeletedMail) Payload() any { return e.ID }
func (Ping) Payload() any          { return nil }

func (e NewMail) Data() string {
	data, err := json.Marshal(e.Summary)
	if err != nil {
		return ""
	}
	return string(data)
}

func (e DeletedMail) Data() string { return e.ID }

func (Ping) Data() string { return "\U0001F493" }

func (e NewMail) clone() Event {
	if e.Summary.To != nil {
		to := make([]string, len(e.Summary.To))
		copy(to, e.Summary.To)
		e.Summary.To = to
	}
	return e
}

func (e DeletedMail) clone() Event { return e }
func (e Ping) clone() Event        { return e }
