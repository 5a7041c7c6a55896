package events

import (
	"time"

	"github.com/google/uuid"
)

// Event represents a change in the content repository that listeners and
// webhooks may react to
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// Content event fields
	Path    string `json:"path,omitempty"`
	Fixture string `json:"fixture,omitempty"`
	Count   int    `json:"count,omitempty"`

	// Index event fields
	Index string `json:"index,omitempty"`

	// Context
	Meta map[string]interface{} `json:"meta,omitempty"`
}

// Event type constants
const (
	EventContentCommitted = "content.committed"
	EventFixtureCompleted = "fixture.completed"
	EventIndexSaved       = "index.saved"
	EventIndexReindexed   = "index.reindexed"
	EventIndexRemoved     = "index.removed"
	EventPrincipalCreated = "principal.created"
	EventACLChanged       = "acl.changed"
)

// Emitter receives events from the repository and the services built on it
type Emitter func(Event)

// Listener is invoked by the manager for every dispatched event it subscribed to
type Listener func(Event)

// New creates an event of the given type stamped with a fresh id and the current time
func New(eventType string) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
	}
}

// Discard is an Emitter that drops every event
func Discard(Event) {}
