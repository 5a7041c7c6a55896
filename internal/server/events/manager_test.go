package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) listen(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collector) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Type)
	}
	return out
}

func TestManagerDispatchesToMatchingListeners(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := NewManager(nil, 10)
	all := &collector{}
	indexOnly := &collector{}
	m.Subscribe(all.listen)
	m.Subscribe(indexOnly.listen, EventIndexSaved, EventIndexReindexed)
	m.Start()

	m.Emit(New(EventContentCommitted))
	m.Emit(New(EventIndexSaved))
	m.Emitter()(New(EventIndexReindexed))
	m.Stop()

	assert.Equal(t, []string{EventContentCommitted, EventIndexSaved, EventIndexReindexed}, all.types())
	assert.Equal(t, []string{EventIndexSaved, EventIndexReindexed}, indexOnly.types())
}

func TestManagerDropsWhenBufferFull(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := NewManager(nil, 1)
	var dropped []Event
	m.OnDrop(func(e Event) { dropped = append(dropped, e) })

	// Not started: the second event cannot be buffered
	m.Emit(New(EventACLChanged))
	m.Emit(New(EventPrincipalCreated))
	require.Len(t, dropped, 1)
	assert.Equal(t, EventPrincipalCreated, dropped[0].Type)

	m.Start()
	m.Stop()
}

func TestManagerSurvivesPanickingListener(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := NewManager(nil, 10)
	after := &collector{}
	m.Subscribe(func(Event) { panic("boom") })
	m.Subscribe(after.listen)
	m.Start()

	m.Emit(New(EventFixtureCompleted))
	m.Stop()

	assert.Equal(t, []string{EventFixtureCompleted}, after.types())
}

func TestManagerStopIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := NewManager(nil, 0)
	m.Start()
	m.Stop()
	m.Stop()

	// Emitting after stop is a no-op
	m.Emit(New(EventIndexRemoved))
}
