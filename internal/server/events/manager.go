package events

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
)

const defaultBufferSize = 1000

type subscription struct {
	types    map[string]bool
	listener Listener
}

func (s subscription) matches(event Event) bool {
	return len(s.types) == 0 || s.types[event.Type]
}

// Manager fans repository events out to in-process listeners and webhooks.
// Emit never blocks the caller: events are dropped when the buffer is full.
type Manager struct {
	eventChan     chan Event
	subscriptions []subscription
	notifier      *Notifier
	dropped       func(Event)
	mu            sync.RWMutex
	closed        bool
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// NewManager creates a new event manager. A nil notifier disables webhooks.
func NewManager(notifier *Notifier, bufferSize int) *Manager {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		eventChan: make(chan Event, bufferSize),
		notifier:  notifier,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Subscribe registers a listener for the given event types, or for every event
// when no types are given. Listeners run on the dispatch goroutine.
func (m *Manager) Subscribe(listener Listener, eventTypes ...string) {
	sub := subscription{listener: listener}
	if len(eventTypes) > 0 {
		sub.types = make(map[string]bool, len(eventTypes))
		for _, t := range eventTypes {
			sub.types[t] = true
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions = append(m.subscriptions, sub)
}

// OnDrop registers a callback invoked when an event is dropped
func (m *Manager) OnDrop(f func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped = f
}

// Start begins processing events
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.processEvents()
	log.Debug("Event manager started")
}

// Stop drains pending events and shuts the manager down
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.eventChan)
	m.mu.Unlock()

	m.wg.Wait()
	m.cancel()
	if m.notifier != nil {
		m.notifier.Close()
	}
	log.Debug("Event manager stopped")
}

// Emit queues an event for dispatch
func (m *Manager) Emit(event Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}

	select {
	case m.eventChan <- event:
	default:
		log.Warnf("Event channel full, dropping event %s (%s)", event.ID, event.Type)
		if m.dropped != nil {
			m.dropped(event)
		}
	}
}

// Emitter returns a function that can be handed to the repository
func (m *Manager) Emitter() Emitter {
	return m.Emit
}

func (m *Manager) processEvents() {
	defer m.wg.Done()
	for event := range m.eventChan {
		m.dispatch(event)
	}
}

func (m *Manager) dispatch(event Event) {
	m.mu.RLock()
	subs := make([]subscription, len(m.subscriptions))
	copy(subs, m.subscriptions)
	m.mu.RUnlock()

	for _, sub := range subs {
		if sub.matches(event) {
			m.invoke(sub.listener, event)
		}
	}

	if m.notifier != nil {
		m.notifier.Notify(m.ctx, event)
	}
}

func (m *Manager) invoke(listener Listener, event Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Event listener panicked on %s: %v", event.Type, r)
		}
	}()
	listener(event)
}

// LogListener writes every event at debug level
func LogListener(event Event) {
	log.WithFields(log.Fields{
		"event":   event.Type,
		"path":    event.Path,
		"index":   event.Index,
		"fixture": event.Fixture,
		"count":   event.Count,
	}).Debug("Repository event")
}
