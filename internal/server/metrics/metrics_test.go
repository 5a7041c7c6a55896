package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/systemshift/oaksearch/internal/server/events"
)

func TestListenerCountsEventsByType(t *testing.T) {
	before := testutil.ToFloat64(repositoryEvents.WithLabelValues(events.EventIndexReindexed))
	Listener(events.New(events.EventIndexReindexed))
	Listener(events.New(events.EventIndexReindexed))
	assert.Equal(t, before+2, testutil.ToFloat64(repositoryEvents.WithLabelValues(events.EventIndexReindexed)))
}

func TestListenerCountsSeededNodes(t *testing.T) {
	before := testutil.ToFloat64(seededNodes)
	ev := events.New(events.EventContentCommitted)
	ev.Count = 42
	Listener(ev)
	assert.Equal(t, before+42, testutil.ToFloat64(seededNodes))
}

func TestDroppedAndRowsRead(t *testing.T) {
	dropped := testutil.ToFloat64(droppedEvents)
	Dropped(events.New(events.EventACLChanged))
	assert.Equal(t, dropped+1, testutil.ToFloat64(droppedEvents))

	rows := testutil.ToFloat64(queryRowsRead)
	AddRowsRead(7)
	assert.Equal(t, rows+7, testutil.ToFloat64(queryRowsRead))
}

func TestObserveDurations(t *testing.T) {
	ObserveExecution(OutcomeSuccess, 3*time.Millisecond)
	ObserveIteration(OutcomeFailure, time.Millisecond)
	assert.GreaterOrEqual(t, testutil.CollectAndCount(executionDuration), 1)
	assert.GreaterOrEqual(t, testutil.CollectAndCount(iterationDuration), 1)
}
