package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifierPostsEvent(t *testing.T) {
	received := make(chan Event, 1)
	var header string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get("X-Oaksearch-Event")
		var e Event
		if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		received <- e
	}))
	defer ts.Close()

	n := NewNotifier([]string{ts.URL}, time.Second)
	defer n.Close()

	event := New(EventIndexReindexed)
	event.Index = "testContent"
	n.Notify(context.Background(), event)

	require.Len(t, received, 1)
	got := <-received
	assert.Equal(t, event.ID, got.ID)
	assert.Equal(t, "testContent", got.Index)
	assert.Equal(t, EventIndexReindexed, header)
}

func TestNotifierReportsBadStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	n := NewNotifier(nil, 0)
	err := n.sendWebhook(context.Background(), ts.URL, New(EventACLChanged))
	assert.EqualError(t, err, "webhook returned status 500")
}

func TestManagerForwardsToNotifier(t *testing.T) {
	hits := make(chan string, 4)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits <- r.Header.Get("X-Oaksearch-Event")
	}))
	defer ts.Close()

	m := NewManager(NewNotifier([]string{ts.URL}, time.Second), 4)
	m.Start()
	m.Emit(New(EventFixtureCompleted))
	m.Stop()

	require.Len(t, hits, 1)
	assert.Equal(t, EventFixtureCompleted, <-hits)
}
