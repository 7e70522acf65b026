package events

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"newsriver/internal/broker"
	"newsriver/internal/domain"
)

func testHub(backlog int) *Hub {
	return NewHub(backlog, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func mustEvent(t *testing.T, eventType string, payload any) domain.Event {
	t.Helper()
	event, err := domain.NewEvent(eventType, payload)
	require.NoError(t, err)
	return event
}

func drain(sub *Subscription) []domain.Event {
	var out []domain.Event
	for {
		select {
		case event := <-sub.Events():
			out = append(out, event)
		default:
			return out
		}
	}
}

func TestHub_RegisterIsExclusivePerName(t *testing.T) {
	hub := testHub(8)

	sub, err := hub.Register("baseline")
	require.NoError(t, err)
	require.NotNil(t, sub)

	_, err = hub.Register("baseline")
	assert.ErrorIs(t, err, domain.ErrAlreadyConnected)

	hub.Unregister(sub)
	_, err = hub.Register("baseline")
	assert.NoError(t, err, "disconnecting frees the name")
}

func TestHub_DispatchBroadcasts(t *testing.T) {
	hub := testHub(8)
	a, err := hub.Register("a")
	require.NoError(t, err)
	b, err := hub.Register("b")
	require.NoError(t, err)

	hub.Dispatch(mustEvent(t, domain.EventNewArticle, map[string]string{"url": "u"}))

	require.Len(t, drain(a), 1)
	require.Len(t, drain(b), 1)
}

func TestHub_DispatchTargeted(t *testing.T) {
	hub := testHub(8)
	a, err := hub.Register("a")
	require.NoError(t, err)
	b, err := hub.Register("b")
	require.NoError(t, err)

	event := mustEvent(t, domain.EventArticleInteraction, map[string]string{"user_id": "u1"})
	event.Targets = []string{"b", "ghost"}
	hub.Dispatch(event)

	assert.Empty(t, drain(a))
	require.Len(t, drain(b), 1)
}

func TestHub_FullQueueDropsOldest(t *testing.T) {
	hub := testHub(2)
	sub, err := hub.Register("slow")
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		hub.Dispatch(mustEvent(t, domain.EventNewArticle, map[string]int{"n": i}))
	}

	events := drain(sub)
	require.Len(t, events, 2)

	var payload map[string]int
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	assert.Equal(t, 2, payload["n"], "the newest events survive, the oldest are shed")
}

func TestHub_UnregisterClosesChannel(t *testing.T) {
	hub := testHub(8)
	sub, err := hub.Register("a")
	require.NoError(t, err)

	hub.Unregister(sub)
	_, open := <-sub.Events()
	assert.False(t, open)

	// Unregistering a stale subscription must not tear down its successor.
	replacement, err := hub.Register("a")
	require.NoError(t, err)
	hub.Unregister(sub)
	assert.Equal(t, []string{"a"}, hub.Connected())
	hub.Unregister(replacement)
	assert.Empty(t, hub.Connected())
}

func TestHub_HandleDelivery(t *testing.T) {
	hub := testHub(8)
	sub, err := hub.Register("a")
	require.NoError(t, err)

	event := mustEvent(t, domain.EventNewArticle, map[string]string{"url": "u"})
	body, err := json.Marshal(event)
	require.NoError(t, err)

	assert.Equal(t, broker.Ack, hub.Handle(t.Context(), body))
	require.Len(t, drain(sub), 1)

	assert.Equal(t, broker.Reject, hub.Handle(t.Context(), []byte("{nope")))
}
