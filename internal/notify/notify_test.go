package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labelflow/internal/config"
	"labelflow/internal/domain"
)

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.Clients() == n }, 2*time.Second, 10*time.Millisecond)
}

func TestHubScopesByProject(t *testing.T) {
	hub := NewHub(8, nil)
	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	srv := httptest.NewServer(mux)
	defer srv.Close()
	defer hub.Close()

	all := dial(t, srv, "")
	scoped := dial(t, srv, "?project_id=p2")
	waitForClients(t, hub, 2)

	require.NoError(t, hub.Publish(context.Background(), Event{Type: "task.reviewed", ProjectID: "p1", TaskID: "t1"}))
	require.NoError(t, hub.Publish(context.Background(), Event{Type: "task.reviewed", ProjectID: "p2", TaskID: "t2"}))

	var got Event
	require.NoError(t, all.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, all.ReadJSON(&got))
	assert.Equal(t, "t1", got.TaskID)
	require.NoError(t, all.ReadJSON(&got))
	assert.Equal(t, "t2", got.TaskID)

	require.NoError(t, scoped.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, scoped.ReadJSON(&got))
	assert.Equal(t, "p2", got.ProjectID)
	assert.Equal(t, "t2", got.TaskID)
}

func TestHubDropsClosedClients(t *testing.T) {
	hub := NewHub(8, nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	waitForClients(t, hub, 1)
	conn.Close()
	waitForClients(t, hub, 0)
	assert.NoError(t, hub.Publish(context.Background(), Event{Type: "x", ProjectID: "p"}))
}

type failing struct{}

func (failing) Publish(context.Context, Event) error { return errors.New("down") }

func TestFanoutJoinsErrors(t *testing.T) {
	rec := NewRecorder(4)
	err := Fanout{rec, failing{}, nil, Nop{}}.Publish(context.Background(), Event{Type: "a"})
	assert.EqualError(t, err, "down")
	events := rec.Drain()
	require.Len(t, events, 1)
	assert.Equal(t, "a", events[0].Type)
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "labelflow.events.p1.task.reviewed", Subject("", Event{ProjectID: "p1", Type: "task.reviewed"}))
	assert.Equal(t, "x.a_b.dataset.uploaded", Subject("x", Event{ProjectID: "a.b", Type: "dataset.uploaded"}))
	assert.Equal(t, "x._.project.deleted", Subject("x", Event{Type: "project.deleted"}))
}

func TestEventFilter(t *testing.T) {
	f := newEventFilter([]string{"task.*", "feedback.received"})
	assert.True(t, f.match("task.reviewed"))
	assert.True(t, f.match("feedback.received"))
	assert.False(t, f.match("dataset.uploaded"))
	assert.True(t, newEventFilter(nil).match("anything"))
}

type memSource struct {
	mu     sync.Mutex
	events []domain.Event
}

func (m *memSource) EventsAfter(_ context.Context, limit int, cursor int64, _ string) ([]domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Event
	for _, e := range m.events {
		if e.ID > cursor && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memSource) LatestEventID(context.Context, string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return 0, nil
	}
	return m.events[len(m.events)-1].ID, nil
}

func (m *memSource) add(e domain.Event) {
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
}

func TestWebhookDispatcherDeliversNewMatchingEvents(t *testing.T) {
	var mu sync.Mutex
	var received []webhookEvent
	var headers []http.Header
	fail := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			fail = false
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var evt webhookEvent
		_ = json.Unmarshal(body, &evt)
		received = append(received, evt)
		headers = append(headers, r.Header.Clone())
	}))
	defer srv.Close()

	src := &memSource{}
	src.add(domain.Event{ID: 1, Type: "task.reviewed", ProjectID: "p1"})
	d := NewWebhookDispatcher(src, []config.Webhook{{ID: "h1", URL: srv.URL, Secret: "s3cret", Events: []string{"task.*"}}}, nil)

	ctx := context.Background()
	d.DispatchOnce(ctx)
	src.add(domain.Event{ID: 2, Type: "dataset.uploaded", ProjectID: "p1"})
	src.add(domain.Event{ID: 3, Type: "task.client_approved", ProjectID: "p1", Payload: `{"task_id":"t1"}`})

	d.DispatchOnce(ctx)
	d.DispatchOnce(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1, "pre-existing events are skipped and the failed delivery is retried once")
	assert.Equal(t, int64(3), received[0].ID)
	assert.JSONEq(t, `{"task_id":"t1"}`, string(received[0].Payload))
	assert.Equal(t, "s3cret", headers[0].Get("X-Labelflow-Secret"))
	assert.Equal(t, "task.client_approved", headers[0].Get("X-Labelflow-Event"))
	assert.Equal(t, "3", headers[0].Get("X-Labelflow-Delivery"))
}
