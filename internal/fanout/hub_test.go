package fanout

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/video-qr-scanner/pkg/schema"
)

type recordingSub struct {
	id   string
	mu   sync.Mutex
	got  []schema.PushEvent
	fail bool
}

func (r *recordingSub) ID() string { return r.id }

func (r *recordingSub) Send(ev schema.PushEvent) error {
	if r.fail {
		return errors.New("gone")
	}
	r.mu.Lock()
	r.got = append(r.got, ev)
	r.mu.Unlock()
	return nil
}

func (r *recordingSub) events() []schema.PushEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]schema.PushEvent(nil), r.got...)
}

func statusEvent(videoID string) schema.PushEvent {
	return schema.PushEvent{Type: schema.EventStatusUpdate, VideoID: videoID, Status: schema.StatusProcessing}
}

func TestHubBroadcastsOnlyToGroup(t *testing.T) {
	t.Parallel()

	h := NewHub(nil, nil)
	a := &recordingSub{id: "a"}
	b := &recordingSub{id: "b"}
	c := &recordingSub{id: "c"}
	h.Join("v1", a)
	h.Join("v1", b)
	h.Join("v2", c)

	h.Notify(context.Background(), "v1", statusEvent("v1"))

	assert.Len(t, a.events(), 1)
	assert.Len(t, b.events(), 1)
	assert.Empty(t, c.events())
}

func TestHubLeaveStopsDelivery(t *testing.T) {
	t.Parallel()

	h := NewHub(nil, nil)
	a := &recordingSub{id: "a"}
	h.Join("v1", a)
	h.Join("v1", a)
	assert.Equal(t, 1, h.Members("v1"))

	h.Leave("v1", a)
	h.Notify(context.Background(), "v1", statusEvent("v1"))

	assert.Empty(t, a.events())
	assert.Equal(t, 0, h.Members("v1"))
}

func TestHubDropRemovesFromAllGroups(t *testing.T) {
	t.Parallel()

	h := NewHub(nil, nil)
	a := &recordingSub{id: "a"}
	h.Join("v1", a)
	h.Join("v2", a)
	assert.Equal(t, 1, h.Subscribers())

	h.Drop(a)

	assert.Equal(t, 0, h.Members("v1"))
	assert.Equal(t, 0, h.Members("v2"))
	assert.Equal(t, 0, h.Subscribers())
	h.Drop(a)
	assert.Equal(t, 0, h.Subscribers(), "dropping twice is harmless")
}

func TestHubLateJoinerGetsNothing(t *testing.T) {
	t.Parallel()

	h := NewHub(nil, nil)
	h.Notify(context.Background(), "v1", statusEvent("v1"))
	a := &recordingSub{id: "a"}
	h.Join("v1", a)
	assert.Empty(t, a.events())
}

func TestHubFailingSubscriberDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	h := NewHub(nil, nil)
	bad := &recordingSub{id: "bad", fail: true}
	good := &recordingSub{id: "good"}
	h.Join("v1", bad)
	h.Join("v1", good)

	h.Notify(context.Background(), "v1", statusEvent("v1"))
	assert.Len(t, good.events(), 1)
}

func TestHubConcurrentMembership(t *testing.T) {
	t.Parallel()

	h := NewHub(nil, nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sub := &recordingSub{id: fmt.Sprintf("s%d", i)}
			video := fmt.Sprintf("v%d", i%5)
			h.Join(video, sub)
			h.Notify(context.Background(), video, statusEvent(video))
			if i%2 == 0 {
				h.Drop(sub)
			}
		}(i)
	}
	wg.Wait()

	total := 0
	for i := 0; i < 5; i++ {
		total += h.Members(fmt.Sprintf("v%d", i))
	}
	assert.Equal(t, 25, total)
	assert.Equal(t, 25, h.Subscribers())
}

func TestServeWSJoinReceivesEvents(t *testing.T) {
	t.Parallel()

	h := NewHub(nil, nil)
	srv := httptest.NewServer(ServeWS(h, discardLogger()))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(ClientMessage{Action: "join", VideoID: "v1"}))
	require.Eventually(t, func() bool { return h.Members("v1") == 1 }, 2*time.Second, 10*time.Millisecond)

	h.Notify(context.Background(), "v1", schema.PushEvent{Type: schema.EventProcessingError, VideoID: "v1", Status: schema.StatusFailed, Error: "no frames extracted"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev schema.PushEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, schema.EventProcessingError, ev.Type)
	assert.Equal(t, "no frames extracted", ev.Error)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return h.Members("v1") == 0 }, 2*time.Second, 10*time.Millisecond)
}
