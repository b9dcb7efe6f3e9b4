// Package fanout relays pipeline events to push-channel subscribers grouped
// by video id. Membership is ephemeral; nothing is replayed to late joiners.
package fanout

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tendant/video-qr-scanner/internal/metrics"
	"github.com/tendant/video-qr-scanner/pkg/schema"
)

// Subscriber is one connected push-channel client.
type Subscriber interface {
	ID() string
	// Send must not block; slow subscribers return an error instead.
	Send(ev schema.PushEvent) error
}

type group struct {
	mu   sync.Mutex
	subs map[string]Subscriber
	dead bool
}

type membership struct {
	mu     sync.Mutex
	videos map[string]struct{}
}

// Hub keeps one lock per video group so traffic for different videos never
// contends on a shared mutex.
type Hub struct {
	groups      sync.Map // video id -> *group
	memberships sync.Map // subscriber id -> *membership
	subscribers atomic.Int64

	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewHub(m *metrics.Metrics, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{metrics: m, logger: logger}
}

// Join adds sub to the group for videoID. Joining twice is a no-op.
func (h *Hub) Join(videoID string, sub Subscriber) {
	for {
		v, _ := h.groups.LoadOrStore(videoID, &group{subs: make(map[string]Subscriber)})
		g := v.(*group)
		g.mu.Lock()
		if g.dead {
			// Lost a race with the last Leave; the group is being removed.
			g.mu.Unlock()
			continue
		}
		g.subs[sub.ID()] = sub
		g.mu.Unlock()
		break
	}

	mv, loaded := h.memberships.LoadOrStore(sub.ID(), &membership{videos: make(map[string]struct{})})
	if !loaded {
		h.metrics.SetSubscribers(int(h.subscribers.Add(1)))
	}
	m := mv.(*membership)
	m.mu.Lock()
	m.videos[videoID] = struct{}{}
	m.mu.Unlock()
	h.logger.Debug("subscriber joined", "video_id", videoID, "subscriber", sub.ID())
}

// Leave removes sub from the group for videoID.
func (h *Hub) Leave(videoID string, sub Subscriber) {
	h.leaveGroup(videoID, sub.ID())
	if mv, ok := h.memberships.Load(sub.ID()); ok {
		m := mv.(*membership)
		m.mu.Lock()
		delete(m.videos, videoID)
		m.mu.Unlock()
	}
}

// Drop removes sub from every group; transports call it on disconnect.
func (h *Hub) Drop(sub Subscriber) {
	mv, ok := h.memberships.LoadAndDelete(sub.ID())
	if !ok {
		return
	}
	h.metrics.SetSubscribers(int(h.subscribers.Add(-1)))
	m := mv.(*membership)
	m.mu.Lock()
	videos := make([]string, 0, len(m.videos))
	for v := range m.videos {
		videos = append(videos, v)
	}
	m.mu.Unlock()
	for _, v := range videos {
		h.leaveGroup(v, sub.ID())
	}
	h.logger.Debug("subscriber dropped", "subscriber", sub.ID(), "groups", len(videos))
}

func (h *Hub) leaveGroup(videoID, subID string) {
	v, ok := h.groups.Load(videoID)
	if !ok {
		return
	}
	g := v.(*group)
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.subs, subID)
	if len(g.subs) == 0 && !g.dead {
		g.dead = true
		h.groups.CompareAndDelete(videoID, g)
	}
}

// Notify broadcasts ev to everyone currently joined to videoID. Sends run
// outside the group lock.
func (h *Hub) Notify(ctx context.Context, videoID string, ev schema.PushEvent) {
	v, ok := h.groups.Load(videoID)
	if !ok {
		return
	}
	g := v.(*group)
	g.mu.Lock()
	subs := make([]Subscriber, 0, len(g.subs))
	for _, s := range g.subs {
		subs = append(subs, s)
	}
	g.mu.Unlock()

	for _, s := range subs {
		if err := ctx.Err(); err != nil {
			return
		}
		if err := s.Send(ev); err != nil {
			h.logger.Warn("push event not delivered", "video_id", videoID, "subscriber", s.ID(), "event", ev.Type, "err", err)
		}
	}
}

// Members returns the number of subscribers joined to videoID.
func (h *Hub) Members(videoID string) int {
	v, ok := h.groups.Load(videoID)
	if !ok {
		return 0
	}
	g := v.(*group)
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subs)
}

// Subscribers returns the number of subscribers joined to any video.
func (h *Hub) Subscribers() int {
	return int(h.subscribers.Load())
}
