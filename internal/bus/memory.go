package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type delivery struct {
	data    []byte
	attempt int
}

// group is one set of competing subscribers. Every subscriber goroutine
// reads from the same queue.
type group struct {
	queue chan delivery
}

// Memory is an in-process Bus for single-binary deployments and tests.
// Messages published before any group subscribes to a subject are held
// and handed to the first group that does.
type Memory struct {
	mu      sync.Mutex
	groups  map[string]map[string]*group // subject -> group name -> group
	backlog map[string][]delivery

	maxDeliver int
	nakDelay   time.Duration
	logger     *slog.Logger
	done       chan struct{}
	closeOnce  sync.Once
}

type MemoryOption func(*Memory)

// WithMaxDeliver bounds deliveries per message per group.
func WithMaxDeliver(n int) MemoryOption {
	return func(m *Memory) { m.maxDeliver = n }
}

// WithRedeliveryDelay sets the wait before a failed message is retried.
func WithRedeliveryDelay(d time.Duration) MemoryOption {
	return func(m *Memory) { m.nakDelay = d }
}

func WithLogger(l *slog.Logger) MemoryOption {
	return func(m *Memory) { m.logger = l }
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		groups:     make(map[string]map[string]*group),
		backlog:    make(map[string][]delivery),
		maxDeliver: 5,
		nakDelay:   100 * time.Millisecond,
		logger:     slog.Default(),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Publish(ctx context.Context, subject string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.closed() {
		return errors.New("bus closed")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", subject, err)
	}

	m.mu.Lock()
	groups := make([]*group, 0, len(m.groups[subject]))
	for _, g := range m.groups[subject] {
		groups = append(groups, g)
	}
	if len(groups) == 0 {
		m.backlog[subject] = append(m.backlog[subject], delivery{data: b})
	}
	m.mu.Unlock()

	for _, g := range groups {
		if err := m.enqueue(ctx, g, delivery{data: b}); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, subject, name string, h Handler) error {
	if h == nil {
		return errors.New("handler cannot be nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	byName, ok := m.groups[subject]
	if !ok {
		byName = make(map[string]*group)
		m.groups[subject] = byName
	}
	g, ok := byName[name]
	var pending []delivery
	if !ok {
		g = &group{queue: make(chan delivery, 1024)}
		byName[name] = g
		pending = m.backlog[subject]
		delete(m.backlog, subject)
	}
	m.mu.Unlock()

	for _, d := range pending {
		if err := m.enqueue(ctx, g, d); err != nil {
			return err
		}
	}

	go m.consume(ctx, subject, g, h)
	return nil
}

func (m *Memory) consume(ctx context.Context, subject string, g *group, h Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case d := <-g.queue:
			d.attempt++
			err := h(ctx, d.data)
			if err == nil {
				continue
			}
			if errors.Is(err, ErrMalformed) {
				m.logger.Error("dropping malformed message", "subject", subject, "err", err)
				continue
			}
			if d.attempt >= m.maxDeliver {
				m.logger.Error("message exceeded max deliveries", "subject", subject, "attempt", d.attempt, "err", err)
				continue
			}
			m.logger.Warn("handler failed, requesting redelivery", "subject", subject, "attempt", d.attempt, "err", err)
			time.AfterFunc(m.nakDelay, func() {
				_ = m.enqueue(context.Background(), g, d)
			})
		}
	}
}

func (m *Memory) enqueue(ctx context.Context, g *group, d delivery) error {
	select {
	case g.queue <- d:
		return nil
	case <-m.done:
		return errors.New("bus closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) closed() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

func (m *Memory) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}
