package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// ErrLeaseLost is returned by Refresh when the lease expired and may now
// belong to another worker.
var ErrLeaseLost = errors.New("lease lost")

// Lease grants one worker at a time the right to analyse a video.
type Lease interface {
	// Acquire returns false without error when another holder has the lease.
	Acquire(ctx context.Context, videoID string) (bool, error)
	// Refresh extends a held lease so long jobs outlive the TTL.
	Refresh(ctx context.Context, videoID string) error
	// Release gives the lease up. A lease that has since passed to another
	// holder is left alone.
	Release(ctx context.Context, videoID string) error
}

// NoLease always grants; duplicates are then resolved by the store.
type NoLease struct{}

func (NoLease) Acquire(context.Context, string) (bool, error) { return true, nil }
func (NoLease) Refresh(context.Context, string) error         { return nil }
func (NoLease) Release(context.Context, string) error         { return nil }

// MemoryLease is a process-local lease with expiry.
type MemoryLease struct {
	mu   sync.Mutex
	ttl  time.Duration
	held map[string]time.Time
	now  func() time.Time
}

func NewMemoryLease(ttl time.Duration) *MemoryLease {
	return &MemoryLease{ttl: ttl, held: make(map[string]time.Time), now: time.Now}
}

func (l *MemoryLease) Acquire(ctx context.Context, videoID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if exp, ok := l.held[videoID]; ok && now.Before(exp) {
		return false, nil
	}
	l.held[videoID] = now.Add(l.ttl)
	return true, nil
}

func (l *MemoryLease) Refresh(ctx context.Context, videoID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	exp, ok := l.held[videoID]
	if !ok || !now.Before(exp) {
		return ErrLeaseLost
	}
	l.held[videoID] = now.Add(l.ttl)
	return nil
}

func (l *MemoryLease) Release(ctx context.Context, videoID string) error {
	l.mu.Lock()
	delete(l.held, videoID)
	l.mu.Unlock()
	return nil
}

// KVLease stores leases in a JetStream key-value bucket whose TTL bounds
// how long a crashed holder blocks the video. Refresh and Release are
// conditioned on the revision this holder last wrote, so an expired lease
// re-created by another worker is never touched.
type KVLease struct {
	kv    jetstream.KeyValue
	owner string

	mu   sync.Mutex
	revs map[string]uint64
}

func NewKVLease(kv jetstream.KeyValue, owner string) *KVLease {
	return &KVLease{kv: kv, owner: owner, revs: make(map[string]uint64)}
}

func (l *KVLease) Acquire(ctx context.Context, videoID string) (bool, error) {
	rev, err := l.kv.Create(ctx, leaseKey(videoID), []byte(l.owner))
	if errors.Is(err, jetstream.ErrKeyExists) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", videoID, err)
	}
	l.mu.Lock()
	l.revs[videoID] = rev
	l.mu.Unlock()
	return true, nil
}

func (l *KVLease) Refresh(ctx context.Context, videoID string) error {
	l.mu.Lock()
	rev, ok := l.revs[videoID]
	l.mu.Unlock()
	if !ok {
		return ErrLeaseLost
	}
	next, err := l.kv.Update(ctx, leaseKey(videoID), []byte(l.owner), rev)
	if errors.Is(err, jetstream.ErrKeyExists) {
		l.forget(videoID, rev)
		return ErrLeaseLost
	}
	if err != nil {
		return fmt.Errorf("refresh lease %s: %w", videoID, err)
	}
	l.mu.Lock()
	if l.revs[videoID] == rev {
		l.revs[videoID] = next
	}
	l.mu.Unlock()
	return nil
}

func (l *KVLease) Release(ctx context.Context, videoID string) error {
	l.mu.Lock()
	rev, ok := l.revs[videoID]
	delete(l.revs, videoID)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	key := leaseKey(videoID)
	entry, err := l.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("release lease %s: %w", videoID, err)
	}
	if entry.Revision() != rev {
		// Expired and re-acquired elsewhere.
		return nil
	}
	err = l.kv.Delete(ctx, key, jetstream.LastRevision(rev))
	if errors.Is(err, jetstream.ErrKeyExists) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("release lease %s: %w", videoID, err)
	}
	return nil
}

func (l *KVLease) forget(videoID string, rev uint64) {
	l.mu.Lock()
	if l.revs[videoID] == rev {
		delete(l.revs, videoID)
	}
	l.mu.Unlock()
}

func leaseKey(videoID string) string {
	var b strings.Builder
	b.WriteString("video.")
	for _, r := range videoID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
